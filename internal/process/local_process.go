package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

type localProcess struct {
	cmd    *exec.Cmd
	pid    int
	exited chan struct{}

	mu       sync.Mutex
	exitCode int
	stdout   bytes.Buffer
	stderr   bytes.Buffer
}

var _ Process = (*localProcess)(nil)

func newLocalProcess(cmd *exec.Cmd) *localProcess {
	return &localProcess{
		cmd:      cmd,
		pid:      cmd.Process.Pid,
		exited:   make(chan struct{}),
		exitCode: -1,
	}
}

func (p *localProcess) ID() int { return p.pid }

func (p *localProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *localProcess) MemoryBytes() uint64 {
	if p.hasExited() {
		return 0
	}
	rss, err := residentBytes(p.pid)
	if err != nil {
		return 0
	}
	return rss
}

func (p *localProcess) Exited() <-chan struct{} { return p.exited }

func (p *localProcess) Wait(ctx context.Context) error {
	return WaitContext(ctx, p.exited)
}

func (p *localProcess) WaitTimeout(timeout time.Duration) bool {
	return WaitWithTimeout(p.exited, timeout)
}

// RequestExit sends SIGTERM to the process group.
func (p *localProcess) RequestExit() error {
	return p.signalGroup(unix.SIGTERM)
}

// Kill sends SIGKILL to the process group.
func (p *localProcess) Kill() error {
	return p.signalGroup(unix.SIGKILL)
}

func (p *localProcess) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout.String()
}

func (p *localProcess) ErrorOutput() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr.String()
}

func (p *localProcess) signalGroup(sig unix.Signal) error {
	if p.hasExited() {
		return nil
	}
	// Processes are started with Setpgid, so the group id equals the pid.
	err := unix.Kill(-p.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("signal %s to process group %d: %w", unix.SignalName(sig), p.pid, err)
	}
	return nil
}

func (p *localProcess) finish(waitErr error) {
	code := exitCodeFrom(p.cmd.ProcessState, waitErr)
	p.mu.Lock()
	p.exitCode = code
	p.mu.Unlock()
	close(p.exited)
}

func (p *localProcess) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// exitCodeFrom follows the shell convention of 128+signal for signalled exits.
func exitCodeFrom(state *os.ProcessState, waitErr error) int {
	if state == nil {
		if waitErr != nil {
			return -1
		}
		return 0
	}
	if status, ok := state.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		return 128 + int(status.Signal())
	}
	return state.ExitCode()
}

// residentBytes reads the resident set size of pid from procfs.
func residentBytes(pid int) (uint64, error) {
	data, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/statm")
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) < 2 {
		return 0, fmt.Errorf("unexpected statm format %q", data)
	}
	pages, err := strconv.ParseUint(fields[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse resident pages: %w", err)
	}
	return pages * uint64(unix.Getpagesize()), nil
}
