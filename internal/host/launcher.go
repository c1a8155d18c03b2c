package host

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/process"
)

// exitGrace is how long a host gets to exit on its own after its pipes close.
const exitGrace = 5 * time.Second

// Launcher starts sandboxed host processes.
type Launcher struct {
	Logger *slog.Logger
	// Environment supplies the host's environment; process.HostEnvironment
	// when nil.
	Environment process.EnvironmentProvider
	// Args come first on the host's command line.
	Args []string
	// LogLevel is passed to the host so its stderr matches the daemon's verbosity.
	LogLevel string
}

// StartHost runs executable as cred with its working directory at dir,
// inside group when one is given, and returns a client connected to it.
func (l *Launcher) StartHost(ctx context.Context, executable, dir string, group process.Attacher, cred *process.Credential) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := logging.Component(l.Logger, "host-launcher")

	provider := l.Environment
	if provider == nil {
		provider = process.HostEnvironment{}
	}
	env, err := provider.DefaultEnvironment(cred)
	if err != nil {
		return nil, fmt.Errorf("resolve host environment: %w", err)
	}

	var cgroupDir *os.File
	if opener, ok := group.(process.DirOpener); ok {
		if f, err := opener.OpenDir(); err == nil {
			cgroupDir = f
			defer f.Close()
		}
	}

	args := append([]string(nil), l.Args...)
	if l.LogLevel != "" {
		args = append(args, "--log-level", l.LogLevel)
	}

	h, err := l.spawn(executable, args, dir, env, cred, cgroupDir)
	if err != nil && cgroupDir != nil {
		h, err = l.spawn(executable, args, dir, env, cred, nil)
		cgroupDir = nil
	}
	if err != nil {
		return nil, &process.ProcessStartError{Path: executable, Err: err}
	}

	if group != nil && cgroupDir == nil {
		if err := group.Attach(h.cmd.Process.Pid); err != nil {
			_ = h.stop(0)
			_ = h.Close()
			_ = h.stderr.Close()
			return nil, fmt.Errorf("attach host %d to resource group: %w", h.cmd.Process.Pid, err)
		}
	}

	hostLogger := logger.With("pid", h.cmd.Process.Pid)
	go relayStderr(hostLogger, h.stderr)

	client := NewClient(h, WithClientLogger(l.Logger))
	client.shutdown = func() error { return h.stop(exitGrace) }
	hostLogger.Debug("host started", "executable", executable, "dir", dir)
	return client, nil
}

func (l *Launcher) spawn(executable string, args []string, dir string, env *process.EnvironmentBlock, cred *process.Credential, cgroupDir *os.File) (*hostProcess, error) {
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return nil, err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, err
	}

	cmd := exec.Command(executable, args...)
	cmd.Dir = dir
	cmd.Env = env.Environ()
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = process.ProcAttr(cred, cgroupDir)

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return nil, err
	}
	// The child holds its own copies.
	closeAll(stdinR, stdoutW, stderrW)

	h := &hostProcess{
		cmd:    cmd,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
		exited: make(chan struct{}),
	}
	go func() {
		_ = cmd.Wait()
		close(h.exited)
	}()
	return h, nil
}

// hostProcess is the host child seen as the client's connection.
type hostProcess struct {
	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	stderr *os.File
	exited chan struct{}
}

func (h *hostProcess) Read(p []byte) (int, error)  { return h.stdout.Read(p) }
func (h *hostProcess) Write(p []byte) (int, error) { return h.stdin.Write(p) }

func (h *hostProcess) Close() error {
	return errors.Join(h.stdin.Close(), h.stdout.Close())
}

// stop closes the host's stdin, waits up to grace for it to leave and kills
// its process group if it does not.
func (h *hostProcess) stop(grace time.Duration) error {
	_ = h.stdin.Close()
	if process.WaitWithTimeout(h.exited, grace) {
		return nil
	}
	err := unix.Kill(-h.cmd.Process.Pid, unix.SIGKILL)
	<-h.exited
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func relayStderr(logger *slog.Logger, stderr *os.File) {
	defer stderr.Close()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		logger.Debug(scanner.Text())
	}
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}
