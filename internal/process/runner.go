package process

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cochaviz/cellar/internal/logging"
)

// ErrRunnerClosed is returned by Run on a closed runner.
var ErrRunnerClosed = errors.New("process runner is closed")

// maxLineSize bounds a single line of streamed output.
const maxLineSize = 1 << 20

// outputDrainGrace bounds how long output is read after the process exits.
// A background child that inherited the pipes can otherwise hold them open
// for as long as it lives.
const outputDrainGrace = 250 * time.Millisecond

// Credential identifies the OS user a process runs as.
type Credential struct {
	Username string
	Password string
	UID      uint32
	GID      uint32
	HomeDir  string
}

// RunSpec describes a process to start.
type RunSpec struct {
	ExecutablePath   string
	Arguments        []string
	Environment      *EnvironmentBlock
	WorkingDirectory string
	Credential       *Credential
	Stdin            io.Reader

	// BufferedInputOutput captures output for Process.Output instead of
	// streaming it through the callbacks.
	BufferedInputOutput bool
	OutputCallback      func(line string)
	ErrorCallback       func(line string)
}

// Attacher places a started process into a resource group.
type Attacher interface {
	Attach(pid int) error
}

// DirOpener is implemented by resource groups that can hand out a directory
// descriptor, letting the child be created inside the group instead of being
// moved there after it starts.
type DirOpener interface {
	OpenDir() (*os.File, error)
}

// LocalRunner starts processes on this host.
type LocalRunner struct {
	environment EnvironmentProvider
	attacher    Attacher
	logger      *slog.Logger

	mu        sync.Mutex
	processes map[int]*localProcess
	closed    bool
}

var _ Runner = (*LocalRunner)(nil)

// RunnerOption configures a LocalRunner.
type RunnerOption func(*LocalRunner)

// WithEnvironmentProvider replaces the provider of default environments.
func WithEnvironmentProvider(provider EnvironmentProvider) RunnerOption {
	return func(r *LocalRunner) {
		r.environment = provider
	}
}

// WithAttacher attaches every started process to a resource group.
func WithAttacher(attacher Attacher) RunnerOption {
	return func(r *LocalRunner) {
		r.attacher = attacher
	}
}

// WithRunnerLogger sets the runner's logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *LocalRunner) {
		r.logger = logger
	}
}

// NewLocalRunner creates a runner. Without options processes inherit this
// process's environment and are not attached to any resource group.
func NewLocalRunner(opts ...RunnerOption) *LocalRunner {
	r := &LocalRunner{
		environment: HostEnvironment{},
		processes:   make(map[int]*localProcess),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.Component(r.logger, "process")
	return r
}

// Run starts the process described by spec and returns once it is running.
func (r *LocalRunner) Run(ctx context.Context, spec RunSpec) (Process, error) {
	if spec.ExecutablePath == "" {
		return nil, &ProcessStartError{Err: errors.New("executable path is required")}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrRunnerClosed
	}

	env := spec.Environment
	if env.Len() == 0 {
		var err error
		env, err = r.environment.DefaultEnvironment(spec.Credential)
		if err != nil {
			return nil, fmt.Errorf("resolve default environment: %w", err)
		}
	}

	var cgroupDir *os.File
	if opener, ok := r.attacher.(DirOpener); ok {
		dir, err := opener.OpenDir()
		if err != nil {
			r.logger.Debug("resource group descriptor unavailable, attaching after start", "error", err)
		} else {
			cgroupDir = dir
			defer dir.Close()
		}
	}

	cmd, stdout, stderr, err := startCommand(spec, env, cgroupDir)
	attachedAtStart := cgroupDir != nil
	if err != nil && cgroupDir != nil {
		// Kernels without clone3 cgroup support refuse CgroupFD; fall back to
		// attaching after start.
		r.logger.Debug("start inside resource group failed, retrying", "error", err)
		cmd, stdout, stderr, err = startCommand(spec, env, nil)
		attachedAtStart = false
	}
	if err != nil {
		return nil, err
	}

	p := newLocalProcess(cmd)
	logger := r.logger.With("pid", p.pid, "executable", spec.ExecutablePath)

	if r.attacher != nil && !attachedAtStart {
		if err := r.attacher.Attach(p.pid); err != nil {
			_ = p.Kill()
			_ = cmd.Wait()
			stdout.Close()
			stderr.Close()
			return nil, fmt.Errorf("attach process %d to resource group: %w", p.pid, err)
		}
	}

	var streams sync.WaitGroup
	streams.Add(2)
	if spec.BufferedInputOutput {
		go p.capture(&streams, stdout, &p.stdout)
		go p.capture(&streams, stderr, &p.stderr)
	} else {
		go streamLines(&streams, stdout, spec.OutputCallback)
		go streamLines(&streams, stderr, spec.ErrorCallback)
	}

	drained := make(chan struct{})
	go func() {
		streams.Wait()
		close(drained)
	}()

	r.track(p)
	go func() {
		waitErr := cmd.Wait()
		select {
		case <-drained:
		case <-time.After(outputDrainGrace):
			logger.Debug("output still held open after exit, closing pipes")
			stdout.Close()
			stderr.Close()
			<-drained
		}
		stdout.Close()
		stderr.Close()
		p.finish(waitErr)
		r.untrack(p)
		logger.Debug("process exited", "exit_code", p.ExitCode())
	}()

	logger.Debug("process started")
	return p, nil
}

// StopAll implements Runner.
func (r *LocalRunner) StopAll(_ context.Context, kill bool) error {
	r.mu.Lock()
	live := make([]*localProcess, 0, len(r.processes))
	for _, p := range r.processes {
		live = append(live, p)
	}
	r.mu.Unlock()

	var errs []error
	for _, p := range live {
		var err error
		if kill {
			err = p.Kill()
		} else {
			err = p.RequestExit()
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("stop process %d: %w", p.pid, err))
		}
	}
	return errors.Join(errs...)
}

// Close implements Runner.
func (r *LocalRunner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.StopAll(context.Background(), true)
}

// Len is the number of live processes the runner tracks.
func (r *LocalRunner) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.processes)
}

func (r *LocalRunner) track(p *localProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processes[p.pid] = p
}

func (r *LocalRunner) untrack(p *localProcess) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.processes[p.pid] == p {
		delete(r.processes, p.pid)
	}
}

// startCommand starts the command with its output on pipes owned by the
// caller. exec's own pipes are closed by Wait, which would tie reaping the
// process to the end of its output.
func startCommand(spec RunSpec, env *EnvironmentBlock, cgroupDir *os.File) (*exec.Cmd, *os.File, *os.File, error) {
	cmd := exec.Command(spec.ExecutablePath, spec.Arguments...)
	cmd.Dir = spec.WorkingDirectory
	cmd.Env = env.Environ()
	cmd.Stdin = spec.Stdin
	cmd.SysProcAttr = ProcAttr(spec.Credential, cgroupDir)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, &ProcessStartError{Path: spec.ExecutablePath, Err: err}
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutR.Close()
		stdoutW.Close()
		return nil, nil, nil, &ProcessStartError{Path: spec.ExecutablePath, Err: err}
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	// The child holds its own copies of the write ends.
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdoutR.Close()
		stderrR.Close()
		return nil, nil, nil, &ProcessStartError{Path: spec.ExecutablePath, Err: err}
	}
	return cmd, stdoutR, stderrR, nil
}

// ProcAttr returns the attributes every supervised child is started with: its
// own process group, the credential of cred when set, and creation inside the
// resource group open at cgroupDir when set.
func ProcAttr(cred *Credential, cgroupDir *os.File) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{Setpgid: true}
	if cred != nil {
		attr.Credential = &syscall.Credential{Uid: cred.UID, Gid: cred.GID}
	}
	if cgroupDir != nil {
		attr.UseCgroupFD = true
		attr.CgroupFD = int(cgroupDir.Fd())
	}
	return attr
}

func streamLines(wg *sync.WaitGroup, r io.Reader, callback func(string)) {
	defer wg.Done()
	if callback == nil {
		_, _ = io.Copy(io.Discard, r)
		return
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		callback(scanner.Text())
	}
	// Keep draining after an oversized line so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

func (p *localProcess) capture(wg *sync.WaitGroup, r io.Reader, buf *bytes.Buffer) {
	defer wg.Done()
	var local bytes.Buffer
	_, _ = io.Copy(&local, r)
	p.mu.Lock()
	buf.Write(local.Bytes())
	p.mu.Unlock()
}
