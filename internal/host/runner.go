package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/cellar/internal/messaging"
	"github.com/cochaviz/cellar/internal/process"
)

// infoTimeout bounds the round trip behind remoteProcess.MemoryBytes.
const infoTimeout = 5 * time.Second

// ConstrainedRunner runs processes inside the sandboxed host. The host already
// runs as the container identity, so run-spec credentials are not forwarded.
type ConstrainedRunner struct {
	client *Client
	grace  time.Duration
}

var _ process.Runner = (*ConstrainedRunner)(nil)

// NewConstrainedRunner returns a runner over client. grace is how long a
// cooperative StopAll lets processes exit before the host kills them.
func NewConstrainedRunner(client *Client, grace time.Duration) *ConstrainedRunner {
	return &ConstrainedRunner{client: client, grace: grace}
}

// Run implements process.Runner.
func (r *ConstrainedRunner) Run(ctx context.Context, spec process.RunSpec) (process.Process, error) {
	if spec.ExecutablePath == "" {
		return nil, &process.ProcessStartError{Err: errors.New("executable path is required")}
	}
	if spec.Stdin != nil {
		return nil, errors.New("standard input is not supported by the sandboxed host")
	}

	p := &remoteProcess{
		key:      strings.ReplaceAll(uuid.NewString(), "-", ""),
		client:   r.client,
		onOutput: spec.OutputCallback,
		onError:  spec.ErrorCallback,
		exited:   make(chan struct{}),
		exitCode: -1,
	}
	if spec.BufferedInputOutput {
		p.onOutput, p.onError = nil, nil
	}

	params := messaging.RunParams{
		Key:                 p.key,
		ExecutablePath:      spec.ExecutablePath,
		Arguments:           spec.Arguments,
		WorkingDirectory:    spec.WorkingDirectory,
		BufferedInputOutput: spec.BufferedInputOutput,
	}
	if spec.Environment.Len() > 0 {
		params.Environment = spec.Environment.ToMap()
	}

	// Watch before the call: output can arrive ahead of the reply.
	r.client.watch(p)
	result, err := r.client.Run(ctx, params)
	if err != nil {
		r.client.unwatch(p.key)
		return nil, fmt.Errorf("run %s in host: %w", spec.ExecutablePath, err)
	}
	p.setPID(result.PID)
	return p, nil
}

// StopAll implements process.Runner.
func (r *ConstrainedRunner) StopAll(ctx context.Context, kill bool) error {
	timeout := r.grace
	if kill {
		timeout = 0
	}
	return r.client.StopAllProcesses(ctx, timeout)
}

// Close implements process.Runner. It terminates the host.
func (r *ConstrainedRunner) Close() error {
	return r.client.Close()
}

type remoteProcess struct {
	key      string
	client   *Client
	onOutput func(string)
	onError  func(string)
	exited   chan struct{}

	mu       sync.Mutex
	pid      int
	exitCode int
	stdout   string
	stderr   string
	done     bool
}

var _ process.Process = (*remoteProcess)(nil)

func (p *remoteProcess) setPID(pid int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pid = pid
}

func (p *remoteProcess) ID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *remoteProcess) ExitCode() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode
}

func (p *remoteProcess) MemoryBytes() uint64 {
	if p.hasExited() {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), infoTimeout)
	defer cancel()
	info, err := p.client.Info(ctx, p.key)
	if err != nil {
		return 0
	}
	return info.MemoryBytes
}

func (p *remoteProcess) Exited() <-chan struct{} { return p.exited }

func (p *remoteProcess) Wait(ctx context.Context) error {
	return process.WaitContext(ctx, p.exited)
}

func (p *remoteProcess) WaitTimeout(timeout time.Duration) bool {
	return process.WaitWithTimeout(p.exited, timeout)
}

func (p *remoteProcess) RequestExit() error {
	return p.signal(p.client.RequestExit)
}

func (p *remoteProcess) Kill() error {
	return p.signal(p.client.Kill)
}

func (p *remoteProcess) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdout
}

func (p *remoteProcess) ErrorOutput() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stderr
}

func (p *remoteProcess) signal(send func(context.Context, string) error) error {
	if p.hasExited() {
		return nil
	}
	err := send(context.Background(), p.key)
	// The host forgets a process once it has reported its exit.
	if err != nil && p.hasExited() {
		return nil
	}
	return err
}

func (p *remoteProcess) deliver(stream, line string) {
	switch stream {
	case messaging.StreamStdout:
		if p.onOutput != nil {
			p.onOutput(line)
		}
	case messaging.StreamStderr:
		if p.onError != nil {
			p.onError(line)
		}
	}
}

func (p *remoteProcess) finish(exitCode int, stdout, stderr string) {
	p.mu.Lock()
	if p.done {
		p.mu.Unlock()
		return
	}
	p.done = true
	p.exitCode = exitCode
	p.stdout = stdout
	p.stderr = stderr
	p.mu.Unlock()
	close(p.exited)
}

func (p *remoteProcess) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}
