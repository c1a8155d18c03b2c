// Package host talks to the sandboxed host process that runs constrained
// workloads on behalf of a container. The host is started as the container's
// identity inside its resource group and speaks the messaging envelope
// protocol over its stdin and stdout.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cochaviz/cellar/internal/codec"
	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/messaging"
)

// RemoteExecutionError reports a request the host answered with an error.
type RemoteExecutionError struct {
	Method string
	Err    error
}

func (e *RemoteExecutionError) Error() string {
	return fmt.Sprintf("host %s: %v", e.Method, e.Err)
}

func (e *RemoteExecutionError) Unwrap() error {
	return e.Err
}

// Client is the daemon's side of a connection to one host process.
type Client struct {
	peer   *messaging.Peer
	logger *slog.Logger

	// shutdown terminates the host process itself; nil for bare connections.
	shutdown func() error

	mu      sync.Mutex
	watched map[string]*remoteProcess

	served    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets the client's logger.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient starts serving conn and returns a client for it.
func NewClient(conn io.ReadWriteCloser, opts ...ClientOption) *Client {
	c := &Client{
		watched: make(map[string]*remoteProcess),
		served:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Component(c.logger, "host-client")
	c.peer = messaging.NewPeer(conn, messaging.WithLogger(c.logger))
	c.peer.Handle(messaging.MethodProcessOutput, c.handleOutput)
	c.peer.Handle(messaging.MethodProcessExited, c.handleExited)

	go func() {
		defer close(c.served)
		if err := c.peer.Serve(context.Background()); err != nil {
			c.logger.Warn("host connection failed", "error", err)
		}
		c.abandonAll()
	}()
	return c
}

// Run starts a process on the host.
func (c *Client) Run(ctx context.Context, params messaging.RunParams) (messaging.RunResult, error) {
	var result messaging.RunResult
	err := c.call(ctx, messaging.MethodRun, params, &result)
	return result, err
}

// Kill kills the host process addressed by key.
func (c *Client) Kill(ctx context.Context, key string) error {
	return c.call(ctx, messaging.MethodProcessKill, messaging.ProcessParams{Key: key}, nil)
}

// RequestExit asks the host process addressed by key to exit.
func (c *Client) RequestExit(ctx context.Context, key string) error {
	return c.call(ctx, messaging.MethodProcessRequestExit, messaging.ProcessParams{Key: key}, nil)
}

// Info reports the live state of the host process addressed by key.
func (c *Client) Info(ctx context.Context, key string) (messaging.ProcessInfoResult, error) {
	var result messaging.ProcessInfoResult
	err := c.call(ctx, messaging.MethodProcessInfo, messaging.ProcessParams{Key: key}, &result)
	return result, err
}

// StopAllProcesses stops every process the host started, killing whatever is
// still running after timeout.
func (c *Client) StopAllProcesses(ctx context.Context, timeout time.Duration) error {
	params := messaging.StopAllProcessesParams{Timeout: int(timeout / time.Second)}
	return c.call(ctx, messaging.MethodStopAllProcesses, params, nil)
}

// Done is closed once the connection to the host is gone.
func (c *Client) Done() <-chan struct{} {
	return c.served
}

// Close closes the connection and terminates the host process. Processes
// still tracked are reported as exited.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		err := c.peer.Close()
		if c.shutdown != nil {
			err = errors.Join(err, c.shutdown())
		}
		<-c.served
		c.closeErr = err
	})
	return c.closeErr
}

func (c *Client) call(ctx context.Context, method string, params, result any) error {
	err := c.peer.Call(ctx, method, params, result)
	var remote *messaging.Error
	if errors.As(err, &remote) {
		return &RemoteExecutionError{Method: method, Err: remote}
	}
	return err
}

func (c *Client) watch(p *remoteProcess) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watched[p.key] = p
}

func (c *Client) unwatch(key string) *remoteProcess {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.watched[key]
	delete(c.watched, key)
	return p
}

func (c *Client) lookup(key string) *remoteProcess {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.watched[key]
}

func (c *Client) handleOutput(_ context.Context, raw codec.RawMessage) (any, error) {
	var params messaging.ProcessOutputParams
	if err := messaging.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	p := c.lookup(params.Key)
	if p == nil {
		c.logger.Debug("output for unknown process", "key", params.Key)
		return nil, nil
	}
	p.deliver(params.Stream, params.Data)
	return nil, nil
}

func (c *Client) handleExited(_ context.Context, raw codec.RawMessage) (any, error) {
	var params messaging.ProcessExitedParams
	if err := messaging.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	p := c.unwatch(params.Key)
	if p == nil {
		c.logger.Debug("exit of unknown process", "key", params.Key)
		return nil, nil
	}
	p.finish(params.ExitCode, params.Stdout, params.Stderr)
	return nil, nil
}

// abandonAll marks every tracked process exited once the host is gone.
func (c *Client) abandonAll() {
	c.mu.Lock()
	abandoned := make([]*remoteProcess, 0, len(c.watched))
	for key, p := range c.watched {
		abandoned = append(abandoned, p)
		delete(c.watched, key)
	}
	c.mu.Unlock()

	for _, p := range abandoned {
		p.finish(-1, "", "")
	}
}
