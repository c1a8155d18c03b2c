package host

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/cellar/internal/codec"
	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/messaging"
	"github.com/cochaviz/cellar/internal/process"
)

// Server answers host requests by running processes on a local runner. It is
// the body of the cellar-host binary.
type Server struct {
	runner process.Runner
	peer   *messaging.Peer
	logger *slog.Logger

	mu    sync.Mutex
	procs map[string]process.Process
	// reporters tracks the goroutines that send exit notifications.
	reporters sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets the server's logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// NewServer prepares a server for conn. Serve must be called to start it.
func NewServer(conn io.ReadWriteCloser, runner process.Runner, opts ...ServerOption) *Server {
	s := &Server{
		runner: runner,
		procs:  make(map[string]process.Process),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "host")
	s.peer = messaging.NewPeer(conn, messaging.WithLogger(s.logger))
	s.peer.Handle(messaging.MethodRun, s.handleRun)
	s.peer.Handle(messaging.MethodStopAllProcesses, s.handleStopAll)
	s.peer.Handle(messaging.MethodProcessKill, s.handleKill)
	s.peer.Handle(messaging.MethodProcessRequestExit, s.handleRequestExit)
	s.peer.Handle(messaging.MethodProcessInfo, s.handleInfo)
	return s
}

// Serve handles requests until the connection ends, then kills whatever the
// server started.
func (s *Server) Serve(ctx context.Context) error {
	err := s.peer.Serve(ctx)
	if closeErr := s.runner.Close(); closeErr != nil {
		s.logger.Warn("failed to stop processes", "error", closeErr)
	}
	s.reporters.Wait()
	return err
}

// Close ends the connection.
func (s *Server) Close() error {
	return s.peer.Close()
}

func (s *Server) handleRun(ctx context.Context, raw codec.RawMessage) (any, error) {
	var params messaging.RunParams
	if err := messaging.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.ExecutablePath == "" {
		return nil, messaging.Errorf(messaging.CodeInvalidParams, "executablePath is required")
	}

	key := params.Key
	if key == "" {
		key = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	s.mu.Lock()
	_, taken := s.procs[key]
	s.mu.Unlock()
	if taken {
		return nil, messaging.Errorf(messaging.CodeInvalidParams, "process key %q already in use", key)
	}

	spec := process.RunSpec{
		ExecutablePath:      params.ExecutablePath,
		Arguments:           params.Arguments,
		WorkingDirectory:    params.WorkingDirectory,
		BufferedInputOutput: params.BufferedInputOutput,
	}
	if len(params.Environment) > 0 {
		spec.Environment = process.NewEnvironmentBlock(params.Environment)
	}
	if !params.BufferedInputOutput {
		spec.OutputCallback = s.forward(key, messaging.StreamStdout)
		spec.ErrorCallback = s.forward(key, messaging.StreamStderr)
	}

	p, err := s.runner.Run(ctx, spec)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.procs[key] = p
	s.mu.Unlock()

	logger := s.logger.With("key", key, "pid", p.ID())
	logger.Debug("process started", "executable", params.ExecutablePath)

	s.reporters.Add(1)
	go func() {
		defer s.reporters.Done()
		<-p.Exited()
		s.mu.Lock()
		delete(s.procs, key)
		s.mu.Unlock()

		exited := messaging.ProcessExitedParams{Key: key, ExitCode: p.ExitCode()}
		if params.BufferedInputOutput {
			exited.Stdout = p.Output()
			exited.Stderr = p.ErrorOutput()
		}
		if err := s.peer.Notify(messaging.MethodProcessExited, exited); err != nil && !errors.Is(err, messaging.ErrClosed) {
			logger.Warn("failed to report exit", "error", err)
		}
		logger.Debug("process exited", "exit_code", exited.ExitCode)
	}()

	return messaging.RunResult{Key: key, PID: p.ID()}, nil
}

func (s *Server) forward(key, stream string) func(string) {
	return func(line string) {
		params := messaging.ProcessOutputParams{Key: key, Stream: stream, Data: line}
		if err := s.peer.Notify(messaging.MethodProcessOutput, params); err != nil && !errors.Is(err, messaging.ErrClosed) {
			s.logger.Warn("failed to forward output", "key", key, "error", err)
		}
	}
}

func (s *Server) handleStopAll(ctx context.Context, raw codec.RawMessage) (any, error) {
	var params messaging.StopAllProcessesParams
	if err := messaging.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	if params.Timeout <= 0 {
		return nil, s.runner.StopAll(ctx, true)
	}

	if err := s.runner.StopAll(ctx, false); err != nil {
		s.logger.Warn("cooperative stop failed", "error", err)
	}
	deadline := time.Now().Add(time.Duration(params.Timeout) * time.Second)
	for _, p := range s.live() {
		if !p.WaitTimeout(time.Until(deadline)) {
			break
		}
	}
	return nil, s.runner.StopAll(ctx, true)
}

func (s *Server) handleKill(_ context.Context, raw codec.RawMessage) (any, error) {
	p, err := s.lookup(raw)
	if err != nil {
		return nil, err
	}
	return nil, p.Kill()
}

func (s *Server) handleRequestExit(_ context.Context, raw codec.RawMessage) (any, error) {
	p, err := s.lookup(raw)
	if err != nil {
		return nil, err
	}
	return nil, p.RequestExit()
}

func (s *Server) handleInfo(_ context.Context, raw codec.RawMessage) (any, error) {
	p, err := s.lookup(raw)
	if err != nil {
		return nil, err
	}
	info := messaging.ProcessInfoResult{
		PID:         p.ID(),
		MemoryBytes: p.MemoryBytes(),
		ExitCode:    p.ExitCode(),
		Stdout:      p.Output(),
		Stderr:      p.ErrorOutput(),
	}
	select {
	case <-p.Exited():
		info.Exited = true
	default:
	}
	return info, nil
}

func (s *Server) lookup(raw codec.RawMessage) (process.Process, error) {
	var params messaging.ProcessParams
	if err := messaging.DecodeParams(raw, &params); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[params.Key]
	if !ok {
		return nil, messaging.Errorf(messaging.CodeInvalidParams, "unknown process %q", params.Key)
	}
	return p, nil
}

func (s *Server) live() []process.Process {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]process.Process, 0, len(s.procs))
	for _, p := range s.procs {
		out = append(out, p)
	}
	return out
}
