package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cochaviz/cellar/internal/container"
	"github.com/cochaviz/cellar/internal/logging"
)

// Server answers control requests on a unix socket, one request per
// connection.
type Server struct {
	socketPath string
	backend    Backend
	logger     *slog.Logger

	handlers sync.WaitGroup
}

// New returns a server for backend listening on socketPath.
func New(socketPath string, backend Backend, logger *slog.Logger) *Server {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Server{
		socketPath: socketPath,
		backend:    backend,
		logger:     logging.Component(logger, "daemon"),
	}
}

// Start listens until ctx is done, then waits for requests in flight.
func (s *Server) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.socketPath, err)
	}
	defer os.Remove(s.socketPath)
	if err := os.Chmod(s.socketPath, 0o660); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("daemon listening", "socket", s.socketPath)
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.logger.Warn("accept failed", "error", err)
			continue
		}
		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleConn(ctx, conn)
		}()
	}
	s.handlers.Wait()
	return nil
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req IPCRequest
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		if !errors.Is(err, io.EOF) {
			s.logger.Warn("decode request failed", "error", err)
			s.reply(conn, IPCResponse{Error: fmt.Sprintf("decode request: %v", err)})
		}
		return
	}

	logger := s.logger.With("command", req.Command, "handle", req.ID)
	data, err := s.dispatch(ctx, req)
	if err != nil {
		logger.Warn("request failed", "error", err)
		s.reply(conn, IPCResponse{Error: err.Error()})
		return
	}
	logger.Debug("request served")
	s.reply(conn, IPCResponse{OK: true, Data: data})
}

func (s *Server) reply(conn net.Conn, resp IPCResponse) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn("encode response failed", "error", err)
	}
}

func (s *Server) dispatch(ctx context.Context, req IPCRequest) (any, error) {
	switch req.Command {
	case CommandCreate:
		var spec CreateRequest
		if err := decodePayload(req.Payload, &spec); err != nil {
			return nil, err
		}
		return s.backend.Create(ctx, spec)

	case CommandList:
		return s.backend.List(ctx)

	case CommandInfo:
		return s.backend.Info(ctx, req.ID)

	case CommandDestroy:
		return nil, s.backend.Destroy(ctx, req.ID)

	case CommandReservePort:
		var params ReservePortRequest
		if err := decodePayload(req.Payload, &params); err != nil {
			return nil, err
		}
		port, err := s.backend.ReservePort(ctx, req.ID, params.Port)
		if err != nil {
			return nil, err
		}
		return ReservePortResult{Port: port}, nil

	case CommandRun:
		var spec RunRequest
		if err := decodePayload(req.Payload, &spec); err != nil {
			return nil, err
		}
		return s.run(ctx, req.ID, spec)

	case CommandStop:
		var params StopRequest
		if err := decodePayload(req.Payload, &params); err != nil {
			return nil, err
		}
		return nil, s.backend.Stop(ctx, req.ID, params.Kill)

	default:
		return nil, fmt.Errorf("unknown command %q", req.Command)
	}
}

func (s *Server) run(ctx context.Context, handle string, spec container.ProcessSpec) (RunResult, error) {
	output := &collectedIO{}
	p, err := s.backend.Run(ctx, handle, spec, output)
	if err != nil {
		return RunResult{}, err
	}
	if err := p.Wait(ctx); err != nil {
		_ = p.Kill()
		return RunResult{}, fmt.Errorf("wait for %s: %w", spec.ExecutablePath, err)
	}
	return RunResult{
		ExitCode: p.ExitCode(),
		Stdout:   output.stdout.String(),
		Stderr:   output.stderr.String(),
	}, nil
}

func decodePayload(payload json.RawMessage, v any) error {
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}

// collectedIO gathers the lines of a process, newline-terminated.
type collectedIO struct {
	stdout lineBuffer
	stderr lineBuffer
}

func (c *collectedIO) Stdout() io.Writer { return &c.stdout }
func (c *collectedIO) Stderr() io.Writer { return &c.stderr }

type lineBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (l *lineBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.b.Write(p)
	l.b.WriteByte('\n')
	return len(p), nil
}

func (l *lineBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}
