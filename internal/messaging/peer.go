package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cochaviz/cellar/internal/codec"
	"github.com/cochaviz/cellar/internal/logging"
)

// ErrClosed is returned by calls on a peer whose connection has gone away.
var ErrClosed = errors.New("messaging: peer closed")

// HandlerFunc serves one incoming request or notification. For notifications
// the returned value is discarded.
type HandlerFunc func(ctx context.Context, params codec.RawMessage) (any, error)

// Peer is one end of an envelope stream. Both ends can issue calls and serve
// handlers. Requests are handled concurrently; notifications are handled in
// arrival order on the read loop, so a handler for them must not block on a
// call through the same peer.
type Peer struct {
	conn   io.ReadWriteCloser
	logger *slog.Logger

	writeMu sync.Mutex
	enc     *codec.Encoder

	mu       sync.Mutex
	pending  map[string]chan Message
	handlers map[string]HandlerFunc

	nextID    atomic.Uint64
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
	inflight  sync.WaitGroup
}

// PeerOption configures a Peer.
type PeerOption func(*Peer)

// WithLogger sets the logger used for protocol diagnostics.
func WithLogger(logger *slog.Logger) PeerOption {
	return func(p *Peer) {
		p.logger = logger
	}
}

// NewPeer wraps conn. Serve must be running for calls to complete.
func NewPeer(conn io.ReadWriteCloser, opts ...PeerOption) *Peer {
	p := &Peer{
		conn:     conn,
		enc:      codec.NewEncoder(conn),
		pending:  make(map[string]chan Message),
		handlers: make(map[string]HandlerFunc),
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.Component(p.logger, "messaging")
	return p
}

// Handle registers the handler for method, replacing any earlier one.
func (p *Peer) Handle(method string, handler HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[method] = handler
}

// Serve reads envelopes until the connection fails or the peer is closed.
// It returns nil when the stream ends cleanly.
func (p *Peer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dec := codec.NewDecoder(p.conn)
	var err error
	for {
		var msg Message
		if decodeErr := dec.Decode(&msg); decodeErr != nil {
			if !errors.Is(decodeErr, io.EOF) && !p.isClosed() {
				err = fmt.Errorf("decode envelope: %w", decodeErr)
			}
			break
		}
		p.dispatch(ctx, msg)
	}

	p.shutdown(err)
	p.inflight.Wait()
	return err
}

// Call sends a request and waits for the response carrying the same id.
// A remote failure is returned as *Error.
func (p *Peer) Call(ctx context.Context, method string, params, result any) error {
	id := strconv.FormatUint(p.nextID.Add(1), 10)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return err
	}

	reply := make(chan Message, 1)
	p.mu.Lock()
	if p.isClosed() {
		p.mu.Unlock()
		return ErrClosed
	}
	p.pending[id] = reply
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.pending, id)
		p.mu.Unlock()
	}()

	if err := p.send(req); err != nil {
		return fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case resp := <-reply:
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := codec.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
		return nil
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Notify sends a one-way message.
func (p *Peer) Notify(method string, params any) error {
	msg, err := NewNotification(method, params)
	if err != nil {
		return err
	}
	return p.send(msg)
}

// Done is closed once the peer has shut down.
func (p *Peer) Done() <-chan struct{} {
	return p.closed
}

// Err reports why the peer shut down, if it did so because of a stream error.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeErr
}

// Close closes the underlying connection and fails every outstanding call.
func (p *Peer) Close() error {
	p.shutdown(nil)
	return p.conn.Close()
}

func (p *Peer) dispatch(ctx context.Context, msg Message) {
	switch {
	case msg.IsResponse():
		p.mu.Lock()
		reply, ok := p.pending[msg.ID]
		p.mu.Unlock()
		if !ok {
			p.logger.Debug("dropping response for unknown request", "id", msg.ID)
			return
		}
		select {
		case reply <- msg:
		default:
			p.logger.Debug("dropping duplicate response", "id", msg.ID)
		}

	case msg.IsNotification():
		handler := p.handler(msg.Method)
		if handler == nil {
			p.logger.Debug("no handler for notification", "method", msg.Method)
			return
		}
		if _, err := handler(ctx, msg.Params); err != nil {
			p.logger.Warn("notification handler failed", "method", msg.Method, "error", err)
		}

	case msg.IsRequest():
		p.inflight.Add(1)
		go func() {
			defer p.inflight.Done()
			p.respond(ctx, msg)
		}()

	default:
		p.logger.Warn("dropping malformed envelope", "id", msg.ID)
	}
}

func (p *Peer) respond(ctx context.Context, req Message) {
	var resp Message
	handler := p.handler(req.Method)
	if handler == nil {
		resp = NewErrorResponse(req.ID, Errorf(CodeMethodNotFound, "method %q not found", req.Method))
	} else if result, err := handler(ctx, req.Params); err != nil {
		resp = NewErrorResponse(req.ID, err)
	} else if encoded, encodeErr := NewResult(req.ID, result); encodeErr != nil {
		resp = NewErrorResponse(req.ID, encodeErr)
	} else {
		resp = encoded
	}

	if err := p.send(resp); err != nil && !p.isClosed() {
		p.logger.Warn("failed to send response", "method", req.Method, "id", req.ID, "error", err)
	}
}

func (p *Peer) handler(method string) HandlerFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handlers[method]
}

func (p *Peer) send(msg Message) error {
	if p.isClosed() {
		return ErrClosed
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.enc.Encode(msg)
}

func (p *Peer) shutdown(err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closeErr = err
		p.mu.Unlock()
		close(p.closed)
	})
}

func (p *Peer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}
