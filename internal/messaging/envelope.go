// Package messaging implements the correlation-based envelope protocol spoken
// between the daemon and a container's sandboxed host process.
//
// A request carries {id, method, params}; the matching response echoes the id
// verbatim and carries either a result or an error. A message with a method
// and no id is a notification and is never answered. Responses are matched to
// callers by id alone, so any number of calls may be outstanding at once and
// may complete in any order.
package messaging

import (
	"errors"
	"fmt"

	"github.com/cochaviz/cellar/internal/codec"
)

// Error codes carried in error responses. The values follow JSON-RPC 2.0.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Message is the single wire envelope. Which fields are set decides whether it
// is a request, a notification or a response.
type Message struct {
	ID     string           `cbor:"id,omitempty"`
	Method string           `cbor:"method,omitempty"`
	Params codec.RawMessage `cbor:"params,omitempty"`
	Result codec.RawMessage `cbor:"result,omitempty"`
	Error  *Error           `cbor:"error,omitempty"`
}

// IsRequest reports whether m expects a response.
func (m Message) IsRequest() bool { return m.ID != "" && m.Method != "" }

// IsNotification reports whether m is a one-way message.
func (m Message) IsNotification() bool { return m.ID == "" && m.Method != "" }

// IsResponse reports whether m answers an earlier request.
func (m Message) IsResponse() bool { return m.ID != "" && m.Method == "" }

// Error is the error object of a failed response.
type Error struct {
	Code    int    `cbor:"code"`
	Message string `cbor:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}

// Errorf builds an *Error with the given code.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// NewRequest builds a request envelope with params encoded.
func NewRequest(id, method string, params any) (Message, error) {
	if id == "" {
		return Message{}, errors.New("request id is required")
	}
	if method == "" {
		return Message{}, errors.New("request method is required")
	}
	raw, err := encodeOptional(params)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s params: %w", method, err)
	}
	return Message{ID: id, Method: method, Params: raw}, nil
}

// NewNotification builds a one-way envelope.
func NewNotification(method string, params any) (Message, error) {
	if method == "" {
		return Message{}, errors.New("notification method is required")
	}
	raw, err := encodeOptional(params)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s params: %w", method, err)
	}
	return Message{Method: method, Params: raw}, nil
}

// NewResult builds a successful response for the request with the given id.
func NewResult(id string, result any) (Message, error) {
	raw, err := encodeOptional(result)
	if err != nil {
		return Message{}, fmt.Errorf("encode result: %w", err)
	}
	return Message{ID: id, Result: raw}, nil
}

// NewErrorResponse builds a failed response. Errors that are not already an
// *Error are reported as internal errors.
func NewErrorResponse(id string, err error) Message {
	var remote *Error
	if !errors.As(err, &remote) {
		remote = &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return Message{ID: id, Error: remote}
}

// DecodeParams decodes a message's params into v. Absent params leave v untouched.
func DecodeParams(raw codec.RawMessage, v any) error {
	if len(raw) == 0 || v == nil {
		return nil
	}
	if err := codec.Unmarshal(raw, v); err != nil {
		return Errorf(CodeInvalidParams, "decode params: %v", err)
	}
	return nil
}

func encodeOptional(v any) (codec.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	data, err := codec.Marshal(v)
	if err != nil {
		return nil, err
	}
	return codec.RawMessage(data), nil
}
