// Package daemon serves the container service on a local unix socket and
// provides the client the CLI talks to it with.
package daemon

import (
	"encoding/json"

	"github.com/cochaviz/cellar/internal/config"
	"github.com/cochaviz/cellar/internal/container"
)

// DefaultSocketPath is where the daemon listens unless configured otherwise.
var DefaultSocketPath = config.DefaultSocketPath

// Command names an operation on the control socket.
type Command string

const (
	CommandCreate      Command = "create"
	CommandList        Command = "list"
	CommandInfo        Command = "info"
	CommandDestroy     Command = "destroy"
	CommandReservePort Command = "reserve-port"
	CommandRun         Command = "run"
	CommandStop        Command = "stop"
)

// IPCRequest is one request on the control socket. ID carries the container
// handle for commands that address a container.
type IPCRequest struct {
	Command Command         `json:"command"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IPCResponse answers an IPCRequest.
type IPCResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// ReservePortRequest asks for a host port; 0 picks a free one.
type ReservePortRequest struct {
	Port int `json:"port"`
}

// ReservePortResult carries the port that was bound.
type ReservePortResult struct {
	Port int `json:"port"`
}

// RunResult is the outcome of a process run to completion.
type RunResult struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
}

// StopRequest selects between asking processes to exit and killing them.
type StopRequest struct {
	Kill bool `json:"kill"`
}

// CreateRequest is the payload of CommandCreate.
type CreateRequest = container.ContainerSpec

// RunRequest is the payload of CommandRun.
type RunRequest = container.ProcessSpec
