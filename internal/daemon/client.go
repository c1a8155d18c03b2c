package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cochaviz/cellar/internal/container"
)

// DaemonClient is the control-socket API the CLI uses.
type DaemonClient interface {
	Create(spec container.ContainerSpec) (container.Info, error)
	List() ([]container.Info, error)
	Info(handle string) (container.Info, error)
	Destroy(handle string) error
	ReservePort(handle string, port int) (int, error)
	Run(handle string, spec container.ProcessSpec) (RunResult, error)
	Stop(handle string, kill bool) error
}

type Client struct {
	socketPath string
	timeout    time.Duration
}

func NewClient(socketPath string) DaemonClient {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) send(request IPCRequest, response interface{}) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return fmt.Errorf("daemon request failed")
	}
	if response != nil && resp.Data != nil {
		data, err := json.Marshal(resp.Data)
		if err != nil {
			return fmt.Errorf("marshal response payload: %w", err)
		}
		if err := json.Unmarshal(data, response); err != nil {
			return fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	return nil
}

func (c *Client) sendWithPayload(command Command, handle string, payload any, response interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", command, err)
	}
	return c.send(IPCRequest{Command: command, ID: handle, Payload: data}, response)
}

func (c *Client) Create(spec container.ContainerSpec) (container.Info, error) {
	var info container.Info
	if err := c.sendWithPayload(CommandCreate, "", spec, &info); err != nil {
		return container.Info{}, err
	}
	return info, nil
}

func (c *Client) List() ([]container.Info, error) {
	var infos []container.Info
	if err := c.send(IPCRequest{Command: CommandList}, &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

func (c *Client) Info(handle string) (container.Info, error) {
	var info container.Info
	if err := c.send(IPCRequest{Command: CommandInfo, ID: handle}, &info); err != nil {
		return container.Info{}, err
	}
	return info, nil
}

func (c *Client) Destroy(handle string) error {
	return c.send(IPCRequest{Command: CommandDestroy, ID: handle}, nil)
}

func (c *Client) ReservePort(handle string, port int) (int, error) {
	var result ReservePortResult
	if err := c.sendWithPayload(CommandReservePort, handle, ReservePortRequest{Port: port}, &result); err != nil {
		return 0, err
	}
	return result.Port, nil
}

// Run blocks until the process exits, so it is not bound by the dial timeout.
func (c *Client) Run(handle string, spec container.ProcessSpec) (RunResult, error) {
	var result RunResult
	if err := c.sendWithPayload(CommandRun, handle, spec, &result); err != nil {
		return RunResult{}, err
	}
	return result, nil
}

func (c *Client) Stop(handle string, kill bool) error {
	return c.sendWithPayload(CommandStop, handle, StopRequest{Kill: kill}, nil)
}
