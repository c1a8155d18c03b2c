package daemon

import (
	"context"
	"fmt"
	"sort"

	"github.com/cochaviz/cellar/internal/container"
	"github.com/cochaviz/cellar/internal/process"
)

// Backend is what the server exposes over the socket.
type Backend interface {
	Create(ctx context.Context, spec container.ContainerSpec) (container.Info, error)
	List(ctx context.Context) ([]container.Info, error)
	Info(ctx context.Context, handle string) (container.Info, error)
	Destroy(ctx context.Context, handle string) error
	ReservePort(ctx context.Context, handle string, port int) (int, error)
	Run(ctx context.Context, handle string, spec container.ProcessSpec, pio container.ProcessIO) (process.Process, error)
	Stop(ctx context.Context, handle string, kill bool) error
}

// ServiceBackend serves a container.Service.
type ServiceBackend struct {
	Service *container.Service
}

var _ Backend = ServiceBackend{}

func (b ServiceBackend) lookup(handle string) (*container.Container, error) {
	c := b.Service.GetContainerByHandle(handle)
	if c == nil {
		return nil, fmt.Errorf("%w: %q", container.ErrNotFound, handle)
	}
	return c, nil
}

// Create implements Backend.
func (b ServiceBackend) Create(ctx context.Context, spec container.ContainerSpec) (container.Info, error) {
	c, err := b.Service.CreateContainer(ctx, &spec)
	if err != nil {
		return container.Info{}, err
	}
	return c.Info(ctx)
}

// List implements Backend. Containers are ordered by handle.
func (b ServiceBackend) List(ctx context.Context) ([]container.Info, error) {
	containers := b.Service.GetContainers()
	out := make([]container.Info, 0, len(containers))
	for _, c := range containers {
		info, err := c.Info(ctx)
		if err != nil {
			return nil, fmt.Errorf("info of %s: %w", c.Handle(), err)
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out, nil
}

// Info implements Backend.
func (b ServiceBackend) Info(ctx context.Context, handle string) (container.Info, error) {
	c, err := b.lookup(handle)
	if err != nil {
		return container.Info{}, err
	}
	return c.Info(ctx)
}

// Destroy implements Backend.
func (b ServiceBackend) Destroy(ctx context.Context, handle string) error {
	return b.Service.DestroyContainer(ctx, handle)
}

// ReservePort implements Backend.
func (b ServiceBackend) ReservePort(_ context.Context, handle string, port int) (int, error) {
	c, err := b.lookup(handle)
	if err != nil {
		return 0, err
	}
	return c.ReservePort(port)
}

// Run implements Backend.
func (b ServiceBackend) Run(ctx context.Context, handle string, spec container.ProcessSpec, pio container.ProcessIO) (process.Process, error) {
	c, err := b.lookup(handle)
	if err != nil {
		return nil, err
	}
	return c.Run(ctx, &spec, pio)
}

// Stop implements Backend.
func (b ServiceBackend) Stop(ctx context.Context, handle string, kill bool) error {
	c, err := b.lookup(handle)
	if err != nil {
		return err
	}
	return c.Stop(ctx, kill)
}
