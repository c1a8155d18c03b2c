package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/process"
)

// RunnerKind selects the runner a process is started on.
type RunnerKind int

const (
	// RunnerConstrained runs the process in the sandboxed host as the
	// container identity.
	RunnerConstrained RunnerKind = iota
	// RunnerLocal runs the process directly under the daemon, still inside
	// the container's resource group.
	RunnerLocal
)

func (k RunnerKind) String() string {
	if k == RunnerLocal {
		return "local"
	}
	return "constrained"
}

// KindFor reports the runner spec is routed to.
func KindFor(spec *ProcessSpec) RunnerKind {
	if spec.Privileged {
		return RunnerLocal
	}
	return RunnerConstrained
}

// Container is one live sandbox. It is safe for concurrent use.
type Container struct {
	id     string
	handle string
	user   string
	cred   *process.Credential

	directory   Directory
	group       ResourceGroup
	identities  IdentityProvider
	ports       PortManager
	properties  PropertyStore
	environment process.EnvironmentProvider
	local       process.Runner
	constrained process.Runner

	logger *slog.Logger
	// unregister removes the container from its registry; it runs first on
	// Destroy.
	unregister func(*Container)

	mu           sync.RWMutex
	state        State
	reservations []PortReservation
}

// containerParts gathers everything a Container owns.
type containerParts struct {
	id          string
	handle      string
	user        string
	cred        *process.Credential
	directory   Directory
	group       ResourceGroup
	identities  IdentityProvider
	ports       PortManager
	properties  PropertyStore
	environment process.EnvironmentProvider
	local       process.Runner
	constrained process.Runner
	logger      *slog.Logger
	unregister  func(*Container)
}

func newContainer(parts containerParts) *Container {
	environment := parts.environment
	if environment == nil {
		environment = process.HostEnvironment{}
	}
	return &Container{
		id:          parts.id,
		handle:      parts.handle,
		user:        parts.user,
		cred:        parts.cred,
		directory:   parts.directory,
		group:       parts.group,
		identities:  parts.identities,
		ports:       parts.ports,
		properties:  parts.properties,
		environment: environment,
		local:       parts.local,
		constrained: parts.constrained,
		logger:      logging.Component(parts.logger, "container").With("container", parts.handle),
		unregister:  parts.unregister,
		state:       StateActive,
	}
}

// ID is derived from the handle and never changes.
func (c *Container) ID() string { return c.id }

// Handle is the name the container was created under.
func (c *Container) Handle() string { return c.handle }

// User is the name of the container's dedicated identity.
func (c *Container) User() string { return c.user }

// Directory is the container's private directory.
func (c *Container) Directory() Directory { return c.directory }

// State reports whether the container is still active.
func (c *Container) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run starts a process in the container and returns once it is running.
// Every output line is written to pio as it arrives.
func (c *Container) Run(ctx context.Context, spec *ProcessSpec, pio ProcessIO) (process.Process, error) {
	if spec == nil || pio == nil {
		return nil, fmt.Errorf("%w: process spec and io are required", ErrInvalidArgument)
	}
	if spec.ExecutablePath == "" {
		return nil, fmt.Errorf("%w: executable path is required", ErrInvalidArgument)
	}

	if c.State() == StateDestroyed {
		return nil, ErrContainerDestroyed
	}

	runSpec, err := c.runSpecFor(spec, pio)
	if err != nil {
		return nil, err
	}

	// The lock is not held across the start so a hung host cannot hold up
	// Destroy. A process that started while Destroy ran is killed here.
	kind := KindFor(spec)
	p, err := c.runner(kind).Run(ctx, runSpec)
	if err != nil {
		if c.State() == StateDestroyed {
			return nil, fmt.Errorf("%w: %w", ErrContainerDestroyed, err)
		}
		return nil, fmt.Errorf("run %s on %s runner: %w", runSpec.ExecutablePath, kind, err)
	}
	if c.State() == StateDestroyed {
		if err := p.Kill(); err != nil {
			c.logger.Warn("failed to kill process started during destroy", "pid", p.ID(), "error", err)
		}
		return nil, ErrContainerDestroyed
	}
	c.logger.Debug("process started", "runner", kind.String(), "executable", runSpec.ExecutablePath, "pid", p.ID())
	return p, nil
}

func (c *Container) runSpecFor(spec *ProcessSpec, pio ProcessIO) (process.RunSpec, error) {
	executable := spec.ExecutablePath
	if !spec.DisablePathMapping {
		executable = c.directory.MapUserPath(executable)
	}

	runSpec := process.RunSpec{
		ExecutablePath:   executable,
		Arguments:        spec.Arguments,
		WorkingDirectory: c.directory.MapUserPath("/"),
		OutputCallback:   lineWriter(pio.Stdout()),
		ErrorCallback:    lineWriter(pio.Stderr()),
	}
	if KindFor(spec) == RunnerConstrained {
		runSpec.Credential = c.cred
	}

	// With no caller entries the runner derives the default itself.
	if len(spec.Environment) > 0 {
		base, err := c.environment.DefaultEnvironment(runSpec.Credential)
		if err != nil {
			return process.RunSpec{}, fmt.Errorf("default environment for %s: %w", c.user, err)
		}
		runSpec.Environment = base.Merge(process.NewEnvironmentBlock(spec.Environment))
	}
	return runSpec, nil
}

func (c *Container) runner(kind RunnerKind) process.Runner {
	if kind == RunnerLocal {
		return c.local
	}
	return c.constrained
}

// lineWriter forwards each line to w exactly as delivered.
func lineWriter(w io.Writer) func(string) {
	if w == nil {
		return nil
	}
	return func(line string) {
		_, _ = io.WriteString(w, line)
	}
}

// ReservePort reserves a host port for the container's identity and records
// the pairing until Destroy.
func (c *Container) ReservePort(requested int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateDestroyed {
		return 0, ErrContainerDestroyed
	}

	bound, err := c.ports.ReserveLocalPort(requested, c.user)
	if err != nil {
		return 0, fmt.Errorf("reserve port %d: %w", requested, err)
	}
	// The port manager hands an owner back the port it already holds.
	for _, r := range c.reservations {
		if r.Bound == bound {
			return bound, nil
		}
	}
	c.reservations = append(c.reservations, PortReservation{Requested: requested, Bound: bound})
	c.logger.Debug("port reserved", "requested", requested, "bound", bound)
	return bound, nil
}

// Ports returns the reservations made so far.
func (c *Container) Ports() []PortReservation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]PortReservation(nil), c.reservations...)
}

// Stop stops every process of the container without destroying it.
func (c *Container) Stop(ctx context.Context, kill bool) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state == StateDestroyed {
		return ErrContainerDestroyed
	}
	return errors.Join(
		wrapStep("stop local processes", c.local.StopAll(ctx, kill)),
		wrapStep("stop constrained processes", c.constrained.StopAll(ctx, kill)),
	)
}

// Properties returns the properties stored for the container.
func (c *Container) Properties(ctx context.Context) (map[string]string, error) {
	if c.State() == StateDestroyed {
		return nil, ErrContainerDestroyed
	}
	return c.properties.GetProperties(ctx, c.handle)
}

// SetProperties merges properties into the stored set.
func (c *Container) SetProperties(ctx context.Context, properties map[string]string) error {
	if c.State() == StateDestroyed {
		return ErrContainerDestroyed
	}
	return c.properties.SetProperties(ctx, c.handle, properties)
}

// Info reports the container's state and resource usage. Usage that cannot
// be read is left zero.
func (c *Container) Info(ctx context.Context) (Info, error) {
	c.mu.RLock()
	info := Info{
		Handle:        c.handle,
		ID:            c.id,
		State:         c.state,
		ContainerPath: c.directory.Path(),
		Ports:         append([]PortReservation(nil), c.reservations...),
	}
	c.mu.RUnlock()

	if info.State == StateDestroyed {
		return info, nil
	}

	properties, err := c.properties.GetProperties(ctx, c.handle)
	if err != nil {
		return Info{}, fmt.Errorf("read properties: %w", err)
	}
	info.Properties = properties

	stats, err := c.group.Stats()
	if err != nil {
		c.logger.Warn("failed to read resource usage", "error", err)
		return info, nil
	}
	info.MemoryBytes = stats.MemoryBytes
	info.CPUUsage = stats.CPUUsage
	if stats.OOMKills > 0 {
		info.Events = append(info.Events, "out of memory")
	}
	return info, nil
}

// Destroy kills every process and releases everything the container owns.
// Each step runs even when an earlier one fails; failures are logged.
// Calling Destroy again does nothing.
func (c *Container) Destroy(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}
	c.state = StateDestroyed
	reservations := c.reservations
	c.reservations = nil
	c.mu.Unlock()

	if c.unregister != nil {
		c.unregister(c)
	}

	steps := []struct {
		name string
		run  func() error
	}{
		{"stop local processes", func() error { return c.local.StopAll(ctx, true) }},
		{"stop constrained processes", func() error { return c.constrained.StopAll(ctx, true) }},
		{"release ports", func() error { return c.releasePorts(reservations) }},
		{"remove properties", func() error { return c.properties.RemoveProperties(ctx, c.handle) }},
		{"close local runner", c.local.Close},
		{"close constrained runner", c.constrained.Close},
		{"destroy resource group", c.group.Destroy},
		{"delete directory", c.directory.Destroy},
		{"delete identity", func() error { return c.identities.DeleteIdentity(ctx, c.user) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			c.logger.Warn("teardown step failed", "step", step.name, "error", err)
		}
	}
	c.logger.Info("container destroyed")
}

func (c *Container) releasePorts(reservations []PortReservation) error {
	var errs []error
	for _, r := range reservations {
		if err := c.ports.ReleaseLocalPort(r.Bound, c.user); err != nil {
			errs = append(errs, fmt.Errorf("release port %d: %w", r.Bound, err))
		}
	}
	return errors.Join(errs...)
}

func wrapStep(step string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", step, err)
}
