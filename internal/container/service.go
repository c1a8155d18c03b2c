package container

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/process"
)

// userPrefix is prepended to the container id to name its identity.
const userPrefix = "c_"

// ServiceConfig wires a Service to its collaborators.
type ServiceConfig struct {
	Handles     HandleGenerator
	Identities  IdentityProvider
	Directories DirectoryProvider
	Groups      ResourceGroupProvider
	Hosts       HostLauncher
	Ports       PortManager
	Properties  PropertyStore
	// LocalRunners builds privileged runners; a process.LocalRunner attached
	// to the group when nil.
	LocalRunners LocalRunnerFactory
	// Environment supplies default environments; process.HostEnvironment
	// when nil.
	Environment process.EnvironmentProvider

	// BasePath is the parent of every container directory.
	BasePath string
	// AdminGroup is the administrative group granted access to every
	// container directory. It must not be a group container identities join.
	// Empty grants no group.
	AdminGroup     string
	HostExecutable string
	DefaultLimits  Limits

	Logger *slog.Logger
}

// Service creates containers and keeps the registry of live ones.
type Service struct {
	cfg    ServiceConfig
	logger *slog.Logger

	mu         sync.Mutex
	containers map[string]*Container
	// creating holds handles whose creation is in flight.
	creating map[string]struct{}
}

// NewService returns a service with an empty registry.
func NewService(cfg ServiceConfig) *Service {
	if cfg.Handles == nil {
		cfg.Handles = DefaultHandles{}
	}
	if cfg.Environment == nil {
		cfg.Environment = process.HostEnvironment{}
	}
	if cfg.LocalRunners == nil {
		environment := cfg.Environment
		logger := cfg.Logger
		cfg.LocalRunners = func(group ResourceGroup) process.Runner {
			return process.NewLocalRunner(
				process.WithAttacher(group),
				process.WithEnvironmentProvider(environment),
				process.WithRunnerLogger(logger),
			)
		}
	}
	return &Service{
		cfg:        cfg,
		logger:     logging.Component(cfg.Logger, "container-service"),
		containers: make(map[string]*Container),
		creating:   make(map[string]struct{}),
	}
}

// acquisition is one reversible creation step.
type acquisition struct {
	name    string
	acquire func(ctx context.Context) error
	release func(ctx context.Context) error
}

// CreateContainer acquires every resource of a new container and registers
// it. On failure everything acquired so far is released in reverse order and
// the failure is returned as a *ResourceAcquisitionError.
func (s *Service) CreateContainer(ctx context.Context, spec *ContainerSpec) (*Container, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: container spec is required", ErrInvalidArgument)
	}

	handle := spec.Handle
	if strings.TrimSpace(handle) == "" {
		handle = s.cfg.Handles.GenerateHandle()
	}
	key := registryKey(handle)
	if err := s.reserveHandle(key); err != nil {
		return nil, err
	}
	defer s.releaseHandle(key)

	id := s.cfg.Handles.GenerateID(handle)
	user := userPrefix + id
	path := filepath.Join(s.cfg.BasePath, id)
	limits := spec.Limits.withDefaults(s.cfg.DefaultLimits)
	logger := s.logger.With("container", handle, "id", id)

	var (
		cred        *process.Credential
		directory   Directory
		group       ResourceGroup
		constrained process.Runner
	)
	steps := []acquisition{
		{
			name: "identity",
			acquire: func(ctx context.Context) (err error) {
				cred, err = s.cfg.Identities.CreateIdentity(ctx, user)
				return err
			},
			release: func(ctx context.Context) error {
				return s.cfg.Identities.DeleteIdentity(ctx, user)
			},
		},
		{
			name: "directory",
			acquire: func(context.Context) (err error) {
				directory, err = s.cfg.Directories.CreateDirectory(path, s.accessFor(user))
				return err
			},
			release: func(context.Context) error {
				return directory.Destroy()
			},
		},
		{
			name: "resource group",
			acquire: func(context.Context) (err error) {
				group, err = s.cfg.Groups.CreateGroup(id, limits)
				return err
			},
			release: func(context.Context) error {
				return group.Destroy()
			},
		},
		{
			name: "host",
			acquire: func(ctx context.Context) (err error) {
				constrained, err = s.cfg.Hosts.StartHost(ctx, s.cfg.HostExecutable, directory, group, cred)
				return err
			},
			release: func(context.Context) error {
				return constrained.Close()
			},
		},
	}

	if err := s.acquireAll(ctx, logger, steps); err != nil {
		return nil, err
	}

	c := newContainer(containerParts{
		id:          id,
		handle:      handle,
		user:        user,
		cred:        cred,
		directory:   directory,
		group:       group,
		identities:  s.cfg.Identities,
		ports:       s.cfg.Ports,
		properties:  s.cfg.Properties,
		environment: s.cfg.Environment,
		local:       s.cfg.LocalRunners(group),
		constrained: constrained,
		logger:      s.cfg.Logger,
		unregister:  s.unregister,
	})

	if len(spec.Properties) > 0 {
		if err := s.cfg.Properties.SetProperties(ctx, handle, spec.Properties); err != nil {
			c.Destroy(context.WithoutCancel(ctx))
			return nil, fmt.Errorf("set properties of %s: %w", handle, err)
		}
	}

	s.mu.Lock()
	s.containers[key] = c
	s.mu.Unlock()

	logger.Info("container created", "path", directory.Path(), "user", user)
	return c, nil
}

func (s *Service) acquireAll(ctx context.Context, logger *slog.Logger, steps []acquisition) error {
	for i, step := range steps {
		err := step.acquire(ctx)
		if err == nil {
			continue
		}
		logger.Warn("container creation failed, rolling back", "step", step.name, "error", err)

		// Rollback must run even when the caller's context is done.
		rollbackCtx := context.WithoutCancel(ctx)
		for j := i - 1; j >= 0; j-- {
			if releaseErr := steps[j].release(rollbackCtx); releaseErr != nil {
				logger.Warn("rollback step failed", "step", steps[j].name, "error", releaseErr)
			}
		}
		return &ResourceAcquisitionError{Step: step.name, Err: err}
	}
	return nil
}

func (s *Service) accessFor(user string) []UserAccess {
	access := []UserAccess{{Name: user}}
	if s.cfg.AdminGroup != "" {
		access = append(access, UserAccess{Name: s.cfg.AdminGroup, Group: true})
	}
	return access
}

func (s *Service) reserveHandle(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.containers[key]; ok {
		return fmt.Errorf("%w: container %q already exists", ErrInvalidArgument, key)
	}
	if _, ok := s.creating[key]; ok {
		return fmt.Errorf("%w: container %q is being created", ErrInvalidArgument, key)
	}
	s.creating[key] = struct{}{}
	return nil
}

func (s *Service) releaseHandle(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creating, key)
}

func (s *Service) unregister(c *Container) {
	key := registryKey(c.Handle())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containers[key] == c {
		delete(s.containers, key)
	}
}

// GetContainerByHandle looks a container up regardless of case. It returns
// nil when there is none.
func (s *Service) GetContainerByHandle(handle string) *Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.containers[registryKey(handle)]
}

// GetContainers returns a snapshot of the live containers.
func (s *Service) GetContainers() []*Container {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Container, 0, len(s.containers))
	for _, c := range s.containers {
		out = append(out, c)
	}
	return out
}

// DestroyContainer destroys the container registered under handle.
func (s *Service) DestroyContainer(ctx context.Context, handle string) error {
	if strings.TrimSpace(handle) == "" {
		return fmt.Errorf("%w: handle is required", ErrInvalidArgument)
	}
	c := s.GetContainerByHandle(handle)
	if c == nil {
		return fmt.Errorf("%w: %q", ErrNotFound, handle)
	}
	c.Destroy(ctx)
	return nil
}

// DestroyAll destroys every live container concurrently.
func (s *Service) DestroyAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, c := range s.GetContainers() {
		wg.Add(1)
		go func(c *Container) {
			defer wg.Done()
			c.Destroy(ctx)
		}(c)
	}
	wg.Wait()
}
