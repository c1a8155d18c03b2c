package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/cochaviz/cellar/internal/cgroup"
	"github.com/cochaviz/cellar/internal/config"
	"github.com/cochaviz/cellar/internal/container"
	"github.com/cochaviz/cellar/internal/daemon"
	"github.com/cochaviz/cellar/internal/filesystem"
	"github.com/cochaviz/cellar/internal/host"
	"github.com/cochaviz/cellar/internal/identity"
	"github.com/cochaviz/cellar/internal/ports"
	"github.com/cochaviz/cellar/internal/process"
	"github.com/cochaviz/cellar/internal/properties"
)

// shutdownTimeout bounds the teardown of every container when the daemon exits.
const shutdownTimeout = time.Minute

func serve(ctx context.Context, cfg config.Config, logLevel string, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.ContainerBasePath, 0o755); err != nil {
		return fmt.Errorf("create container base path: %w", err)
	}

	store, err := properties.OpenSQLiteStore(cfg.PropertyDB)
	if err != nil {
		return err
	}
	defer store.Close()
	clearStaleProperties(ctx, store, logger)

	serviceConfig, err := newServiceConfig(cfg, store, logLevel, logger)
	if err != nil {
		return err
	}
	svc := container.NewService(serviceConfig)

	server := daemon.New(cfg.SocketPath, daemon.ServiceBackend{Service: svc}, logger)
	serveErr := server.Start(ctx)

	logger.Info("destroying containers")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	svc.DestroyAll(shutdownCtx)
	return serveErr
}

// clearStaleProperties drops properties of containers from an earlier run;
// containers do not outlive the daemon.
func clearStaleProperties(ctx context.Context, store *properties.SQLiteStore, logger *slog.Logger) {
	handles, err := store.Handles(ctx)
	if err != nil {
		logger.Warn("failed to list stale properties", "error", err)
		return
	}
	for _, handle := range handles {
		if err := store.RemoveProperties(ctx, handle); err != nil {
			logger.Warn("failed to remove stale properties", "handle", handle, "error", err)
		}
	}
	if len(handles) > 0 {
		logger.Info("removed properties of previous containers", "count", len(handles))
	}
}

// newServiceConfig wires the service to the host. Container identities join
// only ContainerUserGroup; directory access goes to AdminGroup.
func newServiceConfig(cfg config.Config, store container.PropertyStore, logLevel string, logger *slog.Logger) (container.ServiceConfig, error) {
	if err := cfg.Validate(); err != nil {
		return container.ServiceConfig{}, err
	}
	limits, err := defaultLimits(cfg.DefaultLimits)
	if err != nil {
		return container.ServiceConfig{}, err
	}

	portManager, err := ports.NewManager(cfg.Ports.Min, cfg.Ports.Max,
		ports.WithProbe(ports.NetlinkProbe{}),
		ports.WithLogger(logger),
	)
	if err != nil {
		return container.ServiceConfig{}, err
	}

	environment := process.HostEnvironment{}
	commands := process.NewLocalRunner(process.WithRunnerLogger(logger))

	return container.ServiceConfig{
		Identities: identityProvider{identity.NewManager(commands,
			identity.WithGroup(cfg.ContainerUserGroup),
			identity.WithLogger(logger),
		)},
		Directories: directoryProvider{filesystem.NewManager(filesystem.SystemOwners{},
			filesystem.WithLogger(logger),
		)},
		Groups: groupProvider{cgroup.NewManager(cfg.CgroupRoot, cfg.CgroupParent,
			cgroup.WithLogger(logger),
		)},
		Hosts: hostLauncher{
			launcher: &host.Launcher{Logger: logger, Environment: environment, LogLevel: logLevel},
			grace:    cfg.StopTimeout,
		},
		Ports:          portManager,
		Properties:     store,
		Environment:    environment,
		BasePath:       cfg.ContainerBasePath,
		AdminGroup:     cfg.AdminGroup,
		HostExecutable: cfg.HostExecutable,
		DefaultLimits:  limits,
		Logger:         logger,
	}, nil
}

func defaultLimits(cfg config.Limits) (container.Limits, error) {
	limits := container.Limits{CPUWeight: cfg.CPUWeight, PidsMax: cfg.PidsMax}
	if cfg.MemoryMax != "" {
		bytes, err := humanize.ParseBytes(cfg.MemoryMax)
		if err != nil {
			return container.Limits{}, fmt.Errorf("parse default memory_max %q: %w", cfg.MemoryMax, err)
		}
		limits.MemoryMax = bytes
	}
	return limits, nil
}

type identityProvider struct {
	users *identity.Manager
}

func (p identityProvider) CreateIdentity(ctx context.Context, name string) (*process.Credential, error) {
	return p.users.CreateUser(ctx, name)
}

func (p identityProvider) DeleteIdentity(ctx context.Context, name string) error {
	return p.users.DeleteUser(ctx, name)
}

type directoryProvider struct {
	dirs *filesystem.Manager
}

func (p directoryProvider) CreateDirectory(path string, access []container.UserAccess) (container.Directory, error) {
	grants := make([]filesystem.Access, len(access))
	for i, a := range access {
		grants[i] = filesystem.Access{Name: a.Name, Group: a.Group}
	}
	dir, err := p.dirs.CreateDirectory(path, grants)
	if err != nil {
		return nil, err
	}
	return dir, nil
}

type groupProvider struct {
	groups *cgroup.Manager
}

func (p groupProvider) CreateGroup(name string, limits container.Limits) (container.ResourceGroup, error) {
	g, err := p.groups.Create(name, cgroup.Limits{
		MemoryMax: limits.MemoryMax,
		CPUWeight: limits.CPUWeight,
		PidsMax:   limits.PidsMax,
	})
	if err != nil {
		return nil, err
	}
	return resourceGroup{g}, nil
}

// resourceGroup keeps OpenDir visible so processes start inside the group.
type resourceGroup struct {
	*cgroup.Group
}

func (g resourceGroup) Stats() (container.ResourceStats, error) {
	stats, err := g.Group.Stats()
	if err != nil {
		return container.ResourceStats{}, err
	}
	return container.ResourceStats{
		MemoryBytes: stats.MemoryBytes,
		CPUUsage:    stats.CPUUsage,
		OOMKills:    stats.OOMKills,
	}, nil
}

type hostLauncher struct {
	launcher *host.Launcher
	grace    time.Duration
}

func (l hostLauncher) StartHost(ctx context.Context, executable string, dir container.Directory, group container.ResourceGroup, cred *process.Credential) (process.Runner, error) {
	client, err := l.launcher.StartHost(ctx, executable, dir.MapUserPath("/"), group, cred)
	if err != nil {
		return nil, err
	}
	return host.NewConstrainedRunner(client, l.grace), nil
}
