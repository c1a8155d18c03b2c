package container

import (
	"context"
	"time"

	"github.com/cochaviz/cellar/internal/process"
)

// IdentityProvider manages the dedicated OS users that own containers.
type IdentityProvider interface {
	CreateIdentity(ctx context.Context, name string) (*process.Credential, error)
	DeleteIdentity(ctx context.Context, name string) error
}

// UserAccess grants a user or group full access to a container directory.
type UserAccess struct {
	Name  string
	Group bool
}

// Directory is a container's private directory tree.
type Directory interface {
	// Path is the root of the tree on the host.
	Path() string
	// MapUserPath translates a path as seen inside the container to the
	// host path it refers to.
	MapUserPath(virtual string) string
	Destroy() error
}

// DirectoryProvider creates container directories.
type DirectoryProvider interface {
	CreateDirectory(path string, access []UserAccess) (Directory, error)
}

// ResourceStats is the aggregate usage of a resource group.
type ResourceStats struct {
	MemoryBytes uint64
	CPUUsage    time.Duration
	OOMKills    uint64
}

// ResourceGroup contains and accounts for every process of a container.
type ResourceGroup interface {
	process.Attacher
	Stats() (ResourceStats, error)
	Destroy() error
}

// ResourceGroupProvider creates resource groups.
type ResourceGroupProvider interface {
	CreateGroup(name string, limits Limits) (ResourceGroup, error)
}

// HostLauncher starts the sandboxed host of a container. The returned
// runner executes processes inside that host; closing it stops the host.
type HostLauncher interface {
	StartHost(ctx context.Context, executable string, dir Directory, group ResourceGroup, cred *process.Credential) (process.Runner, error)
}

// PortManager reserves host TCP ports on behalf of container identities.
type PortManager interface {
	ReserveLocalPort(requested int, owner string) (int, error)
	ReleaseLocalPort(port int, owner string) error
}

// PropertyStore persists the properties attached to containers.
type PropertyStore interface {
	SetProperties(ctx context.Context, handle string, properties map[string]string) error
	GetProperties(ctx context.Context, handle string) (map[string]string, error)
	RemoveProperties(ctx context.Context, handle string) error
}

// LocalRunnerFactory builds the runner for privileged processes of a
// container. Processes it starts must land in group.
type LocalRunnerFactory func(group ResourceGroup) process.Runner
