// Package filesystem creates the per-container directory tree and maps
// container-visible paths onto it.
package filesystem

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cochaviz/cellar/internal/logging"
)

// userDir is the subtree a container's processes see as "/".
const userDir = "user"

// Access grants a user or group ownership of a container directory.
type Access struct {
	Name  string
	Group bool
}

// Owner resolves a user or group name to a numeric id.
type Owner interface {
	LookupUser(name string) (int, error)
	LookupGroup(name string) (int, error)
}

// Manager creates container directories.
type Manager struct {
	owners Owner
	chown  func(path string, uid, gid int) error
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithChown replaces the function used to hand directories to their owner.
func WithChown(chown func(path string, uid, gid int) error) Option {
	return func(m *Manager) {
		m.chown = chown
	}
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager returns a Manager resolving owners through owners.
func NewManager(owners Owner, opts ...Option) *Manager {
	m := &Manager{
		owners: owners,
		chown:  os.Lchown,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Component(m.logger, "filesystem")
	return m
}

// CreateDirectory creates root and its user subtree, owned by the first user
// and the first group in access, with mode 0770. The directory is removed
// again when any step fails.
func (m *Manager) CreateDirectory(root string, access []Access) (*Directory, error) {
	if !filepath.IsAbs(root) {
		return nil, fmt.Errorf("container directory %q must be absolute", root)
	}
	root = filepath.Clean(root)

	uid, gid := -1, -1
	for _, a := range access {
		var err error
		switch {
		case a.Group && gid == -1:
			gid, err = m.owners.LookupGroup(a.Name)
		case !a.Group && uid == -1:
			uid, err = m.owners.LookupUser(a.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("resolve owner %s: %w", a.Name, err)
		}
	}

	if err := os.Mkdir(root, 0o770); err != nil {
		return nil, fmt.Errorf("create container directory %s: %w", root, err)
	}
	dir := &Directory{root: root}
	userPath := filepath.Join(root, userDir)
	if err := os.Mkdir(userPath, 0o770); err != nil {
		_ = dir.Destroy()
		return nil, fmt.Errorf("create user directory %s: %w", userPath, err)
	}

	for _, p := range []string{root, userPath} {
		if err := os.Chmod(p, 0o770); err != nil {
			_ = dir.Destroy()
			return nil, fmt.Errorf("set mode of %s: %w", p, err)
		}
		if uid != -1 || gid != -1 {
			if err := m.chown(p, uid, gid); err != nil {
				_ = dir.Destroy()
				return nil, fmt.Errorf("set owner of %s: %w", p, err)
			}
		}
	}

	m.logger.Debug("container directory created", "path", root, "uid", uid, "gid", gid)
	return dir, nil
}

// Directory is a container's root directory.
type Directory struct {
	root string
}

// Open returns the Directory at root without creating anything.
func Open(root string) *Directory {
	return &Directory{root: filepath.Clean(root)}
}

// Path is the directory's host path.
func (d *Directory) Path() string { return d.root }

// UserPath is the host path of the tree processes see as "/".
func (d *Directory) UserPath() string { return filepath.Join(d.root, userDir) }

// MapUserPath translates a container path into a host path under the user
// tree. Both "/" and "\" separate components. The path is cleaned as an
// absolute path first, so ".." never climbs above the user tree.
func (d *Directory) MapUserPath(containerPath string) string {
	p := "/" + strings.ReplaceAll(containerPath, `\`, "/")
	return filepath.Join(d.UserPath(), filepath.FromSlash(path.Clean(p)))
}

// Destroy removes the directory and everything below it. A missing directory
// is not an error.
func (d *Directory) Destroy() error {
	if err := os.RemoveAll(d.root); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove container directory %s: %w", d.root, err)
	}
	return nil
}
