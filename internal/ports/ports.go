// Package ports hands out host TCP ports to container identities.
package ports

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/cochaviz/cellar/internal/logging"
)

var (
	// ErrPortInUse is returned for a port reserved by another identity or
	// already listened on by a host process.
	ErrPortInUse = errors.New("port in use")
	// ErrNoFreePort is returned when every port of the range is taken.
	ErrNoFreePort = errors.New("no free port in range")
	// ErrNotOwner is returned when releasing a port reserved by someone else.
	ErrNotOwner = errors.New("port reserved by another identity")
)

// tcpListen is the kernel's TCP_LISTEN socket state.
const tcpListen = 10

// ListenerProbe reports whether a host process already listens on a port.
type ListenerProbe interface {
	Listening(port int) (bool, error)
}

// NetlinkProbe asks the kernel through sock_diag for listening TCP sockets.
type NetlinkProbe struct{}

// Listening implements ListenerProbe for IPv4 and IPv6 sockets.
func (NetlinkProbe) Listening(port int) (bool, error) {
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		sockets, err := netlink.SocketDiagTCP(family)
		if err != nil {
			return false, fmt.Errorf("list tcp sockets: %w", err)
		}
		for _, s := range sockets {
			if s.State == tcpListen && int(s.ID.SourcePort) == port {
				return true, nil
			}
		}
	}
	return false, nil
}

// Manager tracks which identity holds which port of a range.
type Manager struct {
	min, max int
	probe    ListenerProbe
	logger   *slog.Logger

	mu     sync.Mutex
	owners map[int]string
	next   int
}

// Option configures a Manager.
type Option func(*Manager)

// WithProbe sets the listener probe. Without one, only reservations made
// through the manager are considered.
func WithProbe(probe ListenerProbe) Option {
	return func(m *Manager) {
		m.probe = probe
	}
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager returns a Manager allocating from [min, max].
func NewManager(min, max int, opts ...Option) (*Manager, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	m := &Manager{
		min:    min,
		max:    max,
		owners: make(map[int]string),
		next:   min,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Component(m.logger, "ports")
	return m, nil
}

// ReserveLocalPort reserves requested for owner, or a free port of the range
// when requested is 0. Reserving a port owner already holds returns it again.
func (m *Manager) ReserveLocalPort(requested int, owner string) (int, error) {
	if owner == "" {
		return 0, errors.New("port owner is required")
	}
	if requested < 0 || requested > 65535 {
		return 0, fmt.Errorf("invalid port %d", requested)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if requested != 0 {
		if err := m.claim(requested, owner); err != nil {
			return 0, err
		}
		return requested, nil
	}

	size := m.max - m.min + 1
	for range size {
		port := m.next
		m.next++
		if m.next > m.max {
			m.next = m.min
		}
		if _, taken := m.owners[port]; taken {
			continue
		}
		if err := m.claim(port, owner); err == nil {
			return port, nil
		} else if !errors.Is(err, ErrPortInUse) {
			return 0, err
		}
	}
	return 0, fmt.Errorf("%w %d-%d", ErrNoFreePort, m.min, m.max)
}

// claim records port for owner. m.mu is held.
func (m *Manager) claim(port int, owner string) error {
	if current, ok := m.owners[port]; ok {
		if current == owner {
			return nil
		}
		return fmt.Errorf("%w: %d", ErrPortInUse, port)
	}
	if m.probe != nil {
		listening, err := m.probe.Listening(port)
		if err != nil {
			return err
		}
		if listening {
			return fmt.Errorf("%w: %d has a listener", ErrPortInUse, port)
		}
	}
	m.owners[port] = owner
	m.logger.Debug("port reserved", "port", port, "owner", owner)
	return nil
}

// ReleaseLocalPort gives port back. Releasing a port nobody holds succeeds.
func (m *Manager) ReleaseLocalPort(port int, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.owners[port]
	if !ok {
		return nil
	}
	if current != owner {
		return fmt.Errorf("%w: %d", ErrNotOwner, port)
	}
	delete(m.owners, port)
	m.logger.Debug("port released", "port", port, "owner", owner)
	return nil
}

// Owner returns the identity holding port.
func (m *Manager) Owner(port int) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	owner, ok := m.owners[port]
	return owner, ok
}
