// Package identity creates and deletes the local OS users that container
// processes run as.
package identity

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os/user"
	"regexp"
	"strconv"
	"strings"

	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/process"
)

// ErrUserExists is returned when the requested user already exists.
var ErrUserExists = errors.New("user already exists")

// useradd exits with 9 when the login name is taken.
const useraddNameInUse = 9

// userdel exits with 6 when the user does not exist.
const userdelNoSuchUser = 6

const (
	passwordLength   = 24
	passwordAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789!@#%^*-_=+"
)

var validName = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// Manager runs the shadow-utils commands through a process.Runner.
type Manager struct {
	runner process.Runner
	group  string
	shell  string
	logger *slog.Logger
	lookup func(name string) (*user.User, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithGroup adds every created user to group as a supplementary group.
func WithGroup(group string) Option {
	return func(m *Manager) {
		m.group = group
	}
}

// Group is the supplementary group created users join; empty for none.
func (m *Manager) Group() string { return m.group }

// WithShell sets the login shell of created users.
func WithShell(shell string) Option {
	return func(m *Manager) {
		m.shell = shell
	}
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithLookup replaces the user database lookup.
func WithLookup(lookup func(name string) (*user.User, error)) Option {
	return func(m *Manager) {
		m.lookup = lookup
	}
}

// NewManager returns a Manager that runs useradd, chpasswd and userdel on
// runner.
func NewManager(runner process.Runner, opts ...Option) *Manager {
	m := &Manager{
		runner: runner,
		shell:  "/usr/sbin/nologin",
		lookup: user.Lookup,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Component(m.logger, "identity")
	return m
}

// CreateUser creates name with a generated password and returns its
// credential. A user left half-created by a failed step is deleted again.
func (m *Manager) CreateUser(ctx context.Context, name string) (*process.Credential, error) {
	if !validName.MatchString(name) {
		return nil, fmt.Errorf("invalid user name %q", name)
	}

	args := []string{"--no-create-home", "--shell", m.shell}
	if m.group != "" {
		args = append(args, "--groups", m.group)
	}
	args = append(args, name)

	if _, err := m.run(ctx, "useradd", args, ""); err != nil {
		var cmdErr *process.CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode == useraddNameInUse {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, name)
		}
		return nil, fmt.Errorf("create user %s: %w", name, err)
	}

	password, err := generatePassword()
	if err != nil {
		m.rollback(ctx, name)
		return nil, err
	}
	if _, err := m.run(ctx, "chpasswd", nil, name+":"+password+"\n"); err != nil {
		m.rollback(ctx, name)
		return nil, fmt.Errorf("set password of %s: %w", name, err)
	}

	cred, err := m.credential(name)
	if err != nil {
		m.rollback(ctx, name)
		return nil, err
	}
	cred.Password = password
	m.logger.Info("user created", "user", name, "uid", cred.UID)
	return cred, nil
}

// DeleteUser removes name. Deleting a user that does not exist succeeds.
func (m *Manager) DeleteUser(ctx context.Context, name string) error {
	if _, err := m.run(ctx, "userdel", []string{name}, ""); err != nil {
		var cmdErr *process.CommandError
		if errors.As(err, &cmdErr) && cmdErr.ExitCode == userdelNoSuchUser {
			return nil
		}
		return fmt.Errorf("delete user %s: %w", name, err)
	}
	m.logger.Info("user deleted", "user", name)
	return nil
}

func (m *Manager) rollback(ctx context.Context, name string) {
	if err := m.DeleteUser(context.WithoutCancel(ctx), name); err != nil {
		m.logger.Warn("failed to remove partially created user", "user", name, "error", err)
	}
}

func (m *Manager) credential(name string) (*process.Credential, error) {
	u, err := m.lookup(name)
	if err != nil {
		return nil, fmt.Errorf("look up user %s: %w", name, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse uid of %s: %w", name, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse gid of %s: %w", name, err)
	}
	return &process.Credential{
		Username: name,
		UID:      uint32(uid),
		GID:      uint32(gid),
		HomeDir:  u.HomeDir,
	}, nil
}

func (m *Manager) run(ctx context.Context, command string, args []string, stdin string) (process.CommandResult, error) {
	spec := process.RunSpec{
		ExecutablePath: command,
		Arguments:      args,
	}
	if stdin != "" {
		spec.Stdin = strings.NewReader(stdin)
	}
	return process.RunCommand(ctx, m.runner, spec)
}

func generatePassword() (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(passwordAlphabet)))
	for range passwordLength {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("generate password: %w", err)
		}
		b.WriteByte(passwordAlphabet[n.Int64()])
	}
	return b.String(), nil
}
