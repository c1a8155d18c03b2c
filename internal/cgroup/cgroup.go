// Package cgroup manages the cgroup v2 groups that contain container
// processes.
package cgroup

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/cochaviz/cellar/internal/logging"
)

// controllers are enabled for the children of the parent group.
var controllers = []string{"memory", "cpu", "pids"}

// drainTimeout bounds how long Destroy waits for killed processes to leave.
const drainTimeout = 2 * time.Second

// Limits are written to a group when it is created. Zero means unlimited.
type Limits struct {
	MemoryMax uint64
	CPUWeight int
	PidsMax   int
}

// Stats is the accounting of a group.
type Stats struct {
	MemoryBytes uint64
	CPUUsage    time.Duration
	OOMKills    uint64
}

// Manager creates groups below Root/Parent.
type Manager struct {
	root   string
	parent string
	logger *slog.Logger
	// remove deletes a group directory; cgroupfs only accepts rmdir.
	remove func(path string) error
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithRemover replaces the function that deletes group directories.
func WithRemover(remove func(path string) error) Option {
	return func(m *Manager) {
		m.remove = remove
	}
}

// NewManager returns a manager for groups under root/parent, typically
// /sys/fs/cgroup/cellar.
func NewManager(root, parent string, opts ...Option) *Manager {
	m := &Manager{
		root:   root,
		parent: parent,
		remove: unix.Rmdir,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Component(m.logger, "cgroup")
	return m
}

// Create makes the group name and applies limits to it. An existing group of
// the same name is reused.
func (m *Manager) Create(name string, limits Limits) (*Group, error) {
	if name == "" || strings.ContainsAny(name, "/.") {
		return nil, fmt.Errorf("invalid cgroup name %q", name)
	}

	parent := filepath.Join(m.root, m.parent)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return nil, fmt.Errorf("create parent cgroup %s: %w", parent, err)
	}
	m.enableControllers(m.root)
	m.enableControllers(parent)

	path := filepath.Join(parent, name)
	if err := os.Mkdir(path, 0o755); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create cgroup %s: %w", path, err)
	}

	g := &Group{path: path, remove: m.remove}
	if err := g.apply(limits); err != nil {
		_ = m.remove(path)
		return nil, err
	}
	m.logger.Debug("cgroup created", "path", path, "memory_max", limits.MemoryMax, "cpu_weight", limits.CPUWeight, "pids_max", limits.PidsMax)
	return g, nil
}

// enableControllers is best-effort: a kernel without a controller still runs
// containers, only without that limit.
func (m *Manager) enableControllers(dir string) {
	control := make([]string, len(controllers))
	for i, c := range controllers {
		control[i] = "+" + c
	}
	if err := writeFile(filepath.Join(dir, "cgroup.subtree_control"), strings.Join(control, " ")); err != nil {
		m.logger.Debug("could not enable cgroup controllers", "dir", dir, "error", err)
	}
}

// Group is a single cgroup directory.
type Group struct {
	path   string
	remove func(path string) error
}

// Path is the group's directory.
func (g *Group) Path() string { return g.path }

func (g *Group) apply(limits Limits) error {
	if limits.MemoryMax > 0 {
		if err := g.write("memory.max", strconv.FormatUint(limits.MemoryMax, 10)); err != nil {
			return err
		}
	}
	if limits.CPUWeight > 0 {
		if limits.CPUWeight > 10000 {
			return fmt.Errorf("cpu weight %d out of range 1-10000", limits.CPUWeight)
		}
		if err := g.write("cpu.weight", strconv.Itoa(limits.CPUWeight)); err != nil {
			return err
		}
	}
	if limits.PidsMax > 0 {
		if err := g.write("pids.max", strconv.Itoa(limits.PidsMax)); err != nil {
			return err
		}
	}
	return nil
}

// Attach moves pid into the group.
func (g *Group) Attach(pid int) error {
	return g.write("cgroup.procs", strconv.Itoa(pid))
}

// OpenDir opens the group directory for starting children directly inside it.
func (g *Group) OpenDir() (*os.File, error) {
	return os.Open(g.path)
}

// Procs lists the processes in the group.
func (g *Group) Procs() ([]int, error) {
	data, err := os.ReadFile(filepath.Join(g.path, "cgroup.procs"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var pids []int
	for _, field := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			return nil, fmt.Errorf("parse cgroup.procs of %s: %w", g.path, err)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// Stats reads the group's memory, CPU and OOM accounting. Missing files read
// as zero.
func (g *Group) Stats() (Stats, error) {
	if _, err := os.Stat(g.path); err != nil {
		return Stats{}, fmt.Errorf("stat cgroup %s: %w", g.path, err)
	}
	var stats Stats
	if data, err := os.ReadFile(filepath.Join(g.path, "memory.current")); err == nil {
		stats.MemoryBytes, _ = strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	}
	if usec, ok := g.keyed("cpu.stat", "usage_usec"); ok {
		stats.CPUUsage = time.Duration(usec) * time.Microsecond
	}
	if kills, ok := g.keyed("memory.events", "oom_kill"); ok {
		stats.OOMKills = kills
	}
	return stats, nil
}

// keyed reads key from a flat-keyed cgroup file of "key value" lines.
func (g *Group) keyed(file, key string) (uint64, bool) {
	f, err := os.Open(filepath.Join(g.path, file))
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 2 && fields[0] == key {
			value, err := strconv.ParseUint(fields[1], 10, 64)
			return value, err == nil
		}
	}
	return 0, false
}

// Kill kills every process in the group, through cgroup.kill when the kernel
// has it.
func (g *Group) Kill() error {
	killFile := filepath.Join(g.path, "cgroup.kill")
	if _, err := os.Stat(killFile); err == nil {
		return writeFile(killFile, "1")
	}

	pids, err := g.Procs()
	if err != nil {
		return err
	}
	var errs []error
	for _, pid := range pids {
		if err := unix.Kill(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			errs = append(errs, fmt.Errorf("kill %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Destroy kills what is left in the group and removes it.
func (g *Group) Destroy() error {
	if _, err := os.Stat(g.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := g.Kill(); err != nil {
		return fmt.Errorf("kill cgroup %s: %w", g.path, err)
	}

	deadline := time.Now().Add(drainTimeout)
	for {
		pids, err := g.Procs()
		if err != nil || len(pids) == 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := g.remove(g.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove cgroup %s: %w", g.path, err)
	}
	return nil
}

func (g *Group) write(file, value string) error {
	if err := writeFile(filepath.Join(g.path, file), value); err != nil {
		return fmt.Errorf("write %s of %s: %w", file, g.path, err)
	}
	return nil
}

func writeFile(path, value string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(value); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
