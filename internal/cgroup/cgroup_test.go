package cgroup

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

// newFakeManager lays out a cgroupfs lookalike in a temp dir. Plain
// directories need RemoveAll instead of rmdir once files were written.
func newFakeManager(t *testing.T) (*Manager, string) {
	t.Helper()
	root := t.TempDir()
	return NewManager(root, "cellar", WithRemover(os.RemoveAll)), root
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	return string(data)
}

func TestCreateWritesLimits(t *testing.T) {
	t.Parallel()
	manager, root := newFakeManager(t)

	group, err := manager.Create("abc123", Limits{MemoryMax: 1 << 30, CPUWeight: 200, PidsMax: 64})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	wantPath := filepath.Join(root, "cellar", "abc123")
	if group.Path() != wantPath {
		t.Fatalf("Path() = %q, want %q", group.Path(), wantPath)
	}
	for file, want := range map[string]string{
		"memory.max": "1073741824",
		"cpu.weight": "200",
		"pids.max":   "64",
	} {
		if got := readFile(t, filepath.Join(wantPath, file)); got != want {
			t.Fatalf("%s = %q, want %q", file, got, want)
		}
	}
	if got := readFile(t, filepath.Join(root, "cellar", "cgroup.subtree_control")); !strings.Contains(got, "+memory") {
		t.Fatalf("subtree_control = %q, want +memory", got)
	}
}

func TestCreateSkipsZeroLimits(t *testing.T) {
	t.Parallel()
	manager, _ := newFakeManager(t)

	group, err := manager.Create("nolimits", Limits{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	for _, file := range []string{"memory.max", "cpu.weight", "pids.max"} {
		if _, err := os.Stat(filepath.Join(group.Path(), file)); !os.IsNotExist(err) {
			t.Fatalf("%s written for zero limit, stat error = %v", file, err)
		}
	}
}

func TestCreateRejectsBadInput(t *testing.T) {
	t.Parallel()
	manager, root := newFakeManager(t)

	for _, name := range []string{"", "../escape", "a/b"} {
		if _, err := manager.Create(name, Limits{}); err == nil {
			t.Fatalf("Create(%q) error = nil", name)
		}
	}
	if _, err := manager.Create("weighty", Limits{CPUWeight: 20000}); err == nil {
		t.Fatal("Create() with cpu weight 20000 error = nil")
	}
	if _, err := os.Stat(filepath.Join(root, "cellar", "weighty")); !os.IsNotExist(err) {
		t.Fatalf("failed group left behind, stat error = %v", err)
	}
}

func TestAttachAndProcs(t *testing.T) {
	t.Parallel()
	manager, _ := newFakeManager(t)
	group, err := manager.Create("procs", Limits{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := group.Attach(4242); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	pids, err := group.Procs()
	if err != nil {
		t.Fatalf("Procs() error = %v", err)
	}
	if !reflect.DeepEqual(pids, []int{4242}) {
		t.Fatalf("Procs() = %v, want [4242]", pids)
	}
}

func TestStats(t *testing.T) {
	t.Parallel()
	manager, _ := newFakeManager(t)
	group, err := manager.Create("stats", Limits{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	files := map[string]string{
		"memory.current": "1048576\n",
		"cpu.stat":       "usage_usec 2500000\nuser_usec 2000000\nsystem_usec 500000\n",
		"memory.events":  "low 0\nhigh 0\nmax 3\noom 1\noom_kill 1\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(group.Path(), name), []byte(content), 0o644); err != nil {
			t.Fatalf("WriteFile(%s) error = %v", name, err)
		}
	}

	stats, err := group.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	want := Stats{MemoryBytes: 1 << 20, CPUUsage: 2500 * time.Millisecond, OOMKills: 1}
	if stats != want {
		t.Fatalf("Stats() = %+v, want %+v", stats, want)
	}
}

func TestStatsMissingFilesReadZero(t *testing.T) {
	t.Parallel()
	manager, _ := newFakeManager(t)
	group, err := manager.Create("empty", Limits{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	stats, err := group.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if stats != (Stats{}) {
		t.Fatalf("Stats() = %+v, want zero", stats)
	}
}

func TestDestroyRemovesGroup(t *testing.T) {
	t.Parallel()
	manager, _ := newFakeManager(t)
	group, err := manager.Create("doomed", Limits{PidsMax: 10})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(group.Path(), "cgroup.kill"), nil, 0o644); err != nil {
		t.Fatalf("WriteFile(cgroup.kill) error = %v", err)
	}

	if err := group.Destroy(); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, err := os.Stat(group.Path()); !os.IsNotExist(err) {
		t.Fatalf("group still present after Destroy(), stat error = %v", err)
	}
	if err := group.Destroy(); err != nil {
		t.Fatalf("second Destroy() error = %v", err)
	}
	if _, err := group.Stats(); err == nil {
		t.Fatal("Stats() after Destroy() error = nil")
	}
}
