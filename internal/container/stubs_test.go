package container

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/cochaviz/cellar/internal/process"
)

type stubProcess struct {
	exited chan struct{}

	mu     sync.Mutex
	killed int
}

func newStubProcess() *stubProcess {
	p := &stubProcess{exited: make(chan struct{})}
	close(p.exited)
	return p
}

func (p *stubProcess) ID() int { return 42 }
func (p *stubProcess) ExitCode() int { return 0 }
func (p *stubProcess) MemoryBytes() uint64 { return 0 }
func (p *stubProcess) Exited() <-chan struct{} { return p.exited }
func (p *stubProcess) Wait(context.Context) error { return nil }
func (p *stubProcess) WaitTimeout(time.Duration) bool { return true }
func (p *stubProcess) RequestExit() error { return nil }
func (p *stubProcess) Output() string { return "" }
func (p *stubProcess) ErrorOutput() string { return "" }

func (p *stubProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killed++
	return nil
}

// stubRunner records every call and optionally plays back output lines.
type stubRunner struct {
	mu       sync.Mutex
	specs    []process.RunSpec
	stopAll  []bool
	closed   int
	stdout   []string
	stderr   []string
	runErr   error
	stopErr  error
	closeErr error

	// When set, Run signals entered and blocks until release is closed.
	entered chan struct{}
	release chan struct{}
	started []*stubProcess
}

func (r *stubRunner) Run(_ context.Context, spec process.RunSpec) (process.Process, error) {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	stdout, stderr, err := r.stdout, r.stderr, r.runErr
	entered, release := r.entered, r.release
	r.mu.Unlock()
	if entered != nil {
		close(entered)
		<-release
	}
	if err != nil {
		return nil, err
	}
	for _, line := range stdout {
		spec.OutputCallback(line)
	}
	for _, line := range stderr {
		spec.ErrorCallback(line)
	}
	p := newStubProcess()
	r.mu.Lock()
	r.started = append(r.started, p)
	r.mu.Unlock()
	return p, nil
}

func (r *stubRunner) StopAll(_ context.Context, kill bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopAll = append(r.stopAll, kill)
	return r.stopErr
}

func (r *stubRunner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return r.closeErr
}

func (r *stubRunner) captured() []process.RunSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]process.RunSpec(nil), r.specs...)
}

type stubIdentities struct {
	mu        sync.Mutex
	created   []string
	deleted   []string
	cred      *process.Credential
	createErr error
	deleteErr error
}

func (s *stubIdentities) CreateIdentity(_ context.Context, name string) (*process.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, name)
	if s.createErr != nil {
		return nil, s.createErr
	}
	if s.cred != nil {
		return s.cred, nil
	}
	return &process.Credential{Username: name, Password: "password", UID: 2000, GID: 2000}, nil
}

func (s *stubIdentities) DeleteIdentity(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, name)
	return s.deleteErr
}

// stubDirectory maps virtual paths through an explicit table, falling back
// to joining onto its root.
type stubDirectory struct {
	path     string
	mappings map[string]string

	mu        sync.Mutex
	destroyed int
}

func (d *stubDirectory) Path() string { return d.path }

func (d *stubDirectory) MapUserPath(virtual string) string {
	if mapped, ok := d.mappings[virtual]; ok {
		return mapped
	}
	return d.path + "/user/" + strings.TrimPrefix(virtual, "/")
}

func (d *stubDirectory) Destroy() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed++
	return nil
}

type directoryRequest struct {
	path   string
	access []UserAccess
}

type stubDirectories struct {
	mu        sync.Mutex
	requests  []directoryRequest
	last      *stubDirectory
	createErr error
}

func (s *stubDirectories) CreateDirectory(path string, access []UserAccess) (Directory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, directoryRequest{path: path, access: access})
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.last = &stubDirectory{path: path}
	return s.last, nil
}

type stubGroup struct {
	name   string
	limits Limits
	stats  ResourceStats

	mu        sync.Mutex
	attached  []int
	destroyed int
}

func (g *stubGroup) Attach(pid int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.attached = append(g.attached, pid)
	return nil
}

func (g *stubGroup) Stats() (ResourceStats, error) { return g.stats, nil }

func (g *stubGroup) Destroy() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.destroyed++
	return nil
}

type stubGroups struct {
	mu        sync.Mutex
	last      *stubGroup
	createErr error
}

func (s *stubGroups) CreateGroup(name string, limits Limits) (ResourceGroup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.last = &stubGroup{name: name, limits: limits}
	return s.last, nil
}

type hostRequest struct {
	executable string
	dir        Directory
	group      ResourceGroup
	cred       *process.Credential
}

type stubHosts struct {
	mu       sync.Mutex
	requests []hostRequest
	runner   *stubRunner
	startErr error
}

func (s *stubHosts) StartHost(_ context.Context, executable string, dir Directory, group ResourceGroup, cred *process.Credential) (process.Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, hostRequest{executable: executable, dir: dir, group: group, cred: cred})
	if s.startErr != nil {
		return nil, s.startErr
	}
	s.runner = &stubRunner{}
	return s.runner, nil
}

type portCall struct {
	port  int
	owner string
}

// stubPorts binds every request to requested+offset.
type stubPorts struct {
	offset int

	mu       sync.Mutex
	reserved []portCall
	released []portCall
}

func (s *stubPorts) ReserveLocalPort(requested int, owner string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reserved = append(s.reserved, portCall{port: requested, owner: owner})
	return requested + s.offset, nil
}

func (s *stubPorts) ReleaseLocalPort(port int, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, portCall{port: port, owner: owner})
	return nil
}

func (s *stubPorts) releases() []portCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]portCall(nil), s.released...)
}

type stubProperties struct {
	mu      sync.Mutex
	values  map[string]map[string]string
	removed []string
	setErr  error
}

func (s *stubProperties) SetProperties(_ context.Context, handle string, properties map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setErr != nil {
		return s.setErr
	}
	if s.values == nil {
		s.values = make(map[string]map[string]string)
	}
	if s.values[handle] == nil {
		s.values[handle] = make(map[string]string)
	}
	for k, v := range properties {
		s.values[handle][k] = v
	}
	return nil
}

func (s *stubProperties) GetProperties(_ context.Context, handle string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for k, v := range s.values[handle] {
		out[k] = v
	}
	return out, nil
}

func (s *stubProperties) RemoveProperties(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, handle)
	delete(s.values, handle)
	return nil
}

// testIO collects everything written to either stream.
type testIO struct {
	out strings.Builder
	err strings.Builder
}

func (t *testIO) Stdout() io.Writer { return &t.out }
func (t *testIO) Stderr() io.Writer { return &t.err }

var errBoom = errors.New("boom")
