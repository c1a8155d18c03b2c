package process

import (
	"context"
	"errors"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func newTestRunner(opts ...RunnerOption) *LocalRunner {
	opts = append([]RunnerOption{WithEnvironmentProvider(StaticEnvironment{"PATH": DefaultPath})}, opts...)
	return NewLocalRunner(opts...)
}

type lineSink struct {
	mu    sync.Mutex
	lines []string
}

func (s *lineSink) add(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
}

func (s *lineSink) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func TestLocalRunnerStreamsLines(t *testing.T) {
	t.Parallel()

	runner := newTestRunner()
	defer runner.Close()

	var stdout, stderr lineSink
	p, err := runner.Run(context.Background(), RunSpec{
		ExecutablePath: "/bin/sh",
		Arguments:      []string{"-c", "echo 'This is STDOUT'; echo second; echo 'This is STDERR' >&2"},
		OutputCallback: stdout.add,
		ErrorCallback:  stderr.add,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !p.WaitTimeout(5 * time.Second) {
		t.Fatal("process did not exit")
	}

	if got := stdout.snapshot(); len(got) != 2 || got[0] != "This is STDOUT" || got[1] != "second" {
		t.Fatalf("stdout lines = %q", got)
	}
	if got := stderr.snapshot(); len(got) != 1 || got[0] != "This is STDERR" {
		t.Fatalf("stderr lines = %q", got)
	}
	if p.ExitCode() != 0 {
		t.Fatalf("ExitCode() = %d, want 0", p.ExitCode())
	}
}

func TestLocalRunnerBufferedOutput(t *testing.T) {
	t.Parallel()

	runner := newTestRunner()
	defer runner.Close()

	p, err := runner.Run(context.Background(), RunSpec{
		ExecutablePath:      "/bin/sh",
		Arguments:           []string{"-c", "printf out; printf err >&2; exit 3"},
		BufferedInputOutput: true,
		OutputCallback:      func(string) { t.Error("callback invoked in buffered mode") },
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if err := p.Wait(context.Background()); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if p.Output() != "out" || p.ErrorOutput() != "err" {
		t.Fatalf("Output() = %q, ErrorOutput() = %q", p.Output(), p.ErrorOutput())
	}
	if p.ExitCode() != 3 {
		t.Fatalf("ExitCode() = %d, want 3", p.ExitCode())
	}
}

func TestExitIsNotHeldByBackgroundChild(t *testing.T) {
	t.Parallel()

	for _, buffered := range []bool{true, false} {
		runner := newTestRunner()
		defer runner.Close()

		var stdout lineSink
		spec := RunSpec{
			ExecutablePath:      "/bin/sh",
			Arguments:           []string{"-c", "echo before; sleep 5 & exit 3"},
			BufferedInputOutput: buffered,
		}
		if !buffered {
			spec.OutputCallback = stdout.add
		}
		p, err := runner.Run(context.Background(), spec)
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		// The sleep keeps the process group alive after the shell exits.
		pgid := p.ID()
		t.Cleanup(func() { _ = syscall.Kill(-pgid, syscall.SIGKILL) })

		if !p.WaitTimeout(2 * time.Second) {
			t.Fatalf("buffered=%v: WaitTimeout(2s) = false, want true", buffered)
		}
		if p.ExitCode() != 3 {
			t.Fatalf("buffered=%v: ExitCode() = %d, want 3", buffered, p.ExitCode())
		}
		if buffered && p.Output() != "before\n" {
			t.Fatalf("Output() = %q, want %q", p.Output(), "before\n")
		}
		if !buffered {
			if got := stdout.snapshot(); len(got) != 1 || got[0] != "before" {
				t.Fatalf("stdout lines = %q, want [before]", got)
			}
		}
	}
}

func TestLocalRunnerUsesSpecEnvironmentAndDirectory(t *testing.T) {
	t.Parallel()

	runner := newTestRunner()
	defer runner.Close()

	dir := t.TempDir()
	env := NewEnvironmentBlock(map[string]string{"GREETING": "hello", "PATH": DefaultPath})
	result, err := RunCommand(context.Background(), runner, RunSpec{
		ExecutablePath:   "/bin/sh",
		Arguments:        []string{"-c", `echo "$GREETING"; pwd`},
		Environment:      env,
		WorkingDirectory: dir,
	})
	if err != nil {
		t.Fatalf("RunCommand() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
	if len(lines) != 2 || lines[0] != "hello" {
		t.Fatalf("stdout = %q", result.Stdout)
	}
	if !strings.HasSuffix(lines[1], dir) {
		t.Fatalf("working directory = %q, want %q", lines[1], dir)
	}
}

func TestLocalRunnerFallsBackToDefaultEnvironment(t *testing.T) {
	t.Parallel()

	runner := NewLocalRunner(WithEnvironmentProvider(StaticEnvironment{"FROM_PROVIDER": "yes"}))
	defer runner.Close()

	result, err := RunCommand(context.Background(), runner, RunSpec{
		ExecutablePath: "/bin/sh",
		Arguments:      []string{"-c", `echo "$FROM_PROVIDER"`},
	})
	if err != nil {
		t.Fatalf("RunCommand() error = %v", err)
	}
	if strings.TrimSpace(result.Stdout) != "yes" {
		t.Fatalf("stdout = %q, want provider variable", result.Stdout)
	}
}

func TestLocalRunnerStartFailure(t *testing.T) {
	t.Parallel()

	runner := newTestRunner()
	defer runner.Close()

	_, err := runner.Run(context.Background(), RunSpec{ExecutablePath: "/definitely/not/here"})
	var startErr *ProcessStartError
	if !errors.As(err, &startErr) {
		t.Fatalf("Run() error = %v, want *ProcessStartError", err)
	}
	if startErr.Path != "/definitely/not/here" {
		t.Fatalf("ProcessStartError.Path = %q", startErr.Path)
	}
}

func TestLocalRunnerStopAllKills(t *testing.T) {
	t.Parallel()

	runner := newTestRunner()
	defer runner.Close()

	var procs []Process
	for i := 0; i < 3; i++ {
		p, err := runner.Run(context.Background(), RunSpec{
			ExecutablePath: "/bin/sh",
			Arguments:      []string{"-c", "trap '' TERM; sleep 30"},
		})
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
		procs = append(procs, p)
	}
	if runner.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", runner.Len())
	}

	if err := runner.StopAll(context.Background(), true); err != nil {
		t.Fatalf("StopAll() error = %v", err)
	}
	for _, p := range procs {
		if !p.WaitTimeout(5 * time.Second) {
			t.Fatalf("process %d survived kill", p.ID())
		}
		if p.ExitCode() != 128+9 {
			t.Fatalf("ExitCode() = %d, want %d", p.ExitCode(), 128+9)
		}
	}
}

func TestRequestExitIsCooperative(t *testing.T) {
	t.Parallel()

	runner := newTestRunner()
	defer runner.Close()

	p, err := runner.Run(context.Background(), RunSpec{
		ExecutablePath: "/bin/sh",
		Arguments:      []string{"-c", "trap 'exit 7' TERM; while :; do sleep 0.05; done"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// Give the shell time to install its trap.
	time.Sleep(200 * time.Millisecond)

	if err := p.RequestExit(); err != nil {
		t.Fatalf("RequestExit() error = %v", err)
	}
	if !p.WaitTimeout(5 * time.Second) {
		t.Fatal("process ignored RequestExit")
	}
	if p.ExitCode() != 7 {
		t.Fatalf("ExitCode() = %d, want 7", p.ExitCode())
	}

	if err := p.Kill(); err != nil {
		t.Fatalf("Kill() after exit error = %v", err)
	}
	if err := p.RequestExit(); err != nil {
		t.Fatalf("RequestExit() after exit error = %v", err)
	}
}

func TestClosedRunnerRefusesRun(t *testing.T) {
	t.Parallel()

	runner := newTestRunner()
	if err := runner.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := runner.Run(context.Background(), RunSpec{ExecutablePath: "/bin/true"}); !errors.Is(err, ErrRunnerClosed) {
		t.Fatalf("Run() error = %v, want ErrRunnerClosed", err)
	}
}

type recordingAttacher struct {
	mu   sync.Mutex
	pids []int
	err  error
}

func (a *recordingAttacher) Attach(pid int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pids = append(a.pids, pid)
	return a.err
}

func TestLocalRunnerAttachesToResourceGroup(t *testing.T) {
	t.Parallel()

	attacher := &recordingAttacher{}
	runner := newTestRunner(WithAttacher(attacher))
	defer runner.Close()

	p, err := runner.Run(context.Background(), RunSpec{ExecutablePath: "/bin/true"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	p.WaitTimeout(5 * time.Second)

	attacher.mu.Lock()
	defer attacher.mu.Unlock()
	if len(attacher.pids) != 1 || attacher.pids[0] != p.ID() {
		t.Fatalf("attached pids = %v, want [%d]", attacher.pids, p.ID())
	}
}

func TestLocalRunnerAttachFailureKillsProcess(t *testing.T) {
	t.Parallel()

	attacher := &recordingAttacher{err: errors.New("cgroup gone")}
	runner := newTestRunner(WithAttacher(attacher))
	defer runner.Close()

	if _, err := runner.Run(context.Background(), RunSpec{ExecutablePath: "/bin/sleep", Arguments: []string{"30"}}); err == nil {
		t.Fatal("Run() error = nil, want attach failure")
	}
	if runner.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after failed attach", runner.Len())
	}
}

func TestRunCommandReportsExitCode(t *testing.T) {
	t.Parallel()

	runner := newTestRunner()
	defer runner.Close()

	_, err := RunCommand(context.Background(), runner, RunSpec{
		ExecutablePath: "/bin/sh",
		Arguments:      []string{"-c", "echo nope >&2; exit 9"},
	})
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("RunCommand() error = %v, want *CommandError", err)
	}
	if cmdErr.ExitCode != 9 || !strings.Contains(cmdErr.Error(), "nope") {
		t.Fatalf("CommandError = %+v", cmdErr)
	}
}
