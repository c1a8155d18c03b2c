// Package process starts and supervises OS processes from declarative
// run-specs. A Runner owns every process it starts and can stop them en masse;
// a Process is the caller's handle on one of them.
package process

import (
	"context"
	"fmt"
	"time"
)

// Process is a started OS process, local or remote.
type Process interface {
	// ID is the OS process id.
	ID() int
	// ExitCode is valid once Exited is closed; before that it is -1.
	ExitCode() int
	// MemoryBytes reports the live resident memory of the process, or 0 once
	// it has exited.
	MemoryBytes() uint64
	// Exited is closed exactly once, when the process has exited and all of
	// its output has been delivered.
	Exited() <-chan struct{}
	// Wait blocks until the process exits or ctx is done.
	Wait(ctx context.Context) error
	// WaitTimeout blocks for at most timeout and reports whether the process exited.
	WaitTimeout(timeout time.Duration) bool
	// RequestExit asks the process to exit. It does not wait.
	RequestExit() error
	// Kill terminates the process unconditionally.
	Kill() error
	// Output and ErrorOutput return captured output for buffered run-specs.
	Output() string
	ErrorOutput() string
}

// Runner starts processes and tracks them until they exit.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) (Process, error)
	// StopAll kills, or asks to exit when kill is false, every live process
	// this runner started.
	StopAll(ctx context.Context, kill bool) error
	// Close stops everything and releases the runner. Run fails afterwards.
	Close() error
}

// ProcessStartError reports that the OS refused to start a process.
type ProcessStartError struct {
	Path string
	Err  error
}

func (e *ProcessStartError) Error() string {
	return fmt.Sprintf("start process %s: %v", e.Path, e.Err)
}

func (e *ProcessStartError) Unwrap() error {
	return e.Err
}

// WaitWithTimeout is the shared WaitTimeout implementation for Process types.
func WaitWithTimeout(exited <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-exited:
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-exited:
		return true
	case <-timer.C:
		return false
	}
}

// WaitContext blocks until exited is closed or ctx is done.
func WaitContext(ctx context.Context, exited <-chan struct{}) error {
	select {
	case <-exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
