package process

import (
	"context"
	"fmt"
	"strings"
)

// CommandResult is the outcome of a command run to completion.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandError reports a command that ran but exited non-zero.
type CommandError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		return fmt.Sprintf("%s exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("%s exited with code %d: %s", e.Command, e.ExitCode, msg)
}

// RunCommand runs spec on runner with buffered output and waits for it. The
// process is killed if ctx ends first. A non-zero exit is a *CommandError.
func RunCommand(ctx context.Context, runner Runner, spec RunSpec) (CommandResult, error) {
	spec.BufferedInputOutput = true
	spec.OutputCallback = nil
	spec.ErrorCallback = nil

	p, err := runner.Run(ctx, spec)
	if err != nil {
		return CommandResult{}, err
	}
	if err := p.Wait(ctx); err != nil {
		_ = p.Kill()
		<-p.Exited()
		return CommandResult{}, fmt.Errorf("wait for %s: %w", spec.ExecutablePath, err)
	}

	result := CommandResult{
		ExitCode: p.ExitCode(),
		Stdout:   p.Output(),
		Stderr:   p.ErrorOutput(),
	}
	if result.ExitCode != 0 {
		return result, &CommandError{
			Command:  spec.ExecutablePath,
			ExitCode: result.ExitCode,
			Stderr:   result.Stderr,
		}
	}
	return result, nil
}
