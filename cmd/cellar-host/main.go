// Command cellar-host runs inside a container as the container's user. It
// speaks the host protocol on stdin/stdout and starts the container's
// processes on behalf of the daemon.
package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cochaviz/cellar/internal/host"
	"github.com/cochaviz/cellar/internal/logging"
	"github.com/cochaviz/cellar/internal/messaging"
	"github.com/cochaviz/cellar/internal/process"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	// stdout carries the protocol; logs go to stderr, which the daemon relays.
	logger := logging.NewJSON(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(logger, &levelVar).ExecuteContext(ctx); err != nil {
		logger.Error("host failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:           "cellar-host",
		Short:         "Sandboxed process host started by the cellar daemon",
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := logging.ParseLevel(logLevel)
			if err != nil {
				return err
			}
			levelVar.Set(level)

			runner := process.NewLocalRunner(process.WithRunnerLogger(logger))
			server := host.NewServer(stdio{Reader: os.Stdin, Writer: os.Stdout}, runner, host.WithServerLogger(logger))
			logger.Debug("host serving", "pid", os.Getpid())

			err = server.Serve(cmd.Context())
			if err == nil || errors.Is(err, messaging.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Set log verbosity (debug, info, warning, error)")
	return cmd
}

// stdio joins the process's standard streams into one connection.
type stdio struct {
	io.Reader
	io.Writer
}

func (stdio) Close() error {
	return errors.Join(os.Stdin.Close(), os.Stdout.Close())
}
