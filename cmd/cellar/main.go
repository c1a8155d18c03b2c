package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cochaviz/cellar/internal/config"
	"github.com/cochaviz/cellar/internal/logging"
)

const defaultLogLevel = "warning"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	logLevel   string
	configPath string
	socketPath string
}

func (o *globalOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if path := strings.TrimSpace(o.socketPath); path != "" {
		cfg.SocketPath = path
	}
	return cfg, nil
}

func (o *globalOptions) socket() string {
	if path := strings.TrimSpace(o.socketPath); path != "" {
		return path
	}
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.DefaultSocketPath
	}
	return cfg.SocketPath
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	opts := &globalOptions{logLevel: defaultLogLevel}

	root := &cobra.Command{
		Use:           "cellar",
		Short:         "CLI for 'cellar': isolated process containers on a single host",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&opts.configPath, "config", config.DefaultConfigPath, "Path to the daemon configuration file")
	root.PersistentFlags().StringVar(&opts.socketPath, "socket", "", "Path to daemon control socket (overrides the configuration)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(opts.logLevel)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		return nil
	}

	root.AddCommand(
		newDaemonCommand(logger, opts),
		newContainerCommand(opts),
	)
	return root
}

func newDaemonCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the cellar container daemon",
	}
	cmd.AddCommand(newDaemonServeCommand(logger, opts))
	return cmd
}

func newDaemonServeCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			cmdLogger := logger.With("command", "daemon.serve")
			cmdLogger.Info("starting daemon", "socket", cfg.SocketPath, "base_path", cfg.ContainerBasePath)

			if err := serve(cmd.Context(), cfg, opts.logLevel, cmdLogger); err != nil {
				cmdLogger.Error("daemon failed", "error", err)
				return err
			}
			cmdLogger.Info("daemon stopped")
			return nil
		},
	}
}

func parseProperties(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, value := range values {
		name, val, ok := strings.Cut(value, "=")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("expected name=value, got %q", value)
		}
		out[strings.TrimSpace(name)] = val
	}
	return out, nil
}
