package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/cochaviz/cellar/internal/container"
	"github.com/cochaviz/cellar/internal/daemon"
)

func newContainerCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "container",
		Short: "Manage containers through the daemon",
	}
	cmd.AddCommand(
		newContainerCreateCommand(opts),
		newContainerListCommand(opts),
		newContainerInfoCommand(opts),
		newContainerDestroyCommand(opts),
		newContainerReservePortCommand(opts),
		newContainerRunCommand(opts),
		newContainerStopCommand(opts),
	)
	return cmd
}

func newContainerCreateCommand(opts *globalOptions) *cobra.Command {
	var (
		handle     string
		properties []string
		memoryMax  string
		cpuWeight  int
		pidsMax    int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a container",
		RunE: func(cmd *cobra.Command, args []string) error {
			props, err := parseProperties(properties)
			if err != nil {
				return err
			}
			spec := container.ContainerSpec{
				Handle:     handle,
				Properties: props,
				Limits:     container.Limits{CPUWeight: cpuWeight, PidsMax: pidsMax},
			}
			if memoryMax != "" {
				bytes, err := humanize.ParseBytes(memoryMax)
				if err != nil {
					return fmt.Errorf("parse --memory %q: %w", memoryMax, err)
				}
				spec.Limits.MemoryMax = bytes
			}

			info, err := daemon.NewClient(opts.socket()).Create(spec)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), info.Handle)
			return nil
		},
	}

	cmd.Flags().StringVar(&handle, "handle", "", "Container handle (generated when empty)")
	cmd.Flags().StringArrayVar(&properties, "property", nil, "Property as name=value; repeat flag to add additional properties")
	cmd.Flags().StringVar(&memoryMax, "memory", "", "Memory limit, e.g. 512M or 2GiB (daemon default when empty)")
	cmd.Flags().IntVar(&cpuWeight, "cpu-weight", 0, "Relative CPU weight, 1-10000 (daemon default when 0)")
	cmd.Flags().IntVar(&pidsMax, "pids", 0, "Maximum number of processes (daemon default when 0)")
	return cmd
}

func newContainerListCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List containers managed by the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			infos, err := daemon.NewClient(opts.socket()).List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(infos) == 0 {
				fmt.Fprintln(out, "no containers")
				return nil
			}
			for _, info := range infos {
				fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", info.Handle, info.ID, info.State, humanize.IBytes(info.MemoryBytes))
			}
			return nil
		},
	}
}

func newContainerInfoCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <handle>",
		Args:  cobra.ExactArgs(1),
		Short: "Show a container's state and resource usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := daemon.NewClient(opts.socket()).Info(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "handle:\t%s\n", info.Handle)
			fmt.Fprintf(out, "id:\t%s\n", info.ID)
			fmt.Fprintf(out, "state:\t%s\n", info.State)
			fmt.Fprintf(out, "path:\t%s\n", info.ContainerPath)
			fmt.Fprintf(out, "memory:\t%s\n", humanize.IBytes(info.MemoryBytes))
			fmt.Fprintf(out, "cpu:\t%s\n", info.CPUUsage)
			for _, port := range info.Ports {
				fmt.Fprintf(out, "port:\t%d -> %d\n", port.Requested, port.Bound)
			}
			names := make([]string, 0, len(info.Properties))
			for name := range info.Properties {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(out, "property:\t%s=%s\n", name, info.Properties[name])
			}
			for _, event := range info.Events {
				fmt.Fprintf(out, "event:\t%s\n", event)
			}
			return nil
		},
	}
}

func newContainerDestroyCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "destroy <handle>",
		Args:  cobra.ExactArgs(1),
		Short: "Destroy a container and release everything it holds",
		RunE: func(cmd *cobra.Command, args []string) error {
			handle := strings.TrimSpace(args[0])
			if err := daemon.NewClient(opts.socket()).Destroy(handle); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "destroyed", handle)
			return nil
		},
	}
}

func newContainerReservePortCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reserve-port <handle> [port]",
		Args:  cobra.RangeArgs(1, 2),
		Short: "Reserve a host port for a container; omit the port to pick a free one",
		RunE: func(cmd *cobra.Command, args []string) error {
			requested := 0
			if len(args) == 2 {
				var err error
				requested, err = strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("parse port %q: %w", args[1], err)
				}
			}
			port, err := daemon.NewClient(opts.socket()).ReservePort(strings.TrimSpace(args[0]), requested)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), port)
			return nil
		},
	}
}

func newContainerRunCommand(opts *globalOptions) *cobra.Command {
	var (
		env        []string
		privileged bool
		hostPath   bool
	)

	cmd := &cobra.Command{
		Use:   "run <handle> <executable> [args...]",
		Args:  cobra.MinimumNArgs(2),
		Short: "Run a process in a container and wait for it",
		RunE: func(cmd *cobra.Command, args []string) error {
			environment, err := parseProperties(env)
			if err != nil {
				return err
			}
			spec := container.ProcessSpec{
				ExecutablePath:     args[1],
				Arguments:          args[2:],
				Environment:        environment,
				Privileged:         privileged,
				DisablePathMapping: hostPath,
			}
			result, err := daemon.NewClient(opts.socket()).Run(strings.TrimSpace(args[0]), spec)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), result.Stdout)
			fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
			if result.ExitCode != 0 {
				os.Exit(result.ExitCode)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&env, "env", "e", nil, "Environment variable as NAME=value; repeat flag to add additional variables")
	cmd.Flags().BoolVar(&privileged, "privileged", false, "Run outside the sandboxed host, as the daemon user")
	cmd.Flags().BoolVar(&hostPath, "host-path", false, "Treat the executable as a host path instead of a container path")
	return cmd
}

func newContainerStopCommand(opts *globalOptions) *cobra.Command {
	var kill bool

	cmd := &cobra.Command{
		Use:   "stop <handle>",
		Args:  cobra.ExactArgs(1),
		Short: "Stop every process of a container without destroying it",
		RunE: func(cmd *cobra.Command, args []string) error {
			handle := strings.TrimSpace(args[0])
			if err := daemon.NewClient(opts.socket()).Stop(handle, kill); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stopped", handle)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&kill, "kill", "k", false, "Kill processes instead of asking them to exit")
	return cmd
}
