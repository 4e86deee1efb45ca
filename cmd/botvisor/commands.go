package main

import (
	"context"
	"fmt"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/botvisor"
	"github.com/loykin/botvisor/internal/bus"
	"github.com/loykin/botvisor/internal/identity"
)

// StopFlags selects how hard stop tries.
type StopFlags struct {
	Confirm bool
	Force   bool
}

func createStartCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "start <identity> [args...]",
		Short: "Start a module instance",
		Long: `Ask the supervisor to start a module. The command returns once the
module reported ready, failed, or the ready timeout passed.

Examples:
  botvisor start irc@libera
  botvisor start dice -- --verbose`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.Parse(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, globalFlags, func(ctx context.Context, c *botvisor.Client) error {
				pid, err := c.Start(ctx, id, args[1:]...)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "started %s (pid %d)\n", id, pid)
				return nil
			})
		},
	}
}

func createStopCommand(globalFlags *GlobalFlags) *cobra.Command {
	stopFlags := &StopFlags{}
	cmd := &cobra.Command{
		Use:   "stop <identity>",
		Short: "Stop a module instance",
		Long: `Send SIGINT to a module. Without --confirm the command returns as soon as
the signal was delivered. --force sends SIGKILL when the module did not exit
within the stop timeout and implies --confirm.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.Parse(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, globalFlags, func(ctx context.Context, c *botvisor.Client) error {
				pid, err := c.Stop(ctx, id, botvisor.StopOptions{Confirm: stopFlags.Confirm, Force: stopFlags.Force})
				if err != nil {
					return err
				}
				verb := "signalled"
				if stopFlags.Confirm || stopFlags.Force {
					verb = "stopped"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s (pid %d)\n", verb, id, pid)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&stopFlags.Confirm, "confirm", false, "wait until the process exited")
	cmd.Flags().BoolVar(&stopFlags.Force, "force", false, "SIGKILL after the stop timeout")
	return cmd
}

func createRestartCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "restart <identity> [args...]",
		Short: "Stop (forced) and start a module instance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := identity.Parse(args[0])
			if err != nil {
				return err
			}
			return withClient(cmd, globalFlags, func(ctx context.Context, c *botvisor.Client) error {
				pid, err := c.Restart(ctx, id, args[1:]...)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "restarted %s (pid %d)\n", id, pid)
				return nil
			})
		},
	}
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	var asJSON, check bool
	cmd := &cobra.Command{
		Use:   "status [identity]",
		Short: "Probe one module, or list every registered module",
		Long: `With an identity, ping the module and report Running, Unresponsive,
Stale or Stopped. Without one, list every lock file with a quick local
check that sends no pings.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, globalFlags, func(ctx context.Context, c *botvisor.Client) error {
				if len(args) == 0 {
					sts, err := c.ModuleStatus(ctx)
					if err != nil {
						return err
					}
					if asJSON {
						return printJSON(cmd.OutOrStdout(), sts)
					}
					return printStatusTable(cmd.OutOrStdout(), sts)
				}
				id, err := identity.Parse(args[0])
				if err != nil {
					return err
				}
				st, err := c.Status(ctx, id)
				if err != nil {
					return err
				}
				if asJSON {
					err = printJSON(cmd.OutOrStdout(), st)
				} else {
					err = printStatusTable(cmd.OutOrStdout(), []botvisor.Status{st})
				}
				if err == nil && check {
					err = st.Check()
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().BoolVar(&check, "check", false, "exit non-zero unless the module is Running")
	return cmd
}

func createDumpCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the status of every registered module as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, globalFlags, func(ctx context.Context, c *botvisor.Client) error {
				sts, err := c.ModuleStatus(ctx)
				if err != nil {
					return err
				}
				if sts == nil {
					sts = []botvisor.Status{}
				}
				return printJSON(cmd.OutOrStdout(), sts)
			})
		},
	}
}

func createConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := botvisor.LoadConfig(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), effectiveConfig(cfg))
		},
	}
}

func createConsoleCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "console [pattern]",
		Short: "Print bus traffic matching a topic pattern",
		Long: `Subscribe to the bus and print every message until interrupted.
Patterns use '.' separated segments, '*' for one segment and '#' for any
number of trailing segments.

Examples:
  botvisor console                       # everything
  botvisor console 'supervisor.request.*'
  botvisor console 'irc@libera.#'`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := "#"
			if len(args) == 1 {
				pattern = args[0]
			}
			cfg, err := botvisor.LoadConfig(globalFlags.ConfigPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			conn, err := bus.Dial(ctx, cfg.SocketPath())
			if err != nil {
				return err
			}
			defer func() { _ = conn.Close() }()

			var mu sync.Mutex
			out := cmd.OutOrStdout()
			sub, err := conn.Subscribe(ctx, pattern, func(_ context.Context, m bus.Message) {
				mu.Lock()
				defer mu.Unlock()
				_, _ = fmt.Fprintf(out, "%s %s\n", m.Topic, m.Payload)
			})
			if err != nil {
				return err
			}
			<-ctx.Done()
			_ = sub.Unsubscribe()
			return nil
		},
	}
}

// withClient loads the config, connects to the daemon's bus and runs fn.
func withClient(cmd *cobra.Command, flags *GlobalFlags, fn func(ctx context.Context, c *botvisor.Client) error) error {
	cfg, err := botvisor.LoadConfig(flags.ConfigPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	c, closeConn, err := botvisor.Dial(ctx, cfg, flags.Timeout, nil)
	if err != nil {
		return err
	}
	defer func() { _ = closeConn() }()
	return fn(ctx, c)
}
