package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand
type GlobalFlags struct {
	ConfigPath string
	Timeout    time.Duration
}

// buildRoot creates the root command with every subcommand attached
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createServeCommand(globalFlags),
		createStartCommand(globalFlags),
		createStopCommand(globalFlags),
		createRestartCommand(globalFlags),
		createStatusCommand(globalFlags),
		createDumpCommand(globalFlags),
		createConfigCommand(globalFlags),
		createConsoleCommand(globalFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "botvisor",
		Short: "Bot module supervisor and liveness watchdog",
		Long: `Botvisor starts, stops and probes bot modules over a local message bus.
Every running module holds a lock file under the runtime directory and
answers liveness pings on its own topic.

Examples:
  botvisor serve --config=botvisor.toml   # run supervisor and watchdog
  botvisor start irc@libera               # start a module instance
  botvisor status                         # quick status of every module
  botvisor stop irc@libera --confirm      # stop and wait for exit`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().DurationVar(&flags.Timeout, "timeout", 30*time.Second, "how long to wait for a supervisor reply")
	return root
}
