package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/botvisor"
	"github.com/loykin/botvisor/internal/logger"
)

// ServeFlags holds flags of the serve command
type ServeFlags struct {
	Daemonize bool
	LogFile   string
}

func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Run the supervisor, watchdog and bus broker",
		Long: `Run the control plane in the foreground until SIGINT or SIGTERM.
Modules keep running when the daemon exits; a restarted daemon picks them
up again from their lock files.

Examples:
  botvisor serve                         # defaults and BOTVISOR_* env
  botvisor serve botvisor.toml
  botvisor serve --daemonize --logfile=/var/log/botvisor.out`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := globalFlags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			if serveFlags.Daemonize {
				return daemonize(serveFlags.LogFile)
			}
			return runServe(cmd, path)
		},
	}
	cmd.Flags().BoolVar(&serveFlags.Daemonize, "daemonize", false, "run as daemon in background")
	cmd.Flags().StringVar(&serveFlags.LogFile, "logfile", "", "redirect daemon stdout/stderr to file")
	return cmd
}

func runServe(cmd *cobra.Command, path string) error {
	cfg, err := botvisor.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	log, closer, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	d, err := botvisor.NewDaemon(cfg, log)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	log.Info("botvisor starting", "runtime_dir", cfg.RuntimeDir, "socket", cfg.SocketPath())
	if err := d.Run(ctx); err != nil {
		return err
	}
	log.Info("botvisor stopped")
	return nil
}
