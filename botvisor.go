// Package botvisor wires the supervisor, watchdog, bus broker and optional
// HTTP API into one daemon, and offers a small facade for embedding and for
// CLI clients.
package botvisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/botvisor/internal/bus"
	"github.com/loykin/botvisor/internal/config"
	"github.com/loykin/botvisor/internal/env"
	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/history/factory"
	"github.com/loykin/botvisor/internal/message"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/registry"
	"github.com/loykin/botvisor/internal/server"
	"github.com/loykin/botvisor/internal/supervisor"
	tlsutil "github.com/loykin/botvisor/internal/tls"
	"github.com/loykin/botvisor/internal/watchdog"
	"github.com/loykin/botvisor/pkg/client"
)

// Re-export core types for external consumers.

type Config = config.Config

type Status = message.Status

type Client = client.Client

type StopOptions = client.StopOptions

// LoadConfig reads a TOML file (path may be empty) with env overrides.
func LoadConfig(path string) (*Config, error) { return config.Load(path) }

// Daemon is the long-running control plane.
type Daemon struct {
	cfg *Config
	log *slog.Logger

	hub       *bus.Local
	broker    *bus.Broker
	reg       *registry.Registry
	history   *history.Recorder
	sup       *supervisor.Supervisor
	wd        *watchdog.Watchdog
	resources *metrics.ResourceCollector
}

// NewDaemon builds every component from cfg without starting anything.
func NewDaemon(cfg *Config, log *slog.Logger) (*Daemon, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	sinks, err := factory.NewSinks(cfg.History.Sinks)
	if err != nil {
		return nil, fmt.Errorf("history sinks: %w", err)
	}
	rec := history.NewRecorder(log, sinks...)

	globals, err := cfg.GlobalEnv()
	if err != nil {
		_ = rec.Close()
		return nil, fmt.Errorf("global env: %w", err)
	}
	reg, err := registry.New(cfg.ProcDir())
	if err != nil {
		_ = rec.Close()
		return nil, err
	}

	hub := bus.NewLocal(bus.WithLogger(log), bus.WithDropHook(metrics.IncBusDropped))
	d := &Daemon{
		cfg:     cfg,
		log:     log,
		hub:     hub,
		broker:  bus.NewBroker(hub, cfg.SocketPath(), log),
		reg:     reg,
		history: rec,
	}

	modules := make(map[string]supervisor.Module, len(cfg.Modules))
	for name, m := range cfg.Modules {
		modules[name] = supervisor.Module{Command: m.Command, Args: m.Args, Env: m.Env, WorkDir: m.WorkDir}
	}
	d.sup, err = supervisor.New(supervisor.Config{
		Identity: cfg.SupervisorIdentity(),
		Bus:      hub,
		Registry: reg,
		Resolver: supervisor.Resolver{
			ModulesDir: cfg.ModulesDir(),
			Modules:    modules,
			Env:        env.Empty().WithPairs(globals),
		},
		RuntimeDir:   cfg.RuntimeDir,
		BusSocket:    cfg.SocketPath(),
		LogDir:       cfg.LogDir(),
		ReadyTimeout: cfg.Supervisor.ReadyTimeout,
		ProbeTimeout: cfg.Supervisor.ProbeTimeout,
		StopTimeout:  cfg.Supervisor.StopTimeout,
		History:      rec,
		Logger:       log,
	})
	if err != nil {
		d.closeAll()
		return nil, err
	}

	if cfg.Watchdog.Enabled {
		d.wd, err = watchdog.New(watchdog.Config{
			Identity:     cfg.WatchdogIdentity(),
			Supervisor:   cfg.SupervisorIdentity(),
			Bus:          hub,
			Registry:     reg,
			Interval:     cfg.Watchdog.Interval,
			Threshold:    cfg.Watchdog.Threshold,
			Parallelism:  cfg.Watchdog.Parallelism,
			ProbeTimeout: cfg.Supervisor.ProbeTimeout,
			History:      rec,
			Logger:       log,
		})
		if err != nil {
			d.closeAll()
			return nil, err
		}
	}
	if cfg.Metrics.Enabled {
		d.resources = metrics.NewResourceCollector(cfg.Metrics.ResourceInterval, d.sup.Targets, log)
	}
	return d, nil
}

// Bus returns the in-process hub.
func (d *Daemon) Bus() bus.Bus { return d.hub }

// Client returns a client bound to the in-process hub.
func (d *Daemon) Client(timeout time.Duration) *Client {
	return client.New(client.Config{Bus: d.hub, Supervisor: d.cfg.SupervisorIdentity(), Timeout: timeout, Logger: d.log})
}

// Run serves until ctx ends. A supervisor identity held by another live
// process fails Run before anything is served.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.closeAll()
	if err := d.broker.Listen(); err != nil {
		return err
	}
	if err := d.sup.Open(ctx); err != nil {
		_ = d.broker.Close()
		return err
	}

	var srv *http.Server
	if d.cfg.HTTP.Listen != "" {
		router := server.NewRouter(d.Client(0), d.cfg.HTTP.BasePath)
		if d.resources != nil {
			router.WithResources(d.resources)
		}
		tlsConfig, err := tlsutil.Setup(d.cfg.HTTP.TLS)
		if err == nil {
			srv, err = server.NewServer(d.cfg.HTTP.Listen, router, tlsConfig)
		}
		if err != nil {
			_ = d.sup.Close()
			_ = d.broker.Close()
			return err
		}
		d.log.Info("http api listening", "addr", d.cfg.HTTP.Listen, "base", d.cfg.HTTP.BasePath, "tls", tlsConfig != nil)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.broker.Serve(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return d.sup.Close()
	})
	if d.wd != nil {
		g.Go(func() error { return d.wd.Run(gctx) })
	}
	if d.resources != nil {
		g.Go(func() error {
			d.resources.Run(gctx)
			return nil
		})
	}
	if srv != nil {
		g.Go(func() error {
			<-gctx.Done()
			return srv.Close()
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (d *Daemon) closeAll() {
	_ = d.history.Close()
	_ = d.hub.Close()
}

// Dial connects a client to a running daemon through its bus socket. The
// returned closer releases the connection.
func Dial(ctx context.Context, cfg *Config, timeout time.Duration, log *slog.Logger) (*Client, func() error, error) {
	conn, err := bus.Dial(ctx, cfg.SocketPath(), bus.WithLogger(log))
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", cfg.SocketPath(), err)
	}
	c := client.New(client.Config{Bus: conn, Supervisor: cfg.SupervisorIdentity(), Timeout: timeout, Logger: log})
	return c, conn.Close, nil
}
