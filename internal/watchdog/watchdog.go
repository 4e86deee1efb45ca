// Package watchdog periodically probes every registered identity and
// restarts the ones that keep running without answering pings.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/botvisor/internal/bus"
	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/identity"
	"github.com/loykin/botvisor/internal/message"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/probe"
	"github.com/loykin/botvisor/internal/registry"
	"github.com/loykin/botvisor/pkg/client"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultThreshold   = 3
	DefaultParallelism = 8
)

// Restarter performs the restart of an identity. *client.Client is one.
type Restarter interface {
	Restart(ctx context.Context, target identity.Identity, args ...string) (int, error)
}

// Config wires a Watchdog. Bus and Registry are required.
type Config struct {
	Identity     identity.Identity // default "watchdog"
	Supervisor   identity.Identity // default "supervisor"
	Bus          bus.Bus
	Registry     *registry.Registry
	Restarter    Restarter // default: a pkg/client over Bus
	Interval     time.Duration
	Threshold    int
	Parallelism  int
	ProbeTimeout time.Duration
	History      *history.Recorder // restart events; optional
	Logger       *slog.Logger
}

// Watchdog counts consecutive Unresponsive probes per identity. An
// identity seen Unresponsive on more than Threshold consecutive ticks is
// restarted and its counter reset.
type Watchdog struct {
	id          identity.Identity
	sup         identity.Identity
	bus         bus.Bus
	reg         *registry.Registry
	prober      *probe.Prober
	restarter   Restarter
	interval    time.Duration
	threshold   int
	parallelism int
	history     *history.Recorder
	log         *slog.Logger

	mu      sync.Mutex
	strikes map[string]int
}

func New(cfg Config) (*Watchdog, error) {
	if cfg.Bus == nil || cfg.Registry == nil {
		return nil, errors.New("watchdog: bus and registry required")
	}
	if cfg.Identity.IsZero() {
		cfg.Identity = identity.Identity{Name: "watchdog"}
	}
	if cfg.Supervisor.IsZero() {
		cfg.Supervisor = identity.Identity{Name: "supervisor"}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Threshold < 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "watchdog")
	if cfg.Restarter == nil {
		cfg.Restarter = client.New(client.Config{
			Bus:          cfg.Bus,
			Supervisor:   cfg.Supervisor,
			NotifyPrefix: cfg.Identity.Topic("client"),
			Timeout:      30 * time.Second,
			Logger:       log,
		})
	}
	return &Watchdog{
		id:  cfg.Identity,
		sup: cfg.Supervisor,
		bus: cfg.Bus,
		reg: cfg.Registry,
		prober: probe.New(cfg.Bus, cfg.Registry, cfg.Identity,
			probe.WithTimeout(cfg.ProbeTimeout),
			probe.WithLogger(log),
			probe.WithObserver(func(st message.ProcessState) { metrics.IncProbe(string(st)) })),
		restarter:   cfg.Restarter,
		interval:    cfg.Interval,
		threshold:   cfg.Threshold,
		parallelism: cfg.Parallelism,
		history:     cfg.History,
		log:         log,
		strikes:     make(map[string]int),
	}, nil
}

// Identity returns the watchdog's own identity.
func (w *Watchdog) Identity() identity.Identity { return w.id }

// Run claims the watchdog identity, answers pings on it and ticks until
// ctx ends.
func (w *Watchdog) Run(ctx context.Context) error {
	lock, err := w.reg.ClaimOwn(w.id)
	if err != nil {
		return fmt.Errorf("watchdog: claim %s: %w", w.id, err)
	}
	defer func() { _ = lock.Release() }()
	pong, err := probe.Respond(ctx, w.bus, w.id, os.Getpid(), nil, w.log)
	if err != nil {
		return fmt.Errorf("watchdog: answer pings: %w", err)
	}
	defer func() { _ = pong.Unsubscribe() }()

	w.log.Info("watchdog running", "interval", w.interval, "threshold", w.threshold)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
				w.log.Warn("watchdog tick failed", "error", err)
			}
		}
	}
}

// Tick probes every identity once and restarts those over the threshold.
// It returns the identities it tried to restart.
func (w *Watchdog) Tick(ctx context.Context) ([]identity.Identity, error) {
	all, err := w.reg.List()
	if err != nil {
		return nil, err
	}
	ids := all[:0]
	for _, id := range all {
		if id != w.sup && id != w.id {
			ids = append(ids, id)
		}
	}

	states := make([]message.ProcessState, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.parallelism)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			states[i] = w.prober.Probe(gctx, id).ProcessState
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	due := w.count(ids, states)
	var errs []error
	for _, id := range due {
		w.log.Warn("restarting unresponsive module", "identity", id.String(), "ticks", w.threshold+1)
		pid, err := w.restarter.Restart(ctx, id)
		e := history.Event{Type: history.EventRestart, Identity: id.String(), PID: pid}
		if err != nil {
			e.Error = err.Error()
			_ = w.history.Record(ctx, e)
			errs = append(errs, fmt.Errorf("restart %s: %w", id, err))
			continue
		}
		_ = w.history.Record(ctx, e)
		metrics.IncWatchdogRestart(id.Name)
		w.log.Info("module restarted", "identity", id.String(), "pid", pid)
	}
	return due, errors.Join(errs...)
}

// count updates strike counters and returns the identities that are due.
func (w *Watchdog) count(ids []identity.Identity, states []message.ProcessState) []identity.Identity {
	w.mu.Lock()
	defer w.mu.Unlock()
	seen := make(map[string]struct{}, len(ids))
	var due []identity.Identity
	for i, id := range ids {
		key := id.String()
		seen[key] = struct{}{}
		if states[i] != message.ProcessUnresponsive {
			delete(w.strikes, key)
			continue
		}
		w.strikes[key]++
		if w.strikes[key] > w.threshold {
			delete(w.strikes, key)
			due = append(due, id)
		}
	}
	for key := range w.strikes {
		if _, ok := seen[key]; !ok {
			delete(w.strikes, key)
		}
	}
	return due
}

// Strikes returns the current consecutive Unresponsive count of id.
func (w *Watchdog) Strikes(id identity.Identity) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.strikes[id.String()]
}
