package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shirou/gopsutil/v4/process"
)

var (
	resourceCPU = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "cpu_percent",
			Help:      "CPU usage of a managed module.",
		}, []string{"identity"},
	)
	resourceRSS = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "memory_rss_bytes",
			Help:      "Resident memory of a managed module.",
		}, []string{"identity"},
	)
	resourceThreads = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "module",
			Name:      "threads",
			Help:      "Thread count of a managed module.",
		}, []string{"identity"},
	)
)

// Usage is one resource sample of a module process.
type Usage struct {
	Identity   string    `json:"identity"`
	PID        int32     `json:"pid"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryRSS  uint64    `json:"memory_rss"`
	NumThreads int32     `json:"num_threads"`
	Timestamp  time.Time `json:"timestamp"`
}

// Sample reads the resource usage of pid.
func Sample(ctx context.Context, pid int32) (Usage, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Usage{}, err
	}
	u := Usage{PID: pid, Timestamp: time.Now()}
	if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
		u.CPUPercent = cpu
	}
	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		u.MemoryRSS = mem.RSS
	}
	if n, err := p.NumThreadsWithContext(ctx); err == nil {
		u.NumThreads = n
	}
	return u, nil
}

// ResourceCollector periodically samples every managed module and exports
// per-identity gauges. Series of identities that disappeared are deleted.
type ResourceCollector struct {
	interval time.Duration
	targets  func() map[string]int32
	log      *slog.Logger

	mu     sync.RWMutex
	latest map[string]Usage
}

// NewResourceCollector samples targets() every interval.
func NewResourceCollector(interval time.Duration, targets func() map[string]int32, log *slog.Logger) *ResourceCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &ResourceCollector{interval: interval, targets: targets, log: log, latest: make(map[string]Usage)}
}

// Run samples until ctx is done.
func (c *ResourceCollector) Run(ctx context.Context) {
	t := time.NewTicker(c.interval)
	defer t.Stop()
	c.Collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.Collect(ctx)
		}
	}
}

// Collect takes one sample of every target.
func (c *ResourceCollector) Collect(ctx context.Context) {
	targets := c.targets()
	next := make(map[string]Usage, len(targets))
	for id, pid := range targets {
		u, err := Sample(ctx, pid)
		if err != nil {
			c.log.Debug("resource sample failed", "identity", id, "pid", pid, "error", err)
			continue
		}
		u.Identity = id
		next[id] = u
		if regOK.Load() {
			resourceCPU.WithLabelValues(id).Set(u.CPUPercent)
			resourceRSS.WithLabelValues(id).Set(float64(u.MemoryRSS))
			resourceThreads.WithLabelValues(id).Set(float64(u.NumThreads))
		}
	}
	c.mu.Lock()
	for id := range c.latest {
		if _, ok := next[id]; !ok && regOK.Load() {
			resourceCPU.DeleteLabelValues(id)
			resourceRSS.DeleteLabelValues(id)
			resourceThreads.DeleteLabelValues(id)
		}
	}
	c.latest = next
	c.mu.Unlock()
}

// Latest returns the most recent sample of id.
func (c *ResourceCollector) Latest(id string) (Usage, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.latest[id]
	return u, ok
}

// All returns a copy of the most recent samples.
func (c *ResourceCollector) All() map[string]Usage {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Usage, len(c.latest))
	for k, v := range c.latest {
		out[k] = v
	}
	return out
}
