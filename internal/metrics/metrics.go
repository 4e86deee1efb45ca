package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "botvisor"

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	supervisorRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "requests_total",
			Help:      "Supervisor requests handled, by action and result.",
		}, []string{"action", "result"},
	)
	processStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "starts_total",
			Help:      "Number of modules that completed the ready handshake.",
		}, []string{"name"},
	)
	processStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "stops_total",
			Help:      "Number of stop signals delivered.",
		}, []string{"name"},
	)
	probeResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "results_total",
			Help:      "Liveness probe verdicts by process state.",
		}, []string{"state"},
	)
	watchdogRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "watchdog",
			Name:      "restarts_total",
			Help:      "Restarts issued by the watchdog.",
		}, []string{"name"},
	)
	busDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "dropped_total",
			Help:      "Messages dropped because a subscriber queue was full.",
		},
	)
	managedProcesses = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "managed_processes",
			Help:      "Identities currently holding a lock file.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		supervisorRequests, processStarts, processStops, probeResults,
		watchdogRestarts, busDropped, managedProcesses,
		resourceCPU, resourceRSS, resourceThreads,
	}
}

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	for _, c := range collectors() {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler serves the default gatherer.
func Handler() http.Handler { return promhttp.Handler() }

// The helpers below no-op until Register succeeded.

func IncRequest(action, result string) {
	if regOK.Load() {
		supervisorRequests.WithLabelValues(action, result).Inc()
	}
}

func IncStart(name string) {
	if regOK.Load() {
		processStarts.WithLabelValues(name).Inc()
	}
}

func IncStop(name string) {
	if regOK.Load() {
		processStops.WithLabelValues(name).Inc()
	}
}

func IncProbe(state string) {
	if regOK.Load() {
		probeResults.WithLabelValues(state).Inc()
	}
}

func IncWatchdogRestart(name string) {
	if regOK.Load() {
		watchdogRestarts.WithLabelValues(name).Inc()
	}
}

// IncBusDropped has the signature of a bus drop hook.
func IncBusDropped(string) {
	if regOK.Load() {
		busDropped.Inc()
	}
}

func SetManagedProcesses(n int) {
	if regOK.Load() {
		managedProcesses.Set(float64(n))
	}
}
