// Package history exports supervisor lifecycle events to external stores.
// Sinks are best effort: a failing sink never fails the request that
// produced the event.
package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStart   EventType = "start"
	EventStop    EventType = "stop"
	EventRestart EventType = "restart"
	EventFail    EventType = "fail"
)

// Table is the default table or index name used by every sink.
const Table = "module_history"

// Event is one lifecycle transition of an identity.
type Event struct {
	Type       EventType `json:"type"`
	Identity   string    `json:"identity"`
	PID        int       `json:"pid"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NullableError returns Error or nil, for nullable columns.
func (e Event) NullableError() any {
	if e.Error == "" {
		return nil
	}
	return e.Error
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Recorder fans events out to every configured sink.
type Recorder struct {
	log     *slog.Logger
	timeout time.Duration

	mu    sync.RWMutex
	sinks []Sink
}

// NewRecorder returns a recorder writing to sinks.
func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{log: log, timeout: 5 * time.Second, sinks: append([]Sink(nil), sinks...)}
}

// SetSinks replaces the sink list.
func (r *Recorder) SetSinks(sinks ...Sink) {
	r.mu.Lock()
	r.sinks = append([]Sink(nil), sinks...)
	r.mu.Unlock()
}

// Record sends e to every sink. Failures are logged and joined into the
// returned error. A nil Recorder records nothing.
func (r *Recorder) Record(ctx context.Context, e Event) error {
	if r == nil {
		return nil
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	r.mu.RLock()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.RUnlock()
	if len(sinks) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var errs []error
	for _, s := range sinks {
		if err := s.Send(ctx, e); err != nil {
			r.log.Warn("history sink failed", "type", e.Type, "identity", e.Identity, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that supports it.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = nil
	r.mu.Unlock()
	var errs []error
	for _, s := range sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
