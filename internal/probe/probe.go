// Package probe reconciles the three liveness signals for an identity: the
// registry PID file, the OS-level existence of that PID and a ping/pong round
// trip over the bus. No single signal is trusted alone.
package probe

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/botvisor/internal/bus"
	"github.com/loykin/botvisor/internal/identity"
	"github.com/loykin/botvisor/internal/message"
	"github.com/loykin/botvisor/internal/process"
	"github.com/loykin/botvisor/internal/registry"
)

// DefaultTimeout bounds the wait for a pong.
const DefaultTimeout = time.Second

// Prober computes composite statuses.
type Prober struct {
	bus     bus.Bus
	reg     *registry.Registry
	origin  identity.Identity
	timeout time.Duration
	log     *slog.Logger
	observe func(message.ProcessState)
}

// Option configures a Prober.
type Option func(*Prober)

// WithTimeout sets the pong wait.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Prober) {
		if l != nil {
			p.log = l
		}
	}
}

// WithObserver is called with the process state of every finished probe.
func WithObserver(fn func(message.ProcessState)) Option {
	return func(p *Prober) { p.observe = fn }
}

// New returns a prober that publishes pings on b and reads PID files from
// reg. Pong topics are scoped under origin.
func New(b bus.Bus, reg *registry.Registry, origin identity.Identity, opts ...Option) *Prober {
	p := &Prober{bus: b, reg: reg, origin: origin, timeout: DefaultTimeout, log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Timeout returns the configured pong wait.
func (p *Prober) Timeout() time.Duration { return p.timeout }

// fileSignal is the registry half of a probe.
type fileSignal struct {
	state message.PIDFileState
	entry registry.Entry
}

func (p *Prober) readFile(id identity.Identity) fileSignal {
	e, err := p.reg.ReadPID(id)
	switch {
	case err == nil:
		return fileSignal{state: message.PIDFileValid, entry: e}
	case errors.Is(err, registry.ErrMissing):
		return fileSignal{state: message.PIDFileMissing}
	case errors.Is(err, registry.ErrInvalid):
		return fileSignal{state: message.PIDFileInvalid}
	default:
		p.log.Warn("pid file unreadable", "identity", id.String(), "error", err)
		return fileSignal{state: message.PIDFileInvalid}
	}
}

// Probe runs the full check. It waits at most the probe timeout, or less if
// ctx ends first, and always releases its reply subscription.
func (p *Prober) Probe(ctx context.Context, id identity.Identity) message.Status {
	file := p.readFile(id)
	st := p.probe(ctx, id, file)
	if p.observe != nil {
		p.observe(st.ProcessState)
	}
	return st
}

func (p *Prober) probe(ctx context.Context, id identity.Identity, file fileSignal) message.Status {
	reqID := uuid.NewString()
	replyTo := p.origin.Topic("probe", reqID)
	pongs := make(chan message.Pong, 1)

	sub, err := p.bus.Subscribe(ctx, message.PongTopic(replyTo), func(_ context.Context, m bus.Message) {
		pong, err := message.DecodePong(m.Payload)
		if err != nil || pong.RequestID != reqID {
			return
		}
		select {
		case pongs <- pong:
		default:
		}
	})
	if err != nil {
		p.log.Warn("probe subscribe failed", "identity", id.String(), "error", err)
		return fromFile(id, file, false)
	}
	defer func() { _ = sub.Unsubscribe() }()

	ping := message.Ping{RequestID: reqID, ReplyTo: replyTo}
	if err := p.bus.Publish(ctx, message.PingTopic(id), message.Encode(ping)); err != nil {
		p.log.Warn("probe publish failed", "identity", id.String(), "error", err)
		return fromFile(id, file, false)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case pong := <-pongs:
		return fromPong(id, file, pong)
	case <-timer.C:
	case <-ctx.Done():
	}
	return fromFile(id, file, false)
}

// Quick is the local-only check used for fleet-wide sweeps: PID file parse
// plus existence and start-time test, no bus traffic.
func (p *Prober) Quick(id identity.Identity) message.Status {
	st := fromFile(id, p.readFile(id), true)
	if p.observe != nil {
		p.observe(st.ProcessState)
	}
	return st
}

func fromPong(id identity.Identity, file fileSignal, pong message.Pong) message.Status {
	st := message.Status{
		Identity:     id.String(),
		PID:          message.IntPtr(pong.PID),
		ProcessState: message.ProcessRunning,
		PIDFileState: file.state,
		Reported:     pong.Status,
		DetectedBy:   message.DetectedByPing,
	}
	if file.state == message.PIDFileValid && file.entry.PID != pong.PID {
		st.PIDFileState = message.PIDFileStale
	}
	return st
}

// fromFile resolves a status without a pong. quick marks a live PID as
// Running instead of Unresponsive.
func fromFile(id identity.Identity, file fileSignal, quick bool) message.Status {
	st := message.Status{Identity: id.String(), PIDFileState: file.state}
	if file.state != message.PIDFileValid {
		st.ProcessState = message.ProcessStopped
		return st
	}
	pid := file.entry.PID
	st.PID = message.IntPtr(pid)
	switch {
	case !process.Exists(pid):
		st.ProcessState = message.ProcessStopped
		st.PIDFileState = message.PIDFileStale
	case !process.SameStart(pid, file.entry.StartUnix):
		st.ProcessState = message.ProcessStale
		st.PIDFileState = message.PIDFileStale
	case quick:
		st.ProcessState = message.ProcessRunning
		st.DetectedBy = message.DetectedByPIDFile
	default:
		st.ProcessState = message.ProcessUnresponsive
	}
	return st
}
