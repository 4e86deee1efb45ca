// Package supervisor starts, stops and reports on module processes in
// response to requests received over the control-plane bus.
//
// Requests naming the same identity are serialized through a per-identity
// handler goroutine; different identities proceed in parallel. Status
// requests are read-only and bypass the handlers.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loykin/botvisor/internal/bus"
	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/identity"
	"github.com/loykin/botvisor/internal/message"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/probe"
	"github.com/loykin/botvisor/internal/registry"
)

// Defaults for zero Config durations.
const (
	DefaultReadyTimeout = 10 * time.Second
	DefaultStopTimeout  = 5 * time.Second
	killGrace           = 2 * time.Second
	pollInterval        = 50 * time.Millisecond
)

// Config wires a Supervisor. Bus, Registry and LogDir are required.
type Config struct {
	Identity     identity.Identity
	Bus          bus.Bus
	Registry     *registry.Registry
	Resolver     Resolver
	RuntimeDir   string // exported to children as BOTVISOR_RUNTIME_DIR
	BusSocket    string // exported to children as BOTVISOR_BUS_SOCKET when set
	LogDir       string
	ReadyTimeout time.Duration
	ProbeTimeout time.Duration
	StopTimeout  time.Duration
	History      *history.Recorder
	Logger       *slog.Logger
}

// Supervisor owns the lifecycle of every module identity in one runtime
// directory.
type Supervisor struct {
	id           identity.Identity
	bus          bus.Bus
	reg          *registry.Registry
	prober       *probe.Prober
	resolver     Resolver
	runtimeDir   string
	busSocket    string
	logDir       string
	readyTimeout time.Duration
	stopTimeout  time.Duration
	history      *history.Recorder
	log          *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	handlers map[string]*handler
	lock     *registry.Lock
	subs     []bus.Subscription
	inflight sync.WaitGroup
}

// New validates cfg and builds a Supervisor. Nothing is claimed or
// subscribed until Open.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Bus == nil || cfg.Registry == nil {
		return nil, errors.New("supervisor: bus and registry required")
	}
	if cfg.LogDir == "" {
		return nil, errors.New("supervisor: log dir required")
	}
	if cfg.Identity.IsZero() {
		cfg.Identity = identity.Identity{Name: "supervisor"}
	}
	if err := cfg.Identity.Validate(); err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "supervisor")
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		id:  cfg.Identity,
		bus: cfg.Bus,
		reg: cfg.Registry,
		prober: probe.New(cfg.Bus, cfg.Registry, cfg.Identity,
			probe.WithTimeout(cfg.ProbeTimeout),
			probe.WithLogger(log),
			probe.WithObserver(func(st message.ProcessState) { metrics.IncProbe(string(st)) })),
		resolver:     cfg.Resolver,
		runtimeDir:   cfg.RuntimeDir,
		busSocket:    cfg.BusSocket,
		logDir:       cfg.LogDir,
		readyTimeout: cfg.ReadyTimeout,
		stopTimeout:  cfg.StopTimeout,
		history:      cfg.History,
		log:          log,
		ctx:          ctx,
		cancel:       cancel,
		handlers:     make(map[string]*handler),
	}, nil
}

// Identity returns the supervisor's own identity.
func (s *Supervisor) Identity() identity.Identity { return s.id }

// Prober exposes the prober the supervisor uses.
func (s *Supervisor) Prober() *probe.Prober { return s.prober }

// Open claims the supervisor identity, answers pings on it and starts
// routing requests. Failing to claim the identity is fatal to the caller.
func (s *Supervisor) Open(ctx context.Context) error {
	lock, err := s.reg.ClaimOwn(s.id)
	if err != nil {
		return fmt.Errorf("supervisor: claim %s: %w", s.id, err)
	}
	pong, err := probe.Respond(s.ctx, s.bus, s.id, os.Getpid(), s.statusLine, s.log)
	if err != nil {
		_ = lock.Release()
		return fmt.Errorf("supervisor: answer pings: %w", err)
	}
	reqs, err := s.bus.Subscribe(ctx, message.RequestPattern(s.id), s.route)
	if err != nil {
		_ = pong.Unsubscribe()
		_ = lock.Release()
		return fmt.Errorf("supervisor: subscribe requests: %w", err)
	}
	s.mu.Lock()
	s.lock = lock
	s.subs = append(s.subs, pong, reqs)
	s.mu.Unlock()
	s.log.Info("supervisor ready", "identity", s.id.String(), "pid", os.Getpid())
	return nil
}

// Run opens the supervisor and serves until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Open(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return s.Close()
}

// Close stops routing, waits for in-flight requests and releases the
// supervisor identity. Modules keep running.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	subs := s.subs
	s.subs = nil
	lock := s.lock
	s.lock = nil
	s.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	s.cancel()
	s.inflight.Wait()
	if lock != nil {
		return lock.Release()
	}
	return nil
}

func (s *Supervisor) statusLine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("ok, %d identities active", len(s.handlers))
}

// route is the bus entry point. Replies are produced off the subscription
// goroutine so a slow start never holds up other identities.
func (s *Supervisor) route(_ context.Context, m bus.Message) {
	req, err := message.DecodeRequest(m.Payload)
	if err == nil {
		if action := m.Topic[strings.LastIndex(m.Topic, bus.Separator)+1:]; action != string(req.Action) {
			err = fmt.Errorf("%w: action %q published on %s", message.ErrInvalidMessage, req.Action, m.Topic)
		}
	}
	if err != nil {
		s.log.Warn("rejecting request", "topic", m.Topic, "error", err)
		metrics.IncRequest(string(req.Action), string(message.ResultFail))
		if req.MessageID != "" && req.Notify != "" {
			s.publish(req.Notify, failed(req, message.Errorf(message.KindInvalidRequest, "%v", err)))
		}
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.inflight.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.inflight.Done()
		s.publish(req.Notify, s.Handle(s.ctx, req))
	}()
}

func (s *Supervisor) publish(notify string, r message.Reply) {
	if err := s.bus.Publish(s.ctx, message.ReplyTopic(notify), message.Encode(r)); err != nil {
		s.log.Warn("reply publish failed", "notify", notify, "messageId", r.MessageID, "error", err)
	}
}

// Handle executes one request and returns its reply. It never panics on
// bad input; every failure becomes a fail reply.
func (s *Supervisor) Handle(ctx context.Context, req message.Request) message.Reply {
	started := time.Now()
	r := s.handle(ctx, req)
	metrics.IncRequest(string(req.Action), string(r.Result))
	s.log.Info("request handled",
		"action", req.Action, "target", req.Target, "result", r.Result,
		"message", r.Message, "took", time.Since(started))
	return r
}

func (s *Supervisor) handle(ctx context.Context, req message.Request) message.Reply {
	if err := req.Validate(); err != nil {
		return failed(req, message.Errorf(message.KindInvalidRequest, "%v", err))
	}
	switch req.Action {
	case message.ActionStart, message.ActionStop:
		id, _ := req.TargetIdentity()
		if req.Action == message.ActionStop && id == s.id {
			return failed(req, message.Errorf(message.KindInvalidRequest, "%s cannot stop itself", s.id))
		}
		return s.dispatch(ctx, id, req)
	case message.ActionStatus:
		id, _ := req.TargetIdentity()
		st := s.prober.Probe(ctx, id)
		r := message.NewReply(req)
		r.Status = &st
		return r
	case message.ActionModuleStatus:
		return s.moduleStatus(req)
	default:
		return failed(req, message.Errorf(message.KindInvalidRequest, "unknown action %q", req.Action))
	}
}

// dispatch runs req on id's handler, creating the handler on first use.
func (s *Supervisor) dispatch(ctx context.Context, id identity.Identity, req message.Request) message.Reply {
	s.mu.Lock()
	h, ok := s.handlers[id.String()]
	if !ok {
		hctx, cancel := context.WithCancel(s.ctx)
		h = newHandler(id, s.exec, s.handlerDone)
		h.cancel = cancel
		s.handlers[id.String()] = h
		go h.run(hctx)
	}
	h.pending++
	s.mu.Unlock()

	r, queued := h.submit(ctx, req)
	if !queued {
		s.handlerDone(h)
	}
	return r
}

// handlerDone retires h once nothing is queued on it and its identity holds
// no lock file. The next request for the identity starts a fresh handler.
func (s *Supervisor) handlerDone(h *handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h.pending--
	if h.pending > 0 || s.reg.Exists(h.id) {
		return
	}
	if s.handlers[h.id.String()] == h {
		delete(s.handlers, h.id.String())
	}
	h.cancel()
}

func (s *Supervisor) handlerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// exec runs on the identity's handler goroutine.
func (s *Supervisor) exec(ctx context.Context, id identity.Identity, req message.Request) message.Reply {
	var (
		pid int
		err error
	)
	switch req.Action {
	case message.ActionStart:
		pid, err = s.start(ctx, id, req.Args)
	case message.ActionStop:
		pid, err = s.stop(ctx, id, req.Confirm, req.Force)
	default:
		err = message.Errorf(message.KindInternal, "%s is not a lifecycle action", req.Action)
	}
	r := message.NewReply(req)
	r.ChildPID = message.IntPtr(pid)
	if err != nil {
		r.Fail(err)
	}
	return r
}

func (s *Supervisor) moduleStatus(req message.Request) message.Reply {
	ids, err := s.reg.List()
	if err != nil {
		return failed(req, message.Errorf(message.KindInternal, "%v", err))
	}
	r := message.NewReply(req)
	r.Statuses = make([]message.Status, 0, len(ids))
	alive := 0
	for _, id := range ids {
		st := s.prober.Quick(id)
		if st.Alive() {
			alive++
		}
		r.Statuses = append(r.Statuses, st)
	}
	metrics.SetManagedProcesses(alive)
	return r
}

// Targets maps every registered identity to its recorded PID, for
// resource sampling.
func (s *Supervisor) Targets() map[string]int32 {
	ids, err := s.reg.List()
	if err != nil {
		return nil
	}
	out := make(map[string]int32, len(ids))
	for _, id := range ids {
		if e, err := s.reg.ReadPID(id); err == nil {
			out[id.String()] = int32(e.PID)
		}
	}
	return out
}

func (s *Supervisor) record(ctx context.Context, t history.EventType, id identity.Identity, pid int, err error) {
	e := history.Event{Type: t, Identity: id.String(), PID: pid, OccurredAt: time.Now().UTC()}
	if err != nil {
		e.Error = err.Error()
	}
	_ = s.history.Record(ctx, e)
}
