// Package client sends supervisor requests over the control-plane bus and
// waits for the matching reply.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/botvisor/internal/bus"
	"github.com/loykin/botvisor/internal/identity"
	"github.com/loykin/botvisor/internal/message"
)

// DefaultTimeout bounds the wait for a reply.
const DefaultTimeout = 5 * time.Second

// DefaultNotifyPrefix scopes reply topics of clients that set none.
const DefaultNotifyPrefix = "cli"

// ErrTimeout means no reply arrived in time. The request may still have
// been carried out.
var ErrTimeout = errors.New("client: no reply from supervisor")

// Config holds client configuration
type Config struct {
	Bus          bus.Bus
	Supervisor   identity.Identity
	Timeout      time.Duration
	NotifyPrefix string       // reply topics are <prefix>.<uuid>.reply
	Logger       *slog.Logger // Optional logger for client operations
}

// Client issues requests to one supervisor.
type Client struct {
	bus     bus.Bus
	sup     identity.Identity
	timeout time.Duration
	prefix  string
	logger  *slog.Logger
}

// New creates a client. A zero Supervisor means "supervisor".
func New(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultTimeout
	}
	if config.NotifyPrefix == "" {
		config.NotifyPrefix = DefaultNotifyPrefix
	}
	if config.Supervisor.IsZero() {
		config.Supervisor = identity.Identity{Name: "supervisor"}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		bus:     config.Bus,
		sup:     config.Supervisor,
		timeout: config.Timeout,
		prefix:  config.NotifyPrefix,
		logger:  config.Logger,
	}
}

// Do publishes req and waits for its reply. MessageID and Notify are filled
// in when empty. A failed reply is returned together with its error.
func (c *Client) Do(ctx context.Context, req message.Request) (message.Reply, error) {
	if req.MessageID == "" {
		req.MessageID = uuid.NewString()
	}
	if req.Notify == "" {
		req.Notify = c.prefix + "." + uuid.NewString()
	}
	if err := req.Validate(); err != nil {
		return message.Reply{}, err
	}

	replies := make(chan message.Reply, 1)
	sub, err := c.bus.Subscribe(ctx, message.ReplyTopic(req.Notify), func(_ context.Context, m bus.Message) {
		r, err := message.DecodeReply(m.Payload)
		if err != nil {
			c.logger.Debug("ignoring malformed reply", "topic", m.Topic, "error", err)
			return
		}
		if r.MessageID != req.MessageID {
			return
		}
		select {
		case replies <- r:
		default:
		}
	})
	if err != nil {
		return message.Reply{}, fmt.Errorf("client: subscribe reply: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := c.bus.Publish(ctx, message.RequestTopic(c.sup, req.Action), message.Encode(req)); err != nil {
		return message.Reply{}, fmt.Errorf("client: publish request: %w", err)
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case r := <-replies:
		return r, r.Err()
	case <-timer.C:
		return message.Reply{}, fmt.Errorf("%w: %s %s after %s", ErrTimeout, req.Action, req.Target, c.timeout)
	case <-ctx.Done():
		return message.Reply{}, ctx.Err()
	}
}

// Start asks the supervisor to start target and returns the child PID.
func (c *Client) Start(ctx context.Context, target identity.Identity, args ...string) (int, error) {
	r, err := c.Do(ctx, message.Request{Action: message.ActionStart, Target: target.String(), Args: args})
	return pidOf(r), err
}

// StopOptions selects how hard a stop tries.
type StopOptions struct {
	Confirm bool // wait for the process to exit
	Force   bool // SIGKILL at the deadline
}

// Stop asks the supervisor to stop target and returns the signalled PID.
func (c *Client) Stop(ctx context.Context, target identity.Identity, opts StopOptions) (int, error) {
	r, err := c.Do(ctx, message.Request{
		Action:  message.ActionStop,
		Target:  target.String(),
		Confirm: opts.Confirm,
		Force:   opts.Force,
	})
	return pidOf(r), err
}

// Restart stops target with confirmation and force, then starts it again.
// A target that was not running is simply started.
func (c *Client) Restart(ctx context.Context, target identity.Identity, args ...string) (int, error) {
	if _, err := c.Stop(ctx, target, StopOptions{Confirm: true, Force: true}); err != nil && !errors.Is(err, message.ErrNotRunning) {
		return 0, err
	}
	return c.Start(ctx, target, args...)
}

// Status runs a full probe of target.
func (c *Client) Status(ctx context.Context, target identity.Identity) (message.Status, error) {
	r, err := c.Do(ctx, message.Request{Action: message.ActionStatus, Target: target.String()})
	if err != nil {
		return message.Status{}, err
	}
	if r.Status == nil {
		return message.Status{}, fmt.Errorf("client: status reply for %s carries no status", target)
	}
	return *r.Status, nil
}

// ModuleStatus returns the quick status of every registered identity.
func (c *Client) ModuleStatus(ctx context.Context) ([]message.Status, error) {
	r, err := c.Do(ctx, message.Request{Action: message.ActionModuleStatus})
	if err != nil {
		return nil, err
	}
	return r.Statuses, nil
}

func pidOf(r message.Reply) int {
	if r.ChildPID == nil {
		return 0
	}
	return *r.ChildPID
}
