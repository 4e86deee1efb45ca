package supervisor

import (
	"context"

	"github.com/loykin/botvisor/internal/identity"
	"github.com/loykin/botvisor/internal/message"
)

// ctrlMsg is a control-plane message sent to a handler to serialize
// lifecycle operations on one identity.
type ctrlMsg struct {
	Req   message.Request
	Reply chan message.Reply
}

// handler owns the control path of a single identity. Mutating requests
// for that identity run one at a time in arrival order.
type handler struct {
	id      identity.Identity
	ctrl    chan ctrlMsg
	exec    func(context.Context, identity.Identity, message.Request) message.Reply
	done    func(*handler) // called after every exec
	cancel  context.CancelFunc
	pending int // queued or running requests; guarded by Supervisor.mu
}

func newHandler(id identity.Identity, exec func(context.Context, identity.Identity, message.Request) message.Reply, done func(*handler)) *handler {
	return &handler{id: id, ctrl: make(chan ctrlMsg, 16), exec: exec, done: done}
}

func (h *handler) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-h.ctrl:
			msg.Reply <- h.exec(ctx, h.id, msg.Req)
			h.done(h)
		}
	}
}

// submit queues req and waits for its reply. queued reports whether req
// reached the handler; once queued it runs even if ctx ends first.
func (h *handler) submit(ctx context.Context, req message.Request) (r message.Reply, queued bool) {
	msg := ctrlMsg{Req: req, Reply: make(chan message.Reply, 1)}
	select {
	case h.ctrl <- msg:
	case <-ctx.Done():
		return failed(req, message.Errorf(message.KindInternal, "%s: %v", req.Action, ctx.Err())), false
	}
	select {
	case r := <-msg.Reply:
		return r, true
	case <-ctx.Done():
		return failed(req, message.Errorf(message.KindInternal, "%s: %v", req.Action, ctx.Err())), true
	}
}

func failed(req message.Request, err error) message.Reply {
	r := message.NewReply(req)
	r.Fail(err)
	return r
}
