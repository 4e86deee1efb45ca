package probe

import (
	"context"
	"log/slog"

	"github.com/loykin/botvisor/internal/bus"
	"github.com/loykin/botvisor/internal/identity"
	"github.com/loykin/botvisor/internal/message"
)

// StatusFunc reports the free-form status carried in a pong.
type StatusFunc func() string

// Respond answers pings addressed to id with pid and the current status.
// The returned subscription stops answering when unsubscribed.
func Respond(ctx context.Context, b bus.Bus, id identity.Identity, pid int, status StatusFunc, log *slog.Logger) (bus.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}
	if status == nil {
		status = func() string { return "ok" }
	}
	return b.Subscribe(ctx, message.PingTopic(id), func(ctx context.Context, m bus.Message) {
		ping, err := message.DecodePing(m.Payload)
		if err != nil {
			log.Debug("ignoring malformed ping", "identity", id.String(), "error", err)
			return
		}
		pong := message.Pong{RequestID: ping.RequestID, PID: pid, Status: status()}
		if err := b.Publish(ctx, message.PongTopic(ping.ReplyTo), message.Encode(pong)); err != nil {
			log.Warn("pong publish failed", "identity", id.String(), "error", err)
		}
	})
}
