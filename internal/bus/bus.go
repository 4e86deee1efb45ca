// Package bus is the topic-addressed publish/subscribe control plane.
//
// Topics are dot separated. Subscription patterns may use "*" for exactly
// one segment and a trailing "#" for any suffix. Delivery fans out to every
// matching subscription, including the publisher's own. Ordering across
// topics is not guaranteed and a slow subscriber loses messages rather
// than stalling publishers.
//
// Local is the in-process hub. Broker exposes a Local to other processes
// over a websocket on a unix socket; Client is the remote side.
package bus

import (
	"context"
	"errors"
)

// DefaultQueueSize is the per-subscription buffer.
const DefaultQueueSize = 256

var ErrClosed = errors.New("bus: closed")

// Message is one delivered publication.
type Message struct {
	Topic   string
	Payload []byte
}

// Handler consumes messages for one subscription. Calls for a single
// subscription are sequential; the context is cancelled on Unsubscribe.
type Handler func(ctx context.Context, m Message)

// Subscription is an active pattern registration.
type Subscription interface {
	Pattern() string
	Unsubscribe() error
}

// Bus is implemented by Local and Client.
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error)
}
