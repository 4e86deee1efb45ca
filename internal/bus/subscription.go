package bus

import (
	"context"
	"sync"
)

// subscription owns a bounded queue and the goroutine draining it into the
// handler.
type subscription struct {
	id      string
	pattern string
	handler Handler
	queue   chan Message
	ctx     context.Context
	cancel  context.CancelFunc
	once    sync.Once
	onDrop  func(topic string)
	release func(*subscription) error
}

func newSubscription(id, pattern string, h Handler, size int, onDrop func(string)) *subscription {
	ctx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		id:      id,
		pattern: pattern,
		handler: h,
		queue:   make(chan Message, size),
		ctx:     ctx,
		cancel:  cancel,
		onDrop:  onDrop,
	}
	go s.run()
	return s
}

func (s *subscription) run() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case m := <-s.queue:
			if s.ctx.Err() != nil {
				return
			}
			s.handler(s.ctx, m)
		}
	}
}

// deliver enqueues m without blocking; a full queue drops it.
func (s *subscription) deliver(m Message) {
	if s.ctx.Err() != nil {
		return
	}
	select {
	case s.queue <- m:
	default:
		if s.onDrop != nil {
			s.onDrop(m.Topic)
		}
	}
}

func (s *subscription) stop() { s.once.Do(s.cancel) }

func (s *subscription) Pattern() string { return s.pattern }

func (s *subscription) Unsubscribe() error {
	s.stop()
	if s.release != nil {
		return s.release(s)
	}
	return nil
}
