package bus

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
)

// Option configures a Local hub or a Client.
type Option func(*options)

type options struct {
	queueSize int
	logger    *slog.Logger
	onDrop    func(topic string)
}

func buildOptions(opts []Option) options {
	o := options{queueSize: DefaultQueueSize, logger: slog.Default()}
	for _, fn := range opts {
		fn(&o)
	}
	if o.queueSize <= 0 {
		o.queueSize = DefaultQueueSize
	}
	return o
}

// WithQueueSize sets the per-subscription buffer.
func WithQueueSize(n int) Option { return func(o *options) { o.queueSize = n } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithDropHook is called with the topic of every message dropped because a
// subscriber queue was full.
func WithDropHook(fn func(topic string)) Option { return func(o *options) { o.onDrop = fn } }

// Local is an in-process hub. The zero value is not usable; call NewLocal.
type Local struct {
	opts   options
	trie   *trie
	seq    atomic.Uint64
	closed atomic.Bool

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

// NewLocal creates an empty hub.
func NewLocal(opts ...Option) *Local {
	return &Local{
		opts: buildOptions(opts),
		trie: newTrie(),
		subs: make(map[*subscription]struct{}),
	}
}

// Publish fans payload out to every matching subscription. Each subscriber
// receives its own copy.
func (l *Local) Publish(_ context.Context, topic string, payload []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	for _, s := range l.trie.match(topic) {
		s.deliver(Message{Topic: topic, Payload: append([]byte(nil), payload...)})
	}
	return nil
}

// Subscribe registers h for pattern. The subscription is active when
// Subscribe returns.
func (l *Local) Subscribe(_ context.Context, pattern string, h Handler) (Subscription, error) {
	if l.closed.Load() {
		return nil, ErrClosed
	}
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	id := strconv.FormatUint(l.seq.Add(1), 10)
	s := newSubscription(id, pattern, h, l.opts.queueSize, l.opts.onDrop)
	s.release = l.release
	l.mu.Lock()
	l.subs[s] = struct{}{}
	l.mu.Unlock()
	l.trie.insert(s)
	return s, nil
}

func (l *Local) release(s *subscription) error {
	l.trie.remove(s)
	l.mu.Lock()
	delete(l.subs, s)
	l.mu.Unlock()
	return nil
}

// Subscriptions returns the number of active subscriptions.
func (l *Local) Subscriptions() int { return l.trie.size() }

// Close cancels every subscription. Later calls fail with ErrClosed.
func (l *Local) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	l.mu.Lock()
	subs := make([]*subscription, 0, len(l.subs))
	for s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()
	for _, s := range subs {
		_ = s.Unsubscribe()
	}
	return nil
}
