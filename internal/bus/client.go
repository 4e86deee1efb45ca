package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
)

var ErrDisconnected = errors.New("bus: disconnected from broker")

// DefaultAckTimeout bounds how long a request waits for the broker.
const DefaultAckTimeout = 5 * time.Second

// Client is a Bus backed by a remote Broker. It reconnects with exponential
// backoff and re-registers every subscription after a reconnect.
type Client struct {
	path       string
	opts       options
	log        *slog.Logger
	dialer     *websocket.Dialer
	ackTimeout time.Duration
	seq        atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	wmu     sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
	ready   chan struct{}
	subs    map[string]*subscription
	pending map[string]chan error
}

// Dial connects to the broker socket, retrying until ctx is done.
func Dial(ctx context.Context, socketPath string, opts ...Option) (*Client, error) {
	o := buildOptions(opts)
	cctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		path:       socketPath,
		opts:       o,
		log:        o.logger.With("component", "bus-client"),
		ackTimeout: DefaultAckTimeout,
		ctx:        cctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		ready:      make(chan struct{}),
		subs:       make(map[string]*subscription),
		pending:    make(map[string]chan error),
	}
	c.dialer = &websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}
	conn, err := c.connect(ctx, 5*time.Second)
	if err != nil {
		cancel()
		return nil, err
	}
	c.setConn(conn)
	go c.run(conn)
	return c, nil
}

// connect dials with exponential backoff. maxElapsed of zero retries until
// ctx is done.
func (c *Client) connect(ctx context.Context, maxElapsed time.Duration) (*websocket.Conn, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 50 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	eb.MaxElapsedTime = maxElapsed
	var conn *websocket.Conn
	op := func() error {
		ws, _, err := c.dialer.DialContext(ctx, "ws://unix/", nil)
		if err != nil {
			return err
		}
		conn = ws
		return nil
	}
	notify := func(err error, wait time.Duration) {
		c.log.Debug("broker dial failed", "socket", c.path, "retry_in", wait, "error", err)
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(eb, ctx), notify); err != nil {
		return nil, fmt.Errorf("bus: dial %s: %w", c.path, err)
	}
	conn.SetReadLimit(maxFrameSize)
	return conn, nil
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	for {
		c.readLoop(conn)
		c.dropConn()
		if c.ctx.Err() != nil {
			return
		}
		c.log.Warn("broker connection lost, reconnecting", "socket", c.path)
		next, err := c.connect(c.ctx, 0)
		if err != nil {
			return
		}
		conn = next
		c.setConn(conn)
		go c.resubscribe()
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		c.wmu.Lock()
		defer c.wmu.Unlock()
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		switch f.Op {
		case opAck, opErr:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			delete(c.pending, f.ID)
			c.mu.Unlock()
			if ok {
				if f.Op == opErr {
					ch <- errors.New(f.Error)
				} else {
					ch <- nil
				}
			}
		case opMsg:
			c.mu.Lock()
			s := c.subs[f.Sub]
			c.mu.Unlock()
			if s != nil {
				s.deliver(Message{Topic: f.Topic, Payload: f.Payload})
			}
		}
	}
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	close(c.ready)
	c.mu.Unlock()
}

func (c *Client) dropConn() {
	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.ready = make(chan struct{})
	for id, ch := range c.pending {
		ch <- ErrDisconnected
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) waitConn(ctx context.Context) (*websocket.Conn, error) {
	for {
		c.mu.Lock()
		conn, ready := c.conn, c.ready
		c.mu.Unlock()
		if conn != nil {
			return conn, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.ctx.Done():
			return nil, ErrClosed
		}
	}
}

// request sends f and waits for the broker's ack.
func (c *Client) request(ctx context.Context, f frame) error {
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	conn, err := c.waitConn(ctx)
	if err != nil {
		return err
	}
	f.ID = "r" + strconv.FormatUint(c.seq.Add(1), 10)
	ch := make(chan error, 1)
	c.mu.Lock()
	c.pending[f.ID] = ch
	c.mu.Unlock()

	c.wmu.Lock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteJSON(f)
	c.wmu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, f.ID)
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	}

	timer := time.NewTimer(c.ackTimeout)
	defer timer.Stop()
	select {
	case err := <-ch:
		return err
	case <-timer.C:
	case <-ctx.Done():
	case <-c.ctx.Done():
	}
	c.mu.Lock()
	delete(c.pending, f.ID)
	c.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c.ctx.Err() != nil {
		return ErrClosed
	}
	return fmt.Errorf("bus: %s %s: no ack within %s", f.Op, f.Topic, c.ackTimeout)
}

// Publish hands payload to the broker and returns once the broker has
// fanned it out.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	return c.request(ctx, frame{Op: opPub, Topic: topic, Payload: payload})
}

// Subscribe registers h with the broker. The subscription is active on the
// broker when Subscribe returns.
func (c *Client) Subscribe(ctx context.Context, pattern string, h Handler) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	id := "s" + strconv.FormatUint(c.seq.Add(1), 10)
	s := newSubscription(id, pattern, h, c.opts.queueSize, c.opts.onDrop)
	s.release = c.unsubscribe
	c.mu.Lock()
	c.subs[id] = s
	c.mu.Unlock()
	if err := c.request(ctx, frame{Op: opSub, Sub: id, Topic: pattern}); err != nil {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
		s.stop()
		return nil, err
	}
	return s, nil
}

func (c *Client) unsubscribe(s *subscription) error {
	c.mu.Lock()
	_, ok := c.subs[s.id]
	delete(c.subs, s.id)
	c.mu.Unlock()
	if !ok || c.ctx.Err() != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(c.ctx, 2*time.Second)
	defer cancel()
	if err := c.request(ctx, frame{Op: opUnsub, Sub: s.id}); err != nil && !errors.Is(err, ErrDisconnected) && !errors.Is(err, ErrClosed) {
		return err
	}
	return nil
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()
	for _, s := range subs {
		ctx, cancel := context.WithTimeout(c.ctx, c.ackTimeout)
		err := c.request(ctx, frame{Op: opSub, Sub: s.id, Topic: s.pattern})
		cancel()
		if err != nil {
			c.log.Warn("resubscribe failed", "pattern", s.pattern, "error", err)
		}
	}
}

// Close ends the connection and every subscription.
func (c *Client) Close() error {
	if c.ctx.Err() != nil {
		return nil
	}
	c.cancel()
	c.mu.Lock()
	conn := c.conn
	subs := make([]*subscription, 0, len(c.subs))
	for id, s := range c.subs {
		subs = append(subs, s)
		delete(c.subs, id)
	}
	c.mu.Unlock()
	for _, s := range subs {
		s.stop()
	}
	if conn != nil {
		c.wmu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
			time.Now().Add(500*time.Millisecond))
		c.wmu.Unlock()
		_ = conn.Close()
	}
	<-c.done
	return nil
}
