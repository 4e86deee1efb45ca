package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrBrokerRunning = errors.New("bus: another broker is listening on the socket")

// Broker exposes a Local hub to other processes over a websocket served on
// a unix socket.
type Broker struct {
	hub      *Local
	path     string
	log      *slog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	ln    net.Listener
	srv   *http.Server
	conns map[*brokerConn]struct{}
}

// NewBroker serves hub on the unix socket at socketPath.
func NewBroker(hub *Local, socketPath string, log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		hub:  hub,
		path: socketPath,
		log:  log.With("component", "bus-broker"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 << 10,
			WriteBufferSize: 16 << 10,
			// unix socket peers only
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[*brokerConn]struct{}),
	}
}

// Path returns the socket path.
func (b *Broker) Path() string { return b.path }

// Listen binds the socket. A leftover socket file nobody answers on is
// removed; a live one fails with ErrBrokerRunning.
func (b *Broker) Listen() error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o750); err != nil {
		return fmt.Errorf("bus: create socket dir: %w", err)
	}
	if _, err := os.Stat(b.path); err == nil {
		if c, derr := net.DialTimeout("unix", b.path, 500*time.Millisecond); derr == nil {
			_ = c.Close()
			return fmt.Errorf("%w: %s", ErrBrokerRunning, b.path)
		}
		if err := os.Remove(b.path); err != nil {
			return fmt.Errorf("bus: remove stale socket: %w", err)
		}
	}
	ln, err := net.Listen("unix", b.path)
	if err != nil {
		return fmt.Errorf("bus: listen %s: %w", b.path, err)
	}
	_ = os.Chmod(b.path, 0o600)
	b.mu.Lock()
	b.ln = ln
	b.srv = &http.Server{Handler: b, ReadHeaderTimeout: 5 * time.Second}
	b.mu.Unlock()
	return nil
}

// Serve accepts connections until ctx is done or Close is called. Listen
// must have succeeded.
func (b *Broker) Serve(ctx context.Context) error {
	b.mu.Lock()
	ln, srv := b.ln, b.srv
	b.mu.Unlock()
	if ln == nil {
		return errors.New("bus: broker not listening")
	}
	go func() {
		<-ctx.Done()
		_ = b.Close()
	}()
	b.log.Info("broker listening", "socket", b.path)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close stops accepting, drops every connection and removes the socket.
func (b *Broker) Close() error {
	b.mu.Lock()
	srv, ln := b.srv, b.ln
	conns := make([]*brokerConn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()
	var err error
	if srv != nil {
		err = srv.Close()
	}
	for _, c := range conns {
		c.close()
	}
	// only the broker that bound the socket may remove it
	if ln != nil {
		_ = os.Remove(b.path)
	}
	return err
}

// ServeHTTP upgrades one peer connection.
func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn("upgrade failed", "error", err)
		return
	}
	c := &brokerConn{
		b:    b,
		ws:   ws,
		subs: make(map[string]Subscription),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.conns[c] = struct{}{}
	b.mu.Unlock()
	go c.pingLoop()
	c.readLoop()
}

type brokerConn struct {
	b    *Broker
	ws   *websocket.Conn
	wmu  sync.Mutex
	once sync.Once
	done chan struct{}

	mu   sync.Mutex
	subs map[string]Subscription
}

func (c *brokerConn) write(f frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteJSON(f)
}

func (c *brokerConn) reply(id string, err error) {
	if id == "" {
		return
	}
	f := frame{Op: opAck, ID: id}
	if err != nil {
		f = frame{Op: opErr, ID: id, Error: err.Error()}
	}
	_ = c.write(f)
}

func (c *brokerConn) pingLoop() {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.wmu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.wmu.Unlock()
			if err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *brokerConn) readLoop() {
	defer c.close()
	c.ws.SetReadLimit(maxFrameSize)
	for {
		var f frame
		if err := c.ws.ReadJSON(&f); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.b.log.Debug("peer read ended", "error", err)
			}
			return
		}
		c.handle(f)
	}
}

func (c *brokerConn) handle(f frame) {
	switch f.Op {
	case opPub:
		c.reply(f.ID, c.b.hub.Publish(context.Background(), f.Topic, f.Payload))
	case opSub:
		subID := f.Sub
		sub, err := c.b.hub.Subscribe(context.Background(), f.Topic, func(_ context.Context, m Message) {
			if err := c.write(frame{Op: opMsg, Sub: subID, Topic: m.Topic, Payload: m.Payload}); err != nil {
				c.close()
			}
		})
		if err == nil {
			c.mu.Lock()
			if old, ok := c.subs[subID]; ok {
				_ = old.Unsubscribe()
			}
			c.subs[subID] = sub
			c.mu.Unlock()
		}
		c.reply(f.ID, err)
	case opUnsub:
		c.mu.Lock()
		sub, ok := c.subs[f.Sub]
		delete(c.subs, f.Sub)
		c.mu.Unlock()
		if ok {
			_ = sub.Unsubscribe()
		}
		c.reply(f.ID, nil)
	default:
		c.reply(f.ID, fmt.Errorf("bus: unknown op %q", f.Op))
	}
}

func (c *brokerConn) close() {
	c.once.Do(func() {
		close(c.done)
		c.mu.Lock()
		for id, sub := range c.subs {
			_ = sub.Unsubscribe()
			delete(c.subs, id)
		}
		c.mu.Unlock()
		_ = c.ws.Close()
		c.b.mu.Lock()
		delete(c.b.conns, c)
		c.b.mu.Unlock()
	})
}
