package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/bus"
	"github.com/loykin/botvisor/internal/identity"
	"github.com/loykin/botvisor/internal/message"
)

// fakeSupervisor answers requests on the hub with answer(req).
type fakeSupervisor struct {
	mu   sync.Mutex
	seen []message.Request
}

func startFake(t *testing.T, hub *bus.Local, sup identity.Identity, answer func(message.Request) *message.Reply) *fakeSupervisor {
	t.Helper()
	f := &fakeSupervisor{}
	sub, err := hub.Subscribe(context.Background(), message.RequestPattern(sup), func(ctx context.Context, m bus.Message) {
		req, err := message.DecodeRequest(m.Payload)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.seen = append(f.seen, req)
		f.mu.Unlock()
		r := answer(req)
		if r == nil {
			return
		}
		_ = hub.Publish(ctx, message.ReplyTopic(req.Notify), message.Encode(*r))
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	return f
}

func (f *fakeSupervisor) requests() []message.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]message.Request(nil), f.seen...)
}

func newHub(t *testing.T) *bus.Local {
	t.Helper()
	hub := bus.NewLocal()
	t.Cleanup(func() { _ = hub.Close() })
	return hub
}

func TestStartReturnsPID(t *testing.T) {
	hub := newHub(t)
	sup := identity.MustParse("supervisor")
	fake := startFake(t, hub, sup, func(req message.Request) *message.Reply {
		r := message.NewReply(req)
		r.ChildPID = message.IntPtr(4242)
		return &r
	})
	c := New(Config{Bus: hub, Supervisor: sup})

	pid, err := c.Start(context.Background(), identity.MustParse("irc@libera"), "--debug")
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	reqs := fake.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, message.ActionStart, reqs[0].Action)
	assert.Equal(t, "irc@libera", reqs[0].Target)
	assert.Equal(t, []string{"--debug"}, reqs[0].Args)
	assert.Contains(t, reqs[0].Notify, DefaultNotifyPrefix+".")
}

func TestFailedReplyBecomesError(t *testing.T) {
	hub := newHub(t)
	sup := identity.MustParse("supervisor")
	startFake(t, hub, sup, func(req message.Request) *message.Reply {
		r := message.NewReply(req)
		r.Fail(message.Errorf(message.KindAlreadyRunning, "pid 7").WithPID(7))
		return &r
	})
	c := New(Config{Bus: hub})

	pid, err := c.Start(context.Background(), identity.MustParse("dice"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, message.ErrAlreadyRunning))
	assert.Equal(t, 7, pid)
}

func TestIgnoresRepliesForOtherMessages(t *testing.T) {
	hub := newHub(t)
	sup := identity.MustParse("supervisor")
	startFake(t, hub, sup, func(req message.Request) *message.Reply {
		stray := message.NewReply(req)
		stray.MessageID = "someone-else"
		_ = hub.Publish(context.Background(), message.ReplyTopic(req.Notify), message.Encode(stray))
		r := message.NewReply(req)
		r.Status = &message.Status{Identity: req.Target, ProcessState: message.ProcessRunning}
		return &r
	})
	c := New(Config{Bus: hub})
	st, err := c.Status(context.Background(), identity.MustParse("dice"))
	require.NoError(t, err)
	assert.Equal(t, message.ProcessRunning, st.ProcessState)
}

func TestTimeout(t *testing.T) {
	hub := newHub(t)
	c := New(Config{Bus: hub, Timeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := c.ModuleStatus(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, hub.Subscriptions(), "reply subscription released")
}

func TestContextCancel(t *testing.T) {
	hub := newHub(t)
	c := New(Config{Bus: hub, Timeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Status(ctx, identity.MustParse("dice"))
	require.Error(t, err)
}

func TestRestartTreatsNotRunningAsStopped(t *testing.T) {
	hub := newHub(t)
	sup := identity.MustParse("supervisor")
	fake := startFake(t, hub, sup, func(req message.Request) *message.Reply {
		r := message.NewReply(req)
		switch req.Action {
		case message.ActionStop:
			r.Fail(message.ErrNotRunning)
		case message.ActionStart:
			r.ChildPID = message.IntPtr(99)
		}
		return &r
	})
	c := New(Config{Bus: hub})
	pid, err := c.Restart(context.Background(), identity.MustParse("irc@libera"))
	require.NoError(t, err)
	assert.Equal(t, 99, pid)

	reqs := fake.requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, message.ActionStop, reqs[0].Action)
	assert.True(t, reqs[0].Confirm)
	assert.True(t, reqs[0].Force)
	assert.Equal(t, message.ActionStart, reqs[1].Action)
}

func TestInvalidRequestRejectedLocally(t *testing.T) {
	c := New(Config{Bus: newHub(t)})
	_, err := c.Do(context.Background(), message.Request{Action: "reboot"})
	require.ErrorIs(t, err, message.ErrInvalidMessage)
}
