package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor/internal/bus"
	"github.com/loykin/botvisor/internal/env"
	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/identity"
	"github.com/loykin/botvisor/internal/message"
	"github.com/loykin/botvisor/internal/process"
	"github.com/loykin/botvisor/internal/registry"
	"github.com/loykin/botvisor/pkg/client"
)

type memorySink struct {
	mu     sync.Mutex
	events []history.Event
}

func (m *memorySink) Send(_ context.Context, e history.Event) error {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
	return nil
}

func (m *memorySink) types(id string) []history.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []history.EventType
	for _, e := range m.events {
		if e.Identity == id {
			out = append(out, e.Type)
		}
	}
	return out
}

type fixture struct {
	runtime string
	hub     *bus.Local
	reg     *registry.Registry
	sup     *Supervisor
	client  *client.Client
	history *memorySink
}

func testModules(t *testing.T) map[string]Module {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	mod := func(mode string) Module {
		return Module{Command: exe, Env: []string{envTestWorker + "=" + mode}}
	}
	return map[string]Module{
		"bot":      mod("ready"),
		"needy":    mod("needy"),
		"quitter":  mod("quitter"),
		"sleeper":  mod("sleeper"),
		"stubborn": mod("stubborn"),
	}
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	// unix socket paths are length limited; t.TempDir can be too deep
	dir, err := os.MkdirTemp("", "bvs")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	hub := bus.NewLocal()
	t.Cleanup(func() { _ = hub.Close() })
	socket := filepath.Join(dir, "ipc", "bus.sock")
	broker := bus.NewBroker(hub, socket, nil)
	require.NoError(t, broker.Listen())
	bctx, bcancel := context.WithCancel(context.Background())
	go func() { _ = broker.Serve(bctx) }()
	t.Cleanup(bcancel)

	reg, err := registry.New(filepath.Join(dir, "proc"))
	require.NoError(t, err)

	sink := &memorySink{}
	cfg := Config{
		Bus:      hub,
		Registry: reg,
		Resolver: Resolver{
			ModulesDir: filepath.Join(dir, "modules"),
			Modules:    testModules(t),
			Env:        env.New(),
		},
		RuntimeDir:   dir,
		BusSocket:    socket,
		LogDir:       filepath.Join(dir, "log"),
		ReadyTimeout: 10 * time.Second,
		ProbeTimeout: 500 * time.Millisecond,
		StopTimeout:  2 * time.Second,
		History:      history.NewRecorder(nil, sink),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	sup, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, sup.Open(context.Background()))
	t.Cleanup(func() {
		_ = sup.Close()
		killAll(reg)
	})

	return &fixture{
		runtime: dir,
		hub:     hub,
		reg:     reg,
		sup:     sup,
		client:  client.New(client.Config{Bus: hub, Supervisor: sup.Identity(), Timeout: 20 * time.Second}),
		history: sink,
	}
}

// killAll removes every module a failed test may have left behind.
func killAll(reg *registry.Registry) {
	ids, _ := reg.List()
	for _, id := range ids {
		if e, err := reg.ReadPID(id); err == nil && e.PID != os.Getpid() {
			_ = process.Kill(e.PID)
		}
	}
}

func (f *fixture) probe(t *testing.T, id identity.Identity) message.Status {
	t.Helper()
	return f.sup.Prober().Probe(context.Background(), id)
}

func (f *fixture) writeLock(t *testing.T, id identity.Identity, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(f.reg.Path(id), []byte(body), 0o600))
}

func TestStartThenProbeReportsRunning(t *testing.T) {
	f := newFixture(t)
	id := identity.MustParse("bot@alpha")

	pid, err := f.client.Start(context.Background(), id)
	require.NoError(t, err)
	require.Positive(t, pid)

	st := f.probe(t, id)
	assert.Equal(t, message.ProcessRunning, st.ProcessState)
	assert.Equal(t, message.PIDFileValid, st.PIDFileState)
	assert.Equal(t, pid, st.PIDValue())
	assert.Equal(t, message.DetectedByPing, st.DetectedBy)

	e, err := f.reg.ReadPID(id)
	require.NoError(t, err)
	assert.Equal(t, pid, e.PID)
	assert.Equal(t, []history.EventType{history.EventStart}, f.history.types("bot@alpha"))
}

func TestConcurrentStartsYieldOneSuccess(t *testing.T) {
	f := newFixture(t)
	id := identity.MustParse("bot@race")

	const n = 5
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.client.Start(context.Background(), id)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, message.ErrAlreadyRunning)
	}
	assert.Equal(t, 1, ok)
}

func TestStopThenProbeReportsStopped(t *testing.T) {
	f := newFixture(t)
	id := identity.MustParse("bot@beta")
	pid, err := f.client.Start(context.Background(), id)
	require.NoError(t, err)

	stopped, err := f.client.Stop(context.Background(), id, client.StopOptions{})
	require.NoError(t, err)
	assert.Equal(t, pid, stopped)

	require.Eventually(t, func() bool {
		return f.probe(t, id).ProcessState == message.ProcessStopped
	}, 10*time.Second, 50*time.Millisecond)
	// the worker released its own lock on the way out
	require.Eventually(t, func() bool { return !f.reg.Exists(id) }, 5*time.Second, 20*time.Millisecond)
}

func TestStopConfirmClearsLock(t *testing.T) {
	f := newFixture(t)
	id := identity.MustParse("bot@gamma")
	pid, err := f.client.Start(context.Background(), id)
	require.NoError(t, err)

	_, err = f.client.Stop(context.Background(), id, client.StopOptions{Confirm: true})
	require.NoError(t, err)
	assert.False(t, process.Exists(pid))
	assert.False(t, f.reg.Exists(id))
	assert.Equal(t, []history.EventType{history.EventStart, history.EventStop}, f.history.types("bot@gamma"))
}

func TestStopWithoutLockIsNotRunning(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Stop(context.Background(), identity.MustParse("bot@nobody"), client.StopOptions{})
	require.ErrorIs(t, err, message.ErrNotRunning)
}

func TestStopClearsDanglingLock(t *testing.T) {
	f := newFixture(t)
	id := identity.MustParse("bot@ghost")
	f.writeLock(t, id, "2147483000\n")

	_, err := f.client.Stop(context.Background(), id, client.StopOptions{})
	require.ErrorIs(t, err, message.ErrNotRunning)
	assert.False(t, f.reg.Exists(id))
}

func TestDanglingLockDistinguishedFromMuteProcess(t *testing.T) {
	f := newFixture(t)

	dangling := identity.MustParse("bot@dangling")
	f.writeLock(t, dangling, "2147483000\n")
	st, err := f.client.Status(context.Background(), dangling)
	require.NoError(t, err)
	assert.Equal(t, message.ProcessStopped, st.ProcessState)
	assert.Equal(t, message.PIDFileStale, st.PIDFileState)

	mute := identity.MustParse("stubborn@mute")
	pid, err := f.client.Start(context.Background(), mute)
	require.NoError(t, err)
	st, err = f.client.Status(context.Background(), mute)
	require.NoError(t, err)
	assert.Equal(t, message.ProcessUnresponsive, st.ProcessState)
	assert.Equal(t, message.PIDFileValid, st.PIDFileState)
	assert.Equal(t, pid, st.PIDValue())

	// a mute holder still blocks a second start
	_, err = f.client.Start(context.Background(), mute)
	require.ErrorIs(t, err, message.ErrAlreadyRunning)
}

func TestStartReplacesDanglingLock(t *testing.T) {
	f := newFixture(t)
	id := identity.MustParse("bot@phoenix")
	f.writeLock(t, id, "2147483000\n")

	pid, err := f.client.Start(context.Background(), id)
	require.NoError(t, err)
	e, err := f.reg.ReadPID(id)
	require.NoError(t, err)
	assert.Equal(t, pid, e.PID)
}

func TestInvalidPIDFileStillStarts(t *testing.T) {
	f := newFixture(t)
	id := identity.MustParse("bot@garbled")
	f.writeLock(t, id, "notanumber\n")

	st, err := f.client.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, message.PIDFileInvalid, st.PIDFileState)
	assert.Equal(t, message.ProcessStopped, st.ProcessState)

	_, err = f.client.Start(context.Background(), id)
	require.NoError(t, err)
}

func TestPendingClaimBlocksStart(t *testing.T) {
	f := newFixture(t)
	id := identity.MustParse("bot@handmade")

	// a worker started by hand has claimed but not yet written its pid
	lock, err := f.reg.Claim(id)
	require.NoError(t, err)

	_, err = f.client.Start(context.Background(), id)
	require.ErrorIs(t, err, message.ErrAlreadyRunning)
	assert.True(t, f.reg.Exists(id), "pending claim kept")

	require.NoError(t, lock.Release())
	_, err = f.client.Start(context.Background(), id)
	require.NoError(t, err)
}

func TestIdleHandlersAreRetired(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.Start(context.Background(), identity.MustParse("ghost@idle"))
	require.ErrorIs(t, err, message.ErrForkFailed)
	require.Eventually(t, func() bool { return f.sup.handlerCount() == 0 }, 5*time.Second, 20*time.Millisecond)

	id := identity.MustParse("bot@idle")
	_, err = f.client.Start(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, f.sup.handlerCount(), "running identity keeps its handler")

	_, err = f.client.Stop(context.Background(), id, client.StopOptions{Confirm: true})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.sup.handlerCount() == 0 }, 5*time.Second, 20*time.Millisecond)

	// a retired identity is served again by a fresh handler
	_, err = f.client.Start(context.Background(), id)
	require.NoError(t, err)
}

func TestMissingExecutableIsForkFailed(t *testing.T) {
	f := newFixture(t)
	id := identity.MustParse("ghost@x")
	_, err := f.client.Start(context.Background(), id)
	require.ErrorIs(t, err, message.ErrForkFailed)
	assert.False(t, f.reg.Exists(id), "no lock left behind")
	assert.Equal(t, []history.EventType{history.EventFail}, f.history.types("ghost@x"))
}

func TestLogOpenFailed(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		// a regular file where the log directory should be
		blocker := filepath.Join(c.RuntimeDir, "not-a-dir")
		require.NoError(t, os.WriteFile(blocker, nil, 0o600))
		c.LogDir = filepath.Join(blocker, "log")
	})
	id := identity.MustParse("bot@nolog")
	_, err := f.client.Start(context.Background(), id)
	require.ErrorIs(t, err, message.ErrLogOpenFailed)
	assert.False(t, f.reg.Exists(id))
}

func TestChildReportedInitFailure(t *testing.T) {
	f := newFixture(t)
	id := identity.MustParse("needy")
	pid, err := f.client.Start(context.Background(), id)
	require.ErrorIs(t, err, message.ErrChildReportedInitFailure)
	assert.Contains(t, err.Error(), string(message.KindInstanceRequired))
	assert.Positive(t, pid)
	assert.False(t, f.reg.Exists(id))
}

func TestChildExitWithoutHandshake(t *testing.T) {
	f := newFixture(t)
	id := identity.MustParse("quitter@now")
	_, err := f.client.Start(context.Background(), id)
	require.ErrorIs(t, err, message.ErrChildReportedInitFailure)
	assert.False(t, f.reg.Exists(id))
}

func TestReadyTimeoutKillsChild(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ReadyTimeout = 300 * time.Millisecond })
	id := identity.MustParse("sleeper@slow")
	pid, err := f.client.Start(context.Background(), id)
	require.ErrorIs(t, err, message.ErrReadyTimeout)
	assert.False(t, f.reg.Exists(id))
	require.Positive(t, pid)
	assert.Eventually(t, func() bool { return !process.Exists(pid) }, 5*time.Second, 20*time.Millisecond)
}

func TestStopConfirmAndForce(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.StopTimeout = 300 * time.Millisecond })
	id := identity.MustParse("stubborn@mule")
	pid, err := f.client.Start(context.Background(), id)
	require.NoError(t, err)

	_, err = f.client.Stop(context.Background(), id, client.StopOptions{Confirm: true})
	require.ErrorIs(t, err, message.ErrStopUnconfirmed)
	assert.True(t, process.Exists(pid))
	assert.True(t, f.reg.Exists(id))

	_, err = f.client.Stop(context.Background(), id, client.StopOptions{Confirm: true, Force: true})
	require.NoError(t, err)
	assert.False(t, process.Exists(pid))
	assert.False(t, f.reg.Exists(id))
}

func TestModuleStatusListsExactlyTheLockFiles(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Start(context.Background(), identity.MustParse("bot@one"))
	require.NoError(t, err)
	f.writeLock(t, identity.MustParse("bot@dead"), "2147483000\n")
	f.writeLock(t, identity.MustParse("bot@junk"), "junk\n")
	// not lock files
	require.NoError(t, os.WriteFile(filepath.Join(f.reg.Dir(), ".bot@one.tmp-1"), []byte("1"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(f.reg.Dir(), "README"), []byte("x"), 0o600))

	statuses, err := f.client.ModuleStatus(context.Background())
	require.NoError(t, err)
	got := map[string]message.Status{}
	for _, st := range statuses {
		got[st.Identity] = st
	}
	ids, err := f.reg.List()
	require.NoError(t, err)
	require.Len(t, got, len(ids))
	for _, id := range ids {
		assert.Contains(t, got, id.String())
	}

	assert.Equal(t, message.ProcessRunning, got["bot@one"].ProcessState)
	assert.Equal(t, message.DetectedByPIDFile, got["bot@one"].DetectedBy)
	assert.Equal(t, message.ProcessRunning, got["supervisor"].ProcessState)
	assert.Equal(t, message.ProcessStopped, got["bot@dead"].ProcessState)
	assert.Equal(t, message.PIDFileStale, got["bot@dead"].PIDFileState)
	assert.Equal(t, message.PIDFileInvalid, got["bot@junk"].PIDFileState)
}

func TestModuleOutputGoesToLogSink(t *testing.T) {
	f := newFixture(t)
	id := identity.MustParse("bot@chatty")
	_, err := f.client.Start(context.Background(), id)
	require.NoError(t, err)

	path := filepath.Join(f.runtime, "log", "bot@chatty.log")
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(path)
		return err == nil && strings.Contains(string(b), "module ready")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSupervisorAnswersOnItsOwnIdentity(t *testing.T) {
	f := newFixture(t)
	st, err := f.client.Status(context.Background(), f.sup.Identity())
	require.NoError(t, err)
	assert.Equal(t, message.ProcessRunning, st.ProcessState)
	assert.Equal(t, os.Getpid(), st.PIDValue())

	_, err = f.client.Stop(context.Background(), f.sup.Identity(), client.StopOptions{})
	require.ErrorIs(t, err, message.ErrInvalidRequest)
}

func TestOpenFailsWhenIdentityHeld(t *testing.T) {
	f := newFixture(t)
	other := identity.MustParse("core")
	// pid 1 is alive and not us
	_, err := f.reg.Claim(other)
	require.NoError(t, err)
	require.NoError(t, f.reg.WritePID(other, 1))

	sup, err := New(Config{Identity: other, Bus: f.hub, Registry: f.reg, LogDir: t.TempDir()})
	require.NoError(t, err)
	err = sup.Open(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, registry.ErrAlreadyLocked))
}

func TestRouterRejectsInvalidRequests(t *testing.T) {
	f := newFixture(t)
	replies := make(chan message.Reply, 4)
	sub, err := f.hub.Subscribe(context.Background(), message.ReplyTopic("test.bad"), func(_ context.Context, m bus.Message) {
		if r, err := message.DecodeReply(m.Payload); err == nil {
			replies <- r
		}
	})
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()

	publish := func(topic, body string) {
		require.NoError(t, f.hub.Publish(context.Background(), topic, []byte(body)))
	}
	expectInvalid := func(id string) {
		t.Helper()
		select {
		case r := <-replies:
			assert.Equal(t, id, r.MessageID)
			assert.Equal(t, message.ResultFail, r.Result)
			require.NotNil(t, r.Error)
			assert.Equal(t, message.KindInvalidRequest, *r.Error)
		case <-time.After(5 * time.Second):
			t.Fatalf("no reply for %s", id)
		}
	}

	sup := f.sup.Identity()
	publish(message.RequestTopic(sup, message.ActionStart), `{"messageId":"m1","action":"start","notify":"test.bad","target":"../etc"}`)
	expectInvalid("m1")
	publish(message.RequestTopic(sup, message.ActionStop), `{"messageId":"m2","action":"start","notify":"test.bad","target":"bot@x"}`)
	expectInvalid("m2")
	publish(message.RequestTopic(sup, message.ActionStatus), `{"messageId":"m3","action":"status","notify":"test.bad","target":"bot","bogus":1}`)
	expectInvalid("m3")
	publish(sup.Topic("request", "reboot"), `{"messageId":"m4","action":"reboot","notify":"test.bad"}`)
	expectInvalid("m4")
	// unroutable garbage is dropped without killing the router
	publish(message.RequestTopic(sup, message.ActionStatus), `not json`)

	st, err := f.client.Status(context.Background(), identity.MustParse("bot@idle"))
	require.NoError(t, err)
	assert.Equal(t, message.ProcessStopped, st.ProcessState)
}

func TestCloseReleasesOwnIdentity(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.reg.Exists(f.sup.Identity()))
	require.NoError(t, f.sup.Close())
	assert.False(t, f.reg.Exists(f.sup.Identity()))
	require.NoError(t, f.sup.Close(), "close is idempotent")
}
