package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/botvisor"
	"github.com/loykin/botvisor/internal/message"
)

// syncBuffer is written by the console's subscription goroutine.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "bvc")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	path := filepath.Join(dir, "botvisor.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
runtime_dir = "`+dir+`"
use_os_env = false

[watchdog]
enabled = false
`), 0o600))
	return path
}

func startDaemon(t *testing.T, path string) *botvisor.Daemon {
	t.Helper()
	cfg, err := botvisor.LoadConfig(path)
	require.NoError(t, err)
	d, err := botvisor.NewDaemon(cfg, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = d.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return d
}

func run(t *testing.T, ctx context.Context, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	out := &syncBuffer{}
	root.SetOut(out)
	root.SetErr(out)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), err
}

func TestConfigCommandPrintsResolvedPaths(t *testing.T) {
	path := writeConfig(t)
	out, err := run(t, context.Background(), "--config", path, "config")
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &got), out)
	dir := filepath.Dir(path)
	assert.Equal(t, dir, got["RuntimeDir"])
	assert.Equal(t, filepath.Join(dir, "proc"), got["ProcDir"])
	assert.Equal(t, filepath.Join(dir, "ipc", "bus.sock"), got["SocketPath"])
}

func TestConfigCommandRejectsBadFile(t *testing.T) {
	_, err := run(t, context.Background(), "--config", "/nonexistent/botvisor.toml", "config")
	assert.Error(t, err)
}

func TestStatusAndDumpAgainstDaemon(t *testing.T) {
	path := writeConfig(t)
	startDaemon(t, path)
	ctx := context.Background()

	out, err := run(t, ctx, "--config", path, "--timeout", "5s", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "IDENTITY")
	assert.Contains(t, out, "supervisor")

	out, err = run(t, ctx, "--config", path, "status", "supervisor", "--json")
	require.NoError(t, err)
	var st message.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st), out)
	assert.Equal(t, message.ProcessRunning, st.ProcessState)

	_, err = run(t, ctx, "--config", path, "status", "supervisor", "--check")
	require.NoError(t, err)
	_, err = run(t, ctx, "--config", path, "status", "nobody@here", "--check")
	require.ErrorIs(t, err, message.ErrPidFileMissing)

	out, err = run(t, ctx, "--config", path, "dump")
	require.NoError(t, err)
	var sts []message.Status
	require.NoError(t, json.Unmarshal([]byte(out), &sts), out)
	require.Len(t, sts, 1)
	assert.Equal(t, "supervisor", sts[0].Identity)
}

func TestLifecycleErrorsReachTheCaller(t *testing.T) {
	path := writeConfig(t)
	startDaemon(t, path)
	ctx := context.Background()

	_, err := run(t, ctx, "--config", path, "start", "nosuch@x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(message.KindForkFailed))

	_, err = run(t, ctx, "--config", path, "stop", "nosuch@x", "--confirm")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(message.KindNotRunning))

	_, err = run(t, ctx, "--config", path, "stop", "supervisor")
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(message.KindInvalidRequest))

	_, err = run(t, ctx, "--config", path, "start", "bad@")
	assert.Error(t, err)
}

func TestConsolePrintsTraffic(t *testing.T) {
	path := writeConfig(t)
	d := startDaemon(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	root := buildRoot()
	out := &syncBuffer{}
	root.SetOut(out)
	root.SetArgs([]string{"--config", path, "console", "demo.#"})
	done := make(chan error, 1)
	go func() { done <- root.ExecuteContext(ctx) }()

	require.Eventually(t, func() bool {
		_ = d.Bus().Publish(context.Background(), "demo.hello", []byte(`{"n":1}`))
		return strings.Contains(out.String(), `demo.hello {"n":1}`)
	}, 5*time.Second, 50*time.Millisecond)
	_ = d.Bus().Publish(context.Background(), "other.topic", []byte("x"))

	cancel()
	require.NoError(t, <-done)
	assert.NotContains(t, out.String(), "other.topic")
}

func TestDaemonArgs(t *testing.T) {
	got := daemonArgs([]string{"serve", "--daemonize", "--logfile", "/tmp/x.log", "--config=a.toml", "--logfile=/tmp/y"})
	assert.Equal(t, []string{"serve", "--config=a.toml"}, got)
}

func TestHelpListsCommands(t *testing.T) {
	out, err := run(t, context.Background(), "--help")
	require.NoError(t, err)
	for _, c := range []string{"serve", "start", "stop", "restart", "status", "config", "console", "dump"} {
		assert.Contains(t, out, c)
	}
}
