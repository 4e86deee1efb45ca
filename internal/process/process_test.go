//go:build !windows

package process

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"
)

func waitUntil(timeout, step time.Duration, fn func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return true
		}
		time.Sleep(step)
	}
	return fn()
}

func sinkFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(t.TempDir(), "child.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHandshake(&buf, Handshake{Type: HandshakeFail, Error: "InstanceRequired", Message: "instance argument missing"}); err != nil {
		t.Fatal(err)
	}
	h, err := ReadHandshake(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if h.Type != HandshakeFail || h.Error != "InstanceRequired" {
		t.Fatalf("unexpected handshake: %+v", h)
	}
}

func TestReadHandshakeErrors(t *testing.T) {
	if _, err := ReadHandshake(strings.NewReader("")); !errors.Is(err, ErrHandshakeClosed) {
		t.Fatalf("expected ErrHandshakeClosed, got %v", err)
	}
	if _, err := ReadHandshake(strings.NewReader("garbage\n")); err == nil {
		t.Fatal("expected error for malformed handshake")
	}
	if _, err := ReadHandshake(strings.NewReader(`{"type":"maybe"}` + "\n")); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestExists(t *testing.T) {
	if !Exists(os.Getpid()) {
		t.Fatal("own pid should exist")
	}
	if Exists(0) || Exists(-1) {
		t.Fatal("non-positive pids never exist")
	}
	if Exists(1 << 30) {
		t.Fatal("absurd pid should not exist")
	}
	if err := Signal(1<<30, 0); !errors.Is(err, ErrNoProcess) {
		t.Fatalf("expected ErrNoProcess, got %v", err)
	}
}

func TestStartUnixSelf(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("start time only on linux/darwin")
	}
	st := StartUnix(os.Getpid())
	if st <= 0 {
		t.Fatalf("expected positive start time, got %d", st)
	}
	if st > time.Now().Unix()+1 {
		t.Fatalf("start time in the future: %d", st)
	}
	if !SameStart(os.Getpid(), st) {
		t.Fatal("SameStart should match own start time")
	}
	if SameStart(os.Getpid(), st-3600) {
		t.Fatal("SameStart should reject an hour-old start time")
	}
	if !SameStart(os.Getpid(), 0) {
		t.Fatal("unknown recorded start time is a match")
	}
}

func TestSpawnReady(t *testing.T) {
	c, err := Spawn(Command{
		Path: "/bin/sh",
		Args: []string{"-c", `echo '{"type":"ready"}' >&3; sleep 5`},
	}, sinkFile(t))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer func() { _ = c.Kill() }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	h, err := c.AwaitHandshake(ctx)
	if err != nil {
		t.Fatalf("AwaitHandshake: %v", err)
	}
	if h.Type != HandshakeReady {
		t.Fatalf("expected ready, got %+v", h)
	}
	c.Detach()
	if !Exists(c.PID()) {
		t.Fatal("child should still run after detach")
	}
	_ = c.Kill()
	select {
	case <-c.Exited():
	case <-time.After(3 * time.Second):
		t.Fatal("child not reaped after kill")
	}
	if !waitUntil(time.Second, 10*time.Millisecond, func() bool { return !Exists(c.PID()) }) {
		t.Fatal("reaped child still reported as existing")
	}
}

func TestSpawnExitWithoutHandshake(t *testing.T) {
	c, err := Spawn(Command{Path: "/bin/sh", Args: []string{"-c", "exit 2"}}, sinkFile(t))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := c.AwaitHandshake(ctx); !errors.Is(err, ErrHandshakeClosed) {
		t.Fatalf("expected ErrHandshakeClosed, got %v", err)
	}
}

func TestSpawnHandshakeTimeout(t *testing.T) {
	c, err := Spawn(Command{Path: "/bin/sh", Args: []string{"-c", "sleep 5"}}, sinkFile(t))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	defer func() { _ = c.Kill() }()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := c.AwaitHandshake(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSpawnMissingExecutable(t *testing.T) {
	_, err := Spawn(Command{Path: filepath.Join(t.TempDir(), "nope")}, nil)
	if err == nil {
		t.Fatal("expected error for missing executable")
	}
}

func TestSpawnRedirectsOutput(t *testing.T) {
	sink := sinkFile(t)
	c, err := Spawn(Command{Path: "/bin/sh", Args: []string{"-c", "echo hello-from-child"}}, sink)
	if err != nil {
		t.Fatal(err)
	}
	<-c.Exited()
	b, err := os.ReadFile(sink.Name())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), "hello-from-child") {
		t.Fatalf("sink missing output: %q", b)
	}
}
