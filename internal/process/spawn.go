package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

// Command describes the executable a module is started from.
type Command struct {
	Path string
	Args []string
	Env  []string // full environment; nil inherits the parent's
	Dir  string
}

// Child is a spawned module awaiting its ready/fail handshake. After Detach
// the supervisor keeps no handle on it beyond the background reaper, which
// only exists so exited children do not linger as zombies.
type Child struct {
	cmd       *exec.Cmd
	handshake *os.File

	mu      sync.Mutex
	done    chan struct{}
	waitErr error
}

// Spawn starts c with stdout and stderr redirected to sink and the write end
// of a pipe passed as HandshakeFD. The caller may close sink once Spawn
// returns; the child holds its own descriptor.
func Spawn(c Command, sink *os.File) (*Child, error) {
	if c.Path == "" {
		return nil, errors.New("process: empty command path")
	}
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("process: handshake pipe: %w", err)
	}
	// #nosec G204 -- path comes from the supervisor's module resolver
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Dir = c.Dir
	env := c.Env
	if env == nil {
		env = os.Environ()
	}
	cmd.Env = append(append([]string(nil), env...), EnvHandshakeFD+"="+strconv.Itoa(HandshakeFD))
	if sink != nil {
		cmd.Stdout = sink
		cmd.Stderr = sink
	}
	cmd.ExtraFiles = []*os.File{w}
	configureSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, err
	}
	// Only the child may hold the write end, so its exit closes the pipe.
	_ = w.Close()

	ch := &Child{cmd: cmd, handshake: r, done: make(chan struct{})}
	go ch.reap()
	return ch, nil
}

func (c *Child) reap() {
	err := c.cmd.Wait()
	c.mu.Lock()
	c.waitErr = err
	c.mu.Unlock()
	close(c.done)
}

// PID returns the child's process id.
func (c *Child) PID() int { return c.cmd.Process.Pid }

// Exited is closed once the child has exited and been reaped.
func (c *Child) Exited() <-chan struct{} { return c.done }

// ExitErr returns the wait error after Exited is closed.
func (c *Child) ExitErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waitErr
}

// AwaitHandshake blocks until the child reports ready or fail, closes the
// pipe, or ctx ends.
func (c *Child) AwaitHandshake(ctx context.Context) (Handshake, error) {
	type result struct {
		h   Handshake
		err error
	}
	ch := make(chan result, 1)
	go func() {
		h, err := ReadHandshake(c.handshake)
		ch <- result{h, err}
	}()
	select {
	case res := <-ch:
		return res.h, res.err
	case <-ctx.Done():
		// unblocks the reader goroutine
		_ = c.handshake.Close()
		return Handshake{}, ctx.Err()
	}
}

// Detach drops the handshake channel. The child keeps running on its own.
func (c *Child) Detach() {
	_ = c.handshake.Close()
}

// Terminate sends SIGTERM to the child.
func (c *Child) Terminate() error { return Terminate(c.PID()) }

// Kill sends SIGKILL to the child.
func (c *Child) Kill() error { return Kill(c.PID()) }
