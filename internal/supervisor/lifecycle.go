package supervisor

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/loykin/botvisor/internal/history"
	"github.com/loykin/botvisor/internal/identity"
	"github.com/loykin/botvisor/internal/logger"
	"github.com/loykin/botvisor/internal/message"
	"github.com/loykin/botvisor/internal/metrics"
	"github.com/loykin/botvisor/internal/process"
	"github.com/loykin/botvisor/internal/registry"
)

// start brings id up. The lock is held from claim to the ready handshake
// and released on every failure path.
func (s *Supervisor) start(ctx context.Context, id identity.Identity, args []string) (int, error) {
	log := s.log.With("identity", id.String())

	st := s.prober.Probe(ctx, id)
	switch st.ProcessState {
	case message.ProcessRunning, message.ProcessUnresponsive:
		return 0, message.Errorf(message.KindAlreadyRunning, "%s is %s with pid %d",
			id, strings.ToLower(string(st.ProcessState)), st.PIDValue()).WithPID(st.PIDValue())
	}
	if st.PIDFileState == message.PIDFileInvalid {
		holder, err := s.reg.Holder(id)
		if err != nil {
			return 0, message.Errorf(message.KindInternal, "%v", err)
		}
		if holder != "" {
			return 0, message.Errorf(message.KindAlreadyRunning, "%s: start already in progress (%s)", id, holder)
		}
	}
	if st.PIDFileState != message.PIDFileMissing {
		log.Info("clearing leftover pid file", "process", st.ProcessState, "pidfile", st.PIDFileState, "pid", st.PIDValue())
		if err := s.reg.Release(id); err != nil {
			return 0, message.Errorf(message.KindInternal, "%v", err)
		}
	}

	lock, err := s.reg.Claim(id)
	if err != nil {
		if errors.Is(err, registry.ErrAlreadyLocked) {
			return 0, message.Errorf(message.KindAlreadyRunning, "%s: start already in progress", id)
		}
		return 0, message.Errorf(message.KindInternal, "%v", err)
	}

	pid, err := s.spawn(ctx, id, args, lock)
	if err != nil {
		if rerr := lock.Release(); rerr != nil {
			log.Error("release lock after failed start", "error", rerr)
		}
		log.Warn("start failed", "pid", pid, "error", err)
		s.record(ctx, history.EventFail, id, pid, err)
		return pid, err
	}
	log.Info("module started", "pid", pid)
	metrics.IncStart(id.Name)
	s.record(ctx, history.EventStart, id, pid, nil)
	return pid, nil
}

func (s *Supervisor) spawn(ctx context.Context, id identity.Identity, args []string, lock *registry.Lock) (int, error) {
	sink, err := logger.ModuleWriter(s.logDir, id.String())
	if err != nil {
		return 0, message.Errorf(message.KindLogOpenFailed, "%s: %v", id, err)
	}
	// the child holds its own descriptor once spawned
	defer func() { _ = sink.Close() }()

	cmd := s.resolver.Resolve(id, args)
	cmd.Env = append(cmd.Env, EnvRuntimeDir+"="+s.runtimeDir, EnvModule+"="+id.String())
	if s.busSocket != "" {
		cmd.Env = append(cmd.Env, EnvBusSocket+"="+s.busSocket)
	}
	child, err := process.Spawn(cmd, sink)
	if err != nil {
		return 0, message.Errorf(message.KindForkFailed, "%s: %v", id, err)
	}
	pid := child.PID()

	hctx, cancel := context.WithTimeout(ctx, s.readyTimeout)
	defer cancel()
	hs, err := child.AwaitHandshake(hctx)
	switch {
	case err == nil && hs.Type == process.HandshakeReady:
		if err := lock.WritePID(pid); err != nil {
			abandon(child, true)
			return pid, message.Errorf(message.KindInternal, "%v", err).WithPID(pid)
		}
		child.Detach()
		return pid, nil
	case err == nil:
		abandon(child, false)
		kind := hs.Error
		if kind == "" {
			kind = "unknown"
		}
		return pid, message.Errorf(message.KindChildReportedInitFailure, "%s reported %s: %s", id, kind, hs.Message).WithPID(pid)
	case errors.Is(err, process.ErrHandshakeClosed):
		abandon(child, true)
		return pid, message.Errorf(message.KindChildReportedInitFailure, "%s exited before reporting ready", id).WithPID(pid)
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		abandon(child, true)
		return pid, message.Errorf(message.KindReadyTimeout, "%s not ready after %s", id, s.readyTimeout).WithPID(pid)
	case ctx.Err() != nil:
		abandon(child, true)
		return pid, message.Errorf(message.KindInternal, "%s: start abandoned: %v", id, ctx.Err()).WithPID(pid)
	default:
		abandon(child, true)
		return pid, message.Errorf(message.KindChildReportedInitFailure, "%s: %v", id, err).WithPID(pid)
	}
}

// abandon signals a child that will not be kept, unless it is already
// reaped and its PID may have been reused.
func abandon(c *process.Child, kill bool) {
	select {
	case <-c.Exited():
		return
	default:
	}
	if kill {
		_ = c.Kill()
	} else {
		_ = c.Terminate()
	}
}

// stop asks id to terminate. By default it returns as soon as the
// interrupt is sent; confirm waits for the exit and force escalates to
// SIGKILL at the deadline (force implies confirm).
func (s *Supervisor) stop(ctx context.Context, id identity.Identity, confirm, force bool) (int, error) {
	log := s.log.With("identity", id.String())

	st := s.prober.Probe(ctx, id)
	switch st.ProcessState {
	case message.ProcessRunning, message.ProcessUnresponsive:
	default:
		if st.PIDFileState != message.PIDFileMissing {
			log.Info("clearing dangling pid file", "process", st.ProcessState, "pidfile", st.PIDFileState)
			if err := s.reg.Release(id); err != nil {
				log.Warn("release dangling pid file", "error", err)
			}
		}
		return 0, message.Errorf(message.KindNotRunning, "%s is not running", id)
	}
	pid := st.PIDValue()
	if pid <= 0 {
		return 0, message.Errorf(message.KindInternal, "%s answered without a pid", id)
	}

	if err := process.Interrupt(pid); err != nil {
		if errors.Is(err, process.ErrNoProcess) {
			_, _ = s.reg.ReleaseIfOwner(id, pid)
			return 0, message.Errorf(message.KindNotRunning, "%s (pid %d) exited", id, pid)
		}
		return pid, message.Errorf(message.KindInternal, "%s: interrupt pid %d: %v", id, pid, err).WithPID(pid)
	}
	metrics.IncStop(id.Name)
	log.Info("interrupt sent", "pid", pid, "confirm", confirm || force, "force", force)

	if !confirm && !force {
		s.record(ctx, history.EventStop, id, pid, nil)
		return pid, nil
	}
	exited := awaitExit(ctx, pid, s.stopTimeout)
	if !exited && force {
		log.Warn("escalating to SIGKILL", "pid", pid, "after", s.stopTimeout)
		_ = process.Kill(pid)
		exited = awaitExit(ctx, pid, killGrace)
	}
	if !exited {
		err := message.Errorf(message.KindStopUnconfirmed, "%s (pid %d) still running after %s", id, pid, s.stopTimeout).WithPID(pid)
		s.record(ctx, history.EventFail, id, pid, err)
		return pid, err
	}
	if _, err := s.reg.ReleaseIfOwner(id, pid); err != nil {
		log.Warn("release pid file after stop", "error", err)
	}
	s.record(ctx, history.EventStop, id, pid, nil)
	return pid, nil
}

// awaitExit polls the existence test until pid is gone, d elapses or ctx
// ends.
func awaitExit(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()
	for {
		if !process.Exists(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !process.Exists(pid)
		case <-deadline.C:
			return !process.Exists(pid)
		case <-tick.C:
		}
	}
}
