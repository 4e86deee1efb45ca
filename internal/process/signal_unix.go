//go:build !windows

package process

import (
	"bytes"
	"errors"
	"os"
	"runtime"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrNoProcess is returned by Signal when the PID does not exist.
var ErrNoProcess = errors.New("process: no such process")

// Exists performs a zero-signal existence test. EPERM counts as alive: the
// PID is held by a process we may not signal. Zombies are reported as gone.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	if runtime.GOOS == "linux" && isZombieLinux(pid) {
		return false
	}
	return true
}

// Signal delivers sig to pid.
func Signal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return ErrNoProcess
	}
	if err := unix.Kill(pid, sig); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return ErrNoProcess
		}
		return err
	}
	return nil
}

// Interrupt sends SIGINT, the termination request used by stop.
func Interrupt(pid int) error { return Signal(pid, unix.SIGINT) }

// Terminate sends SIGTERM.
func Terminate(pid int) error { return Signal(pid, unix.SIGTERM) }

// Kill sends SIGKILL.
func Kill(pid int) error { return Signal(pid, unix.SIGKILL) }

// isZombieLinux returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombieLinux(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
