package message

import (
	"errors"
	"fmt"
)

// ErrorKind is the failure taxonomy reported in replies.
type ErrorKind string

const (
	KindAlreadyRunning           ErrorKind = "AlreadyRunning"
	KindNotRunning               ErrorKind = "NotRunning"
	KindLogOpenFailed            ErrorKind = "LogOpenFailed"
	KindForkFailed               ErrorKind = "ForkFailed"
	KindChildReportedInitFailure ErrorKind = "ChildReportedInitFailure"
	KindPidFileInvalid           ErrorKind = "PidFileInvalid"
	KindPidFileMissing           ErrorKind = "PidFileMissing"
	KindInstanceRequired         ErrorKind = "InstanceRequired"
	KindProbeTimeout             ErrorKind = "ProbeTimeout"
	KindReadyTimeout             ErrorKind = "ReadyTimeout"
	KindStopUnconfirmed          ErrorKind = "StopUnconfirmed"
	KindInvalidRequest           ErrorKind = "InvalidRequest"
	KindInternal                 ErrorKind = "Internal"
)

// ErrInvalidMessage reports a payload that failed schema validation.
var ErrInvalidMessage = errors.New("message: invalid")

// Error is a domain failure with a kind from the taxonomy. errors.Is
// matches two *Error values by kind alone.
type Error struct {
	Kind    ErrorKind
	Message string
	PID     int
}

// Errorf builds an *Error.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

// Is reports kind equality.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// WithPID returns e with the offending PID attached.
func (e *Error) WithPID(pid int) *Error {
	e.PID = pid
	return e
}

// KindOf extracts the kind of err, or KindInternal when err carries none.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Sentinels for errors.Is comparisons.
var (
	ErrAlreadyRunning           = &Error{Kind: KindAlreadyRunning}
	ErrNotRunning               = &Error{Kind: KindNotRunning}
	ErrLogOpenFailed            = &Error{Kind: KindLogOpenFailed}
	ErrForkFailed               = &Error{Kind: KindForkFailed}
	ErrChildReportedInitFailure = &Error{Kind: KindChildReportedInitFailure}
	ErrPidFileInvalid           = &Error{Kind: KindPidFileInvalid}
	ErrPidFileMissing           = &Error{Kind: KindPidFileMissing}
	ErrInstanceRequired         = &Error{Kind: KindInstanceRequired}
	ErrProbeTimeout             = &Error{Kind: KindProbeTimeout}
	ErrReadyTimeout             = &Error{Kind: KindReadyTimeout}
	ErrStopUnconfirmed          = &Error{Kind: KindStopUnconfirmed}
	ErrInvalidRequest           = &Error{Kind: KindInvalidRequest}
)
