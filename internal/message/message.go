// Package message holds the wire schemas exchanged over the control-plane
// bus. Every payload is decoded and validated here, at the bus boundary,
// before any core logic sees it.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/botvisor/internal/identity"
)

// Request asks the supervisor to perform an action.
type Request struct {
	MessageID string   `json:"messageId"`
	Action    Action   `json:"action"`
	Target    string   `json:"target,omitempty"`
	Notify    string   `json:"notify"`
	Args      []string `json:"args,omitempty"`
	// Confirm waits for the stopped process to exit.
	Confirm bool `json:"confirm,omitempty"`
	// Force escalates an unconfirmed stop to SIGKILL.
	Force bool `json:"force,omitempty"`
}

// Validate checks required fields and the target identity.
func (r *Request) Validate() error {
	if r.MessageID == "" {
		return fmt.Errorf("%w: messageId required", ErrInvalidMessage)
	}
	if _, err := ParseAction(string(r.Action)); err != nil {
		return err
	}
	if r.Notify == "" {
		return fmt.Errorf("%w: notify required", ErrInvalidMessage)
	}
	if err := validTopicPrefix(r.Notify); err != nil {
		return err
	}
	if r.Action.NeedsTarget() {
		if _, err := r.TargetIdentity(); err != nil {
			return fmt.Errorf("%w: target: %v", ErrInvalidMessage, err)
		}
	}
	return nil
}

// TargetIdentity parses Target.
func (r *Request) TargetIdentity() (identity.Identity, error) {
	return identity.Parse(r.Target)
}

// DecodeRequest unmarshals and validates a request. Unknown fields are
// rejected. The returned request is usable for replying whenever its
// Notify and MessageID fields were readable, even if err != nil.
func DecodeRequest(b []byte) (Request, error) {
	var r Request
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&r); err != nil {
		// best effort recovery of the reply address
		var loose struct {
			MessageID string `json:"messageId"`
			Notify    string `json:"notify"`
		}
		_ = json.Unmarshal(b, &loose)
		return Request{MessageID: loose.MessageID, Notify: loose.Notify}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := r.Validate(); err != nil {
		return r, err
	}
	return r, nil
}

// Reply answers a Request on <notify>.reply.
type Reply struct {
	MessageID string     `json:"messageId"`
	Command   Action     `json:"command"`
	Target    string     `json:"target,omitempty"`
	Result    Result     `json:"result"`
	ChildPID  *int       `json:"childPid"`
	Error     *ErrorKind `json:"error"`
	Message   string     `json:"message,omitempty"`
	Status    *Status    `json:"status,omitempty"`
	Statuses  []Status   `json:"statuses,omitempty"`
}

// NewReply starts a success reply for req.
func NewReply(req Request) Reply {
	return Reply{MessageID: req.MessageID, Command: req.Action, Target: req.Target, Result: ResultSuccess}
}

// Fail marks the reply failed with err's kind and text.
func (r *Reply) Fail(err error) {
	kind := KindOf(err)
	r.Result = ResultFail
	r.Error = &kind
	// the kind travels separately; Err puts the prefix back
	r.Message = strings.TrimPrefix(err.Error(), string(kind)+": ")
	var e *Error
	if errors.As(err, &e) {
		if err == e {
			r.Message = e.Message
		}
		if e.PID != 0 {
			r.ChildPID = IntPtr(e.PID)
		}
	}
}

// Err converts a failed reply back into an *Error.
func (r Reply) Err() error {
	if r.Result != ResultFail {
		return nil
	}
	kind := KindInternal
	if r.Error != nil {
		kind = *r.Error
	}
	e := &Error{Kind: kind, Message: r.Message}
	if r.ChildPID != nil {
		e.PID = *r.ChildPID
	}
	return e
}

// DecodeReply unmarshals and validates a reply.
func DecodeReply(b []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(b, &r); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if r.MessageID == "" {
		return Reply{}, fmt.Errorf("%w: reply without messageId", ErrInvalidMessage)
	}
	switch r.Result {
	case ResultSuccess, ResultFail:
	default:
		return Reply{}, fmt.Errorf("%w: result %q", ErrInvalidMessage, r.Result)
	}
	return r, nil
}

// Ping asks an identity to prove it is alive.
type Ping struct {
	RequestID string `json:"requestId"`
	ReplyTo   string `json:"replyTo"`
}

// DecodePing unmarshals and validates a ping.
func DecodePing(b []byte) (Ping, error) {
	var p Ping
	if err := json.Unmarshal(b, &p); err != nil {
		return Ping{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if p.RequestID == "" || p.ReplyTo == "" {
		return Ping{}, fmt.Errorf("%w: ping requires requestId and replyTo", ErrInvalidMessage)
	}
	if err := validTopicPrefix(p.ReplyTo); err != nil {
		return Ping{}, err
	}
	return p, nil
}

// Pong answers a Ping.
type Pong struct {
	RequestID string `json:"requestId"`
	PID       int    `json:"pid"`
	Status    string `json:"status"`
}

// DecodePong unmarshals and validates a pong.
func DecodePong(b []byte) (Pong, error) {
	var p Pong
	if err := json.Unmarshal(b, &p); err != nil {
		return Pong{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if p.RequestID == "" || p.PID <= 0 {
		return Pong{}, fmt.Errorf("%w: pong requires requestId and pid", ErrInvalidMessage)
	}
	return p, nil
}

// Encode marshals any message. Marshalling these types cannot fail.
func Encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("message: encode %T: %v", v, err))
	}
	return b
}
