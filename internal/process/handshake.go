package process

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// HandshakeFD is the file descriptor number the child finds the handshake
// pipe on (first entry of exec.Cmd.ExtraFiles).
const HandshakeFD = 3

// EnvHandshakeFD tells the child which descriptor to report readiness on.
const EnvHandshakeFD = "BOTVISOR_HANDSHAKE_FD"

// HandshakeType is the one-shot message a freshly spawned child sends.
type HandshakeType string

const (
	HandshakeReady HandshakeType = "ready"
	HandshakeFail  HandshakeType = "fail"
)

// ErrHandshakeClosed means the child closed the pipe (usually by exiting)
// without sending a handshake.
var ErrHandshakeClosed = errors.New("process: handshake channel closed before ready")

// Handshake is one JSON line on the handshake pipe.
type Handshake struct {
	Type    HandshakeType `json:"type"`
	Error   string        `json:"error,omitempty"`
	Message string        `json:"message,omitempty"`
}

// WriteHandshake encodes h as a single line.
func WriteHandshake(w io.Writer, h Handshake) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// ReadHandshake reads and validates the first line from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && (line == "" || !errors.Is(err, io.EOF)) {
		if errors.Is(err, io.EOF) {
			return Handshake{}, ErrHandshakeClosed
		}
		return Handshake{}, err
	}
	var h Handshake
	if err := json.Unmarshal([]byte(strings.TrimSpace(line)), &h); err != nil {
		return Handshake{}, fmt.Errorf("process: malformed handshake %q: %w", strings.TrimSpace(line), err)
	}
	switch h.Type {
	case HandshakeReady, HandshakeFail:
		return h, nil
	default:
		return Handshake{}, fmt.Errorf("process: unknown handshake type %q", h.Type)
	}
}
