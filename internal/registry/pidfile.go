package registry

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// pidMeta is the optional JSON line following the PID. A claim whose PID is
// not written yet has an empty first line and records who claimed it.
type pidMeta struct {
	StartUnix     int64  `json:"start_unix,omitempty"`
	Claimant      int    `json:"claimant,omitempty"`
	ClaimantStart int64  `json:"claimant_start,omitempty"`
	Claim         string `json:"claim,omitempty"`
}

// encodePIDFile renders the file contents: the PID on the first line and,
// when known, the process start time as JSON on the second.
func encodePIDFile(pid int, startUnix int64) []byte {
	var b strings.Builder
	b.WriteString(strconv.Itoa(pid))
	b.WriteByte('\n')
	if startUnix > 0 {
		meta, _ := json.Marshal(pidMeta{StartUnix: startUnix})
		b.Write(meta)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}

// encodeClaim renders a pending claim: no PID yet, only the claimant.
func encodeClaim(m pidMeta) []byte {
	meta, _ := json.Marshal(m)
	return append(append([]byte{'\n'}, meta...), '\n')
}

// decodePIDFile parses contents written by encodePIDFile or encodeClaim.
// Only the first line is required; unreadable metadata is ignored. The
// metadata is returned even when the PID line is invalid.
func decodePIDFile(b []byte) (int, pidMeta, error) {
	text := strings.ReplaceAll(string(b), "\r\n", "\n")
	first, rest, _ := strings.Cut(text, "\n")
	var meta pidMeta
	if line, _, _ := strings.Cut(strings.TrimSpace(rest), "\n"); line != "" {
		_ = json.Unmarshal([]byte(line), &meta)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, meta, fmt.Errorf("%w: %q", ErrInvalid, strings.TrimSpace(first))
	}
	if pid <= 0 {
		return 0, meta, fmt.Errorf("%w: non-positive pid %d", ErrInvalid, pid)
	}
	return pid, meta, nil
}
