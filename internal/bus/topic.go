package bus

import (
	"errors"
	"fmt"
	"strings"
)

// Wildcard segments accepted in subscription patterns.
const (
	// WildcardSingle matches exactly one segment.
	WildcardSingle = "*"
	// WildcardMulti matches zero or more trailing segments.
	WildcardMulti = "#"
	// Separator splits topic segments.
	Separator = "."
)

var (
	ErrInvalidTopic   = errors.New("bus: invalid topic")
	ErrInvalidPattern = errors.New("bus: invalid pattern")
)

func segments(s string) []string { return strings.Split(s, Separator) }

// ValidateTopic checks a concrete topic: non-empty segments, no wildcards.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("%w: empty", ErrInvalidTopic)
	}
	for _, seg := range segments(topic) {
		if seg == "" || strings.ContainsAny(seg, "*# \t\r\n") {
			return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
		}
	}
	return nil
}

// ValidatePattern checks a subscription pattern. Wildcards must span a whole
// segment and WildcardMulti may only appear last.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("%w: empty", ErrInvalidPattern)
	}
	segs := segments(pattern)
	for i, seg := range segs {
		switch {
		case seg == WildcardSingle:
		case seg == WildcardMulti:
			if i != len(segs)-1 {
				return fmt.Errorf("%w: %q: %s must be the last segment", ErrInvalidPattern, pattern, WildcardMulti)
			}
		case seg == "" || strings.ContainsAny(seg, "*# \t\r\n"):
			return fmt.Errorf("%w: %q", ErrInvalidPattern, pattern)
		}
	}
	return nil
}

// Match reports whether a concrete topic matches pattern.
func Match(pattern, topic string) bool {
	ps, ts := segments(pattern), segments(topic)
	for i, p := range ps {
		if p == WildcardMulti {
			return true
		}
		if i >= len(ts) {
			return false
		}
		if p != WildcardSingle && p != ts[i] {
			return false
		}
	}
	return len(ps) == len(ts)
}
