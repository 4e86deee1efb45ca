// Package identity defines the addressing unit shared by lock files, bus
// topics and reply routing.
//
// An identity is a module name optionally qualified by an instance, written
// canonically as "name" or "name@instance". Parse also accepts the legacy
// "name.instance" form; String always produces the canonical form, so every
// topic and file path in the repository is built from one function.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Separator joins name and instance in the canonical form.
const Separator = "@"

// legacySeparator is accepted by Parse and normalized to Separator.
const legacySeparator = "."

var (
	ErrEmpty   = errors.New("identity: empty")
	ErrInvalid = errors.New("identity: invalid")
)

// Identity addresses a supervised module.
type Identity struct {
	Name     string
	Instance string
}

// New builds an identity from its parts and validates them.
func New(name, instance string) (Identity, error) {
	id := Identity{Name: name, Instance: instance}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Parse reads "name", "name@instance" or "name.instance".
func Parse(s string) (Identity, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Identity{}, ErrEmpty
	}
	sep := ""
	switch {
	case strings.Contains(s, Separator):
		sep = Separator
	case strings.Contains(s, legacySeparator):
		sep = legacySeparator
	}
	id := Identity{Name: s}
	if sep != "" {
		name, inst, _ := strings.Cut(s, sep)
		if inst == "" {
			return Identity{}, fmt.Errorf("%w: %q has an empty instance", ErrInvalid, s)
		}
		id = Identity{Name: name, Instance: inst}
	}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// MustParse is Parse for constants; it panics on error.
func MustParse(s string) Identity {
	id, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Validate checks that both parts only use [A-Za-z0-9_-].
func (id Identity) Validate() error {
	if id.Name == "" {
		return fmt.Errorf("%w: name required", ErrInvalid)
	}
	if !validSegment(id.Name) {
		return fmt.Errorf("%w: name %q: allowed [A-Za-z0-9_-]", ErrInvalid, id.Name)
	}
	if id.Instance != "" && !validSegment(id.Instance) {
		return fmt.Errorf("%w: instance %q: allowed [A-Za-z0-9_-]", ErrInvalid, id.Instance)
	}
	return nil
}

// String returns the canonical form.
func (id Identity) String() string {
	if id.Instance == "" {
		return id.Name
	}
	return id.Name + Separator + id.Instance
}

// IsZero reports whether id is unset.
func (id Identity) IsZero() bool { return id.Name == "" && id.Instance == "" }

// HasInstance reports whether an instance qualifier is present.
func (id Identity) HasInstance() bool { return id.Instance != "" }

// Topic joins the identity with further topic segments.
func (id Identity) Topic(segments ...string) string {
	if len(segments) == 0 {
		return id.String()
	}
	return id.String() + "." + strings.Join(segments, ".")
}

// MarshalText implements encoding.TextMarshaler.
func (id Identity) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identity) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*id = Identity{}
		return nil
	}
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*id = p
	return nil
}

func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
		default:
			return false
		}
	}
	return true
}
