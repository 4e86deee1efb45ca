// Package env composes the environment handed to spawned modules: the
// supervisor's own environment, then global overrides, then per-module
// overrides, with ${VAR} references expanded against the composed set.
package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env is immutable once built; With* methods return copies.
type Env struct {
	vars Var
	base Var
}

// New returns an Env whose base is the current process environment.
func New() *Env {
	return &Env{vars: make(Var), base: parse(os.Environ())}
}

// Empty returns an Env with no base, used where the child must not inherit
// the supervisor's environment.
func Empty() *Env {
	return &Env{vars: make(Var), base: make(Var)}
}

// WithSet returns a copy with k=v applied as a global override.
func (e *Env) WithSet(k, v string) *Env {
	if k == "" {
		return e
	}
	n := e.clone()
	n.vars[k] = v
	return n
}

// WithPairs applies every "K=V" entry; malformed entries are skipped.
func (e *Env) WithPairs(kvs []string) *Env {
	n := e.clone()
	for k, v := range parse(kvs) {
		n.vars[k] = v
	}
	return n
}

// WithMap applies m as global overrides.
func (e *Env) WithMap(m map[string]string) *Env {
	n := e.clone()
	for k, v := range m {
		if k != "" {
			n.vars[k] = v
		}
	}
	return n
}

// Merge composes base, globals and perModule (in that order of precedence,
// lowest first) and returns a sorted "K=V" list.
func (e *Env) Merge(perModule map[string]string) []string {
	m := make(Var, len(e.base)+len(e.vars)+len(perModule))
	for k, v := range e.base {
		m[k] = v
	}
	for k, v := range e.vars {
		m[k] = v
	}
	for k, v := range perModule {
		if k != "" {
			m[k] = v
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Lookup returns the composed value of k without per-module overrides.
func (e *Env) Lookup(k string) (string, bool) {
	if v, ok := e.vars[k]; ok {
		return v, true
	}
	v, ok := e.base[k]
	return v, ok
}

func (e *Env) clone() *Env {
	n := &Env{vars: make(Var, len(e.vars)+1), base: e.base}
	for k, v := range e.vars {
		n.vars[k] = v
	}
	return n
}

// Pairs turns "K=V" entries into a map; malformed entries are skipped.
func Pairs(kvs []string) Var { return parse(kvs) }

func parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

// expand replaces ${VAR} with its value in m. Unknown references are left
// as they are; there is no recursion.
func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}
