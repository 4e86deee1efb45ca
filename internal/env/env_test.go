package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func lookup(list []string, key string) (string, bool) {
	for _, kv := range list {
		if len(kv) > len(key) && kv[:len(key)] == key && kv[len(key)] == '=' {
			return kv[len(key)+1:], true
		}
	}
	return "", false
}

func TestMergePrecedence(t *testing.T) {
	e := Empty().WithPairs([]string{"A=base", "B=1"}).WithSet("A", "global")
	out := e.Merge(map[string]string{"B": "module", "C": "${A}-${B}"})

	v, _ := lookup(out, "A")
	assert.Equal(t, "global", v)
	v, _ = lookup(out, "B")
	assert.Equal(t, "module", v)
	v, _ = lookup(out, "C")
	assert.Equal(t, "global-module", v)
}

func TestWithSetDoesNotMutate(t *testing.T) {
	a := Empty()
	b := a.WithSet("K", "v")
	_, ok := a.Lookup("K")
	assert.False(t, ok)
	v, ok := b.Lookup("K")
	assert.True(t, ok)
	assert.Equal(t, "v", v)
	assert.Same(t, a, a.WithSet("", "ignored"))
}

func TestExpandLeavesUnknownAndMalformed(t *testing.T) {
	m := Var{"X": "1"}
	assert.Equal(t, "1-${Y}", expand("${X}-${Y}", m))
	assert.Equal(t, "a${X", expand("a${X", m))
	assert.Equal(t, "plain", expand("plain", m))
}

func TestNewInheritsProcessEnv(t *testing.T) {
	t.Setenv("BOTVISOR_ENV_TEST", "yes")
	v, ok := New().Lookup("BOTVISOR_ENV_TEST")
	assert.True(t, ok)
	assert.Equal(t, "yes", v)
}
