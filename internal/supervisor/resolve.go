package supervisor

import (
	"path/filepath"

	"github.com/loykin/botvisor/internal/env"
	"github.com/loykin/botvisor/internal/identity"
	"github.com/loykin/botvisor/internal/process"
)

// Child environment variables set on every spawn.
const (
	EnvRuntimeDir = "BOTVISOR_RUNTIME_DIR"
	EnvModule     = "BOTVISOR_MODULE"
	EnvBusSocket  = "BOTVISOR_BUS_SOCKET"
)

// Module overrides how a module name maps to an executable.
type Module struct {
	Command string   // absolute, or relative to the modules directory
	Args    []string // passed after the instance argument
	Env     []string // KEY=VALUE, highest precedence
	WorkDir string
}

// Resolver turns an identity into the command that starts it.
type Resolver struct {
	ModulesDir string
	Modules    map[string]Module
	Env        *env.Env
}

// Resolve builds the command for id. The instance, when present, is argv[1],
// followed by configured and then per-request arguments. Whether the
// executable exists is left to the spawn.
func (r Resolver) Resolve(id identity.Identity, extra []string) process.Command {
	m := r.Modules[id.Name]
	path := m.Command
	if path == "" {
		path = id.Name
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.ModulesDir, path)
	}

	var args []string
	if id.HasInstance() {
		args = append(args, id.Instance)
	}
	args = append(args, m.Args...)
	args = append(args, extra...)

	e := r.Env
	if e == nil {
		e = env.New()
	}
	return process.Command{
		Path: path,
		Args: args,
		Env:  e.Merge(env.Pairs(m.Env)),
		Dir:  m.WorkDir,
	}
}
