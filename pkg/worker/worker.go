// Package worker is the module side of the supervisor contract: it parses
// the instance argument, joins the control-plane bus, answers pings on the
// module's identity and reports ready or fail on the handshake descriptor.
//
// A minimal module:
//
//	func main() {
//		err := worker.Run(context.Background(), worker.Options{
//			Name:            "irc",
//			RequireInstance: true,
//			Serve: func(ctx context.Context, w *worker.Context) error {
//				<-ctx.Done()
//				return nil
//			},
//		}, os.Args[1:])
//		if err != nil {
//			os.Exit(1)
//		}
//	}
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/caarlos0/env/v11"

	"github.com/loykin/botvisor/internal/bus"
	"github.com/loykin/botvisor/internal/config"
	"github.com/loykin/botvisor/internal/identity"
	"github.com/loykin/botvisor/internal/message"
	"github.com/loykin/botvisor/internal/probe"
	"github.com/loykin/botvisor/internal/process"
	"github.com/loykin/botvisor/internal/registry"
)

// Env is what the supervisor hands a spawned module.
type Env struct {
	RuntimeDir  string `env:"BOTVISOR_RUNTIME_DIR"`
	Module      string `env:"BOTVISOR_MODULE"`
	HandshakeFD int    `env:"BOTVISOR_HANDSHAKE_FD" envDefault:"0"`
	BusSocket   string `env:"BOTVISOR_BUS_SOCKET"`
}

// LoadEnv reads Env from the process environment.
func LoadEnv() (Env, error) {
	var e Env
	if err := env.Parse(&e); err != nil {
		return Env{}, fmt.Errorf("worker: parse env: %w", err)
	}
	if e.RuntimeDir == "" {
		e.RuntimeDir = config.DefaultRuntimeDir()
	}
	if e.BusSocket == "" {
		e.BusSocket = filepath.Join(e.RuntimeDir, "ipc", "bus.sock")
	}
	return e, nil
}

// Context is what a running module gets to work with.
type Context struct {
	Identity identity.Identity
	Bus      bus.Bus
	Env      Env
	Args     []string // arguments after the instance
	Log      *slog.Logger
}

// Options describe a module.
type Options struct {
	// Name is the module name. Empty uses the name part of BOTVISOR_MODULE.
	Name string
	// RequireInstance fails the handshake with InstanceRequired when no
	// instance argument was given.
	RequireInstance bool
	// Init runs after the bus is joined and before ready is reported. An
	// error is reported as the failure kind (message.KindOf) on the handshake.
	Init func(ctx context.Context, w *Context) error
	// Serve runs until ctx ends. Nil waits for ctx.
	Serve func(ctx context.Context, w *Context) error
	// Status is carried in every pong.
	Status probe.StatusFunc
	Logger *slog.Logger
}

// Run executes a module until SIGINT, SIGTERM or ctx ends. args are the
// command line arguments without the program name; args[0], when present,
// is the instance.
func Run(ctx context.Context, opts Options, args []string) error {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := LoadEnv()
	if err != nil {
		return err
	}
	hs := handshake{fd: e.HandshakeFD, log: log}

	id, rest, err := resolveIdentity(opts, e, args)
	if err != nil {
		hs.fail(err)
		return err
	}
	log = log.With("identity", id.String())

	reg, err := registry.New(filepath.Join(e.RuntimeDir, "proc"))
	if err != nil {
		hs.fail(err)
		return err
	}
	// Started by hand rather than by the supervisor: hold the lock ourselves.
	if e.HandshakeFD <= 0 {
		if _, err := reg.ClaimOwn(id); err != nil {
			err = message.Errorf(message.KindAlreadyRunning, "%s: %v", id, err)
			return err
		}
	}
	defer func() {
		// a pending claim means the supervisor has not recorded us yet
		if _, err := reg.ReleaseIfOwner(id, os.Getpid()); err != nil && !errors.Is(err, registry.ErrInvalid) {
			log.Warn("release pid file failed", "error", err)
		}
	}()

	client, err := bus.Dial(ctx, e.BusSocket, bus.WithLogger(log))
	if err != nil {
		err = fmt.Errorf("worker: join bus: %w", err)
		hs.fail(err)
		return err
	}
	defer func() { _ = client.Close() }()

	sub, err := probe.Respond(ctx, client, id, os.Getpid(), opts.Status, log)
	if err != nil {
		hs.fail(err)
		return err
	}
	defer func() { _ = sub.Unsubscribe() }()

	w := &Context{Identity: id, Bus: client, Env: e, Args: rest, Log: log}
	if opts.Init != nil {
		if err := opts.Init(ctx, w); err != nil {
			hs.fail(err)
			return err
		}
	}
	hs.ready()
	log.Info("module ready", "pid", os.Getpid())

	if opts.Serve == nil {
		<-ctx.Done()
		return nil
	}
	if err := opts.Serve(ctx, w); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func resolveIdentity(opts Options, e Env, args []string) (identity.Identity, []string, error) {
	name := opts.Name
	if name == "" && e.Module != "" {
		if id, err := identity.Parse(e.Module); err == nil {
			name = id.Name
		}
	}
	if name == "" {
		return identity.Identity{}, nil, message.Errorf(message.KindInvalidRequest, "module name unknown")
	}
	var instance string
	var rest []string
	if len(args) > 0 {
		instance, rest = args[0], args[1:]
	}
	if instance == "" && opts.RequireInstance {
		return identity.Identity{}, nil, message.Errorf(message.KindInstanceRequired, "%s needs an instance argument", name)
	}
	id, err := identity.New(name, instance)
	if err != nil {
		return identity.Identity{}, nil, message.Errorf(message.KindInvalidRequest, "%v", err)
	}
	return id, rest, nil
}

// handshake writes the one-shot report on the inherited descriptor. It is a
// no-op when the module was not spawned by a supervisor.
type handshake struct {
	fd   int
	done bool
	log  *slog.Logger
}

func (h *handshake) ready() { h.send(process.Handshake{Type: process.HandshakeReady}) }

func (h *handshake) fail(err error) {
	h.send(process.Handshake{Type: process.HandshakeFail, Error: string(message.KindOf(err)), Message: err.Error()})
}

func (h *handshake) send(m process.Handshake) {
	if h.fd <= 0 || h.done {
		return
	}
	h.done = true
	f := os.NewFile(uintptr(h.fd), "handshake")
	if f == nil {
		return
	}
	defer func() { _ = f.Close() }()
	if err := process.WriteHandshake(f, m); err != nil {
		h.log.Warn("handshake write failed", "type", m.Type, "error", err)
	}
}
