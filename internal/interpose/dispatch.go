//go:build linux

package interpose

import (
	"fmt"
	"log/slog"

	"github.com/bpicori/shimfs/internal/procctx"
	"github.com/bpicori/shimfs/internal/redirect"
)

// Interposer exposes the intercepted entry points.
type Interposer struct {
	engine *redirect.Engine
	ctx    *procctx.Context
	logger *slog.Logger

	// real holds the implementation of every catalog entry, resolved once
	// when the Interposer is built.
	real map[string]any
}

// Option customizes an Interposer.
type Option func(*options)

type options struct {
	registry *Registry
	logger   *slog.Logger
}

// WithRegistry replaces DefaultRegistry.
func WithRegistry(r *Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithLogger sets the logger used for redirect tracing. Without it the
// slog default logger at call time is used.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds an Interposer on top of engine. It panics if the registry lacks
// an implementation for a catalog entry.
func New(engine *redirect.Engine, opts ...Option) *Interposer {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = DefaultRegistry()
	}

	ip := &Interposer{
		engine: engine,
		ctx:    engine.Context(),
		logger: o.logger,
		real:   make(map[string]any, len(catalog)),
	}
	for name := range catalog {
		fn, ok := o.registry.lookup(name)
		if !ok {
			panic("interpose: no real implementation for " + name)
		}
		ip.real[name] = fn
	}
	return ip
}

// Engine returns the redirect engine.
func (ip *Interposer) Engine() *redirect.Engine {
	return ip.engine
}

// Context returns the process context the interposer applies.
func (ip *Interposer) Context() *procctx.Context {
	return ip.ctx
}

func (ip *Interposer) log() *slog.Logger {
	if ip.logger != nil {
		return ip.logger
	}
	return slog.Default()
}

// rewrite applies the catalog policy of op to its path arguments.
func (ip *Interposer) rewrite(op string, paths ...string) []string {
	entry, ok := catalog[op]
	if !ok {
		panic("interpose: operation not in catalog: " + op)
	}
	if len(paths) != len(entry.Modes) {
		panic(fmt.Sprintf("interpose: %s takes %d path arguments, got %d", op, len(entry.Modes), len(paths)))
	}

	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = ip.engine.Redirect(p, entry.Modes[i])
		if out[i] != p {
			ip.log().Debug("redirected", "op", op, "path", p, "redirected", out[i])
		}
	}
	return out
}

// realOf returns the real implementation of op with its concrete signature.
func realOf[F any](ip *Interposer, op string) F {
	fn, ok := ip.real[op].(F)
	if !ok {
		panic(fmt.Sprintf("interpose: real implementation of %s is %T, want %T", op, ip.real[op], fn))
	}
	return fn
}
