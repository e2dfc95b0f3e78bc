// Package pipeline runs the ordered, short-circuiting plugin handler chains that
// surround every request: on_init, before_execute, before_render and on_finish.
//
// For one event and one target identity the pipeline resolves the bound handlers
// whose target pattern matches, runs them in registration order against a shared
// mutable Context, and stops at the first Abort. The wrapped operation only runs
// when every handler returned Continue, and it sees every mutation the chain made.
package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"pkt.systems/pslog"

	"github.com/celerix-dev/celerix-web/internal/logging"
)

// Event names one of the four lifecycle hooks.
type Event string

const (
	OnInit        Event = "on_init"
	BeforeExecute Event = "before_execute"
	BeforeRender  Event = "before_render"
	OnFinish      Event = "on_finish"
)

// Events lists the hooks in the order they fire during a request.
var Events = []Event{OnInit, BeforeExecute, BeforeRender, OnFinish}

// ParseEvent validates an event name.
func ParseEvent(s string) (Event, bool) {
	for _, e := range Events {
		if string(e) == s {
			return e, true
		}
	}
	return "", false
}

// Result is the tagged outcome of a handler.
type Result int

const (
	// Continue lets the chain proceed.
	Continue Result = iota
	// Abort stops the chain and suppresses the wrapped operation.
	Abort
)

func (r Result) String() string {
	if r == Abort {
		return "abort"
	}
	return "continue"
}

// Context is the per-invocation record shared by one handler chain.
// before_execute handlers see Args/Kwargs, before_render handlers see
// TemplateName/Kwargs. Values is free scratch space for plugins.
type Context struct {
	Event        Event
	Target       string
	Request      *http.Request
	Writer       http.ResponseWriter
	Args         []string
	Kwargs       map[string]any
	TemplateName string
	Session      map[string]any
	Values       map[string]any
}

// Handler is the uniform capability every bound callback implements.
type Handler interface {
	Handle(ctx context.Context, ec *Context) (Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, ec *Context) (Result, error)

func (f HandlerFunc) Handle(ctx context.Context, ec *Context) (Result, error) {
	return f(ctx, ec)
}

// Operation is the work a chain wraps.
type Operation func(ctx context.Context, ec *Context) (Result, error)

// Source supplies the current event index. The registry swaps it on reload.
type Source interface {
	Index() Index
}

// AbortObserver is notified when a chain aborts.
type AbortObserver interface {
	ObserveAbort(event string)
}

// Pipeline executes handler chains resolved from a Source.
type Pipeline struct {
	src      Source
	logger   pslog.Logger
	observer AbortObserver
}

// Option customises a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the pipeline logger.
func WithLogger(l pslog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithAbortObserver registers a metrics hook for aborted chains.
func WithAbortObserver(o AbortObserver) Option {
	return func(p *Pipeline) { p.observer = o }
}

// New returns a pipeline reading bindings from src.
func New(src Source, opts ...Option) *Pipeline {
	p := &Pipeline{src: src}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.Subsystem(p.logger, "pipeline")
	return p
}

// Run executes the chain for event against ec.Target and then op (which may be nil).
// It returns Abort without calling op when a handler aborts or fails.
func (p *Pipeline) Run(ctx context.Context, event Event, ec *Context, op Operation) (Result, error) {
	ec.Event = event
	for _, b := range p.src.Index().Resolve(event, ec.Target) {
		res, err := b.Handler.Handle(ctx, ec)
		if err != nil {
			p.aborted(event)
			p.logger.Warn("pipeline.handler.failed",
				"event", string(event), "target", ec.Target, "plugin", b.Plugin, "callback", b.Callback, "error", err)
			return Abort, fmt.Errorf("%s handler %s.%s: %w", event, b.Plugin, b.Callback, err)
		}
		if res == Abort {
			p.aborted(event)
			p.logger.Debug("pipeline.chain.aborted",
				"event", string(event), "target", ec.Target, "plugin", b.Plugin, "callback", b.Callback)
			return Abort, nil
		}
	}
	if op == nil {
		return Continue, nil
	}
	return op(ctx, ec)
}

func (p *Pipeline) aborted(event Event) {
	if p.observer != nil {
		p.observer.ObserveAbort(string(event))
	}
}

// Wildcard is the universal target pattern; a trailing Wildcard turns a pattern
// into a prefix match.
const Wildcard = "*"

// Match reports whether a binding pattern applies to identity.
func Match(pattern, identity string) bool {
	if pattern == Wildcard {
		return true
	}
	if i := strings.Index(pattern, Wildcard); i >= 0 {
		return strings.HasPrefix(identity, pattern[:i])
	}
	return pattern == identity
}
