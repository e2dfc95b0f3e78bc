// Package web is the worker-side request lifecycle.
//
// An Application owns the routing table, the ACL table and the gin engine built
// from them. Every request first polls the sync coordinator; when the shared
// token moved, the application reloads plugins and rebuilds all three before
// serving. Rebuilt state is swapped in one atomic step so in-flight requests keep
// the snapshot they started with.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"pkt.systems/pslog"

	"github.com/celerix-dev/celerix-web/internal/acl"
	"github.com/celerix-dev/celerix-web/internal/logging"
	"github.com/celerix-dev/celerix-web/internal/metrics"
	"github.com/celerix-dev/celerix-web/internal/pipeline"
	"github.com/celerix-dev/celerix-web/internal/plugin"
	"github.com/celerix-dev/celerix-web/internal/route"
	"github.com/celerix-dev/celerix-web/internal/session"
	"github.com/celerix-dev/celerix-web/internal/syncer"
	"github.com/celerix-dev/celerix-web/internal/vault"
	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

// DefaultCookieName carries the session id when Options.CookieName is empty.
const DefaultCookieName = "CELERIXSESSID"

// Options wires an Application.
type Options struct {
	// Store is the shared TTL store polled for the sync token.
	Store    sdk.TTLStore
	SyncKey  string
	Registry *plugin.Registry
	Modules  []route.Module
	// Rules are declarative ACL rules applied after route-level rules.
	Rules      []acl.Rule
	Sessions   *session.Manager
	Sealer     *vault.CookieSealer
	CookieName string
	// LoginURL receives anonymous GET requests that fail access control.
	LoginURL     string
	TemplateGlob string
	Renderer     Renderer
	Metrics      *metrics.Metrics
	Logger       pslog.Logger
}

// snapshot is everything a reload produces.
type snapshot struct {
	engine *gin.Engine
	routes *route.Table
	acl    *acl.Table
}

// Application serves requests against the current snapshot.
type Application struct {
	opts     Options
	logger   pslog.Logger
	pipeline *pipeline.Pipeline
	sync     *syncer.Coordinator
	renderer Renderer
	current  atomic.Pointer[snapshot]
}

// New builds an application and wires the registry to its sync coordinator.
// Call Init before serving.
func New(opts Options) (*Application, error) {
	if opts.Store == nil || opts.Registry == nil || opts.Sessions == nil {
		return nil, errors.New("web: store, registry and sessions are required")
	}
	if opts.CookieName == "" {
		opts.CookieName = DefaultCookieName
	}
	a := &Application{opts: opts, logger: logging.Subsystem(opts.Logger, "web")}
	a.pipeline = pipeline.New(opts.Registry,
		pipeline.WithLogger(opts.Logger),
		pipeline.WithAbortObserver(opts.Metrics),
	)
	a.sync = syncer.New(opts.Store, a.Rebuild,
		syncer.WithKey(opts.SyncKey),
		syncer.WithLogger(opts.Logger),
		syncer.WithObserver(opts.Metrics),
	)
	opts.Registry.SetBumper(a.sync)
	a.renderer = opts.Renderer
	if a.renderer == nil {
		a.renderer = DefaultRenderer{HTML: opts.TemplateGlob != ""}
	}
	return a, nil
}

// Init performs the initial reload.
func (a *Application) Init(ctx context.Context) error { return a.sync.Init(ctx) }

// Coordinator exposes the sync coordinator.
func (a *Application) Coordinator() *syncer.Coordinator { return a.sync }

// Registry exposes the plugin registry.
func (a *Application) Registry() *plugin.Registry { return a.opts.Registry }

// Routes returns the current routing table, or nil before Init.
func (a *Application) Routes() *route.Table {
	if s := a.current.Load(); s != nil {
		return s.routes
	}
	return nil
}

// ACL returns the current access table, or nil before Init.
func (a *Application) ACL() *acl.Table {
	if s := a.current.Load(); s != nil {
		return s.acl
	}
	return nil
}

// ServeHTTP checks for drift and dispatches through the current engine.
func (a *Application) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := a.sync.Check(r.Context()); err != nil {
		var re *syncer.ReloadError
		if !errors.As(err, &re) || a.current.Load() == nil {
			a.logger.Error("web.sync.unavailable", "error", err)
			http.Error(w, "service unavailable", http.StatusServiceUnavailable)
			return
		}
		a.logger.Warn("web.sync.stale", "error", err)
	}
	s := a.current.Load()
	if s == nil {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	s.engine.ServeHTTP(w, r)
}

// Rebuild reloads plugins and rebuilds routes, ACL and engine. It is idempotent;
// on error the previous snapshot stays in place.
func (a *Application) Rebuild(ctx context.Context) error {
	if err := a.opts.Registry.Reload(ctx); err != nil {
		return err
	}

	groups := make([][]route.Route, 0, len(a.opts.Modules)+1)
	for _, m := range a.opts.Modules {
		groups = append(groups, m.Routes())
	}
	groups = append(groups, a.opts.Registry.Routes())
	table, err := route.Build(groups...)
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}
	for _, r := range table.Conflicts() {
		a.logger.Warn("web.route.conflict", "method", r.Method, "pattern", r.Pattern, "target", r.Target)
	}

	rules := append(table.Rules(), a.opts.Rules...)
	access := acl.NewTable(rules...)

	engine, err := a.newEngine(table, access)
	if err != nil {
		return err
	}
	a.current.Store(&snapshot{engine: engine, routes: table, acl: access})
	a.logger.Debug("web.rebuild.complete", "routes", len(table.Routes()), "rules", access.Len())
	return nil
}

func (a *Application) newEngine(table *route.Table, access *acl.Table) (engine *gin.Engine, err error) {
	// gin reports invalid or clashing patterns by panicking.
	defer func() {
		if r := recover(); r != nil {
			engine, err = nil, fmt.Errorf("register routes: %v", r)
		}
	}()

	engine = gin.New()
	engine.Use(gin.Recovery())
	if glob := a.opts.TemplateGlob; glob != "" {
		matches, globErr := filepath.Glob(glob)
		if globErr != nil {
			return nil, fmt.Errorf("template glob %q: %w", glob, globErr)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("template glob %q matches no files", glob)
		}
		engine.LoadHTMLGlob(glob)
	}
	for _, r := range table.Routes() {
		engine.Handle(r.Method, r.Pattern, a.wrap(r, access))
	}
	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return engine, nil
}
