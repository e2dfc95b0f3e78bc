package plugin

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"pkt.systems/pslog"

	"github.com/celerix-dev/celerix-web/internal/logging"
	"github.com/celerix-dev/celerix-web/internal/pipeline"
	"github.com/celerix-dev/celerix-web/internal/route"
)

// Bumper publishes a new sync token after a configuration mutation.
type Bumper interface {
	Bump(ctx context.Context) error
}

// state is everything Reload derives from the table. It is replaced wholesale.
type state struct {
	index     pipeline.Index
	configs   map[string]map[string]any
	installed []string
	routes    []route.Route
	uiModules []string
}

func emptyState() *state {
	return &state{index: pipeline.Index{}, configs: map[string]map[string]any{}}
}

// Registry installs and removes plugins and serves the event index built at the
// last reload. It is the single process-wide plugin context; construct one per
// process and pass it to the pipeline and the web layer.
type Registry struct {
	table   Table
	catalog *Catalog
	logger  pslog.Logger

	// writeMu serializes Reload and SetConfig so a reload built from older rows
	// cannot replace a newer local config.
	writeMu sync.Mutex

	mu     sync.RWMutex
	bumper Bumper
	state  *state
}

// NewRegistry builds a registry over table. Call Reload (or let the sync
// coordinator do it) before serving requests.
func NewRegistry(table Table, catalog *Catalog, logger pslog.Logger) *Registry {
	return &Registry{
		table:   table,
		catalog: catalog,
		logger:  logging.Subsystem(logger, "plugin.registry"),
		state:   emptyState(),
	}
}

// SetBumper wires the sync coordinator. Without one, mutations only change the table.
func (r *Registry) SetBumper(b Bumper) {
	r.mu.Lock()
	r.bumper = b
	r.mu.Unlock()
}

// Catalog returns the plugin lookup table.
func (r *Registry) Catalog() *Catalog { return r.catalog }

// ResolveName maps an install id to its descriptor name. Ids missing from the
// catalog are taken to be descriptor names already.
func (r *Registry) ResolveName(id string) string {
	name, _ := r.resolveName(id)
	return name
}

func (r *Registry) resolveName(id string) (string, Factory) {
	if f, m, ok := r.catalog.Lookup(id); ok {
		return m.Name, f
	}
	if f, m, ok := r.catalog.LookupName(id); ok {
		return m.Name, f
	}
	return id, nil
}

// Install persists a descriptor for id, runs the plugin's install hook and bumps
// the sync token. It reports false without side effects when the plugin is
// already installed. A failed hook removes the descriptor again.
func (r *Registry) Install(ctx context.Context, id string, config map[string]any) (bool, error) {
	f, m, ok := r.catalog.Lookup(id)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownPlugin, id)
	}
	exists, err := r.table.Exists(ctx, Filter{Name: m.Name})
	if err != nil {
		return false, err
	}
	if exists {
		r.logger.Info("plugin.install.duplicate", "plugin", m.Name)
		return false, nil
	}

	d := &Descriptor{
		Name:      m.Name,
		Bindings:  m.Bindings,
		UIModules: slices.Clone(m.UIModules),
		Config:    CloneConfig(m.DefaultConfig),
	}
	if config != nil {
		d.Config = CloneConfig(config)
	}
	for _, rt := range m.Routes {
		d.Handlers = append(d.Handlers, rt.Target)
	}
	if err := r.table.Insert(ctx, d); err != nil {
		if errors.Is(err, ErrDuplicate) {
			r.logger.Info("plugin.install.duplicate", "plugin", m.Name)
			return false, nil
		}
		return false, err
	}

	if inst, ok := f().(Installer); ok {
		if err := inst.Install(ctx); err != nil {
			hookErr := fmt.Errorf("install hook %s: %w", m.Name, err)
			if _, derr := r.table.Delete(ctx, Filter{Name: m.Name}); derr != nil {
				r.logger.Error("plugin.install.rollback_failed", "plugin", m.Name, "error", derr)
				return false, errors.Join(hookErr, derr)
			}
			return false, hookErr
		}
	}
	r.logger.Info("plugin.install.complete", "plugin", m.Name, "seq", d.Seq)

	if err := r.bump(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// Uninstall runs the plugin's teardown hook, deletes its descriptor and bumps
// the sync token. It reports false when the plugin is not installed.
func (r *Registry) Uninstall(ctx context.Context, id string) (bool, error) {
	name, f := r.resolveName(id)
	exists, err := r.table.Exists(ctx, Filter{Name: name})
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	if f != nil {
		if un, ok := f().(Uninstaller); ok {
			if err := un.Uninstall(ctx); err != nil {
				return false, fmt.Errorf("uninstall hook %s: %w", name, err)
			}
		}
	}
	n, err := r.table.Delete(ctx, Filter{Name: name})
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Removed concurrently by another process.
		return false, nil
	}
	r.logger.Info("plugin.uninstall.complete", "plugin", name)

	if err := r.bump(ctx); err != nil {
		return true, err
	}
	return true, nil
}

// SetConfig replaces a plugin's configuration and updates the local config index.
// It does not bump the sync token: other processes pick the change up at their
// next reload.
func (r *Registry) SetConfig(ctx context.Context, id string, config map[string]any) (bool, error) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	name, _ := r.resolveName(id)
	rows, err := r.table.Select(ctx, Filter{Name: name})
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}
	d := rows[0]
	d.Config = CloneConfig(config)
	if err := r.table.Update(ctx, d); err != nil {
		return false, err
	}

	r.mu.Lock()
	next := *r.state
	next.configs = make(map[string]map[string]any, len(r.state.configs)+1)
	for k, v := range r.state.configs {
		next.configs[k] = v
	}
	next.configs[name] = CloneConfig(config)
	r.state = &next
	r.mu.Unlock()

	r.logger.Info("plugin.config.updated", "plugin", name)
	return true, nil
}

// Reload rebuilds the event index, config map, plugin routes and UI modules from
// the table. It is idempotent and safe to call redundantly or concurrently.
func (r *Registry) Reload(ctx context.Context) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	rows, err := r.table.Select(ctx, Filter{})
	if err != nil {
		return fmt.Errorf("select plugins: %w", err)
	}

	next := emptyState()
	for _, d := range rows {
		f, m, ok := r.catalog.LookupName(d.Name)
		if !ok {
			r.logger.Warn("plugin.reload.unknown", "plugin", d.Name)
			continue
		}
		sample := f()
		next.installed = append(next.installed, d.Name)
		next.configs[d.Name] = CloneConfig(d.Config)
		for _, event := range pipeline.Events {
			for _, b := range d.Bindings[event] {
				if _, ok := sample.Callback(b.Callback); !ok {
					r.logger.Warn("plugin.reload.missing_callback", "plugin", d.Name, "callback", b.Callback)
					continue
				}
				next.index[event] = append(next.index[event], pipeline.Binding{
					Plugin:   d.Name,
					Target:   b.Target,
					Callback: b.Callback,
					Handler:  r.invoker(f, d.Name, b.Callback),
				})
			}
		}
		for _, rt := range m.Routes {
			if slices.Contains(d.Handlers, rt.Target) {
				next.routes = append(next.routes, rt)
			}
		}
		next.uiModules = append(next.uiModules, d.UIModules...)
	}

	r.mu.Lock()
	r.state = next
	r.mu.Unlock()
	r.logger.Debug("plugin.reload.complete", "plugins", len(next.installed), "bindings", next.index.Len())
	return nil
}

// invoker returns a handler that runs callback on a fresh plugin instance.
func (r *Registry) invoker(f Factory, name, callback string) pipeline.Handler {
	return pipeline.HandlerFunc(func(ctx context.Context, ec *pipeline.Context) (pipeline.Result, error) {
		p := f()
		if c, ok := p.(Configurable); ok {
			c.Configure(r.Config(name))
		}
		cb, ok := p.Callback(callback)
		if !ok {
			return pipeline.Abort, fmt.Errorf("plugin %s has no callback %q", name, callback)
		}
		return cb(ctx, ec)
	})
}

func (r *Registry) bump(ctx context.Context) error {
	r.mu.RLock()
	b := r.bumper
	r.mu.RUnlock()
	if b == nil {
		return nil
	}
	if err := b.Bump(ctx); err != nil {
		return fmt.Errorf("publish sync token: %w", err)
	}
	return nil
}

func (r *Registry) snapshot() *state {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Index returns the event index from the last reload.
func (r *Registry) Index() pipeline.Index { return r.snapshot().index }

// Config returns a copy of a plugin's live configuration.
func (r *Registry) Config(name string) map[string]any {
	return CloneConfig(r.snapshot().configs[name])
}

// Installed lists installed plugin names in reload order.
func (r *Registry) Installed() []string { return slices.Clone(r.snapshot().installed) }

// Routes returns the routes contributed by installed plugins.
func (r *Registry) Routes() []route.Route { return slices.Clone(r.snapshot().routes) }

// UIModules returns the UI module identifiers of installed plugins.
func (r *Registry) UIModules() []string { return slices.Clone(r.snapshot().uiModules) }

// Descriptors reads the persisted descriptors directly from the table.
func (r *Registry) Descriptors(ctx context.Context) ([]Descriptor, error) {
	return r.table.Select(ctx, Filter{})
}
