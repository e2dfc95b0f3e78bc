// Package plugin keeps the durable table of installed plugins and the in-memory
// event index built from it.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/celerix-dev/celerix-web/internal/pipeline"
	"github.com/celerix-dev/celerix-web/internal/route"
)

var (
	// ErrUnknownPlugin is returned when an id is not registered in the catalog.
	ErrUnknownPlugin = errors.New("unknown plugin")
	// ErrDuplicate is returned by a Table when a descriptor name already exists.
	ErrDuplicate = errors.New("plugin already installed")
)

// Bind is one declared event binding.
type Bind struct {
	Target   string `json:"target"`
	Callback string `json:"callback"`
}

// Manifest is what a plugin declares about itself.
type Manifest struct {
	// Name is the fully-qualified identity stored in the descriptor table.
	Name          string
	Title         string
	Description   string
	Bindings      map[pipeline.Event][]Bind
	Routes        []route.Route
	UIModules     []string
	DefaultConfig map[string]any
}

// Bind appends a binding of callback to event for each target pattern.
func (m *Manifest) Bind(event pipeline.Event, callback string, targets ...string) {
	if m.Bindings == nil {
		m.Bindings = make(map[pipeline.Event][]Bind)
	}
	for _, t := range targets {
		m.Bindings[event] = append(m.Bindings[event], Bind{Target: t, Callback: callback})
	}
}

// Plugin is a compiled-in extension. A fresh instance is created for every
// handler invocation.
type Plugin interface {
	Manifest() Manifest
	Callback(name string) (pipeline.HandlerFunc, bool)
}

// Installer runs once when the plugin is installed.
type Installer interface {
	Install(ctx context.Context) error
}

// Uninstaller is the teardown hook run on uninstall.
type Uninstaller interface {
	Uninstall(ctx context.Context) error
}

// Configurable receives the plugin's live configuration before each callback.
type Configurable interface {
	Configure(config map[string]any)
}

// Factory constructs a plugin instance.
type Factory func() Plugin

type entry struct {
	id       string
	factory  Factory
	manifest Manifest
}

// Catalog is the stable lookup table of plugins compiled into the binary,
// keyed by install id and by manifest name.
type Catalog struct {
	mu     sync.RWMutex
	byID   map[string]entry
	byName map[string]entry
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{byID: make(map[string]entry), byName: make(map[string]entry)}
}

// Register adds a plugin under id after validating its manifest.
func (c *Catalog) Register(id string, f Factory) error {
	if id == "" || f == nil {
		return fmt.Errorf("plugin %q: id and factory are required", id)
	}
	p := f()
	m := p.Manifest()
	if m.Name == "" {
		return fmt.Errorf("plugin %q: manifest has no name", id)
	}
	for event, binds := range m.Bindings {
		if _, ok := pipeline.ParseEvent(string(event)); !ok {
			return fmt.Errorf("plugin %q: unknown event %q", id, event)
		}
		for _, b := range binds {
			if _, ok := p.Callback(b.Callback); !ok {
				return fmt.Errorf("plugin %q: %s binding references missing callback %q", id, event, b.Callback)
			}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, taken := c.byID[id]; taken {
		return fmt.Errorf("plugin %q already registered", id)
	}
	if _, taken := c.byName[m.Name]; taken {
		return fmt.Errorf("plugin name %q already registered", m.Name)
	}
	e := entry{id: id, factory: f, manifest: m}
	c.byID[id] = e
	c.byName[m.Name] = e
	return nil
}

// MustRegister is Register for init-time wiring.
func (c *Catalog) MustRegister(id string, f Factory) {
	if err := c.Register(id, f); err != nil {
		panic(err)
	}
}

// Lookup resolves an install id.
func (c *Catalog) Lookup(id string) (Factory, Manifest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byID[id]
	return e.factory, e.manifest, ok
}

// LookupName resolves a manifest name as stored in descriptors.
func (c *Catalog) LookupName(name string) (Factory, Manifest, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.byName[name]
	return e.factory, e.manifest, ok
}

// Available lists registered ids, sorted.
func (c *Catalog) Available() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.byID))
	for id := range c.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
