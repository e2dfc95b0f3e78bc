// Package syncer keeps a worker process converged on the shared configuration.
//
// Every admin mutation writes a fresh token under one well-known key of the shared
// TTL store. Each request compares that token with the one this process last
// applied and triggers a full reload when they differ. Convergence is eventual and
// at-least-once: several requests (or processes) may observe the same drift and
// reload redundantly, so the reload function must be idempotent.
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/singleflight"
	"pkt.systems/pslog"

	"github.com/celerix-dev/celerix-web/internal/logging"
	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

// DefaultKey is the shared store key holding the sync token.
const DefaultKey = "celerix.web.Application.id"

// ReloadFunc rebuilds the process-local configuration from durable state.
type ReloadFunc func(ctx context.Context) error

// TokenSource produces new sync tokens.
type TokenSource interface {
	NewToken() string
}

type xidTokens struct{}

func (xidTokens) NewToken() string { return xid.New().String() }

// Observer receives reload outcomes.
type Observer interface {
	ObserveReload(d time.Duration, err error)
}

// ReloadError reports a reload that failed after drift was detected. The process
// keeps serving its previous configuration.
type ReloadError struct {
	Token string
	Err   error
}

func (e *ReloadError) Error() string {
	return fmt.Sprintf("reload for token %q: %v", e.Token, e.Err)
}

func (e *ReloadError) Unwrap() error { return e.Err }

// Coordinator tracks the last applied token of this process.
type Coordinator struct {
	store    sdk.TTLStore
	key      string
	reload   ReloadFunc
	tokens   TokenSource
	observer Observer
	logger   pslog.Logger

	group singleflight.Group
	// reloadMu serializes reload plus token adoption so the adopted token never
	// runs ahead of the published configuration.
	reloadMu sync.Mutex

	mu      sync.RWMutex
	last    string
	applied bool
}

// Option customises a Coordinator.
type Option func(*Coordinator)

// WithKey overrides DefaultKey.
func WithKey(key string) Option {
	return func(c *Coordinator) {
		if key != "" {
			c.key = key
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l pslog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithTokenSource replaces the xid token generator.
func WithTokenSource(t TokenSource) Option {
	return func(c *Coordinator) {
		if t != nil {
			c.tokens = t
		}
	}
}

// WithObserver reports every reload to o.
func WithObserver(o Observer) Option {
	return func(c *Coordinator) { c.observer = o }
}

// New returns a coordinator that polls store and calls reload on drift.
func New(store sdk.TTLStore, reload ReloadFunc, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:  store,
		key:    DefaultKey,
		reload: reload,
		tokens: xidTokens{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logging.Subsystem(c.logger, "sync")
	return c
}

// Key returns the shared key the coordinator polls.
func (c *Coordinator) Key() string { return c.key }

// Token returns the last applied token and whether one has been applied.
func (c *Coordinator) Token() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last, c.applied
}

// Init performs the initial load. It is Check with a forced reload.
func (c *Coordinator) Init(ctx context.Context) error {
	c.Reset()
	return c.Check(ctx)
}

// Reset forgets the applied token so the next Check reloads.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	c.last = ""
	c.applied = false
	c.mu.Unlock()
}

// Check reads the shared token and reloads when it differs from the applied one.
// A store failure is returned as is; a reload failure keeps the previous
// configuration and token so the next request tries again.
func (c *Coordinator) Check(ctx context.Context) error {
	current, err := c.current(ctx)
	if err != nil {
		return err
	}
	c.mu.RLock()
	fresh := c.applied && c.last == current
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	_, err, _ = c.group.Do(current, func() (any, error) {
		return nil, c.apply(ctx)
	})
	return err
}

// Bump publishes a new token after a durable mutation, then reloads this process
// and adopts the shared token, which is this one or a newer one.
func (c *Coordinator) Bump(ctx context.Context) error {
	token := c.tokens.NewToken()
	if _, err := c.store.Set(ctx, c.key, token, sdk.Forever); err != nil {
		return err
	}
	c.logger.Info("sync.token.bumped", "token", token)
	_, err, _ := c.group.Do(token, func() (any, error) {
		return nil, c.apply(ctx)
	})
	return err
}

func (c *Coordinator) current(ctx context.Context) (string, error) {
	v, err := c.store.Get(ctx, c.key, "")
	if err != nil {
		return "", err
	}
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "", nil
	default:
		return fmt.Sprint(t), nil
	}
}

// apply reloads and adopts the shared token. The token is read under reloadMu
// before the reload, and mutations publish their token only after the durable
// write, so the configuration loaded is at least as new as the token adopted.
func (c *Coordinator) apply(ctx context.Context) error {
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	token, err := c.current(ctx)
	if err != nil {
		return err
	}
	c.mu.RLock()
	fresh := c.applied && c.last == token
	c.mu.RUnlock()
	if fresh {
		return nil
	}

	start := time.Now()
	err = c.reload(ctx)
	if c.observer != nil {
		c.observer.ObserveReload(time.Since(start), err)
	}
	if err != nil {
		c.logger.Error("sync.reload.failed", "token", token, "error", err)
		return &ReloadError{Token: token, Err: err}
	}
	c.mu.Lock()
	c.last = token
	c.applied = true
	c.mu.Unlock()
	c.logger.Info("sync.reload.complete", "token", token, "elapsed", time.Since(start))
	return nil
}
