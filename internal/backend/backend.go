// Package backend opens the shared TTL store and the plugin descriptor table
// selected by configuration.
package backend

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/pslog"

	"github.com/celerix-dev/celerix-web/internal/config"
	"github.com/celerix-dev/celerix-web/internal/engine"
	"github.com/celerix-dev/celerix-web/internal/logging"
	"github.com/celerix-dev/celerix-web/internal/plugin"
	"github.com/celerix-dev/celerix-web/internal/redisstore"
	"github.com/celerix-dev/celerix-web/internal/sqlstore"
	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

// Backend is the pair of collaborators every worker needs.
type Backend struct {
	Store   sdk.EnumerableStore
	Plugins plugin.Table
	// Shared reports whether both collaborators are visible to other processes.
	Shared bool

	closers []func() error
}

// Close releases every underlying connection.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open builds the backend for cfg.
func Open(ctx context.Context, cfg *config.Config, logger pslog.Logger) (*Backend, error) {
	logger = logging.Subsystem(logger, "backend")
	b := &Backend{}

	dbs := map[string]*sqlstore.Store{}
	openDB := func(path string) (*sqlstore.Store, error) {
		if s, ok := dbs[path]; ok {
			return s, nil
		}
		s, err := sqlstore.Open(path)
		if err != nil {
			return nil, err
		}
		dbs[path] = s
		b.closers = append(b.closers, s.Close)
		return s, nil
	}

	switch cfg.Store.Driver {
	case config.DriverMemory:
		store, err := openMemory(cfg.Store.Path, logger)
		if err != nil {
			return nil, err
		}
		b.Store = store
		b.closers = append(b.closers, func() error { store.Wait(); return nil })
	case config.DriverSQLite:
		path := cfg.Store.Path
		if path == "" {
			path = cfg.Database.Path
		}
		s, err := openDB(path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		b.Store = s.Cache()
	case config.DriverRedis:
		s, err := redisstore.Open(ctx, cfg.Store.Addr)
		if err != nil {
			return nil, err
		}
		b.Store = s
		b.closers = append(b.closers, s.Close)
	case config.DriverRemote:
		c, err := sdk.Connect(cfg.Store.Addr, sdk.WithTLS(cfg.Store.TLS), sdk.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("connect to store %s: %w", cfg.Store.Addr, err)
		}
		b.Store = c
		b.closers = append(b.closers, c.Close)
	default:
		return nil, &config.SyntaxError{Reason: fmt.Sprintf("unknown store driver %q", cfg.Store.Driver)}
	}

	dbPath := cfg.Database.Path
	if dbPath == "" && cfg.Store.Driver == config.DriverSQLite {
		dbPath = cfg.Store.Path
	}
	if dbPath != "" {
		s, err := openDB(dbPath)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("open plugin database: %w", err)
		}
		b.Plugins = s.Plugins()
	} else {
		b.Plugins = plugin.NewMemoryTable()
	}

	b.Shared = cfg.Store.Driver != config.DriverMemory && dbPath != ""
	if !b.Shared {
		logger.Warn("backend.not_shared", "driver", cfg.Store.Driver, "database", dbPath)
	}
	logger.Info("backend.open", "driver", cfg.Store.Driver, "database", dbPath)
	return b, nil
}

// openMemory returns a process-local store, snapshotted to dir when set.
func openMemory(dir string, logger pslog.Logger) (*engine.MemStore, error) {
	if dir == "" {
		return engine.NewMemStore(nil, nil), nil
	}
	p, err := engine.NewPersistence(dir, logger)
	if err != nil {
		return nil, err
	}
	data, err := p.LoadAll()
	if err != nil {
		return nil, err
	}
	return engine.NewMemStore(data, p), nil
}
