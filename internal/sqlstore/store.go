// Package sqlstore keeps the shared cache and the plugin descriptor table in one
// SQLite database so several worker processes on a host can share them.
package sqlstore

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - cache and plugins tables
const currentSchemaVersion = 1

// Store owns the database handle.
type Store struct {
	db    *sql.DB
	clock sdk.Clock
}

// Option customises a Store.
type Option func(*Store)

// WithClock overrides the time source used for cache expiry.
func WithClock(c sdk.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// Open creates or opens the database at path and applies the schema.
// Safe to call from several processes against the same file.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Cache returns the TTL store view of the database.
func (s *Store) Cache() *Cache { return &Cache{db: s.db, clock: s.clock} }

// Plugins returns the descriptor table view of the database.
func (s *Store) Plugins() *PluginTable { return &PluginTable{db: s.db} }

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
