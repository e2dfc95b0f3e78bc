package sdk

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned when a requested key does not exist or has expired.
	ErrKeyNotFound = errors.New("key not found")
	// ErrClosed is returned when a store is used after Close.
	ErrClosed = errors.New("store closed")
)

// Forever is the TTL that marks an entry as never expiring.
const Forever = -1

// StoreError wraps a persistence failure reported by a backend.
// It is surfaced to the caller as-is; the store layer never retries it.
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// --- Functional Interfaces (Interface Segregation) ---

// KVReader defines the read side of a TTL store.
// Get evaluates expiry before returning; an expired entry is deleted and def returned.
type KVReader interface {
	Get(ctx context.Context, key string, def any) (any, error)
}

// KVWriter defines the write side of a TTL store.
type KVWriter interface {
	// Set upserts val under key and rewrites its creation time.
	// ttl is in seconds; Forever disables expiry.
	Set(ctx context.Context, key string, val any, ttl int) (bool, error)
	// Remove deletes key. Removing a missing key reports false.
	Remove(ctx context.Context, key string) (bool, error)
}

// KeyEnumeration allows discovering live keys.
type KeyEnumeration interface {
	Keys(ctx context.Context) ([]string, error)
}

// --- Composite Interfaces ---

// TTLStore is the key/value contract shared by the cache, the session layer and the
// sync token. No transactional isolation is provided: concurrent writers to the same
// key are last-writer-wins.
type TTLStore interface {
	KVReader
	KVWriter
}

// EnumerableStore is a TTLStore that can list its keys and expose raw entries.
type EnumerableStore interface {
	TTLStore
	KeyEnumeration
	Entry(ctx context.Context, key string) (Entry, error)
	Put(ctx context.Context, e Entry) error
}
