// Package engine implements the in-memory TTL store served by celerix-stored and
// used in embedded mode.
package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

// MemStore is a thread-safe TTL store. Expired entries are removed lazily by the
// read that observes them.
type MemStore struct {
	mu        sync.Mutex
	data      map[string]sdk.Entry
	persister *Persistence
	clock     sdk.Clock
	version   uint64
	wg        sync.WaitGroup
}

// Option customises a MemStore.
type Option func(*MemStore)

// WithClock overrides the time source used for expiry.
func WithClock(c sdk.Clock) Option {
	return func(m *MemStore) { m.clock = c }
}

// NewMemStore initializes a store.
// It accepts existing data (from LoadAll) and an optional persister.
func NewMemStore(initialData map[string]sdk.Entry, p *Persistence, opts ...Option) *MemStore {
	if initialData == nil {
		initialData = make(map[string]sdk.Entry)
	}
	m := &MemStore{
		data:      initialData,
		persister: p,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wait waits for all background persistence tasks to complete.
func (m *MemStore) Wait() {
	m.wg.Wait()
}

// --- Interface Implementation ---

func (m *MemStore) Get(ctx context.Context, key string, def any) (any, error) {
	m.mu.Lock()
	e, ok := m.data[key]
	if !ok {
		m.mu.Unlock()
		return def, nil
	}
	if e.Expired(m.clock.Now()) {
		delete(m.data, key)
		m.persistLocked()
		m.mu.Unlock()
		return def, nil
	}
	m.mu.Unlock()
	return e.Value, nil
}

func (m *MemStore) Set(ctx context.Context, key string, val any, ttl int) (bool, error) {
	m.mu.Lock()
	m.data[key] = sdk.Entry{Key: key, Value: val, CreatedAt: m.clock.Now(), TTL: ttl}
	m.persistLocked()
	m.mu.Unlock()
	return true, nil
}

func (m *MemStore) Remove(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; !ok {
		return false, nil
	}
	delete(m.data, key)
	m.persistLocked()
	return true, nil
}

// Keys returns the keys of all live entries, sorted.
func (m *MemStore) Keys(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	list := make([]string, 0, len(m.data))
	for k, e := range m.data {
		if !e.Expired(now) {
			list = append(list, k)
		}
	}
	sort.Strings(list)
	return list, nil
}

// Entry returns the raw entry for key without applying expiry.
func (m *MemStore) Entry(ctx context.Context, key string) (sdk.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.data[key]
	if !ok {
		return sdk.Entry{}, sdk.ErrKeyNotFound
	}
	return e, nil
}

// Put stores e verbatim, keeping its CreatedAt.
func (m *MemStore) Put(ctx context.Context, e sdk.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[e.Key] = e
	m.persistLocked()
	return nil
}

// Len reports the number of stored entries, expired or not.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// persistLocked snapshots the map and saves it in the background.
// It MUST be called while holding m.mu.
func (m *MemStore) persistLocked() {
	if m.persister == nil {
		return
	}
	m.version++
	snapshot := make(map[string]sdk.Entry, len(m.data))
	for k, v := range m.data {
		snapshot[k] = v
	}
	m.wg.Add(1)
	go func(version uint64, data map[string]sdk.Entry) {
		defer m.wg.Done()
		m.persister.Save(version, data)
	}(m.version, snapshot)
}
