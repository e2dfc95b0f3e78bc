// Package session implements sliding-expiration sessions over a TTL store.
//
// A session record is stored under prefix+id with no store-level expiry; the
// session layer applies its own window. A read at or past half of the window
// rewrites the record with a fresh timestamp, and a read at or past the full
// window deletes it. Every mutation is a read-modify-write of the whole record
// with no cross-process atomicity: concurrent writers to one session lose updates.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"github.com/celerix-dev/celerix-web/internal/logging"
	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

const (
	// DefaultLeftTime is the session window.
	DefaultLeftTime = 1800 * time.Second
	// DefaultPrefix namespaces session records in the shared store.
	DefaultPrefix = "session:"
)

// Record is the persisted form of a session.
type Record struct {
	SessionID string         `json:"session_id"`
	Data      map[string]any `json:"data"`
	Time      time.Time      `json:"time"`
}

// Observer is told about refreshes and expiries.
type Observer interface {
	ObserveSessionRefresh()
	ObserveSessionExpiry()
}

// Manager opens sessions against a store.
type Manager struct {
	store    sdk.TTLStore
	prefix   string
	leftTime time.Duration
	clock    sdk.Clock
	observer Observer
	logger   pslog.Logger
}

// Option customises a Manager.
type Option func(*Manager)

// WithLeftTime sets the session window. Non-positive values are ignored.
func WithLeftTime(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.leftTime = d
		}
	}
}

// WithPrefix sets the store key prefix.
func WithPrefix(p string) Option {
	return func(m *Manager) { m.prefix = p }
}

// WithClock overrides the time source.
func WithClock(c sdk.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithObserver reports refreshes and expiries.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithLogger sets the logger.
func WithLogger(l pslog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager returns a session manager over store.
func NewManager(store sdk.TTLStore, opts ...Option) *Manager {
	m := &Manager{store: store, prefix: DefaultPrefix, leftTime: DefaultLeftTime}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.Subsystem(m.logger, "session")
	return m
}

// LeftTime returns the session window.
func (m *Manager) LeftTime() time.Duration { return m.leftTime }

// Open returns the session for id, or a new session with a fresh id when id is empty.
func (m *Manager) Open(id string) *Session {
	if id == "" {
		return &Session{m: m, id: uuid.NewString(), isNew: true}
	}
	return &Session{m: m, id: id}
}

// Session is a handle on one session record. It holds no data itself.
type Session struct {
	m     *Manager
	id    string
	isNew bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// IsNew reports whether the id was generated by Open.
func (s *Session) IsNew() bool { return s.isNew }

func (s *Session) key() string { return s.m.prefix + s.id }

// GetAll returns the session data, applying the sliding window. A missing or
// expired session yields an empty map.
func (s *Session) GetAll(ctx context.Context) (map[string]any, error) {
	rec, ok, err := sdk.Get[Record](ctx, s.m.store, s.key())
	if err != nil {
		var se *sdk.StoreError
		if errors.As(err, &se) {
			return nil, err
		}
		s.m.logger.Warn("session.record.corrupt", "session", s.id, "error", err)
		if _, err := s.m.store.Remove(ctx, s.key()); err != nil {
			return nil, err
		}
		return map[string]any{}, nil
	}
	if !ok {
		return map[string]any{}, nil
	}

	now := s.m.clock.Now()
	age := now.Sub(rec.Time)
	switch {
	case age >= s.m.leftTime:
		if _, err := s.m.store.Remove(ctx, s.key()); err != nil {
			return nil, err
		}
		if s.m.observer != nil {
			s.m.observer.ObserveSessionExpiry()
		}
		s.m.logger.Debug("session.expired", "session", s.id, "age", age)
		return map[string]any{}, nil
	case age >= s.m.leftTime/2:
		data := CloneData(rec.Data)
		if err := s.write(ctx, data, now); err != nil {
			return nil, err
		}
		if s.m.observer != nil {
			s.m.observer.ObserveSessionRefresh()
		}
		return data, nil
	default:
		return CloneData(rec.Data), nil
	}
}

// Get returns one field, or def when absent.
func (s *Session) Get(ctx context.Context, field string, def any) (any, error) {
	data, err := s.GetAll(ctx)
	if err != nil {
		return def, err
	}
	if v, ok := data[field]; ok {
		return v, nil
	}
	return def, nil
}

// Set stores one field.
func (s *Session) Set(ctx context.Context, field string, value any) error {
	data, err := s.GetAll(ctx)
	if err != nil {
		return err
	}
	data[field] = value
	return s.Save(ctx, data)
}

// Remove deletes one field and reports whether it was present.
func (s *Session) Remove(ctx context.Context, field string) (bool, error) {
	data, err := s.GetAll(ctx)
	if err != nil {
		return false, err
	}
	if _, ok := data[field]; !ok {
		return false, nil
	}
	delete(data, field)
	if err := s.Save(ctx, data); err != nil {
		return false, err
	}
	return true, nil
}

// Save replaces the session data and restarts its window.
func (s *Session) Save(ctx context.Context, data map[string]any) error {
	return s.write(ctx, data, s.m.clock.Now())
}

// Clear deletes the backing record.
func (s *Session) Clear(ctx context.Context) error {
	_, err := s.m.store.Remove(ctx, s.key())
	return err
}

func (s *Session) write(ctx context.Context, data map[string]any, at time.Time) error {
	rec := Record{SessionID: s.id, Data: CloneData(data), Time: at}
	_, err := s.m.store.Set(ctx, s.key(), rec, sdk.Forever)
	return err
}

// CloneData deep-copies session data through JSON.
func CloneData(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}
