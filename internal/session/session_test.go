package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-web/internal/engine"
	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingObserver struct{ refreshes, expiries int }

func (o *countingObserver) ObserveSessionRefresh() { o.refreshes++ }
func (o *countingObserver) ObserveSessionExpiry()  { o.expiries++ }

const window = 100 * time.Second

func setup(t *testing.T) (*Manager, *engine.MemStore, *fakeClock, *countingObserver) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := engine.NewMemStore(nil, nil, engine.WithClock(clock.Now))
	obs := &countingObserver{}
	m := NewManager(store, WithLeftTime(window), WithClock(clock.Now), WithObserver(obs))
	return m, store, clock, obs
}

func storedTime(t *testing.T, store *engine.MemStore, s *Session) time.Time {
	t.Helper()
	rec, ok, err := sdk.Get[Record](context.Background(), store, DefaultPrefix+s.ID())
	require.NoError(t, err)
	require.True(t, ok)
	return rec.Time
}

func TestOpenGeneratesID(t *testing.T) {
	m, _, _, _ := setup(t)
	s := m.Open("")
	assert.True(t, s.IsNew())
	assert.Len(t, s.ID(), 36)

	again := m.Open(s.ID())
	assert.False(t, again.IsNew())
	assert.Equal(t, s.ID(), again.ID())
}

func TestMissingSessionIsEmpty(t *testing.T) {
	m, _, _, _ := setup(t)
	data, err := m.Open("nobody").GetAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestBeforeHalfLifeLeavesTimestamp(t *testing.T) {
	ctx := context.Background()
	m, store, clock, obs := setup(t)
	s := m.Open("")
	require.NoError(t, s.Set(ctx, "user", "ada"))
	written := storedTime(t, store, s)

	clock.Advance(window/2 - time.Second)
	v, err := s.Get(ctx, "user", nil)
	require.NoError(t, err)
	assert.Equal(t, "ada", v)
	assert.Equal(t, written, storedTime(t, store, s))
	assert.Zero(t, obs.refreshes)
}

func TestPastHalfLifeRefreshes(t *testing.T) {
	ctx := context.Background()
	m, store, clock, obs := setup(t)
	s := m.Open("")
	require.NoError(t, s.Set(ctx, "user", "ada"))

	clock.Advance(window / 2)
	data, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ada", data["user"])
	assert.Equal(t, clock.Now(), storedTime(t, store, s))
	assert.Equal(t, 1, obs.refreshes)

	// The refreshed window keeps the session alive past the original deadline.
	clock.Advance(window/2 + time.Second)
	data, err = s.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ada", data["user"])
}

func TestFullWindowExpires(t *testing.T) {
	ctx := context.Background()
	m, store, clock, obs := setup(t)
	s := m.Open("")
	require.NoError(t, s.Set(ctx, "user", "ada"))

	clock.Advance(window)
	data, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, data)
	assert.Equal(t, 1, obs.expiries)

	_, err = store.Entry(ctx, DefaultPrefix+s.ID())
	require.ErrorIs(t, err, sdk.ErrKeyNotFound)
}

func TestRemoveAndClear(t *testing.T) {
	ctx := context.Background()
	m, store, _, _ := setup(t)
	s := m.Open("")
	require.NoError(t, s.Save(ctx, map[string]any{"a": 1, "b": 2}))

	ok, err := s.Remove(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Remove(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	data, err := s.GetAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"b": float64(2)}, data)

	require.NoError(t, s.Clear(ctx))
	assert.Zero(t, store.Len())
}

func TestReturnedDataDoesNotAliasStore(t *testing.T) {
	ctx := context.Background()
	m, _, _, _ := setup(t)
	s := m.Open("")
	require.NoError(t, s.Set(ctx, "k", "v"))

	data, err := s.GetAll(ctx)
	require.NoError(t, err)
	data["k"] = "changed"

	v, err := s.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}
