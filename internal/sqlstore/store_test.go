package sqlstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-web/internal/logging"
	"github.com/celerix-dev/celerix-web/internal/pipeline"
	"github.com/celerix-dev/celerix-web/internal/plugin"
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

// createTestStore opens a fresh database under t.TempDir.
func createTestStore(t *testing.T) (*Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	s, err := Open(filepath.Join(t.TempDir(), "celerix.db"), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "celerix.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		require.NoError(t, err, "iteration %d", i)
		require.NoError(t, s.Close())
	}
}

func TestCache_GetSetRemove(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)
	c := s.Cache()

	v, err := c.Get(ctx, "missing", "fallback")
	require.NoError(t, err)
	assert.Equal(t, "fallback", v)

	ok, err := c.Set(ctx, "user", map[string]any{"name": "ada", "age": 36}, sdk.Forever)
	require.NoError(t, err)
	assert.True(t, ok)

	v, err = c.Get(ctx, "user", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "ada", "age": float64(36)}, v)

	ok, err = c.Remove(ctx, "user")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.Remove(ctx, "user")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_ExpiresOnRead(t *testing.T) {
	ctx := context.Background()
	s, clock := createTestStore(t)
	c := s.Cache()

	_, err := c.Set(ctx, "k", "v", 10)
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	v, err := c.Get(ctx, "k", nil)
	require.NoError(t, err)
	assert.Equal(t, "v", v, "entry is live at exactly created_at+ttl")

	clock.Advance(time.Second)
	v, err = c.Get(ctx, "k", "gone")
	require.NoError(t, err)
	assert.Equal(t, "gone", v)

	_, err = c.Entry(ctx, "k")
	require.ErrorIs(t, err, sdk.ErrKeyNotFound)
}

func TestCache_SetRewritesCreatedAtAndKeys(t *testing.T) {
	ctx := context.Background()
	s, clock := createTestStore(t)
	c := s.Cache()

	_, err := c.Set(ctx, "b", 1, 5)
	require.NoError(t, err)
	_, err = c.Set(ctx, "a", 1, sdk.Forever)
	require.NoError(t, err)

	clock.Advance(4 * time.Second)
	_, err = c.Set(ctx, "b", 2, 5)
	require.NoError(t, err)
	clock.Advance(4 * time.Second)

	keys, err := c.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, keys)

	e, err := c.Entry(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, float64(2), e.Value)
	assert.True(t, e.CreatedAt.Equal(clock.Now().Add(-4*time.Second)))
}

type tablePlugin struct{}

func (tablePlugin) Manifest() plugin.Manifest {
	m := plugin.Manifest{Name: "plugins.table", UIModules: []string{"table.widget"}}
	m.Bind(pipeline.OnInit, "noop", "site.*")
	return m
}

func (tablePlugin) Callback(name string) (pipeline.HandlerFunc, bool) {
	if name != "noop" {
		return nil, false
	}
	return func(context.Context, *pipeline.Context) (pipeline.Result, error) { return pipeline.Continue, nil }, true
}

func TestPluginTable(t *testing.T) {
	ctx := context.Background()
	s, _ := createTestStore(t)
	table := s.Plugins()

	first := &plugin.Descriptor{
		Name:     "plugins.a",
		Bindings: map[pipeline.Event][]plugin.Bind{pipeline.OnInit: {{Target: "*", Callback: "run"}}},
		Config:   map[string]any{"level": "debug"},
	}
	require.NoError(t, table.Insert(ctx, first))
	second := &plugin.Descriptor{Name: "plugins.b"}
	require.NoError(t, table.Insert(ctx, second))
	assert.Greater(t, second.Seq, first.Seq)

	require.ErrorIs(t, table.Insert(ctx, &plugin.Descriptor{Name: "plugins.a"}), plugin.ErrDuplicate)

	rows, err := table.Select(ctx, plugin.Filter{})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "plugins.b", rows[0].Name)
	assert.Equal(t, "plugins.a", rows[1].Name)
	assert.Equal(t, []plugin.Bind{{Target: "*", Callback: "run"}}, rows[1].Bindings[pipeline.OnInit])

	first.Config = map[string]any{"level": "info"}
	require.NoError(t, table.Update(ctx, *first))
	rows, err = table.Select(ctx, plugin.Filter{Name: "plugins.a"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "info", rows[0].Config["level"])
	assert.Equal(t, first.Seq, rows[0].Seq)

	n, err := table.Delete(ctx, plugin.Filter{Name: "plugins.a"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	exists, err := table.Exists(ctx, plugin.Filter{Name: "plugins.a"})
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPluginTable_SharedBetweenRegistries(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")
	s1, err := Open(path)
	require.NoError(t, err)
	defer s1.Close()
	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	cat := plugin.NewCatalog()
	cat.MustRegister("table", func() plugin.Plugin { return tablePlugin{} })

	writer := plugin.NewRegistry(s1.Plugins(), cat, logging.NoopLogger())
	reader := plugin.NewRegistry(s2.Plugins(), cat, logging.NoopLogger())

	ok, err := writer.Install(ctx, "table", nil)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, reader.Reload(ctx))
	assert.Equal(t, []string{"plugins.table"}, reader.Installed())
	assert.Equal(t, []string{"table.widget"}, reader.UIModules())
	assert.Len(t, reader.Index().Resolve(pipeline.OnInit, "site.home"), 1)
}
