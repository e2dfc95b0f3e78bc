package redisstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/celerix-dev/celerix-web/pkg/sdk"
)

// openTestStore connects to CELERIX_TEST_REDIS_ADDR under a unique prefix.
func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	addr := os.Getenv("CELERIX_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CELERIX_TEST_REDIS_ADDR not set")
	}
	opts = append([]Option{WithPrefix("celerix-test:" + xid.New().String() + ":")}, opts...)
	s, err := Open(context.Background(), addr, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := s.Keys(ctx)
		for _, k := range keys {
			s.Remove(ctx, k)
		}
		s.Close()
	})
	return s
}

func TestStore_GetSetRemove(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	ok, err := s.Set(ctx, "greeting", "hello", sdk.Forever)
	require.NoError(t, err)
	assert.True(t, ok)

	v, err := s.Get(ctx, "greeting", nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"greeting"}, keys)

	ok, err = s.Remove(ctx, "greeting")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.Remove(ctx, "greeting")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_LazyExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := openTestStore(t, WithClock(func() time.Time { return now }))

	_, err := s.Set(ctx, "k", "v", 1)
	require.NoError(t, err)
	now = now.Add(2 * time.Second)

	v, err := s.Get(ctx, "k", "default")
	require.NoError(t, err)
	assert.Equal(t, "default", v)
	_, err = s.Entry(ctx, "k")
	require.ErrorIs(t, err, sdk.ErrKeyNotFound)
}
