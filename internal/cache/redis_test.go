package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apexgate/apexgate/internal/config"
	"github.com/apexgate/apexgate/internal/observability"
)

func redisTestConfig(addr string) config.CacheConfig {
	return config.CacheConfig{
		Enabled: true,
		Store:   "redis",
		TTL:     config.Duration(time.Minute),
		TagTTL:  config.Duration(time.Hour),
		Redis:   &config.RedisConfig{URL: "redis://" + addr},
	}
}

func newTestRedisStore(t *testing.T, mr *miniredis.Miniredis) *redisStore {
	t.Helper()

	s, err := newRedisStore(redisTestConfig(mr.Addr()), observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewRedisStore_InvalidURL(t *testing.T) {
	t.Parallel()

	cfg := config.CacheConfig{
		Enabled: true,
		Store:   "redis",
		Redis:   &config.RedisConfig{URL: "not-a-url"},
	}
	_, err := newRedisStore(cfg, observability.NopLogger())
	assert.Error(t, err)
}

func TestNewRedisStore_Unreachable(t *testing.T) {
	t.Parallel()

	cfg := config.CacheConfig{
		Enabled: true,
		Store:   "redis",
		Redis: &config.RedisConfig{
			URL:         "redis://127.0.0.1:1",
			DialTimeout: config.Duration(100 * time.Millisecond),
		},
	}
	_, err := newRedisStore(cfg, observability.NopLogger())
	assert.Error(t, err)
}

func TestRedisStore_SetGet(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s := newTestRedisStore(t, mr)
	ctx := context.Background()

	in := &Entry{
		Status:  200,
		Headers: map[string][]string{"Content-Type": {"application/json"}},
		Body:    []byte(`{"id":1}`),
	}
	require.NoError(t, s.Set(ctx, "v1:/api/assets/1", in, time.Minute))

	out, err := s.Get(ctx, "v1:/api/assets/1")
	require.NoError(t, err)
	assert.Equal(t, 200, out.Status)
	assert.Equal(t, []byte(`{"id":1}`), out.Body)
	assert.Equal(t, []string{"application/json"}, out.Headers["Content-Type"])
	assert.False(t, out.CreatedAt.IsZero())

	_, err = s.Get(ctx, "v1:/api/missing")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisStore_TTL(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s := newTestRedisStore(t, mr)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "v1:/api/assets", textEntry("x"), time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err := s.Get(ctx, "v1:/api/assets")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisStore_GetStale(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	cfg := redisTestConfig(mr.Addr())
	cfg.StaleGrace = config.Duration(time.Minute)

	s, err := newRedisStore(cfg, observability.NopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "v1:/api/assets", textEntry("x"), 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	// Logically expired, but the key lives on through the grace.
	_, err = s.Get(ctx, "v1:/api/assets")
	assert.ErrorIs(t, err, ErrMiss)

	stale, err := s.GetStale(ctx, "v1:/api/assets")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), stale.Body)
	assert.True(t, stale.IsExpired())

	_, err = s.GetStale(ctx, "v1:/api/missing")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestRedisStore_TagIndex(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s := newTestRedisStore(t, mr)
	ctx := context.Background()

	entry := textEntry("a")
	entry.Tags = []string{"assets"}
	require.NoError(t, s.Set(ctx, "v1:/api/assets", entry, time.Minute))

	members, err := mr.SMembers("apexgate:tag:assets")
	require.NoError(t, err)
	assert.Contains(t, members, "apexgate:v1:/api/assets")

	// The reverse index must not outlive its bounded lifetime.
	ttl := mr.TTL("apexgate:tag:assets")
	assert.Greater(t, ttl, time.Duration(0))
}

func TestRedisStore_DeleteByTags(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s := newTestRedisStore(t, mr)
	ctx := context.Background()

	a := textEntry("a")
	a.Tags = []string{"assets"}
	require.NoError(t, s.Set(ctx, "v1:/api/assets", a, time.Minute))

	b := textEntry("b")
	b.Tags = []string{"assets"}
	require.NoError(t, s.Set(ctx, "v1:/api/assets/1", b, time.Minute))

	c := textEntry("c")
	c.Tags = []string{"orders"}
	require.NoError(t, s.Set(ctx, "v1:/api/orders", c, time.Minute))

	removed, err := s.DeleteByTags(ctx, []string{"assets"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = s.Get(ctx, "v1:/api/assets")
	assert.ErrorIs(t, err, ErrMiss)
	_, err = s.Get(ctx, "v1:/api/orders")
	assert.NoError(t, err)

	assert.False(t, mr.Exists("apexgate:tag:assets"))
}

func TestRedisStore_DeleteByPath(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s := newTestRedisStore(t, mr)
	ctx := context.Background()

	keys := []string{
		"v1:/api/assets",
		"v2:/api/assets",
		"v1:/api/assets?sort=asc",
		"v1:/api/assets:user:42",
		"v1:/api/assets/123",
		"v1:/api/orders",
	}
	for _, key := range keys {
		require.NoError(t, s.Set(ctx, key, textEntry("x"), time.Minute))
	}

	removed, err := s.DeleteByPath(ctx, "/api/assets")
	require.NoError(t, err)
	assert.Equal(t, 4, removed)

	_, err = s.Get(ctx, "v1:/api/assets/123")
	assert.NoError(t, err)
	_, err = s.Get(ctx, "v1:/api/orders")
	assert.NoError(t, err)
}

func TestRedisStore_DeleteMatching(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s := newTestRedisStore(t, mr)
	ctx := context.Background()

	entry := textEntry("a")
	entry.Tags = []string{"assets"}
	require.NoError(t, s.Set(ctx, "v1:/api/assets", entry, time.Minute))
	require.NoError(t, s.Set(ctx, "v1:/api/assets/123", textEntry("b"), time.Minute))
	require.NoError(t, s.Set(ctx, "v2:/api/orders", textEntry("c"), time.Minute))

	removed, err := s.DeleteMatching(ctx, "v1:/api/assets*")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// The pattern sweep must leave the tag index sets alone.
	assert.True(t, mr.Exists("apexgate:tag:assets"))
	_, err = s.Get(ctx, "v2:/api/orders")
	assert.NoError(t, err)
}

func TestRedisStore_DropsCorruptEntry(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s := newTestRedisStore(t, mr)
	ctx := context.Background()

	require.NoError(t, mr.Set("apexgate:v1:/api/assets", "not json"))

	_, err := s.Get(ctx, "v1:/api/assets")
	assert.ErrorIs(t, err, ErrMiss)
	assert.False(t, mr.Exists("apexgate:v1:/api/assets"))
}

func TestRedisStore_BreakerOpensWhenRedisDies(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s := newTestRedisStore(t, mr)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "v1:/api/assets", textEntry("x"), time.Minute))

	mr.Close()

	// Five straight failures trip the breaker.
	for i := 0; i < 5; i++ {
		_, err := s.Get(ctx, "v1:/api/assets")
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrMiss)
	}

	_, err := s.Get(ctx, "v1:/api/assets")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestRedisStore_Stats(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	s := newTestRedisStore(t, mr)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "v1:/api/assets", textEntry("x"), time.Minute))

	_, _ = s.Get(ctx, "v1:/api/assets")
	_, _ = s.Get(ctx, "v1:/api/missing")

	stats := s.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}
