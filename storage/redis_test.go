package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMiniredisBackend(t *testing.T) *RedisBackend {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()

	b, err := NewRedisBackend(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisBackend_PutGetDelete(t *testing.T) {
	t.Parallel()

	b := newTestMiniredisBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "entities", "svc", []byte(`{"n":1}`)))

	value, err := b.Get(ctx, "entities", "svc")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"n":1}`), value)

	require.NoError(t, b.Delete(ctx, "entities", "svc"))
	_, err = b.Get(ctx, "entities", "svc")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisBackend_QueryPrefix(t *testing.T) {
	t.Parallel()

	b := newTestMiniredisBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Put(ctx, "msgs", "a:1", []byte("x")))
	require.NoError(t, b.Put(ctx, "msgs", "a:2", []byte("y")))
	require.NoError(t, b.Put(ctx, "msgs", "b:1", []byte("z")))

	results, err := b.Query(ctx, "msgs", Filter{KeyPrefix: "a:"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "a:1", results[0].Key)
	assert.Equal(t, "a:2", results[1].Key)
}

func TestRedisBackend_CacheMiss(t *testing.T) {
	t.Parallel()

	b := newTestMiniredisBackend(t)

	_, err := b.CacheGet(context.Background(), "absent")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestRedisBackend_CacheTagInvalidation(t *testing.T) {
	t.Parallel()

	b := newTestMiniredisBackend(t)
	ctx := context.Background()

	require.NoError(t, b.CacheSet(ctx, "search:q1", []byte("r1"), time.Minute, []string{"ent:alpha", "ent:beta"}))
	require.NoError(t, b.CacheSet(ctx, "search:q2", []byte("r2"), time.Minute, []string{"ent:gamma"}))

	// 命中
	value, err := b.CacheGet(ctx, "search:q1")
	require.NoError(t, err)
	assert.Equal(t, []byte("r1"), value)

	// 按标签失效只影响携带该标签的条目
	require.NoError(t, b.InvalidateTags(ctx, []string{"ent:alpha"}))

	_, err = b.CacheGet(ctx, "search:q1")
	assert.ErrorIs(t, err, ErrCacheMiss)

	value, err = b.CacheGet(ctx, "search:q2")
	require.NoError(t, err)
	assert.Equal(t, []byte("r2"), value)
}

func TestRedisBackend_CacheTTLExpiry(t *testing.T) {
	t.Parallel()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	cfg := DefaultRedisConfig()
	cfg.Addr = mr.Addr()
	b, err := NewRedisBackend(cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })

	ctx := context.Background()
	require.NoError(t, b.CacheSet(ctx, "k", []byte("v"), time.Second, nil))

	mr.FastForward(2 * time.Second)

	_, err = b.CacheGet(ctx, "k")
	assert.ErrorIs(t, err, ErrCacheMiss)
}
