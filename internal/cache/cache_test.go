package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*miniredis.Miniredis, Cache) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewFromClient(rdb)
	t.Cleanup(func() { _ = c.Close() })

	return mr, c
}

func TestGet_MissAndHit(t *testing.T) {
	t.Parallel()

	_, c := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "absent")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.SetWithTTL(ctx, "k", "v", time.Minute))

	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)
}

func TestSetWithTTL_ExpiresKey(t *testing.T) {
	t.Parallel()

	mr, c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetWithTTL(ctx, "k", "v", time.Minute))

	mr.FastForward(61 * time.Second)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestIncr_CountsAtomically(t *testing.T) {
	t.Parallel()

	_, c := newTestCache(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := c.Incr(ctx, "cnt")
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestExpire_And_TTL(t *testing.T) {
	t.Parallel()

	_, c := newTestCache(t)
	ctx := context.Background()

	// TTL отсутствующего ключа — 0, без ошибки.
	d, err := c.TTL(ctx, "absent")
	require.NoError(t, err)
	require.Zero(t, d)

	require.NoError(t, c.SetWithTTL(ctx, "k", "v", time.Hour))
	require.NoError(t, c.Expire(ctx, "k", 10*time.Minute))

	d, err = c.TTL(ctx, "k")
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, d)
}

func TestDelete_RemovesKeys(t *testing.T) {
	t.Parallel()

	_, c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SetWithTTL(ctx, "a", "1", time.Minute))
	require.NoError(t, c.SetWithTTL(ctx, "b", "2", time.Minute))

	require.NoError(t, c.Delete(ctx, "a", "b"))
	require.NoError(t, c.Delete(ctx)) // пустой список — no-op.

	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)
}
