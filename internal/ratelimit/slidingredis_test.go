package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestSlidingWindowAllow(t *testing.T) {
	mr, client := newRedis(t)
	limiter := SlidingWindow{Client: client, Prefix: "test:"}
	ctx := context.Background()
	window := 2 * time.Second

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "key", window, 2)
		require.NoError(t, err)
		require.True(t, d.Allowed, "request %d", i)
		require.Equal(t, 2-(i+1), d.Remaining)
	}

	d, err := limiter.Allow(ctx, "key", window, 2)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.Zero(t, d.Remaining)

	mr.FastForward(window)
	d, err = limiter.Allow(ctx, "key", window, 2)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestSlidingWindowUnconfiguredAllows(t *testing.T) {
	d, err := SlidingWindow{}.Allow(context.Background(), "key", time.Second, 1)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestFixedWindowAllow(t *testing.T) {
	limiter := FixedWindow{Store: memory.NewStore()}
	ctx := context.Background()

	d, err := limiter.Allow(ctx, "key", time.Minute, 2)
	require.NoError(t, err)
	require.True(t, d.Allowed)
	require.Equal(t, 1, d.Remaining)

	d, err = limiter.Allow(ctx, "key", time.Minute, 2)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = limiter.Allow(ctx, "key", time.Minute, 2)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	require.True(t, d.ResetAt.After(time.Now()))

	d, err = limiter.Allow(ctx, "other", time.Minute, 2)
	require.NoError(t, err)
	require.True(t, d.Allowed)
}

func TestNewSelectsDriver(t *testing.T) {
	_, client := newRedis(t)

	l, err := New("sliding", client, "rl:")
	require.NoError(t, err)
	require.IsType(t, SlidingWindow{}, l)

	_, err = New("leaky", client, "rl:")
	require.Error(t, err)
}
