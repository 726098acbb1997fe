package dedup_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-webhooks/internal/dedup"
	"github.com/noah-isme/toko-webhooks/internal/lock"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStoreMarkAndGet(t *testing.T) {
	_, client := newRedis(t)
	seenAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	store := dedup.RedisStore{Client: client, Now: func() time.Time { return seenAt }}
	ctx := context.Background()

	seen, err := store.HasBeenProcessed(ctx, "evt_1")
	require.NoError(t, err)
	require.False(t, seen)

	_, err = store.Get(ctx, "evt_1")
	require.ErrorIs(t, err, dedup.ErrNotFound)

	require.NoError(t, store.MarkProcessed(ctx, "evt_1", "success"))
	require.NoError(t, store.MarkProcessed(ctx, "evt_1", "overwritten?"))

	seen, err = store.HasBeenProcessed(ctx, "evt_1")
	require.NoError(t, err)
	require.True(t, seen)

	rec, err := store.Get(ctx, "evt_1")
	require.NoError(t, err)
	require.Equal(t, "evt_1", rec.EventID)
	require.Equal(t, "success", rec.Outcome)
	require.True(t, rec.SeenAt.Equal(seenAt))
}

func TestRedisStoreTTL(t *testing.T) {
	mr, client := newRedis(t)
	store := dedup.RedisStore{Client: client, TTL: time.Minute}
	ctx := context.Background()

	require.NoError(t, store.MarkProcessed(ctx, "evt_ttl", "success"))
	mr.FastForward(2 * time.Minute)

	seen, err := store.HasBeenProcessed(ctx, "evt_ttl")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestGuardSkipsProcessedEvents(t *testing.T) {
	_, client := newRedis(t)
	store := dedup.RedisStore{Client: client}
	guard := dedup.Guard{Store: store, Locker: lock.Locker{Client: client, RetryBackoff: 5 * time.Millisecond}}
	ctx := context.Background()

	calls := 0
	dup, err := guard.Run(ctx, "evt_1", func(context.Context) (string, error) {
		calls++
		return "success", nil
	})
	require.NoError(t, err)
	require.False(t, dup)

	dup, err = guard.Run(ctx, "evt_1", func(context.Context) (string, error) {
		calls++
		return "success", nil
	})
	require.NoError(t, err)
	require.True(t, dup)
	require.Equal(t, 1, calls)
}

func TestGuardDoesNotMarkFailures(t *testing.T) {
	_, client := newRedis(t)
	store := dedup.RedisStore{Client: client}
	guard := dedup.Guard{Store: store, Locker: lock.Locker{Client: client}}
	ctx := context.Background()

	boom := errors.New("order fetch failed")
	dup, err := guard.Run(ctx, "evt_fail", func(context.Context) (string, error) {
		return "", boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, dup)

	seen, err := store.HasBeenProcessed(ctx, "evt_fail")
	require.NoError(t, err)
	require.False(t, seen)
}

func TestGuardBlocksConcurrentDuplicate(t *testing.T) {
	_, client := newRedis(t)
	store := dedup.RedisStore{Client: client}
	guard := dedup.Guard{Store: store, Locker: lock.Locker{Client: client, RetryBackoff: 2 * time.Millisecond}, LockTTL: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var runs int32
	var duplicates int32
	started := make(chan struct{})
	var once sync.Once
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			dup, err := guard.Run(ctx, "evt_race", func(context.Context) (string, error) {
				once.Do(func() { close(started) })
				atomic.AddInt32(&runs, 1)
				time.Sleep(30 * time.Millisecond)
				return "success", nil
			})
			require.NoError(t, err)
			if dup {
				atomic.AddInt32(&duplicates, 1)
			}
		}()
	}
	wg.Wait()

	<-started
	require.Equal(t, int32(1), atomic.LoadInt32(&runs))
	require.Equal(t, int32(1), atomic.LoadInt32(&duplicates))
}

type brokenLocker struct{}

func (brokenLocker) WithLock(context.Context, string, time.Duration, func(context.Context) error) error {
	return errors.New("redis: connection refused")
}

func TestGuardRunsUnlockedWhenLockUnavailable(t *testing.T) {
	_, client := newRedis(t)
	store := dedup.RedisStore{Client: client}
	guard := dedup.Guard{Store: store, Locker: brokenLocker{}}

	calls := 0
	dup, err := guard.Run(context.Background(), "evt_nolock", func(context.Context) (string, error) {
		calls++
		return "success", nil
	})
	require.NoError(t, err)
	require.False(t, dup)
	require.Equal(t, 1, calls)

	seen, err := store.HasBeenProcessed(context.Background(), "evt_nolock")
	require.NoError(t, err)
	require.True(t, seen)
}

type failingStore struct{}

func (failingStore) HasBeenProcessed(context.Context, string) (bool, error) {
	return false, errors.New("db down")
}
func (failingStore) MarkProcessed(context.Context, string, string) error { return nil }
func (failingStore) Get(context.Context, string) (dedup.Record, error) {
	return dedup.Record{}, dedup.ErrNotFound
}

func TestGuardCheckFailure(t *testing.T) {
	guard := dedup.Guard{Store: failingStore{}}
	called := false
	_, err := guard.Run(context.Background(), "evt_x", func(context.Context) (string, error) {
		called = true
		return "success", nil
	})
	require.ErrorIs(t, err, dedup.ErrCheck)
	require.False(t, called)
}

func TestGuardMarksAfterRequestContextEnds(t *testing.T) {
	_, client := newRedis(t)
	store := dedup.RedisStore{Client: client}
	guard := dedup.Guard{Store: store, MarkTimeout: time.Second}
	ctx, cancel := context.WithCancel(context.Background())

	dup, err := guard.Run(ctx, "evt_late", func(context.Context) (string, error) {
		// The work finished just as the caller's deadline fired.
		cancel()
		return "success", nil
	})
	require.NoError(t, err)
	require.False(t, dup)

	seen, err := store.HasBeenProcessed(context.Background(), "evt_late")
	require.NoError(t, err)
	require.True(t, seen)
}
