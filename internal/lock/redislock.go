// Package lock provides a Redis lease lock keyed by provider event ID.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrNotConfigured is returned when the locker has no Redis client.
var ErrNotConfigured = errors.New("lock: redis client not configured")

var (
	releaseScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("del", KEYS[1])
end
return 0`)
	extendScript = redis.NewScript(`if redis.call("get", KEYS[1]) == ARGV[1] then
  return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker is a lease lock: the holder's token is stored under the key with a
// TTL, and only that token can extend or delete it.
type Locker struct {
	Client *redis.Client
	// RetryBackoff is the poll interval while another holder has the key.
	RetryBackoff time.Duration
	// RefreshEvery extends the lease while fn runs. Zero means ttl/3; a
	// negative value disables renewal.
	RefreshEvery time.Duration
}

// WithLock runs fn while holding key. Waiters poll until the holder releases or
// ctx ends, so ttl only matters when a holder dies without releasing.
func (l Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error {
	if l.Client == nil {
		return ErrNotConfigured
	}
	if fn == nil {
		return errors.New("lock: callback not provided")
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	token, err := l.acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		// The caller's context may already be done; release regardless.
		if err := releaseScript.Run(context.WithoutCancel(ctx), l.Client, []string{key}, token).Err(); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Str("lock_key", key).Msg("lock_release_failed")
		}
	}()

	stop := l.keepAlive(ctx, key, token, ttl)
	defer stop()
	return fn(ctx)
}

func (l Locker) acquire(ctx context.Context, key string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	retry := l.RetryBackoff
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}
	for {
		ok, err := l.Client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
}

func (l Locker) keepAlive(ctx context.Context, key, token string, ttl time.Duration) func() {
	every := l.RefreshEvery
	if every < 0 {
		return func() {}
	}
	if every == 0 {
		every = ttl / 3
	}
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				held, err := extendScript.Run(ctx, l.Client, []string{key}, token, ttl.Milliseconds()).Int()
				if err != nil {
					zerolog.Ctx(ctx).Warn().Err(err).Str("lock_key", key).Msg("lock_refresh_failed")
					continue
				}
				if held == 0 {
					zerolog.Ctx(ctx).Warn().Str("lock_key", key).Msg("lock_lost")
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		<-stopped
	}
}
