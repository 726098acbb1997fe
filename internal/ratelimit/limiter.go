// Package ratelimit throttles inbound requests per client key.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter admits or rejects one request for key under a limit per window.
type Limiter interface {
	Allow(ctx context.Context, key string, window time.Duration, limit int) (Decision, error)
}

// FixedWindow counts requests per aligned window using a ulule limiter store.
type FixedWindow struct {
	Store limiter.Store
}

// NewFixedWindow builds a FixedWindow on a Redis-backed limiter store.
func NewFixedWindow(client *redis.Client, prefix string) (FixedWindow, error) {
	store, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: prefix})
	if err != nil {
		return FixedWindow{}, fmt.Errorf("ratelimit: redis store: %w", err)
	}
	return FixedWindow{Store: store}, nil
}

// Allow increments the window counter for key.
func (f FixedWindow) Allow(ctx context.Context, key string, window time.Duration, limit int) (Decision, error) {
	if f.Store == nil || limit <= 0 || window <= 0 {
		return Decision{Allowed: true, Remaining: limit, ResetAt: time.Now().Add(window)}, nil
	}
	lc, err := f.Store.Get(ctx, key, limiter.Rate{Period: window, Limit: int64(limit)})
	if err != nil {
		return Decision{ResetAt: time.Now().Add(window)}, err
	}
	return Decision{
		Allowed:   !lc.Reached,
		Remaining: int(lc.Remaining),
		ResetAt:   time.Unix(lc.Reset, 0),
	}, nil
}

// New picks the limiter named by driver: "fixed" or "sliding".
func New(driver string, client *redis.Client, prefix string) (Limiter, error) {
	switch driver {
	case "fixed":
		return NewFixedWindow(client, prefix)
	case "", "sliding":
		return SlidingWindow{Client: client, Prefix: prefix}, nil
	default:
		return nil, fmt.Errorf("ratelimit: unknown driver %q", driver)
	}
}
