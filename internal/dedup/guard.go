package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-webhooks/internal/obs"
)

// ErrCheck wraps store failures hit while checking for a prior success.
var ErrCheck = errors.New("dedup: check failed")

// Locker serialises work per key. lock.Locker satisfies it.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Guard runs the processing of one event at most once to completion. Deliveries
// racing on the same event ID queue on the lock; the loser re-checks the store
// after the winner releases and reports a duplicate.
type Guard struct {
	Store     Store
	Locker    Locker
	LockTTL   time.Duration
	KeyPrefix string
	// MarkTimeout bounds MarkProcessed, which runs even after ctx is done.
	MarkTimeout time.Duration
}

// Run executes fn unless eventID is already processed. fn returns the outcome
// summary stored with the record. duplicate is true when fn was skipped.
func (g Guard) Run(ctx context.Context, eventID string, fn func(context.Context) (string, error)) (duplicate bool, err error) {
	if g.Store == nil {
		return false, ErrStoreUnavailable
	}
	eventID = strings.TrimSpace(eventID)
	ran := false
	work := func(ctx context.Context) error {
		ran = true
		seen, err := g.Store.HasBeenProcessed(ctx, eventID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrCheck, err)
		}
		if seen {
			duplicate = true
			return nil
		}
		outcome, err := fn(ctx)
		if err != nil {
			return err
		}
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.markTimeout())
		defer cancel()
		if err := g.Store.MarkProcessed(markCtx, eventID, outcome); err != nil {
			// The work is done; a redelivery is absorbed by domain re-checks.
			zerolog.Ctx(ctx).Error().Err(err).Str("event_id", eventID).Msg("dedup_mark_failed")
			obs.MonitorFrom(ctx).Step("dedup_mark", "error")
		}
		return nil
	}

	if g.Locker == nil {
		return duplicate, work(ctx)
	}
	err = g.Locker.WithLock(ctx, g.lockKey(eventID), g.lockTTL(), work)
	if err != nil && !ran && ctx.Err() == nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("event_id", eventID).Msg("dedup_lock_unavailable")
		obs.MonitorFrom(ctx).Step("dedup_lock", "unavailable")
		err = work(ctx)
	}
	return duplicate, err
}

func (g Guard) lockKey(eventID string) string {
	prefix := g.KeyPrefix
	if prefix == "" {
		prefix = "webhook:lock:"
	}
	return prefix + eventID
}

func (g Guard) lockTTL() time.Duration {
	if g.LockTTL <= 0 {
		return 30 * time.Second
	}
	return g.LockTTL
}

func (g Guard) markTimeout() time.Duration {
	if g.MarkTimeout <= 0 {
		return 2 * time.Second
	}
	return g.MarkTimeout
}
