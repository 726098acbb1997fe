// Package dedup records which provider event IDs completed processing and
// serialises concurrent deliveries of the same event.
package dedup

import (
	"context"
	"errors"
	"time"
)

// ErrStoreUnavailable indicates the dedup store dependency is not configured.
var ErrStoreUnavailable = errors.New("dedup: store unavailable")

// ErrNotFound is returned by Get for event IDs never marked processed.
var ErrNotFound = errors.New("dedup: record not found")

// Record is the idempotency record of one provider event.
type Record struct {
	EventID string    `json:"event_id"`
	SeenAt  time.Time `json:"seen_at"`
	Outcome string    `json:"outcome"`
}

// Store answers "has this event already been processed?". Implementations must
// survive process restarts.
type Store interface {
	HasBeenProcessed(ctx context.Context, eventID string) (bool, error)
	// MarkProcessed is idempotent: marking twice keeps the first record.
	MarkProcessed(ctx context.Context, eventID, outcome string) error
	Get(ctx context.Context, eventID string) (Record, error)
}
