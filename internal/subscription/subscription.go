// Package subscription stores the provider subscription state mirrored from
// lifecycle webhooks.
package subscription

import (
	"context"
	"errors"
	"time"
)

// Status mirrors the provider subscription status.
type Status string

const (
	StatusIncomplete Status = "incomplete"
	StatusTrialing   Status = "trialing"
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusUnpaid     Status = "unpaid"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether the subscription can no longer change.
func (s Status) Terminal() bool { return s == StatusCanceled }

var (
	// ErrStoreUnavailable indicates the subscription store dependency is not configured.
	ErrStoreUnavailable = errors.New("subscription: store unavailable")
	// ErrNotFound is returned when the subscription does not exist.
	ErrNotFound = errors.New("subscription: not found")
)

// Subscription is the locally mirrored provider subscription.
type Subscription struct {
	ID               string     `json:"id"`
	CustomerID       string     `json:"customer_id"`
	Email            string     `json:"email,omitempty"`
	PlanID           string     `json:"plan_id"`
	Status           Status     `json:"status"`
	CurrentPeriodEnd *time.Time `json:"current_period_end,omitempty"`
	CanceledAt       *time.Time `json:"canceled_at,omitempty"`
	LastEventAt      time.Time  `json:"last_event_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Store reads and upserts subscriptions.
type Store interface {
	Get(ctx context.Context, id string) (Subscription, error)
	// Upsert writes sub unless the stored row is canceled or already reflects an
	// event at or after sub.LastEventAt. It reports whether the write applied.
	Upsert(ctx context.Context, sub Subscription) (bool, error)
	// MarkPastDue moves a non-canceled subscription to past_due when at is
	// newer than its last applied event.
	MarkPastDue(ctx context.Context, id string, at time.Time) (bool, error)
}
