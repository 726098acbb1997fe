// Package order holds the order records that payment webhooks progress.
package order

import (
	"context"
	"errors"
	"time"
)

// Status is the business state of an order.
type Status string

const (
	StatusPending       Status = "pending"
	StatusPaymentFailed Status = "payment_failed"
	StatusCompleted     Status = "completed"
	StatusExpired       Status = "expired"
	StatusCancelled     Status = "cancelled"
	StatusRefunded      Status = "refunded"
)

// Terminal reports whether the order must never be mutated by a webhook again.
// payment_failed is not terminal: the customer may retry and complete.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusExpired, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

var (
	// ErrStoreUnavailable indicates the order store dependency is not configured.
	ErrStoreUnavailable = errors.New("order: store unavailable")
	// ErrNotFound is returned when the order does not exist.
	ErrNotFound = errors.New("order: not found")
)

// Order is the local record a checkout refers to.
type Order struct {
	ID               string     `json:"id"`
	Status           Status     `json:"status"`
	Email            string     `json:"email"`
	CustomerName     string     `json:"customer_name"`
	AmountCents      int64      `json:"amount_cents"`
	Currency         string     `json:"currency"`
	ReferralCode     string     `json:"referral_code,omitempty"`
	UserID           string     `json:"user_id,omitempty"`
	PaymentReference string     `json:"payment_reference,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Store reads and conditionally progresses orders. Every Mark method only
// applies while the order is not terminal and reports whether it applied.
type Store interface {
	Get(ctx context.Context, id string) (Order, error)
	MarkCompleted(ctx context.Context, id, paymentReference string, at time.Time) (bool, error)
	MarkExpired(ctx context.Context, id string, at time.Time) (bool, error)
	MarkPaymentFailed(ctx context.Context, id, reason string, at time.Time) (bool, error)
	AttachUser(ctx context.Context, id, userID string) error
}
