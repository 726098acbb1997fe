// Package collab contains the downstream services a processed webhook fans out
// to: user accounts, marketing events, commerce order sync and referral rewards.
package collab

import (
	"context"
	"errors"
	"fmt"
)

// ErrDisabled is returned by collaborators that are not configured.
var ErrDisabled = errors.New("collab: collaborator disabled")

// Error is a failed collaborator call.
type Error struct {
	Name       string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("collab %s: status %d: %v", e.Name, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("collab %s: %v", e.Name, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// LinkAccountRequest asks the account service to create or link a user.
type LinkAccountRequest struct {
	Email   string `json:"email"`
	Name    string `json:"name,omitempty"`
	OrderID string `json:"order_id"`
}

// Account is the user the order was linked to.
type Account struct {
	UserID  string `json:"user_id"`
	Created bool   `json:"created"`
}

// CommerceOrder is the local order context pushed to the commerce platform.
type CommerceOrder struct {
	OrderID     string `json:"order_id"`
	Email       string `json:"email"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
	UserID      string `json:"user_id,omitempty"`
}

// Reward is the computed referral reward.
type Reward struct {
	Code        string `json:"code"`
	AmountCents int64  `json:"amount_cents"`
}

// Accounts creates or links user accounts.
type Accounts interface {
	LinkAccount(ctx context.Context, req LinkAccountRequest) (Account, error)
}

// Marketing dispatches named marketing events.
type Marketing interface {
	SendEvent(ctx context.Context, name string, props map[string]any) error
}

// Commerce mirrors local orders to the commerce platform.
type Commerce interface {
	CreateOrder(ctx context.Context, order CommerceOrder) (string, error)
}

// Referrals computes rewards for referral codes.
type Referrals interface {
	ComputeReward(ctx context.Context, code string, amountCents int64) (Reward, error)
}

// Disabled implements every collaborator by returning ErrDisabled.
type Disabled struct{}

func (Disabled) LinkAccount(context.Context, LinkAccountRequest) (Account, error) {
	return Account{}, ErrDisabled
}

func (Disabled) SendEvent(context.Context, string, map[string]any) error { return ErrDisabled }

func (Disabled) CreateOrder(context.Context, CommerceOrder) (string, error) { return "", ErrDisabled }

func (Disabled) ComputeReward(context.Context, string, int64) (Reward, error) {
	return Reward{}, ErrDisabled
}

type idempotencyKey struct{}

// WithIdempotencyKey sets the X-Idempotency-Key sent on collaborator calls made
// with ctx.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, idempotencyKey{}, key)
}

func idempotencyKeyFrom(ctx context.Context) string {
	key, _ := ctx.Value(idempotencyKey{}).(string)
	return key
}
