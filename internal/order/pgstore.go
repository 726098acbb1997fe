package order

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const terminalClause = `status NOT IN ('completed', 'expired', 'cancelled', 'refunded')`

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) Get(ctx context.Context, id string) (Order, error) {
	if s == nil || s.pool == nil {
		return Order{}, ErrStoreUnavailable
	}
	var (
		o      Order
		status string
	)
	err := s.pool.QueryRow(ctx, `SELECT id, status, email, customer_name, amount_cents, currency,
COALESCE(referral_code, ''), COALESCE(user_id, ''), COALESCE(payment_reference, ''), COALESCE(failure_reason, ''),
completed_at, updated_at
FROM orders WHERE id = $1`, strings.TrimSpace(id)).Scan(
		&o.ID, &status, &o.Email, &o.CustomerName, &o.AmountCents, &o.Currency,
		&o.ReferralCode, &o.UserID, &o.PaymentReference, &o.FailureReason,
		&o.CompletedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, err
	}
	o.Status = Status(status)
	return o, nil
}

func (s *pgStore) MarkCompleted(ctx context.Context, id, paymentReference string, at time.Time) (bool, error) {
	return s.transition(ctx, `UPDATE orders
SET status = 'completed', payment_reference = NULLIF($2, ''), completed_at = $3, updated_at = $3
WHERE id = $1 AND `+terminalClause, id, paymentReference, at)
}

func (s *pgStore) MarkExpired(ctx context.Context, id string, at time.Time) (bool, error) {
	return s.transition(ctx, `UPDATE orders SET status = 'expired', updated_at = $2
WHERE id = $1 AND `+terminalClause, id, at)
}

func (s *pgStore) MarkPaymentFailed(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	return s.transition(ctx, `UPDATE orders SET status = 'payment_failed', failure_reason = NULLIF($2, ''), updated_at = $3
WHERE id = $1 AND `+terminalClause, id, reason, at)
}

func (s *pgStore) AttachUser(ctx context.Context, id, userID string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE orders SET user_id = $2, updated_at = now()
WHERE id = $1 AND (user_id IS NULL OR user_id = $2)`, id, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) transition(ctx context.Context, query string, args ...any) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
