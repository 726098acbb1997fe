package subscription

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) Get(ctx context.Context, id string) (Subscription, error) {
	if s == nil || s.pool == nil {
		return Subscription{}, ErrStoreUnavailable
	}
	var (
		sub    Subscription
		status string
	)
	err := s.pool.QueryRow(ctx, `SELECT id, customer_id, COALESCE(email, ''), plan_id, status,
current_period_end, canceled_at, last_event_at, updated_at
FROM subscriptions WHERE id = $1`, strings.TrimSpace(id)).Scan(
		&sub.ID, &sub.CustomerID, &sub.Email, &sub.PlanID, &status,
		&sub.CurrentPeriodEnd, &sub.CanceledAt, &sub.LastEventAt, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	sub.Status = Status(status)
	return sub, nil
}

func (s *pgStore) Upsert(ctx context.Context, sub Subscription) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `INSERT INTO subscriptions
(id, customer_id, email, plan_id, status, current_period_end, canceled_at, last_event_at, updated_at)
VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, now())
ON CONFLICT (id) DO UPDATE SET
  customer_id = EXCLUDED.customer_id,
  email = COALESCE(EXCLUDED.email, subscriptions.email),
  plan_id = EXCLUDED.plan_id,
  status = EXCLUDED.status,
  current_period_end = EXCLUDED.current_period_end,
  canceled_at = EXCLUDED.canceled_at,
  last_event_at = EXCLUDED.last_event_at,
  updated_at = now()
WHERE subscriptions.status <> 'canceled' AND subscriptions.last_event_at < EXCLUDED.last_event_at`,
		sub.ID, sub.CustomerID, sub.Email, sub.PlanID, string(sub.Status),
		sub.CurrentPeriodEnd, sub.CanceledAt, sub.LastEventAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *pgStore) MarkPastDue(ctx context.Context, id string, at time.Time) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE subscriptions SET status = 'past_due', last_event_at = $2, updated_at = now()
WHERE id = $1 AND status <> 'canceled' AND last_event_at < $2`, id, at)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
