package dedup

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore keeps idempotency records in webhook_idempotency_records.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a Store backed by a pgx connection pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) HasBeenProcessed(ctx context.Context, eventID string) (bool, error) {
	if s == nil || s.pool == nil {
		return false, ErrStoreUnavailable
	}
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM webhook_idempotency_records WHERE event_id = $1)`, strings.TrimSpace(eventID)).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

func (s *PGStore) MarkProcessed(ctx context.Context, eventID, outcome string) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO webhook_idempotency_records (event_id, outcome)
VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING`, strings.TrimSpace(eventID), outcome)
	return err
}

func (s *PGStore) Get(ctx context.Context, eventID string) (Record, error) {
	if s == nil || s.pool == nil {
		return Record{}, ErrStoreUnavailable
	}
	var rec Record
	err := s.pool.QueryRow(ctx, `SELECT event_id, seen_at, outcome FROM webhook_idempotency_records WHERE event_id = $1`, strings.TrimSpace(eventID)).
		Scan(&rec.EventID, &rec.SeenAt, &rec.Outcome)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}
