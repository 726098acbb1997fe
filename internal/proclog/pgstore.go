package proclog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const entryColumns = `id, event_type, provider_event_id, status, reason, attempt, detail, created_at, updated_at`

// NewStore constructs a Store backed by a pgx connection pool.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

func (s *pgStore) Insert(ctx context.Context, entry Entry) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	detail, err := marshalDetail(entry.Detail)
	if err != nil {
		return 0, err
	}
	status := entry.Status
	if status == "" {
		status = StatusStarted
	}
	var id int64
	err = s.pool.QueryRow(ctx, `INSERT INTO webhook_processing_logs (event_type, provider_event_id, status, reason, attempt, detail)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`,
		entry.EventType, entry.ProviderEventID, string(status), entry.Reason, entry.Attempt, detail).Scan(&id)
	if isUniqueViolation(err) {
		return 0, ErrDuplicateSuccess
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *pgStore) Finish(ctx context.Context, id int64, status Status, reason string, detail Detail) error {
	if s == nil || s.pool == nil {
		return ErrStoreUnavailable
	}
	if !status.Terminal() {
		return fmt.Errorf("proclog: %q is not a terminal status", status)
	}
	raw, err := marshalDetail(detail)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `UPDATE webhook_processing_logs
SET status = $2, reason = $3, detail = detail || $4::jsonb, updated_at = now()
WHERE id = $1 AND status = 'started'`, id, string(status), reason, raw)
	if isUniqueViolation(err) {
		return ErrDuplicateSuccess
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) ListByEvent(ctx context.Context, providerEventID string) ([]Entry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM webhook_processing_logs
WHERE provider_event_id = $1 ORDER BY id ASC`, strings.TrimSpace(providerEventID))
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *pgStore) ListRecent(ctx context.Context, filter Filter) ([]Entry, error) {
	if s == nil || s.pool == nil {
		return nil, ErrStoreUnavailable
	}
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	var status, eventType any
	if filter.Status != "" {
		status = string(filter.Status)
	}
	if t := strings.TrimSpace(filter.EventType); t != "" {
		eventType = t
	}
	rows, err := s.pool.Query(ctx, `SELECT `+entryColumns+` FROM webhook_processing_logs
WHERE ($1::text IS NULL OR status = $1) AND ($2::text IS NULL OR event_type = $2)
ORDER BY id DESC LIMIT $3`, status, eventType, limit)
	if err != nil {
		return nil, err
	}
	return collectEntries(rows)
}

func (s *pgStore) ExpireStarted(ctx context.Context, olderThan time.Time) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, ErrStoreUnavailable
	}
	tag, err := s.pool.Exec(ctx, `UPDATE webhook_processing_logs
SET status = 'expired', reason = 'abandoned', updated_at = now()
WHERE status = 'started' AND created_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	entries := make([]Entry, 0)
	for rows.Next() {
		var (
			entry  Entry
			status string
			raw    []byte
		)
		if err := rows.Scan(&entry.ID, &entry.EventType, &entry.ProviderEventID, &status, &entry.Reason, &entry.Attempt, &raw, &entry.CreatedAt, &entry.UpdatedAt); err != nil {
			return nil, err
		}
		entry.Status = Status(status)
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &entry.Detail); err != nil {
				return nil, fmt.Errorf("decode detail for log %d: %w", entry.ID, err)
			}
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func marshalDetail(detail Detail) ([]byte, error) {
	if detail == nil {
		return []byte(`{}`), nil
	}
	raw, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("encode detail: %w", err)
	}
	return raw, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
