package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps idempotency records as Redis strings. A zero TTL keeps them
// forever, which together with AOF persistence satisfies restart durability.
type RedisStore struct {
	Client *redis.Client
	Prefix string
	TTL    time.Duration
	Now    func() time.Time
}

func (s RedisStore) key(eventID string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "webhook:processed:"
	}
	return prefix + strings.TrimSpace(eventID)
}

func (s RedisStore) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s RedisStore) HasBeenProcessed(ctx context.Context, eventID string) (bool, error) {
	if s.Client == nil {
		return false, ErrStoreUnavailable
	}
	n, err := s.Client.Exists(ctx, s.key(eventID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s RedisStore) MarkProcessed(ctx context.Context, eventID, outcome string) error {
	if s.Client == nil {
		return ErrStoreUnavailable
	}
	payload, err := json.Marshal(Record{EventID: strings.TrimSpace(eventID), SeenAt: s.now(), Outcome: outcome})
	if err != nil {
		return err
	}
	return s.Client.SetNX(ctx, s.key(eventID), payload, s.TTL).Err()
}

func (s RedisStore) Get(ctx context.Context, eventID string) (Record, error) {
	if s.Client == nil {
		return Record{}, ErrStoreUnavailable
	}
	raw, err := s.Client.Get(ctx, s.key(eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
