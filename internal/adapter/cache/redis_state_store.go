package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradebench/broker-auth/internal/csrf"
)

// RedisStateStore implements csrf.StateStore backed by Redis. It is the
// required store for multi-instance deployments: state consumption must be
// shared across processes or single-use semantics break.
type RedisStateStore struct {
	client redis.UniversalClient
}

var _ csrf.StateStore = (*RedisStateStore)(nil)

// NewRedisStateStore constructs a Redis-backed state store.
func NewRedisStateStore(client redis.UniversalClient) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// Save stores the encoded record with TTL, replacing any prior record under
// the same key.
func (s *RedisStateStore) Save(ctx context.Context, key string, record csrf.Record, ttl time.Duration) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := s.client.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// Consume atomically loads and deletes the record via GETDEL, so concurrent
// callbacks can consume a state at most once.
func (s *RedisStateStore) Consume(ctx context.Context, key string) (*csrf.Record, error) {
	payload, err := s.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("consume state: %w", err)
	}
	var record csrf.Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return &record, nil
}
