package cache

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tradebench/broker-auth/internal/middleware"
)

// RedisWindowStore implements middleware.WindowStore on a sorted set per
// identity, scored by hit time. Counters are shared across instances, which
// the sliding-window limits require to stay correct when scaled out.
type RedisWindowStore struct {
	client redis.UniversalClient
}

var _ middleware.WindowStore = (*RedisWindowStore)(nil)

func NewRedisWindowStore(client redis.UniversalClient) *RedisWindowStore {
	return &RedisWindowStore{client: client}
}

func (s *RedisWindowStore) Hit(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error) {
	now := time.Now()
	cutoff := now.Add(-window)

	pipe := s.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(cutoff.UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate window prune: %w", err)
	}

	if countCmd.Val() >= int64(limit) {
		retryAfter := window
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			oldestAt := time.Unix(0, int64(oldest[0].Score))
			retryAfter = window - now.Sub(oldestAt)
		}
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return false, retryAfter, nil
	}

	member := strconv.FormatInt(now.UnixNano(), 10)
	pipe = s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixNano()), Member: member})
	pipe.Expire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("rate window hit: %w", err)
	}
	return true, 0, nil
}

func (s *RedisWindowStore) Refund(ctx context.Context, key string) error {
	if err := s.client.ZPopMax(ctx, key, 1).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("rate window refund: %w", err)
	}
	return nil
}
