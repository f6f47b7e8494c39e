package tokenizer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is an optional Store backed by a Redis sorted set per project,
// scored by Unix timestamp, so CountSince is a single ZCOUNT. Adapted from
// wisbric-nightowl's internal/auth/ratelimit.go INCR+EXPIRE counting idiom,
// generalized to a sliding window via ZADD/ZREMRANGEBYSCORE instead of a
// fixed-bucket counter.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
	seq uint64 // disambiguates members recorded within the same timestamp
}

// NewRedisStore constructs a RedisStore. ttl bounds how long a per-project
// key survives with no activity (keeps stale projects from leaking keys
// forever); it should be at least the one-hour accounting window.
func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func ledgerKey(projectID string) string {
	return fmt.Sprintf("usage_ledger:%s", projectID)
}

// Record adds at to projectID's sorted set and trims entries older than one
// hour before at, matching MapStore's pruning discipline.
func (s *RedisStore) Record(ctx context.Context, projectID string, at time.Time) error {
	key := ledgerKey(projectID)
	member := fmt.Sprintf("%d-%d", at.UnixNano(), atomic.AddUint64(&s.seq, 1))

	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(at.UnixNano()), Member: member})
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", at.Add(-time.Hour).UnixNano()))
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("usage ledger: record %s: %w", projectID, err)
	}
	return nil
}

// CountSince returns the count of projectID's timestamps scored >= since.
func (s *RedisStore) CountSince(ctx context.Context, projectID string, since time.Time) (int, error) {
	key := ledgerKey(projectID)
	n, err := s.rdb.ZCount(ctx, key, fmt.Sprintf("%d", since.UnixNano()), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("usage ledger: count %s: %w", projectID, err)
	}
	return int(n), nil
}
