package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore counts windows in Redis, giving exact global limits across
// instances. Counters are INCRed and expired per slot; the two commands are
// pipelined so a request costs one round trip.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "ratelimit"}
}

// Incr implements Store.
func (s *RedisStore) Incr(ctx context.Context, key string, slot int64, ttl time.Duration) (int, error) {
	bucket := fmt.Sprintf("%s:%s:%d", s.prefix, key, slot)

	pipe := s.client.TxPipeline()
	incr := pipe.Incr(ctx, bucket)
	pipe.PExpire(ctx, bucket, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("rate limit incr: %w", err)
	}
	return int(incr.Val()), nil
}
