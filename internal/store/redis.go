package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"relaypoint/internal/types"
)

// Compile-time assertion.
var _ types.CounterStore = (*RedisCounterStore)(nil)

// keyPrefix namespaces pipeline counters inside a shared redis instance.
const keyPrefix = "relaypoint:counter:"

// RedisCounterStore is a CounterStore backed by redis, letting rate-limit
// and dedup counters be shared across processes. Window expiry uses native
// TTLs, so Sweep is a no-op.
type RedisCounterStore struct {
	rdb *redis.Client
}

// NewRedisCounterStore wraps an existing redis client.
func NewRedisCounterStore(rdb *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{rdb: rdb}
}

// Incr atomically increments the counter and arms the window TTL on first
// increment. The TTL is only set when absent, so the window does not slide
// on subsequent increments.
func (s *RedisCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	rkey := keyPrefix + key

	pipe := s.rdb.TxPipeline()
	incr := pipe.Incr(ctx, rkey)
	pipe.ExpireNX(ctx, rkey, window)
	ttl := pipe.PTTL(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, time.Time{}, fmt.Errorf("redis counter incr %s: %w", key, err)
	}

	resetAt := time.Now().UTC().Add(ttlOrWindow(ttl.Val(), window))
	return int(incr.Val()), resetAt, nil
}

// Peek returns the current count without incrementing.
func (s *RedisCounterStore) Peek(ctx context.Context, key string, window time.Duration) (int, time.Time, error) {
	rkey := keyPrefix + key

	pipe := s.rdb.TxPipeline()
	get := pipe.Get(ctx, rkey)
	ttl := pipe.PTTL(ctx, rkey)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, time.Time{}, fmt.Errorf("redis counter peek %s: %w", key, err)
	}

	now := time.Now().UTC()
	count, err := get.Int()
	if err == redis.Nil {
		return 0, now.Add(window), nil
	}
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis counter peek %s: %w", key, err)
	}
	return count, now.Add(ttlOrWindow(ttl.Val(), window)), nil
}

// Sweep is a no-op: redis evicts expired counters natively.
func (s *RedisCounterStore) Sweep(context.Context) int { return 0 }

// ttlOrWindow guards against the -1/-2 sentinel PTTL values (no TTL set,
// key missing) by falling back to the full window.
func ttlOrWindow(ttl, window time.Duration) time.Duration {
	if ttl <= 0 {
		return window
	}
	return ttl
}
