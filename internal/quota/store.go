// Package quota enforces per-caller, per-day, per-endpoint-class request
// limits using daily counters with atomic increment semantics.
//
// Keys embed the UTC calendar date, so counters reset implicitly at
// midnight UTC when a fresh key starts — no reset job. Counter-store
// failures fail OPEN: availability beats quota precision here because
// entitlement gating upstream already bounds abuse, the opposite trade-off
// from the fail-closed entitlement resolver.
package quota

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterStore is the shared counter backend. Incr must be atomic and apply
// ttl only when the key is created.
type CounterStore interface {
	Get(ctx context.Context, key string) (int64, error)
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// incrScript increments a counter and sets its TTL on first touch, in one
// atomic round trip.
// KEYS[1] = counter key
// ARGV[1] = TTL in milliseconds
// Returns the new counter value.
var incrScript = redis.NewScript(`
		local v = redis.call('INCR', KEYS[1])
		if v == 1 then
			redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[1]))
		end
		return v
`)

// RedisCounter is a Redis-backed CounterStore.
type RedisCounter struct {
	rdb *redis.Client
}

// NewRedisCounter wraps an existing Redis client. The caller owns the
// client lifecycle.
func NewRedisCounter(rdb *redis.Client) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

// Get returns the current counter value; a missing key reads as 0.
func (c *RedisCounter) Get(ctx context.Context, key string) (int64, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Incr atomically increments key, setting ttl when the key is created, and
// returns the new value.
func (c *RedisCounter) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return incrScript.Run(ctx, c.rdb, []string{key}, ttl.Milliseconds()).Int64()
}

// MemoryCounter is an in-process CounterStore for single-instance
// deployments and tests.
type MemoryCounter struct {
	mu      sync.Mutex
	counts  map[string]int64
	expires map[string]time.Time
}

// NewMemoryCounter creates an empty MemoryCounter.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{
		counts:  make(map[string]int64),
		expires: make(map[string]time.Time),
	}
}

func (c *MemoryCounter) Get(_ context.Context, key string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(key)
	return c.counts[key], nil
}

func (c *MemoryCounter) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(key)
	c.counts[key]++
	if c.counts[key] == 1 {
		c.expires[key] = time.Now().Add(ttl)
	}
	return c.counts[key], nil
}

// expire drops the key if its TTL has elapsed. Caller must hold mu.
func (c *MemoryCounter) expire(key string) {
	if exp, ok := c.expires[key]; ok && time.Now().After(exp) {
		delete(c.counts, key)
		delete(c.expires, key)
	}
}
