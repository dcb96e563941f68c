// Package cache provides the short-TTL key-value store backing the
// entitlement cache.
//
// Two backends are available:
//   - RedisCache  — shared across replicas, recommended for production.
//   - MemoryCache — in-process TTL cache, zero external dependencies.
//
// Both implement the Cache interface so they are fully interchangeable.
package cache

import (
	"context"
	"time"
)

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
