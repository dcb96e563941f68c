package cache

import (
	"context"
	"sync"
	"time"
)

// memItem stores a cached value together with its expiry time.
type memItem struct {
	data      []byte
	expiresAt time.Time
}

// MemoryCache is a simple in-process cache with per-entry TTL.
//
// It is safe for concurrent use. A background goroutine periodically removes
// expired entries to prevent unbounded growth. Use it for single-instance
// deployments and tests; multi-replica deployments need RedisCache so that
// every replica sees the same entitlement records.
type MemoryCache struct {
	mu    sync.RWMutex
	items map[string]memItem

	done chan struct{}
}

// NewMemoryCache creates a MemoryCache and starts the background cleanup
// loop. The goroutine stops when ctx is cancelled or Close is called.
func NewMemoryCache(ctx context.Context) *MemoryCache {
	c := &MemoryCache{
		items: make(map[string]memItem),
		done:  make(chan struct{}),
	}
	go c.cleanup(ctx)
	return c
}

// Get returns the cached value for key. Expired entries are removed lazily
// on access.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.RLock()
	item, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		return nil, false
	}

	if time.Now().After(item.expiresAt) {
		c.mu.Lock()
		delete(c.items, key)
		c.mu.Unlock()
		return nil, false
	}

	return item.data, true
}

// Set stores value under key for the duration of ttl.
// A zero or negative ttl is treated as a 5-minute TTL.
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	c.mu.Lock()
	c.items[key] = memItem{data: value, expiresAt: time.Now().Add(ttl)}
	c.mu.Unlock()

	return nil
}

// Delete removes key from the cache.
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
	return nil
}

// Close stops the background cleanup goroutine. Safe to call more than once.
func (c *MemoryCache) Close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

func (c *MemoryCache) cleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			c.mu.Lock()
			for k, item := range c.items {
				if now.After(item.expiresAt) {
					delete(c.items, k)
				}
			}
			c.mu.Unlock()

		case <-ctx.Done():
			return
		case <-c.done:
			return
		}
	}
}
