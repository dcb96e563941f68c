package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestMemoryCache_SetGetDelete(t *testing.T) {
	c := NewMemoryCache(context.Background())
	defer c.Close()
	ctx := context.Background()

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Error("expected miss for unknown key")
	}

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	data, ok := c.Get(ctx, "k")
	if !ok || string(data) != "v" {
		t.Fatalf("get = %q, %v", data, ok)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expected miss after delete")
	}
}

func TestMemoryCache_TTLExpiry(t *testing.T) {
	c := NewMemoryCache(context.Background())
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expected expired entry to miss")
	}
}

func TestRedisCache_SetGetDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := NewRedisCacheFromClient(rdb)
	ctx := context.Background()

	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	data, ok := c.Get(ctx, "k")
	if !ok || string(data) != "v" {
		t.Fatalf("get = %q, %v", data, ok)
	}
	if ttl := mr.TTL("k"); ttl <= 0 || ttl > time.Minute {
		t.Errorf("ttl = %v", ttl)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expected miss after delete")
	}
}

func TestRedisCache_DegradesWhenRedisDown(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := NewRedisCacheFromClient(rdb)
	ctx := context.Background()
	mr.Close()

	// Get degrades to a miss; Set swallows the error — a dead cache must
	// never fail the request being served.
	if _, ok := c.Get(ctx, "k"); ok {
		t.Error("expected miss when redis is down")
	}
	if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Errorf("set should be best-effort, got %v", err)
	}
	if err := c.Delete(ctx, "k"); err == nil {
		t.Error("delete should surface the error")
	}
}

func TestNewRedisCacheFromURL_BadURL(t *testing.T) {
	if _, err := NewRedisCacheFromURL(context.Background(), "://bad"); err == nil {
		t.Error("expected parse error")
	}
	if _, err := NewRedisCacheFromURL(nil, "redis://localhost:6379"); err == nil { //nolint:staticcheck
		t.Error("expected nil-context error")
	}
}
