package entitlement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type stubStore struct {
	row   *Row
	err   error
	calls int
}

func (s *stubStore) Fetch(_ context.Context, _, _ string) (*Row, error) {
	s.calls++
	return s.row, s.err
}

type mapCache struct {
	mu    sync.Mutex
	store map[string][]byte
}

func newMapCache() *mapCache {
	return &mapCache{store: make(map[string][]byte)}
}

func (c *mapCache) Get(_ context.Context, key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store[key]
	return v, ok
}

func (c *mapCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[key] = value
	return nil
}

func (c *mapCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, key)
	return nil
}

type countObserver struct {
	hits   int
	misses int
}

func (o *countObserver) CacheGetHit()  { o.hits++ }
func (o *countObserver) CacheGetMiss() { o.misses++ }

func TestResolve_ObserverSeesHitsAndMisses(t *testing.T) {
	store := &stubStore{row: &Row{SubscriptionType: "active"}}
	obs := &countObserver{}
	r := NewResolver(store, newMapCache(), time.Minute, nil)
	r.SetCacheObserver(obs)

	r.Resolve(context.Background(), "user-1", "tok")
	if obs.misses != 1 || obs.hits != 0 {
		t.Fatalf("after cold resolve: hits = %d, misses = %d", obs.hits, obs.misses)
	}

	r.Resolve(context.Background(), "user-1", "tok")
	if obs.misses != 1 || obs.hits != 1 {
		t.Fatalf("after warm resolve: hits = %d, misses = %d", obs.hits, obs.misses)
	}

	// Without a cache there is nothing to observe.
	bare := NewResolver(&stubStore{row: &Row{SubscriptionType: "active"}}, nil, time.Minute, nil)
	bare.SetCacheObserver(obs)
	bare.Resolve(context.Background(), "user-2", "tok")
	if obs.misses != 1 || obs.hits != 1 {
		t.Fatalf("cacheless resolve moved counters: hits = %d, misses = %d", obs.hits, obs.misses)
	}
}

func TestResolve_CacheHitShortCircuitsStore(t *testing.T) {
	store := &stubStore{row: &Row{SubscriptionType: "active"}}
	c := newMapCache()
	r := NewResolver(store, c, time.Minute, nil)

	first := r.Resolve(context.Background(), "user-1", "tok")
	if first.Tier != TierActive {
		t.Fatalf("tier = %q, want active", first.Tier)
	}
	if store.calls != 1 {
		t.Fatalf("store calls = %d, want 1", store.calls)
	}

	second := r.Resolve(context.Background(), "user-1", "tok")
	if second.Tier != TierActive {
		t.Fatalf("cached tier = %q, want active", second.Tier)
	}
	if store.calls != 1 {
		t.Errorf("cache hit must not hit the store, calls = %d", store.calls)
	}
}

func TestResolve_StoreErrorBlocksAndIsNotCached(t *testing.T) {
	store := &stubStore{err: errors.New("connection refused")}
	c := newMapCache()
	r := NewResolver(store, c, time.Minute, nil)

	rec := r.Resolve(context.Background(), "user-1", "tok")
	if rec.Tier != TierBlocked {
		t.Fatalf("tier = %q, want blocked", rec.Tier)
	}

	// Transient failures must not poison the cache; the next call retries.
	store.err = nil
	store.row = &Row{SubscriptionType: "active"}
	rec = r.Resolve(context.Background(), "user-1", "tok")
	if rec.Tier != TierActive {
		t.Errorf("tier after recovery = %q, want active", rec.Tier)
	}
	if store.calls != 2 {
		t.Errorf("store calls = %d, want 2", store.calls)
	}
}

func TestResolve_UndecodableCacheEntryIsAMiss(t *testing.T) {
	store := &stubStore{row: &Row{SubscriptionType: "cancelled"}}
	c := newMapCache()
	_ = c.Set(context.Background(), "sub:user-1", []byte("{broken"), time.Minute)
	r := NewResolver(store, c, time.Minute, nil)

	rec := r.Resolve(context.Background(), "user-1", "tok")
	if rec.Tier != TierCancelled {
		t.Fatalf("tier = %q, want cancelled", rec.Tier)
	}
	if store.calls != 1 {
		t.Errorf("store calls = %d, want 1", store.calls)
	}
}

func TestResolve_NilCache(t *testing.T) {
	store := &stubStore{row: &Row{SubscriptionType: "trial", TrialEndDate: tp(time.Now().Add(time.Hour))}}
	r := NewResolver(store, nil, time.Minute, nil)

	rec := r.Resolve(context.Background(), "user-1", "tok")
	if rec.Tier != TierTrial {
		t.Fatalf("tier = %q, want trial", rec.Tier)
	}
}

func TestSupabaseStore_Fetch(t *testing.T) {
	var gotAuth, gotAPIKey, gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		gotAPIKey = req.Header.Get("apikey")
		gotPath = req.URL.Path
		gotQuery = req.URL.RawQuery
		_ = json.NewEncoder(w).Encode([]Row{{UserID: "user-1", SubscriptionType: "active"}})
	}))
	defer srv.Close()

	store := NewSupabaseStore(srv.URL, "anon-key")
	row, err := store.Fetch(context.Background(), "user-1", "caller-token")
	if err != nil {
		t.Fatal(err)
	}
	if row == nil || row.SubscriptionType != "active" {
		t.Fatalf("row = %+v", row)
	}

	if gotAuth != "Bearer caller-token" {
		t.Errorf("Authorization = %q; the caller's own token must be used", gotAuth)
	}
	if gotAPIKey != "anon-key" {
		t.Errorf("apikey = %q", gotAPIKey)
	}
	if gotPath != "/rest/v1/subscription_status" {
		t.Errorf("path = %q", gotPath)
	}
	if !strings.Contains(gotQuery, "user_id=eq.user-1") {
		t.Errorf("query = %q, want a user_id filter", gotQuery)
	}
}

func TestSupabaseStore_EmptyResultMeansNoRow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("[]"))
	}))
	defer srv.Close()

	store := NewSupabaseStore(srv.URL, "anon-key")
	row, err := store.Fetch(context.Background(), "user-1", "tok")
	if err != nil {
		t.Fatal(err)
	}
	if row != nil {
		t.Errorf("row = %+v, want nil", row)
	}
}

func TestSupabaseStore_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"JWT expired","code":"PGRST301"}`))
	}))
	defer srv.Close()

	store := NewSupabaseStore(srv.URL, "anon-key")
	if _, err := store.Fetch(context.Background(), "user-1", "tok"); err == nil {
		t.Fatal("expected error for non-200 status")
	}
}
