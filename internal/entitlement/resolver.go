package entitlement

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nulpointcorp/food-vision-gateway/internal/cache"
)

// DefaultTTL is how long a classified record stays cached. Short enough
// that a renewal shows up within minutes, long enough to keep the store off
// the hot path.
const DefaultTTL = 5 * time.Minute

// Store abstracts the external subscription store for testing.
type Store interface {
	Fetch(ctx context.Context, callerID, callerToken string) (*Row, error)
}

// CacheObserver receives cache hit/miss signals so cache effectiveness
// shows up in metrics.
type CacheObserver interface {
	CacheGetHit()
	CacheGetMiss()
}

// Resolver classifies a caller's subscription state with a read-through
// cache in front of the store.
type Resolver struct {
	store Store
	cache cache.Cache
	ttl   time.Duration
	log   *slog.Logger
	obs   CacheObserver
	now   func() time.Time
}

// NewResolver creates a Resolver. cache may be nil (every call hits the
// store); log falls back to slog.Default when nil.
func NewResolver(store Store, c cache.Cache, ttl time.Duration, log *slog.Logger) *Resolver {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{store: store, cache: c, ttl: ttl, log: log, now: time.Now}
}

// SetCacheObserver attaches a hit/miss observer. Nil disables observation.
func (r *Resolver) SetCacheObserver(obs CacheObserver) { r.obs = obs }

// Resolve returns the caller's entitlement record. A cache hit short-circuits
// the store entirely; on a miss the store is queried with the caller's own
// token and the classified result is written back best-effort. Any store
// anomaly classifies as blocked.
func (r *Resolver) Resolve(ctx context.Context, callerID, callerToken string) Record {
	key := "sub:" + callerID

	if r.cache != nil {
		if data, ok := r.cache.Get(ctx, key); ok {
			var rec Record
			if err := json.Unmarshal(data, &rec); err == nil && rec.Tier != "" {
				if r.obs != nil {
					r.obs.CacheGetHit()
				}
				return rec
			}
			// Undecodable cache entries are treated as misses.
		}
		if r.obs != nil {
			r.obs.CacheGetMiss()
		}
	}

	row, err := r.store.Fetch(ctx, callerID, callerToken)
	if err != nil {
		r.log.WarnContext(ctx, "entitlement_store_error",
			slog.String("caller_id", callerID),
			slog.String("error", err.Error()),
		)
		// Fail closed — do not cache transient store errors.
		return Record{CallerID: callerID, Tier: TierBlocked}
	}

	tier := Classify(row, r.now())
	rec := Record{CallerID: callerID, Tier: tier, ExpiresAt: expiry(row, tier)}

	if r.cache != nil {
		if data, err := json.Marshal(rec); err == nil {
			// Best-effort: a cache-write failure never fails the resolution.
			_ = r.cache.Set(ctx, key, data, r.ttl)
		}
	}

	return rec
}
