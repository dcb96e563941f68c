package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nulpointcorp/food-vision-gateway/internal/entitlement"
)

// Class partitions operations into separately-budgeted groups.
type Class string

const (
	// ClassMeal covers meal analysis: image recognition, label extraction
	// and free-text meal parsing.
	ClassMeal Class = "meal"

	// ClassEnrichment covers cheaper lookups: ingredient matching.
	ClassEnrichment Class = "enrichment"
)

// counterTTL keeps stale daily keys from accumulating; the date embedded in
// the key is what actually scopes the counter to a day.
const counterTTL = 24 * time.Hour

// Limits holds the daily ceiling per class for one subscription tier.
type Limits struct {
	Meal       int64
	Enrichment int64
}

// For returns the ceiling for the given class.
func (l Limits) For(class Class) int64 {
	if class == ClassMeal {
		return l.Meal
	}
	return l.Enrichment
}

// TierLimits maps subscription tiers to their daily limits. Tiers absent
// from the map get zero limits, which denies without touching counters.
type TierLimits map[entitlement.Tier]Limits

// DefaultTierLimits are the shipped daily ceilings. Expired, cancelled and
// blocked callers get no budget at all.
func DefaultTierLimits() TierLimits {
	return TierLimits{
		entitlement.TierTrial:  {Meal: 30, Enrichment: 300},
		entitlement.TierActive: {Meal: 100, Enrichment: 1000},
	}
}

// Status reports the outcome of a single quota check.
type Status struct {
	Allowed   bool
	Limit     int64
	Used      int64
	Remaining int64
	ResetAt   time.Time
}

// Tracker checks and advances per-caller daily usage counters.
type Tracker struct {
	store  CounterStore
	limits TierLimits
	log    *slog.Logger
	now    func() time.Time
}

// NewTracker builds a Tracker over the given counter store. A nil limits
// map falls back to DefaultTierLimits; log falls back to slog.Default
// when nil.
func NewTracker(store CounterStore, limits TierLimits, log *slog.Logger) *Tracker {
	if limits == nil {
		limits = DefaultTierLimits()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Tracker{
		store:  store,
		limits: limits,
		log:    log,
		now:    time.Now,
	}
}

// CheckAndIncrement consumes one unit of the caller's daily budget for the
// given class. When the budget is exhausted it denies without incrementing.
// Counter-store failures fail open: the request is allowed and the error is
// logged, never surfaced to the caller.
func (t *Tracker) CheckAndIncrement(ctx context.Context, callerID string, tier entitlement.Tier, class Class) Status {
	now := t.now().UTC()
	limit := t.limits[tier].For(class)
	st := Status{Limit: limit, ResetAt: nextUTCMidnight(now)}

	// Zero-limit tiers are denied outright; no counter traffic for callers
	// with no budget.
	if limit <= 0 {
		return st
	}

	key := counterKey(callerID, class, now)

	used, err := t.store.Get(ctx, key)
	if err != nil {
		t.log.Warn("quota counter read failed, allowing request",
			slog.String("caller_id", callerID),
			slog.String("class", string(class)),
			slog.Any("error", err))
		st.Allowed = true
		st.Remaining = limit
		return st
	}
	st.Used = used

	if used >= limit {
		return st
	}

	n, err := t.store.Incr(ctx, key, counterTTL)
	if err != nil {
		t.log.Warn("quota counter increment failed, allowing request",
			slog.String("caller_id", callerID),
			slog.String("class", string(class)),
			slog.Any("error", err))
		st.Allowed = true
		st.Remaining = limit - used
		return st
	}

	st.Allowed = true
	st.Used = n
	st.Remaining = limit - n
	if st.Remaining < 0 {
		st.Remaining = 0
	}
	return st
}

// counterKey is rl:{caller}:{class}:{YYYY-MM-DD} with the date in UTC.
func counterKey(callerID string, class Class, now time.Time) string {
	return fmt.Sprintf("rl:%s:%s:%s", callerID, class, now.Format("2006-01-02"))
}

// nextUTCMidnight is the instant the current day's counters stop applying.
func nextUTCMidnight(now time.Time) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+1, 0, 0, 0, 0, time.UTC)
}
