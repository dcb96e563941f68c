// Package entitlement resolves a caller's subscription state.
//
// The source of truth lives in an external subscription store; the resolver
// reads it with the caller's own delegated credential (never an elevated
// service key) and caches the classified result for a short window.
//
// Classification fails closed: any ambiguity — store error, missing row,
// unrecognized subscription type — yields TierBlocked. Cost protection takes
// priority over availability here, the exact opposite of the quota tracker's
// fail-open stance.
package entitlement

import "time"

// Tier is the caller's subscription state.
type Tier string

const (
	TierTrial     Tier = "trial"
	TierActive    Tier = "active"
	TierExpired   Tier = "expired"
	TierCancelled Tier = "cancelled"
	// TierBlocked is the fail-closed catch-all for anomalies.
	TierBlocked Tier = "blocked"
)

// Allows reports whether the tier grants access to the gateway.
func (t Tier) Allows() bool {
	return t == TierTrial || t == TierActive
}

// Record is the cached classification result.
type Record struct {
	CallerID  string     `json:"caller_id"`
	Tier      Tier       `json:"tier"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Row mirrors the subscription store's row for a single caller.
type Row struct {
	UserID           string     `json:"user_id"`
	SubscriptionType string     `json:"subscription_type"`
	TrialEndDate     *time.Time `json:"trial_end_date"`
	ExpiresAt        *time.Time `json:"expires_at"`
}

// Classify maps a raw subscription row to a tier. It is a pure function:
// the same row and clock always yield the same tier. A nil row means the
// store had no record for the caller and classifies as blocked.
func Classify(row *Row, now time.Time) Tier {
	if row == nil {
		return TierBlocked
	}

	switch row.SubscriptionType {
	case "trial":
		if row.TrialEndDate != nil && row.TrialEndDate.After(now) {
			return TierTrial
		}
		return TierExpired

	case "active", "monthly", "yearly":
		if row.ExpiresAt == nil || row.ExpiresAt.After(now) {
			return TierActive
		}
		return TierExpired

	case "cancelled":
		return TierCancelled

	case "expired":
		return TierExpired

	default:
		return TierBlocked
	}
}

// expiry returns the timestamp relevant to the classified tier, if any.
func expiry(row *Row, tier Tier) *time.Time {
	if row == nil {
		return nil
	}
	if tier == TierTrial {
		return row.TrialEndDate
	}
	return row.ExpiresAt
}
