package entitlement

import (
	"testing"
	"time"
)

func tp(t time.Time) *time.Time { return &t }

func TestClassify(t *testing.T) {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	past := tp(now.Add(-24 * time.Hour))
	future := tp(now.Add(24 * time.Hour))

	tests := []struct {
		name string
		row  *Row
		want Tier
	}{
		{"nil row", nil, TierBlocked},
		{"trial within window", &Row{SubscriptionType: "trial", TrialEndDate: future}, TierTrial},
		{"trial past window", &Row{SubscriptionType: "trial", TrialEndDate: past}, TierExpired},
		{"trial without end date", &Row{SubscriptionType: "trial"}, TierExpired},
		{"active no expiry", &Row{SubscriptionType: "active"}, TierActive},
		{"active future expiry", &Row{SubscriptionType: "active", ExpiresAt: future}, TierActive},
		{"active past expiry", &Row{SubscriptionType: "active", ExpiresAt: past}, TierExpired},
		{"monthly", &Row{SubscriptionType: "monthly", ExpiresAt: future}, TierActive},
		{"yearly past expiry", &Row{SubscriptionType: "yearly", ExpiresAt: past}, TierExpired},
		{"cancelled", &Row{SubscriptionType: "cancelled"}, TierCancelled},
		{"expired", &Row{SubscriptionType: "expired"}, TierExpired},
		{"unknown type", &Row{SubscriptionType: "lifetime-vip"}, TierBlocked},
		{"empty type", &Row{}, TierBlocked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.row, now); got != tt.want {
				t.Errorf("Classify() = %q, want %q", got, tt.want)
			}
			// Pure function: a second call with identical inputs agrees.
			if got := Classify(tt.row, now); got != tt.want {
				t.Errorf("Classify() not deterministic, second call = %q", got)
			}
		})
	}
}

func TestTierAllows(t *testing.T) {
	allowed := map[Tier]bool{
		TierTrial:     true,
		TierActive:    true,
		TierExpired:   false,
		TierCancelled: false,
		TierBlocked:   false,
	}
	for tier, want := range allowed {
		if got := tier.Allows(); got != want {
			t.Errorf("%s.Allows() = %v, want %v", tier, got, want)
		}
	}
}
