package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/supabase-community/postgrest-go"
)

const storeTimeout = 5 * time.Second

// SupabaseStore reads subscription rows over the store's REST API.
//
// Every query carries the caller's own bearer token, so row-level security
// restricts the read to that caller's row — the gateway holds no elevated
// credential for subscription data. Because the token differs per caller, a
// PostgREST client is built per fetch rather than shared.
type SupabaseStore struct {
	restURL string
	anonKey string
}

// NewSupabaseStore creates a store client. baseURL is the project URL
// (e.g. https://xyz.supabase.co); anonKey is the public API key required on
// every REST request alongside the caller's token.
func NewSupabaseStore(baseURL, anonKey string) *SupabaseStore {
	return &SupabaseStore{
		restURL: baseURL + "/rest/v1",
		anonKey: anonKey,
	}
}

// Fetch returns the subscription row for callerID, or (nil, nil) when the
// store has no row. callerToken is the caller's own signed token.
func (s *SupabaseStore) Fetch(ctx context.Context, callerID, callerToken string) (*Row, error) {
	client := postgrest.NewClient(s.restURL, "", map[string]string{
		"apikey":        s.anonKey,
		"Authorization": "Bearer " + callerToken,
	})
	if client.ClientError != nil {
		return nil, fmt.Errorf("entitlement: store client: %w", client.ClientError)
	}

	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()

	data, _, err := client.
		From("subscription_status").
		Select("*", "", false).
		Eq("user_id", callerID).
		Limit(1, "").
		ExecuteWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("entitlement: store query: %w", err)
	}

	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("entitlement: decode response: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	return &rows[0], nil
}
