package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nulpointcorp/food-vision-gateway/internal/auth"
	"github.com/nulpointcorp/food-vision-gateway/internal/entitlement"
	"github.com/nulpointcorp/food-vision-gateway/internal/providers"
	"github.com/nulpointcorp/food-vision-gateway/internal/quota"
	"github.com/nulpointcorp/food-vision-gateway/internal/routing"
	"github.com/nulpointcorp/food-vision-gateway/pkg/apierr"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// --- helpers ----------------------------------------------------------------

// stubAdapter returns a fixed response and counts invocations.
type stubAdapter struct {
	name  string
	text  string
	err   error
	calls int64
}

func (a *stubAdapter) Name() string { return a.name }

func (a *stubAdapter) Invoke(_ context.Context, _ *providers.Invocation) (*providers.Result, error) {
	atomic.AddInt64(&a.calls, 1)
	if a.err != nil {
		return nil, a.err
	}
	return &providers.Result{
		Text:     a.text,
		Usage:    providers.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Provider: a.name,
	}, nil
}

func (a *stubAdapter) invocations() int64 { return atomic.LoadInt64(&a.calls) }

// allowAll authorizes every request as an active caller.
type allowAll struct{}

func (allowAll) Authorize(_ context.Context, _ auth.Credentials, _ quota.Class) auth.Decision {
	return auth.Decision{
		Authorized: true,
		CallerID:   "user-123",
		Tier:       entitlement.TierActive,
		Quota:      quota.Status{Allowed: true, Limit: 100, Remaining: 99},
	}
}

// denyWith rejects every request with the given denial.
type denyWith struct {
	denial *apierr.Denial
}

func (d denyWith) Authorize(_ context.Context, _ auth.Credentials, _ quota.Class) auth.Decision {
	return auth.Decision{Denial: d.denial}
}

func openRouter() *routing.Router {
	return routing.New(routing.Config{Region: "FRA", BlockedRegions: []string{"HKG"}}, nil)
}

func testGateway(authorizer Authorizer, ad *stubAdapter) *Gateway {
	return NewGateway(
		context.Background(),
		authorizer,
		openRouter(),
		map[string]providers.Adapter{ad.name: ad},
		ad.name,
		GatewayOptions{},
	)
}

// serveGateway starts a fasthttp server on an in-memory listener with the
// gateway's full route table and middleware pipeline. Returns an HTTP client
// that routes to it, and a cleanup function.
func serveGateway(t *testing.T, gw *Gateway) (*http.Client, func()) {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()

	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}

	return client, func() { ln.Close() }
}

func doPost(t *testing.T, client *http.Client, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	req, err := http.NewRequest("POST", "http://test"+path, bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readJSON(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
}

const validAnalysis = `{"has_packaging":false,"predictions":[{"label":"Apple","confidence":0.95,"nutrition":{"calories":80,"estimated_grams":160}}]}`

// --- constructor ------------------------------------------------------------

func TestNewGateway_PanicsOnNilContext(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for nil context")
		}
	}()
	NewGateway(nil, allowAll{}, openRouter(), nil, "openai", GatewayOptions{})
}

// --- end-to-end -------------------------------------------------------------

func TestAnalyze_EndToEnd(t *testing.T) {
	ad := &stubAdapter{name: "openai", text: validAnalysis}
	client, cleanup := serveGateway(t, testGateway(allowAll{}, ad))
	defer cleanup()

	resp := doPost(t, client, "/api/v1/analyze", map[string]string{"image": "aW1n"})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Success  bool               `json:"success"`
		Data     providers.Analysis `json:"data"`
		Usage    providers.Usage    `json:"usage"`
		Provider string             `json:"provider"`
	}
	readJSON(t, resp, &body)

	if !body.Success {
		t.Error("success = false")
	}
	if len(body.Data.Predictions) != 1 || body.Data.Predictions[0].Label != "Apple" {
		t.Errorf("data = %+v", body.Data)
	}
	if body.Usage.PromptTokens != 10 || body.Usage.CompletionTokens != 5 || body.Usage.TotalTokens != 15 {
		t.Errorf("usage = %+v", body.Usage)
	}
	if body.Provider != "openai" {
		t.Errorf("provider = %q", body.Provider)
	}
	if ad.invocations() != 1 {
		t.Errorf("adapter invocations = %d", ad.invocations())
	}
}

func TestAnalyze_ExpiredTierNeverReachesUpstream(t *testing.T) {
	ad := &stubAdapter{name: "openai", text: validAnalysis}
	gw := testGateway(denyWith{apierr.SubscriptionRequired("expired")}, ad)
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/api/v1/analyze", map[string]string{"image": "aW1n"})
	if resp.StatusCode != 403 {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	var body apierr.Body
	readJSON(t, resp, &body)
	if body.SubscriptionType != "expired" {
		t.Errorf("subscriptionType = %q", body.SubscriptionType)
	}

	if ad.invocations() != 0 {
		t.Errorf("adapter invoked %d times; a denied request must not cost an AI call", ad.invocations())
	}
}

func TestAnalyze_ValidationErrors(t *testing.T) {
	ad := &stubAdapter{name: "openai", text: validAnalysis}
	client, cleanup := serveGateway(t, testGateway(allowAll{}, ad))
	defer cleanup()

	tests := []struct {
		name string
		body any
	}{
		{"missing image", map[string]string{}},
		{"invalid base64", map[string]string{"image": "!!!"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doPost(t, client, "/api/v1/analyze", tt.body)
			if resp.StatusCode != 400 {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			resp.Body.Close()
		})
	}
	if ad.invocations() != 0 {
		t.Errorf("adapter invoked %d times on invalid payloads", ad.invocations())
	}
}

func TestAnalyze_MissingProviderIsConfigError(t *testing.T) {
	gw := NewGateway(context.Background(), allowAll{}, openRouter(),
		map[string]providers.Adapter{}, "openai", GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	resp := doPost(t, client, "/api/v1/analyze", map[string]string{"image": "aW1n"})
	if resp.StatusCode != 500 {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
	var body apierr.Body
	readJSON(t, resp, &body)
	if body.Error != "server configuration error" {
		t.Errorf("error = %q", body.Error)
	}
}

func TestAnalyze_UpstreamErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        *providers.AdapterError
		wantStatus int
	}{
		{"rate limited", &providers.AdapterError{Provider: "openai", Kind: providers.KindRateLimited, Status: 429}, 429},
		{"auth failed stays generic 500", &providers.AdapterError{Provider: "openai", Kind: providers.KindAuthFailed, Status: 401}, 500},
		{"refused", &providers.AdapterError{Provider: "openai", Kind: providers.KindRefused, Status: 403}, 503},
		{"empty", &providers.AdapterError{Provider: "openai", Kind: providers.KindEmpty}, 500},
		{"generic passes through", &providers.AdapterError{Provider: "openai", Kind: providers.KindGeneric, Status: 502}, 502},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ad := &stubAdapter{name: "openai", err: tt.err}
			client, cleanup := serveGateway(t, testGateway(allowAll{}, ad))
			defer cleanup()

			resp := doPost(t, client, "/api/v1/analyze", map[string]string{"image": "aW1n"})
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.err.Kind == providers.KindRefused {
				var body apierr.Body
				readJSON(t, resp, &body)
				if body.Region == "" || body.RoutingMethod == "" {
					t.Errorf("refusal must carry routing diagnostics, got %+v", body)
				}
			} else {
				resp.Body.Close()
			}
		})
	}
}

func TestParseText_EndToEnd(t *testing.T) {
	ad := &stubAdapter{name: "openai", text: validAnalysis}
	client, cleanup := serveGateway(t, testGateway(allowAll{}, ad))
	defer cleanup()

	resp := doPost(t, client, "/api/v1/parse-text", map[string]string{"text": "two eggs and toast"})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = doPost(t, client, "/api/v1/parse-text", map[string]string{})
	if resp.StatusCode != 400 {
		t.Errorf("missing text: status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMatchIngredient_EndToEnd(t *testing.T) {
	ad := &stubAdapter{name: "openai", text: "Candidate 2 is the same food.\nANSWER: 2"}
	client, cleanup := serveGateway(t, testGateway(allowAll{}, ad))
	defer cleanup()

	resp := doPost(t, client, "/api/v1/match-ingredient", map[string]any{
		"ingredientName": "butter",
		"candidates": []map[string]string{
			{"description": "Margarine, stick"},
			{"description": "Butter, salted"},
			{"description": "Oil, olive"},
		},
	})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Success bool `json:"success"`
		Data    struct {
			Match      *matchCandidate `json:"match"`
			MatchIndex *int            `json:"matchIndex"`
		} `json:"data"`
	}
	readJSON(t, resp, &body)

	if body.Data.Match == nil || body.Data.Match.Description != "Butter, salted" {
		t.Errorf("match = %+v", body.Data.Match)
	}
	if body.Data.MatchIndex == nil || *body.Data.MatchIndex != 1 {
		t.Errorf("matchIndex = %v, want 1 (0-indexed)", body.Data.MatchIndex)
	}
}

func TestMatchIngredient_NoMatchIsNull(t *testing.T) {
	ad := &stubAdapter{name: "openai", text: "None of these match.\nANSWER: 0"}
	client, cleanup := serveGateway(t, testGateway(allowAll{}, ad))
	defer cleanup()

	resp := doPost(t, client, "/api/v1/match-ingredient", map[string]any{
		"ingredientName": "dragonfruit",
		"candidates":     []map[string]string{{"description": "Apple, raw"}},
	})
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	var body struct {
		Data matchResult `json:"data"`
	}
	readJSON(t, resp, &body)
	if body.Data.Match != nil || body.Data.MatchIndex != nil {
		t.Errorf("data = %+v, want null match", body.Data)
	}
}

func TestMatchIngredient_CandidateBounds(t *testing.T) {
	ad := &stubAdapter{name: "openai", text: "ANSWER: 1"}
	client, cleanup := serveGateway(t, testGateway(allowAll{}, ad))
	defer cleanup()

	tooMany := make([]map[string]string, DefaultMaxCandidates+1)
	for i := range tooMany {
		tooMany[i] = map[string]string{"description": "entry"}
	}

	tests := []struct {
		name string
		body map[string]any
	}{
		{"no candidates", map[string]any{"ingredientName": "butter"}},
		{"too many candidates", map[string]any{"ingredientName": "butter", "candidates": tooMany}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := doPost(t, client, "/api/v1/match-ingredient", tt.body)
			if resp.StatusCode != 400 {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
			resp.Body.Close()
		})
	}
}

// --- edge entry point -------------------------------------------------------

func TestRoutes_CORSPreflight(t *testing.T) {
	ad := &stubAdapter{name: "openai", text: validAnalysis}
	client, cleanup := serveGateway(t, testGateway(allowAll{}, ad))
	defer cleanup()

	req, _ := http.NewRequest("OPTIONS", "http://test/api/v1/analyze", nil)
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 204 {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("Allow-Origin = %q", got)
	}
	if got := resp.Header.Get("Access-Control-Allow-Headers"); got != "Content-Type, Authorization, X-User-Token" {
		t.Errorf("Allow-Headers = %q", got)
	}
	if ad.invocations() != 0 {
		t.Error("preflight must not reach the handler")
	}
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	ad := &stubAdapter{name: "openai", text: validAnalysis}
	client, cleanup := serveGateway(t, testGateway(allowAll{}, ad))
	defer cleanup()

	resp, err := client.Get("http://test/api/v1/analyze")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 405 {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestRoutes_UnknownPath(t *testing.T) {
	ad := &stubAdapter{name: "openai", text: validAnalysis}
	client, cleanup := serveGateway(t, testGateway(allowAll{}, ad))
	defer cleanup()

	resp := doPost(t, client, "/api/v2/nope", map[string]string{})
	defer resp.Body.Close()
	if resp.StatusCode != 404 {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestRoutes_RequestIDAndTimingHeaders(t *testing.T) {
	ad := &stubAdapter{name: "openai", text: validAnalysis}
	client, cleanup := serveGateway(t, testGateway(allowAll{}, ad))
	defer cleanup()

	resp := doPost(t, client, "/api/v1/analyze", map[string]string{"image": "aW1n"})
	defer resp.Body.Close()

	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID")
	}
	if resp.Header.Get("X-Response-Time") == "" {
		t.Error("missing X-Response-Time")
	}
}

func TestHealth(t *testing.T) {
	ad := &stubAdapter{name: "openai", text: validAnalysis}
	client, cleanup := serveGateway(t, testGateway(allowAll{}, ad))
	defer cleanup()

	resp, err := client.Get("http://test/health")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]any
	readJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("health = %+v", body)
	}
}

// --- routing integration ----------------------------------------------------

func TestAnalyze_BlockedRegionAppliesDelay(t *testing.T) {
	ad := &stubAdapter{name: "openai", text: validAnalysis}
	router := routing.New(routing.Config{
		Region:         "HKG",
		BlockedRegions: []string{"HKG"},
		DirectDelay:    50 * time.Millisecond,
	}, nil)
	gw := NewGateway(context.Background(), allowAll{}, router,
		map[string]providers.Adapter{"openai": ad}, "openai", GatewayOptions{})
	client, cleanup := serveGateway(t, gw)
	defer cleanup()

	start := time.Now()
	resp := doPost(t, client, "/api/v1/analyze", map[string]string{"image": "aW1n"})
	resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("elapsed = %v, want ≥ 50ms penalty", elapsed)
	}
}
