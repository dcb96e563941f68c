// Package proxy is the gateway's HTTP surface.
//
// Every operation follows the same shape: authorize (shared secret, caller
// token, entitlement, quota), validate the payload, build the operation's
// prompt, invoke the configured provider through the geographic router, and
// emit the normalized JSON envelope. Handlers never branch on provider
// identity; the adapter interface and the error taxonomy carry everything
// they need.
//
// Key design constraints:
//   - The authorization gate runs before anything touches an upstream; an
//     unentitled caller must never cost an AI call.
//   - Usage logger and metrics are optional and nil-safe.
//   - All upstream I/O uses context.Context so timeouts propagate correctly.
package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nulpointcorp/food-vision-gateway/internal/auth"
	"github.com/nulpointcorp/food-vision-gateway/internal/logger"
	"github.com/nulpointcorp/food-vision-gateway/internal/metrics"
	"github.com/nulpointcorp/food-vision-gateway/internal/providers"
	"github.com/nulpointcorp/food-vision-gateway/internal/quota"
	"github.com/nulpointcorp/food-vision-gateway/internal/routing"
	"github.com/valyala/fasthttp"
)

// DefaultMaxCandidates caps the candidate list of the ingredient-match
// operation. Longer lists degrade match quality and inflate prompt tokens.
const DefaultMaxCandidates = 30

// Authorizer runs the layered request gate.
type Authorizer interface {
	Authorize(ctx context.Context, creds auth.Credentials, class quota.Class) auth.Decision
}

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger for request events and routing
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// UsageLogger is the async batched usage logger. Nil disables usage rows.
	UsageLogger *logger.Logger

	// ProviderTimeout is the per-upstream-call timeout.
	// Default: providers.ProviderTimeout (60s).
	ProviderTimeout time.Duration

	// MaxCandidates bounds the ingredient-match candidate list.
	// Default: DefaultMaxCandidates.
	MaxCandidates int
}

// Gateway dispatches the four operations. All dependencies are injected via
// the constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	authorizer Authorizer
	router     *routing.Router
	adapters   map[string]providers.Adapter

	// visionProvider names the adapter used for all operations. Every
	// operation needs a vision-capable model except text parsing and
	// matching, which simply reuse the same one.
	visionProvider string

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	usage   *logger.Logger

	providerTimeout time.Duration
	maxCandidates   int
}

// NewGateway creates a fully configured Gateway. adapters maps provider name
// to adapter; visionProvider selects which one serves requests.
func NewGateway(
	baseCtx context.Context,
	authorizer Authorizer,
	router *routing.Router,
	adapters map[string]providers.Adapter,
	visionProvider string,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("proxy: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	timeout := opts.ProviderTimeout
	if timeout <= 0 {
		timeout = providers.ProviderTimeout
	}

	maxCandidates := opts.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = DefaultMaxCandidates
	}

	return &Gateway{
		authorizer:      authorizer,
		router:          router,
		adapters:        adapters,
		visionProvider:  visionProvider,
		baseCtx:         baseCtx,
		log:             log,
		metrics:         opts.Metrics,
		usage:           opts.UsageLogger,
		providerTimeout: timeout,
		maxCandidates:   maxCandidates,
	}
}

// adapter returns the configured provider adapter, or nil when the
// deployment is missing it (a config error surfaced as 500 before any
// upstream call).
func (g *Gateway) adapter() providers.Adapter {
	return g.adapters[g.visionProvider]
}

// credentials pulls the two auth headers off the request.
func credentials(ctx *fasthttp.RequestCtx) auth.Credentials {
	return auth.Credentials{
		Authorization: string(ctx.Request.Header.Peek("Authorization")),
		UserToken:     string(ctx.Request.Header.Peek("X-User-Token")),
	}
}

// authorize runs the gate and writes the denial when the request is
// rejected. Returns the decision and whether the handler should continue.
func (g *Gateway) authorize(ctx *fasthttp.RequestCtx, class quota.Class) (auth.Decision, bool) {
	dec := g.authorizer.Authorize(ctx, credentials(ctx), class)

	if g.metrics != nil {
		g.metrics.RecordAuthDecision(authOutcome(dec))
		if dec.Authorized || dec.Denial != nil && dec.Denial.StatusCode == fasthttp.StatusTooManyRequests {
			g.metrics.RecordQuotaCheck(string(class), quotaOutcome(dec))
		}
	}

	if dec.Denial != nil {
		dec.Denial.Write(ctx)
		return dec, false
	}
	return dec, true
}

func authOutcome(dec auth.Decision) string {
	if dec.Authorized {
		return "allowed"
	}
	switch dec.Denial.StatusCode {
	case fasthttp.StatusUnauthorized:
		return "unauthorized"
	case fasthttp.StatusForbidden:
		return "forbidden"
	case fasthttp.StatusTooManyRequests:
		return "quota_exceeded"
	default:
		return "denied"
	}
}

func quotaOutcome(dec auth.Decision) string {
	if dec.Authorized {
		return "allowed"
	}
	return "denied"
}

// invoke runs one upstream call through the geographic router with the
// per-call timeout applied, and records attempt metrics.
func (g *Gateway) invoke(
	ctx *fasthttp.RequestCtx,
	operation string,
	ad providers.Adapter,
	inv *providers.Invocation,
) (*providers.Result, routing.Method, error) {
	callCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
	defer cancel()

	start := time.Now()
	res, method, err := g.router.Execute(callCtx, inv, ad.Invoke)

	if g.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		g.metrics.ObserveUpstreamAttempt(ad.Name(), operation, outcome, time.Since(start))
		g.metrics.RecordRouting(g.router.Region(), string(method))
		if res != nil {
			g.metrics.AddTokens(ad.Name(), operation, res.Usage.PromptTokens, res.Usage.CompletionTokens)
		}
	}

	return res, method, err
}

// logUsage emits one usage row for a completed (or failed) upstream call.
func (g *Gateway) logUsage(dec auth.Decision, operation, provider string, method routing.Method, usage providers.Usage, started time.Time, status int) {
	if g.usage == nil {
		return
	}
	latency := time.Since(started).Milliseconds()
	if latency > 65_000 {
		latency = 65_000
	}
	g.usage.Log(logger.UsageLog{
		ID:               uuid.New(),
		CallerID:         dec.CallerID,
		Operation:        operation,
		Provider:         provider,
		Method:           string(method),
		PromptTokens:     uint32(usage.PromptTokens),
		CompletionTokens: uint32(usage.CompletionTokens),
		LatencyMs:        uint16(latency),
		Status:           uint16(status),
		CreatedAt:        time.Now().UTC(),
	})
}
