// Package routing decides how each upstream AI call leaves the gateway.
//
// The gateway runs on an edge platform whose scheduler places invocations in
// varying regions. In a known set of regions the default upstream rejects
// traffic outright; there the router either forwards the call through a
// relay or deliberately lets a direct call fail — after an artificial delay
// either way. The delay makes blocked regions look slow to the platform's
// placement scheduler, which over weeks steers execution away from them and
// reduces reliance on the relay. The delay never changes response
// correctness, only the latency/cost distribution over time.
package routing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nulpointcorp/food-vision-gateway/internal/providers"
)

// Method names the connection path that ultimately served a request.
type Method string

const (
	MethodDirect        Method = "direct"
	MethodRelay         Method = "relay"
	MethodRelayFallback Method = "relay_fallback_direct"
)

// Config holds the router's static decision inputs.
type Config struct {
	// Region is the execution-region hint for this instance.
	Region string

	// BlockedRegions are region codes where the upstream rejects direct
	// traffic.
	BlockedRegions []string

	// RelayURL is the forwarding relay endpoint. Empty disables the relay.
	RelayURL string

	// RelayKey authenticates the gateway to the relay. Sent in a header,
	// never embedded in the URL.
	RelayKey string

	// RelayDelay is the teaching penalty applied in blocked regions when a
	// relay is configured.
	RelayDelay time.Duration

	// DirectDelay is the teaching penalty applied in blocked regions with
	// no relay; the direct call that follows is expected to fail.
	DirectDelay time.Duration
}

// Plan is the routing decision for a single request.
type Plan struct {
	Region  string
	Blocked bool
	Method  Method
	Delay   time.Duration
}

// Router chooses between direct and relayed upstream paths.
type Router struct {
	region  string
	blocked map[string]bool
	relay   bool
	delays  [2]time.Duration // [0] with relay, [1] without
	log     *slog.Logger
}

// New creates a Router. log falls back to slog.Default when nil.
func New(cfg Config, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}

	blocked := make(map[string]bool, len(cfg.BlockedRegions))
	for _, r := range cfg.BlockedRegions {
		blocked[r] = true
	}

	return &Router{
		region:  cfg.Region,
		blocked: blocked,
		relay:   cfg.RelayURL != "",
		delays:  [2]time.Duration{cfg.RelayDelay, cfg.DirectDelay},
		log:     log,
	}
}

// Region returns the execution-region hint the router was built with.
func (r *Router) Region() string { return r.region }

// PlanFor computes the routing decision for a region hint. An empty hint
// uses the router's configured region.
func (r *Router) PlanFor(region string) Plan {
	if region == "" {
		region = r.region
	}

	p := Plan{Region: region, Method: MethodDirect}
	if !r.blocked[region] {
		return p
	}

	p.Blocked = true
	if r.relay {
		p.Method = MethodRelay
		p.Delay = r.delays[0]
	} else {
		// No relay: attempt the direct call anyway after the penalty. The
		// expected failure is intentional — it is what teaches the
		// scheduler this region is a bad placement.
		p.Delay = r.delays[1]
	}
	return p
}

// Execute runs one upstream invocation according to the plan for the
// router's region. call is invoked with viaRelay indicating the path; when
// the relay path fails at the transport level the router falls back once to
// a direct call before surfacing the error. The Method actually used is
// always returned, including on failure, for diagnostics.
func (r *Router) Execute(
	ctx context.Context,
	inv *providers.Invocation,
	call func(ctx context.Context, inv *providers.Invocation) (*providers.Result, error),
) (*providers.Result, Method, error) {
	plan := r.PlanFor("")

	if plan.Delay > 0 {
		r.log.InfoContext(ctx, "routing_penalty",
			slog.String("request_id", inv.RequestID),
			slog.String("region", plan.Region),
			slog.String("method", string(plan.Method)),
			slog.Duration("delay", plan.Delay),
		)
		if err := sleep(ctx, plan.Delay); err != nil {
			return nil, plan.Method, err
		}
	}

	attempt := *inv
	attempt.ViaRelay = plan.Method == MethodRelay

	res, err := call(ctx, &attempt)
	method := plan.Method

	// One-shot fallback: relay transport failures (relay down, network
	// error) retry directly. Classified upstream responses do not — the
	// upstream already answered.
	if err != nil && attempt.ViaRelay && !isUpstreamResponse(err) {
		r.log.WarnContext(ctx, "relay_failed_falling_back",
			slog.String("request_id", inv.RequestID),
			slog.String("region", plan.Region),
			slog.String("error", err.Error()),
		)
		direct := *inv
		direct.ViaRelay = false
		res, err = call(ctx, &direct)
		method = MethodRelayFallback
	}

	r.log.InfoContext(ctx, "routing_served",
		slog.String("request_id", inv.RequestID),
		slog.String("region", plan.Region),
		slog.String("method", string(method)),
		slog.Bool("blocked_region", plan.Blocked),
		slog.Bool("ok", err == nil),
	)

	return res, method, err
}

// isUpstreamResponse reports whether err carries a classified answer from
// the upstream itself (as opposed to a transport failure on the way there).
func isUpstreamResponse(err error) bool {
	var ae *providers.AdapterError
	return errors.As(err, &ae)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
