// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_auth_decisions_total{outcome}
	authDecisions *prometheus.CounterVec

	// gateway_quota_checks_total{class,outcome}
	quotaChecks *prometheus.CounterVec

	// gateway_upstream_attempts_total{provider,operation,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{provider,operation,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_routing_total{region,method}
	routingTotal *prometheus.CounterVec

	// cache_hits_total / cache_misses_total
	cacheHits   prometheus.Counter
	cacheMisses prometheus.Counter

	// provider_errors_total{provider,error_type}
	providerErrors *prometheus.CounterVec

	// gateway_tokens_total{provider,operation,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes routing delay + upstream)",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		authDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_auth_decisions_total",
				Help: "Authorization gate decisions by outcome",
			},
			[]string{"outcome"},
		),

		quotaChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_quota_checks_total",
				Help: "Quota check results by endpoint class",
			},
			[]string{"class", "outcome"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Total upstream provider attempts (includes relay fallbacks)",
			},
			[]string{"provider", "operation", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream provider attempt duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"provider", "operation", "outcome"},
		),

		routingTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_routing_total",
				Help: "Upstream calls by gateway region and delivery method",
			},
			[]string{"region", "method"},
		),

		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total entitlement cache hits",
		}),

		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total entitlement cache misses",
		}),

		providerErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "provider_errors_total",
				Help: "Total provider errors by type",
			},
			[]string{"provider", "error_type"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"provider", "operation", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.authDecisions,
		r.quotaChecks,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.routingTotal,
		r.cacheHits,
		r.cacheMisses,
		r.providerErrors,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordAuthDecision counts one authorization gate outcome: "allowed",
// "unauthorized", "forbidden" or "quota_exceeded".
func (r *Registry) RecordAuthDecision(outcome string) {
	r.authDecisions.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordQuotaCheck(class, outcome string) {
	r.quotaChecks.WithLabelValues(class, outcome).Inc()
}

// ObserveUpstreamAttempt records one upstream provider attempt.
func (r *Registry) ObserveUpstreamAttempt(provider, operation, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(provider, operation, outcome).Inc()
	r.upstreamDuration.WithLabelValues(provider, operation, outcome).Observe(dur.Seconds())
}

// RecordRouting counts one upstream call by region and delivery method.
func (r *Registry) RecordRouting(region, method string) {
	r.routingTotal.WithLabelValues(region, method).Inc()
}

func (r *Registry) CacheGetHit()  { r.cacheHits.Inc() }
func (r *Registry) CacheGetMiss() { r.cacheMisses.Inc() }

func (r *Registry) RecordError(provider, errType string) {
	r.providerErrors.WithLabelValues(provider, errType).Inc()
}

func (r *Registry) AddTokens(provider, operation string, promptTokens, completionTokens int) {
	if promptTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, operation, "input").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, operation, "output").Add(float64(completionTokens))
	}
	if promptTokens+completionTokens > 0 {
		r.tokensTotal.WithLabelValues(provider, operation, "total").Add(float64(promptTokens + completionTokens))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
