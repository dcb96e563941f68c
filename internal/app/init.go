package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/nulpointcorp/food-vision-gateway/internal/auth"
	fvCache "github.com/nulpointcorp/food-vision-gateway/internal/cache"
	"github.com/nulpointcorp/food-vision-gateway/internal/config"
	"github.com/nulpointcorp/food-vision-gateway/internal/entitlement"
	"github.com/nulpointcorp/food-vision-gateway/internal/logger"
	"github.com/nulpointcorp/food-vision-gateway/internal/metrics"
	"github.com/nulpointcorp/food-vision-gateway/internal/providers"
	anthropicprov "github.com/nulpointcorp/food-vision-gateway/internal/providers/anthropic"
	geminiprov "github.com/nulpointcorp/food-vision-gateway/internal/providers/gemini"
	openaiprov "github.com/nulpointcorp/food-vision-gateway/internal/providers/openai"
	"github.com/nulpointcorp/food-vision-gateway/internal/proxy"
	"github.com/nulpointcorp/food-vision-gateway/internal/quota"
	"github.com/nulpointcorp/food-vision-gateway/internal/routing"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.CacheMode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the routing layer and the adapter map. Adapters for
// unset API keys are simply absent; config validation already guaranteed the
// selected vision provider has one.
func (a *App) initProviders(_ context.Context) error {
	var relayRT http.RoundTripper
	if a.cfg.Routing.RelayURL != "" {
		rt, err := routing.NewRelayTransport(a.cfg.Routing.RelayURL, a.cfg.Routing.RelayKey)
		if err != nil {
			return fmt.Errorf("relay transport: %w", err)
		}
		relayRT = rt
		a.log.Info("relay configured", slog.String("url", redactURL(a.cfg.Routing.RelayURL)))
	}

	a.router = routing.New(routing.Config{
		Region:         a.cfg.Routing.Region,
		BlockedRegions: a.cfg.Routing.BlockedRegions,
		RelayURL:       a.cfg.Routing.RelayURL,
		RelayKey:       a.cfg.Routing.RelayKey,
		RelayDelay:     a.cfg.Routing.RelayDelay,
		DirectDelay:    a.cfg.Routing.NoRelayDelay,
	}, a.log)

	adapters, err := buildAdapters(a.baseCtx, a.cfg, relayRT)
	if err != nil {
		return fmt.Errorf("build provider adapters: %w", err)
	}
	a.adapters = adapters
	if len(a.adapters) == 0 {
		return fmt.Errorf("no provider API keys configured")
	}

	names := make([]string, 0, len(a.adapters))
	for n := range a.adapters {
		names = append(names, n)
	}
	a.log.Info("providers loaded", slog.Any("providers", names))

	return nil
}

// initServices creates the cache/counter backends, the entitlement resolver,
// the quota tracker, the authorizer, the metrics registry and the usage
// logger.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.CacheMode {
	case "redis":
		a.log.Info("cache backend: redis")
	case "memory":
		a.memCache = fvCache.NewMemoryCache(ctx)
		a.log.Info("cache backend: memory (in-process)")
	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.CacheMode)
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	ul, err := logger.New(ctx, a.log)
	if err != nil {
		return fmt.Errorf("usage logger: %w", err)
	}
	a.usageLogger = ul

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	var (
		cacheImpl    fvCache.Cache
		counterStore quota.CounterStore
	)
	switch a.cfg.CacheMode {
	case "redis":
		cacheImpl = fvCache.NewRedisCacheFromClient(a.rdb)
		counterStore = quota.NewRedisCounter(a.rdb)
	case "memory":
		cacheImpl = a.memCache
		counterStore = quota.NewMemoryCounter()
	}

	store := entitlement.NewSupabaseStore(a.cfg.Supabase.URL, a.cfg.Supabase.AnonKey)
	resolver := entitlement.NewResolver(store, cacheImpl, a.cfg.EntitlementTTL, a.log)
	if a.prom != nil {
		resolver.SetCacheObserver(a.prom)
	}

	tracker := quota.NewTracker(counterStore, quota.TierLimits{
		entitlement.TierTrial: {
			Meal:       a.cfg.Quota.TrialMeal,
			Enrichment: a.cfg.Quota.TrialEnrichment,
		},
		entitlement.TierActive: {
			Meal:       a.cfg.Quota.ActiveMeal,
			Enrichment: a.cfg.Quota.ActiveEnrichment,
		},
	}, a.log)

	authorizer := auth.NewAuthorizer(
		a.cfg.APISecret,
		a.cfg.UserTokenSecret,
		resolver,
		tracker,
		a.log,
	)

	a.gw = proxy.NewGateway(a.baseCtx, authorizer, a.router, a.adapters, a.cfg.VisionProvider, proxy.GatewayOptions{
		Logger:        a.log,
		Metrics:       a.prom,
		UsageLogger:   a.usageLogger,
		MaxCandidates: a.cfg.MaxCandidates,
	})

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}

// buildAdapters creates an adapter map from non-empty API keys. The relay
// transport, when present, is handed to every adapter so relayed invocations
// work regardless of which provider is selected.
func buildAdapters(ctx context.Context, cfg *config.Config, relayRT http.RoundTripper) (map[string]providers.Adapter, error) {
	adapters := make(map[string]providers.Adapter)

	if cfg.OpenAI.APIKey != "" {
		var opts []openaiprov.Option
		if cfg.OpenAI.BaseURL != "" {
			opts = append(opts, openaiprov.WithBaseURL(cfg.OpenAI.BaseURL))
		}
		if cfg.OpenAI.Model != "" {
			opts = append(opts, openaiprov.WithModel(cfg.OpenAI.Model))
		}
		if relayRT != nil {
			opts = append(opts, openaiprov.WithRelayTransport(relayRT))
		}
		adapters["openai"] = openaiprov.New(cfg.OpenAI.APIKey, opts...)
	}
	if cfg.Gemini.APIKey != "" {
		var opts []geminiprov.Option
		if cfg.Gemini.BaseURL != "" {
			opts = append(opts, geminiprov.WithBaseURL(cfg.Gemini.BaseURL))
		}
		if cfg.Gemini.Model != "" {
			opts = append(opts, geminiprov.WithModel(cfg.Gemini.Model))
		}
		if relayRT != nil {
			opts = append(opts, geminiprov.WithRelayTransport(relayRT))
		}
		ad, err := geminiprov.New(ctx, cfg.Gemini.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		adapters["gemini"] = ad
	}
	if cfg.Anthropic.APIKey != "" {
		var opts []anthropicprov.Option
		if cfg.Anthropic.BaseURL != "" {
			opts = append(opts, anthropicprov.WithBaseURL(cfg.Anthropic.BaseURL))
		}
		if cfg.Anthropic.Model != "" {
			opts = append(opts, anthropicprov.WithModel(cfg.Anthropic.Model))
		}
		if relayRT != nil {
			opts = append(opts, anthropicprov.WithRelayTransport(relayRT))
		}
		adapters["anthropic"] = anthropicprov.New(cfg.Anthropic.APIKey, opts...)
	}

	return adapters, nil
}
