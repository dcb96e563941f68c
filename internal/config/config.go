// Package config loads and validates all runtime configuration for the gateway.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// Only one provider key is strictly required for the gateway to start.
// Redis is optional — set CACHE_MODE=memory to use the built-in in-process
// cache and counters with no external dependencies (single-replica only).
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// APISecret is the static bearer secret every client must present in the
	// Authorization header. Required.
	APISecret string

	// UserTokenSecret verifies the per-user signed token (X-User-Token).
	// Required.
	UserTokenSecret string

	// Supabase holds the subscription-store connection parameters.
	Supabase SupabaseConfig

	// Provider API keys — at least one must be non-empty.
	OpenAI    ProviderConfig
	Gemini    ProviderConfig
	Anthropic ProviderConfig

	// VisionProvider selects which adapter serves requests:
	// "openai", "gemini" or "anthropic". Default: "openai".
	VisionProvider string

	// Redis holds the connection URL for the Redis-backed entitlement cache
	// and quota counters. Required only when CacheMode is "redis".
	Redis RedisConfig

	// CacheMode selects the cache/counter backend:
	//   "redis"  — Redis-backed (requires REDIS_URL). Recommended for production.
	//   "memory" — In-process. No external deps; not shared across replicas.
	// Default: "memory".
	CacheMode string

	// EntitlementTTL is how long a classified subscription record stays
	// cached. Default: 5m.
	EntitlementTTL time.Duration

	// Routing controls the geographic relay behaviour.
	Routing RoutingConfig

	// Quota holds the per-tier daily limits.
	Quota QuotaConfig

	// MaxCandidates bounds the ingredient-match candidate list. Default: 30.
	MaxCandidates int
}

// SupabaseConfig holds the subscription-store REST parameters. The gateway
// reads subscription rows with the caller's own bearer token; AnonKey is the
// project's public API key, not a service credential.
type SupabaseConfig struct {
	URL     string
	AnonKey string
}

// ProviderConfig holds configuration for a single AI provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development. Leave empty to use the default.
	BaseURL string

	// Model overrides the provider's default model name.
	Model string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RoutingConfig controls the geographic router.
type RoutingConfig struct {
	// Region is the execution-region hint for this instance (edge colo code).
	Region string

	// BlockedRegions are colo codes where the upstream rejects direct
	// traffic. Defaults to the known Hong Kong / mainland China set.
	BlockedRegions []string

	// RelayURL is the forwarding relay endpoint. Empty disables the relay.
	RelayURL string

	// RelayKey authenticates the gateway to the relay.
	RelayKey string

	// RelayDelay is the artificial delay applied in blocked regions when a
	// relay is configured. Default: 1s.
	RelayDelay time.Duration

	// NoRelayDelay is the artificial delay applied in blocked regions with
	// no relay configured. Default: 4s.
	NoRelayDelay time.Duration
}

// QuotaConfig holds the per-tier daily request limits.
type QuotaConfig struct {
	TrialMeal        int64
	TrialEnrichment  int64
	ActiveMeal       int64
	ActiveEnrichment int64
}

// defaultBlockedRegions are the edge colos where the default upstream
// rejects traffic outright.
var defaultBlockedRegions = []string{"HKG", "PEK", "SHA", "SZX", "CAN", "CTU", "KWE"}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CACHE_MODE", "memory")
	v.SetDefault("VISION_PROVIDER", "openai")
	v.SetDefault("ENTITLEMENT_TTL", "5m")
	v.SetDefault("MAX_CANDIDATES", 30)

	// Routing defaults.
	v.SetDefault("BLOCKED_REGIONS", defaultBlockedRegions)
	v.SetDefault("RELAY_DELAY", "1s")
	v.SetDefault("NO_RELAY_DELAY", "4s")

	// Quota defaults.
	v.SetDefault("QUOTA_TRIAL_MEAL", 30)
	v.SetDefault("QUOTA_TRIAL_ENRICHMENT", 300)
	v.SetDefault("QUOTA_ACTIVE_MEAL", 100)
	v.SetDefault("QUOTA_ACTIVE_ENRICHMENT", 1000)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		APISecret:       v.GetString("API_SECRET"),
		UserTokenSecret: v.GetString("USER_TOKEN_SECRET"),

		Supabase: SupabaseConfig{
			URL:     v.GetString("SUPABASE_URL"),
			AnonKey: v.GetString("SUPABASE_ANON_KEY"),
		},

		OpenAI: ProviderConfig{
			APIKey:  v.GetString("OPENAI_API_KEY"),
			BaseURL: v.GetString("OPENAI_BASE_URL"),
			Model:   v.GetString("OPENAI_MODEL"),
		},
		Gemini: ProviderConfig{
			APIKey:  v.GetString("GOOGLE_API_KEY"),
			BaseURL: v.GetString("GEMINI_BASE_URL"),
			Model:   v.GetString("GEMINI_MODEL"),
		},
		Anthropic: ProviderConfig{
			APIKey:  v.GetString("ANTHROPIC_API_KEY"),
			BaseURL: v.GetString("ANTHROPIC_BASE_URL"),
			Model:   v.GetString("ANTHROPIC_MODEL"),
		},

		VisionProvider: strings.ToLower(v.GetString("VISION_PROVIDER")),

		Redis:     RedisConfig{URL: v.GetString("REDIS_URL")},
		CacheMode: strings.ToLower(v.GetString("CACHE_MODE")),

		EntitlementTTL: v.GetDuration("ENTITLEMENT_TTL"),

		Routing: RoutingConfig{
			Region:         strings.ToUpper(v.GetString("GATEWAY_REGION")),
			BlockedRegions: v.GetStringSlice("BLOCKED_REGIONS"),
			RelayURL:       v.GetString("RELAY_URL"),
			RelayKey:       v.GetString("RELAY_KEY"),
			RelayDelay:     v.GetDuration("RELAY_DELAY"),
			NoRelayDelay:   v.GetDuration("NO_RELAY_DELAY"),
		},

		Quota: QuotaConfig{
			TrialMeal:        v.GetInt64("QUOTA_TRIAL_MEAL"),
			TrialEnrichment:  v.GetInt64("QUOTA_TRIAL_ENRICHMENT"),
			ActiveMeal:       v.GetInt64("QUOTA_ACTIVE_MEAL"),
			ActiveEnrichment: v.GetInt64("QUOTA_ACTIVE_ENRICHMENT"),
		},

		MaxCandidates: v.GetInt("MAX_CANDIDATES"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.APISecret == "" {
		return fmt.Errorf("config: API_SECRET is required")
	}
	if c.UserTokenSecret == "" {
		return fmt.Errorf("config: USER_TOKEN_SECRET is required")
	}

	if c.Supabase.URL == "" || c.Supabase.AnonKey == "" {
		return fmt.Errorf("config: SUPABASE_URL and SUPABASE_ANON_KEY are required for entitlement lookups")
	}

	if !c.AtLeastOneProviderKey() {
		return fmt.Errorf(
			"config: at least one provider API key is required " +
				"(OPENAI_API_KEY, GOOGLE_API_KEY, or ANTHROPIC_API_KEY)",
		)
	}

	switch c.VisionProvider {
	case "openai", "gemini", "anthropic":
	default:
		return fmt.Errorf(
			"config: invalid VISION_PROVIDER %q; must be one of: openai, gemini, anthropic",
			c.VisionProvider,
		)
	}
	if c.providerKey(c.VisionProvider) == "" {
		return fmt.Errorf("config: VISION_PROVIDER is %q but its API key is not set", c.VisionProvider)
	}

	// Redis URL is required when cache mode is "redis".
	if c.CacheMode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when CACHE_MODE=redis; " +
				"set CACHE_MODE=memory to use the built-in in-process backends",
		)
	}

	switch c.CacheMode {
	case "redis", "memory":
	default:
		return fmt.Errorf(
			"config: invalid CACHE_MODE %q; must be one of: redis, memory",
			c.CacheMode,
		)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Routing.RelayURL == "" && c.Routing.RelayKey != "" {
		return fmt.Errorf("config: RELAY_KEY is set but RELAY_URL is empty")
	}

	if c.MaxCandidates < 1 {
		return fmt.Errorf("config: MAX_CANDIDATES must be ≥ 1, got %d", c.MaxCandidates)
	}

	return nil
}

// AtLeastOneProviderKey returns true if at least one provider is configured.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Gemini.APIKey != "" ||
		c.Anthropic.APIKey != ""
}

func (c *Config) providerKey(name string) string {
	switch name {
	case "openai":
		return c.OpenAI.APIKey
	case "gemini":
		return c.Gemini.APIKey
	case "anthropic":
		return c.Anthropic.APIKey
	}
	return ""
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
