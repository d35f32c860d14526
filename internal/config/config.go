// Package config loads and validates all runtime configuration for the hub.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example NODE_SECRET becomes node_secret
// in YAML.
//
// Redis is optional — without REDIS_URL the hub runs with an in-process-only
// registry and rate limiting disabled.
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

	// NodeSecret authenticates worker heartbeats (X-Node-Secret header).
	// Required: without it any host could register itself as a node.
	NodeSecret string

	// AdminAPIKey protects the admin surface (X-Admin-Key header).
	// Leave empty to disable the admin endpoints entirely.
	AdminAPIKey string

	// Cloud configures the OpenAI-compatible cloud fallback provider.
	Cloud CloudConfig

	// Redis holds the connection URL for the rate limiter and registry mirror.
	Redis RedisConfig

	// Registry controls node liveness bookkeeping.
	Registry RegistryConfig

	// RateLimit holds the per-connector defaults applied when a connector
	// does not carry its own limits.
	RateLimit RateLimitConfig

	// Timeouts controls per-provider upstream HTTP timeouts.
	Timeouts TimeoutConfig

	// Usage selects the usage-recording sink.
	Usage UsageConfig

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// CloudConfig holds the cloud fallback provider configuration.
type CloudConfig struct {
	// APIKey is the bearer token for the cloud provider. Leave empty to run
	// local-only: the cloud provider is then excluded from every routing order.
	APIKey string

	// BaseURL is the OpenAI-compatible API root,
	// e.g. "https://openrouter.ai/api/v1". Default: OpenRouter.
	BaseURL string

	// AttributionReferrer and AttributionTitle are forwarded as the
	// HTTP-Referer and X-Title headers on cloud requests (OpenRouter
	// app attribution).
	AttributionReferrer string
	AttributionTitle    string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// RegistryConfig controls node liveness bookkeeping.
type RegistryConfig struct {
	// LivenessTTL is how long a node stays online after its last heartbeat.
	// Past this the node is marked offline. Default: 90s.
	LivenessTTL time.Duration

	// OfflineEvictDelta is how long after the last heartbeat a node is
	// evicted from the registry entirely. Must exceed LivenessTTL.
	// Default: 180s.
	OfflineEvictDelta time.Duration

	// MaxConsecutiveFailures is the failure count at which a node is marked
	// degraded and stops receiving traffic until a successful job or
	// heartbeat resets it. Default: 3.
	MaxConsecutiveFailures int
}

// RateLimitConfig holds the default per-connector sliding-window limits.
type RateLimitConfig struct {
	// PerMinute is the default requests-per-minute limit. Default: 60.
	PerMinute int
	// PerHour is the default requests-per-hour limit. Default: 1000.
	PerHour int
}

// TimeoutConfig controls upstream HTTP timeouts per provider family.
type TimeoutConfig struct {
	// Local is the per-attempt timeout for requests to inference nodes.
	// Local models can be slow on first load, so this is generous. Default: 120s.
	Local time.Duration
	// Cloud is the timeout for cloud provider requests. Default: 60s.
	Cloud time.Duration
}

// UsageConfig selects where usage records go.
type UsageConfig struct {
	// Sink is one of:
	//   "slog"       — structured log lines (default; no external deps).
	//   "clickhouse" — async batched inserts into ClickHouse (requires CLICKHOUSE_URL).
	//   "none"       — usage recording disabled.
	Sink string

	// ClickHouseURL is a clickhouse:// DSN. Required when Sink is "clickhouse".
	ClickHouseURL string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// NODE_SECRET is always required. REDIS_URL is optional but strongly
// recommended: without it rate limits are not enforced.
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
	v.SetDefault("CORS_ORIGINS", []string{"*"})

	v.SetDefault("CLOUD_BASE_URL", "https://openrouter.ai/api/v1")

	// Registry liveness defaults.
	v.SetDefault("LIVENESS_TTL", "90s")
	v.SetDefault("OFFLINE_EVICT_DELTA", "180s")
	v.SetDefault("MAX_CONSECUTIVE_FAILURES", 3)

	// Per-connector rate limit defaults.
	v.SetDefault("DEFAULT_RATE_LIMIT_PER_MINUTE", 60)
	v.SetDefault("DEFAULT_RATE_LIMIT_PER_HOUR", 1000)

	// Upstream timeouts.
	v.SetDefault("LOCAL_REQUEST_TIMEOUT", "120s")
	v.SetDefault("CLOUD_REQUEST_TIMEOUT", "60s")

	// Usage recording.
	v.SetDefault("USAGE_SINK", "slog")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		NodeSecret:  v.GetString("NODE_SECRET"),
		AdminAPIKey: v.GetString("ADMIN_API_KEY"),

		Cloud: CloudConfig{
			APIKey:              v.GetString("CLOUD_API_KEY"),
			BaseURL:             strings.TrimRight(v.GetString("CLOUD_BASE_URL"), "/"),
			AttributionReferrer: v.GetString("CLOUD_ATTRIBUTION_REFERRER"),
			AttributionTitle:    v.GetString("CLOUD_ATTRIBUTION_TITLE"),
		},

		Redis: RedisConfig{URL: v.GetString("REDIS_URL")},

		Registry: RegistryConfig{
			LivenessTTL:            v.GetDuration("LIVENESS_TTL"),
			OfflineEvictDelta:      v.GetDuration("OFFLINE_EVICT_DELTA"),
			MaxConsecutiveFailures: v.GetInt("MAX_CONSECUTIVE_FAILURES"),
		},

		RateLimit: RateLimitConfig{
			PerMinute: v.GetInt("DEFAULT_RATE_LIMIT_PER_MINUTE"),
			PerHour:   v.GetInt("DEFAULT_RATE_LIMIT_PER_HOUR"),
		},

		Timeouts: TimeoutConfig{
			Local: v.GetDuration("LOCAL_REQUEST_TIMEOUT"),
			Cloud: v.GetDuration("CLOUD_REQUEST_TIMEOUT"),
		},

		Usage: UsageConfig{
			Sink:          strings.ToLower(v.GetString("USAGE_SINK")),
			ClickHouseURL: v.GetString("CLICKHOUSE_URL"),
		},

		CORSOrigins: v.GetStringSlice("CORS_ORIGINS"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.NodeSecret == "" {
		return fmt.Errorf("config: NODE_SECRET is required; worker heartbeats cannot be authenticated without it")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Registry.LivenessTTL <= 0 {
		return fmt.Errorf("config: LIVENESS_TTL must be a positive duration")
	}
	if c.Registry.OfflineEvictDelta <= c.Registry.LivenessTTL {
		return fmt.Errorf(
			"config: OFFLINE_EVICT_DELTA (%s) must exceed LIVENESS_TTL (%s)",
			c.Registry.OfflineEvictDelta, c.Registry.LivenessTTL,
		)
	}
	if c.Registry.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("config: MAX_CONSECUTIVE_FAILURES must be ≥ 1, got %d", c.Registry.MaxConsecutiveFailures)
	}

	if c.RateLimit.PerMinute < 1 {
		return fmt.Errorf("config: DEFAULT_RATE_LIMIT_PER_MINUTE must be ≥ 1, got %d", c.RateLimit.PerMinute)
	}
	if c.RateLimit.PerHour < 1 {
		return fmt.Errorf("config: DEFAULT_RATE_LIMIT_PER_HOUR must be ≥ 1, got %d", c.RateLimit.PerHour)
	}

	switch c.Usage.Sink {
	case "slog", "clickhouse", "none":
	default:
		return fmt.Errorf(
			"config: invalid USAGE_SINK %q; must be one of: slog, clickhouse, none",
			c.Usage.Sink,
		)
	}
	if c.Usage.Sink == "clickhouse" && c.Usage.ClickHouseURL == "" {
		return fmt.Errorf("config: CLICKHOUSE_URL is required when USAGE_SINK=clickhouse")
	}

	return nil
}

// CloudEnabled reports whether the cloud fallback provider is configured.
func (c *Config) CloudEnabled() bool {
	return c.Cloud.APIKey != ""
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
