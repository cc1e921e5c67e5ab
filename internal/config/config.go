// Package config loads and validates all runtime configuration for the
// dispatch service.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example GROQ_API_KEY becomes
// groq_api_key in YAML.
//
// No upstream key is strictly required to start: requests whose model alias
// matches no configured route fall through to the local runtime. Redis is
// only required when LIMITER_MODE=redis.
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

	// Groq and OpenAI are the hosted upstreams the dispatcher routes to.
	Groq   UpstreamConfig
	OpenAI UpstreamConfig

	// Local is the fall-through runtime for aliases no route matches.
	Local LocalConfig

	// RateWindow is the fixed admission window. Counters reset when a full
	// window has elapsed. Default: 60s.
	RateWindow time.Duration

	// LimiterMode selects the admission backend:
	//   "memory" — in-process counters. Not shared across replicas.
	//   "redis"  — Redis-backed counters (requires REDIS_URL).
	// Default: "memory".
	LimiterMode string

	// Redis holds the connection URL for the Redis-backed limiter.
	// Required only when LimiterMode is "redis".
	Redis RedisConfig

	// ForwardTimeout is the per-request upstream HTTP timeout. Default: 30s.
	ForwardTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	// Use ["*"] to allow any origin (default). Set to specific origins in prod.
	CORSOrigins []string
}

// UpstreamConfig holds configuration for one hosted upstream.
type UpstreamConfig struct {
	// APIKey is the upstream API key. Requests routed to an upstream with an
	// empty key fail with a missing-credential error rather than falling
	// through to the local runtime.
	APIKey string

	// BaseURL overrides the upstream's default API endpoint.
	// Useful for local mocks and development.
	BaseURL string

	// RPMLimit is the maximum admitted requests per window for this upstream.
	// 0 disables the quota. Defaults: 30 for Groq, 60 for OpenAI.
	RPMLimit int
}

// LocalConfig holds configuration for the local model runtime.
type LocalConfig struct {
	// BaseURL is the OpenAI-compatible endpoint of the local runtime.
	// Default: http://127.0.0.1:11434/v1 (Ollama).
	BaseURL string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Example: redis://localhost:6379
	URL string
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
//
// REDIS_URL is only required when LIMITER_MODE=redis.
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

	v.SetDefault("GROQ_BASE_URL", "https://api.groq.com/openai/v1")
	v.SetDefault("OPENAI_BASE_URL", "https://api.openai.com/v1")
	v.SetDefault("LOCAL_BASE_URL", "http://127.0.0.1:11434/v1")

	// Per-window admission quotas. 0 = unlimited.
	v.SetDefault("GROQ_RPM_LIMIT", 30)
	v.SetDefault("OPENAI_RPM_LIMIT", 60)
	v.SetDefault("RATE_WINDOW", "60s")
	v.SetDefault("LIMITER_MODE", "memory")

	v.SetDefault("FORWARD_TIMEOUT", "30s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:     v.GetInt("PORT"),
		LogLevel: strings.ToLower(v.GetString("LOG_LEVEL")),

		Groq: UpstreamConfig{
			APIKey:   v.GetString("GROQ_API_KEY"),
			BaseURL:  v.GetString("GROQ_BASE_URL"),
			RPMLimit: v.GetInt("GROQ_RPM_LIMIT"),
		},
		OpenAI: UpstreamConfig{
			APIKey:   v.GetString("OPENAI_API_KEY"),
			BaseURL:  v.GetString("OPENAI_BASE_URL"),
			RPMLimit: v.GetInt("OPENAI_RPM_LIMIT"),
		},
		Local: LocalConfig{
			BaseURL: v.GetString("LOCAL_BASE_URL"),
		},

		RateWindow:  v.GetDuration("RATE_WINDOW"),
		LimiterMode: strings.ToLower(v.GetString("LIMITER_MODE")),
		Redis:       RedisConfig{URL: v.GetString("REDIS_URL")},

		ForwardTimeout: v.GetDuration("FORWARD_TIMEOUT"),

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
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	switch c.LimiterMode {
	case "memory", "redis":
	default:
		return fmt.Errorf(
			"config: invalid LIMITER_MODE %q; must be one of: memory, redis",
			c.LimiterMode,
		)
	}

	// Redis URL is required when the limiter is shared.
	if c.LimiterMode == "redis" && c.Redis.URL == "" {
		return fmt.Errorf(
			"config: REDIS_URL is required when LIMITER_MODE=redis; " +
				"set LIMITER_MODE=memory to use in-process counters",
		)
	}

	if c.RateWindow <= 0 {
		return fmt.Errorf("config: RATE_WINDOW must be a positive duration")
	}
	if c.Groq.RPMLimit < 0 {
		return fmt.Errorf("config: GROQ_RPM_LIMIT must be ≥ 0, got %d", c.Groq.RPMLimit)
	}
	if c.OpenAI.RPMLimit < 0 {
		return fmt.Errorf("config: OPENAI_RPM_LIMIT must be ≥ 0, got %d", c.OpenAI.RPMLimit)
	}
	if c.ForwardTimeout <= 0 {
		return fmt.Errorf("config: FORWARD_TIMEOUT must be a positive duration")
	}

	return nil
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
