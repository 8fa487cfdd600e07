// Package config loads the market cache configuration from environment variables.
// Values are read with sensible defaults and checked by Validate before the
// application starts.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: Admin API port (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//   - LOG_FORMAT: console or json (default: console)
//   - SHUTDOWN_TIMEOUT: Grace period for in-flight requests (default: 15s)
//   - API_RATE_LIMIT: Requests per client per window on /api, 0 disables (default: 0)
//   - API_RATE_WINDOW: Window for API_RATE_LIMIT (default: 1m)
//
// Cache Configuration:
//   - CACHE_L1_CAPACITY: Maximum entries held in the in-process L1 tier (default: 1000)
//   - CACHE_DEFAULT_TTL: TTL used when a write passes none, and for promoted entries (default: 5m)
//   - CACHE_L2_BACKEND: none, memory or redis (default: none)
//   - CACHE_L2_CAPACITY: Maximum entries held in the L2 tier (default: 10000)
//   - CACHE_KEY_PREFIX: Prefix for every key written to Redis (default: market-cache:)
//
// Redis Configuration (CACHE_L2_BACKEND=redis):
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Provider Configuration:
//   - PROVIDER_URL: Base URL of the market data provider; quotes are disabled when empty
//   - PROVIDER_TIMEOUT: Per-request timeout (default: 10s)
//   - PROVIDER_RPS: Requests per second allowed upstream, 0 disables limiting (default: 20)
//   - PROVIDER_BURST: Rate limiter burst (default: 20)
//   - PROVIDER_MAX_ATTEMPTS: Attempts per fetch including retries, 1 disables retries (default: 3)
//   - PROVIDER_RETRY_DELAY: Delay before the first retry, doubling after (default: 200ms)
//   - FANOUT_CONCURRENCY: Maximum concurrent provider fetches per batch (default: 8)
//   - QUOTE_TTL: TTL of cached quotes (default: 1m)
//
// Warmer Configuration:
//   - WARM_SYMBOLS: Comma separated watchlist refreshed on a schedule
//   - WARM_TIMEFRAME: Timeframe refreshed for the watchlist (default: 1d)
//   - WARM_SCHEDULE: Cron spec for the refresh, e.g. "*/5 * * * *" or "@every 1m"
//
// Example usage:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("Invalid configuration: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"market-cache/internal/common/errors"
	"market-cache/internal/common/validation"
)

// Config holds all configuration values for the market cache service.
// The env tag names the variable each field is read from; validation
// messages refer to fields by that name.
type Config struct {
	// Application settings
	Port            int           `env:"PORT" validate:"min=1,max=65535"`
	LogLevel        string        `env:"LOG_LEVEL" validate:"oneof=debug info warn warning error"`
	LogFormat       string        `env:"LOG_FORMAT" validate:"oneof=console json"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" validate:"gt=0s"`

	// Per-client API throttling: APIRateLimit requests per APIRateWindow, zero disables
	APIRateLimit  int           `env:"API_RATE_LIMIT" validate:"gte=0"`
	APIRateWindow time.Duration `env:"API_RATE_WINDOW" validate:"gt=0s"`

	// Cache tiers
	L1Capacity int           `env:"CACHE_L1_CAPACITY" validate:"min=1"`
	DefaultTTL time.Duration `env:"CACHE_DEFAULT_TTL" validate:"gt=0s"`
	L2Backend  string        `env:"CACHE_L2_BACKEND" validate:"cache_backend"`
	L2Capacity int           `env:"CACHE_L2_CAPACITY" validate:"min=1"`
	KeyPrefix  string        `env:"CACHE_KEY_PREFIX"`

	// Redis, used when L2Backend is redis
	RedisAddress  string `env:"REDIS_ADDRESS"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" validate:"min=0,max=15"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" validate:"min=1"`

	// Market data provider
	ProviderURL       string        `env:"PROVIDER_URL" validate:"omitempty,url"`
	ProviderTimeout   time.Duration `env:"PROVIDER_TIMEOUT" validate:"gt=0s"`
	ProviderRPS       float64       `env:"PROVIDER_RPS" validate:"gte=0"`
	ProviderBurst     int           `env:"PROVIDER_BURST" validate:"gte=0"`
	ProviderAttempts  int           `env:"PROVIDER_MAX_ATTEMPTS" validate:"min=1,max=10"`
	ProviderBackoff   time.Duration `env:"PROVIDER_RETRY_DELAY" validate:"gte=0s"`
	FanoutConcurrency int           `env:"FANOUT_CONCURRENCY" validate:"min=1,max=256"`
	QuoteTTL          time.Duration `env:"QUOTE_TTL" validate:"gt=0s"`

	// Watchlist warmer
	WarmSymbols   []string `env:"WARM_SYMBOLS" validate:"dive,symbol"`
	WarmTimeframe string   `env:"WARM_TIMEFRAME" validate:"timeframe"`
	WarmSchedule  string   `env:"WARM_SCHEDULE" validate:"omitempty,cron_expression"`
}

// Load creates a Config from environment variables, using defaults for unset
// ones. It fails only when a variable is set to something that cannot be parsed;
// call Validate to check ranges and cross-field rules.
func Load() (*Config, error) {
	l := &loader{}

	cfg := &Config{
		Port:            l.int("PORT", 8080),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", "info")),
		LogFormat:       strings.ToLower(getEnv("LOG_FORMAT", "console")),
		ShutdownTimeout: l.duration("SHUTDOWN_TIMEOUT", 15*time.Second),
		APIRateLimit:    l.int("API_RATE_LIMIT", 0),
		APIRateWindow:   l.duration("API_RATE_WINDOW", time.Minute),

		L1Capacity: l.int("CACHE_L1_CAPACITY", 1000),
		DefaultTTL: l.duration("CACHE_DEFAULT_TTL", 5*time.Minute),
		L2Backend:  strings.ToLower(getEnv("CACHE_L2_BACKEND", "none")),
		L2Capacity: l.int("CACHE_L2_CAPACITY", 10000),
		KeyPrefix:  getEnv("CACHE_KEY_PREFIX", "market-cache:"),

		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       l.int("REDIS_DB", 0),
		RedisPoolSize: l.int("REDIS_POOL_SIZE", 10),

		ProviderURL:       strings.TrimRight(getEnv("PROVIDER_URL", ""), "/"),
		ProviderTimeout:   l.duration("PROVIDER_TIMEOUT", 10*time.Second),
		ProviderRPS:       l.float("PROVIDER_RPS", 20),
		ProviderBurst:     l.int("PROVIDER_BURST", 20),
		ProviderAttempts:  l.int("PROVIDER_MAX_ATTEMPTS", 3),
		ProviderBackoff:   l.duration("PROVIDER_RETRY_DELAY", 200*time.Millisecond),
		FanoutConcurrency: l.int("FANOUT_CONCURRENCY", 8),
		QuoteTTL:          l.duration("QUOTE_TTL", time.Minute),

		WarmSymbols:   getListEnv("WARM_SYMBOLS"),
		WarmTimeframe: getEnv("WARM_TIMEFRAME", "1d"),
		WarmSchedule:  getEnv("WARM_SCHEDULE", ""),
	}

	if len(l.errs) > 0 {
		return nil, errors.ConfigError(strings.Join(l.errs, "; "))
	}

	return cfg, nil
}

// Validate checks field ranges and cross-field dependencies
func (c *Config) Validate() error {
	if err := validation.Struct(c); err != nil {
		return errors.ConfigError(err.Error())
	}

	if c.L2Backend == "redis" && c.RedisAddress == "" {
		return errors.ConfigError("REDIS_ADDRESS is required when CACHE_L2_BACKEND is redis")
	}

	if c.L2Backend != "none" && c.L2Capacity < c.L1Capacity {
		return errors.ConfigError(fmt.Sprintf("CACHE_L2_CAPACITY (%d) must not be smaller than CACHE_L1_CAPACITY (%d)", c.L2Capacity, c.L1Capacity))
	}

	if c.WarmSchedule != "" {
		if len(c.WarmSymbols) == 0 {
			return errors.ConfigError("WARM_SYMBOLS is required when WARM_SCHEDULE is set")
		}
		if c.ProviderURL == "" {
			return errors.ConfigError("PROVIDER_URL is required when WARM_SCHEDULE is set")
		}
	}

	return nil
}

// HasL2 reports whether a second tier is configured
func (c *Config) HasL2() bool {
	return c.L2Backend != "" && c.L2Backend != "none"
}

// HasProvider reports whether quotes can be fetched upstream
func (c *Config) HasProvider() bool {
	return c.ProviderURL != ""
}

// Addr returns the listen address of the admin API
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

// getEnv retrieves an environment variable value or returns defaultValue if unset or empty
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getListEnv splits a comma separated variable, dropping blanks and upper-casing entries
func getListEnv(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}

	var items []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, strings.ToUpper(part))
		}
	}
	return items
}

// loader collects parse failures so Load reports every bad variable at once
type loader struct {
	errs []string
}

func (l *loader) int(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s must be an integer, got %q", key, value))
		return defaultValue
	}
	return parsed
}

func (l *loader) float(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s must be a number, got %q", key, value))
		return defaultValue
	}
	return parsed
}

func (l *loader) duration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		l.errs = append(l.errs, fmt.Sprintf("%s must be a valid duration (e.g. '30s', '5m'), got %q", key, value))
		return defaultValue
	}
	return parsed
}
