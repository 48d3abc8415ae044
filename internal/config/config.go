// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration. The background service and
// the gate binary share it; each reads the fields it needs.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Decision history: postgres:// or sqlite:// DSN, in-memory when empty
	HistoryDSN       string
	HistoryRetention time.Duration

	// Tracing
	OTLPEndpoint string

	// Threat intel
	IntelSources string // name=url pairs, comma separated
	IntelRefresh time.Duration

	// Cosmetic USD prices
	PriceURL string
	PriceTTL time.Duration

	// YAML policy file (settings + tuning), watched for changes
	PolicyFile string

	// Shared secret between the gate and the background service
	RelayToken string

	// Gate side
	BackgroundURL   string
	GatePort        string
	UpstreamRPC     string
	Upstreams       string // name=url pairs announced as extra providers
	FailOpenCeiling time.Duration
	AnalyzeTimeout  time.Duration
	SettleDelay     time.Duration
	Countdown       time.Duration

	// Security
	RateLimitRPM   int
	AllowedOrigins []string
}

// Defaults
const (
	DefaultPort            = "8080"
	DefaultGatePort        = "8545"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "json"
	DefaultBackgroundURL   = "http://127.0.0.1:8080"
	DefaultIntelRefresh    = 6 * time.Hour
	DefaultPriceTTL        = 5 * time.Minute
	DefaultFailOpenCeiling = 120 * time.Second
	DefaultAnalyzeTimeout  = 8 * time.Second
	DefaultSettleDelay     = 300 * time.Millisecond
	DefaultCountdown       = 3 * time.Second
	DefaultRateLimit       = 120
	DefaultRetention       = 90 * 24 * time.Hour
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	dsn := os.Getenv("HISTORY_DSN")
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		HistoryDSN:       dsn,
		HistoryRetention: getEnvDuration("HISTORY_RETENTION", DefaultRetention),
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		IntelSources:     os.Getenv("INTEL_SOURCES"),
		IntelRefresh:     getEnvDuration("INTEL_REFRESH", DefaultIntelRefresh),
		PriceURL:         os.Getenv("PRICE_URL"),
		PriceTTL:         getEnvDuration("PRICE_TTL", DefaultPriceTTL),
		PolicyFile:       os.Getenv("POLICY_FILE"),
		RelayToken:       os.Getenv("RELAY_TOKEN"),
		BackgroundURL:    getEnv("BACKGROUND_URL", DefaultBackgroundURL),
		GatePort:         getEnv("GATE_PORT", DefaultGatePort),
		UpstreamRPC:      os.Getenv("UPSTREAM_RPC"),
		Upstreams:        os.Getenv("UPSTREAMS"),
		FailOpenCeiling:  getEnvDuration("FAIL_OPEN_CEILING", DefaultFailOpenCeiling),
		AnalyzeTimeout:   getEnvDuration("ANALYZE_TIMEOUT", DefaultAnalyzeTimeout),
		SettleDelay:      getEnvDuration("SETTLE_DELAY", DefaultSettleDelay),
		Countdown:        getEnvDuration("OVERRIDE_COUNTDOWN", DefaultCountdown),
		RateLimitRPM:     int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		AllowedOrigins:   getEnvList("ALLOWED_ORIGINS"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.IsProduction() && c.RelayToken == "" {
		return fmt.Errorf("RELAY_TOKEN is required in production")
	}

	if c.BackgroundURL == "" {
		return fmt.Errorf("BACKGROUND_URL is required")
	}
	if u, err := url.Parse(c.BackgroundURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("BACKGROUND_URL must be an http(s) URL")
	}

	if c.FailOpenCeiling <= 0 {
		return fmt.Errorf("FAIL_OPEN_CEILING must be positive")
	}
	if c.AnalyzeTimeout <= 0 || c.AnalyzeTimeout > c.FailOpenCeiling {
		return fmt.Errorf("ANALYZE_TIMEOUT must be positive and below FAIL_OPEN_CEILING")
	}
	if c.SettleDelay < 0 {
		return fmt.Errorf("SETTLE_DELAY must not be negative")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	var out []string
	for _, s := range strings.Split(os.Getenv(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
