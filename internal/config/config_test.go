package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/walletgate/internal/analysis"
	"github.com/mbd888/walletgate/internal/logging"
	"github.com/mbd888/walletgate/internal/settings"
)

// Test helper to set env vars and clean up after
func setEnv(t *testing.T, key, value string) {
	t.Helper()
	old := os.Getenv(key)
	os.Setenv(key, value)
	t.Cleanup(func() {
		if old == "" {
			os.Unsetenv(key)
		} else {
			os.Setenv(key, old)
		}
	})
}

func validConfig() Config {
	return Config{
		Env:             DefaultEnv,
		BackgroundURL:   DefaultBackgroundURL,
		FailOpenCeiling: DefaultFailOpenCeiling,
		AnalyzeTimeout:  DefaultAnalyzeTimeout,
		SettleDelay:     DefaultSettleDelay,
		RateLimitRPM:    DefaultRateLimit,
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "PORT", "9090")
	setEnv(t, "SETTLE_DELAY", "0s")
	setEnv(t, "ALLOWED_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, DefaultBackgroundURL, cfg.BackgroundURL)
	assert.Equal(t, DefaultFailOpenCeiling, cfg.FailOpenCeiling)
	assert.Equal(t, time.Duration(0), cfg.SettleDelay)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoad_HistoryDSNFallsBackToDatabaseURL(t *testing.T) {
	setEnv(t, "ENV", "development")
	setEnv(t, "HISTORY_DSN", "")
	setEnv(t, "DATABASE_URL", "postgres://localhost/walletgate")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/walletgate", cfg.HistoryDSN)
}

func TestLoad_ProductionNeedsRelayToken(t *testing.T) {
	setEnv(t, "ENV", "production")
	setEnv(t, "RELAY_TOKEN", "")

	_, err := Load()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "RELAY_TOKEN is required")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{
			name:    "bad background url",
			mutate:  func(c *Config) { c.BackgroundURL = "ftp://x" },
			wantErr: "BACKGROUND_URL must be an http(s) URL",
		},
		{
			name:    "missing background url",
			mutate:  func(c *Config) { c.BackgroundURL = "" },
			wantErr: "BACKGROUND_URL is required",
		},
		{
			name:    "analyze timeout above ceiling",
			mutate:  func(c *Config) { c.AnalyzeTimeout = 2 * c.FailOpenCeiling },
			wantErr: "ANALYZE_TIMEOUT",
		},
		{
			name:    "zero ceiling",
			mutate:  func(c *Config) { c.FailOpenCeiling = 0 },
			wantErr: "FAIL_OPEN_CEILING",
		},
		{
			name:    "negative settle delay",
			mutate:  func(c *Config) { c.SettleDelay = -time.Second },
			wantErr: "SETTLE_DELAY",
		},
		{
			name:    "production with token",
			mutate:  func(c *Config) { c.Env = "production"; c.RelayToken = "s3cret" },
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestConfig_IsDevelopment(t *testing.T) {
	cfg := &Config{Env: "development"}
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())

	cfg.Env = "production"
	assert.False(t, cfg.IsDevelopment())
	assert.True(t, cfg.IsProduction())
}

func TestGetEnv(t *testing.T) {
	setEnv(t, "TEST_VAR", "custom_value")

	assert.Equal(t, "custom_value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default", getEnv("NONEXISTENT_VAR", "default"))
}

func TestGetEnvInt64(t *testing.T) {
	setEnv(t, "TEST_INT", "42")
	setEnv(t, "TEST_INVALID", "not_a_number")

	assert.Equal(t, int64(42), getEnvInt64("TEST_INT", 0))
	assert.Equal(t, int64(99), getEnvInt64("NONEXISTENT_VAR", 99))
	assert.Equal(t, int64(99), getEnvInt64("TEST_INVALID", 99)) // Falls back on parse error
}

func TestGetEnvDuration(t *testing.T) {
	setEnv(t, "TEST_DUR", "750ms")
	setEnv(t, "TEST_BAD_DUR", "soon")

	assert.Equal(t, 750*time.Millisecond, getEnvDuration("TEST_DUR", time.Second))
	assert.Equal(t, time.Second, getEnvDuration("TEST_BAD_DUR", time.Second))
}

func writePolicy(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPolicy(t *testing.T) {
	path := writePolicy(t, `
settings:
  mode: strict
  warnings_enabled: false
  user_allow: [app.example.org]
tuning:
  high_floor: 75
  intel_max_age: 24h
  brands: [examplebrand]
`)

	p, err := NewPolicyLoader(path, logging.Discard()).Load()
	require.NoError(t, err)

	assert.Equal(t, settings.ModeStrict, p.Settings.Mode)
	assert.False(t, p.Settings.WarningsEnabled)
	assert.True(t, p.Settings.DomainChecks, "unset keys keep their defaults")
	assert.Equal(t, []string{"app.example.org"}, p.Settings.UserAllow)

	assert.Equal(t, 75, p.Tuning.HighFloor)
	assert.Equal(t, 40, p.Tuning.WarnFloor)
	assert.Equal(t, 24*time.Hour, p.Tuning.IntelMaxAge)
	assert.Equal(t, []string{"examplebrand"}, p.Tuning.Brands)
	assert.Equal(t, analysis.DefaultTuning().Allowlist, p.Tuning.Allowlist)
}

func TestLoadPolicy_Rejects(t *testing.T) {
	tests := map[string]string{
		"unknown mode":   "settings:\n  mode: paranoid\n",
		"floors swapped": "tuning:\n  high_floor: 30\n  warn_floor: 50\n",
		"density":        "tuning:\n  digit_density: 3\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := NewPolicyLoader(writePolicy(t, body), logging.Discard()).Load()
			assert.Error(t, err)
		})
	}

	_, err := NewPolicyLoader(filepath.Join(t.TempDir(), "missing.yaml"), logging.Discard()).Load()
	assert.Error(t, err)
}

func TestApplier_KeepsPause(t *testing.T) {
	store := settings.NewStore(settings.Defaults())
	store.Pause(time.Hour)
	paused := store.Snapshot().PausedUntil
	engine := analysis.NewEngine(logging.Discard())

	p := DefaultPolicy()
	p.Settings.Mode = settings.ModeRelaxed
	p.Tuning.HighFloor = 80
	Applier(store, engine)(p)

	assert.Equal(t, settings.ModeRelaxed, store.Snapshot().Mode)
	assert.Equal(t, paused, store.Snapshot().PausedUntil)
	assert.Equal(t, 80, engine.Tuning().HighFloor)
}

func TestWatchPolicy_ReloadsOnEdit(t *testing.T) {
	path := writePolicy(t, "settings:\n  mode: balanced\n")
	loader := NewPolicyLoader(path, logging.Discard())
	p, err := loader.Load()
	require.NoError(t, err)

	store := settings.NewStore(p.Settings)
	engine := analysis.NewEngine(logging.Discard()).WithTuning(p.Tuning)
	loader.Watch(Applier(store, engine))

	require.NoError(t, os.WriteFile(path, []byte("settings:\n  mode: \"OFF\"\n"), 0o600))

	require.Eventually(t, func() bool {
		return store.Snapshot().Mode == settings.ModeOff
	}, 5*time.Second, 20*time.Millisecond)
}
