package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("GATE_CONFIG", "")
	t.Setenv("GATE_DECISION_TIMEOUT", "")
	t.Setenv("GATE_RETRY_DELAYS", "")
	t.Setenv("GATE_CORS_ORIGIN", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "*", cfg.CORSOrigin)
	assert.Equal(t, 30*time.Second, cfg.DecisionTimeout)
	assert.Equal(t, 2500*time.Millisecond, cfg.MergeWindow)
	assert.Equal(t, 5*time.Second, cfg.OrganicDelay)
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second}, cfg.RetryDelays)
	assert.Equal(t, 30*time.Second, cfg.ConnectTimeout)
	assert.Equal(t, 90*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "firebase", cfg.Validator)
	assert.Equal(t, "users/log/data", cfg.ValidationPath)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("GATE_CONFIG", "")
	t.Setenv("GATE_DECISION_TIMEOUT", "45s")
	t.Setenv("GATE_MERGE_WINDOW", "1200")
	t.Setenv("GATE_RETRY_DELAYS", "1s, 2s,3s")
	t.Setenv("GATE_BROWSER_USER_AGENT", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.DecisionTimeout)
	assert.Equal(t, 1200*time.Millisecond, cfg.MergeWindow)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}, cfg.RetryDelays)
	assert.True(t, cfg.BrowserUserAgent)
}

func TestLoadInvalidEnvironmentFallsBack(t *testing.T) {
	t.Setenv("GATE_CONFIG", "")
	t.Setenv("GATE_ORGANIC_DELAY", "soon")
	t.Setenv("GATE_RETRY_DELAYS", "x,y")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.OrganicDelay)
	assert.Len(t, cfg.RetryDelays, 3)
}

func TestLoadYAMLOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gate.yaml")
	content := `
redis_url: "redis://localhost:6379/3"
attribution:
  app_id: "6700000000"
  dev_key: "${TEST_GATE_DEV_KEY}"
  config_url: "https://config.example.com/resolve"
  browser_user_agent: true
validation:
  backend: postgres
  database_url: "postgres://gate@localhost/gate"
timings:
  decision: "20s"
  retry_delays: ["100ms", "200ms"]
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("GATE_CONFIG", path)
	t.Setenv("TEST_GATE_DEV_KEY", "dev-key-from-env")
	t.Setenv("GATE_DECISION_TIMEOUT", "")
	t.Setenv("GATE_RETRY_DELAYS", "")
	t.Setenv("GATE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379/3", cfg.RedisURL)
	assert.Equal(t, "6700000000", cfg.AppID)
	assert.Equal(t, "dev-key-from-env", cfg.DevKey)
	assert.Equal(t, "https://config.example.com/resolve", cfg.ConfigURL)
	assert.True(t, cfg.BrowserUserAgent)
	assert.Equal(t, "postgres", cfg.Validator)
	assert.Equal(t, 20*time.Second, cfg.DecisionTimeout)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, cfg.RetryDelays)
	// Explicit environment beats the file.
	assert.Equal(t, "warn", cfg.LogLevel)

	require.NoError(t, cfg.Validate())
}

func TestLoadYAMLOverlayErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		t.Setenv("GATE_CONFIG", filepath.Join(dir, "nope.yaml"))
		_, err := Load()
		assert.Error(t, err)
	})

	t.Run("bad duration", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("timings:\n  decision: forever\n"), 0o600))
		t.Setenv("GATE_CONFIG", path)
		t.Setenv("GATE_DECISION_TIMEOUT", "")
		_, err := Load()
		assert.ErrorContains(t, err, "GATE_DECISION_TIMEOUT")
	})
}

func TestValidate(t *testing.T) {
	base := Config{
		ConfigURL:           "https://config.example.com",
		AppID:               "1",
		DecisionTimeout:     time.Second,
		RetryDelays:         []time.Duration{time.Second},
		Validator:           "firebase",
		FirebaseDatabaseURL: "https://example.firebaseio.com",
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing config url", func(c *Config) { c.ConfigURL = "" }},
		{"missing app id", func(c *Config) { c.AppID = "" }},
		{"zero timeout", func(c *Config) { c.DecisionTimeout = 0 }},
		{"no retry delays", func(c *Config) { c.RetryDelays = nil }},
		{"firebase without url", func(c *Config) { c.FirebaseDatabaseURL = "" }},
		{"postgres without dsn", func(c *Config) { c.Validator = "postgres" }},
		{"objectstore without bucket", func(c *Config) { c.Validator = "objectstore"; c.ObjectEndpoint = "s3.local" }},
		{"unknown validator", func(c *Config) { c.Validator = "carrier-pigeon" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
