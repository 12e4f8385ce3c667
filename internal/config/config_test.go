package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 50, cfg.Ingest.BatchSize)
	assert.Equal(t, 0, cfg.Ingest.InlineRetries)
	assert.Equal(t, 5, cfg.DLQ.MaxAttempts)
	assert.Equal(t, 48*time.Hour, cfg.DLQ.MaxAge)
	assert.Equal(t, 15*time.Minute, cfg.Freshness.AlertP99)
	assert.Equal(t, 26*time.Hour, cfg.Health.Monitor.Threshold)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "marketrank.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
quotes:
  provider: alpaca
  alpaca:
    feed: iex
ingest:
  batch_size: 25
  batch_delay: 1s
  inline_retries: 2
dlq:
  max_age: 24h
freshness:
  alert_p99: 20m
schedule:
  ingest: "*/2 * * * 1-5"
`), 0o644))
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("QUOTES_API_KEY", "k")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alpaca", cfg.Quotes.Provider)
	assert.Equal(t, "iex", cfg.Quotes.Alpaca.Feed)
	assert.Equal(t, 25, cfg.Ingest.BatchSize)
	assert.Equal(t, time.Second, cfg.Ingest.BatchDelay)
	assert.Equal(t, 2, cfg.Ingest.InlineRetries)
	assert.Equal(t, 8, cfg.Ingest.Concurrency, "unset keys keep defaults")
	assert.Equal(t, 24*time.Hour, cfg.DLQ.MaxAge)
	assert.Equal(t, 5, cfg.DLQ.MaxAttempts)
	assert.Equal(t, 20*time.Minute, cfg.Freshness.AlertP99)
	assert.Equal(t, "*/2 * * * 1-5", cfg.Schedule.Ingest)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, "k", cfg.Quotes.Credentials.APIKey)
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("ingest: [not, a, map]"), 0o644))
	_, err = Load(bad)
	require.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("ingest:\n  batch_size: 0\n"), 0o644))
	_, err = Load(invalid)
	require.ErrorContains(t, err, "ingest.batch_size")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"REDIS_ADDR":        "redis:6379",
		"QUOTES_API_SECRET": "s3cret",
		"PG_DSN":            "postgres://localhost/tickers",
		"NATS_URL":          "nats://nats:4222",
	}
	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}))
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "s3cret", cfg.Quotes.Credentials.APISecret)
	assert.True(t, cfg.Database.Enabled)
	assert.Equal(t, "nats://nats:4222", cfg.Alerts.NATSURL)

	err := cfg.ApplyEnv(func(k string) (string, bool) {
		if k == "HTTP_PORT" {
			return "eighty", true
		}
		return "", false
	})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown provider", func(c *Config) { c.Quotes.Provider = "yahoo" }, "quotes.provider"},
		{"missing redis", func(c *Config) { c.Redis.Addr = "" }, "redis.addr"},
		{"bad timezone", func(c *Config) { c.Session.Timezone = "Mars/Olympus" }, "session.timezone"},
		{"freshness order", func(c *Config) { c.Freshness.Thresholds.Recent = time.Minute }, "freshness.thresholds"},
		{"db without dsn", func(c *Config) { c.Database.Enabled = true; c.Database.DSN = "" }, "database.dsn"},
		{"bad schedule", func(c *Config) { c.Schedule.FreshnessCheck = "sometimes" }, "freshness_check"},
		{"bad port", func(c *Config) { c.HTTP.Port = 0 }, "http.port"},
		{"bad budget", func(c *Config) { c.Quotes.HTTP.Budget.ResetHour = 25 }, "quotes.http.budget"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}
