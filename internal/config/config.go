// Package config loads the service configuration from YAML with
// environment overrides for secrets and endpoints.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/marketrank/internal/dlq"
	"github.com/sawpanic/marketrank/internal/freshness"
	"github.com/sawpanic/marketrank/internal/health"
	"github.com/sawpanic/marketrank/internal/ingest"
	"github.com/sawpanic/marketrank/internal/maintenance"
	"github.com/sawpanic/marketrank/internal/metadata"
	"github.com/sawpanic/marketrank/internal/quotes"
	"github.com/sawpanic/marketrank/internal/rank"
	"github.com/sawpanic/marketrank/internal/scheduler"
	"github.com/sawpanic/marketrank/internal/session"
	"github.com/sawpanic/marketrank/internal/store"
)

// Config is the complete service configuration.
type Config struct {
	Log         LogConfig          `yaml:"log"`
	Redis       store.Options      `yaml:"redis"`
	Session     SessionConfig      `yaml:"session"`
	Rank        rank.Options       `yaml:"rank"`
	Quotes      QuotesConfig       `yaml:"quotes"`
	Ingest      ingest.Config      `yaml:"ingest"`
	DLQ         dlq.Policy         `yaml:"dlq"`
	Lock        LockConfig         `yaml:"lock"`
	Freshness   freshness.Config   `yaml:"freshness"`
	Health      HealthConfig       `yaml:"health"`
	Database    metadata.Config    `yaml:"database"`
	Maintenance maintenance.Config `yaml:"maintenance"`
	Snapshot    SnapshotConfig     `yaml:"snapshot"`
	Alerts      AlertsConfig       `yaml:"alerts"`
	Schedule    scheduler.Config   `yaml:"schedule"`
	HTTP        HTTPConfig         `yaml:"http"`
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// SessionConfig locates the exchange.
type SessionConfig struct {
	Timezone   string             `yaml:"timezone"`
	Boundaries session.Boundaries `yaml:"boundaries"`
}

// QuotesConfig selects the upstream provider.
type QuotesConfig struct {
	Provider    string              `yaml:"provider"` // http or alpaca
	HTTP        quotes.HTTPConfig   `yaml:"http"`
	Alpaca      quotes.AlpacaConfig `yaml:"alpaca"`
	Credentials quotes.Credentials  `yaml:"credentials"`
}

// LockConfig configures the static-data lock.
type LockConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	MaxHold time.Duration `yaml:"max_hold"`
}

// HealthConfig groups the health monitor and report thresholds.
type HealthConfig struct {
	Monitor  health.MonitorConfig  `yaml:"monitor"`
	Reporter health.ReporterConfig `yaml:"reporter"`
}

// SnapshotConfig is where close-of-day Parquet files go.
type SnapshotConfig struct {
	Dir string `yaml:"dir"`
}

// AlertsConfig enables NATS publishing when URL is set.
type AlertsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// HTTPConfig configures the operator surface.
type HTTPConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	RankLimit    int           `yaml:"rank_limit"`
}

// Default returns a configuration that runs against a local Redis with the
// HTTP quote provider.
func Default() Config {
	return Config{
		Log:     LogConfig{Level: "info"},
		Redis:   store.DefaultOptions(),
		Session: SessionConfig{Timezone: "America/New_York", Boundaries: session.DefaultBoundaries()},
		Rank:    rank.DefaultOptions(),
		Quotes: QuotesConfig{
			Provider: "http",
			HTTP:     quotes.DefaultHTTPConfig(),
			Alpaca:   quotes.AlpacaConfig{Feed: "sip"},
		},
		Ingest:      ingest.DefaultConfig(),
		DLQ:         dlq.DefaultPolicy(),
		Lock:        LockConfig{TTL: 30 * time.Minute, MaxHold: 45 * time.Minute},
		Freshness:   freshness.DefaultConfig(),
		Health:      HealthConfig{Monitor: health.DefaultMonitorConfig(), Reporter: health.DefaultReporterConfig()},
		Database:    metadata.DefaultConfig(),
		Maintenance: maintenance.DefaultConfig(),
		Snapshot:    SnapshotConfig{Dir: "data/snapshots"},
		Alerts:      AlertsConfig{SubjectPrefix: "marketrank.alerts"},
		Schedule:    scheduler.DefaultConfig(),
		HTTP: HTTPConfig{
			Port:         8080,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 30 * time.Second,
			RankLimit:    500,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Environment overrides are applied and the result validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides endpoints and secrets from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := map[string]*string{
		"REDIS_ADDR":        &c.Redis.Addr,
		"REDIS_PASSWORD":    &c.Redis.Password,
		"QUOTES_PROVIDER":   &c.Quotes.Provider,
		"QUOTES_BASE_URL":   &c.Quotes.HTTP.BaseURL,
		"QUOTES_API_KEY":    &c.Quotes.Credentials.APIKey,
		"QUOTES_API_SECRET": &c.Quotes.Credentials.APISecret,
		"PG_DSN":            &c.Database.DSN,
		"NATS_URL":          &c.Alerts.NATSURL,
		"LOG_LEVEL":         &c.Log.Level,
	}
	for name, dst := range str {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}
	if v, ok := lookup("PG_DSN"); ok && v != "" {
		c.Database.Enabled = true
	}
	if v, ok := lookup("HTTP_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HTTP_PORT: %w", err)
		}
		c.HTTP.Port = port
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required"))
	}
	if c.Redis.OpTimeout <= 0 {
		errs = append(errs, errors.New("redis.op_timeout must be positive"))
	}
	if err := c.Session.Boundaries.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("session.boundaries: %w", err))
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("session.timezone: %w", err))
	}
	switch c.Quotes.Provider {
	case "http":
		if c.Quotes.HTTP.BaseURL == "" {
			errs = append(errs, errors.New("quotes.http.base_url is required"))
		}
		if err := c.Quotes.HTTP.Budget.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("quotes.http.budget: %w", err))
		}
	case "alpaca":
	default:
		errs = append(errs, fmt.Errorf("quotes.provider %q must be http or alpaca", c.Quotes.Provider))
	}
	if c.Ingest.BatchSize <= 0 {
		errs = append(errs, errors.New("ingest.batch_size must be positive"))
	}
	if c.Ingest.Concurrency <= 0 {
		errs = append(errs, errors.New("ingest.concurrency must be positive"))
	}
	if c.Ingest.InlineRetries < 0 || c.Ingest.MaxCooldowns < 0 {
		errs = append(errs, errors.New("ingest retry counts must not be negative"))
	}
	if c.DLQ.MaxAttempts <= 0 || c.DLQ.MaxAge <= 0 {
		errs = append(errs, errors.New("dlq.max_attempts and dlq.max_age must be positive"))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, errors.New("lock.ttl must be positive"))
	}
	t := c.Freshness.Thresholds
	if !(0 < t.Fresh && t.Fresh < t.Recent && t.Recent < t.Stale) {
		errs = append(errs, errors.New("freshness.thresholds must be increasing"))
	}
	if c.Health.Monitor.Threshold <= 0 {
		errs = append(errs, errors.New("health.monitor.threshold must be positive"))
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required when enabled"))
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if err := c.Schedule.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
