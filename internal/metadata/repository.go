// Package metadata reads ticker reference data from the relational store.
package metadata

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/marketrank/internal/reference"
)

// Config holds database connection configuration
type Config struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	QueryTimeout    time.Duration `yaml:"query_timeout"`
	Enabled         bool          `yaml:"enabled"`
}

// DefaultConfig returns pool defaults; the repository is disabled until a DSN is set.
func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		QueryTimeout:    30 * time.Second,
	}
}

// Repository is the ticker metadata adapter.
type Repository struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Open connects to PostgreSQL and verifies the connection.
func Open(cfg Config) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database DSN is required when enabled")
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	repo := NewRepository(db, cfg.QueryTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return repo, nil
}

// NewRepository wraps an open connection.
func NewRepository(db *sqlx.DB, timeout time.Duration) *Repository {
	if timeout <= 0 {
		timeout = DefaultConfig().QueryTimeout
	}
	return &Repository{db: db, timeout: timeout}
}

// Universe returns every active symbol ordered by symbol.
func (r *Repository) Universe(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol
		FROM tickers
		WHERE active = true
		ORDER BY symbol`

	var symbols []string
	if err := r.db.SelectContext(ctx, &symbols, query); err != nil {
		return nil, fmt.Errorf("failed to query universe: %w", err)
	}
	return symbols, nil
}

// References loads reference rows for symbols. Unknown symbols are skipped.
func (r *Repository) References(ctx context.Context, symbols []string) ([]reference.Reference, error) {
	if len(symbols) == 0 {
		return []reference.Reference{}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT symbol, name, sector, industry, shares_outstanding, previous_close
		FROM tickers
		WHERE symbol = ANY($1)
		ORDER BY symbol`

	refs := []reference.Reference{}
	if err := r.db.SelectContext(ctx, &refs, query, pq.Array(symbols)); err != nil {
		return nil, fmt.Errorf("failed to query references: %w", err)
	}
	return refs, nil
}

// Ping tests basic connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.db.PingContext(ctx)
}

// Close closes the connection pool.
func (r *Repository) Close() error {
	return r.db.Close()
}
