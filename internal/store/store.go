// Package store wraps the Redis-compatible backing store shared by every
// ranking, queue and coordination component.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures the Redis connection.
type Options struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	OpTimeout    time.Duration `yaml:"op_timeout"`
}

// DefaultOptions returns pooled connection defaults.
func DefaultOptions() Options {
	return Options{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
		OpTimeout:    2 * time.Second,
	}
}

// Store is a thin adapter over a go-redis client. Every round trip issued
// through Context carries the configured operation timeout.
type Store struct {
	client    redis.UniversalClient
	opTimeout time.Duration
}

// New dials Redis and verifies connectivity.
func New(ctx context.Context, opts Options) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            opts.Addr,
		Password:        opts.Password,
		DB:              opts.DB,
		PoolSize:        opts.PoolSize,
		MinIdleConns:    opts.MinIdleConns,
		DialTimeout:     opts.DialTimeout,
		ReadTimeout:     opts.ReadTimeout,
		WriteTimeout:    opts.WriteTimeout,
		MaxRetries:      opts.MaxRetries,
		MinRetryBackoff: 100 * time.Millisecond,
		MaxRetryBackoff: 500 * time.Millisecond,
	})

	s := NewFromClient(client, opts.OpTimeout)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return s, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client redis.UniversalClient, opTimeout time.Duration) *Store {
	if opTimeout <= 0 {
		opTimeout = DefaultOptions().OpTimeout
	}
	return &Store{client: client, opTimeout: opTimeout}
}

// Client exposes the underlying client for commands the adapter does not wrap.
func (s *Store) Client() redis.UniversalClient { return s.client }

// OpTimeout is the bound applied to each round trip.
func (s *Store) OpTimeout() time.Duration { return s.opTimeout }

// Context derives a context bounded by the operation timeout.
func (s *Store) Context(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Ping checks that the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.Context(ctx)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Pipelined sends the queued commands in one round trip without MULTI.
func (s *Store) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	ctx, cancel := s.Context(ctx)
	defer cancel()
	cmds, err := s.client.Pipelined(ctx, fn)
	if err == redis.Nil {
		// Individual misses are reported per command.
		err = nil
	}
	return cmds, err
}

// TxPipelined sends the queued commands wrapped in MULTI/EXEC.
func (s *Store) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error) {
	ctx, cancel := s.Context(ctx)
	defer cancel()
	cmds, err := s.client.TxPipelined(ctx, fn)
	if err == redis.Nil {
		err = nil
	}
	return cmds, err
}

// SetMarker writes a scalar operational marker such as worker:last_success_ts.
func (s *Store) SetMarker(ctx context.Context, key string, value interface{}) error {
	ctx, cancel := s.Context(ctx)
	defer cancel()
	return s.client.Set(ctx, key, value, 0).Err()
}

// Marker reads a scalar marker; ok is false when it has never been written.
func (s *Store) Marker(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := s.Context(ctx)
	defer cancel()
	v, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// ClearMarker removes a marker.
func (s *Store) ClearMarker(ctx context.Context, key string) error {
	ctx, cancel := s.Context(ctx)
	defer cancel()
	return s.client.Del(ctx, key).Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}
