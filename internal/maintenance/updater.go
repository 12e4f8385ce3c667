// Package maintenance refreshes the static reference data (universe, shares
// outstanding, previous close) while holding the static-data lock, so
// ingestion never reads a half-written reference set.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketrank/internal/health"
	"github.com/sawpanic/marketrank/internal/metrics"
	"github.com/sawpanic/marketrank/internal/reference"
	"github.com/sawpanic/marketrank/internal/store"
)

var (
	// ErrBusy means another process holds the static-data lock.
	ErrBusy = errors.New("static data update already running")
	// ErrLockLost means a renewal found the lock owned by someone else.
	ErrLockLost = errors.New("static data lock lost during update")
)

// Source is the authoritative ticker metadata.
type Source interface {
	Universe(ctx context.Context) ([]string, error)
	References(ctx context.Context, symbols []string) ([]reference.Reference, error)
}

// Sink receives the refreshed reference data.
type Sink interface {
	Put(ctx context.Context, refs []reference.Reference) error
	SetUniverse(ctx context.Context, symbols []string) error
}

// Locker is the distributed lock guarding the update.
type Locker interface {
	Acquire(ctx context.Context) (bool, string, error)
	Renew(ctx context.Context, owner string) (bool, error)
	Release(ctx context.Context, owner string) (bool, error)
	TTL() time.Duration
}

// Markers stores the bulk:* progress markers.
type Markers interface {
	SetMarker(ctx context.Context, key string, value interface{}) error
	ClearMarker(ctx context.Context, key string) error
}

// HealthRecorder records the outcome of each run.
type HealthRecorder interface {
	RecordSuccess(ctx context.Context, op health.Operation, count int) error
	RecordFailure(ctx context.Context, op health.Operation, err error) error
}

// Config tunes the updater.
type Config struct {
	// RenewInterval defaults to a third of the lock TTL.
	RenewInterval time.Duration `yaml:"renew_interval"`
	ChunkSize     int           `yaml:"chunk_size"`
}

// DefaultConfig loads references 500 symbols at a time.
func DefaultConfig() Config {
	return Config{ChunkSize: 500}
}

// Result summarises one update.
type Result struct {
	Symbols    int           `json:"symbols"`
	References int           `json:"references"`
	Duration   time.Duration `json:"duration"`
}

// StaticUpdater refreshes the reference cache from the metadata source.
type StaticUpdater struct {
	cfg     Config
	source  Source
	sink    Sink
	lock    Locker
	markers Markers
	health  HealthRecorder
	metrics *metrics.Registry
}

// NewStaticUpdater wires an updater. health and m may be nil.
func NewStaticUpdater(cfg Config, source Source, sink Sink, lock Locker, markers Markers, health HealthRecorder, m *metrics.Registry) *StaticUpdater {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = lock.TTL() / 3
	}
	return &StaticUpdater{cfg: cfg, source: source, sink: sink, lock: lock, markers: markers, health: health, metrics: m}
}

// Run performs one update under the lock.
func (u *StaticUpdater) Run(ctx context.Context) (Result, error) {
	ok, owner, err := u.lock.Acquire(ctx)
	if err != nil {
		u.metrics.RecordLockOp("acquire", "error")
		return Result{}, err
	}
	if !ok {
		u.metrics.RecordLockOp("acquire", "busy")
		return Result{}, ErrBusy
	}
	u.metrics.RecordLockOp("acquire", "ok")

	workCtx, cancel := context.WithCancel(ctx)
	var lost atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		u.renew(workCtx, owner, &lost, cancel)
	}()

	start := time.Now()
	res, runErr := u.update(workCtx)
	res.Duration = time.Since(start)

	cancel()
	<-done
	if lost.Load() {
		runErr = ErrLockLost
	} else {
		released, err := u.lock.Release(context.WithoutCancel(ctx), owner)
		switch {
		case err != nil:
			u.metrics.RecordLockOp("release", "error")
			log.Warn().Err(err).Msg("Failed to release static data lock")
		case !released:
			u.metrics.RecordLockOp("release", "lost")
		default:
			u.metrics.RecordLockOp("release", "ok")
		}
	}

	u.finish(context.WithoutCancel(ctx), res, runErr)
	return res, runErr
}

func (u *StaticUpdater) renew(ctx context.Context, owner string, lost *atomic.Bool, cancel context.CancelFunc) {
	ticker := time.NewTicker(u.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := u.lock.Renew(ctx, owner)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				u.metrics.RecordLockOp("renew", "error")
				log.Warn().Err(err).Msg("Static data lock renewal failed")
				continue
			}
			if !ok {
				u.metrics.RecordLockOp("renew", "lost")
				log.Error().Msg("Static data lock taken over, aborting update")
				lost.Store(true)
				cancel()
				return
			}
			u.metrics.RecordLockOp("renew", "ok")
		}
	}
}

func (u *StaticUpdater) update(ctx context.Context) (Result, error) {
	universe, err := u.source.Universe(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load universe: %w", err)
	}
	res := Result{Symbols: len(universe)}

	for i := 0; i < len(universe); i += u.cfg.ChunkSize {
		end := i + u.cfg.ChunkSize
		if end > len(universe) {
			end = len(universe)
		}
		refs, err := u.source.References(ctx, universe[i:end])
		if err != nil {
			return res, fmt.Errorf("load references: %w", err)
		}
		if err := u.sink.Put(ctx, refs); err != nil {
			return res, err
		}
		res.References += len(refs)
		log.Debug().Int("chunk", i/u.cfg.ChunkSize).Int("references", len(refs)).Msg("Reference chunk written")
	}

	// The universe is swapped last so ingestion only sees symbols that
	// already have references.
	if err := u.sink.SetUniverse(ctx, universe); err != nil {
		return res, err
	}
	return res, nil
}

func (u *StaticUpdater) finish(ctx context.Context, res Result, runErr error) {
	if runErr != nil {
		log.Error().Err(runErr).Msg("Static data update failed")
		if err := u.markers.SetMarker(ctx, store.BulkLastErrorKey, runErr.Error()); err != nil {
			log.Warn().Err(err).Msg("Failed to write bulk error marker")
		}
		if u.health != nil {
			_ = u.health.RecordFailure(ctx, health.OpPrevCloseBootstrap, runErr)
		}
		return
	}

	for key, value := range map[string]interface{}{
		store.BulkLastSuccessKey:  time.Now().UnixMilli(),
		store.BulkLastDurationKey: res.Duration.Milliseconds(),
	} {
		if err := u.markers.SetMarker(ctx, key, value); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to write bulk marker")
		}
	}
	if err := u.markers.ClearMarker(ctx, store.BulkLastErrorKey); err != nil {
		log.Warn().Err(err).Msg("Failed to clear bulk error marker")
	}
	if u.health != nil {
		_ = u.health.RecordSuccess(ctx, health.OpPrevCloseBootstrap, res.References)
	}
	log.Info().Int("symbols", res.Symbols).Int("references", res.References).Dur("duration", res.Duration).Msg("Static data update complete")
}
