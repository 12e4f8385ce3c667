// Package freshness measures how stale the universe's last updates are.
package freshness

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketrank/internal/session"
	"github.com/sawpanic/marketrank/internal/store"
)

// Bucket is an age class.
type Bucket string

const (
	BucketFresh     Bucket = "fresh"
	BucketRecent    Bucket = "recent"
	BucketStale     Bucket = "stale"
	BucketVeryStale Bucket = "very_stale"
)

// Thresholds are the exclusive upper bounds of the first three buckets.
type Thresholds struct {
	Fresh  time.Duration `yaml:"fresh"`
	Recent time.Duration `yaml:"recent"`
	Stale  time.Duration `yaml:"stale"`
}

// Classify returns the bucket of age.
func (t Thresholds) Classify(age time.Duration) Bucket {
	switch {
	case age < t.Fresh:
		return BucketFresh
	case age < t.Recent:
		return BucketRecent
	case age < t.Stale:
		return BucketStale
	default:
		return BucketVeryStale
	}
}

// Config tunes the tracker.
type Config struct {
	Thresholds Thresholds    `yaml:"thresholds"`
	AlertP99   time.Duration `yaml:"alert_p99"`
	ChunkSize  int           `yaml:"chunk_size"`
	MaxMissing int           `yaml:"max_missing_reported"`
}

// DefaultConfig alerts when p99 age exceeds 15 minutes during the live session.
func DefaultConfig() Config {
	return Config{
		Thresholds: Thresholds{Fresh: 2 * time.Minute, Recent: 10 * time.Minute, Stale: 60 * time.Minute},
		AlertP99:   15 * time.Minute,
		ChunkSize:  500,
		MaxMissing: 50,
	}
}

// Report summarises freshness over a universe. Percentiles cover present
// symbols only.
type Report struct {
	At             time.Time     `json:"at"`
	Total          int           `json:"total"`
	Present        int           `json:"present"`
	Missing        int           `json:"missing"`
	Fresh          int           `json:"fresh"`
	Recent         int           `json:"recent"`
	Stale          int           `json:"stale"`
	VeryStale      int           `json:"very_stale"`
	P50            time.Duration `json:"p50"`
	P90            time.Duration `json:"p90"`
	P99            time.Duration `json:"p99"`
	Oldest         time.Duration `json:"oldest"`
	MissingSymbols []string      `json:"missing_symbols,omitempty"`
}

// Tracker reads the freshness hash.
type Tracker struct {
	store *store.Store
	cfg   Config
	now   func() time.Time
}

// NewTracker creates a tracker over s.
func NewTracker(s *store.Store, cfg Config) *Tracker {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultConfig().ChunkSize
	}
	return &Tracker{store: s, cfg: cfg, now: time.Now}
}

// WithClock overrides the time source.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Config returns the tracker configuration.
func (t *Tracker) Config() Config { return t.cfg }

// Metrics buckets every symbol of universe by the age of its last update.
// Symbols without an entry are counted as missing, not stale.
func (t *Tracker) Metrics(ctx context.Context, universe []string) (Report, error) {
	now := t.now()
	rep := Report{At: now, Total: len(universe)}
	ages := make([]time.Duration, 0, len(universe))

	for start := 0; start < len(universe); start += t.cfg.ChunkSize {
		end := start + t.cfg.ChunkSize
		if end > len(universe) {
			end = len(universe)
		}
		chunk := universe[start:end]

		cctx, cancel := t.store.Context(ctx)
		vals, err := t.store.Client().HMGet(cctx, store.FreshnessKey, chunk...).Result()
		cancel()
		if err != nil {
			return Report{}, fmt.Errorf("freshness read: %w", err)
		}

		for i, v := range vals {
			ts, ok := parseMillis(v)
			if !ok {
				rep.Missing++
				if len(rep.MissingSymbols) < t.cfg.MaxMissing {
					rep.MissingSymbols = append(rep.MissingSymbols, chunk[i])
				}
				continue
			}
			age := now.Sub(time.UnixMilli(ts))
			if age < 0 {
				age = 0
			}
			ages = append(ages, age)
			switch t.cfg.Thresholds.Classify(age) {
			case BucketFresh:
				rep.Fresh++
			case BucketRecent:
				rep.Recent++
			case BucketStale:
				rep.Stale++
			default:
				rep.VeryStale++
			}
		}
	}

	rep.Present = len(ages)
	if len(ages) > 0 {
		sort.Slice(ages, func(i, j int) bool { return ages[i] < ages[j] })
		rep.P50 = percentile(ages, 50)
		rep.P90 = percentile(ages, 90)
		rep.P99 = percentile(ages, 99)
		rep.Oldest = ages[len(ages)-1]
	}

	log.Debug().
		Int("total", rep.Total).
		Int("missing", rep.Missing).
		Dur("p99", rep.P99).
		Msg("Freshness computed")
	return rep, nil
}

func parseMillis(v interface{}) (int64, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return 0, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// percentile is the nearest-rank percentile of sorted ages.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// Alert is the outcome of evaluating a report against the alert threshold.
type Alert struct {
	Breached  bool            `json:"breached"`
	P99       time.Duration   `json:"p99"`
	Threshold time.Duration   `json:"threshold"`
	Session   session.Session `json:"session"`
	Reason    string          `json:"reason,omitempty"`
}

// Evaluate breaches only when p99 exceeds the threshold during the live
// session; staleness outside trading hours is expected.
func (t *Tracker) Evaluate(rep Report, sess session.Session) Alert {
	a := Alert{P99: rep.P99, Threshold: t.cfg.AlertP99, Session: sess}
	if t.cfg.AlertP99 <= 0 || rep.Present == 0 {
		return a
	}
	if rep.P99 > t.cfg.AlertP99 && sess == session.Live {
		a.Breached = true
		a.Reason = fmt.Sprintf("p99 age %s exceeds %s during live session", rep.P99.Round(time.Second), t.cfg.AlertP99)
	}
	return a
}

// UniverseSource lists the tracked symbols.
type UniverseSource interface {
	Universe(ctx context.Context) ([]string, error)
}

// Monitor evaluates freshness of the tracked universe against the current
// session.
type Monitor struct {
	tracker  *Tracker
	universe UniverseSource
	clock    *session.Clock
}

// NewMonitor ties a tracker to a universe and clock.
func NewMonitor(t *Tracker, u UniverseSource, c *session.Clock) *Monitor {
	return &Monitor{tracker: t, universe: u, clock: c}
}

// Check computes the report and evaluates it.
func (m *Monitor) Check(ctx context.Context) (Report, Alert, error) {
	symbols, err := m.universe.Universe(ctx)
	if err != nil {
		return Report{}, Alert{}, err
	}
	rep, err := m.tracker.Metrics(ctx, symbols)
	if err != nil {
		return Report{}, Alert{}, err
	}
	return rep, m.tracker.Evaluate(rep, m.clock.Detect(m.clock.Now())), nil
}
