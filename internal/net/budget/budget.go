// Package budget enforces a daily request allowance against a paid upstream.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrExhausted matches every *ExhaustedError under errors.Is.
var ErrExhausted = errors.New("daily request budget exhausted")

// Config sets the allowance. A zero DailyLimit disables tracking.
type Config struct {
	DailyLimit    int64   `yaml:"daily_limit"`
	ResetHour     int     `yaml:"reset_hour"`
	WarnThreshold float64 `yaml:"warn_threshold"`
}

// Validate checks ranges.
func (c Config) Validate() error {
	if c.DailyLimit < 0 {
		return fmt.Errorf("daily_limit must not be negative, got %d", c.DailyLimit)
	}
	if c.ResetHour < 0 || c.ResetHour > 23 {
		return fmt.Errorf("reset_hour must be between 0 and 23, got %d", c.ResetHour)
	}
	if c.WarnThreshold < 0 || c.WarnThreshold > 1 {
		return fmt.Errorf("warn_threshold must be between 0 and 1, got %f", c.WarnThreshold)
	}
	return nil
}

// ExhaustedError reports a spent allowance and when it refills.
type ExhaustedError struct {
	Name    string
	Used    int64
	Limit   int64
	ResetAt time.Time
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d/%d requests used, resets at %s",
		e.Name, e.Used, e.Limit, e.ResetAt.UTC().Format("2006-01-02 15:04 UTC"))
}

// Is matches ErrExhausted.
func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Stats is a point-in-time view of a Tracker.
type Stats struct {
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	NextReset time.Time `json:"next_reset"`
	Warning   bool      `json:"warning"`
	Exhausted bool      `json:"exhausted"`
}

// Tracker counts requests in a UTC day window starting at ResetHour.
type Tracker struct {
	name string
	cfg  Config
	now  func() time.Time

	mu        sync.Mutex
	used      int64
	windowEnd time.Time
	warned    bool
}

// NewTracker returns a Tracker for cfg. An out-of-range warn threshold
// falls back to 0.8.
func NewTracker(name string, cfg Config) *Tracker {
	return NewTrackerWithNow(name, cfg, time.Now)
}

// NewTrackerWithNow is NewTracker with an injected clock.
func NewTrackerWithNow(name string, cfg Config, now func() time.Time) *Tracker {
	if cfg.WarnThreshold <= 0 || cfg.WarnThreshold > 1 {
		cfg.WarnThreshold = 0.8
	}
	if cfg.ResetHour < 0 || cfg.ResetHour > 23 {
		cfg.ResetHour = 0
	}
	t := &Tracker{name: name, cfg: cfg, now: now}
	t.windowEnd = nextReset(now().UTC(), cfg.ResetHour)
	return t
}

func nextReset(now time.Time, hour int) time.Time {
	reset := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, time.UTC)
	if !now.Before(reset) {
		reset = reset.AddDate(0, 0, 1)
	}
	return reset
}

// rollLocked starts a new window once the current one has ended.
func (t *Tracker) rollLocked(now time.Time) {
	if now.Before(t.windowEnd) {
		return
	}
	t.used = 0
	t.warned = false
	t.windowEnd = nextReset(now, t.cfg.ResetHour)
}

// Consume spends one request. It returns an *ExhaustedError without spending
// when the allowance is used up. A nil Tracker or a zero limit always allows.
func (t *Tracker) Consume() error {
	if t == nil || t.cfg.DailyLimit == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollLocked(t.now().UTC())
	if t.used >= t.cfg.DailyLimit {
		return &ExhaustedError{Name: t.name, Used: t.used, Limit: t.cfg.DailyLimit, ResetAt: t.windowEnd}
	}
	t.used++

	if !t.warned && float64(t.used)/float64(t.cfg.DailyLimit) >= t.cfg.WarnThreshold {
		t.warned = true
		log.Warn().
			Str("budget", t.name).
			Int64("used", t.used).
			Int64("limit", t.cfg.DailyLimit).
			Time("resets_at", t.windowEnd).
			Msg("Daily request budget nearly spent")
	}
	return nil
}

// Stats returns current usage.
func (t *Tracker) Stats() Stats {
	if t == nil {
		return Stats{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	t.rollLocked(t.now().UTC())
	s := Stats{
		Limit:     t.cfg.DailyLimit,
		Used:      t.used,
		NextReset: t.windowEnd,
	}
	if t.cfg.DailyLimit > 0 {
		s.Remaining = t.cfg.DailyLimit - t.used
		s.Warning = float64(t.used)/float64(t.cfg.DailyLimit) >= t.cfg.WarnThreshold
		s.Exhausted = t.used >= t.cfg.DailyLimit
	}
	return s
}
