// Package health records the outcome of scheduled operations and
// aggregates the overall service health.
package health

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketrank/internal/store"
)

// Operation names a monitored job.
type Operation string

const (
	OpCloseSnapshot      Operation = "close_snapshot"
	OpPrevCloseBootstrap Operation = "prev_close_bootstrap"
	OpIngestionLoop      Operation = "ingestion_loop"
)

// Operations lists every monitored operation.
var Operations = []Operation{OpCloseSnapshot, OpPrevCloseBootstrap, OpIngestionLoop}

// MonitorConfig tunes staleness and retention.
type MonitorConfig struct {
	Threshold time.Duration               `yaml:"threshold"`
	Overrides map[Operation]time.Duration `yaml:"overrides"`
	Retention time.Duration               `yaml:"retention"`
}

// DefaultMonitorConfig spans a weekend gap for daily jobs.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Threshold: 26 * time.Hour,
		Retention: 7 * 24 * time.Hour,
	}
}

// ThresholdFor returns the staleness threshold of op.
func (c MonitorConfig) ThresholdFor(op Operation) time.Duration {
	if d, ok := c.Overrides[op]; ok && d > 0 {
		return d
	}
	return c.Threshold
}

// OperationStatus is the derived health of one operation.
type OperationStatus struct {
	Operation         Operation  `json:"operation"`
	Healthy           bool       `json:"healthy"`
	LastSuccess       *time.Time `json:"last_success,omitempty"`
	LastFailure       *time.Time `json:"last_failure,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	LastCount         int64      `json:"last_count"`
	Successes         int64      `json:"successes"`
	Failures          int64      `json:"failures"`
	HoursSinceSuccess float64    `json:"hours_since_success,omitempty"`
	ThresholdHours    float64    `json:"threshold_hours"`
}

// Monitor is the HealthMonitor.
type Monitor struct {
	store *store.Store
	cfg   MonitorConfig
	now   func() time.Time
}

// NewMonitor creates a monitor over s.
func NewMonitor(s *store.Store, cfg MonitorConfig) *Monitor {
	return &Monitor{store: s, cfg: cfg, now: time.Now}
}

// WithClock overrides the time source.
func (m *Monitor) WithClock(now func() time.Time) *Monitor {
	m.now = now
	return m
}

const (
	fLastSuccess = "lastSuccessAt"
	fLastCount   = "lastSuccessCount"
	fLastFailure = "lastFailureAt"
	fLastError   = "lastError"
	fSuccesses   = "successTotal"
	fFailures    = "failureTotal"
)

// RecordSuccess marks op as having succeeded with count items.
func (m *Monitor) RecordSuccess(ctx context.Context, op Operation, count int) error {
	return m.record(ctx, op, func(p redis.Pipeliner, key string) {
		p.HSet(ctx, key, fLastSuccess, m.now().UnixMilli(), fLastCount, count)
		p.HIncrBy(ctx, key, fSuccesses, 1)
	})
}

// RecordFailure marks op as having failed with err.
func (m *Monitor) RecordFailure(ctx context.Context, op Operation, err error) error {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return m.record(ctx, op, func(p redis.Pipeliner, key string) {
		p.HSet(ctx, key, fLastFailure, m.now().UnixMilli(), fLastError, msg)
		p.HIncrBy(ctx, key, fFailures, 1)
	})
}

func (m *Monitor) record(ctx context.Context, op Operation, write func(redis.Pipeliner, string)) error {
	key := store.HealthKey(string(op))
	_, err := m.store.TxPipelined(ctx, func(p redis.Pipeliner) error {
		write(p, key)
		if m.cfg.Retention > 0 {
			p.Expire(ctx, key, m.cfg.Retention)
		}
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("operation", string(op)).Msg("Failed to record health")
		return fmt.Errorf("record health %s: %w", op, err)
	}
	return nil
}

// Status derives the health of op. An operation that never succeeded is
// unhealthy.
func (m *Monitor) Status(ctx context.Context, op Operation) (OperationStatus, error) {
	ctx, cancel := m.store.Context(ctx)
	defer cancel()

	raw, err := m.store.Client().HGetAll(ctx, store.HealthKey(string(op))).Result()
	if err != nil {
		return OperationStatus{}, fmt.Errorf("health status %s: %w", op, err)
	}
	st, err := decodeStatus(op, raw)
	if err != nil {
		return OperationStatus{}, err
	}

	threshold := m.cfg.ThresholdFor(op)
	st.ThresholdHours = threshold.Hours()
	if st.LastSuccess != nil {
		since := m.now().Sub(*st.LastSuccess)
		st.HoursSinceSuccess = since.Hours()
		st.Healthy = since < threshold
	}
	return st, nil
}

// All returns the status of every monitored operation.
func (m *Monitor) All(ctx context.Context) ([]OperationStatus, error) {
	out := make([]OperationStatus, 0, len(Operations))
	for _, op := range Operations {
		st, err := m.Status(ctx, op)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// decodeStatus is the typed decode of an operation hash.
func decodeStatus(op Operation, raw map[string]string) (OperationStatus, error) {
	st := OperationStatus{Operation: op, LastError: raw[fLastError]}
	var err error
	if st.LastSuccess, err = parseTime(raw, fLastSuccess); err != nil {
		return st, fmt.Errorf("health %s: %w", op, err)
	}
	if st.LastFailure, err = parseTime(raw, fLastFailure); err != nil {
		return st, fmt.Errorf("health %s: %w", op, err)
	}
	for field, dst := range map[string]*int64{fLastCount: &st.LastCount, fSuccesses: &st.Successes, fFailures: &st.Failures} {
		v, ok := raw[field]
		if !ok {
			continue
		}
		if *dst, err = strconv.ParseInt(v, 10, 64); err != nil {
			return st, fmt.Errorf("health %s: bad %s: %w", op, field, err)
		}
	}
	return st, nil
}

func parseTime(raw map[string]string, field string) (*time.Time, error) {
	v, ok := raw[field]
	if !ok || v == "" {
		return nil, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad %s: %w", field, err)
	}
	t := time.UnixMilli(ms)
	return &t, nil
}
