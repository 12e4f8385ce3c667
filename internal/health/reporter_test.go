package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketrank/internal/freshness"
	"github.com/sawpanic/marketrank/internal/lock"
	"github.com/sawpanic/marketrank/internal/store/storetest"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fakeFreshness struct {
	alert freshness.Alert
	err   error
}

func (f fakeFreshness) Check(context.Context) (freshness.Report, freshness.Alert, error) {
	return freshness.Report{Total: 1, Present: 1}, f.alert, f.err
}

type fakeDepth int64

func (d fakeDepth) Depth(context.Context) (int64, error) { return int64(d), nil }

type fakeLock struct{ h *lock.Holder }

func (f fakeLock) Inspect(context.Context) (*lock.Holder, error) { return f.h, nil }

func healthyMonitor(t *testing.T, now time.Time) *Monitor {
	t.Helper()
	s, _ := storetest.New(t)
	m := NewMonitor(s, DefaultMonitorConfig()).WithClock(func() time.Time { return now })
	for _, op := range Operations {
		require.NoError(t, m.RecordSuccess(context.Background(), op, 1))
	}
	return m
}

func TestReporter_Check(t *testing.T) {
	now := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	tests := []struct {
		name   string
		ping   Pinger
		fresh  FreshnessChecker
		depth  DepthReader
		lk     LockInspector
		want   Status
		reason string
	}{
		{"all good", ok, fakeFreshness{}, fakeDepth(3), fakeLock{}, StatusHealthy, ""},
		{"store down", down, fakeFreshness{}, fakeDepth(0), fakeLock{}, StatusUnhealthy, "store unreachable"},
		{"dlq backlog", ok, fakeFreshness{}, fakeDepth(100), fakeLock{}, StatusDegraded, "dlq depth"},
		{"freshness breach", ok, fakeFreshness{alert: freshness.Alert{Breached: true, Reason: "p99 too old"}}, fakeDepth(0), fakeLock{}, StatusDegraded, "p99 too old"},
		{"freshness error", ok, fakeFreshness{err: errors.New("boom")}, fakeDepth(0), fakeLock{}, StatusDegraded, "freshness unavailable"},
		{"suspicious lock", ok, fakeFreshness{}, fakeDepth(0), fakeLock{h: &lock.Holder{Record: lock.Record{OwnerID: "w1", CreatedAt: now.Add(-2 * time.Hour)}}}, StatusDegraded, "maintenance lock held"},
		{"recent lock", ok, fakeFreshness{}, fakeDepth(0), fakeLock{h: &lock.Holder{Record: lock.Record{OwnerID: "w1", CreatedAt: now.Add(-time.Minute)}}}, StatusHealthy, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewReporter(DefaultReporterConfig(), tt.ping, healthyMonitor(t, now), tt.fresh, tt.depth, tt.lk).
				WithClock(func() time.Time { return now })
			rep := r.Check(context.Background())
			assert.Equal(t, tt.want, rep.Status)
			if tt.reason != "" {
				require.NotEmpty(t, rep.Reasons)
				assert.Contains(t, rep.Reasons[0], tt.reason)
			} else {
				assert.Empty(t, rep.Reasons)
			}
		})
	}
}

func TestReporter_UnhealthyOperationDegrades(t *testing.T) {
	now := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	s, _ := storetest.New(t)
	m := NewMonitor(s, DefaultMonitorConfig()).WithClock(func() time.Time { return now })
	require.NoError(t, m.RecordSuccess(context.Background(), OpIngestionLoop, 1))

	r := NewReporter(DefaultReporterConfig(), s, m, nil, nil, nil).WithClock(func() time.Time { return now })
	rep := r.Check(context.Background())
	assert.Equal(t, StatusDegraded, rep.Status)
	assert.Len(t, rep.Reasons, 2, "snapshot and bootstrap never ran")
	assert.Equal(t, "warn", rep.Checks["operations"].Status)
}
