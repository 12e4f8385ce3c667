package freshness

import (
	"context"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketrank/internal/session"
	"github.com/sawpanic/marketrank/internal/store"
	"github.com/sawpanic/marketrank/internal/store/storetest"
)

func TestThresholds_Classify(t *testing.T) {
	th := DefaultConfig().Thresholds
	tests := []struct {
		age  time.Duration
		want Bucket
	}{
		{0, BucketFresh},
		{2*time.Minute - time.Second, BucketFresh},
		{2 * time.Minute, BucketRecent},
		{10 * time.Minute, BucketStale},
		{59 * time.Minute, BucketStale},
		{60 * time.Minute, BucketVeryStale},
		{48 * time.Hour, BucketVeryStale},
	}
	for _, tt := range tests {
		t.Run(tt.age.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, th.Classify(tt.age))
		})
	}
}

func TestPercentile_NearestRank(t *testing.T) {
	ages := make([]time.Duration, 100)
	for i := range ages {
		ages[i] = time.Duration(i+1) * time.Second
	}
	assert.Equal(t, 50*time.Second, percentile(ages, 50))
	assert.Equal(t, 90*time.Second, percentile(ages, 90))
	assert.Equal(t, 99*time.Second, percentile(ages, 99))
	assert.Equal(t, 5*time.Second, percentile([]time.Duration{5 * time.Second}, 99))
	assert.Zero(t, percentile(nil, 50))
}

func seed(t *testing.T, s *store.Store, now time.Time, ages map[string]time.Duration) {
	t.Helper()
	for sym, age := range ages {
		require.NoError(t, s.Client().HSet(context.Background(), store.FreshnessKey, sym, strconv.FormatInt(now.Add(-age).UnixMilli(), 10)).Err())
	}
}

func TestTracker_Metrics(t *testing.T) {
	s, _ := storetest.New(t)
	now := time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC)
	tr := NewTracker(s, Config{Thresholds: DefaultConfig().Thresholds, ChunkSize: 2, MaxMissing: 1}).
		WithClock(func() time.Time { return now })

	seed(t, s, now, map[string]time.Duration{
		"AAA": 30 * time.Second,
		"BBB": 5 * time.Minute,
		"CCC": 30 * time.Minute,
		"DDD": 3 * time.Hour,
	})

	rep, err := tr.Metrics(context.Background(), []string{"AAA", "BBB", "CCC", "DDD", "MISS1", "MISS2"})
	require.NoError(t, err)

	assert.Equal(t, 6, rep.Total)
	assert.Equal(t, 4, rep.Present)
	assert.Equal(t, 2, rep.Missing)
	assert.Equal(t, []string{"MISS1"}, rep.MissingSymbols, "capped")
	assert.Equal(t, 1, rep.Fresh)
	assert.Equal(t, 1, rep.Recent)
	assert.Equal(t, 1, rep.Stale)
	assert.Equal(t, 1, rep.VeryStale)
	assert.Equal(t, 5*time.Minute, rep.P50)
	assert.Equal(t, 3*time.Hour, rep.P99)
	assert.Equal(t, 3*time.Hour, rep.Oldest)
}

func TestTracker_MetricsEmpty(t *testing.T) {
	s, _ := storetest.New(t)
	rep, err := NewTracker(s, DefaultConfig()).Metrics(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, rep.Total)
	assert.Zero(t, rep.P99)
}

func TestTracker_Evaluate(t *testing.T) {
	s, _ := storetest.New(t)
	tr := NewTracker(s, DefaultConfig())

	stale := Report{Present: 10, P99: 20 * time.Minute}
	fine := Report{Present: 10, P99: time.Minute}

	tests := []struct {
		name   string
		rep    Report
		sess   session.Session
		breach bool
	}{
		{"live breach", stale, session.Live, true},
		{"pre market is expected", stale, session.Pre, false},
		{"after hours is expected", stale, session.After, false},
		{"closed is expected", stale, session.Closed, false},
		{"live healthy", fine, session.Live, false},
		{"no data", Report{}, session.Live, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := tr.Evaluate(tt.rep, tt.sess)
			assert.Equal(t, tt.breach, a.Breached)
			if tt.breach {
				assert.NotEmpty(t, a.Reason)
			}
		})
	}
}

type staticUniverse []string

func (u staticUniverse) Universe(context.Context) ([]string, error) { return u, nil }

func TestMonitor_Check(t *testing.T) {
	s, _ := storetest.New(t)
	loc, err := time.LoadLocation(session.DefaultLocation)
	require.NoError(t, err)
	// Monday 11:00 New York, live session.
	now := time.Date(2024, 3, 4, 11, 0, 0, 0, loc)
	clock := session.NewWithNow(loc, session.DefaultBoundaries(), func() time.Time { return now })

	universe := make(staticUniverse, 0, 20)
	ages := map[string]time.Duration{}
	for i := 0; i < 20; i++ {
		sym := fmt.Sprintf("S%02d", i)
		universe = append(universe, sym)
		ages[sym] = time.Hour
	}
	seed(t, s, now, ages)

	tr := NewTracker(s, DefaultConfig()).WithClock(func() time.Time { return now })
	rep, alert, err := NewMonitor(tr, universe, clock).Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 20, rep.Present)
	assert.True(t, alert.Breached)
	assert.Equal(t, session.Live, alert.Session)
}
