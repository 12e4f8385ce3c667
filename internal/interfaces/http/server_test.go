package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/marketrank/internal/dlq"
	"github.com/sawpanic/marketrank/internal/health"
	"github.com/sawpanic/marketrank/internal/interfaces/http/handlers"
	"github.com/sawpanic/marketrank/internal/metrics"
	"github.com/sawpanic/marketrank/internal/rank"
	"github.com/sawpanic/marketrank/internal/session"
	"github.com/sawpanic/marketrank/internal/store/storetest"
)

type replayFunc func(context.Context, dlq.Job) error

func (f replayFunc) Replay(ctx context.Context, job dlq.Job) error { return f(ctx, job) }

type fixture struct {
	mr     *miniredis.Miniredis
	index  *rank.Index
	queue  *dlq.Queue
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, mr := storetest.New(t)
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now := time.Date(2024, 3, 5, 11, 0, 0, 0, ny)
	clock := session.NewWithNow(ny, session.DefaultBoundaries(), func() time.Time { return now })

	index := rank.NewIndex(s, rank.DefaultOptions())
	queue := dlq.NewQueue(s, dlq.DefaultPolicy())
	monitor := health.NewMonitor(s, health.DefaultMonitorConfig())
	reporter := health.NewReporter(health.DefaultReporterConfig(), s, monitor, nil, queue, nil)
	m := metrics.New(nil)

	h := handlers.NewHandlers(reporter, queue, index, clock, m, 100)
	return &fixture{
		mr:     mr,
		index:  index,
		queue:  queue,
		server: NewServer(DefaultServerConfig(), h, m),
	}
}

func (f *fixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v), rr.Body.String())
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	rep := decode[health.Report](t, rr)
	assert.Equal(t, health.StatusDegraded, rep.Status, "no operation has succeeded yet")

	f.mr.Close()
	rr = f.do(t, http.MethodGet, "/health")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, health.StatusUnhealthy, decode[health.Report](t, rr).Status)
}

func TestRank(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	date := "2024-03-05"
	for sym, chg := range map[string]float64{"AAPL": 1.25, "MSFT": -0.5, "NVDA": 3.1} {
		require.NoError(t, f.index.Upsert(ctx, date, session.Live, sym, rank.Fields{Price: 100, ChangePct: chg}))
	}

	t.Run("explicit key", func(t *testing.T) {
		rr := f.do(t, http.MethodGet, "/rank/chg?date=2024-03-05&session=live&order=desc&limit=2")
		require.Equal(t, http.StatusOK, rr.Code)
		resp := decode[handlers.RankResponse](t, rr)
		assert.EqualValues(t, 3, resp.Total)
		require.Len(t, resp.Entries, 2)
		assert.Equal(t, handlers.RankEntry{Rank: 1, Symbol: "NVDA", Value: 3.1}, resp.Entries[0])
		assert.Equal(t, handlers.RankEntry{Rank: 2, Symbol: "AAPL", Value: 1.25}, resp.Entries[1])
		assert.False(t, resp.Degraded)
	})

	t.Run("defaults to current session", func(t *testing.T) {
		rr := f.do(t, http.MethodGet, "/rank/chg?order=asc&offset=2")
		require.Equal(t, http.StatusOK, rr.Code)
		resp := decode[handlers.RankResponse](t, rr)
		assert.Equal(t, date, resp.Date)
		assert.Equal(t, "live", resp.Session)
		require.Len(t, resp.Entries, 1)
		assert.Equal(t, 3, resp.Entries[0].Rank)
		assert.Equal(t, "NVDA", resp.Entries[0].Symbol)
	})

	t.Run("bad input", func(t *testing.T) {
		for _, target := range []string{
			"/rank/volume",
			"/rank/price?order=up",
			"/rank/price?session=closed",
			"/rank/price?limit=-1",
			"/rank/price?date=yesterday",
		} {
			rr := f.do(t, http.MethodGet, target)
			assert.Equal(t, http.StatusBadRequest, rr.Code, target)
		}
	})

	t.Run("store failure degrades", func(t *testing.T) {
		f.mr.Close()
		rr := f.do(t, http.MethodGet, "/rank/price?date=2024-03-05&session=live")
		require.Equal(t, http.StatusOK, rr.Code)
		resp := decode[handlers.RankResponse](t, rr)
		assert.True(t, resp.Degraded)
		assert.Empty(t, resp.Entries)
	})
}

func TestDLQEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.queue.Enqueue(ctx, dlq.NewIngestJob([]string{"AAPL"}, dlq.ReasonTransient, errors.New("503")))
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, dlq.NewIngestJob([]string{"ZZZ"}, dlq.ReasonNotFound, nil))
	require.NoError(t, err)

	rr := f.do(t, http.MethodGet, "/dlq?type=ingest_symbols")
	require.Equal(t, http.StatusOK, rr.Code)
	list := decode[handlers.DLQListResponse](t, rr)
	assert.EqualValues(t, 2, list.Depth)
	assert.Len(t, list.Jobs, 2)

	rr = f.do(t, http.MethodPost, "/dlq/"+first+"/requeue")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code, "no processor configured")

	f.queue.SetProcessor(replayFunc(func(context.Context, dlq.Job) error {
		return fmt.Errorf("%w: market closed", dlq.ErrDeferred)
	}))
	rr = f.do(t, http.MethodPost, "/dlq/"+first+"/requeue")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "replay_deferred", decode[handlers.ErrorResponse](t, rr).Code)

	f.queue.SetProcessor(replayFunc(func(_ context.Context, job dlq.Job) error {
		if job.Reason == dlq.ReasonNotFound {
			return errors.New("still missing")
		}
		return nil
	}))

	rr = f.do(t, http.MethodPost, "/dlq/"+first+"/requeue")
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = f.do(t, http.MethodPost, "/dlq/does-not-exist/requeue")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "job_not_found", decode[handlers.ErrorResponse](t, rr).Code)

	rr = f.do(t, http.MethodPost, "/dlq/requeue")
	require.Equal(t, http.StatusOK, rr.Code)
	res := decode[dlq.RequeueResult](t, rr)
	assert.Equal(t, dlq.RequeueResult{Requeued: 0, Failed: 1, Total: 1}, res)

	rr = f.do(t, http.MethodDelete, "/dlq")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 1, decode[handlers.PurgeResponse](t, rr).Purged)

	rr = f.do(t, http.MethodGet, "/dlq?limit=x")
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMetricsAndNotFound(t *testing.T) {
	f := newFixture(t)

	f.do(t, http.MethodGet, "/health")
	rr := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "marketrank_health_status")
	assert.Contains(t, string(body), `marketrank_http_request_duration_seconds_count{code="200",method="GET",route="/health"}`)

	rr = f.do(t, http.MethodGet, "/nope")
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "endpoint_not_found", decode[handlers.ErrorResponse](t, rr).Code)
}
