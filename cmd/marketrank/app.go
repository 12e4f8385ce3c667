package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/marketrank/internal/alerts"
	"github.com/sawpanic/marketrank/internal/config"
	"github.com/sawpanic/marketrank/internal/dlq"
	"github.com/sawpanic/marketrank/internal/freshness"
	"github.com/sawpanic/marketrank/internal/health"
	"github.com/sawpanic/marketrank/internal/ingest"
	"github.com/sawpanic/marketrank/internal/lock"
	"github.com/sawpanic/marketrank/internal/maintenance"
	"github.com/sawpanic/marketrank/internal/metadata"
	"github.com/sawpanic/marketrank/internal/metrics"
	"github.com/sawpanic/marketrank/internal/quotes"
	"github.com/sawpanic/marketrank/internal/rank"
	"github.com/sawpanic/marketrank/internal/reference"
	"github.com/sawpanic/marketrank/internal/session"
	"github.com/sawpanic/marketrank/internal/snapshot"
	"github.com/sawpanic/marketrank/internal/store"
)

// app is the wired component graph shared by every command.
type app struct {
	cfg       config.Config
	store     *store.Store
	clock     *session.Clock
	metrics   *metrics.Registry
	index     *rank.Index
	refs      *reference.Cache
	queue     *dlq.Queue
	lock      *lock.Lock
	monitor   *health.Monitor
	freshness *freshness.Monitor
	reporter  *health.Reporter
	worker    *ingest.Worker
	snapshot  *snapshot.Writer
	publisher alerts.Publisher

	closers []func()
}

func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	clock, err := session.Load(cfg.Session.Timezone, cfg.Session.Boundaries)
	if err != nil {
		return nil, err
	}
	s, err := store.New(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a := &app{
		cfg:     cfg,
		store:   s,
		clock:   clock,
		metrics: metrics.New(reg),
		index:   rank.NewIndex(s, cfg.Rank),
		refs:    reference.NewCache(s),
		queue:   dlq.NewQueue(s, cfg.DLQ),
		lock:    lock.New(s, store.StaticLockKey, cfg.Lock.TTL),
		monitor: health.NewMonitor(s, cfg.Health.Monitor),
	}
	a.closers = append(a.closers, func() { _ = s.Close() })

	tracker := freshness.NewTracker(s, cfg.Freshness)
	a.freshness = freshness.NewMonitor(tracker, a.refs, clock)
	a.reporter = health.NewReporter(cfg.Health.Reporter, s, a.monitor, a.freshness, a.queue, a.lock)
	a.snapshot = snapshot.NewWriter(cfg.Snapshot.Dir, a.index, a.refs, a.monitor)

	provider, err := newProvider(cfg.Quotes)
	if err != nil {
		a.close()
		return nil, err
	}
	a.worker = ingest.NewWorker(cfg.Ingest, ingest.Deps{
		Provider:    provider,
		Index:       a.index,
		DLQ:         a.queue,
		References:  a.refs,
		Health:      a.monitor,
		Gate:        a.lock,
		Markers:     s,
		Clock:       clock,
		Metrics:     a.metrics,
		Credentials: cfg.Quotes.Credentials,
	})
	a.queue.SetProcessor(a.worker)

	a.publisher = alerts.LogPublisher{}
	if cfg.Alerts.NATSURL != "" {
		np, err := alerts.DialNATS(cfg.Alerts.NATSURL, cfg.Alerts.SubjectPrefix)
		if err != nil {
			log.Warn().Err(err).Msg("NATS unavailable, alerts go to the log only")
		} else {
			a.publisher = alerts.Multi{alerts.LogPublisher{}, np}
			a.closers = append(a.closers, np.Close)
		}
	}
	return a, nil
}

func newProvider(qc config.QuotesConfig) (quotes.Provider, error) {
	switch qc.Provider {
	case "alpaca":
		return quotes.NewAlpacaProvider(qc.Alpaca), nil
	case "http":
		return quotes.NewHTTPProvider(qc.HTTP, nil)
	default:
		return nil, fmt.Errorf("unknown quotes provider %q", qc.Provider)
	}
}

// staticUpdater opens the metadata database, which only maintenance needs.
func (a *app) staticUpdater() (*maintenance.StaticUpdater, error) {
	if !a.cfg.Database.Enabled {
		return nil, fmt.Errorf("database is not configured; set database.dsn or PG_DSN")
	}
	repo, err := metadata.Open(a.cfg.Database)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = repo.Close() })
	return maintenance.NewStaticUpdater(a.cfg.Maintenance, repo, a.refs, a.lock, a.store, a.monitor, a.metrics), nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func contextWithTimeout(cmd *cobra.Command, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(cmd.Context())
	}
	return context.WithTimeout(cmd.Context(), d)
}
