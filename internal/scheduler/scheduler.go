// Package scheduler runs the periodic jobs on cron schedules in exchange
// local time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketrank/internal/alerts"
	"github.com/sawpanic/marketrank/internal/dlq"
	"github.com/sawpanic/marketrank/internal/freshness"
	"github.com/sawpanic/marketrank/internal/ingest"
	"github.com/sawpanic/marketrank/internal/lock"
	"github.com/sawpanic/marketrank/internal/maintenance"
	"github.com/sawpanic/marketrank/internal/metrics"
	"github.com/sawpanic/marketrank/internal/quotes"
	"github.com/sawpanic/marketrank/internal/session"
	"github.com/sawpanic/marketrank/internal/snapshot"
)

// Config holds standard five-field cron specs. An empty spec disables the
// job.
type Config struct {
	Ingest            string        `yaml:"ingest"`
	DLQRequeue        string        `yaml:"dlq_requeue"`
	StaticRefresh     string        `yaml:"static_refresh"`
	CloseSnapshot     string        `yaml:"close_snapshot"`
	FreshnessCheck    string        `yaml:"freshness_check"`
	DLQDepthThreshold int64         `yaml:"dlq_depth_threshold"`
	LockMaxHold       time.Duration `yaml:"lock_max_hold"`
}

// DefaultConfig polls every minute, refreshes static data before the
// pre-market session and snapshots after the after-hours session closes.
func DefaultConfig() Config {
	return Config{
		Ingest:            "@every 1m",
		DLQRequeue:        "@every 15m",
		StaticRefresh:     "30 3 * * 1-5",
		CloseSnapshot:     "5 20 * * 1-5",
		FreshnessCheck:    "@every 5m",
		DLQDepthThreshold: 100,
		LockMaxHold:       45 * time.Minute,
	}
}

// Validate parses every configured spec.
func (c Config) Validate() error {
	for name, spec := range c.specs() {
		if spec == "" {
			continue
		}
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
	}
	return nil
}

func (c Config) specs() map[string]string {
	return map[string]string{
		"ingest":          c.Ingest,
		"dlq_requeue":     c.DLQRequeue,
		"static_refresh":  c.StaticRefresh,
		"close_snapshot":  c.CloseSnapshot,
		"freshness_check": c.FreshnessCheck,
	}
}

// Ingestor runs one ingestion pass over the universe.
type Ingestor interface {
	RunUniverse(ctx context.Context) (ingest.Result, error)
}

// DeadLetters is the retry side of the DLQ.
type DeadLetters interface {
	RequeueAll(ctx context.Context) (dlq.RequeueResult, error)
	Depth(ctx context.Context) (int64, error)
}

// StaticRefresher refreshes reference data under the static lock.
type StaticRefresher interface {
	Run(ctx context.Context) (maintenance.Result, error)
}

// Snapshotter writes the close-of-day export.
type Snapshotter interface {
	Write(ctx context.Context, date string) (snapshot.Result, error)
}

// FreshnessChecker evaluates universe freshness.
type FreshnessChecker interface {
	Check(ctx context.Context) (freshness.Report, freshness.Alert, error)
}

// LockInspector reads the static lock holder.
type LockInspector interface {
	Inspect(ctx context.Context) (*lock.Holder, error)
}

// Jobs are the scheduled collaborators. Nil entries are not scheduled.
type Jobs struct {
	Ingest    Ingestor
	DLQ       DeadLetters
	Static    StaticRefresher
	Snapshot  Snapshotter
	Freshness FreshnessChecker
	Lock      LockInspector
}

// Scheduler owns the cron runner.
type Scheduler struct {
	cfg       Config
	jobs      Jobs
	clock     *session.Clock
	publisher alerts.Publisher
	metrics   *metrics.Registry
	cron      *cron.Cron

	mu  sync.Mutex
	ctx context.Context
}

// New registers every configured job. publisher and m may be nil.
func New(cfg Config, jobs Jobs, clock *session.Clock, publisher alerts.Publisher, m *metrics.Registry) (*Scheduler, error) {
	if publisher == nil {
		publisher = alerts.LogPublisher{}
	}
	logger := cronLogger{}
	s := &Scheduler{
		cfg:       cfg,
		jobs:      jobs,
		clock:     clock,
		publisher: publisher,
		metrics:   m,
		ctx:       context.Background(),
		cron: cron.New(
			cron.WithLocation(clock.Location()),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
			cron.WithLogger(logger),
		),
	}

	entries := []struct {
		name    string
		spec    string
		enabled bool
		run     func(context.Context) error
	}{
		{"ingest", cfg.Ingest, jobs.Ingest != nil, s.RunIngest},
		{"dlq_requeue", cfg.DLQRequeue, jobs.DLQ != nil, s.RunRequeue},
		{"static_refresh", cfg.StaticRefresh, jobs.Static != nil, s.RunStaticRefresh},
		{"close_snapshot", cfg.CloseSnapshot, jobs.Snapshot != nil, s.RunSnapshot},
		{"freshness_check", cfg.FreshnessCheck, jobs.Freshness != nil || jobs.Lock != nil, s.RunChecks},
	}
	for _, e := range entries {
		if e.spec == "" || !e.enabled {
			continue
		}
		name, run := e.name, e.run
		if _, err := s.cron.AddFunc(e.spec, func() {
			if err := run(s.context()); err != nil {
				log.Error().Err(err).Str("job", name).Msg("Scheduled job failed")
			}
		}); err != nil {
			return nil, fmt.Errorf("schedule %s: %w", name, err)
		}
		log.Info().Str("job", name).Str("spec", e.spec).Msg("Job scheduled")
	}
	return s, nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Entries reports how many jobs are scheduled.
func (s *Scheduler) Entries() int { return len(s.cron.Entries()) }

// Start runs the scheduler until Stop. ctx is handed to every job.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// RunIngest runs one ingestion pass. A run skipped because the market is
// closed or maintenance holds the lock is not an error.
func (s *Scheduler) RunIngest(ctx context.Context) error {
	_, err := s.jobs.Ingest.RunUniverse(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ingest.ErrMaintenance), errors.Is(err, ingest.ErrMarketClosed):
		return nil
	case errors.Is(err, quotes.ErrAuth), errors.Is(err, ingest.ErrMissingCredentials):
		s.publish(ctx, alerts.Alert{
			Kind:     alerts.KindIngestAbort,
			Severity: alerts.SeverityCritical,
			Message:  "Ingestion aborted: upstream credentials rejected",
			Fields:   map[string]interface{}{"error": err.Error()},
		})
	}
	return err
}

// RunRequeue retries eligible dead-lettered jobs and publishes the queue
// depth.
func (s *Scheduler) RunRequeue(ctx context.Context) error {
	res, err := s.jobs.DLQ.RequeueAll(ctx)
	if err != nil {
		return err
	}
	if res.Total > 0 {
		log.Info().Int("requeued", res.Requeued).Int("failed", res.Failed).Int("total", res.Total).Msg("DLQ requeue pass")
	}
	depth, err := s.jobs.DLQ.Depth(ctx)
	if err != nil {
		return err
	}
	s.metrics.SetDLQDepth(depth)
	if s.cfg.DLQDepthThreshold > 0 && depth >= s.cfg.DLQDepthThreshold {
		s.publish(ctx, alerts.Alert{
			Kind:     alerts.KindDLQDepth,
			Severity: alerts.SeverityWarning,
			Message:  "DLQ depth above threshold",
			Fields:   map[string]interface{}{"depth": depth, "threshold": s.cfg.DLQDepthThreshold},
		})
	}
	return nil
}

// RunStaticRefresh refreshes reference data. A concurrent refresh elsewhere
// is not an error.
func (s *Scheduler) RunStaticRefresh(ctx context.Context) error {
	_, err := s.jobs.Static.Run(ctx)
	if errors.Is(err, maintenance.ErrBusy) {
		log.Info().Msg("Static data refresh already running elsewhere")
		return nil
	}
	return err
}

// RunSnapshot exports today's close.
func (s *Scheduler) RunSnapshot(ctx context.Context) error {
	_, err := s.jobs.Snapshot.Write(ctx, s.clock.DateKey(s.clock.Now()))
	return err
}

// RunChecks evaluates freshness and the static lock, publishing an alert
// for each problem found.
func (s *Scheduler) RunChecks(ctx context.Context) error {
	var errs []error
	if s.jobs.Freshness != nil {
		rep, alert, err := s.jobs.Freshness.Check(ctx)
		if err != nil {
			errs = append(errs, err)
		} else {
			s.metrics.SetFreshness(rep.P50, rep.P90, rep.P99, rep.Missing)
			if alert.Breached {
				s.publish(ctx, alerts.Alert{
					Kind:     alerts.KindFreshness,
					Severity: alerts.SeverityWarning,
					Message:  alert.Reason,
					Fields: map[string]interface{}{
						"p99_seconds":       alert.P99.Seconds(),
						"threshold_seconds": alert.Threshold.Seconds(),
						"missing":           rep.Missing,
					},
				})
			}
		}
	}
	if s.jobs.Lock != nil {
		holder, err := s.jobs.Lock.Inspect(ctx)
		if err != nil {
			errs = append(errs, err)
		} else if lock.Suspicious(holder, time.Now(), s.cfg.LockMaxHold) {
			s.publish(ctx, alerts.Alert{
				Kind:     alerts.KindLockSuspicion,
				Severity: alerts.SeverityWarning,
				Message:  "Static data lock held longer than expected",
				Fields: map[string]interface{}{
					"owner":        holder.OwnerID,
					"held_seconds": holder.HeldFor(time.Now()).Seconds(),
				},
			})
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) publish(ctx context.Context, a alerts.Alert) {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	if err := s.publisher.Publish(ctx, a); err != nil {
		log.Warn().Err(err).Str("alert", string(a.Kind)).Msg("Failed to publish alert")
	}
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
