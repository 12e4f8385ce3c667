// Package ingest polls the upstream quote provider and writes resolved
// records into the rank index. Per-symbol failures are dead-lettered; only
// credential failures abort a run.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/marketrank/internal/dlq"
	"github.com/sawpanic/marketrank/internal/health"
	"github.com/sawpanic/marketrank/internal/metrics"
	"github.com/sawpanic/marketrank/internal/quotes"
	"github.com/sawpanic/marketrank/internal/rank"
	"github.com/sawpanic/marketrank/internal/reference"
	"github.com/sawpanic/marketrank/internal/session"
	"github.com/sawpanic/marketrank/internal/store"
)

var (
	// ErrMissingCredentials aborts a run before any upstream call.
	ErrMissingCredentials = quotes.ErrMissingCredentials
	// ErrMaintenance is returned when a run is skipped because the static
	// data lock is held.
	ErrMaintenance = errors.New("static data maintenance in progress")
	// ErrMarketClosed is returned when a run is skipped because the market
	// is closed. Readers fall back to the latest after-hours snapshot.
	ErrMarketClosed = errors.New("market closed")
)

// Config holds the ingestion tuning values.
type Config struct {
	BatchSize         int           `yaml:"batch_size"`
	BatchDelay        time.Duration `yaml:"batch_delay"`
	Concurrency       int           `yaml:"concurrency"`
	InlineRetries     int           `yaml:"inline_retries"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	RateLimitCooldown time.Duration `yaml:"rate_limit_cooldown"`
	MaxCooldowns      int           `yaml:"max_cooldowns"`
}

// DefaultConfig dead-letters transient failures immediately.
func DefaultConfig() Config {
	return Config{
		BatchSize:         50,
		BatchDelay:        250 * time.Millisecond,
		Concurrency:       8,
		InlineRetries:     0,
		RetryBackoff:      500 * time.Millisecond,
		RateLimitCooldown: time.Minute,
		MaxCooldowns:      3,
	}
}

// Indexer is the write side of the rank index.
type Indexer interface {
	Upsert(ctx context.Context, date string, sess session.Session, symbol string, f rank.Fields) error
}

// DeadLetter accepts failed units of work.
type DeadLetter interface {
	Enqueue(ctx context.Context, job dlq.Job) (string, error)
}

// ReferenceSource provides the universe and its static data.
type ReferenceSource interface {
	Get(ctx context.Context, symbols []string) (map[string]reference.Reference, error)
	Universe(ctx context.Context) ([]string, error)
}

// HealthRecorder records run outcomes.
type HealthRecorder interface {
	RecordSuccess(ctx context.Context, op health.Operation, count int) error
	RecordFailure(ctx context.Context, op health.Operation, err error) error
}

// Gate reports whether maintenance currently excludes ingestion.
type Gate interface {
	Held(ctx context.Context) (bool, error)
}

// MarkerWriter stores scalar progress markers.
type MarkerWriter interface {
	SetMarker(ctx context.Context, key string, value interface{}) error
}

// Deps are the worker's collaborators. Health, Gate, Markers and Metrics
// are optional.
type Deps struct {
	Provider    quotes.Provider
	Resolver    Resolver
	Index       Indexer
	DLQ         DeadLetter
	References  ReferenceSource
	Health      HealthRecorder
	Gate        Gate
	Markers     MarkerWriter
	Clock       *session.Clock
	Metrics     *metrics.Registry
	Credentials quotes.Credentials
}

// Result summarises one run.
type Result struct {
	Requested    int             `json:"requested"`
	Skipped      int             `json:"skipped"`
	Written      int             `json:"written"`
	DeadLettered int             `json:"dead_lettered"`
	Cooldowns    int             `json:"cooldowns"`
	Date         string          `json:"date"`
	Session      session.Session `json:"session"`
	Duration     time.Duration   `json:"duration"`
}

// Worker is the IngestionWorker.
type Worker struct {
	cfg   Config
	deps  Deps
	sleep func(ctx context.Context, d time.Duration) error
}

// NewWorker creates a worker.
func NewWorker(cfg Config, deps Deps) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if deps.Resolver == nil {
		deps.Resolver = DefaultResolver{}
	}
	return &Worker{cfg: cfg, deps: deps, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// normalize upper-cases, de-duplicates and validates symbols, keeping the
// first-seen order.
func normalize(symbols []string) ([]string, int) {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	skipped := 0
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if !rank.ValidSymbol(s) {
			log.Warn().Str("symbol", s).Msg("Skipping invalid symbol")
			skipped++
			continue
		}
		out = append(out, s)
	}
	return out, skipped
}

// IngestBatch fetches, resolves and writes symbols in sub-batches. It
// returns an error only when the run is aborted or skipped (ErrMarketClosed,
// ErrMaintenance); per-symbol failures are dead-lettered and counted in the
// result.
func (w *Worker) IngestBatch(ctx context.Context, symbols []string, creds quotes.Credentials) (Result, error) {
	res, _, err := w.ingest(ctx, symbols, creds, true)
	if skippedRun(err) {
		log.Info().Err(err).Str("date", res.Date).Int("written", res.Written).Msg("Ingestion run skipped")
		return res, err
	}
	if err != nil {
		w.recordFailure(ctx, err)
		return res, err
	}

	if w.deps.Markers != nil {
		if err := w.deps.Markers.SetMarker(ctx, store.WorkerLastSuccessKey, time.Now().UnixMilli()); err != nil {
			log.Warn().Err(err).Msg("Failed to write worker success marker")
		}
	}
	if w.deps.Health != nil {
		_ = w.deps.Health.RecordSuccess(ctx, health.OpIngestionLoop, res.Written)
	}
	w.deps.Metrics.RecordSymbols(res.Written, res.DeadLettered)

	log.Info().
		Str("date", res.Date).
		Str("session", string(res.Session)).
		Int("requested", res.Requested).
		Int("written", res.Written).
		Int("dead_lettered", res.DeadLettered).
		Int("cooldowns", res.Cooldowns).
		Dur("duration", res.Duration).
		Msg("Ingestion run complete")
	return res, nil
}

// skippedRun reports whether err stopped a run without anything going wrong.
func skippedRun(err error) bool {
	return errors.Is(err, ErrMarketClosed) || errors.Is(err, ErrMaintenance)
}

func (w *Worker) recordFailure(ctx context.Context, err error) {
	log.Error().Err(err).Msg("Ingestion run aborted")
	if w.deps.Health != nil {
		_ = w.deps.Health.RecordFailure(ctx, health.OpIngestionLoop, err)
	}
}

func (w *Worker) ingest(ctx context.Context, symbols []string, creds quotes.Credentials, deadLetter bool) (Result, *run, error) {
	start := time.Now()
	if err := quotes.ValidateFor(w.deps.Provider, creds); err != nil {
		return Result{}, nil, fmt.Errorf("ingest: %w", err)
	}

	syms, invalid := normalize(symbols)
	date, stored, actual := w.deps.Clock.Current()
	res := Result{Requested: len(syms), Skipped: invalid, Date: date, Session: stored}
	if actual == session.Closed {
		return res, nil, ErrMarketClosed
	}

	refs := map[string]reference.Reference{}
	if w.deps.References != nil && len(syms) > 0 {
		var err error
		if refs, err = w.deps.References.Get(ctx, syms); err != nil {
			return res, nil, fmt.Errorf("load references: %w", err)
		}
	}

	r := &run{w: w, creds: creds, date: date, sess: stored, refs: refs, deadLetter: deadLetter}
	var runErr error
	for i := 0; i < len(syms); i += w.cfg.BatchSize {
		if i > 0 {
			if err := w.sleep(ctx, w.cfg.BatchDelay); err != nil {
				runErr = err
				break
			}
		}
		// Maintenance may have started during the previous sub-batch.
		if err := w.checkGate(ctx); err != nil {
			runErr = err
			break
		}
		end := i + w.cfg.BatchSize
		if end > len(syms) {
			end = len(syms)
		}
		if err := r.subBatch(ctx, syms[i:end]); err != nil {
			runErr = err
			break
		}
	}

	res.Written = int(r.written.Load())
	res.DeadLettered = int(r.deadLettered.Load())
	res.Cooldowns = int(r.cooldowns.Load())
	res.Duration = time.Since(start)
	return res, r, runErr
}

// RunUniverse ingests the whole tracked universe with the worker's
// credentials. It is skipped while static-data maintenance holds the lock.
func (w *Worker) RunUniverse(ctx context.Context) (Result, error) {
	if err := w.checkGate(ctx); err != nil {
		if errors.Is(err, ErrMaintenance) {
			log.Info().Msg("Skipping ingestion while static data maintenance runs")
		}
		return Result{}, err
	}
	if w.deps.References == nil {
		return Result{}, fmt.Errorf("no universe source configured")
	}
	symbols, err := w.deps.References.Universe(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("load universe: %w", err)
	}
	return w.IngestBatch(ctx, symbols, w.deps.Credentials)
}

// checkGate returns ErrMaintenance while the static data lock is held.
func (w *Worker) checkGate(ctx context.Context) error {
	if w.deps.Gate == nil {
		return nil
	}
	held, err := w.deps.Gate.Held(ctx)
	if err != nil {
		return fmt.Errorf("check maintenance lock: %w", err)
	}
	if held {
		return ErrMaintenance
	}
	return nil
}

// Replay implements dlq.Processor. It succeeds only when every symbol of
// the job was written; failures are reported to the queue instead of being
// dead-lettered again. Replays are deferred while the market is closed or
// maintenance runs.
func (w *Worker) Replay(ctx context.Context, job dlq.Job) error {
	symbols, err := job.IngestSymbols()
	if err != nil {
		return err
	}
	res, r, err := w.ingest(ctx, symbols, w.deps.Credentials, false)
	if skippedRun(err) {
		return fmt.Errorf("%w: %w", dlq.ErrDeferred, err)
	}
	if err != nil {
		return err
	}
	if r != nil && len(r.failures) > 0 {
		return fmt.Errorf("%d of %d symbols failed: %w", len(r.failures), res.Requested, errors.Join(r.failures...))
	}
	if res.Written == 0 && res.Requested > 0 {
		return fmt.Errorf("no symbols written")
	}
	return nil
}

// run is the state of one ingestion call.
type run struct {
	w          *Worker
	creds      quotes.Credentials
	date       string
	sess       session.Session
	refs       map[string]reference.Reference
	deadLetter bool

	written      atomic.Int64
	deadLettered atomic.Int64
	cooldowns    atomic.Int64

	mu       sync.Mutex
	failures []error
}

// subBatch processes symbols as a work list of units. A unit that fails as
// a whole with not found is replaced by one unit per symbol.
func (r *run) subBatch(ctx context.Context, symbols []string) error {
	units := [][]string{symbols}
	for len(units) > 0 {
		isolated, err := r.unit(ctx, units[0])
		if err != nil {
			return err
		}
		units = append(isolated, units[1:]...)
	}
	return nil
}

// unit fetches and writes one group of symbols, cooling down on rate limits.
// It returns the single-symbol groups still to fetch when the whole group
// was rejected as not found.
func (r *run) unit(ctx context.Context, symbols []string) ([][]string, error) {
	cfg := r.w.cfg
	pending := symbols
	cooldowns := 0

	for len(pending) > 0 {
		started := time.Now()
		batch, err := r.fetch(ctx, pending)
		if err != nil {
			kind := quotes.Classify(err)
			r.w.deps.Metrics.ObserveBatch(r.w.deps.Provider.Name(), string(kind), time.Since(started))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			switch kind {
			case quotes.KindAuth:
				return nil, fmt.Errorf("upstream rejected credentials: %w", err)
			case quotes.KindRateLimited:
				if cooldowns < cfg.MaxCooldowns {
					cooldowns++
					if err := r.cooldown(ctx, quotes.RetryAfter(err)); err != nil {
						return nil, err
					}
					continue
				}
				r.fail(ctx, pending, dlq.ReasonRateLimited, err)
			case quotes.KindNotFound:
				if len(pending) > 1 {
					isolated := make([][]string, len(pending))
					for i, sym := range pending {
						isolated[i] = []string{sym}
					}
					return isolated, nil
				}
				r.fail(ctx, pending, dlq.ReasonNotFound, err)
			default:
				r.fail(ctx, pending, dlq.ReasonTransient, err)
			}
			return nil, nil
		}
		r.w.deps.Metrics.ObserveBatch(r.w.deps.Provider.Name(), "ok", time.Since(started))

		for _, sym := range pending {
			if e, ok := batch.Errors[sym]; ok && quotes.Classify(e) == quotes.KindAuth {
				return nil, fmt.Errorf("upstream rejected credentials for %s: %w", sym, e)
			}
		}

		var retry []string
		var retryAfter time.Duration
		g := new(errgroup.Group)
		g.SetLimit(cfg.Concurrency)
		for _, sym := range pending {
			sym := sym
			if q, ok := batch.Quotes[sym]; ok {
				g.Go(func() error {
					r.write(ctx, sym, q)
					return nil
				})
				continue
			}
			e, ok := batch.Errors[sym]
			if !ok {
				r.fail(ctx, []string{sym}, dlq.ReasonNotFound, fmt.Errorf("%w: %s", quotes.ErrNotFound, sym))
				continue
			}
			switch quotes.Classify(e) {
			case quotes.KindRateLimited:
				retry = append(retry, sym)
				if d := quotes.RetryAfter(e); d > retryAfter {
					retryAfter = d
				}
			case quotes.KindNotFound:
				r.fail(ctx, []string{sym}, dlq.ReasonNotFound, e)
			default:
				r.fail(ctx, []string{sym}, dlq.ReasonTransient, e)
			}
		}
		_ = g.Wait()

		if len(retry) == 0 {
			return nil, nil
		}
		if cooldowns >= cfg.MaxCooldowns {
			r.fail(ctx, retry, dlq.ReasonRateLimited, quotes.ErrRateLimited)
			return nil, nil
		}
		cooldowns++
		if err := r.cooldown(ctx, retryAfter); err != nil {
			return nil, err
		}
		pending = retry
	}
	return nil, nil
}

// fetch calls the provider, retrying transient failures inline with
// exponential backoff.
func (r *run) fetch(ctx context.Context, symbols []string) (quotes.Batch, error) {
	cfg := r.w.cfg
	for attempt := 0; ; attempt++ {
		batch, err := r.w.deps.Provider.Fetch(ctx, r.creds, symbols)
		if err == nil || quotes.Classify(err) != quotes.KindTransient || attempt >= cfg.InlineRetries || ctx.Err() != nil {
			return batch, err
		}
		backoff := cfg.RetryBackoff << attempt
		log.Debug().Err(err).Int("attempt", attempt+1).Dur("backoff", backoff).Int("symbols", len(symbols)).Msg("Retrying transient upstream failure")
		if err := r.w.sleep(ctx, backoff); err != nil {
			return quotes.Batch{}, err
		}
	}
}

func (r *run) cooldown(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		d = r.w.cfg.RateLimitCooldown
	}
	r.cooldowns.Add(1)
	r.w.deps.Metrics.RecordCooldown()
	log.Warn().Dur("cooldown", d).Msg("Upstream rate limited, cooling down")
	return r.w.sleep(ctx, d)
}

func (r *run) write(ctx context.Context, sym string, q quotes.RawQuote) {
	fields, err := r.w.deps.Resolver.Resolve(q, r.refs[sym])
	if err != nil {
		r.fail(ctx, []string{sym}, dlq.ReasonResolve, err)
		return
	}
	if err := r.w.deps.Index.Upsert(ctx, r.date, r.sess, sym, fields); err != nil {
		r.fail(ctx, []string{sym}, dlq.ReasonWrite, err)
		return
	}
	r.written.Add(1)
}

// fail dead-letters symbols, or collects the failure when replaying.
func (r *run) fail(ctx context.Context, symbols []string, reason string, cause error) {
	if !r.deadLetter {
		r.mu.Lock()
		r.failures = append(r.failures, fmt.Errorf("%s: %w", strings.Join(symbols, ","), cause))
		r.mu.Unlock()
		return
	}

	sorted := append([]string(nil), symbols...)
	sort.Strings(sorted)
	log.Warn().Err(cause).Strs("symbols", sorted).Str("reason", reason).Msg("Ingestion unit failed")

	r.deadLettered.Add(int64(len(symbols)))
	r.w.deps.Metrics.RecordDLQEnqueue(reason)
	if _, err := r.w.deps.DLQ.Enqueue(ctx, dlq.NewIngestJob(sorted, reason, cause)); err != nil {
		log.Error().Err(err).Strs("symbols", sorted).Msg("Failed to dead-letter ingestion unit")
	}
}
