package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketrank/internal/freshness"
	"github.com/sawpanic/marketrank/internal/lock"
)

// Status is the overall service health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Pinger checks the primary read/write path.
type Pinger interface {
	Ping(ctx context.Context) error
}

// FreshnessChecker evaluates universe freshness.
type FreshnessChecker interface {
	Check(ctx context.Context) (freshness.Report, freshness.Alert, error)
}

// DepthReader reports the dead-letter backlog.
type DepthReader interface {
	Depth(ctx context.Context) (int64, error)
}

// LockInspector reports the maintenance lock holder.
type LockInspector interface {
	Inspect(ctx context.Context) (*lock.Holder, error)
}

// ReporterConfig sets degradation thresholds.
type ReporterConfig struct {
	DLQDepthThreshold int64         `yaml:"dlq_depth_threshold"`
	LockMaxHold       time.Duration `yaml:"lock_max_hold"`
}

// DefaultReporterConfig degrades at 100 dead-lettered jobs or a lock held
// past 45 minutes.
func DefaultReporterConfig() ReporterConfig {
	return ReporterConfig{DLQDepthThreshold: 100, LockMaxHold: 45 * time.Minute}
}

// CheckResult is one component check.
type CheckResult struct {
	Status   string        `json:"status"` // "pass", "warn", "fail"
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

// FreshnessSummary is the freshness section of a report.
type FreshnessSummary struct {
	freshness.Report
	Alert freshness.Alert `json:"alert"`
}

// LockSummary is the lock section of a report.
type LockSummary struct {
	Held       bool          `json:"held"`
	Owner      string        `json:"owner,omitempty"`
	HeldFor    time.Duration `json:"held_for,omitempty"`
	TTL        time.Duration `json:"ttl,omitempty"`
	Suspicious bool          `json:"suspicious"`
}

// Report is the aggregated health.
type Report struct {
	Status     Status                 `json:"status"`
	Timestamp  time.Time              `json:"timestamp"`
	Store      CheckResult            `json:"store"`
	Operations []OperationStatus      `json:"operations,omitempty"`
	Freshness  *FreshnessSummary      `json:"freshness,omitempty"`
	DLQDepth   int64                  `json:"dlq_depth"`
	Lock       *LockSummary           `json:"lock,omitempty"`
	Checks     map[string]CheckResult `json:"checks"`
	Reasons    []string               `json:"reasons,omitempty"`
}

// Reporter aggregates component health. Nil collaborators are skipped.
type Reporter struct {
	cfg       ReporterConfig
	store     Pinger
	monitor   *Monitor
	freshness FreshnessChecker
	dlq       DepthReader
	lock      LockInspector
	now       func() time.Time
}

// NewReporter creates a reporter.
func NewReporter(cfg ReporterConfig, store Pinger, monitor *Monitor, fresh FreshnessChecker, dlq DepthReader, lk LockInspector) *Reporter {
	return &Reporter{
		cfg:       cfg,
		store:     store,
		monitor:   monitor,
		freshness: fresh,
		dlq:       dlq,
		lock:      lk,
		now:       time.Now,
	}
}

// WithClock overrides the time source.
func (r *Reporter) WithClock(now func() time.Time) *Reporter {
	r.now = now
	return r
}

// Check gathers every component check. Unreachable storage is unhealthy;
// every other failure only degrades.
func (r *Reporter) Check(ctx context.Context) Report {
	rep := Report{
		Status:    StatusHealthy,
		Timestamp: r.now(),
		Checks:    make(map[string]CheckResult),
	}

	start := time.Now()
	if err := r.store.Ping(ctx); err != nil {
		rep.Store = CheckResult{Status: "fail", Message: err.Error(), Duration: time.Since(start)}
		rep.Status = StatusUnhealthy
		rep.Reasons = append(rep.Reasons, "store unreachable")
		log.Error().Err(err).Msg("Health check: store unreachable")
		return rep
	}
	rep.Store = CheckResult{Status: "pass", Duration: time.Since(start)}

	if r.monitor != nil {
		r.checkOperations(ctx, &rep)
	}
	if r.freshness != nil {
		r.checkFreshness(ctx, &rep)
	}
	if r.dlq != nil {
		r.checkDLQ(ctx, &rep)
	}
	if r.lock != nil {
		r.checkLock(ctx, &rep)
	}
	return rep
}

func (rep *Report) degrade(check, reason string) {
	rep.Status = StatusDegraded
	rep.Reasons = append(rep.Reasons, reason)
	c := rep.Checks[check]
	c.Status = "warn"
	c.Message = reason
	rep.Checks[check] = c
}

func (r *Reporter) checkOperations(ctx context.Context, rep *Report) {
	ops, err := r.monitor.All(ctx)
	if err != nil {
		rep.degrade("operations", fmt.Sprintf("operation status unavailable: %v", err))
		return
	}
	rep.Operations = ops
	rep.Checks["operations"] = CheckResult{Status: "pass"}
	for _, op := range ops {
		if !op.Healthy {
			rep.degrade("operations", fmt.Sprintf("operation %s unhealthy", op.Operation))
		}
	}
}

func (r *Reporter) checkFreshness(ctx context.Context, rep *Report) {
	fr, alert, err := r.freshness.Check(ctx)
	if err != nil {
		rep.degrade("freshness", fmt.Sprintf("freshness unavailable: %v", err))
		return
	}
	rep.Freshness = &FreshnessSummary{Report: fr, Alert: alert}
	rep.Checks["freshness"] = CheckResult{Status: "pass"}
	if alert.Breached {
		rep.degrade("freshness", alert.Reason)
	}
}

func (r *Reporter) checkDLQ(ctx context.Context, rep *Report) {
	depth, err := r.dlq.Depth(ctx)
	if err != nil {
		rep.degrade("dlq", fmt.Sprintf("dlq depth unavailable: %v", err))
		return
	}
	rep.DLQDepth = depth
	rep.Checks["dlq"] = CheckResult{Status: "pass"}
	if r.cfg.DLQDepthThreshold > 0 && depth >= r.cfg.DLQDepthThreshold {
		rep.degrade("dlq", fmt.Sprintf("dlq depth %d at or above %d", depth, r.cfg.DLQDepthThreshold))
	}
}

func (r *Reporter) checkLock(ctx context.Context, rep *Report) {
	h, err := r.lock.Inspect(ctx)
	if err != nil {
		rep.degrade("lock", fmt.Sprintf("lock state unavailable: %v", err))
		return
	}
	now := r.now()
	summary := &LockSummary{}
	if h != nil {
		summary.Held = true
		summary.Owner = h.OwnerID
		summary.HeldFor = h.HeldFor(now)
		summary.TTL = h.TTL
		summary.Suspicious = lock.Suspicious(h, now, r.cfg.LockMaxHold)
	}
	rep.Lock = summary
	rep.Checks["lock"] = CheckResult{Status: "pass"}
	if summary.Suspicious {
		rep.degrade("lock", fmt.Sprintf("maintenance lock held for %s by %s", summary.HeldFor.Round(time.Second), summary.Owner))
	}
}
