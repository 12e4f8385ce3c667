// Package metrics holds the Prometheus collectors of the service. Every
// method is safe on a nil *Registry so components can run unmetered.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog/log"
)

// Ingest results.
const (
	ResultWritten      = "written"
	ResultDeadLettered = "dead_lettered"
)

// Registry holds all collectors.
type Registry struct {
	IngestSymbols      *prometheus.CounterVec
	IngestSuccessRatio prometheus.Gauge
	BatchDuration      *prometheus.HistogramVec
	RateLimitCooldowns prometheus.Counter

	DLQEnqueues *prometheus.CounterVec
	DLQDepth    prometheus.Gauge

	LockOps *prometheus.CounterVec

	FreshnessAge     *prometheus.GaugeVec
	FreshnessMissing prometheus.Gauge

	HealthStatus     prometheus.Gauge
	OperationHealthy *prometheus.GaugeVec

	HTTPDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// fresh registry.
func New(reg *prometheus.Registry) *Registry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Registry{
		IngestSymbols: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrank_ingest_symbols_total",
				Help: "Symbols processed by ingestion, by result",
			},
			[]string{"result"},
		),
		IngestSuccessRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketrank_ingest_success_ratio",
				Help: "Share of processed symbols written (0.0 to 1.0)",
			},
		),
		BatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketrank_ingest_batch_duration_seconds",
				Help:    "Duration of upstream sub-batch processing in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider", "result"},
		),
		RateLimitCooldowns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "marketrank_ingest_rate_limit_cooldowns_total",
				Help: "Cooldowns taken after upstream rate limiting",
			},
		),
		DLQEnqueues: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrank_dlq_enqueued_total",
				Help: "Jobs dead-lettered, by reason",
			},
			[]string{"reason"},
		),
		DLQDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketrank_dlq_depth",
				Help: "Jobs currently in the dead-letter queue",
			},
		),
		LockOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "marketrank_lock_operations_total",
				Help: "Maintenance lock operations, by operation and result",
			},
			[]string{"op", "result"},
		),
		FreshnessAge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketrank_freshness_age_seconds",
				Help: "Age of last update across the universe, by quantile",
			},
			[]string{"quantile"},
		),
		FreshnessMissing: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketrank_freshness_missing_symbols",
				Help: "Universe symbols with no recorded update",
			},
		),
		HealthStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "marketrank_health_status",
				Help: "Overall health (0=healthy, 1=degraded, 2=unhealthy)",
			},
		),
		OperationHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "marketrank_operation_healthy",
				Help: "Whether a monitored operation is healthy (1) or not (0)",
			},
			[]string{"operation"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "marketrank_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method", "code"},
		),
		gatherer: reg,
	}

	reg.MustRegister(
		m.IngestSymbols, m.IngestSuccessRatio, m.BatchDuration, m.RateLimitCooldowns,
		m.DLQEnqueues, m.DLQDepth, m.LockOps,
		m.FreshnessAge, m.FreshnessMissing,
		m.HealthStatus, m.OperationHealthy, m.HTTPDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Registry) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// RecordSymbols counts processed symbols and refreshes the success ratio.
func (m *Registry) RecordSymbols(written, deadLettered int) {
	if m == nil {
		return
	}
	m.IngestSymbols.WithLabelValues(ResultWritten).Add(float64(written))
	m.IngestSymbols.WithLabelValues(ResultDeadLettered).Add(float64(deadLettered))
	m.updateSuccessRatio()
}

func (m *Registry) updateSuccessRatio() {
	written := counterValue(m.IngestSymbols, ResultWritten)
	failed := counterValue(m.IngestSymbols, ResultDeadLettered)
	if total := written + failed; total > 0 {
		m.IngestSuccessRatio.Set(written / total)
	}
}

func counterValue(vec *prometheus.CounterVec, label string) float64 {
	c, err := vec.GetMetricWithLabelValues(label)
	if err != nil {
		return 0
	}
	var out io_prometheus_client.Metric
	if err := c.Write(&out); err != nil {
		return 0
	}
	return out.GetCounter().GetValue()
}

// ObserveBatch records one sub-batch.
func (m *Registry) ObserveBatch(provider, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.BatchDuration.WithLabelValues(provider, result).Observe(d.Seconds())
}

// RecordCooldown counts one rate-limit cooldown.
func (m *Registry) RecordCooldown() {
	if m == nil {
		return
	}
	m.RateLimitCooldowns.Inc()
}

// RecordDLQEnqueue counts a dead-lettered job.
func (m *Registry) RecordDLQEnqueue(reason string) {
	if m == nil {
		return
	}
	m.DLQEnqueues.WithLabelValues(reason).Inc()
}

// SetDLQDepth sets the queue depth gauge.
func (m *Registry) SetDLQDepth(depth int64) {
	if m == nil {
		return
	}
	m.DLQDepth.Set(float64(depth))
}

// RecordLockOp counts a lock operation.
func (m *Registry) RecordLockOp(op, result string) {
	if m == nil {
		return
	}
	m.LockOps.WithLabelValues(op, result).Inc()
}

// SetFreshness publishes freshness percentiles.
func (m *Registry) SetFreshness(p50, p90, p99 time.Duration, missing int) {
	if m == nil {
		return
	}
	m.FreshnessAge.WithLabelValues("0.5").Set(p50.Seconds())
	m.FreshnessAge.WithLabelValues("0.9").Set(p90.Seconds())
	m.FreshnessAge.WithLabelValues("0.99").Set(p99.Seconds())
	m.FreshnessMissing.Set(float64(missing))
}

// SetHealth publishes the overall status and per-operation health.
func (m *Registry) SetHealth(status string, operations map[string]bool) {
	if m == nil {
		return
	}
	switch status {
	case "healthy":
		m.HealthStatus.Set(0)
	case "degraded":
		m.HealthStatus.Set(1)
	default:
		m.HealthStatus.Set(2)
	}
	for op, ok := range operations {
		v := 0.0
		if ok {
			v = 1
		}
		m.OperationHealthy.WithLabelValues(op).Set(v)
	}
}

// ObserveHTTP records one HTTP request.
func (m *Registry) ObserveHTTP(route, method, code string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(route, method, code).Observe(d.Seconds())
	log.Debug().Str("route", route).Str("code", code).Dur("duration", d).Msg("HTTP request observed")
}
