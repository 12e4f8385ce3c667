package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketrank/internal/dlq"
	"github.com/sawpanic/marketrank/internal/health"
	"github.com/sawpanic/marketrank/internal/metrics"
	"github.com/sawpanic/marketrank/internal/rank"
	"github.com/sawpanic/marketrank/internal/session"
)

type ctxKey int

const requestIDKey ctxKey = iota

// WithRequestID stores the request id for error responses.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the id stored by WithRequestID.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return "unknown"
}

// HealthChecker builds the aggregated health report.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
}

// DeadLetters is the operator side of the DLQ.
type DeadLetters interface {
	List(ctx context.Context, typeFilter string, limit int) ([]dlq.Job, error)
	Depth(ctx context.Context) (int64, error)
	RequeueOne(ctx context.Context, id string) error
	RequeueAll(ctx context.Context) (dlq.RequeueResult, error)
	Purge(ctx context.Context) (int, error)
}

// Ranker serves ranked views.
type Ranker interface {
	RankedEntries(ctx context.Context, date string, sess session.Session, field rank.Field, order rank.Order, offset, limit int) ([]rank.Entry, error)
	Count(ctx context.Context, date string, sess session.Session, field rank.Field) (int64, error)
}

// Handlers serves the operator endpoints.
type Handlers struct {
	health    HealthChecker
	dlq       DeadLetters
	rank      Ranker
	clock     *session.Clock
	metrics   *metrics.Registry
	rankLimit int
}

// NewHandlers wires the endpoint handlers. m may be nil.
func NewHandlers(h HealthChecker, q DeadLetters, r Ranker, clock *session.Clock, m *metrics.Registry, rankLimit int) *Handlers {
	if rankLimit <= 0 {
		rankLimit = 500
	}
	return &Handlers{health: h, dlq: q, rank: r, clock: clock, metrics: m, rankLimit: rankLimit}
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: RequestID(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// NotFound handles unknown routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found", "The requested endpoint does not exist")
}
