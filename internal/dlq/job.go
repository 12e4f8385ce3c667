package dlq

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Priority orders operator attention; low-priority jobs are unlikely to
// ever succeed.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// TypeIngest is the job type for failed symbol ingestion.
const TypeIngest = "ingest_symbols"

// Failure reasons recorded on ingestion jobs.
const (
	ReasonNotFound    = "not_found"
	ReasonTransient   = "transient"
	ReasonRateLimited = "rate_limited"
	ReasonWrite       = "write_failed"
	ReasonResolve     = "resolve_failed"
)

// Job is one dead-lettered unit of work.
type Job struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	Reason        string          `json:"reason"`
	Priority      Priority        `json:"priority"`
	AttemptCount  int             `json:"attempt_count"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastAttemptAt time.Time       `json:"last_attempt_at,omitempty"`
}

// IngestPayload is the minimal payload needed to re-ingest symbols.
type IngestPayload struct {
	Symbols []string `json:"symbols"`
}

// NewIngestJob builds an ingestion job for symbols. Not-found failures are
// low priority.
func NewIngestJob(symbols []string, reason string, lastErr error) Job {
	payload, _ := json.Marshal(IngestPayload{Symbols: symbols})
	job := Job{
		Type:     TypeIngest,
		Payload:  payload,
		Reason:   reason,
		Priority: PriorityNormal,
	}
	if reason == ReasonNotFound {
		job.Priority = PriorityLow
	}
	if lastErr != nil {
		job.LastError = lastErr.Error()
	}
	return job
}

// IngestSymbols decodes the symbols of an ingestion job.
func (j Job) IngestSymbols() ([]string, error) {
	if j.Type != TypeIngest {
		return nil, fmt.Errorf("job %s has type %q", j.ID, j.Type)
	}
	var p IngestPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return nil, fmt.Errorf("job %s payload: %w", j.ID, err)
	}
	return p.Symbols, nil
}

// Policy bounds retry eligibility.
type Policy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	MaxAge      time.Duration `yaml:"max_age"`
}

// DefaultPolicy allows five attempts within 48 hours.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 5, MaxAge: 48 * time.Hour}
}

// ShouldRetry reports whether job is still eligible for automatic requeue.
// Jobs past either limit stay in the queue until purged.
func (p Policy) ShouldRetry(job Job, now time.Time) bool {
	if job.AttemptCount >= p.MaxAttempts {
		return false
	}
	return now.Sub(job.CreatedAt) < p.MaxAge
}

const (
	fID            = "id"
	fType          = "type"
	fPayload       = "payload"
	fReason        = "reason"
	fPriority      = "priority"
	fAttemptCount  = "attempt_count"
	fLastError     = "last_error"
	fCreatedAt     = "created_at"
	fLastAttemptAt = "last_attempt_at"
)

func encodeJob(j Job) map[string]interface{} {
	m := map[string]interface{}{
		fID:           j.ID,
		fType:         j.Type,
		fPayload:      string(j.Payload),
		fReason:       j.Reason,
		fPriority:     string(j.Priority),
		fAttemptCount: j.AttemptCount,
		fLastError:    j.LastError,
		fCreatedAt:    j.CreatedAt.UnixMilli(),
	}
	if !j.LastAttemptAt.IsZero() {
		m[fLastAttemptAt] = j.LastAttemptAt.UnixMilli()
	}
	return m
}

// decodeJob is the single typed decode for job hashes.
func decodeJob(m map[string]string) (Job, error) {
	j := Job{
		ID:        m[fID],
		Type:      m[fType],
		Payload:   json.RawMessage(m[fPayload]),
		Reason:    m[fReason],
		Priority:  Priority(m[fPriority]),
		LastError: m[fLastError],
	}
	if j.ID == "" {
		return j, fmt.Errorf("job missing id")
	}
	if j.Priority == "" {
		j.Priority = PriorityNormal
	}

	var err error
	if v := m[fAttemptCount]; v != "" {
		if j.AttemptCount, err = strconv.Atoi(v); err != nil {
			return j, fmt.Errorf("job %s: bad %s: %w", j.ID, fAttemptCount, err)
		}
	}
	ms, err := strconv.ParseInt(m[fCreatedAt], 10, 64)
	if err != nil {
		return j, fmt.Errorf("job %s: bad %s: %w", j.ID, fCreatedAt, err)
	}
	j.CreatedAt = time.UnixMilli(ms)
	if v := m[fLastAttemptAt]; v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return j, fmt.Errorf("job %s: bad %s: %w", j.ID, fLastAttemptAt, err)
		}
		j.LastAttemptAt = time.UnixMilli(ms)
	}
	return j, nil
}
