package handlers

import (
	"time"

	"github.com/sawpanic/marketrank/internal/dlq"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// RankEntry is one row of a ranked view.
type RankEntry struct {
	Rank   int     `json:"rank"`
	Symbol string  `json:"symbol"`
	Value  float64 `json:"value"`
}

// RankResponse is a page of a ranked view. Degraded is set when the store
// could not be read and Entries is empty for that reason.
type RankResponse struct {
	Date     string      `json:"date"`
	Session  string      `json:"session"`
	Field    string      `json:"field"`
	Order    string      `json:"order"`
	Offset   int         `json:"offset"`
	Limit    int         `json:"limit"`
	Total    int64       `json:"total"`
	Entries  []RankEntry `json:"entries"`
	Degraded bool        `json:"degraded,omitempty"`
}

// DLQListResponse lists dead-lettered jobs.
type DLQListResponse struct {
	Depth int64     `json:"depth"`
	Jobs  []dlq.Job `json:"jobs"`
}

// PurgeResponse reports how many jobs were removed.
type PurgeResponse struct {
	Purged int `json:"purged"`
}
