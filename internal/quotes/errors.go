package quotes

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies upstream failures by how the worker must react.
type Kind string

const (
	KindAuth        Kind = "auth"
	KindNotFound    Kind = "not_found"
	KindRateLimited Kind = "rate_limited"
	KindTransient   Kind = "transient"
)

var (
	ErrMissingCredentials = errors.New("missing upstream credentials")
	ErrAuth               = errors.New("upstream rejected credentials")
	ErrNotFound           = errors.New("symbol not found upstream")
	ErrRateLimited        = errors.New("upstream rate limited")
	ErrTransient          = errors.New("transient upstream failure")
)

func (k Kind) sentinel() error {
	switch k {
	case KindAuth:
		return ErrAuth
	case KindNotFound:
		return ErrNotFound
	case KindRateLimited:
		return ErrRateLimited
	default:
		return ErrTransient
	}
}

// Error is an upstream failure carrying its classification. It matches the
// sentinel of its Kind under errors.Is.
type Error struct {
	Provider   string
	Kind       Kind
	Symbol     string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.Symbol != "" {
		msg += " " + e.Symbol
	}
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// KindForStatus maps an HTTP status code to a Kind. ok is false for
// non-error statuses.
func KindForStatus(code int) (Kind, bool) {
	switch {
	case code == 401 || code == 403:
		return KindAuth, true
	case code == 404:
		return KindNotFound, true
	case code == 429:
		return KindRateLimited, true
	case code >= 400:
		return KindTransient, true
	default:
		return "", false
	}
}

// Classify returns the Kind of err. Unknown errors are transient.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Kind
	}
	switch {
	case errors.Is(err, ErrMissingCredentials), errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	}
	// Open breakers, deadlines and network errors are all retryable.
	return KindTransient
}

// RetryAfter returns the server-requested wait carried by err, if any.
func RetryAfter(err error) time.Duration {
	var qe *Error
	if errors.As(err, &qe) {
		return qe.RetryAfter
	}
	return 0
}
