// Package alerts publishes operational alerts to the log and, when
// configured, to NATS subjects.
package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Kind names an alert family; it is also the NATS subject suffix.
type Kind string

const (
	KindFreshness     Kind = "freshness"
	KindLockSuspicion Kind = "lock"
	KindDLQDepth      Kind = "dlq"
	KindIngestAbort   Kind = "ingest"
	KindHealth        Kind = "health"
)

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one operational event.
type Alert struct {
	Kind     Kind                   `json:"kind"`
	Severity Severity               `json:"severity"`
	Message  string                 `json:"message"`
	Fields   map[string]interface{} `json:"fields,omitempty"`
	At       time.Time              `json:"at"`
}

// Publisher delivers alerts.
type Publisher interface {
	Publish(ctx context.Context, a Alert) error
}

// LogPublisher writes alerts through zerolog.
type LogPublisher struct{}

// Publish logs a at warn or error level depending on its severity.
func (LogPublisher) Publish(_ context.Context, a Alert) error {
	var ev *zerolog.Event
	if a.Severity == SeverityCritical {
		ev = log.Error()
	} else {
		ev = log.Warn()
	}
	ev.Str("alert", string(a.Kind)).Str("severity", string(a.Severity)).Fields(a.Fields).Msg(a.Message)
	return nil
}

// Conn is the subset of *nats.Conn used for publishing.
type Conn interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes JSON-encoded alerts on <prefix>.<kind>.
type NATSPublisher struct {
	conn   Conn
	prefix string
	close  func()
}

// NewNATSPublisher publishes on an existing connection.
func NewNATSPublisher(conn Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "alerts"
	}
	return &NATSPublisher{conn: conn, prefix: prefix}
}

// DialNATS connects to url and reconnects forever.
func DialNATS(url, prefix string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("marketrank"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	p := NewNATSPublisher(nc, prefix)
	p.close = nc.Close
	return p, nil
}

// Subject returns the subject an alert of kind is published on.
func (p *NATSPublisher) Subject(kind Kind) string {
	return p.prefix + "." + string(kind)
}

// Publish sends a.
func (p *NATSPublisher) Publish(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	if err := p.conn.Publish(p.Subject(a.Kind), payload); err != nil {
		return fmt.Errorf("publish %s: %w", p.Subject(a.Kind), err)
	}
	return nil
}

// Close drops the connection if the publisher owns it.
func (p *NATSPublisher) Close() {
	if p.close != nil {
		p.close()
	}
}

// Multi fans an alert out to every publisher and joins their errors.
type Multi []Publisher

// Publish delivers a to all publishers.
func (m Multi) Publish(ctx context.Context, a Alert) error {
	if a.At.IsZero() {
		a.At = time.Now().UTC()
	}
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
