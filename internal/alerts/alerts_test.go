package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	if c.err != nil {
		return c.err
	}
	c.subjects = append(c.subjects, subject)
	c.payloads = append(c.payloads, data)
	return nil
}

func TestNATSPublisher_Publish(t *testing.T) {
	conn := &fakeConn{}
	p := NewNATSPublisher(conn, "marketrank.alerts")
	at := time.Date(2024, 3, 5, 15, 0, 0, 0, time.UTC)

	err := p.Publish(context.Background(), Alert{
		Kind:     KindFreshness,
		Severity: SeverityWarning,
		Message:  "p99 above threshold",
		Fields:   map[string]interface{}{"p99_seconds": 1200.0},
		At:       at,
	})
	require.NoError(t, err)
	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "marketrank.alerts.freshness", conn.subjects[0])

	var got Alert
	require.NoError(t, json.Unmarshal(conn.payloads[0], &got))
	assert.Equal(t, KindFreshness, got.Kind)
	assert.Equal(t, 1200.0, got.Fields["p99_seconds"])
	assert.True(t, at.Equal(got.At))
}

func TestNATSPublisher_DefaultPrefix(t *testing.T) {
	assert.Equal(t, "alerts.lock", NewNATSPublisher(&fakeConn{}, "").Subject(KindLockSuspicion))
}

func TestNATSPublisher_CancelledContext(t *testing.T) {
	conn := &fakeConn{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewNATSPublisher(conn, "").Publish(ctx, Alert{Kind: KindDLQDepth})
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, conn.subjects)
}

func TestMulti(t *testing.T) {
	ok := &fakeConn{}
	broken := &fakeConn{err: errors.New("no responders")}
	m := Multi{LogPublisher{}, NewNATSPublisher(broken, ""), NewNATSPublisher(ok, "")}

	err := m.Publish(context.Background(), Alert{Kind: KindHealth, Severity: SeverityCritical, Message: "store down"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no responders")

	require.Len(t, ok.payloads, 1)
	var got Alert
	require.NoError(t, json.Unmarshal(ok.payloads[0], &got))
	assert.False(t, got.At.IsZero())
}
