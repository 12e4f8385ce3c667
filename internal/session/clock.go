// Package session maps wall-clock instants onto exchange trading sessions and
// trading-date keys.
package session

import (
	"fmt"
	"time"
)

// Session is one of the exchange trading sessions.
type Session string

const (
	Pre    Session = "pre"
	Live   Session = "live"
	After  Session = "after"
	Closed Session = "closed"
)

// StorageSessions are the only sessions that ever appear in the key-space.
var StorageSessions = []Session{Pre, Live, After}

// Parse validates a session name.
func Parse(s string) (Session, error) {
	switch Session(s) {
	case Pre, Live, After, Closed:
		return Session(s), nil
	default:
		return "", fmt.Errorf("unknown session %q", s)
	}
}

// IsStorage reports whether s may be used as a storage session.
func (s Session) IsStorage() bool {
	return s == Pre || s == Live || s == After
}

// Boundaries are session start/end offsets, in minutes after local midnight.
type Boundaries struct {
	PreOpen    int `yaml:"pre_open"`
	LiveOpen   int `yaml:"live_open"`
	LiveClose  int `yaml:"live_close"`
	AfterClose int `yaml:"after_close"`
}

// DefaultBoundaries are the US equity session times: 04:00, 09:30, 16:00, 20:00.
func DefaultBoundaries() Boundaries {
	return Boundaries{
		PreOpen:    4 * 60,
		LiveOpen:   9*60 + 30,
		LiveClose:  16 * 60,
		AfterClose: 20 * 60,
	}
}

// Validate checks that the boundaries are strictly increasing within a day.
func (b Boundaries) Validate() error {
	if b.PreOpen < 0 || b.AfterClose > 24*60 {
		return fmt.Errorf("session boundaries must fall within one day")
	}
	if !(b.PreOpen < b.LiveOpen && b.LiveOpen < b.LiveClose && b.LiveClose < b.AfterClose) {
		return fmt.Errorf("session boundaries must be strictly increasing: %+v", b)
	}
	return nil
}

// DefaultLocation is the exchange timezone.
const DefaultLocation = "America/New_York"

// Clock classifies instants in the exchange's local time. It keeps no state
// between calls, so date rollover is observed immediately.
type Clock struct {
	loc    *time.Location
	bounds Boundaries
	now    func() time.Time
}

// New creates a Clock for the given location using the default boundaries.
func New(loc *time.Location) *Clock {
	return NewWithNow(loc, DefaultBoundaries(), time.Now)
}

// NewWithNow creates a Clock with explicit boundaries and time source.
func NewWithNow(loc *time.Location, bounds Boundaries, now func() time.Time) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &Clock{loc: loc, bounds: bounds, now: now}
}

// Load resolves the named timezone and builds a Clock.
func Load(name string, bounds Boundaries) (*Clock, error) {
	if name == "" {
		name = DefaultLocation
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %s: %w", name, err)
	}
	if err := bounds.Validate(); err != nil {
		return nil, err
	}
	return NewWithNow(loc, bounds, time.Now), nil
}

// Location returns the exchange timezone.
func (c *Clock) Location() *time.Location { return c.loc }

// Now returns the current instant in exchange local time.
func (c *Clock) Now() time.Time { return c.now().In(c.loc) }

// Detect classifies t into exactly one session. Starts are inclusive.
func (c *Clock) Detect(t time.Time) Session {
	local := t.In(c.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return Closed
	}
	m := minuteOfDay(local)
	switch {
	case m >= c.bounds.PreOpen && m < c.bounds.LiveOpen:
		return Pre
	case m >= c.bounds.LiveOpen && m < c.bounds.LiveClose:
		return Live
	case m >= c.bounds.LiveClose && m < c.bounds.AfterClose:
		return After
	default:
		return Closed
	}
}

// DateKey formats t as YYYY-MM-DD in exchange local time.
func (c *Clock) DateKey(t time.Time) string {
	return t.In(c.loc).Format("2006-01-02")
}

// StorageSession collapses closed into the session whose snapshot a reader
// should see: after-hours once the day's sessions are over, pre-market
// before any session has started.
func (c *Clock) StorageSession(s Session, t time.Time) Session {
	if s != Closed {
		return s
	}
	local := t.In(c.loc)
	if wd := local.Weekday(); wd != time.Saturday && wd != time.Sunday && minuteOfDay(local) >= c.bounds.AfterClose {
		return After
	}
	return Pre
}

// Current returns the date key, the storage session and the wall-clock
// session for the current instant.
func (c *Clock) Current() (date string, stored Session, actual Session) {
	now := c.Now()
	actual = c.Detect(now)
	return c.DateKey(now), c.StorageSession(actual, now), actual
}

func minuteOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}
