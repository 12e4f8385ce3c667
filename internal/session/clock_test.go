package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newYork(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(DefaultLocation)
	require.NoError(t, err)
	return loc
}

func TestDetect_Boundaries(t *testing.T) {
	loc := newYork(t)
	clock := New(loc)

	// 2024-01-02 is a Tuesday.
	at := func(h, m int) time.Time { return time.Date(2024, 1, 2, h, m, 0, 0, loc) }

	tests := []struct {
		name string
		t    time.Time
		want Session
	}{
		{"midnight", at(0, 0), Closed},
		{"just_before_pre", at(3, 59), Closed},
		{"pre_open", at(4, 0), Pre},
		{"just_before_live", at(9, 29), Pre},
		{"live_open", at(9, 30), Live},
		{"just_before_close", at(15, 59), Live},
		{"live_close", at(16, 0), After},
		{"just_before_after_close", at(19, 59), After},
		{"after_close", at(20, 0), Closed},
		{"late_night", at(23, 59), Closed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clock.Detect(tt.t))
		})
	}
}

func TestDetect_Weekend(t *testing.T) {
	loc := newYork(t)
	clock := New(loc)

	saturdayNoon := time.Date(2024, 1, 6, 12, 0, 0, 0, loc)
	sundayLive := time.Date(2024, 1, 7, 10, 0, 0, 0, loc)

	assert.Equal(t, Closed, clock.Detect(saturdayNoon))
	assert.Equal(t, Closed, clock.Detect(sundayLive))
}

func TestDetect_ConvertsFromUTC(t *testing.T) {
	loc := newYork(t)
	clock := New(loc)

	// 14:30 UTC in January is 09:30 EST.
	instant := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	assert.Equal(t, Live, clock.Detect(instant))
}

func TestDateKey_LocalMidnight(t *testing.T) {
	loc := newYork(t)
	clock := New(loc)

	// 03:00 UTC on Jan 3 is still 22:00 on Jan 2 in New York.
	lateEvening := time.Date(2024, 1, 3, 3, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-01-02", clock.DateKey(lateEvening))

	// 05:00 UTC on Jan 3 is 00:00 on Jan 3 in New York.
	localMidnight := time.Date(2024, 1, 3, 5, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-01-03", clock.DateKey(localMidnight))
}

func TestStorageSession(t *testing.T) {
	loc := newYork(t)
	clock := New(loc)

	early := time.Date(2024, 1, 2, 2, 0, 0, 0, loc)
	late := time.Date(2024, 1, 2, 21, 0, 0, 0, loc)
	weekend := time.Date(2024, 1, 6, 21, 0, 0, 0, loc)

	assert.Equal(t, Pre, clock.StorageSession(Closed, early))
	assert.Equal(t, After, clock.StorageSession(Closed, late))
	assert.Equal(t, Pre, clock.StorageSession(Closed, weekend))
	assert.Equal(t, Live, clock.StorageSession(Live, late))

	for _, s := range []Session{Pre, Live, After, Closed} {
		for _, instant := range []time.Time{early, late, weekend} {
			assert.True(t, clock.StorageSession(s, instant).IsStorage())
		}
	}
}

func TestCurrent_UsesTimeSource(t *testing.T) {
	loc := newYork(t)
	fixed := time.Date(2024, 1, 2, 21, 15, 0, 0, time.UTC) // 16:15 EST
	clock := NewWithNow(loc, DefaultBoundaries(), func() time.Time { return fixed })

	date, stored, actual := clock.Current()
	assert.Equal(t, "2024-01-02", date)
	assert.Equal(t, After, stored)
	assert.Equal(t, After, actual)
}

func TestBoundaries_Validate(t *testing.T) {
	require.NoError(t, DefaultBoundaries().Validate())

	bad := DefaultBoundaries()
	bad.LiveOpen = bad.LiveClose
	assert.Error(t, bad.Validate())
}

func TestParse(t *testing.T) {
	s, err := Parse("live")
	require.NoError(t, err)
	assert.Equal(t, Live, s)

	_, err = Parse("overnight")
	assert.Error(t, err)
}
