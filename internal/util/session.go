package util

import (
	"fmt"
	"time"
)

// SessionClock answers time-of-day questions about a single exchange session:
// whether the market is open, whether the calibration window is running, and
// whether the forced-closure cutoff has passed. All comparisons happen in the
// exchange's timezone.
type SessionClock struct {
	loc        *time.Location
	open       ClockTime
	close      ClockTime
	forceClose ClockTime
}

// ClockTime is a wall-clock time of day without a date.
type ClockTime struct {
	Hour, Minute, Second int
}

// ParseClockTime parses "HH:MM" or "HH:MM:SS".
func ParseClockTime(s string) (ClockTime, error) {
	var ct ClockTime
	if _, err := fmt.Sscanf(s, "%d:%d:%d", &ct.Hour, &ct.Minute, &ct.Second); err == nil {
		return ct, validateClockTime(ct)
	}
	if _, err := fmt.Sscanf(s, "%d:%d", &ct.Hour, &ct.Minute); err == nil {
		return ct, validateClockTime(ct)
	}
	return ClockTime{}, fmt.Errorf("parsing clock time %q", s)
}

func validateClockTime(ct ClockTime) error {
	if ct.Hour < 0 || ct.Hour > 23 || ct.Minute < 0 || ct.Minute > 59 || ct.Second < 0 || ct.Second > 59 {
		return fmt.Errorf("clock time %02d:%02d:%02d out of range", ct.Hour, ct.Minute, ct.Second)
	}
	return nil
}

// On anchors the clock time onto the date of t in the given location.
func (ct ClockTime) On(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), ct.Hour, ct.Minute, ct.Second, 0, loc)
}

// NewSessionClock creates a SessionClock for the named IANA timezone with the
// given open, close, and forced-closure times.
func NewSessionClock(tz string, open, close, forceClose ClockTime) (*SessionClock, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", tz, err)
	}
	return &SessionClock{loc: loc, open: open, close: close, forceClose: forceClose}, nil
}

// InSession reports whether t falls inside the market-hours window.
func (sc *SessionClock) InSession(t time.Time) bool {
	local := t.In(sc.loc)
	return !local.Before(sc.open.On(t, sc.loc)) && local.Before(sc.close.On(t, sc.loc))
}

// PastForceClose reports whether t is at or past the daily forced-closure
// cutoff.
func (sc *SessionClock) PastForceClose(t time.Time) bool {
	return !t.In(sc.loc).Before(sc.forceClose.On(t, sc.loc))
}

// SessionDate returns the calendar date of t in the exchange timezone,
// truncated to midnight. Used for daily counter rollover.
func (sc *SessionClock) SessionDate(t time.Time) time.Time {
	local := t.In(sc.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, sc.loc)
}

// SameSessionDay reports whether a and b fall on the same calendar date in
// the exchange timezone.
func (sc *SessionClock) SameSessionDay(a, b time.Time) bool {
	return sc.SessionDate(a).Equal(sc.SessionDate(b))
}

// Location returns the exchange timezone.
func (sc *SessionClock) Location() *time.Location {
	return sc.loc
}
