package notify

import (
	"fmt"
	"time"
)

// Window is the daily time range during which notifications may be
// delivered to humans, in the operative timezone. Events fired outside
// the window are scheduled for the next window start, never dropped.
type Window struct {
	startMin int // minutes from midnight
	endMin   int
	loc      *time.Location
}

// NewWindow parses "HH:MM" bounds in the given IANA timezone.
// The window must not span midnight (start < end).
func NewWindow(start, end, timezone string) (Window, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Window{}, fmt.Errorf("load timezone %q: %w", timezone, err)
	}
	s, err := parseDayMinutes(start)
	if err != nil {
		return Window{}, fmt.Errorf("window start: %w", err)
	}
	e, err := parseDayMinutes(end)
	if err != nil {
		return Window{}, fmt.Errorf("window end: %w", err)
	}
	if s >= e {
		return Window{}, fmt.Errorf("window start %s must be before end %s", start, end)
	}
	return Window{startMin: s, endMin: e, loc: loc}, nil
}

// MustWindow is NewWindow for known-good literals (defaults, tests).
func MustWindow(start, end, timezone string) Window {
	w, err := NewWindow(start, end, timezone)
	if err != nil {
		panic(err)
	}
	return w
}

func parseDayMinutes(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("parse %q as HH:MM: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// NextAllowedSendAt maps an event time to the earliest moment it may be
// delivered: now if inside the window, today's window start if before
// it, tomorrow's window start if at or past the window end.
func (w Window) NextAllowedSendAt(now time.Time) time.Time {
	local := now.In(w.loc)
	y, m, d := local.Date()
	start := time.Date(y, m, d, w.startMin/60, w.startMin%60, 0, 0, w.loc)
	end := time.Date(y, m, d, w.endMin/60, w.endMin%60, 0, 0, w.loc)

	if !local.Before(start) && local.Before(end) {
		return now
	}
	if local.Before(start) {
		return start
	}
	return start.AddDate(0, 0, 1)
}

func (w Window) Location() *time.Location { return w.loc }
