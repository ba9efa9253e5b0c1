// Package session isolates wall-clock arithmetic: the rest of the engine
// compares opaque date keys and asks whether a time falls inside the
// trading window.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const keyLayout = "2006-01-02"

// DateKey returns the calendar date of t in loc.
func DateKey(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(keyLayout)
}

// Window is a daily trading-hours window in minutes after local midnight.
// When End is before Start the window wraps midnight. Both ends are inclusive.
type Window struct {
	Start int
	End   int
}

// ParseWindow parses "HH:MM" start and end values.
func ParseWindow(start, end string) (Window, error) {
	s, err := parseClock(start)
	if err != nil {
		return Window{}, fmt.Errorf("trading start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return Window{}, fmt.Errorf("trading end: %w", err)
	}
	return Window{Start: s, End: e}, nil
}

// AllDay is a window covering the whole day.
func AllDay() Window {
	return Window{Start: 0, End: 24 * 60}
}

func (w Window) Contains(t time.Time, loc *time.Location) bool {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	minute := local.Hour()*60 + local.Minute()
	// A timestamp with seconds past the end minute is outside the window.
	past := local.Second() > 0 || local.Nanosecond() > 0

	if w.End < w.Start {
		return minute >= w.Start || minute < w.End || (minute == w.End && !past)
	}
	if minute < w.Start {
		return false
	}
	return minute < w.End || (minute == w.End && !past)
}

func (w Window) String() string {
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.Start/60, w.Start%60, w.End/60, w.End%60)
}

func parseClock(value string) (int, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid time %q, expected HH:MM", value)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("invalid hour in %q", value)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, fmt.Errorf("invalid minute in %q", value)
	}
	return hour*60 + minute, nil
}
