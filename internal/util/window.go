package util

import (
	"fmt"
	"time"
)

// Window is a daily time-of-day range in which backups may run. Either bound
// may be open. A window whose end is before its start wraps past midnight.
type Window struct {
	start, end       time.Duration
	hasStart, hasEnd bool
	loc              *time.Location
}

// ParseWindow reads HH:MM bounds in the named time zone. An empty zone uses
// the zone of the time passed to Contains.
func ParseWindow(start, end, tz string) (Window, error) {
	var w Window
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return Window{}, fmt.Errorf("invalid timezone: %w", err)
		}
		w.loc = loc
	}
	var err error
	if w.start, w.hasStart, err = clockOffset(start); err != nil {
		return Window{}, fmt.Errorf("invalid window start: %w", err)
	}
	if w.end, w.hasEnd, err = clockOffset(end); err != nil {
		return Window{}, fmt.Errorf("invalid window end: %w", err)
	}
	return w, nil
}

func clockOffset(v string) (time.Duration, bool, error) {
	if v == "" {
		return 0, false, nil
	}
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, false, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, true, nil
}

// Contains reports whether now, truncated to the minute, is inside the window.
func (w Window) Contains(now time.Time) bool {
	if w.loc != nil {
		now = now.In(w.loc)
	}
	at := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute

	switch {
	case !w.hasStart && !w.hasEnd:
		return true
	case !w.hasEnd:
		return at >= w.start
	case !w.hasStart:
		return at <= w.end
	case w.start <= w.end:
		return at >= w.start && at <= w.end
	default:
		return at >= w.start || at <= w.end
	}
}

// InWindow parses the bounds and checks now against them.
func InWindow(now time.Time, start, end, tz string) (bool, error) {
	w, err := ParseWindow(start, end, tz)
	if err != nil {
		return false, err
	}
	return w.Contains(now), nil
}
