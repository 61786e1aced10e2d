package util

import (
	"fmt"
	"time"
)

// InWindow reports whether now falls inside the clock window given by
// start and end (HH:MM). An empty bound leaves that side of the window
// open; both empty means no restriction. When start is later than end
// the window wraps past midnight. Bounds are inclusive to the minute.
func InWindow(now time.Time, start, end, tz string) (bool, error) {
	if start == "" && end == "" {
		return true, nil
	}
	loc := now.Location()
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return false, fmt.Errorf("invalid window timezone: %w", err)
		}
		loc = l
	}
	local := now.In(loc)
	cur := local.Hour()*60 + local.Minute()

	if end == "" {
		s, err := parseClock(start)
		if err != nil {
			return false, fmt.Errorf("invalid window start: %w", err)
		}
		return cur >= s, nil
	}
	if start == "" {
		e, err := parseClock(end)
		if err != nil {
			return false, fmt.Errorf("invalid window end: %w", err)
		}
		return cur <= e, nil
	}
	s, err := parseClock(start)
	if err != nil {
		return false, fmt.Errorf("invalid window start: %w", err)
	}
	e, err := parseClock(end)
	if err != nil {
		return false, fmt.Errorf("invalid window end: %w", err)
	}
	if e > s {
		return cur >= s && cur <= e, nil
	}
	// Wraps past midnight.
	return cur >= s || cur <= e, nil
}

// parseClock converts an HH:MM value to minutes since midnight.
func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}
