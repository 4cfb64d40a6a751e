// Package timeutil provides timezone-aware scheduling math: wall-clock
// conversion, quiet-hour membership and local-calendar recurrence stepping.
package timeutil

import (
	"fmt"
	"log/slog"
	"time"
)

// Clock abstracts time.Now so schedulers can be driven deterministically
// in tests.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// NewClock returns a Clock backed by the system time.
func NewClock() Clock { return realClock{} }

// LoadLocation resolves an IANA timezone name, falling back to UTC for
// unknown or empty names.
func LoadLocation(tz string) *time.Location {
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		slog.Warn("unknown timezone, falling back to UTC", "timezone", tz)
		return time.UTC
	}
	return loc
}

// MinuteOfDay parses a local "HH:MM" string into minutes since midnight.
func MinuteOfDay(s string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("parse time %q: %w", s, err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return hh*60 + mm, nil
}

// InQuietHours reports whether the given local time falls inside the
// [start, end) window. A window whose start is later than its end wraps
// past midnight: 22:00-07:00 covers 23:30 and 03:00 but not 12:00.
// Equal or unparseable bounds mean no window.
func InQuietHours(local time.Time, start, end string) bool {
	startMin, err := MinuteOfDay(start)
	if err != nil {
		return false
	}
	endMin, err := MinuteOfDay(end)
	if err != nil {
		return false
	}
	if startMin == endMin {
		return false
	}

	nowMin := local.Hour()*60 + local.Minute()

	if startMin > endMin {
		return nowMin >= startMin || nowMin < endMin
	}
	return nowMin >= startMin && nowMin < endMin
}

// NextLocalOccurrence advances a UTC instant by the given number of days in
// the user's local calendar, preserving the local wall-clock time across
// daylight-saving transitions, and returns the resulting UTC instant.
func NextLocalOccurrence(prev time.Time, tz string, days int) time.Time {
	loc := LoadLocation(tz)
	return prev.In(loc).AddDate(0, 0, days).UTC()
}

// NextAtLocalTime returns the next UTC instant strictly after now whose
// local wall-clock time in tz equals hhmm.
func NextAtLocalTime(now time.Time, tz, hhmm string) time.Time {
	loc := LoadLocation(tz)
	minute, err := MinuteOfDay(hhmm)
	if err != nil {
		minute = 9 * 60
	}

	local := now.In(loc)
	candidate := time.Date(local.Year(), local.Month(), local.Day(), minute/60, minute%60, 0, 0, loc)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate.UTC()
}

// NextWeekdayAtLocalTime returns the next UTC instant strictly after now
// that falls on the given local weekday at the given local wall-clock time.
func NextWeekdayAtLocalTime(now time.Time, tz string, weekday time.Weekday, hhmm string) time.Time {
	loc := LoadLocation(tz)
	next := NextAtLocalTime(now, tz, hhmm)
	for next.In(loc).Weekday() != weekday {
		next = NextLocalOccurrence(next, tz, 1)
	}
	return next
}
