// Package occurrence computes when a recurring calendar event next fires in a
// recipient's own timezone, projected to UTC.
//
// All functions are pure: callers pass the current UTC instant explicitly so
// results are reproducible in tests.
//
// Policy decisions, applied uniformly:
//   - Feb-29 birthdays are promoted to Feb-28 in non-leap years.
//   - A DST gap (spring forward) at the target wall clock resolves to the
//     first valid instant at or after it.
//   - A DST ambiguity (fall back) resolves to the earlier of the two instants.
package occurrence

import "time"

// DateFormat is the calendar-date layout used throughout the engine.
const DateFormat = "2006-01-02"

// Next returns the local calendar date and UTC instant of the next occurrence
// of (month, day) at hour o'clock local time in loc, at or after today in loc.
// "Today" counts even when the local send time has already passed; the caller
// decides what a passed send time means (see planner late-registration
// handling).
func Next(month time.Month, day int, loc *time.Location, nowUTC time.Time, hour int) (string, time.Time) {
	local := nowUTC.In(loc)
	year := local.Year()

	m, d := promote(month, day, year)
	occ := time.Date(year, m, d, 0, 0, 0, 0, loc)
	today := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	if occ.Before(today) {
		year++
		m, d = promote(month, day, year)
	}

	localDate := time.Date(year, m, d, 0, 0, 0, 0, time.UTC).Format(DateFormat)
	return localDate, At(localDate, loc, hour)
}

// At projects hour o'clock local time on localDate in loc to UTC, applying
// the DST gap and ambiguity policies.
func At(localDate string, loc *time.Location, hour int) time.Time {
	day, err := time.Parse(DateFormat, localDate)
	if err != nil {
		return time.Time{}
	}

	t := time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, loc)

	// Spring-forward gap: time.Date normalises a nonexistent wall clock to an
	// instant after the gap, which is exactly the first valid instant at or
	// after the requested hour.
	if t.Hour() != hour {
		return t.UTC()
	}

	// Fall-back ambiguity: if the instant one hour earlier shows the same
	// wall clock, the hour repeated and t is the later reading. Prefer the
	// earlier one.
	earlier := t.Add(-time.Hour)
	if sameWallClock(earlier.In(loc), t) {
		return earlier.UTC()
	}
	return t.UTC()
}

// SameLocalDate reports whether the UTC instant falls on the given calendar
// date when observed in loc.
func SameLocalDate(utc time.Time, loc *time.Location, localDate string) bool {
	return utc.In(loc).Format(DateFormat) == localDate
}

// Today returns the current calendar date in loc.
func Today(nowUTC time.Time, loc *time.Location) string {
	return nowUTC.In(loc).Format(DateFormat)
}

// promote maps Feb-29 to Feb-28 for non-leap years; all other dates pass
// through unchanged.
func promote(month time.Month, day int, year int) (time.Month, int) {
	if month == time.February && day == 29 && !isLeap(year) {
		return time.February, 28
	}
	return month, day
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}

func sameWallClock(a, b time.Time) bool {
	return a.Year() == b.Year() && a.Month() == b.Month() && a.Day() == b.Day() &&
		a.Hour() == b.Hour() && a.Minute() == b.Minute()
}
