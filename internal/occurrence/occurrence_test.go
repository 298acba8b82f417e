package occurrence

import (
	"testing"
	"time"
)

func mustLoad(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("load %s: %v", name, err)
	}
	return loc
}

func TestNextSameDay(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	// 2024-01-15 13:00Z is 08:00 in New York; the birthday is today and 09:00
	// local has not passed yet.
	now := time.Date(2024, 1, 15, 13, 0, 0, 0, time.UTC)

	date, instant := Next(time.January, 15, ny, now, 9)
	if date != "2024-01-15" {
		t.Fatalf("date = %s, want 2024-01-15", date)
	}
	want := time.Date(2024, 1, 15, 14, 0, 0, 0, time.UTC)
	if !instant.Equal(want) {
		t.Fatalf("instant = %s, want %s", instant, want)
	}
}

func TestNextSameDayAfterSendTime(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	// 20:00Z = 15:00 local, past 09:00. The occurrence is still today; the
	// planner decides what a passed send time means.
	now := time.Date(2024, 6, 1, 20, 0, 0, 0, time.UTC)

	date, instant := Next(time.June, 1, ny, now, 9)
	if date != "2024-06-01" {
		t.Fatalf("date = %s, want 2024-06-01", date)
	}
	if !instant.Before(now) {
		t.Fatalf("instant %s should be before now %s", instant, now)
	}
}

func TestNextRollsToNextYear(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	date, _ := Next(time.January, 15, time.UTC, now, 9)
	if date != "2025-01-15" {
		t.Fatalf("date = %s, want 2025-01-15", date)
	}
}

func TestNextDSTSpringForward(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	// 2024-03-10 is the US spring-forward date. 09:00 exists (the gap is
	// 02:00-03:00) and maps to 13:00Z under EDT.
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

	date, instant := Next(time.March, 10, ny, now, 9)
	if date != "2024-03-10" {
		t.Fatalf("date = %s, want 2024-03-10", date)
	}
	want := time.Date(2024, 3, 10, 13, 0, 0, 0, time.UTC)
	if !instant.Equal(want) {
		t.Fatalf("instant = %s, want %s", instant, want)
	}
}

func TestAtInsideDSTGap(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	// 02:30 does not exist on 2024-03-10 in New York. The first valid instant
	// at or after it is taken.
	got := At("2024-03-10", ny, 2)
	if got.In(ny).Hour() < 3 {
		t.Fatalf("gap resolution produced %s, want at or after 03:00 local", got.In(ny))
	}
	if !got.After(time.Date(2024, 3, 10, 6, 59, 0, 0, time.UTC)) {
		t.Fatalf("got = %s, want after 06:59Z", got)
	}
}

func TestAtDSTFallBackPicksEarlier(t *testing.T) {
	ny := mustLoad(t, "America/New_York")
	// 01:00 occurs twice on 2024-11-03 in New York: 05:00Z (EDT) and 06:00Z
	// (EST). The earlier instant wins.
	got := At("2024-11-03", ny, 1)
	want := time.Date(2024, 11, 3, 5, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got = %s, want %s", got, want)
	}
}

func TestNextLeapDayNonLeapYear(t *testing.T) {
	now := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	date, instant := Next(time.February, 29, time.UTC, now, 9)
	if date != "2025-02-28" {
		t.Fatalf("date = %s, want 2025-02-28", date)
	}
	want := time.Date(2025, 2, 28, 9, 0, 0, 0, time.UTC)
	if !instant.Equal(want) {
		t.Fatalf("instant = %s, want %s", instant, want)
	}
}

func TestNextLeapDayLeapYear(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	date, _ := Next(time.February, 29, time.UTC, now, 9)
	if date != "2024-02-29" {
		t.Fatalf("date = %s, want 2024-02-29", date)
	}
}

func TestSameLocalDate(t *testing.T) {
	tokyo := mustLoad(t, "Asia/Tokyo")
	// 2024-01-15 23:00Z is already 2024-01-16 in Tokyo.
	utc := time.Date(2024, 1, 15, 23, 0, 0, 0, time.UTC)
	if SameLocalDate(utc, tokyo, "2024-01-15") {
		t.Error("23:00Z should not be 01-15 in Tokyo")
	}
	if !SameLocalDate(utc, tokyo, "2024-01-16") {
		t.Error("23:00Z should be 01-16 in Tokyo")
	}
}

func TestToday(t *testing.T) {
	tokyo := mustLoad(t, "Asia/Tokyo")
	now := time.Date(2024, 5, 1, 20, 0, 0, 0, time.UTC)
	if got := Today(now, tokyo); got != "2024-05-02" {
		t.Fatalf("Today = %s, want 2024-05-02", got)
	}
}
