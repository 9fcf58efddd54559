package limit

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return tm.UTC()
}

func TestPeriodStartFixed(t *testing.T) {
	cases := []struct {
		name  string
		now   string
		unit  Unit
		value int
		want  string
	}{
		{"second", "2024-01-01T00:00:05Z", UnitSecond, 10, "2024-01-01T00:00:00Z"},
		{"minute", "2024-01-01T00:00:30Z", UnitMinute, 1, "2024-01-01T00:00:00Z"},
		{"minute-multi", "2024-01-01T00:00:30Z", UnitMinute, 2, "2024-01-01T00:00:00Z"},
		{"hour", "2024-01-01T00:30:00Z", UnitHour, 1, "2024-01-01T00:00:00Z"},
		{"day", "2024-01-01T12:00:00Z", UnitDay, 1, "2024-01-01T00:00:00Z"},
		{"month", "2024-01-15T10:00:00Z", UnitMonth, 1, "2024-01-01T00:00:00Z"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			now := mustParse(t, c.now)
			want := mustParse(t, c.want)
			got := PeriodStart(now, c.unit, c.value)
			if !got.Equal(want) {
				t.Errorf("PeriodStart(%s, %s, %d) = %s, want %s", c.now, c.unit, c.value, got, want)
			}
		})
	}
}

func TestPeriodEndFixed(t *testing.T) {
	cases := []struct {
		name  string
		now   string
		unit  Unit
		value int
		want  string
	}{
		{"second", "2024-01-01T00:00:05Z", UnitSecond, 10, "2024-01-01T00:00:10Z"},
		{"minute", "2024-01-01T00:00:30Z", UnitMinute, 1, "2024-01-01T00:01:00Z"},
		{"minute-multi", "2024-01-01T00:00:30Z", UnitMinute, 2, "2024-01-01T00:02:00Z"},
		{"hour", "2024-01-01T00:30:00Z", UnitHour, 1, "2024-01-01T01:00:00Z"},
		{"day", "2024-01-01T12:00:00Z", UnitDay, 1, "2024-01-02T00:00:00Z"},
		{"month", "2024-01-15T10:00:00Z", UnitMonth, 1, "2024-02-01T00:00:00Z"},
		{"month-december", "2024-12-15T10:00:00Z", UnitMonth, 1, "2025-01-01T00:00:00Z"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			now := mustParse(t, c.now)
			want := mustParse(t, c.want)
			start := PeriodStart(now, c.unit, c.value)
			got := PeriodEnd(now, c.unit, c.value, start)
			if !got.Equal(want) {
				t.Errorf("PeriodEnd(%s, %s, %d) = %s, want %s", c.now, c.unit, c.value, got, want)
			}
		})
	}
}

func TestPeriodRollingAlwaysEndsAtNow(t *testing.T) {
	units := []Unit{UnitSecondRolling, UnitMinuteRolling, UnitHourRolling, UnitDayRolling, UnitWeekRolling}
	now := mustParse(t, "2024-01-01T01:00:00Z")
	for _, u := range units {
		p := ComputePeriod(now, u, 1)
		if !p.End.Equal(now) {
			t.Errorf("%s: PeriodEnd = %s, want now %s", u, p.End, now)
		}
		if !p.Start.Before(now) && !p.Start.Equal(now) {
			t.Errorf("%s: PeriodStart %s is after now %s", u, p.Start, now)
		}
	}
}

func TestPeriodMonthRolling(t *testing.T) {
	now := mustParse(t, "2024-01-15T10:00:00Z")
	start := PeriodStart(now, UnitMonthRolling, 1)
	want := mustParse(t, "2023-12-01T00:00:00Z")
	if !start.Equal(want) {
		t.Errorf("PeriodStart(month_rolling) = %s, want %s", start, want)
	}
}

// TestRetryAfterRollingIsZeroAtCheckTime mirrors the authoritative split
// evaluator's own parametrized retry-after test: a rolling window evaluated
// fresh at "now" always has retry_after == 0, since reset_instant =
// period_start + duration collapses back to now. The denial cache therefore
// memoizes a rolling denial with a reset instant equal to the check time,
// so every later check misses the cache and re-evaluates.
func TestRetryAfterRollingIsZeroAtCheckTime(t *testing.T) {
	cases := []struct {
		name  string
		now   string
		unit  Unit
		value int
	}{
		{"second_rolling", "2024-01-01T00:00:10Z", UnitSecondRolling, 10},
		{"minute_rolling", "2024-01-01T00:01:00Z", UnitMinuteRolling, 1},
		{"hour_rolling", "2024-01-01T01:00:00Z", UnitHourRolling, 1},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			now := mustParse(t, c.now)
			p := ComputePeriod(now, c.unit, c.value)
			reset := ResetInstant(p)
			if got := RetryAfterSeconds(now, reset); got != 0 {
				t.Errorf("RetryAfterSeconds = %d, want 0", got)
			}
		})
	}
}

func TestRetryAfterFixedIntervals(t *testing.T) {
	cases := []struct {
		name  string
		now   string
		unit  Unit
		value int
		want  int
	}{
		{"second", "2024-01-01T00:00:05Z", UnitSecond, 10, 5},
		{"minute", "2024-01-01T00:00:30Z", UnitMinute, 1, 30},
		{"minute-multi", "2024-01-01T00:00:30Z", UnitMinute, 2, 90},
		{"hour", "2024-01-01T00:30:00Z", UnitHour, 1, 1800},
		{"day", "2024-01-01T12:00:00Z", UnitDay, 1, 12 * 3600},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			now := mustParse(t, c.now)
			p := ComputePeriod(now, c.unit, c.value)
			reset := ResetInstant(p)
			if got := RetryAfterSeconds(now, reset); got != c.want {
				t.Errorf("RetryAfterSeconds = %d, want %d", got, c.want)
			}
		})
	}
}

func TestRetryAfterNeverNegative(t *testing.T) {
	now := mustParse(t, "2024-01-01T01:00:10Z")
	reset := mustParse(t, "2024-01-01T01:00:00Z") // already in the past
	if got := RetryAfterSeconds(now, reset); got != 0 {
		t.Errorf("RetryAfterSeconds = %d, want 0 for a past reset instant", got)
	}
}

func TestMonthRollingRetryAfter(t *testing.T) {
	// Grounded on test_check_quota_enhanced_denied_rolling_month_retry_after:
	// at 2024-01-15T10:00:00Z with MONTH_ROLLING(1), period_start is
	// 2023-12-01 and period_start plus one month is 2024-01-01, already in
	// the past. ResetInstant returns the period end (now), so retry_after is 0.
	now := mustParse(t, "2024-01-15T10:00:00Z")
	start := PeriodStart(now, UnitMonthRolling, 1)
	reset := addMonths(start, 1)
	want := mustParse(t, "2024-01-01T00:00:00Z")
	if !reset.Equal(want) {
		t.Errorf("rolling month reset = %s, want %s", reset, want)
	}
	if got := RetryAfterSeconds(now, ResetInstant(ComputePeriod(now, UnitMonthRolling, 1))); got != 0 {
		t.Errorf("RetryAfterSeconds(month_rolling) = %d, want 0", got)
	}
}
