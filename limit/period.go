package limit

import "time"

// referenceMonday is the fixed anchor used for WEEK period alignment
// (1970-01-05 was a Monday).
var referenceMonday = time.Date(1970, time.January, 5, 0, 0, 0, 0, time.UTC)

var epoch = time.Date(1970, time.January, 1, 0, 0, 0, 0, time.UTC)

// Period is a half-open (fixed) or closed (rolling) window, together with
// the comparator the aggregation driver must use at its end boundary.
type Period struct {
	Start   time.Time
	End     time.Time
	Rolling bool
}

// PeriodStart computes the period start for (now, unit, value) per spec.md
// §4.1. Fixed intervals align to calendar boundaries; rolling intervals are
// sliding windows ending at now.
func PeriodStart(now time.Time, unit Unit, value int) time.Time {
	now = now.UTC().Truncate(time.Second)

	switch unit {
	case UnitSecond:
		sec := now.Second() - (now.Second() % value)
		return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), now.Minute(), sec, 0, time.UTC)
	case UnitMinute:
		min := now.Minute() - (now.Minute() % value)
		return time.Date(now.Year(), now.Month(), now.Day(), now.Hour(), min, 0, 0, time.UTC)
	case UnitHour:
		hr := now.Hour() - (now.Hour() % value)
		return time.Date(now.Year(), now.Month(), now.Day(), hr, 0, 0, 0, time.UTC)
	case UnitDay:
		startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		daysSinceEpoch := int(startOfDay.Sub(epoch).Hours() / 24)
		offset := daysSinceEpoch % value
		if offset < 0 {
			offset += value
		}
		return startOfDay.AddDate(0, 0, -offset)
	case UnitWeek:
		startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		weekday := int(startOfDay.Weekday())
		// time.Weekday: Sunday=0 ... Saturday=6; ISO weekday: Monday=0 ... Sunday=6.
		isoWeekday := (weekday + 6) % 7
		startOfISOWeek := startOfDay.AddDate(0, 0, -isoWeekday)
		if value == 1 {
			return startOfISOWeek
		}
		weeksSinceEpoch := int(startOfISOWeek.Sub(referenceMonday).Hours() / 24 / 7)
		offset := weeksSinceEpoch % value
		if offset < 0 {
			offset += value
		}
		return startOfISOWeek.AddDate(0, 0, -offset*7)
	case UnitMonth:
		totalMonths := now.Year()*12 + int(now.Month()) - 1
		offset := totalMonths % value
		if offset < 0 {
			offset += value
		}
		effectiveTotal := totalMonths - offset
		effectiveYear := effectiveTotal / 12
		effectiveMonth := effectiveTotal%12 + 1
		return time.Date(effectiveYear, time.Month(effectiveMonth), 1, 0, 0, 0, 0, time.UTC)
	case UnitSecondRolling:
		return now.Add(-time.Duration(value) * time.Second)
	case UnitMinuteRolling:
		return now.Add(-time.Duration(value) * time.Minute)
	case UnitHourRolling:
		return now.Add(-time.Duration(value) * time.Hour)
	case UnitDayRolling:
		return now.AddDate(0, 0, -value)
	case UnitWeekRolling:
		return now.AddDate(0, 0, -value*7)
	case UnitMonthRolling:
		totalMonths := now.Year()*12 + int(now.Month()) - 1 - value
		targetYear := totalMonths / 12
		targetMonth := totalMonths%12 + 1
		if totalMonths%12 < 0 {
			targetYear--
			targetMonth += 12
		}
		return time.Date(targetYear, time.Month(targetMonth), 1, 0, 0, 0, 0, time.UTC)
	default:
		return now
	}
}

// PeriodEnd computes the period end for (now, unit, value, periodStart) per
// spec.md §4.1: for fixed intervals, periodStart advanced by the interval
// duration (month arithmetic handled symbolically); for rolling intervals,
// now truncated to seconds.
func PeriodEnd(now time.Time, unit Unit, value int, periodStart time.Time) time.Time {
	now = now.UTC().Truncate(time.Second)

	if unit.IsRolling() {
		return now
	}

	switch unit {
	case UnitMonth:
		return addMonths(periodStart, value)
	case UnitWeek:
		return periodStart.AddDate(0, 0, 7*value)
	case UnitSecond:
		return periodStart.Add(time.Duration(value) * time.Second)
	case UnitMinute:
		return periodStart.Add(time.Duration(value) * time.Minute)
	case UnitHour:
		return periodStart.Add(time.Duration(value) * time.Hour)
	case UnitDay:
		return periodStart.AddDate(0, 0, value)
	default:
		return periodStart
	}
}

// addMonths advances t (assumed day=1, 00:00:00) by n calendar months.
func addMonths(t time.Time, n int) time.Time {
	totalMonths := int(t.Month()) - 1 + n
	year := t.Year() + totalMonths/12
	month := totalMonths%12 + 1
	if totalMonths%12 < 0 {
		year--
		month += 12
	}
	return time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
}

// ComputePeriod returns the full (start, end, rolling) window for a limit's
// interval at the given instant.
func ComputePeriod(now time.Time, unit Unit, value int) Period {
	start := PeriodStart(now, unit, value)
	end := PeriodEnd(now, unit, value, start)
	return Period{Start: start, End: end, Rolling: unit.IsRolling()}
}

// ResetInstant returns the reset instant reported for a denial of this
// limit, which is always p.End. For fixed intervals that is the start of
// the next aligned period. For rolling intervals it is the evaluation
// instant itself, so a freshly evaluated rolling denial has a retry-after
// of 0; it is not the moment the oldest counted event ages out, and for
// month_rolling it is not periodStart plus one month.
func ResetInstant(p Period) time.Time {
	return p.End
}

// RetryAfterSeconds returns max(0, ceil(reset - now)) in whole seconds.
func RetryAfterSeconds(now, reset time.Time) int {
	d := reset.Sub(now)
	if d <= 0 {
		return 0
	}
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}
