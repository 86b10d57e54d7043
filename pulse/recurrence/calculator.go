package recurrence

import "time"

// ComputeNextRun returns the first occurrence strictly after from.
//
// The cadence is expected to be one of the known values; callers validate
// rule configuration with ValidateOptions before it gets here. Monthly
// modifiers resolve in fixed priority order (EndOfMonth, DayOfMonth,
// NthWeek+NthWeekday, from's own day) so an over-specified Options value
// still yields one deterministic date.
func ComputeNextRun(from time.Time, cadence Cadence, opts Options) time.Time {
	from = Normalize(from)
	n := opts.interval()

	switch cadence {
	case Daily:
		return from.AddDate(0, 0, n)

	case Weekly:
		if opts.Weekday == nil {
			return from.AddDate(0, 0, 7*n)
		}
		delta := (*opts.Weekday - int(from.Weekday()) + 7) % 7
		if delta == 0 {
			delta = 7 * n
		}
		return from.AddDate(0, 0, delta)

	case Monthly:
		y, m := addMonths(from.Year(), from.Month(), n)
		return monthlyOccurrence(y, m, opts, from.Day())

	case Annual:
		return clampDay(from.Year()+n, from.Month(), from.Day())

	default:
		// Unknown cadences never pass validation; stay strictly increasing anyway.
		return from.AddDate(0, 0, n)
	}
}

// monthlyOccurrence resolves the occurrence inside month y-m. fallbackDay is
// used when no monthly modifier is set.
func monthlyOccurrence(y int, m time.Month, opts Options, fallbackDay int) time.Time {
	switch {
	case opts.EndOfMonth:
		return Date(y, m, DaysIn(y, m))
	case opts.DayOfMonth != nil:
		return clampDay(y, m, *opts.DayOfMonth)
	case opts.hasNth():
		return nthWeekdayOf(y, m, *opts.NthWeek, time.Weekday(*opts.NthWeekday))
	default:
		return clampDay(y, m, fallbackDay)
	}
}

// NextOccurrences returns the count occurrences following start by chaining
// ComputeNextRun. start itself is not included.
func NextOccurrences(start time.Time, cadence Cadence, opts Options, count int) []time.Time {
	if count <= 0 {
		return []time.Time{}
	}
	out := make([]time.Time, 0, count)
	cur := Normalize(start)
	for i := 0; i < count; i++ {
		cur = ComputeNextRun(cur, cadence, opts)
		out = append(out, cur)
	}
	return out
}

// Matches reports whether d has the shape of an occurrence for the cadence:
// the right weekday for a weekly rule with a weekday, the right day of
// month for a monthly rule with a monthly modifier. Cadences without such
// a constraint accept any date.
func Matches(d time.Time, cadence Cadence, opts Options) bool {
	d = Normalize(d)
	switch cadence {
	case Weekly:
		return opts.Weekday == nil || int(d.Weekday()) == *opts.Weekday
	case Monthly:
		if !opts.EndOfMonth && opts.DayOfMonth == nil && !opts.hasNth() {
			return true
		}
		return d.Equal(monthlyOccurrence(d.Year(), d.Month(), opts, d.Day()))
	case Daily, Annual:
		return true
	default:
		return false
	}
}

// FirstOccurrence aligns a start date to the cadence: start itself when it
// is an occurrence, otherwise the first occurrence after it.
func FirstOccurrence(start time.Time, cadence Cadence, opts Options) time.Time {
	start = Normalize(start)
	if Matches(start, cadence, opts) {
		return start
	}

	switch cadence {
	case Weekly:
		delta := (*opts.Weekday - int(start.Weekday()) + 7) % 7
		return start.AddDate(0, 0, delta)
	case Monthly:
		if same := monthlyOccurrence(start.Year(), start.Month(), opts, start.Day()); same.After(start) {
			return same
		}
		y, m := addMonths(start.Year(), start.Month(), 1)
		return monthlyOccurrence(y, m, opts, start.Day())
	default:
		return ComputeNextRun(start, cadence, opts)
	}
}
