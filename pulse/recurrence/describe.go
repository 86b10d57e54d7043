package recurrence

import (
	"fmt"
	"time"
)

var ordinals = map[int]string{1: "1st", 2: "2nd", 3: "3rd", 4: "4th", LastWeek: "last"}

// Describe renders a cadence configuration as a short English phrase,
// e.g. "every 2 weeks on Friday" or "monthly on the last Monday".
func Describe(cadence Cadence, opts Options) string {
	n := opts.interval()

	switch cadence {
	case Daily:
		return every(n, "daily", "day")
	case Weekly:
		s := every(n, "weekly", "week")
		if opts.Weekday != nil {
			s += " on " + time.Weekday(*opts.Weekday).String()
		}
		return s
	case Monthly:
		s := every(n, "monthly", "month")
		switch {
		case opts.EndOfMonth:
			s += " on the last day"
		case opts.DayOfMonth != nil:
			s += fmt.Sprintf(" on day %d", *opts.DayOfMonth)
		case opts.hasNth():
			s += fmt.Sprintf(" on the %s %s", ordinals[*opts.NthWeek], time.Weekday(*opts.NthWeekday))
		}
		return s
	case Annual:
		return every(n, "annually", "year")
	default:
		return string(cadence)
	}
}

func every(n int, single, unit string) string {
	if n == 1 {
		return single
	}
	return fmt.Sprintf("every %d %ss", n, unit)
}
