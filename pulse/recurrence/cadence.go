// Package recurrence computes occurrence dates for recurring rules.
//
// Every function here is pure: the same input always yields the same
// date, there is no wall clock, and all dates are calendar dates
// normalized to midnight UTC. The live runner and the preview path call
// the same functions, so a preview never disagrees with what gets posted.
package recurrence

import (
	"strings"
	"time"

	"github.com/teranos/recurra/errors"
)

// Cadence is the repeating unit governing occurrence spacing.
type Cadence string

// Cadence values. The strings are the external vocabulary and are stored as-is.
const (
	Daily   Cadence = "DAILY"
	Weekly  Cadence = "WEEKLY"
	Monthly Cadence = "MONTHLY"
	Annual  Cadence = "ANNUAL"
)

// Cadences lists every supported cadence in display order.
var Cadences = []Cadence{Daily, Weekly, Monthly, Annual}

// LastWeek is the NthWeek value meaning "last occurrence in the month".
const LastWeek = 5

// Options are the cadence-specific modifiers. All fields are optional.
// Weekday and NthWeekday use 0=Sunday..6=Saturday.
type Options struct {
	// Interval is the number of cadence units between occurrences (0 or 1 = every unit)
	Interval   int  `json:"interval,omitempty" yaml:"interval,omitempty" toml:"interval,omitempty"`
	Weekday    *int `json:"weekday,omitempty" yaml:"weekday,omitempty" toml:"weekday,omitempty"`
	DayOfMonth *int `json:"dayOfMonth,omitempty" yaml:"dayOfMonth,omitempty" toml:"dayOfMonth,omitempty"`
	EndOfMonth bool `json:"endOfMonth,omitempty" yaml:"endOfMonth,omitempty" toml:"endOfMonth,omitempty"`
	NthWeek    *int `json:"nthWeek,omitempty" yaml:"nthWeek,omitempty" toml:"nthWeek,omitempty"`
	NthWeekday *int `json:"nthWeekday,omitempty" yaml:"nthWeekday,omitempty" toml:"nthWeekday,omitempty"`
}

func (o Options) interval() int {
	if o.Interval < 1 {
		return 1
	}
	return o.Interval
}

func (o Options) hasNth() bool {
	return o.NthWeek != nil && o.NthWeekday != nil
}

// ParseCadence parses the external cadence vocabulary, case-insensitively.
func ParseCadence(s string) (Cadence, error) {
	c := Cadence(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Cadences {
		if c == known {
			return c, nil
		}
	}
	return "", errors.Mark(&ValidationError{
		Field:   "cadence",
		Message: "must be one of DAILY, WEEKLY, MONTHLY, ANNUAL, got " + strings.TrimSpace(s),
	}, errors.ErrInvalidRequest)
}

// Date returns the calendar date y-m-d at midnight UTC.
func Date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Normalize drops the time of day, keeping the calendar date t has in its own location.
func Normalize(t time.Time) time.Time {
	y, m, d := t.Date()
	return Date(y, m, d)
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(time.DateOnly, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, errors.Mark(errors.Wrapf(err, "invalid date %q (expected YYYY-MM-DD)", s), errors.ErrInvalidRequest)
	}
	return t, nil
}

// FormatDate renders a calendar date as YYYY-MM-DD.
func FormatDate(t time.Time) string {
	return Normalize(t).Format(time.DateOnly)
}

// DaysIn returns the number of days in month m of year y.
func DaysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// clampDay returns day d of y-m, or the month's last day when d overflows it.
func clampDay(y int, m time.Month, d int) time.Time {
	if last := DaysIn(y, m); d > last {
		d = last
	}
	return Date(y, m, d)
}

// nthWeekdayOf returns the nth weekday wd of y-m. When the month has fewer
// than n such weekdays the last one is returned, never a date in the next month.
func nthWeekdayOf(y int, m time.Month, n int, wd time.Weekday) time.Time {
	first := Date(y, m, 1)
	offset := (int(wd) - int(first.Weekday()) + 7) % 7
	day := 1 + offset + (n-1)*7
	for day > DaysIn(y, m) {
		day -= 7
	}
	return Date(y, m, day)
}

// addMonths moves y-m forward by n months.
func addMonths(y int, m time.Month, n int) (int, time.Month) {
	total := int(m) - 1 + n
	return y + total/12, time.Month(total%12 + 1)
}
