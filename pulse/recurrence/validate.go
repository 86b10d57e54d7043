package recurrence

import (
	"fmt"

	"github.com/teranos/recurra/errors"
)

// ValidationError names the cadence field that made a configuration invalid.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return errors.Mark(&ValidationError{
		Field:   field,
		Message: fmt.Sprintf(format, args...),
	}, errors.ErrInvalidRequest)
}

// InvalidField returns the offending field name when err carries a ValidationError.
func InvalidField(err error) (string, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Field, true
	}
	return "", false
}

// ValidateOptions rejects cadence configurations the calculator would have to
// guess about. The first violation found is returned.
func ValidateOptions(cadence Cadence, opts Options) error {
	if _, err := ParseCadence(string(cadence)); err != nil {
		return err
	}
	if opts.Interval < 0 {
		return invalid("interval", "must be positive, got %d", opts.Interval)
	}

	if opts.Weekday != nil {
		if cadence != Weekly {
			return invalid("weekday", "only applies to WEEKLY rules, cadence is %s", cadence)
		}
		if *opts.Weekday < 0 || *opts.Weekday > 6 {
			return invalid("weekday", "must be within 0..6 (0=Sunday), got %d", *opts.Weekday)
		}
	}

	monthly := opts.EndOfMonth || opts.DayOfMonth != nil || opts.NthWeek != nil || opts.NthWeekday != nil
	if monthly && cadence != Monthly {
		field := "dayOfMonth"
		switch {
		case opts.EndOfMonth:
			field = "endOfMonth"
		case opts.NthWeek != nil:
			field = "nthWeek"
		case opts.NthWeekday != nil:
			field = "nthWeekday"
		}
		return invalid(field, "only applies to MONTHLY rules, cadence is %s", cadence)
	}

	if opts.DayOfMonth != nil {
		if *opts.DayOfMonth < 1 || *opts.DayOfMonth > 31 {
			return invalid("dayOfMonth", "must be within 1..31, got %d", *opts.DayOfMonth)
		}
		if opts.EndOfMonth {
			return invalid("dayOfMonth", "cannot be combined with endOfMonth")
		}
	}

	if opts.NthWeek != nil || opts.NthWeekday != nil {
		if opts.NthWeek == nil {
			return invalid("nthWeek", "is required when nthWeekday is set")
		}
		if opts.NthWeekday == nil {
			return invalid("nthWeekday", "is required when nthWeek is set")
		}
		if *opts.NthWeek < 1 || *opts.NthWeek > LastWeek {
			return invalid("nthWeek", "must be within 1..5 (5=last), got %d", *opts.NthWeek)
		}
		if *opts.NthWeekday < 0 || *opts.NthWeekday > 6 {
			return invalid("nthWeekday", "must be within 0..6 (0=Sunday), got %d", *opts.NthWeekday)
		}
		if opts.EndOfMonth {
			return invalid("nthWeek", "cannot be combined with endOfMonth")
		}
		if opts.DayOfMonth != nil {
			return invalid("nthWeek", "cannot be combined with dayOfMonth")
		}
	}

	return nil
}
