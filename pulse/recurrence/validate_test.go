package recurrence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/internal/util"
)

func TestValidateOptions_Valid(t *testing.T) {
	valid := []struct {
		cadence Cadence
		opts    Options
	}{
		{Daily, Options{}},
		{Daily, Options{Interval: 3}},
		{Weekly, Options{Weekday: util.Ptr(0)}},
		{Weekly, Options{Weekday: util.Ptr(6), Interval: 2}},
		{Monthly, Options{}},
		{Monthly, Options{DayOfMonth: util.Ptr(31)}},
		{Monthly, Options{EndOfMonth: true}},
		{Monthly, Options{NthWeek: util.Ptr(LastWeek), NthWeekday: util.Ptr(5)}},
		{Annual, Options{}},
	}
	for _, v := range valid {
		assert.NoError(t, ValidateOptions(v.cadence, v.opts), "%s %+v", v.cadence, v.opts)
	}
}

func TestValidateOptions_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		cadence Cadence
		opts    Options
		field   string
	}{
		{"unknown cadence", Cadence("HOURLY"), Options{}, "cadence"},
		{"negative interval", Daily, Options{Interval: -1}, "interval"},
		{"weekday out of range", Weekly, Options{Weekday: util.Ptr(7)}, "weekday"},
		{"weekday on monthly", Monthly, Options{Weekday: util.Ptr(1)}, "weekday"},
		{"day of month zero", Monthly, Options{DayOfMonth: util.Ptr(0)}, "dayOfMonth"},
		{"day of month 32", Monthly, Options{DayOfMonth: util.Ptr(32)}, "dayOfMonth"},
		{"day of month on weekly", Weekly, Options{DayOfMonth: util.Ptr(3)}, "dayOfMonth"},
		{"end of month on annual", Annual, Options{EndOfMonth: true}, "endOfMonth"},
		{"end of month with day", Monthly, Options{EndOfMonth: true, DayOfMonth: util.Ptr(15)}, "dayOfMonth"},
		{"nth week without weekday", Monthly, Options{NthWeek: util.Ptr(2)}, "nthWeekday"},
		{"nth weekday without week", Monthly, Options{NthWeekday: util.Ptr(2)}, "nthWeek"},
		{"nth week 6", Monthly, Options{NthWeek: util.Ptr(6), NthWeekday: util.Ptr(1)}, "nthWeek"},
		{"nth weekday 7", Monthly, Options{NthWeek: util.Ptr(1), NthWeekday: util.Ptr(7)}, "nthWeekday"},
		{"nth with end of month", Monthly, Options{EndOfMonth: true, NthWeek: util.Ptr(1), NthWeekday: util.Ptr(1)}, "nthWeek"},
		{"nth with day of month", Monthly, Options{DayOfMonth: util.Ptr(1), NthWeek: util.Ptr(1), NthWeekday: util.Ptr(1)}, "nthWeek"},
		{"nth on daily", Daily, Options{NthWeek: util.Ptr(1), NthWeekday: util.Ptr(1)}, "nthWeek"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateOptions(tt.cadence, tt.opts)
			require.Error(t, err)
			assert.True(t, errors.IsInvalidRequestError(err))

			field, ok := InvalidField(err)
			require.True(t, ok)
			assert.Equal(t, tt.field, field)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestInvalidField_SurvivesWrapping(t *testing.T) {
	err := errors.Wrap(ValidateOptions(Monthly, Options{DayOfMonth: util.Ptr(40)}), "failed to create rule")

	field, ok := InvalidField(err)
	assert.True(t, ok)
	assert.Equal(t, "dayOfMonth", field)

	_, ok = InvalidField(errors.New("plain"))
	assert.False(t, ok)
}
