package rule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/recurra/internal/util"
	"github.com/teranos/recurra/pulse/recurrence"
)

func date(s string) time.Time {
	t, err := recurrence.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}

func datePtr(s string) *time.Time {
	return util.Ptr(date(s))
}

func activeRule(next string) *Rule {
	return &Rule{
		ID:        "RR_test",
		Cadence:   recurrence.Monthly,
		StartDate: date("2025-01-01"),
		IsActive:  true,
		NextRunAt: date(next),
	}
}

func TestIsEligibleNow(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		mutate func(r *Rule)
		want   bool
	}{
		{"due today", func(r *Rule) {}, true},
		{"due in the past", func(r *Rule) { r.NextRunAt = date("2025-02-10") }, true},
		{"not yet due", func(r *Rule) { r.NextRunAt = date("2025-03-11") }, false},
		{"explicitly paused", func(r *Rule) { r.IsActive = false }, false},
		{"inside pause window", func(r *Rule) {
			r.PauseUntil, r.ResumeOn = datePtr("2025-03-01"), datePtr("2025-03-15")
		}, false},
		{"resume boundary reached", func(r *Rule) {
			r.PauseUntil, r.ResumeOn = datePtr("2025-03-01"), datePtr("2025-03-10")
		}, true},
		{"window not started", func(r *Rule) { r.PauseUntil = datePtr("2025-03-11") }, true},
		{"open-ended window started", func(r *Rule) { r.PauseUntil = datePtr("2025-03-10") }, false},
		{"paused until resume date", func(r *Rule) { r.ResumeOn = datePtr("2025-03-12") }, false},
		{"deleted", func(r *Rule) { r.DeletedAt = util.Ptr(now.Add(-time.Hour)) }, false},
		{"expired", func(r *Rule) { r.EndDate = datePtr("2025-03-05") }, false},
		{"end date equals occurrence", func(r *Rule) { r.EndDate = datePtr("2025-03-10") }, true},
		{"clock before last run", func(r *Rule) { r.LastRunAt = datePtr("2025-03-11") }, false},
		{"next not after last run", func(r *Rule) { r.LastRunAt = datePtr("2025-03-10") }, false},
		{"last run before next", func(r *Rule) { r.LastRunAt = datePtr("2025-02-10") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := activeRule("2025-03-10")
			tt.mutate(r)
			assert.Equal(t, tt.want, IsEligibleNow(r, now))
		})
	}
}

func TestStateAt_Precedence(t *testing.T) {
	now := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

	r := activeRule("2025-03-10")
	assert.Equal(t, StateActive, StateAt(r, now))

	r.IsActive = false
	assert.Equal(t, StatePaused, StateAt(r, now))

	r.EndDate = datePtr("2025-03-01")
	assert.Equal(t, StateExpired, StateAt(r, now))

	r.DeletedAt = util.Ptr(now)
	assert.Equal(t, StateDeleted, StateAt(r, now))
}

func TestPauseWindow_ReappliesWhenReconfigured(t *testing.T) {
	r := activeRule("2025-06-01")
	r.PauseUntil, r.ResumeOn = datePtr("2025-04-01"), datePtr("2025-05-01")

	assert.False(t, r.InPauseWindow(date("2025-03-31")))
	assert.True(t, r.InPauseWindow(date("2025-04-01")))
	assert.True(t, r.InPauseWindow(date("2025-04-30").Add(23*time.Hour)))
	assert.False(t, r.InPauseWindow(date("2025-05-01")))

	// A new window later in the year pauses again without any other action
	r.PauseUntil, r.ResumeOn = datePtr("2025-08-01"), datePtr("2025-09-01")
	assert.False(t, r.InPauseWindow(date("2025-07-15")))
	assert.True(t, r.InPauseWindow(date("2025-08-15")))
}

func TestIdempotencyKey(t *testing.T) {
	r := activeRule("2025-03-10")
	key := r.IdempotencyKey()
	assert.Equal(t, "RR_test", key.RuleID)
	assert.Equal(t, "RR_test@2025-03-10", key.String())

	// Same occurrence, same key regardless of time of day
	other := IdempotencyKey{RuleID: "RR_test", ScheduledFor: date("2025-03-10").Add(15 * time.Hour)}
	assert.Equal(t, key.String(), other.String())
}

func TestDefinitionValidate(t *testing.T) {
	valid := Definition{
		Name:      "Acme retainer",
		Kind:      KindInvoice,
		Cadence:   recurrence.Monthly,
		Options:   recurrence.Options{DayOfMonth: util.Ptr(1)},
		StartDate: date("2025-01-01"),
		Template:  Template{Counterparty: "Acme"},
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(d *Definition)
		field  string
	}{
		{"missing name", func(d *Definition) { d.Name = " " }, "name"},
		{"bad kind", func(d *Definition) { d.Kind = "TRANSFER" }, "kind"},
		{"bad option", func(d *Definition) { d.Options.DayOfMonth = util.Ptr(0) }, "dayOfMonth"},
		{"missing start", func(d *Definition) { d.StartDate = time.Time{} }, "startDate"},
		{"end before start", func(d *Definition) { d.EndDate = datePtr("2024-12-31") }, "endDate"},
		{"missing counterparty", func(d *Definition) { d.Template.Counterparty = "" }, "template.counterparty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			d.Options = recurrence.Options{DayOfMonth: util.Ptr(1)}
			tt.mutate(&d)
			field, ok := recurrence.InvalidField(d.Validate())
			assert.True(t, ok)
			assert.Equal(t, tt.field, field)
		})
	}
}
