// Package rule provides recurring posting rules, their lifecycle and their
// durable store.
//
// A Rule is a posting template plus schedule state. The schedule state
// (NextRunAt, LastRunAt) only ever moves through the Store's
// compare-and-swap operations, so two runners racing on the same rule
// cannot both advance it.
package rule

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/pulse/recurrence"
)

// Kind selects which ledger operation a rule posts through.
type Kind string

const (
	KindExpense Kind = "EXPENSE"
	KindInvoice Kind = "INVOICE"
)

// ParseKind parses EXPENSE or INVOICE, case-insensitively.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(s))); k {
	case KindExpense, KindInvoice:
		return k, nil
	default:
		return "", errors.Mark(&recurrence.ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("must be EXPENSE or INVOICE, got %q", s),
		}, errors.ErrInvalidRequest)
	}
}

// Template is the posting payload a rule materializes on every occurrence.
// The scheduler does not interpret it beyond handing it to the ledger.
type Template struct {
	Counterparty string            `json:"counterparty" yaml:"counterparty" toml:"counterparty"`
	Amount       decimal.Decimal   `json:"amount" yaml:"amount" toml:"amount"`
	Description  string            `json:"description,omitempty" yaml:"description,omitempty" toml:"description,omitempty"`
	Category     string            `json:"category,omitempty" yaml:"category,omitempty" toml:"category,omitempty"`
	Reference    string            `json:"reference,omitempty" yaml:"reference,omitempty" toml:"reference,omitempty"`
	Extra        map[string]string `json:"extra,omitempty" yaml:"extra,omitempty" toml:"extra,omitempty"`
}

// Rule is a recurring posting rule.
type Rule struct {
	ID      string
	Name    string
	Kind    Kind
	Cadence recurrence.Cadence
	Options recurrence.Options

	StartDate time.Time
	EndDate   *time.Time

	// PauseUntil and ResumeOn bound the pause window [PauseUntil, ResumeOn).
	// Either end may be open; both unset means no window.
	PauseUntil *time.Time
	ResumeOn   *time.Time

	IsActive  bool
	DeletedAt *time.Time

	NextRunAt time.Time
	LastRunAt *time.Time // date of the last successfully posted occurrence

	Template Template

	// RunLog holds the retained audit entries, oldest first
	RunLog []RunLogEntry

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Definition is the user-supplied part of a rule: everything except
// identity and schedule state.
type Definition struct {
	Name      string
	Kind      Kind
	Cadence   recurrence.Cadence
	Options   recurrence.Options
	StartDate time.Time
	EndDate   *time.Time
	Template  Template
}

// Validate checks a definition before it is turned into a rule.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return invalidField("name", "is required")
	}
	if _, err := ParseKind(string(d.Kind)); err != nil {
		return err
	}
	if err := recurrence.ValidateOptions(d.Cadence, d.Options); err != nil {
		return err
	}
	if d.StartDate.IsZero() {
		return invalidField("startDate", "is required")
	}
	if d.EndDate != nil && d.EndDate.Before(recurrence.Normalize(d.StartDate)) {
		return invalidField("endDate", "must not be before startDate")
	}
	if strings.TrimSpace(d.Template.Counterparty) == "" {
		return invalidField("template.counterparty", "is required")
	}
	if d.Template.Amount.IsNegative() {
		return invalidField("template.amount", "must not be negative")
	}
	return nil
}

func invalidField(field, msg string) error {
	return errors.Mark(&recurrence.ValidationError{Field: field, Message: msg}, errors.ErrInvalidRequest)
}

// Definition returns the user-supplied part of the rule.
func (r *Rule) Definition() Definition {
	return Definition{
		Name:      r.Name,
		Kind:      r.Kind,
		Cadence:   r.Cadence,
		Options:   r.Options,
		StartDate: r.StartDate,
		EndDate:   r.EndDate,
		Template:  r.Template,
	}
}

// scheduleChanged reports whether d would produce different occurrence dates than r.
func (r *Rule) scheduleChanged(d Definition) bool {
	return r.Cadence != d.Cadence ||
		!optionsEqual(r.Options, d.Options) ||
		!r.StartDate.Equal(recurrence.Normalize(d.StartDate))
}

func optionsEqual(a, b recurrence.Options) bool {
	eq := func(x, y *int) bool {
		if x == nil || y == nil {
			return x == y
		}
		return *x == *y
	}
	return a.Interval == b.Interval &&
		a.EndOfMonth == b.EndOfMonth &&
		eq(a.Weekday, b.Weekday) &&
		eq(a.DayOfMonth, b.DayOfMonth) &&
		eq(a.NthWeek, b.NthWeek) &&
		eq(a.NthWeekday, b.NthWeekday)
}

// IdempotencyKey identifies one occurrence of one rule, independent of how
// many times a run is triggered for it.
type IdempotencyKey struct {
	RuleID       string
	ScheduledFor time.Time
}

// String renders the key as ruleID@YYYY-MM-DD.
func (k IdempotencyKey) String() string {
	return k.RuleID + "@" + recurrence.FormatDate(k.ScheduledFor)
}

// IdempotencyKey returns the key of the rule's pending occurrence.
func (r *Rule) IdempotencyKey() IdempotencyKey {
	return IdempotencyKey{RuleID: r.ID, ScheduledFor: r.NextRunAt}
}

// IsExpired reports whether the pending occurrence lies past EndDate.
func (r *Rule) IsExpired() bool {
	return r.EndDate != nil && r.NextRunAt.After(*r.EndDate)
}

// InPauseWindow reports whether now's calendar date falls inside [PauseUntil, ResumeOn).
func (r *Rule) InPauseWindow(now time.Time) bool {
	if r.PauseUntil == nil && r.ResumeOn == nil {
		return false
	}
	today := recurrence.Normalize(now)
	if r.PauseUntil != nil && today.Before(*r.PauseUntil) {
		return false
	}
	if r.ResumeOn != nil && !today.Before(*r.ResumeOn) {
		return false
	}
	return true
}

// Describe renders the rule's cadence in words.
func (r *Rule) Describe() string {
	return recurrence.Describe(r.Cadence, r.Options)
}
