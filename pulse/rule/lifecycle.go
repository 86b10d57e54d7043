package rule

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/logger"
	"github.com/teranos/recurra/pulse/recurrence"
	id "github.com/teranos/vanity-id"
)

// State is a rule's lifecycle state, derived at query time.
type State string

const (
	StateActive  State = "ACTIVE"
	StatePaused  State = "PAUSED"
	StateExpired State = "EXPIRED"
	StateDeleted State = "DELETED"
)

// StateAt derives the rule's state at now. Precedence is
// Deleted > Expired > Paused > Active.
func StateAt(r *Rule, now time.Time) State {
	switch {
	case r.DeletedAt != nil:
		return StateDeleted
	case r.IsExpired():
		return StateExpired
	case !r.IsActive || r.InPauseWindow(now):
		return StatePaused
	default:
		return StateActive
	}
}

// IsEligibleNow is the single predicate the runner uses to select work:
// the rule is active, its pending occurrence is due, and the clock has not
// gone backwards relative to what the rule already recorded.
func IsEligibleNow(r *Rule, now time.Time) bool {
	if StateAt(r, now) != StateActive {
		return false
	}
	if r.NextRunAt.After(now) {
		return false
	}
	if r.LastRunAt != nil {
		if now.Before(*r.LastRunAt) || !r.NextRunAt.After(*r.LastRunAt) {
			return false
		}
	}
	return true
}

// PauseWindow is the input to Manager.Pause. A zero window is an
// indefinite explicit pause; otherwise the bounds are stored as-is.
type PauseWindow struct {
	From  *time.Time // first paused date, nil = from now
	Until *time.Time // first active date again, nil = indefinitely
}

// IsZero reports whether neither bound is set.
func (w PauseWindow) IsZero() bool {
	return w.From == nil && w.Until == nil
}

// Manager applies lifecycle transitions and definition changes.
type Manager struct {
	store Store
	log   *zap.SugaredLogger
}

// NewManager creates a lifecycle manager on top of store.
func NewManager(store Store, log *zap.SugaredLogger) *Manager {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Manager{store: store, log: logger.AddPulseSymbol(log)}
}

// Create validates def, aligns its start date to the cadence and stores a new active rule.
func (m *Manager) Create(ctx context.Context, def Definition, now time.Time) (*Rule, error) {
	if err := def.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid rule")
	}

	start := recurrence.Normalize(def.StartDate)
	r := &Rule{
		ID:        id.GenerateASIDSimple("RR", def.Name, string(def.Cadence)),
		Name:      def.Name,
		Kind:      def.Kind,
		Cadence:   def.Cadence,
		Options:   def.Options,
		StartDate: start,
		EndDate:   normalizePtr(def.EndDate),
		IsActive:  true,
		NextRunAt: recurrence.FirstOccurrence(start, def.Cadence, def.Options),
		Template:  def.Template,
	}

	if err := m.store.Create(ctx, r); err != nil {
		return nil, err
	}

	m.log.Infow("Rule created",
		logger.FieldRuleID, r.ID,
		logger.FieldRuleName, r.Name,
		logger.FieldCadence, r.Describe(),
		logger.FieldNextRunAt, recurrence.FormatDate(r.NextRunAt),
	)
	return r, nil
}

// Edit replaces a rule's definition. When the schedule changes, NextRunAt
// is recomputed from the new configuration anchored at the earlier of now
// and the old NextRunAt; an elapsed, unposted occurrence the edit moves
// away from is logged as MISSED.
func (m *Manager) Edit(ctx context.Context, ruleID string, def Definition, now time.Time) (*Rule, error) {
	if err := def.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid rule")
	}

	r, err := m.store.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if r.DeletedAt != nil {
		return nil, transitionError(r, "edit", StateDeleted)
	}

	oldNext := r.NextRunAt
	next := oldNext
	if r.scheduleChanged(def) {
		next = rescheduleFor(r, def, now)
	}

	r.Name = def.Name
	r.Kind = def.Kind
	r.Cadence = def.Cadence
	r.Options = def.Options
	r.StartDate = recurrence.Normalize(def.StartDate)
	r.EndDate = normalizePtr(def.EndDate)
	r.Template = def.Template
	r.NextRunAt = next

	if err := m.store.Update(ctx, r, oldNext); err != nil {
		return nil, err
	}

	if !oldNext.After(now) && !next.Equal(oldNext) {
		missed := NewEntry(now, oldNext, OutcomeMissed)
		missed.ErrorDetail = "schedule edited before this occurrence was posted"
		if err := m.store.AppendLog(ctx, r.ID, missed); err != nil {
			return nil, errors.Wrap(err, "failed to record missed occurrence")
		}
		m.log.Warnw("Edit skipped an elapsed occurrence",
			logger.FieldRuleID, r.ID,
			logger.FieldOccurrence, recurrence.FormatDate(oldNext),
		)
	}

	m.log.Infow("Rule edited",
		logger.FieldRuleID, r.ID,
		logger.FieldCadence, r.Describe(),
		logger.FieldNextRunAt, recurrence.FormatDate(r.NextRunAt),
	)
	return m.store.Get(ctx, r.ID)
}

// rescheduleFor computes NextRunAt for a new definition of r.
func rescheduleFor(r *Rule, def Definition, now time.Time) time.Time {
	anchor := recurrence.Normalize(now)
	if r.NextRunAt.Before(anchor) {
		anchor = r.NextRunAt
	}
	if start := recurrence.Normalize(def.StartDate); start.After(anchor) {
		anchor = start
	}
	if r.LastRunAt != nil && !anchor.After(*r.LastRunAt) {
		anchor = r.LastRunAt.AddDate(0, 0, 1)
	}
	return recurrence.FirstOccurrence(anchor, def.Cadence, def.Options)
}

// Pause pauses a rule. A zero window sets IsActive=false until an explicit
// Resume; otherwise the window is stored and applies whenever now is inside it.
func (m *Manager) Pause(ctx context.Context, ruleID string, window PauseWindow, now time.Time) (*Rule, error) {
	r, err := m.store.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	switch state := StateAt(r, now); state {
	case StateDeleted, StateExpired:
		return nil, transitionError(r, "pause", state)
	}

	if window.IsZero() {
		if !r.IsActive {
			return nil, transitionError(r, "pause", StatePaused)
		}
		err = m.store.SetActive(ctx, r.ID, false)
	} else {
		from, until := normalizePtr(window.From), normalizePtr(window.Until)
		if from != nil && until != nil && !until.After(*from) {
			return nil, errors.Mark(&recurrence.ValidationError{
				Field:   "resumeOn",
				Message: "must be after the pause start",
			}, errors.ErrInvalidRequest)
		}
		err = m.store.SetPauseWindow(ctx, r.ID, from, until)
	}
	if err != nil {
		return nil, err
	}

	m.log.Infow("Rule paused", logger.FieldRuleID, r.ID,
		"pause_from", datePtrString(window.From), "resume_on", datePtrString(window.Until))
	return m.store.Get(ctx, r.ID)
}

// Resume ends a pause now: the rule becomes active and any pause window is cleared.
func (m *Manager) Resume(ctx context.Context, ruleID string, now time.Time) (*Rule, error) {
	r, err := m.store.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if state := StateAt(r, now); state != StatePaused {
		return nil, transitionError(r, "resume", state)
	}

	if r.PauseUntil != nil || r.ResumeOn != nil {
		if err := m.store.SetPauseWindow(ctx, r.ID, nil, nil); err != nil {
			return nil, err
		}
	}
	if !r.IsActive {
		if err := m.store.SetActive(ctx, r.ID, true); err != nil {
			return nil, err
		}
	}

	m.log.Infow("Rule resumed", logger.FieldRuleID, r.ID,
		logger.FieldNextRunAt, recurrence.FormatDate(r.NextRunAt))
	return m.store.Get(ctx, r.ID)
}

// Activate sets IsActive on an explicitly deactivated rule. Unlike Resume it
// leaves any configured pause window in place.
func (m *Manager) Activate(ctx context.Context, ruleID string, now time.Time) (*Rule, error) {
	r, err := m.store.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if r.DeletedAt != nil {
		return nil, transitionError(r, "activate", StateDeleted)
	}
	if r.IsActive {
		return nil, transitionError(r, "activate", StateAt(r, now))
	}

	if err := m.store.SetActive(ctx, r.ID, true); err != nil {
		return nil, err
	}
	m.log.Infow("Rule activated", logger.FieldRuleID, r.ID)
	return m.store.Get(ctx, r.ID)
}

// Delete soft-deletes a rule. Its run log stays queryable.
func (m *Manager) Delete(ctx context.Context, ruleID string, now time.Time) error {
	r, err := m.store.Get(ctx, ruleID)
	if err != nil {
		return err
	}
	if r.DeletedAt != nil {
		return transitionError(r, "delete", StateDeleted)
	}

	if err := m.store.SoftDelete(ctx, r.ID, now); err != nil {
		return err
	}
	m.log.Infow("Rule deleted", logger.FieldRuleID, r.ID, logger.FieldRuleName, r.Name)
	return nil
}

// Reschedule moves the pending occurrence to date by hand. The date must be
// an occurrence of the rule's cadence and lie after LastRunAt.
func (m *Manager) Reschedule(ctx context.Context, ruleID string, date time.Time, now time.Time) (*Rule, error) {
	r, err := m.store.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	if r.DeletedAt != nil {
		return nil, transitionError(r, "reschedule", StateDeleted)
	}

	date = recurrence.Normalize(date)
	if !recurrence.Matches(date, r.Cadence, r.Options) {
		return nil, errors.WithHintf(
			errors.Mark(&recurrence.ValidationError{
				Field:   "nextRunAt",
				Message: recurrence.FormatDate(date) + " is not an occurrence of " + r.Describe(),
			}, errors.ErrInvalidRequest),
			"use 'recurra rule preview %s' to list valid dates", r.ID)
	}
	if r.LastRunAt != nil && !date.After(*r.LastRunAt) {
		return nil, errors.Mark(&recurrence.ValidationError{
			Field:   "nextRunAt",
			Message: "must be after the last posted occurrence " + recurrence.FormatDate(*r.LastRunAt),
		}, errors.ErrInvalidRequest)
	}

	if err := m.store.Reschedule(ctx, r.ID, r.NextRunAt, date); err != nil {
		return nil, err
	}
	m.log.Infow("Rule rescheduled",
		logger.FieldRuleID, r.ID,
		"from", recurrence.FormatDate(r.NextRunAt),
		logger.FieldNextRunAt, recurrence.FormatDate(date),
	)
	return m.store.Get(ctx, r.ID)
}

func transitionError(r *Rule, action string, state State) error {
	return errors.Mark(
		errors.Newf("cannot %s rule %s: rule is %s", action, r.ID, state),
		errors.ErrInvalidTransition)
}

func normalizePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	n := recurrence.Normalize(*t)
	return &n
}

func datePtrString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return recurrence.FormatDate(*t)
}
