package rule

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/internal/util"
	"github.com/teranos/recurra/pulse/recurrence"
)

func newTestManager(t *testing.T) (*Manager, *SQLiteStore) {
	t.Helper()
	store := newTestStore(t)
	return NewManager(store, zaptest.NewLogger(t).Sugar()), store
}

func monthlyDef(name string, dom int, start string) Definition {
	return Definition{
		Name:      name,
		Kind:      KindExpense,
		Cadence:   recurrence.Monthly,
		Options:   recurrence.Options{DayOfMonth: util.Ptr(dom)},
		StartDate: date(start),
		Template: Template{
			Counterparty: "Adobe",
			Amount:       decimal.RequireFromString("16.00"),
		},
	}
}

func TestManager_Create(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	r, err := m.Create(ctx, monthlyDef("Adobe", 15, "2025-01-20"), storeNow)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(r.ID, "RR"))
	assert.True(t, r.IsActive)
	assert.Equal(t, date("2025-02-15"), r.NextRunAt, "start is aligned to the first occurrence on or after it")

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, r.NextRunAt, got.NextRunAt)
}

func TestManager_CreateRejectsInvalidOptions(t *testing.T) {
	m, store := newTestManager(t)

	def := monthlyDef("Bad", 1, "2025-01-01")
	def.Options.EndOfMonth = true

	_, err := m.Create(context.Background(), def, storeNow)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
	field, _ := recurrence.InvalidField(err)
	assert.Equal(t, "dayOfMonth", field)

	rules, err := store.List(context.Background(), ListFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, rules)
}

func TestManager_EditLogsMissedOccurrence(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	r, err := m.Create(ctx, monthlyDef("Rent", 1, "2025-01-01"), storeNow)
	require.NoError(t, err)
	require.Equal(t, date("2025-01-01"), r.NextRunAt)

	// Jan 1 elapsed without being posted; the edit moves the schedule to the 3rd
	now := time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC)
	edited, err := m.Edit(ctx, r.ID, monthlyDef("Rent", 3, "2025-01-01"), now)
	require.NoError(t, err)
	assert.Equal(t, date("2025-01-03"), edited.NextRunAt)

	log, err := store.GetLog(ctx, r.ID, 0)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, OutcomeMissed, log[0].Outcome)
	assert.Equal(t, date("2025-01-01"), log[0].ScheduledFor)
}

func TestManager_EditBeforeDueLogsNothing(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	r, err := m.Create(ctx, monthlyDef("Rent", 1, "2025-01-01"), storeNow)
	require.NoError(t, err)

	now := time.Date(2024, 12, 20, 0, 0, 0, 0, time.UTC)
	edited, err := m.Edit(ctx, r.ID, monthlyDef("Rent", 3, "2025-01-01"), now)
	require.NoError(t, err)
	assert.Equal(t, date("2025-01-03"), edited.NextRunAt)

	log, err := store.GetLog(ctx, r.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestManager_EditTemplateKeepsSchedule(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	r, err := m.Create(ctx, monthlyDef("Rent", 1, "2025-01-01"), storeNow)
	require.NoError(t, err)

	def := monthlyDef("Rent", 1, "2025-01-01")
	def.Template.Amount = decimal.RequireFromString("18.50")
	edited, err := m.Edit(ctx, r.ID, def, time.Date(2025, 1, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, date("2025-01-01"), edited.NextRunAt)
	assert.True(t, edited.Template.Amount.Equal(decimal.RequireFromString("18.5")))

	log, err := store.GetLog(ctx, r.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, log)
}

func TestManager_EditAfterPostingStaysAfterLastRun(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	r, err := m.Create(ctx, monthlyDef("Rent", 1, "2025-01-01"), storeNow)
	require.NoError(t, err)

	key := r.IdempotencyKey()
	require.NoError(t, store.ClaimOccurrence(ctx, key, storeNow))
	require.NoError(t, store.CompareAndAdvance(ctx, key, date("2025-02-01"), SuccessEntry(storeNow, key.ScheduledFor, "EXP-1")))

	// A start date before the last posting never pulls NextRunAt back onto it.
	def := monthlyDef("Rent", 1, "2024-06-01")
	def.Options = recurrence.Options{EndOfMonth: true}
	edited, err := m.Edit(ctx, r.ID, def, time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, date("2025-01-31"), edited.NextRunAt)
	assert.True(t, edited.NextRunAt.After(*edited.LastRunAt))
}

func TestManager_PauseResume(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	now := storeNow

	r, err := m.Create(ctx, monthlyDef("Rent", 1, "2025-01-01"), now)
	require.NoError(t, err)

	paused, err := m.Pause(ctx, r.ID, PauseWindow{}, now)
	require.NoError(t, err)
	assert.False(t, paused.IsActive)
	assert.Equal(t, StatePaused, StateAt(paused, now))

	_, err = m.Pause(ctx, r.ID, PauseWindow{}, now)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	resumed, err := m.Resume(ctx, r.ID, now)
	require.NoError(t, err)
	assert.Equal(t, StateActive, StateAt(resumed, now))
	assert.Equal(t, r.NextRunAt, resumed.NextRunAt)

	_, err = m.Resume(ctx, r.ID, now)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}

func TestManager_PauseWindow(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	r, err := m.Create(ctx, monthlyDef("Rent", 1, "2025-01-01"), storeNow)
	require.NoError(t, err)

	window := PauseWindow{From: datePtr("2025-03-01"), Until: datePtr("2025-04-01")}
	paused, err := m.Pause(ctx, r.ID, window, storeNow)
	require.NoError(t, err)
	assert.True(t, paused.IsActive, "a window does not touch the active flag")
	assert.Equal(t, StatePaused, StateAt(paused, date("2025-03-15")))
	assert.Equal(t, StateActive, StateAt(paused, date("2025-04-01")))

	// Resume ends the window early
	resumed, err := m.Resume(ctx, r.ID, date("2025-03-15"))
	require.NoError(t, err)
	assert.Nil(t, resumed.PauseUntil)
	assert.Nil(t, resumed.ResumeOn)

	_, err = m.Pause(ctx, r.ID, PauseWindow{From: datePtr("2025-05-01"), Until: datePtr("2025-05-01")}, storeNow)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestManager_Activate(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	r, err := m.Create(ctx, monthlyDef("Rent", 1, "2025-01-01"), storeNow)
	require.NoError(t, err)

	_, err = m.Activate(ctx, r.ID, storeNow)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	_, err = m.Pause(ctx, r.ID, PauseWindow{}, storeNow)
	require.NoError(t, err)
	activated, err := m.Activate(ctx, r.ID, storeNow)
	require.NoError(t, err)
	assert.True(t, activated.IsActive)
}

func TestManager_Delete(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	r, err := m.Create(ctx, monthlyDef("Rent", 1, "2025-01-01"), storeNow)
	require.NoError(t, err)
	require.NoError(t, store.AppendLog(ctx, r.ID, SimulatedEntry(storeNow, r.NextRunAt)))

	require.NoError(t, m.Delete(ctx, r.ID, storeNow))

	got, err := store.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateDeleted, StateAt(got, storeNow))
	assert.False(t, got.IsActive)
	assert.Len(t, got.RunLog, 1)

	assert.True(t, errors.Is(m.Delete(ctx, r.ID, storeNow), errors.ErrInvalidTransition))
	_, err = m.Resume(ctx, r.ID, storeNow)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
	_, err = m.Edit(ctx, r.ID, monthlyDef("Rent", 2, "2025-01-01"), storeNow)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))

	err = m.Delete(ctx, "RR_missing", storeNow)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestManager_PauseExpiredRule(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	def := monthlyDef("Short", 1, "2025-01-01")
	def.EndDate = datePtr("2025-01-01")
	r, err := m.Create(ctx, def, storeNow)
	require.NoError(t, err)
	require.Equal(t, StateActive, StateAt(r, storeNow))

	r, err = m.Reschedule(ctx, r.ID, date("2025-02-01"), storeNow)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, StateAt(r, storeNow))

	_, err = m.Pause(ctx, r.ID, PauseWindow{}, storeNow)
	assert.True(t, errors.Is(err, errors.ErrInvalidTransition))
}

func TestManager_Reschedule(t *testing.T) {
	ctx := context.Background()
	m, store := newTestManager(t)

	def := Definition{
		Name:      "Standup lunch",
		Kind:      KindExpense,
		Cadence:   recurrence.Weekly,
		Options:   recurrence.Options{Weekday: util.Ptr(1)},
		StartDate: date("2025-01-01"),
		Template:  Template{Counterparty: "Deli", Amount: decimal.NewFromInt(40)},
	}
	r, err := m.Create(ctx, def, storeNow)
	require.NoError(t, err)
	require.Equal(t, date("2025-01-06"), r.NextRunAt)

	_, err = m.Reschedule(ctx, r.ID, date("2025-01-14"), storeNow)
	require.Error(t, err)
	field, _ := recurrence.InvalidField(err)
	assert.Equal(t, "nextRunAt", field)

	moved, err := m.Reschedule(ctx, r.ID, date("2025-01-13"), storeNow)
	require.NoError(t, err)
	assert.Equal(t, date("2025-01-13"), moved.NextRunAt)

	key := moved.IdempotencyKey()
	require.NoError(t, store.ClaimOccurrence(ctx, key, storeNow))
	require.NoError(t, store.CompareAndAdvance(ctx, key, date("2025-01-20"), SuccessEntry(storeNow, key.ScheduledFor, "EXP-1")))

	_, err = m.Reschedule(ctx, r.ID, date("2025-01-13"), storeNow)
	assert.True(t, errors.IsInvalidRequestError(err))
}
