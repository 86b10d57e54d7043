package rule

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/recurra/errors"
	rectest "github.com/teranos/recurra/internal/testing"
	"github.com/teranos/recurra/internal/util"
	"github.com/teranos/recurra/pulse/recurrence"
)

var storeNow = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...StoreOption) *SQLiteStore {
	t.Helper()
	opts = append([]StoreOption{WithClock(func() time.Time { return storeNow })}, opts...)
	return NewSQLiteStore(rectest.CreateTestDB(t), opts...)
}

func sampleRule(id, name, next string) *Rule {
	return &Rule{
		ID:        id,
		Name:      name,
		Kind:      KindInvoice,
		Cadence:   recurrence.Monthly,
		Options:   recurrence.Options{DayOfMonth: util.Ptr(1)},
		StartDate: date("2025-01-01"),
		IsActive:  true,
		NextRunAt: date(next),
		Template: Template{
			Counterparty: "Acme",
			Amount:       decimal.RequireFromString("300.00"),
			Description:  "Monthly retainer",
			Extra:        map[string]string{"project": "alpha"},
		},
	}
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	r := sampleRule("RR_one", "Acme retainer", "2025-02-01")
	r.EndDate = datePtr("2025-12-31")
	require.NoError(t, store.Create(ctx, r))
	assert.Equal(t, storeNow, r.CreatedAt)

	got, err := store.Get(ctx, "RR_one")
	require.NoError(t, err)
	assert.Equal(t, "Acme retainer", got.Name)
	assert.Equal(t, KindInvoice, got.Kind)
	assert.Equal(t, recurrence.Monthly, got.Cadence)
	assert.Equal(t, 1, *got.Options.DayOfMonth)
	assert.Nil(t, got.Options.Weekday)
	assert.Equal(t, date("2025-02-01"), got.NextRunAt)
	assert.Equal(t, date("2025-12-31"), *got.EndDate)
	assert.Nil(t, got.LastRunAt)
	assert.Nil(t, got.PauseUntil)
	assert.True(t, got.IsActive)
	assert.True(t, got.Template.Amount.Equal(decimal.NewFromInt(300)))
	assert.Equal(t, "alpha", got.Template.Extra["project"])
	assert.Empty(t, got.RunLog)
}

func TestSQLiteStore_GetNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "RR_missing")
	assert.True(t, errors.IsNotFoundError(err))

	_, err = store.GetByName(context.Background(), "nobody")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSQLiteStore_UniqueLiveNames(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Create(ctx, sampleRule("RR_one", "Rent", "2025-02-01")))

	err := store.Create(ctx, sampleRule("RR_two", "Rent", "2025-02-01"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	// Deleting releases the name
	require.NoError(t, store.SoftDelete(ctx, "RR_one", storeNow))
	require.NoError(t, store.Create(ctx, sampleRule("RR_two", "Rent", "2025-02-01")))

	got, err := store.GetByName(ctx, "Rent")
	require.NoError(t, err)
	assert.Equal(t, "RR_two", got.ID)
}

func TestSQLiteStore_List(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.Create(ctx, sampleRule("RR_late", "late", "2025-04-01")))
	require.NoError(t, store.Create(ctx, sampleRule("RR_early", "early", "2025-02-01")))
	require.NoError(t, store.Create(ctx, sampleRule("RR_gone", "gone", "2025-01-01")))
	require.NoError(t, store.SoftDelete(ctx, "RR_gone", storeNow))

	all, err := store.List(ctx, ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "RR_early", all[0].ID)
	assert.Equal(t, "RR_late", all[1].ID)

	due, err := store.List(ctx, ListFilter{DueBy: date("2025-03-01")})
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "RR_early", due[0].ID)

	withDeleted, err := store.List(ctx, ListFilter{IncludeDeleted: true})
	require.NoError(t, err)
	require.Len(t, withDeleted, 3)
	assert.Equal(t, "RR_gone", withDeleted[0].ID)
	assert.NotNil(t, withDeleted[0].DeletedAt)
	assert.False(t, withDeleted[0].IsActive)
}

func TestSQLiteStore_ClaimAdvance(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, sampleRule("RR_one", "one", "2025-02-01")))

	key := IdempotencyKey{RuleID: "RR_one", ScheduledFor: date("2025-02-01")}
	require.NoError(t, store.ClaimOccurrence(ctx, key, storeNow))

	// A second claim inside the lease is refused
	err := store.ClaimOccurrence(ctx, key, storeNow.Add(time.Second))
	assert.True(t, errors.Is(err, errors.ErrConflict))

	entry := SuccessEntry(storeNow, key.ScheduledFor, "INV-1")
	require.NoError(t, store.CompareAndAdvance(ctx, key, date("2025-03-01"), entry))

	got, err := store.Get(ctx, "RR_one")
	require.NoError(t, err)
	assert.Equal(t, date("2025-03-01"), got.NextRunAt)
	require.NotNil(t, got.LastRunAt)
	assert.Equal(t, date("2025-02-01"), *got.LastRunAt)
	require.Len(t, got.RunLog, 1)
	assert.Equal(t, OutcomeSuccess, got.RunLog[0].Outcome)
	assert.Equal(t, "INV-1", got.RunLog[0].PostingReference)
	assert.Equal(t, date("2025-02-01"), got.RunLog[0].ScheduledFor)

	// The occurrence is spent: advancing or claiming it again conflicts
	err = store.CompareAndAdvance(ctx, key, date("2025-03-01"), SuccessEntry(storeNow, key.ScheduledFor, "INV-2"))
	assert.True(t, errors.Is(err, errors.ErrConflict))
	err = store.ClaimOccurrence(ctx, key, storeNow.Add(time.Hour))
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestSQLiteStore_ClaimRequiresCurrentOccurrence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, sampleRule("RR_one", "one", "2025-02-01")))

	err := store.ClaimOccurrence(ctx, IdempotencyKey{RuleID: "RR_one", ScheduledFor: date("2025-01-01")}, storeNow)
	assert.True(t, errors.Is(err, errors.ErrConflict))

	err = store.ClaimOccurrence(ctx, IdempotencyKey{RuleID: "RR_nope", ScheduledFor: date("2025-02-01")}, storeNow)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSQLiteStore_StaleClaimTakeover(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, WithClaimLease(time.Minute))
	require.NoError(t, store.Create(ctx, sampleRule("RR_one", "one", "2025-02-01")))

	key := IdempotencyKey{RuleID: "RR_one", ScheduledFor: date("2025-02-01")}
	require.NoError(t, store.ClaimOccurrence(ctx, key, storeNow))
	assert.Error(t, store.ClaimOccurrence(ctx, key, storeNow.Add(30*time.Second)))
	assert.NoError(t, store.ClaimOccurrence(ctx, key, storeNow.Add(2*time.Minute)))
}

func TestSQLiteStore_ReleaseKeepsSchedule(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, sampleRule("RR_one", "one", "2025-02-01")))

	key := IdempotencyKey{RuleID: "RR_one", ScheduledFor: date("2025-02-01")}
	require.NoError(t, store.ClaimOccurrence(ctx, key, storeNow))
	require.NoError(t, store.ReleaseOccurrence(ctx, key, FailureEntry(storeNow, key.ScheduledFor, errors.New("ledger down"))))

	got, err := store.Get(ctx, "RR_one")
	require.NoError(t, err)
	assert.Equal(t, date("2025-02-01"), got.NextRunAt)
	assert.Nil(t, got.LastRunAt)
	require.Len(t, got.RunLog, 1)
	assert.Equal(t, OutcomeFailure, got.RunLog[0].Outcome)
	assert.Equal(t, "ledger down", got.RunLog[0].ErrorDetail)

	// Released: the occurrence can be claimed again immediately
	assert.NoError(t, store.ClaimOccurrence(ctx, key, storeNow.Add(time.Second)))
}

func TestSQLiteStore_ConcurrentClaimsOneWinner(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, sampleRule("RR_one", "one", "2025-02-01")))
	key := IdempotencyKey{RuleID: "RR_one", ScheduledFor: date("2025-02-01")}

	var wg sync.WaitGroup
	results := make([]error, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = store.ClaimOccurrence(ctx, key, storeNow)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			assert.True(t, errors.Is(err, errors.ErrConflict), "unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestSQLiteStore_RunLogRing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, WithRunLogLimit(3))
	require.NoError(t, store.Create(ctx, sampleRule("RR_one", "one", "2025-02-01")))

	for i := 1; i <= 5; i++ {
		e := SimulatedEntry(storeNow.Add(time.Duration(i)*time.Minute), date("2025-02-01"))
		e.PostingReference = string(rune('0' + i))
		require.NoError(t, store.AppendLog(ctx, "RR_one", e))
	}

	log, err := store.GetLog(ctx, "RR_one", 0)
	require.NoError(t, err)
	require.Len(t, log, 3)
	assert.Equal(t, "5", log[0].PostingReference)
	assert.Equal(t, "4", log[1].PostingReference)
	assert.Equal(t, "3", log[2].PostingReference)
	assert.True(t, log[0].Simulated)

	limited, err := store.GetLog(ctx, "RR_one", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	got, err := store.Get(ctx, "RR_one")
	require.NoError(t, err)
	require.Len(t, got.RunLog, 3)
	assert.Equal(t, "3", got.RunLog[0].PostingReference, "Rule.RunLog is oldest first")
}

func TestSQLiteStore_DeletedRuleLogQueryable(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, sampleRule("RR_one", "one", "2025-02-01")))
	require.NoError(t, store.AppendLog(ctx, "RR_one", SuccessEntry(storeNow, date("2025-02-01"), "INV-1")))
	require.NoError(t, store.SoftDelete(ctx, "RR_one", storeNow))

	log, err := store.GetLog(ctx, "RR_one", 10)
	require.NoError(t, err)
	assert.Len(t, log, 1)

	_, err = store.GetLog(ctx, "RR_missing", 10)
	assert.True(t, errors.IsNotFoundError(err))

	// Deleted rules refuse further state changes
	err = store.SetActive(ctx, "RR_one", true)
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestSQLiteStore_UpdateConditional(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	r := sampleRule("RR_one", "one", "2025-02-01")
	require.NoError(t, store.Create(ctx, r))

	r.Options = recurrence.Options{DayOfMonth: util.Ptr(15)}
	r.NextRunAt = date("2025-02-15")
	require.NoError(t, store.Update(ctx, r, date("2025-02-01")))

	// Stale expectation
	r.NextRunAt = date("2025-03-15")
	err := store.Update(ctx, r, date("2025-02-01"))
	assert.True(t, errors.Is(err, errors.ErrConflict))

	// A live claim on the pending occurrence blocks edits
	key := IdempotencyKey{RuleID: "RR_one", ScheduledFor: date("2025-02-15")}
	require.NoError(t, store.ClaimOccurrence(ctx, key, storeNow))
	r.NextRunAt = date("2025-03-15")
	err = store.Update(ctx, r, date("2025-02-15"))
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestSQLiteStore_Reschedule(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, sampleRule("RR_one", "one", "2025-02-01")))

	require.NoError(t, store.Reschedule(ctx, "RR_one", date("2025-02-01"), date("2025-04-01")))
	got, err := store.Get(ctx, "RR_one")
	require.NoError(t, err)
	assert.Equal(t, date("2025-04-01"), got.NextRunAt)

	err = store.Reschedule(ctx, "RR_one", date("2025-02-01"), date("2025-05-01"))
	assert.True(t, errors.Is(err, errors.ErrConflict))
}

func TestSQLiteStore_RescheduleRefusedWhileClaimed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, sampleRule("RR_one", "one", "2025-03-01")))
	key := IdempotencyKey{RuleID: "RR_one", ScheduledFor: date("2025-03-01")}
	require.NoError(t, store.ClaimOccurrence(ctx, key, storeNow))

	err := store.Reschedule(ctx, "RR_one", date("2025-03-01"), date("2025-04-01"))
	assert.True(t, errors.Is(err, errors.ErrConflict), "got %v", err)

	got, err := store.Get(ctx, "RR_one")
	require.NoError(t, err)
	assert.Equal(t, date("2025-03-01"), got.NextRunAt)
}

func TestSQLiteStore_RecordPostedBlocksReclaim(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, sampleRule("RR_one", "one", "2025-03-01")))
	key := IdempotencyKey{RuleID: "RR_one", ScheduledFor: date("2025-03-01")}
	require.NoError(t, store.ClaimOccurrence(ctx, key, storeNow))

	require.NoError(t, store.RecordPosted(ctx, key, SuccessEntry(storeNow, key.ScheduledFor, "INV-7")))

	// Schedule state is untouched
	got, err := store.Get(ctx, "RR_one")
	require.NoError(t, err)
	assert.Equal(t, date("2025-03-01"), got.NextRunAt)
	assert.Nil(t, got.LastRunAt)

	// Even past the lease the occurrence stays posted
	err = store.ClaimOccurrence(ctx, key, storeNow.Add(time.Hour))
	assert.True(t, errors.Is(err, errors.ErrConflict), "got %v", err)

	require.NoError(t, store.Reschedule(ctx, "RR_one", date("2025-03-01"), date("2025-04-01")))
	err = store.Reschedule(ctx, "RR_one", date("2025-04-01"), date("2025-03-01"))
	assert.True(t, errors.Is(err, errors.ErrInvalidRequest), "got %v", err)

	log, err := store.GetLog(ctx, "RR_one", 0)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, "INV-7", log[0].PostingReference)
}

func TestSQLiteStore_PauseWindowRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Create(ctx, sampleRule("RR_one", "one", "2025-02-01")))

	require.NoError(t, store.SetPauseWindow(ctx, "RR_one", datePtr("2025-02-01"), datePtr("2025-03-01")))
	got, err := store.Get(ctx, "RR_one")
	require.NoError(t, err)
	assert.Equal(t, date("2025-02-01"), *got.PauseUntil)
	assert.Equal(t, date("2025-03-01"), *got.ResumeOn)

	require.NoError(t, store.SetPauseWindow(ctx, "RR_one", nil, nil))
	got, err = store.Get(ctx, "RR_one")
	require.NoError(t, err)
	assert.Nil(t, got.PauseUntil)
	assert.Nil(t, got.ResumeOn)

	err = store.SetPauseWindow(ctx, "RR_missing", nil, nil)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestSQLiteStore_ListQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT .* FROM recurring_rules").WillReturnError(errors.New("disk I/O error"))

	store := NewSQLiteStore(db)
	_, err = store.List(context.Background(), ListFilter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to list rules")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_AdvanceRollsBackOnLogFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE recurring_rules").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO rule_occurrences").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO rule_run_log").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	store := NewSQLiteStore(db, WithClock(func() time.Time { return storeNow }))
	key := IdempotencyKey{RuleID: "RR_one", ScheduledFor: date("2025-02-01")}
	err = store.CompareAndAdvance(context.Background(), key, date("2025-03-01"), SuccessEntry(storeNow, key.ScheduledFor, "INV-1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to append run log entry")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_AdvanceRejectsBackwardsNext(t *testing.T) {
	store := newTestStore(t)
	key := IdempotencyKey{RuleID: "RR_one", ScheduledFor: date("2025-02-01")}

	err := store.CompareAndAdvance(context.Background(), key, date("2025-02-01"), RunLogEntry{})
	assert.True(t, errors.IsInvalidRequestError(err))
}
