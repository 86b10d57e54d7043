package rule

import (
	"context"
	"time"
)

// ListFilter narrows Store.List.
type ListFilter struct {
	// IncludeDeleted returns soft-deleted rules too
	IncludeDeleted bool
	// DueBy, when set, returns only rules whose NextRunAt is on or before it
	DueBy time.Time
}

// Store is the durable collection of rules.
//
// Every operation that moves schedule state is conditional on the caller's
// view of NextRunAt and fails with errors.ErrConflict when another writer
// got there first. Missing rules fail with errors.ErrNotFound.
type Store interface {
	List(ctx context.Context, filter ListFilter) ([]*Rule, error)
	Get(ctx context.Context, id string) (*Rule, error)
	GetByName(ctx context.Context, name string) (*Rule, error)
	Create(ctx context.Context, r *Rule) error

	// Update replaces the definition and NextRunAt of a rule whose
	// NextRunAt still equals expectedNext and which has no live claim.
	Update(ctx context.Context, r *Rule, expectedNext time.Time) error

	// ClaimOccurrence reserves key for posting. It fails with ErrConflict
	// when the rule has moved past the occurrence, the occurrence was already
	// posted, or another runner holds an unexpired claim on it.
	ClaimOccurrence(ctx context.Context, key IdempotencyKey, now time.Time) error

	// CompareAndAdvance records a successful posting of key: NextRunAt moves
	// to next, LastRunAt to key.ScheduledFor, the claim completes and entry is
	// appended, all in one transaction.
	CompareAndAdvance(ctx context.Context, key IdempotencyKey, next time.Time, entry RunLogEntry) error

	// ReleaseOccurrence drops the claim on key after a failed posting and
	// appends entry. Schedule state is untouched.
	ReleaseOccurrence(ctx context.Context, key IdempotencyKey, entry RunLogEntry) error

	// RecordPosted marks key as posted and appends entry without touching
	// the schedule, for a posting whose rule moved while it was in flight.
	RecordPosted(ctx context.Context, key IdempotencyKey, entry RunLogEntry) error

	AppendLog(ctx context.Context, ruleID string, entry RunLogEntry) error
	// GetLog returns up to limit entries, most recent first (limit <= 0 = all retained).
	GetLog(ctx context.Context, ruleID string, limit int) ([]RunLogEntry, error)

	SetPauseWindow(ctx context.Context, id string, pauseUntil, resumeOn *time.Time) error
	SetActive(ctx context.Context, id string, active bool) error
	SoftDelete(ctx context.Context, id string, at time.Time) error

	// Reschedule moves NextRunAt by hand, conditional on expectedNext.
	Reschedule(ctx context.Context, id string, expectedNext, next time.Time) error
}
