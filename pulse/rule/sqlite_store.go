package rule

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/logger"
	"github.com/teranos/recurra/pulse/recurrence"
)

// DefaultClaimLease is how long a pending claim blocks other runners. A claim
// older than this belongs to a runner that died mid-post and may be taken over.
const DefaultClaimLease = 5 * time.Minute

const ruleColumns = `id, name, kind, cadence, cadence_options, start_date, end_date,
	pause_until, resume_on, is_active, deleted_at, next_run_at, last_run_at,
	template, created_at, updated_at`

const entryColumns = `id, at, scheduled_for, outcome, posting_reference, error_detail, simulated`

// SQLiteStore is the durable Store backed by the recurring_rules,
// rule_run_log and rule_occurrences tables.
type SQLiteStore struct {
	db          *sql.DB
	runLogLimit int
	claimLease  time.Duration
	now         func() time.Time
	log         *zap.SugaredLogger
}

// StoreOption configures a SQLiteStore.
type StoreOption func(*SQLiteStore)

// WithRunLogLimit sets how many log entries are retained per rule.
func WithRunLogLimit(n int) StoreOption {
	return func(s *SQLiteStore) {
		if n > 0 {
			s.runLogLimit = n
		}
	}
}

// WithClaimLease sets how long a pending claim stays exclusive.
func WithClaimLease(d time.Duration) StoreOption {
	return func(s *SQLiteStore) {
		if d > 0 {
			s.claimLease = d
		}
	}
}

// WithClock replaces the wall clock used for timestamps and lease checks.
func WithClock(now func() time.Time) StoreOption {
	return func(s *SQLiteStore) { s.now = now }
}

// WithLogger sets the store's logger.
func WithLogger(l *zap.SugaredLogger) StoreOption {
	return func(s *SQLiteStore) {
		if l != nil {
			s.log = logger.AddDBSymbol(l)
		}
	}
}

// NewSQLiteStore creates a rule store on a migrated database.
func NewSQLiteStore(db *sql.DB, opts ...StoreOption) *SQLiteStore {
	s := &SQLiteStore{
		db:          db,
		runLogLimit: DefaultRunLogLimit,
		claimLease:  DefaultClaimLease,
		now:         time.Now,
		log:         zap.NewNop().Sugar(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunLogLimit returns the per-rule retention bound.
func (s *SQLiteStore) RunLogLimit() int {
	return s.runLogLimit
}

func (s *SQLiteStore) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// Create inserts a new rule. CreatedAt and UpdatedAt are set by the store.
func (s *SQLiteStore) Create(ctx context.Context, r *Rule) error {
	if r.ID == "" {
		return errors.NewInvalidRequestError("rule ID is required")
	}

	options, template, err := marshalDefinition(r)
	if err != nil {
		return err
	}

	now := s.now().UTC().Truncate(time.Second)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO recurring_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID,
		r.Name,
		string(r.Kind),
		string(r.Cadence),
		options,
		recurrence.FormatDate(r.StartDate),
		nullDate(r.EndDate),
		nullDate(r.PauseUntil),
		nullDate(r.ResumeOn),
		r.IsActive,
		nullTimestamp(r.DeletedAt),
		recurrence.FormatDate(r.NextRunAt),
		nullDate(r.LastRunAt),
		template,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.WithHint(
				errors.Mark(errors.Wrapf(err, "rule %q already exists", r.Name), errors.ErrConflict),
				"rule names are unique among live rules; pick another name or edit the existing rule")
		}
		return errors.Wrapf(err, "failed to create rule %s", r.ID)
	}

	r.CreatedAt = now
	r.UpdatedAt = now
	s.log.Debugw("Rule created", logger.FieldRuleID, r.ID, logger.FieldNextRunAt, recurrence.FormatDate(r.NextRunAt))
	return nil
}

// Get loads a rule and its retained run log.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM recurring_rules WHERE id = ?`, id)
	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("rule %s not found", id)
		}
		return nil, errors.Wrapf(err, "failed to get rule %s", id)
	}

	r.RunLog, err = s.queryLog(ctx, s.db, id, "ASC", 0)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// GetByName loads the live rule with the given name.
func (s *SQLiteStore) GetByName(ctx context.Context, name string) (*Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM recurring_rules WHERE name = ? AND deleted_at IS NULL`, name)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("rule named %q not found", name)
		}
		return nil, errors.Wrapf(err, "failed to look up rule %q", name)
	}
	return s.Get(ctx, id)
}

// List returns rules ordered by NextRunAt (oldest due first). Run logs are
// not loaded; use Get or GetLog for them.
func (s *SQLiteStore) List(ctx context.Context, filter ListFilter) ([]*Rule, error) {
	query := `SELECT ` + ruleColumns + ` FROM recurring_rules WHERE 1 = 1`
	var args []interface{}
	if !filter.IncludeDeleted {
		query += ` AND deleted_at IS NULL`
	}
	if !filter.DueBy.IsZero() {
		query += ` AND next_run_at <= ?`
		args = append(args, recurrence.FormatDate(filter.DueBy))
	}
	query += ` ORDER BY next_run_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list rules")
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan rule")
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate rules")
	}
	return rules, nil
}

// Update replaces a rule's definition and NextRunAt.
func (s *SQLiteStore) Update(ctx context.Context, r *Rule, expectedNext time.Time) error {
	options, template, err := marshalDefinition(r)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := s.checkMovable(ctx, tx, r.ID, expectedNext, r.NextRunAt); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE recurring_rules
		SET name = ?, kind = ?, cadence = ?, cadence_options = ?, start_date = ?,
		    end_date = ?, next_run_at = ?, template = ?, updated_at = ?
		WHERE id = ? AND next_run_at = ? AND deleted_at IS NULL`,
		r.Name,
		string(r.Kind),
		string(r.Cadence),
		options,
		recurrence.FormatDate(r.StartDate),
		nullDate(r.EndDate),
		recurrence.FormatDate(r.NextRunAt),
		template,
		s.timestamp(),
		r.ID,
		recurrence.FormatDate(expectedNext),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Mark(errors.Wrapf(err, "rule %q already exists", r.Name), errors.ErrConflict)
		}
		return errors.Wrapf(err, "failed to update rule %s", r.ID)
	}
	if err := s.expectOneRow(ctx, tx, res, r.ID); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// ClaimOccurrence reserves key for one runner.
func (s *SQLiteStore) ClaimOccurrence(ctx context.Context, key IdempotencyKey, now time.Time) error {
	occurrence := recurrence.FormatDate(key.ScheduledFor)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	var next string
	var deletedAt sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT next_run_at, deleted_at FROM recurring_rules WHERE id = ?`, key.RuleID).
		Scan(&next, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return errors.NewNotFoundError("rule %s not found", key.RuleID)
		}
		return errors.Wrapf(err, "failed to read rule %s", key.RuleID)
	}
	if deletedAt.Valid || next != occurrence {
		return errors.Mark(errors.Newf("rule %s has moved past %s", key.RuleID, occurrence), errors.ErrConflict)
	}

	var status, claimedAt string
	err = tx.QueryRowContext(ctx,
		`SELECT status, claimed_at FROM rule_occurrences WHERE rule_id = ? AND scheduled_for = ?`,
		key.RuleID, occurrence).Scan(&status, &claimedAt)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rule_occurrences (rule_id, scheduled_for, status, claimed_at)
			VALUES (?, ?, 'pending', ?)`,
			key.RuleID, occurrence, now.UTC().Format(time.RFC3339))
		if err != nil {
			if isUniqueViolation(err) {
				return errors.Mark(errors.Wrapf(err, "occurrence %s already claimed", key), errors.ErrConflict)
			}
			return errors.Wrapf(err, "failed to claim %s", key)
		}

	case err != nil:
		return errors.Wrapf(err, "failed to read claim %s", key)

	case status == "succeeded":
		return errors.Mark(errors.Newf("occurrence %s already posted", key), errors.ErrConflict)

	default:
		claimed, err := time.Parse(time.RFC3339, claimedAt)
		if err != nil {
			return errors.Wrapf(err, "failed to parse claimed_at for %s", key)
		}
		if now.Sub(claimed) < s.claimLease {
			return errors.Mark(errors.Newf("occurrence %s is claimed by another runner", key), errors.ErrConflict)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE rule_occurrences SET claimed_at = ? WHERE rule_id = ? AND scheduled_for = ?`,
			now.UTC().Format(time.RFC3339), key.RuleID, occurrence)
		if err != nil {
			return errors.Wrapf(err, "failed to take over claim %s", key)
		}
		s.log.Warnw("Took over stale claim",
			logger.FieldIdempotency, key.String(),
			"claimed_at", claimedAt,
		)
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// CompareAndAdvance records a confirmed posting and advances the schedule.
func (s *SQLiteStore) CompareAndAdvance(ctx context.Context, key IdempotencyKey, next time.Time, entry RunLogEntry) error {
	occurrence := recurrence.FormatDate(key.ScheduledFor)
	if !recurrence.Normalize(next).After(recurrence.Normalize(key.ScheduledFor)) {
		return errors.NewInvalidRequestError("next run %s must be after %s", recurrence.FormatDate(next), occurrence)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	now := s.timestamp()
	res, err := tx.ExecContext(ctx, `
		UPDATE recurring_rules
		SET next_run_at = ?, last_run_at = ?, updated_at = ?
		WHERE id = ? AND next_run_at = ? AND deleted_at IS NULL
		  AND (last_run_at IS NULL OR last_run_at <= ?)`,
		recurrence.FormatDate(next), occurrence, now,
		key.RuleID, occurrence, occurrence,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to advance rule %s", key.RuleID)
	}
	if err := s.expectOneRow(ctx, tx, res, key.RuleID); err != nil {
		return err
	}

	if err := s.completeClaim(ctx, tx, key, entry.PostingReference); err != nil {
		return err
	}

	if err := s.appendLog(ctx, tx, key.RuleID, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// ReleaseOccurrence drops a pending claim and records the failure.
func (s *SQLiteStore) ReleaseOccurrence(ctx context.Context, key IdempotencyKey, entry RunLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`DELETE FROM rule_occurrences WHERE rule_id = ? AND scheduled_for = ? AND status = 'pending'`,
		key.RuleID, recurrence.FormatDate(key.ScheduledFor))
	if err != nil {
		return errors.Wrapf(err, "failed to release claim %s", key)
	}

	if err := s.appendLog(ctx, tx, key.RuleID, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// AppendLog appends one entry to a rule's run log, trimming past the bound.
func (s *SQLiteStore) AppendLog(ctx context.Context, ruleID string, entry RunLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := s.requireRule(ctx, tx, ruleID); err != nil {
		return err
	}
	if err := s.appendLog(ctx, tx, ruleID, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// GetLog returns a rule's retained entries, most recent first. Deleted
// rules keep their logs.
func (s *SQLiteStore) GetLog(ctx context.Context, ruleID string, limit int) ([]RunLogEntry, error) {
	if err := s.requireRule(ctx, s.db, ruleID); err != nil {
		return nil, err
	}
	return s.queryLog(ctx, s.db, ruleID, "DESC", limit)
}

// SetPauseWindow stores the pause window; nil bounds are open.
func (s *SQLiteStore) SetPauseWindow(ctx context.Context, id string, pauseUntil, resumeOn *time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recurring_rules SET pause_until = ?, resume_on = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		nullDate(pauseUntil), nullDate(resumeOn), s.timestamp(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to set pause window on rule %s", id)
	}
	return s.expectOneRow(ctx, s.db, res, id)
}

// SetActive toggles the explicit active flag.
func (s *SQLiteStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recurring_rules SET is_active = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		active, s.timestamp(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to set active on rule %s", id)
	}
	return s.expectOneRow(ctx, s.db, res, id)
}

// SoftDelete deactivates a rule and marks it deleted. The row and its log stay.
func (s *SQLiteStore) SoftDelete(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE recurring_rules SET is_active = 0, deleted_at = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL`,
		at.UTC().Format(time.RFC3339), s.timestamp(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to delete rule %s", id)
	}
	return s.expectOneRow(ctx, s.db, res, id)
}

// Reschedule moves NextRunAt by hand. The new date must stay after LastRunAt,
// must not be an occurrence that was already posted, and the current
// occurrence must not be mid-posting.
func (s *SQLiteStore) Reschedule(ctx context.Context, id string, expectedNext, next time.Time) error {
	nextDate := recurrence.FormatDate(next)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := s.checkMovable(ctx, tx, id, expectedNext, next); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE recurring_rules SET next_run_at = ?, updated_at = ?
		WHERE id = ? AND next_run_at = ? AND deleted_at IS NULL
		  AND (last_run_at IS NULL OR last_run_at < ?)`,
		nextDate, s.timestamp(), id, recurrence.FormatDate(expectedNext), nextDate)
	if err != nil {
		return errors.Wrapf(err, "failed to reschedule rule %s", id)
	}
	if err := s.expectOneRow(ctx, tx, res, id); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// RecordPosted completes the claim on key and appends entry without moving
// the schedule. It is used when a posting succeeded but the rule no longer
// points at key, so the posted occurrence can never be claimed again.
func (s *SQLiteStore) RecordPosted(ctx context.Context, key IdempotencyKey, entry RunLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	if err := s.completeClaim(ctx, tx, key, entry.PostingReference); err != nil {
		return err
	}
	if err := s.appendLog(ctx, tx, key.RuleID, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// checkMovable rejects moving a rule's NextRunAt off expectedNext while that
// occurrence is being posted, or onto an occurrence that was already posted.
func (s *SQLiteStore) checkMovable(ctx context.Context, q queryer, id string, expectedNext, next time.Time) error {
	held, err := s.liveClaim(ctx, q, IdempotencyKey{RuleID: id, ScheduledFor: expectedNext})
	if err != nil {
		return err
	}
	if held {
		return errors.WithHint(
			errors.Mark(errors.Newf("rule %s is being posted for %s", id, recurrence.FormatDate(expectedNext)), errors.ErrConflict),
			"retry once the running posting finishes")
	}

	if recurrence.Normalize(next).Equal(recurrence.Normalize(expectedNext)) {
		return nil
	}
	posted, err := s.posted(ctx, q, IdempotencyKey{RuleID: id, ScheduledFor: next})
	if err != nil {
		return err
	}
	if posted {
		return errors.Mark(&recurrence.ValidationError{
			Field:   "nextRunAt",
			Message: recurrence.FormatDate(next) + " was already posted",
		}, errors.ErrInvalidRequest)
	}
	return nil
}

// completeClaim marks key succeeded, inserting the row if the claim is gone.
func (s *SQLiteStore) completeClaim(ctx context.Context, tx *sql.Tx, key IdempotencyKey, postingRef string) error {
	now := s.timestamp()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rule_occurrences (rule_id, scheduled_for, status, claimed_at, completed_at, posting_reference)
		VALUES (?, ?, 'succeeded', ?, ?, ?)
		ON CONFLICT (rule_id, scheduled_for) DO UPDATE SET
			status = 'succeeded',
			completed_at = excluded.completed_at,
			posting_reference = excluded.posting_reference`,
		key.RuleID, recurrence.FormatDate(key.ScheduledFor), now, now, nullString(postingRef),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to complete claim %s", key)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// posted reports whether key has a completed posting.
func (s *SQLiteStore) posted(ctx context.Context, q queryer, key IdempotencyKey) (bool, error) {
	var status string
	err := q.QueryRowContext(ctx, `
		SELECT status FROM rule_occurrences WHERE rule_id = ? AND scheduled_for = ?`,
		key.RuleID, recurrence.FormatDate(key.ScheduledFor)).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to read occurrence %s", key)
	}
	return status == "succeeded", nil
}

// liveClaim reports whether key has a pending claim still inside its lease.
func (s *SQLiteStore) liveClaim(ctx context.Context, q queryer, key IdempotencyKey) (bool, error) {
	var claimedAt string
	err := q.QueryRowContext(ctx, `
		SELECT claimed_at FROM rule_occurrences
		WHERE rule_id = ? AND scheduled_for = ? AND status = 'pending'`,
		key.RuleID, recurrence.FormatDate(key.ScheduledFor)).Scan(&claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to read claim %s", key)
	}
	claimed, err := time.Parse(time.RFC3339, claimedAt)
	if err != nil {
		return false, errors.Wrapf(err, "failed to parse claimed_at for %s", key)
	}
	return s.now().Sub(claimed) < s.claimLease, nil
}

func (s *SQLiteStore) requireRule(ctx context.Context, q queryer, id string) error {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM recurring_rules WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.NewNotFoundError("rule %s not found", id)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to read rule %s", id)
	}
	return nil
}

// expectOneRow turns a zero-row conditional update into ErrNotFound or ErrConflict.
func (s *SQLiteStore) expectOneRow(ctx context.Context, q queryer, res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to read rows affected")
	}
	if n == 1 {
		return nil
	}
	if err := s.requireRule(ctx, q, id); err != nil {
		return err
	}
	return errors.Mark(errors.Newf("rule %s was modified concurrently or is deleted", id), errors.ErrConflict)
}

func (s *SQLiteStore) appendLog(ctx context.Context, tx *sql.Tx, ruleID string, entry RunLogEntry) error {
	if entry.ID == "" {
		entry = NewEntry(entry.At, entry.ScheduledFor, entry.Outcome)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rule_run_log (rule_id, `+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ruleID,
		entry.ID,
		entry.At.UTC().Format(time.RFC3339Nano),
		recurrence.FormatDate(entry.ScheduledFor),
		string(entry.Outcome),
		nullString(entry.PostingReference),
		nullString(entry.ErrorDetail),
		entry.Simulated,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to append run log entry for rule %s", ruleID)
	}

	_, err = tx.ExecContext(ctx, `
		DELETE FROM rule_run_log
		WHERE rule_id = ? AND seq NOT IN (
			SELECT seq FROM rule_run_log WHERE rule_id = ? ORDER BY seq DESC LIMIT ?
		)`,
		ruleID, ruleID, s.runLogLimit)
	if err != nil {
		return errors.Wrapf(err, "failed to trim run log for rule %s", ruleID)
	}
	return nil
}

// queryLog reads entries in seq order ("ASC" or "DESC"); limit <= 0 reads all.
func (s *SQLiteStore) queryLog(ctx context.Context, q queryer, ruleID, order string, limit int) ([]RunLogEntry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+entryColumns+` FROM rule_run_log
		WHERE rule_id = ? ORDER BY seq `+order+` LIMIT ?`,
		ruleID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read run log for rule %s", ruleID)
	}
	defer rows.Close()

	entries := []RunLogEntry{}
	for rows.Next() {
		var e RunLogEntry
		var at, scheduledFor, outcome string
		var postingRef, errorDetail sql.NullString
		if err := rows.Scan(&e.ID, &at, &scheduledFor, &outcome, &postingRef, &errorDetail, &e.Simulated); err != nil {
			return nil, errors.Wrap(err, "failed to scan run log entry")
		}
		if e.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, errors.Wrapf(err, "failed to parse at for entry %s", e.ID)
		}
		if e.ScheduledFor, err = recurrence.ParseDate(scheduledFor); err != nil {
			return nil, errors.Wrapf(err, "failed to parse scheduled_for for entry %s", e.ID)
		}
		e.Outcome = Outcome(outcome)
		e.PostingReference = postingRef.String
		e.ErrorDetail = errorDetail.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to iterate run log")
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRule(row scanner) (*Rule, error) {
	var r Rule
	var kind, cadence, options, startDate, nextRunAt, template, createdAt, updatedAt string
	var endDate, pauseUntil, resumeOn, deletedAt, lastRunAt sql.NullString

	err := row.Scan(
		&r.ID,
		&r.Name,
		&kind,
		&cadence,
		&options,
		&startDate,
		&endDate,
		&pauseUntil,
		&resumeOn,
		&r.IsActive,
		&deletedAt,
		&nextRunAt,
		&lastRunAt,
		&template,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	// Parse failures mean corrupt rows; surface them rather than guess.
	r.Kind = Kind(kind)
	r.Cadence = recurrence.Cadence(cadence)
	if err := json.Unmarshal([]byte(options), &r.Options); err != nil {
		return nil, errors.Wrapf(err, "failed to parse cadence_options for rule %s", r.ID)
	}
	if err := json.Unmarshal([]byte(template), &r.Template); err != nil {
		return nil, errors.Wrapf(err, "failed to parse template for rule %s", r.ID)
	}
	if r.StartDate, err = recurrence.ParseDate(startDate); err != nil {
		return nil, errors.Wrapf(err, "failed to parse start_date for rule %s", r.ID)
	}
	if r.NextRunAt, err = recurrence.ParseDate(nextRunAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse next_run_at for rule %s", r.ID)
	}
	for _, f := range []struct {
		src sql.NullString
		dst **time.Time
	}{
		{endDate, &r.EndDate},
		{pauseUntil, &r.PauseUntil},
		{resumeOn, &r.ResumeOn},
		{lastRunAt, &r.LastRunAt},
	} {
		if *f.dst, err = parseNullDate(f.src); err != nil {
			return nil, errors.Wrapf(err, "failed to parse dates for rule %s", r.ID)
		}
	}
	if deletedAt.Valid {
		t, err := time.Parse(time.RFC3339, deletedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse deleted_at for rule %s", r.ID)
		}
		r.DeletedAt = &t
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for rule %s", r.ID)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for rule %s", r.ID)
	}
	return &r, nil
}

func marshalDefinition(r *Rule) (options, template string, err error) {
	o, err := json.Marshal(r.Options)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to encode cadence options")
	}
	t, err := json.Marshal(r.Template)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to encode template")
	}
	return string(o), string(t), nil
}

func nullDate(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return recurrence.FormatDate(*t)
}

func nullTimestamp(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func nullString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func parseNullDate(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := recurrence.ParseDate(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique || se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
