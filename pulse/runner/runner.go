// Package runner executes due recurring rules against the ledger.
//
// Each pending occurrence is claimed at the store before the ledger is
// called, so overlapping runs (two tickers, a manual `pulse run` racing the
// daemon) post an occurrence at most once. Dry runs walk the same path but
// stop short of the ledger and of the schedule state.
package runner

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teranos/recurra/errors"
	"github.com/teranos/recurra/ledger"
	"github.com/teranos/recurra/logger"
	"github.com/teranos/recurra/pulse/recurrence"
	"github.com/teranos/recurra/pulse/rule"
)

// Mode selects whether a run posts to the ledger.
type Mode string

const (
	ModeLive   Mode = "LIVE"
	ModeDryRun Mode = "DRY_RUN"
)

// DefaultMaxCatchUp bounds how many overdue occurrences of one rule a
// single RunDue call processes.
const DefaultMaxCatchUp = 12

// ExecutionResult describes what happened to one occurrence.
type ExecutionResult struct {
	RuleID           string
	RuleName         string
	ScheduledFor     time.Time
	Outcome          rule.Outcome
	PostingReference string
	// Payload is set on dry runs: the posting that would have been made
	Payload   *ledger.Payload
	Err       error
	Simulated bool
}

// Observer is notified of every result as it is produced. Calls are
// serialized by the runner.
type Observer interface {
	OnResult(ExecutionResult)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ExecutionResult)

func (f ObserverFunc) OnResult(r ExecutionResult) { f(r) }

// Config tunes a Runner.
type Config struct {
	// Workers is the number of rules processed concurrently (default 1)
	Workers int
	// MaxCatchUp caps occurrences per rule per call (default DefaultMaxCatchUp)
	MaxCatchUp int
}

// DefaultConfig returns the runner defaults.
func DefaultConfig() Config {
	return Config{Workers: 1, MaxCatchUp: DefaultMaxCatchUp}
}

// Runner selects due rules and drives their occurrences through the ledger.
type Runner struct {
	store     rule.Store
	poster    ledger.Poster
	cfg       Config
	log       *zap.SugaredLogger
	pulseLog  *zap.SugaredLogger
	observers []Observer
	notifyMu  sync.Mutex
}

// New creates a runner. A nil poster behaves like ledger.Unconfigured.
func New(store rule.Store, poster ledger.Poster, cfg Config, log *zap.SugaredLogger, observers ...Observer) *Runner {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if poster == nil {
		poster = ledger.Unconfigured{}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxCatchUp <= 0 {
		cfg.MaxCatchUp = DefaultMaxCatchUp
	}
	return &Runner{
		store:     store,
		poster:    poster,
		cfg:       cfg,
		log:       log,
		pulseLog:  logger.AddPulseSymbol(log),
		observers: observers,
	}
}

// RunDue processes every rule eligible at now. Per-rule problems are
// reported in the results; the error return covers only failures to load
// the due set or a cancelled context.
func (r *Runner) RunDue(ctx context.Context, now time.Time, mode Mode) ([]ExecutionResult, error) {
	if mode != ModeLive && mode != ModeDryRun {
		return nil, errors.NewInvalidRequestError("unknown run mode %q", mode)
	}
	now = now.UTC()

	candidates, err := r.store.List(ctx, rule.ListFilter{DueBy: now})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due rules")
	}
	due := make([]*rule.Rule, 0, len(candidates))
	for _, rl := range candidates {
		if rule.IsEligibleNow(rl, now) {
			due = append(due, rl)
		}
	}
	if len(due) == 0 {
		r.pulseLog.Debugw("No rules due", logger.FieldMode, mode)
		return []ExecutionResult{}, nil
	}

	r.pulseLog.Infow("Running due rules",
		logger.FieldMode, mode,
		logger.FieldCount, len(due),
	)
	start := time.Now()

	perRule := make([][]ExecutionResult, len(due))
	sem := make(chan struct{}, r.cfg.Workers)
	var wg sync.WaitGroup

dispatch:
	for i, rl := range due {
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int, rl *rule.Rule) {
			defer wg.Done()
			defer func() { <-sem }()
			perRule[i] = r.runRule(ctx, rl, now, mode)
		}(i, rl)
	}
	wg.Wait()

	results := make([]ExecutionResult, 0, len(due))
	for _, rs := range perRule {
		results = append(results, rs...)
	}

	r.pulseLog.Infow("Run finished",
		logger.FieldMode, mode,
		logger.FieldCount, len(results),
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)

	if err := ctx.Err(); err != nil {
		return results, errors.Wrap(err, "run interrupted")
	}
	return results, nil
}

func (r *Runner) runRule(ctx context.Context, rl *rule.Rule, now time.Time, mode Mode) []ExecutionResult {
	log := logger.RuleLogger(r.log, rl.ID, rl.Name)
	current := *rl
	var results []ExecutionResult

	for i := 0; i < r.cfg.MaxCatchUp; i++ {
		if ctx.Err() != nil {
			break
		}

		var res ExecutionResult
		var advanced bool
		if mode == ModeDryRun {
			res, advanced = r.simulate(ctx, &current, now, i == 0)
		} else {
			res, advanced = r.execute(ctx, &current, now, log)
		}
		results = append(results, res)
		r.notify(res)

		if !advanced {
			break
		}
		scheduled := res.ScheduledFor
		current.LastRunAt = &scheduled
		current.NextRunAt = recurrence.ComputeNextRun(scheduled, current.Cadence, current.Options)
		if !rule.IsEligibleNow(&current, now) {
			break
		}
		if i == r.cfg.MaxCatchUp-1 {
			log.Warnw("Catch-up limit reached, remaining occurrences wait for the next run",
				logger.FieldNextRunAt, recurrence.FormatDate(current.NextRunAt),
				"max_catch_up", r.cfg.MaxCatchUp,
			)
		}
	}
	return results
}

// execute posts one occurrence. It reports true when the schedule advanced.
// Once the claim is held, the posting and its write-back run to completion
// even if ctx is cancelled; cancellation is honoured between occurrences.
func (r *Runner) execute(ctx context.Context, rl *rule.Rule, now time.Time, log *zap.SugaredLogger) (ExecutionResult, bool) {
	key := rl.IdempotencyKey()
	res := newResult(rl, key)

	if err := r.store.ClaimOccurrence(ctx, key, now); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			return r.skipDuplicate(ctx, res, key, now, log, err), false
		}
		res.Outcome = rule.OutcomeFailure
		res.Err = errors.Wrapf(err, "failed to claim %s", key)
		log.Errorw("Claim failed", logger.FieldIdempotency, key.String(), logger.FieldError, err)
		return res, false
	}

	ctx = context.WithoutCancel(ctx)
	payload := buildPayload(rl, key)
	ref, err := r.post(ctx, rl.Kind, payload)
	if err != nil {
		res.Outcome = rule.OutcomeFailure
		res.Err = err
		if relErr := r.store.ReleaseOccurrence(ctx, key, rule.FailureEntry(now, key.ScheduledFor, err)); relErr != nil {
			log.Errorw("Failed to release claim, occurrence waits for lease expiry",
				logger.FieldIdempotency, key.String(),
				logger.FieldError, relErr,
			)
		}
		log.Warnw("Posting failed, occurrence stays due",
			logger.FieldIdempotency, key.String(),
			logger.FieldError, err,
		)
		return res, false
	}

	res.PostingReference = ref
	next := recurrence.ComputeNextRun(key.ScheduledFor, rl.Cadence, rl.Options)
	if err := r.store.CompareAndAdvance(ctx, key, next, rule.SuccessEntry(now, key.ScheduledFor, ref)); err != nil {
		if errors.Is(err, errors.ErrConflict) {
			return r.recordMoved(ctx, res, key, now, log, err), false
		}
		res.Outcome = rule.OutcomeSuccess
		res.Err = errors.Wrapf(err, "posted %s as %s but failed to record it", key, ref)
		log.Errorw("Failed to record posting",
			logger.FieldIdempotency, key.String(),
			logger.FieldPostingRef, ref,
			logger.FieldError, err,
		)
		return res, false
	}

	res.Outcome = rule.OutcomeSuccess
	log.Infow("Posted occurrence",
		logger.FieldKind, rl.Kind,
		logger.FieldOccurrence, recurrence.FormatDate(key.ScheduledFor),
		logger.FieldPostingRef, ref,
		logger.FieldNextRunAt, recurrence.FormatDate(next),
	)
	return res, true
}

func (r *Runner) skipDuplicate(ctx context.Context, res ExecutionResult, key rule.IdempotencyKey, now time.Time, log *zap.SugaredLogger, cause error) ExecutionResult {
	res.Outcome = rule.OutcomeSkippedDuplicate
	entry := rule.NewEntry(now, key.ScheduledFor, rule.OutcomeSkippedDuplicate)
	entry.PostingReference = res.PostingReference
	entry.ErrorDetail = cause.Error()
	if err := r.store.AppendLog(ctx, key.RuleID, entry); err != nil {
		log.Warnw("Failed to log skipped duplicate", logger.FieldIdempotency, key.String(), logger.FieldError, err)
	}
	log.Infow("Skipped duplicate", logger.FieldIdempotency, key.String(), "reason", cause.Error())
	return res
}

// recordMoved handles a confirmed posting whose rule no longer points at
// key. The occurrence is marked posted so it can never be claimed again;
// the schedule is left to whoever moved it.
func (r *Runner) recordMoved(ctx context.Context, res ExecutionResult, key rule.IdempotencyKey, now time.Time, log *zap.SugaredLogger, cause error) ExecutionResult {
	res.Outcome = rule.OutcomeSuccess
	entry := rule.SuccessEntry(now, key.ScheduledFor, res.PostingReference)
	entry.ErrorDetail = "schedule moved while posting: " + cause.Error()
	if err := r.store.RecordPosted(ctx, key, entry); err != nil {
		res.Err = errors.Wrapf(err, "posted %s as %s but failed to record it", key, res.PostingReference)
		log.Errorw("Failed to record posting",
			logger.FieldIdempotency, key.String(),
			logger.FieldPostingRef, res.PostingReference,
			logger.FieldError, err,
		)
		return res
	}
	log.Warnw("Posted but schedule moved underneath, schedule left as is",
		logger.FieldIdempotency, key.String(),
		logger.FieldPostingRef, res.PostingReference,
	)
	return res
}

// simulate builds the payload for one occurrence without posting it. Only
// the first occurrence of a rule's chain is written to the run log, so
// repeated dry runs cannot crowd real outcomes out of the ring.
func (r *Runner) simulate(ctx context.Context, rl *rule.Rule, now time.Time, logEntry bool) (ExecutionResult, bool) {
	key := rl.IdempotencyKey()
	res := newResult(rl, key)
	payload := buildPayload(rl, key)
	res.Payload = &payload
	res.Simulated = true

	if !logEntry {
		res.Outcome = rule.OutcomeSuccess
		return res, true
	}
	if err := r.store.AppendLog(ctx, rl.ID, rule.SimulatedEntry(now, key.ScheduledFor)); err != nil {
		res.Outcome = rule.OutcomeFailure
		res.Err = errors.Wrapf(err, "failed to log simulated run of %s", key)
		return res, false
	}
	res.Outcome = rule.OutcomeSuccess
	return res, true
}

func (r *Runner) post(ctx context.Context, kind rule.Kind, p ledger.Payload) (string, error) {
	switch kind {
	case rule.KindExpense:
		return r.poster.PostExpenseFromTemplate(ctx, p)
	case rule.KindInvoice:
		return r.poster.PostInvoiceFromTemplate(ctx, p)
	default:
		return "", errors.NewInvalidRequestError("rule %s has unknown kind %q", p.RuleID, kind)
	}
}

func (r *Runner) notify(res ExecutionResult) {
	if len(r.observers) == 0 {
		return
	}
	r.notifyMu.Lock()
	defer r.notifyMu.Unlock()
	for _, o := range r.observers {
		o.OnResult(res)
	}
}

func newResult(rl *rule.Rule, key rule.IdempotencyKey) ExecutionResult {
	return ExecutionResult{
		RuleID:       rl.ID,
		RuleName:     rl.Name,
		ScheduledFor: key.ScheduledFor,
	}
}

func buildPayload(rl *rule.Rule, key rule.IdempotencyKey) ledger.Payload {
	return ledger.Payload{
		RuleID:         rl.ID,
		IdempotencyKey: key.String(),
		Date:           key.ScheduledFor,
		Counterparty:   rl.Template.Counterparty,
		Amount:         rl.Template.Amount,
		Description:    rl.Template.Description,
		Category:       rl.Template.Category,
		Reference:      rl.Template.Reference,
		Extra:          rl.Template.Extra,
	}
}

// Preview lists the next count occurrences after the rule's pending one.
func (r *Runner) Preview(ctx context.Context, ruleID string, count int) ([]time.Time, error) {
	rl, err := r.store.Get(ctx, ruleID)
	if err != nil {
		return nil, err
	}
	return recurrence.NextOccurrences(rl.NextRunAt, rl.Cadence, rl.Options, count), nil
}

// GetRunLog returns up to limit entries of a rule's audit log, most recent first.
func (r *Runner) GetRunLog(ctx context.Context, ruleID string, limit int) ([]rule.RunLogEntry, error) {
	return r.store.GetLog(ctx, ruleID, limit)
}
