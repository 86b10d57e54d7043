package rule

import (
	"time"

	id "github.com/teranos/vanity-id"
)

// Outcome is the result recorded for one execution attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "SUCCESS"
	OutcomeFailure          Outcome = "FAILURE"
	OutcomeSkippedDuplicate Outcome = "SKIPPED_DUPLICATE"
	// OutcomeMissed marks an elapsed occurrence that an edit moved the schedule away from
	OutcomeMissed Outcome = "MISSED"
)

// DefaultRunLogLimit is the number of entries retained per rule.
const DefaultRunLogLimit = 20

// RunLogEntry is one immutable audit record.
type RunLogEntry struct {
	ID               string    `json:"id"`
	At               time.Time `json:"at"`
	ScheduledFor     time.Time `json:"scheduledFor"`
	Outcome          Outcome   `json:"outcome"`
	PostingReference string    `json:"postingReference,omitempty"`
	ErrorDetail      string    `json:"errorDetail,omitempty"`
	Simulated        bool      `json:"simulated,omitempty"`
}

// NewEntry creates a log entry with a fresh execution ID.
func NewEntry(at, scheduledFor time.Time, outcome Outcome) RunLogEntry {
	return RunLogEntry{
		ID:           id.GenerateExecutionID(),
		At:           at.UTC(),
		ScheduledFor: scheduledFor,
		Outcome:      outcome,
	}
}

// SuccessEntry records a confirmed posting.
func SuccessEntry(at, scheduledFor time.Time, postingRef string) RunLogEntry {
	e := NewEntry(at, scheduledFor, OutcomeSuccess)
	e.PostingReference = postingRef
	return e
}

// FailureEntry records a failed posting attempt.
func FailureEntry(at, scheduledFor time.Time, err error) RunLogEntry {
	e := NewEntry(at, scheduledFor, OutcomeFailure)
	if err != nil {
		e.ErrorDetail = err.Error()
	}
	return e
}

// SimulatedEntry records a dry-run success. It never corresponds to a posting.
func SimulatedEntry(at, scheduledFor time.Time) RunLogEntry {
	e := NewEntry(at, scheduledFor, OutcomeSuccess)
	e.Simulated = true
	return e
}
