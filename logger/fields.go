package logger

import (
	"go.uber.org/zap"
)

// Standard field names for structured logging.
// Use these constants instead of raw strings to keep log keys consistent.
const (
	// Rules and occurrences
	FieldRuleID      = "rule_id"
	FieldRuleName    = "rule_name"
	FieldKind        = "kind"
	FieldCadence     = "cadence"
	FieldOccurrence  = "scheduled_for"
	FieldNextRunAt   = "next_run_at"
	FieldOutcome     = "outcome"
	FieldPostingRef  = "posting_reference"
	FieldMode        = "mode"
	FieldIdempotency = "idempotency_key"

	// Components
	FieldComponent = "component"

	// Timing
	FieldDurationMS = "duration_ms"

	// Errors
	FieldError = "error"

	// Counts
	FieldCount = "count"

	// Symbol field (꩜, ✿, ❀, ⊔, ...)
	FieldSymbol = "symbol"
)

// ComponentLogger returns a named logger for a specific component.
// This is the preferred way to get a logger for dependency injection.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// RuleLogger returns a child logger carrying the rule's identity fields.
func RuleLogger(parent *zap.SugaredLogger, ruleID, ruleName string) *zap.SugaredLogger {
	return parent.With(FieldRuleID, ruleID, FieldRuleName, ruleName)
}
