// Package errors provides error handling for recurra.
//
// This package re-exports github.com/cockroachdb/errors so that every
// package in the module gets stack traces, hints and details from one
// import, and defines the sentinel errors shared between the rule store,
// the lifecycle manager and the runner.
//
// Usage:
//
//	if err := store.Create(ctx, r); err != nil {
//	    return errors.Wrap(err, "failed to create rule")
//	}
//
//	// Attach a hint the CLI will print
//	return errors.WithHint(err, "use 'recurra rule list' to find rule IDs")
//
//	// Check a sentinel
//	if errors.Is(err, errors.ErrNotFound) { ... }
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
	Mark         = crdb.Mark
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapAll     = crdb.UnwrapAll
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	FlattenHints  = crdb.FlattenHints
)

// GetStack returns the reportable stack trace attached to err, if any.
var GetStack = crdb.GetReportableStackTrace

// Sentinel errors. Wrap or Mark them to add context while keeping errors.Is working.
var (
	// ErrNotFound indicates the requested rule (or other record) does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates invalid input, e.g. a bad cadence configuration
	ErrInvalidRequest = New("invalid request")

	// ErrConflict indicates a concurrent writer won a compare-and-swap
	ErrConflict = New("resource conflict")

	// ErrInvalidTransition indicates a lifecycle action is not allowed from the rule's current state
	ErrInvalidTransition = New("invalid state transition")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrNotFound)
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Mark(Newf(format, args...), ErrInvalidRequest)
}
