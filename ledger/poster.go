// Package ledger is the boundary to the double-entry ledger that turns a
// rule occurrence into an expense or invoice. The scheduler only consumes
// the Poster contract; the ledger itself lives elsewhere.
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/teranos/recurra/errors"
)

// Payload is one posting request: a rule's template materialized for a date.
type Payload struct {
	RuleID         string
	IdempotencyKey string
	Date           time.Time

	Counterparty string
	Amount       decimal.Decimal
	Description  string
	Category     string
	Reference    string
	Extra        map[string]string
}

// Poster creates ledger entries. Implementations return the ledger's
// reference for the created entry. A returned error means nothing was
// posted as far as the caller can tell.
type Poster interface {
	PostExpenseFromTemplate(ctx context.Context, p Payload) (string, error)
	PostInvoiceFromTemplate(ctx context.Context, p Payload) (string, error)
}

// Unconfigured is the Poster used when no ledger endpoint is set. Every
// call fails, so a live run records FAILURE and advances nothing.
type Unconfigured struct{}

func (Unconfigured) PostExpenseFromTemplate(context.Context, Payload) (string, error) {
	return "", errNotConfigured()
}

func (Unconfigured) PostInvoiceFromTemplate(context.Context, Payload) (string, error) {
	return "", errNotConfigured()
}

func errNotConfigured() error {
	return errors.WithHint(errors.New("no ledger endpoint configured"),
		"set ledger.base_url in am.toml or RECURRA_LEDGER_BASE_URL")
}
