package ledger

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/recurra/errors"
)

// RateLimited spaces out calls to an underlying Poster.
type RateLimited struct {
	next    Poster
	limiter *rate.Limiter
}

// NewRateLimited allows perMinute postings per minute through next.
// perMinute <= 0 returns next unchanged.
func NewRateLimited(next Poster, perMinute int) Poster {
	if perMinute <= 0 {
		return next
	}
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
	}
}

func (r *RateLimited) wait(ctx context.Context) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limited ledger call abandoned")
	}
	return nil
}

func (r *RateLimited) PostExpenseFromTemplate(ctx context.Context, p Payload) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	return r.next.PostExpenseFromTemplate(ctx, p)
}

func (r *RateLimited) PostInvoiceFromTemplate(ctx context.Context, p Payload) (string, error) {
	if err := r.wait(ctx); err != nil {
		return "", err
	}
	return r.next.PostInvoiceFromTemplate(ctx, p)
}
