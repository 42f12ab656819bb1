package feed

import (
	"context"

	"golang.org/x/time/rate"
)

// Budget enforces a provider's published request budget. One Budget is shared
// by every caller hitting the same provider, so total outbound rate stays
// under the cap regardless of worker count. Safe for concurrent use.
type Budget struct {
	limiter *rate.Limiter
}

// NewBudget builds a token bucket from a requests-per-minute allowance.
// rpm <= 0 disables limiting. burst defaults to 1 so requests spread out
// rather than front-loading the minute.
func NewBudget(rpm, burst int) *Budget {
	if rpm <= 0 {
		return &Budget{}
	}
	if burst <= 0 {
		burst = 1
	}
	return &Budget{limiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), burst)}
}

// Wait blocks until a request token is available or ctx is done.
func (b *Budget) Wait(ctx context.Context) error {
	if b == nil || b.limiter == nil {
		return nil
	}
	return b.limiter.Wait(ctx)
}

// Allow reports whether a token is available without blocking.
func (b *Budget) Allow() bool {
	if b == nil || b.limiter == nil {
		return true
	}
	return b.limiter.Allow()
}
