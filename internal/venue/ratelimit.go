package venue

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter is the process-wide token bucket for venue calls (default
// 2 calls/s). All adapters share one instance so bursts across components
// cannot exceed the venue budget.
type Limiter struct {
	bucket *rate.Limiter
}

// NewLimiter creates a limiter with the given requests-per-second budget.
func NewLimiter(rps float64, burst int) *Limiter {
	return &Limiter{bucket: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until a call is allowed or the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.bucket.Wait(ctx)
}

// Allow reports whether a call may proceed immediately.
func (l *Limiter) Allow() bool {
	return l.bucket.Allow()
}

// SetRPS adjusts the budget at runtime (used after 429 responses).
func (l *Limiter) SetRPS(rps float64) {
	l.bucket.SetLimit(rate.Limit(rps))
}
