package mirror

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy controls per-artifact retry behavior in the fetch
// scheduler.  Only errors marked ErrTransient are retried; permanent
// and verification failures are reported immediately.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns the policy used when the configuration
// does not override the attempt budget.
func DefaultRetryPolicy(maxAttempts int) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = defaultRetryLimit
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the delay before the given retry attempt (1-based):
// exponential growth capped at MaxDelay, with up to 25% random jitter
// so concurrent workers do not retry in lockstep.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt-1) // #nosec G115 - attempt is a small positive counter
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1)) // #nosec G404 - jitter needs no crypto randomness
	return d + jitter
}

// sleepBackoff waits the backoff delay, returning early with the
// context error on cancellation.
func (p RetryPolicy) sleepBackoff(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Backoff(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
