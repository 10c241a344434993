package mirror

import (
	"context"
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}

	prevBase := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := p.Backoff(attempt)
		base := p.BaseDelay << uint(attempt-1)
		if base > p.MaxDelay || base <= 0 {
			base = p.MaxDelay
		}
		if d < base {
			t.Errorf("attempt %d: backoff %v below base %v", attempt, d, base)
		}
		if d > base+base/4 {
			t.Errorf("attempt %d: backoff %v exceeds base %v plus 25%% jitter", attempt, d, base)
		}
		if base < prevBase {
			t.Errorf("attempt %d: base delay shrank", attempt)
		}
		prevBase = base
	}
}

func TestSleepBackoffCancellation(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Hour, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := p.sleepBackoff(ctx, 1); err == nil {
		t.Fatal("canceled context should abort the backoff sleep")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("backoff sleep took %v after cancellation", elapsed)
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	t.Parallel()

	if p := DefaultRetryPolicy(0); p.MaxAttempts != defaultRetryLimit {
		t.Errorf("MaxAttempts = %d, want %d", p.MaxAttempts, defaultRetryLimit)
	}
	if p := DefaultRetryPolicy(7); p.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7", p.MaxAttempts)
	}
}
