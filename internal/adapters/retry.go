package adapters

import (
	"context"
	"fmt"
	"time"
)

// RetryPolicy bounds retries of transient failures with exponential backoff:
// the wait before attempt n (n >= 1) is BaseDelay * 2^(n-1).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryPolicy is 4 attempts starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 4, BaseDelay: time.Second}
}

// Retryable reports whether err is worth another attempt: rate limiting
// (HTTP 429) or a timeout.
func Retryable(err error) bool {
	return IsRateLimited(err) || IsTimeout(err)
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is spent. It returns the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.BaseDelay*time.Duration(1<<uint(attempt-1))); err != nil {
				return err
			}
		}

		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !Retryable(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", attempts, lastErr)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
