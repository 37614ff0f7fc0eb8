package upstream

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Retry policy for every upstream call: exponential backoff with base
// 100ms, factor 2 and +/-25% jitter, at most 3 attempts. Only transient
// failures (transport errors, 5xx, 429) are retried; malformed responses
// and client errors fail immediately.
const (
	retryMaxAttempts = 3
	retryBaseDelay   = 100 * time.Millisecond
)

func retryable(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, ErrRateLimited)
}

// withRetry runs fn until it succeeds, exhausts the attempt budget, or
// hits a non-retryable error. The last error is returned as-is so the
// sentinel kind survives for the caller.
func withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		err = fn()
		if err == nil || !retryable(err) {
			return err
		}
		if attempt == retryMaxAttempts {
			break
		}
		if !sleepBackoff(ctx, attempt) {
			return ctx.Err()
		}
	}
	return err
}

// sleepBackoff waits out the attempt's backoff delay, honoring context
// cancellation. Returns false when the context ended first.
func sleepBackoff(ctx context.Context, attempt int) bool {
	delay := retryBaseDelay << (attempt - 1)
	// Jitter spreads synchronized retries: delay * [0.75, 1.25).
	jittered := time.Duration(float64(delay) * (0.75 + rand.Float64()*0.5))

	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
