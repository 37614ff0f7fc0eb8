package upstream

import (
	"context"
	"errors"
	"testing"
)

func TestWithRetryFirstTrySuccess(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestWithRetryRecoversFromTransientFailures(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		if calls < retryMaxAttempts {
			return ErrUnavailable
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != retryMaxAttempts {
		t.Fatalf("expected %d calls, got %d", retryMaxAttempts, calls)
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return ErrBadResponse
	})
	if !errors.Is(err, ErrBadResponse) {
		t.Fatalf("expected ErrBadResponse, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("a malformed response must not be retried, got %d calls", calls)
	}
}

func TestWithRetryExhaustsBudget(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), func() error {
		calls++
		return ErrRateLimited
	})
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("the last error must survive as-is, got %v", err)
	}
	if calls != retryMaxAttempts {
		t.Fatalf("expected %d calls, got %d", retryMaxAttempts, calls)
	}
}

func TestWithRetryHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := withRetry(ctx, func() error {
		calls++
		cancel() // ends the backoff wait before the next attempt
		return ErrUnavailable
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}
