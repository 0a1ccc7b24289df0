package util

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastConfig(retries int) *RetryConfig {
	return &RetryConfig{
		MaxRetries: retries,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2,
	}
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	result := Retry(context.Background(), fastConfig(3), func() error {
		calls++
		return nil
	})
	if result.LastError != nil {
		t.Fatalf("unexpected error: %v", result.LastError)
	}
	if calls != 1 || result.Attempts != 1 {
		t.Errorf("expected one attempt, got calls=%d attempts=%d", calls, result.Attempts)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	calls := 0
	result := Retry(context.Background(), fastConfig(5), func() error {
		calls++
		if calls < 3 {
			return errors.New("rpc unavailable")
		}
		return nil
	})
	if result.LastError != nil {
		t.Fatalf("unexpected error: %v", result.LastError)
	}
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
}

func TestRetry_ExhaustsRetries(t *testing.T) {
	rpcErr := errors.New("rpc unavailable")
	result := Retry(context.Background(), fastConfig(2), func() error {
		return rpcErr
	})
	if result.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", result.Attempts)
	}
	if !errors.Is(result.LastError, ErrMaxRetriesExceeded) {
		t.Errorf("expected ErrMaxRetriesExceeded, got %v", result.LastError)
	}
	if !errors.Is(result.LastError, rpcErr) {
		t.Errorf("expected the call error to be kept, got %v", result.LastError)
	}
}

func TestRetry_ZeroRetries(t *testing.T) {
	result := Retry(context.Background(), fastConfig(0), func() error {
		return errors.New("fail")
	})
	if result.Attempts != 1 {
		t.Errorf("expected a single attempt, got %d", result.Attempts)
	}
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	reverted := errors.New("execution reverted")
	calls := 0
	result := Retry(context.Background(), fastConfig(5), func() error {
		calls++
		return MarkPermanent(fmt.Errorf("transfer: %w", reverted))
	})
	if calls != 1 {
		t.Errorf("expected permanent error to stop retries, got %d calls", calls)
	}
	if !errors.Is(result.LastError, reverted) {
		t.Errorf("expected wrapped error, got %v", result.LastError)
	}
	if errors.Is(result.LastError, ErrMaxRetriesExceeded) {
		t.Error("permanent failure should not report exhausted retries")
	}
}

func TestRetry_DoesNotRetryContextErrors(t *testing.T) {
	calls := 0
	Retry(context.Background(), fastConfig(5), func() error {
		calls++
		return fmt.Errorf("dial: %w", context.DeadlineExceeded)
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetry_CustomRetryIf(t *testing.T) {
	retryable := errors.New("nonce too low")
	cfg := fastConfig(5)
	cfg.RetryIf = func(err error) bool { return errors.Is(err, retryable) }

	calls := 0
	result := Retry(context.Background(), cfg, func() error {
		calls++
		if calls == 1 {
			return retryable
		}
		return errors.New("insufficient funds")
	})
	if calls != 2 {
		t.Errorf("expected 2 calls, got %d", calls)
	}
	if result.LastError == nil || result.LastError.Error() != "insufficient funds" {
		t.Errorf("unexpected last error %v", result.LastError)
	}
}

func TestRetry_ContextCanceledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &RetryConfig{MaxRetries: -1, BaseDelay: time.Hour}

	calls := 0
	result := Retry(ctx, cfg, func() error {
		calls++
		cancel()
		return errors.New("rpc unavailable")
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !errors.Is(result.LastError, ErrContextCanceled) || !errors.Is(result.LastError, context.Canceled) {
		t.Errorf("expected cancellation error, got %v", result.LastError)
	}
}

func TestRetryWithValue(t *testing.T) {
	calls := 0
	val, result := RetryWithValue(context.Background(), fastConfig(3), func() (uint64, error) {
		calls++
		if calls < 2 {
			return 0, errors.New("rpc unavailable")
		}
		return 42, nil
	})
	if result.LastError != nil {
		t.Fatalf("unexpected error: %v", result.LastError)
	}
	if val != 42 || result.Attempts != 2 {
		t.Errorf("got val=%d attempts=%d", val, result.Attempts)
	}

	val, result = RetryWithValue(context.Background(), fastConfig(1), func() (uint64, error) {
		return 7, errors.New("fail")
	})
	if val != 0 {
		t.Errorf("expected zero value on failure, got %d", val)
	}
	if result.LastError == nil {
		t.Error("expected error")
	}
}

func TestRetry_NilConfigUsesDefaults(t *testing.T) {
	result := Retry(context.Background(), nil, func() error { return nil })
	if result.Attempts != 1 || result.LastError != nil {
		t.Errorf("unexpected result %+v", result)
	}
}

func TestBackoff(t *testing.T) {
	cfg := &RetryConfig{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := backoff(cfg, tt.attempt); got != tt.want {
			t.Errorf("backoff(attempt %d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}

	cfg.Multiplier = 0
	if got := backoff(cfg, 2); got != 200*time.Millisecond {
		t.Errorf("zero multiplier should default to 2, got %v", got)
	}
}

func TestBackoff_JitterStaysInRange(t *testing.T) {
	cfg := &RetryConfig{BaseDelay: 100 * time.Millisecond, Multiplier: 2, Jitter: 0.5}
	for i := 0; i < 100; i++ {
		d := backoff(cfg, 1)
		if d < 50*time.Millisecond || d > 150*time.Millisecond {
			t.Fatalf("jittered delay %v outside [50ms, 150ms]", d)
		}
	}
}

func TestPermanentError(t *testing.T) {
	if MarkPermanent(nil) != nil {
		t.Error("MarkPermanent(nil) should be nil")
	}
	base := errors.New("chain id mismatch")
	err := MarkPermanent(base)
	if !IsPermanent(err) {
		t.Error("expected permanent")
	}
	if !IsPermanent(fmt.Errorf("connect: %w", err)) {
		t.Error("expected permanent through wrapping")
	}
	if IsPermanent(base) {
		t.Error("unmarked error reported permanent")
	}
	if err.Error() != base.Error() {
		t.Errorf("Error() = %q", err.Error())
	}
}
