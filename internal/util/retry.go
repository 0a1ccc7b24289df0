package util

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// RetryConfig is an exponential backoff policy for calls to external
// systems such as RPC endpoints.
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt; -1 is unlimited.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Multiplier grows the delay per attempt (default 2).
	Multiplier float64
	// Jitter randomizes each delay by up to this fraction (0.0 - 1.0).
	Jitter float64
	// RetryIf reports whether err is worth another attempt. Nil retries
	// everything except permanent and context errors.
	RetryIf func(error) bool
}

// DefaultRetryConfig returns the RPC defaults.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// RetryResult describes how a retried call went.
type RetryResult struct {
	Attempts  int
	LastError error
	Duration  time.Duration
}

var (
	// ErrMaxRetriesExceeded is joined to the last error once retries run out.
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")

	// ErrContextCanceled is joined to the context error when the wait is cut short.
	ErrContextCanceled = errors.New("context canceled during retry")
)

// Retry calls fn until it succeeds, fails permanently or retries run out.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) *RetryResult {
	_, result := RetryWithValue(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return result
}

// RetryWithValue is Retry for calls that produce a value. The zero value is
// returned when every attempt failed.
func RetryWithValue[T any](ctx context.Context, config *RetryConfig, fn func() (T, error)) (T, *RetryResult) {
	if config == nil {
		config = DefaultRetryConfig()
	}
	retryIf := config.RetryIf
	if retryIf == nil {
		retryIf = isTransient
	}

	var zero T
	result := &RetryResult{}
	start := time.Now()
	finish := func(err error) *RetryResult {
		result.LastError = err
		result.Duration = time.Since(start)
		return result
	}

	for {
		result.Attempts++

		val, err := fn()
		if err == nil {
			return val, finish(nil)
		}
		if !retryIf(err) {
			return zero, finish(err)
		}
		if config.MaxRetries >= 0 && result.Attempts > config.MaxRetries {
			return zero, finish(errors.Join(ErrMaxRetriesExceeded, err))
		}

		timer := time.NewTimer(backoff(config, result.Attempts))
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, finish(errors.Join(ErrContextCanceled, ctx.Err(), err))
		case <-timer.C:
		}
	}
}

// backoff returns the wait before the attempt after the given one:
// BaseDelay * Multiplier^(attempt-1), jittered, capped at MaxDelay.
func backoff(config *RetryConfig, attempt int) time.Duration {
	multiplier := config.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	delay := float64(config.BaseDelay) * math.Pow(multiplier, float64(attempt-1))
	if config.Jitter > 0 {
		spread := delay * config.Jitter
		delay += (rand.Float64()*2 - 1) * spread
	}
	if config.MaxDelay > 0 && delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// PermanentError marks a failure that another attempt cannot fix, such as a
// reverted transaction or a chain id mismatch.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// MarkPermanent wraps err so the default policy stops retrying.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with MarkPermanent.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// isTransient is the default RetryIf.
func isTransient(err error) bool {
	if IsPermanent(err) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
