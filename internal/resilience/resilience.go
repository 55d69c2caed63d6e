// Package resilience provides the caller-side wrappers the HTTP layer uses
// when it calls into the session and rate-limiter actors: timeouts, retry
// with backoff, and named circuit breakers. The actors themselves do not use
// these; they protect the callers from slow or failing actors.
package resilience

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/relaymesh/relay/internal/apperror"
)

var (
	// ErrTimeout reports that an operation was abandoned after its deadline.
	ErrTimeout = errors.New("operation timed out")
	// ErrCircuitOpen reports a short-circuited call on an open breaker.
	ErrCircuitOpen = errors.New("circuit breaker open")
)

// WithTimeout races op against a timer. If the timer fires first the result
// of op is abandoned, not cancelled: op keeps running on its own goroutine
// and its outcome is discarded.
func WithTimeout[T any](ctx context.Context, d time.Duration, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	type outcome struct {
		value T
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := op(ctx)
		done <- outcome{value: v, err: err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case out := <-done:
		return out.value, out.err
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// RetryConfig controls Retry behavior.
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Retryable decides whether an error is worth another attempt.
	// Nil means IsRetryable.
	Retryable func(error) bool
}

// DefaultRetryConfig mirrors the defaults used across the API layer.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2,
	}
}

// Retry runs op up to cfg.MaxAttempts times with exponential backoff and
// jitter. A non-retryable error aborts immediately; exhausting all attempts
// surfaces the last error.
func Retry[T any](ctx context.Context, cfg RetryConfig, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = IsRetryable
	}

	delay := cfg.InitialDelay
	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !retryable(err) || attempt == cfg.MaxAttempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return zero, ctx.Err()
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		// Jitter in [0.5, 1.0) of the computed delay.
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	return zero, lastErr
}

// IsRetryable is the default retry predicate: 5xx-equivalent API errors,
// explicit rate-limit rejections, and abandoned timeouts.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	if appErr := apperror.From(err); appErr != nil {
		return appErr.Status >= 500 || appErr.Status == 429
	}
	return false
}
