// Package retry provides bounded retries with exponential backoff, a
// transient-error classifier, and a timeout wrapper for racing operations
// against a deadline.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/loom/internal/backoff"
)

// Config configures retry behavior.
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay clamps the delay between attempts.
	MaxDelay time.Duration
	// Factor is the multiplier for exponential backoff.
	Factor float64
	// Jitter multiplies each delay by a random factor in [0.5, 1.5).
	Jitter bool
	// Predicate decides whether an error should be retried. Nil means the
	// transient classifier (Transient).
	Predicate func(error) bool
}

// DefaultConfig returns the retry configuration used for infrastructure
// calls (provider streams, MCP requests).
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

// Result contains the outcome of a retry operation.
type Result struct {
	// Attempts is the number of attempts made.
	Attempts int
	// Err is the last error (nil if successful).
	Err error
	// Duration is the total time spent retrying.
	Duration time.Duration
}

// Do executes the operation with retries. The operation receives the
// 1-indexed attempt number. Retries stop on success, on a permanent error,
// when the predicate declines the error, when attempts are exhausted, or
// when the context is cancelled.
func Do(ctx context.Context, config Config, op func(attempt int) error) Result {
	start := time.Now()
	result := Result{}

	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	policy := backoff.Policy{
		Initial: config.InitialDelay,
		Max:     config.MaxDelay,
		Factor:  config.Factor,
		Jitter:  config.Jitter,
	}
	if policy.Initial <= 0 {
		policy.Initial = 500 * time.Millisecond
	}
	if policy.Max <= 0 {
		policy.Max = 10 * time.Second
	}
	if policy.Factor <= 0 {
		policy.Factor = 2.0
	}
	predicate := config.Predicate
	if predicate == nil {
		predicate = Transient
	}

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if ctx.Err() != nil {
			result.Err = ctx.Err()
			result.Duration = time.Since(start)
			return result
		}

		err := op(attempt)
		if err == nil {
			result.Err = nil
			result.Duration = time.Since(start)
			return result
		}
		result.Err = err

		if IsPermanent(err) || !predicate(err) || attempt >= config.MaxAttempts {
			break
		}

		if err := backoff.SleepWithPolicy(ctx, policy, attempt); err != nil {
			result.Err = err
			result.Duration = time.Since(start)
			return result
		}
	}

	result.Duration = time.Since(start)
	return result
}

// DoWithValue executes an operation that returns a value with retries.
func DoWithValue[T any](ctx context.Context, config Config, op func(attempt int) (T, error)) (T, Result) {
	var value T
	result := Do(ctx, config, func(attempt int) error {
		var err error
		value, err = op(attempt)
		return err
	})
	return value, result
}

// PermanentError is an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps an error to indicate it should not be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent checks if an error is permanent (shouldn't retry).
func IsPermanent(err error) bool {
	var permanent *PermanentError
	return errors.As(err, &permanent)
}

// Linear creates a config for linear backoff.
func Linear(maxAttempts int, delay time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: delay,
		MaxDelay:     delay,
		Factor:       1.0,
	}
}

// Exponential creates a config for exponential backoff with jitter.
func Exponential(maxAttempts int, initial, max time.Duration) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: initial,
		MaxDelay:     max,
		Factor:       2.0,
		Jitter:       true,
	}
}
