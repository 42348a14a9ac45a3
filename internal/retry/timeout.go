package retry

import (
	"context"
	"errors"
	"time"
)

// TimeoutError is returned by WithTimeout when the deadline expires. Label is
// the human-readable message; Code is a stable machine code.
type TimeoutError struct {
	Label string
	Code  string
}

func (e *TimeoutError) Error() string {
	return e.Label
}

// ErrorCode returns the stable code for this timeout.
func (e *TimeoutError) ErrorCode() string {
	return e.Code
}

// IsTimeout extracts a TimeoutError from an error chain.
func IsTimeout(err error) (*TimeoutError, bool) {
	var te *TimeoutError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// WithTimeout races op against a timer. On expiry it returns a TimeoutError
// carrying label and code; on early completion the timer is released and the
// operation's own result is returned. Cancellation of the parent context is
// reported as ctx.Err(), not as a timeout.
//
// The operation receives a context that is cancelled when the deadline
// expires; operations that honor it stop early, but even ones that don't are
// abandoned at the deadline (their goroutine drains into a buffered channel).
func WithTimeout[T any](ctx context.Context, d time.Duration, label, code string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if d <= 0 {
		return op(ctx)
	}

	opCtx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	// Buffered so a late completion does not leak the goroutine.
	done := make(chan outcome, 1)
	go func() {
		value, err := op(opCtx)
		done <- outcome{value: value, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-opCtx.Done():
		if ctx.Err() != nil {
			// Parent cancelled; not a timeout.
			return zero, ctx.Err()
		}
		return zero, &TimeoutError{Label: label, Code: code}
	}
}
