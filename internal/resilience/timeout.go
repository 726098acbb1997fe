package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is matched by every TimeoutError via errors.Is.
var ErrTimeout = errors.New("resilience: operation timed out")

// TimeoutError reports that a guarded operation exceeded its budget.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("resilience: %s timed out after %s", e.Op, e.After)
}

// Is lets errors.Is(err, ErrTimeout) match any TimeoutError.
func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// IsTimeout reports whether err is a guard timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

type result[T any] struct {
	val T
	err error
}

// WithTimeout races fn against a timer of d. The context handed to fn is
// cancelled when the budget runs out; fn may keep running in the background if
// it ignores cancellation, its result is then discarded. A d <= 0 disables the
// timer but still honours ctx.
func WithTimeout[T any](ctx context.Context, op string, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if fn == nil {
		return zero, errors.New("resilience: operation not provided")
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	callCtx, cancel := context.WithCancel(ctx)
	done := make(chan result[T], 1)
	go func() {
		val, err := fn(callCtx)
		done <- result[T]{val: val, err: err}
	}()

	var timeout <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-done:
		cancel()
		return res.val, res.err
	case <-timeout:
		cancel()
		return zero, &TimeoutError{Op: op, After: d}
	case <-ctx.Done():
		cancel()
		return zero, ctx.Err()
	}
}

// Run is WithTimeout for operations without a result value.
func Run(ctx context.Context, op string, d time.Duration, fn func(context.Context) error) error {
	_, err := WithTimeout(ctx, op, d, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
