package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-webhooks/internal/resilience"
)

func TestPolicyDelayCapped(t *testing.T) {
	p := resilience.Policy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}
	require.Equal(t, 100*time.Millisecond, p.Delay(0))
	require.Equal(t, 200*time.Millisecond, p.Delay(1))
	require.Equal(t, 800*time.Millisecond, p.Delay(3))
	require.Equal(t, time.Second, p.Delay(4))
	require.Equal(t, time.Second, p.Delay(40))
}

func TestExecuteWithRetryEventuallySucceeds(t *testing.T) {
	p := resilience.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
	var attempts []int
	err := resilience.ExecuteWithRetry(context.Background(), p, func(_ context.Context, attempt int) error {
		attempts = append(attempts, attempt)
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, attempts)
}

func TestExecuteWithRetryReturnsLastError(t *testing.T) {
	p := resilience.Policy{MaxRetries: 2, BaseDelay: time.Millisecond, Multiplier: 2}
	calls := 0
	err := resilience.ExecuteWithRetry(context.Background(), p, func(context.Context, int) error {
		calls++
		return errors.New("attempt failed")
	})
	require.EqualError(t, err, "attempt failed")
	require.Equal(t, 3, calls)
}

func TestExecuteWithRetryStopsOnPermanent(t *testing.T) {
	notFound := errors.New("order missing")
	calls := 0
	err := resilience.ExecuteWithRetry(context.Background(), resilience.DefaultPolicy(), func(context.Context, int) error {
		calls++
		return resilience.Permanent(notFound)
	})
	require.ErrorIs(t, err, notFound)
	require.True(t, resilience.IsPermanent(err))
	require.Equal(t, 1, calls)
}

func TestExecuteWithRetryRespectsDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p := resilience.Policy{MaxRetries: 5, BaseDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}
	calls := 0
	start := time.Now()
	err := resilience.ExecuteWithRetry(ctx, p, func(context.Context, int) error {
		calls++
		return resilience.ErrTimeout
	})
	require.ErrorIs(t, err, resilience.ErrTimeout)
	require.Equal(t, 1, calls)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}
