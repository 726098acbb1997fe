package resilience_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-webhooks/internal/resilience"
)

func TestWithTimeoutReturnsResult(t *testing.T) {
	val, err := resilience.WithTimeout(context.Background(), "fetch", time.Second, func(context.Context) (string, error) {
		return "ord_42", nil
	})
	require.NoError(t, err)
	require.Equal(t, "ord_42", val)
}

func TestWithTimeoutExpires(t *testing.T) {
	cancelled := make(chan struct{})
	start := time.Now()
	_, err := resilience.WithTimeout(context.Background(), "marketing", 20*time.Millisecond, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		close(cancelled)
		return 0, ctx.Err()
	})
	require.Error(t, err)
	require.True(t, resilience.IsTimeout(err))

	var te *resilience.TimeoutError
	require.True(t, errors.As(err, &te))
	require.Equal(t, "marketing", te.Op)
	require.Equal(t, 20*time.Millisecond, te.After)
	require.Less(t, time.Since(start), time.Second)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("operation context was not cancelled")
	}
}

func TestWithTimeoutIgnoringOperationStillReturns(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	err := resilience.Run(context.Background(), "stuck", 10*time.Millisecond, func(context.Context) error {
		<-release
		return nil
	})
	require.ErrorIs(t, err, resilience.ErrTimeout)
}

func TestWithTimeoutPropagatesError(t *testing.T) {
	boom := errors.New("boom")
	err := resilience.Run(context.Background(), "op", time.Second, func(context.Context) error {
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, resilience.IsTimeout(err))
}

func TestWithTimeoutParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	called := false
	err := resilience.Run(ctx, "op", time.Second, func(context.Context) error {
		called = true
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, called)
}
