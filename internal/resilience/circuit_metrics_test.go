package resilience_test

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/toko-webhooks/internal/resilience"
)

func TestBreakerMetricsTransitions(t *testing.T) {
	metrics := resilience.NewBreakerMetrics(prometheus.NewRegistry())
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Target:      "accounts",
		MinRequests: 1,
		OpenFor:     20 * time.Millisecond,
		Metrics:     metrics,
		Now:         clock.Now,
	})
	ctx := context.Background()

	require.Equal(t, 0.0, testutil.ToFloat64(metrics.State.WithLabelValues("accounts")))

	require.True(t, breaker.Allow(ctx))
	breaker.Report(ctx, false)
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.State.WithLabelValues("accounts")))

	clock.Advance(20 * time.Millisecond)
	require.True(t, breaker.Allow(ctx))
	require.Equal(t, 2.0, testutil.ToFloat64(metrics.State.WithLabelValues("accounts")))

	breaker.Report(ctx, true)
	require.Equal(t, 0.0, testutil.ToFloat64(metrics.State.WithLabelValues("accounts")))

	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Opened.WithLabelValues("accounts")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Transitions.WithLabelValues("accounts", "closed", "open")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Transitions.WithLabelValues("accounts", "open", "half_open")))
	require.Equal(t, 1.0, testutil.ToFloat64(metrics.Transitions.WithLabelValues("accounts", "half_open", "closed")))
}

func TestBreakerMetricsReuseRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := resilience.NewBreakerMetrics(reg)
	second := resilience.NewBreakerMetrics(reg)
	require.Same(t, first.State, second.State)
}
