package resilience

import (
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BreakerMetrics exports breaker state per target. A nil *BreakerMetrics
// records nothing.
type BreakerMetrics struct {
	State       *prometheus.GaugeVec
	Transitions *prometheus.CounterVec
	Opened      *prometheus.CounterVec
}

// NewBreakerMetrics registers the breaker collectors on reg, reusing any that
// are already registered there.
func NewBreakerMetrics(reg prometheus.Registerer) *BreakerMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &BreakerMetrics{
		State: reuse(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Current breaker state: 0=closed,1=open,2=half-open",
		}, []string{"target"})),
		Transitions: reuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breaker_transition_total",
			Help: "Count of breaker state transitions",
		}, []string{"target", "from", "to"})),
		Opened: reuse(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "breaker_open_total",
			Help: "Number of times a breaker transitioned into open state",
		}, []string{"target"})),
	}
}

var (
	defaultMetricsOnce sync.Once
	defaultMetrics     *BreakerMetrics
)

// DefaultBreakerMetrics returns metrics registered on the default Prometheus
// registerer.
func DefaultBreakerMetrics() *BreakerMetrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewBreakerMetrics(prometheus.DefaultRegisterer)
	})
	return defaultMetrics
}

func (m *BreakerMetrics) setState(target string, s State) {
	if m == nil {
		return
	}
	m.State.WithLabelValues(target).Set(float64(s))
}

func (m *BreakerMetrics) transition(target string, from, to State) {
	if m == nil {
		return
	}
	m.setState(target, to)
	m.Transitions.WithLabelValues(target, from.String(), to.String()).Inc()
	if to == Open {
		m.Opened.WithLabelValues(target).Inc()
	}
}

func reuse[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
