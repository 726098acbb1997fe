package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// WebhookMetrics groups the Prometheus collectors behind PromMonitor.
type WebhookMetrics struct {
	// EventsTotal counts terminal pipeline outcomes by event type.
	EventsTotal *prometheus.CounterVec
	// FailuresTotal counts failures by event type and reason.
	FailuresTotal *prometheus.CounterVec
	// Duration records end-to-end processing latency in milliseconds.
	Duration *prometheus.HistogramVec
	// StepsTotal counts side-effect step outcomes.
	StepsTotal *prometheus.CounterVec
	// LoggerErrors counts processing log writes that failed.
	LoggerErrors *prometheus.CounterVec
}

// NewWebhookMetrics builds and registers the webhook collectors. Registering the
// same namespace twice reuses the collectors already present on reg.
func NewWebhookMetrics(namespace string, reg prometheus.Registerer) *WebhookMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	return &WebhookMetrics{
		EventsTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Count of inbound webhook events by terminal result.",
		}, []string{"type", "result"})),
		FailuresTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_failures_total",
			Help:      "Count of failed webhook events by reason.",
		}, []string{"type", "reason"})),
		Duration: register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_processing_duration_ms",
			Help:      "Webhook processing latency in milliseconds.",
			Buckets:   []float64{5, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 25000},
		}, []string{"type"})),
		StepsTotal: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_steps_total",
			Help:      "Count of side-effect step outcomes.",
		}, []string{"step", "outcome"})),
		LoggerErrors: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_logger_errors_total",
			Help:      "Count of processing log writes that failed.",
		}, []string{"op"})),
	}
}

// PromMonitor implements Monitor on top of WebhookMetrics.
type PromMonitor struct {
	Metrics *WebhookMetrics
}

func (p PromMonitor) Success(eventType string) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.EventsTotal.WithLabelValues(normaliseLabel(eventType, "unknown"), "success").Inc()
}

func (p PromMonitor) Duplicate(eventType string) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.EventsTotal.WithLabelValues(normaliseLabel(eventType, "unknown"), "duplicate").Inc()
}

func (p PromMonitor) Failure(eventType, reason string) {
	if p.Metrics == nil {
		return
	}
	label := normaliseLabel(eventType, "unknown")
	p.Metrics.EventsTotal.WithLabelValues(label, "failure").Inc()
	p.Metrics.FailuresTotal.WithLabelValues(label, normaliseLabel(reason, "internal")).Inc()
}

func (p PromMonitor) Latency(eventType string, d time.Duration) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.Duration.WithLabelValues(normaliseLabel(eventType, "unknown")).Observe(DurationMillis(d))
}

func (p PromMonitor) Step(step, outcome string) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.StepsTotal.WithLabelValues(normaliseLabel(step, "unknown"), normaliseLabel(outcome, "unknown")).Inc()
}

func (p PromMonitor) LoggerError(op string) {
	if p.Metrics == nil {
		return
	}
	p.Metrics.LoggerErrors.WithLabelValues(normaliseLabel(op, "unknown")).Inc()
}
