package obs

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMonitor implements Monitor with OpenTelemetry instruments. It records
// through the global meter provider, which is a no-op until one is installed.
type OTelMonitor struct {
	events   metric.Int64Counter
	failures metric.Int64Counter
	duration metric.Float64Histogram
	steps    metric.Int64Counter
	logErrs  metric.Int64Counter
}

// NewOTelMonitor creates the instruments on the named meter.
func NewOTelMonitor(name string) (*OTelMonitor, error) {
	if name == "" {
		name = "webhook.pipeline"
	}
	meter := otel.Meter(name)
	m := &OTelMonitor{}
	var err error
	if m.events, err = meter.Int64Counter("webhook.events", metric.WithDescription("Inbound webhook events by terminal result.")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("webhook.failures", metric.WithDescription("Failed webhook events by reason.")); err != nil {
		return nil, err
	}
	if m.duration, err = meter.Float64Histogram("webhook.processing.duration", metric.WithUnit("ms"), metric.WithDescription("Webhook processing latency.")); err != nil {
		return nil, err
	}
	if m.steps, err = meter.Int64Counter("webhook.steps", metric.WithDescription("Side-effect step outcomes.")); err != nil {
		return nil, err
	}
	if m.logErrs, err = meter.Int64Counter("webhook.logger.errors", metric.WithDescription("Failed processing log writes.")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *OTelMonitor) Success(eventType string) {
	m.events.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", normaliseLabel(eventType, "unknown")),
		attribute.String("result", "success"),
	))
}

func (m *OTelMonitor) Duplicate(eventType string) {
	m.events.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("type", normaliseLabel(eventType, "unknown")),
		attribute.String("result", "duplicate"),
	))
}

func (m *OTelMonitor) Failure(eventType, reason string) {
	typ := attribute.String("type", normaliseLabel(eventType, "unknown"))
	m.events.Add(context.Background(), 1, metric.WithAttributes(typ, attribute.String("result", "failure")))
	m.failures.Add(context.Background(), 1, metric.WithAttributes(typ, attribute.String("reason", normaliseLabel(reason, "internal"))))
}

func (m *OTelMonitor) Latency(eventType string, d time.Duration) {
	m.duration.Record(context.Background(), DurationMillis(d), metric.WithAttributes(
		attribute.String("type", normaliseLabel(eventType, "unknown")),
	))
}

func (m *OTelMonitor) Step(step, outcome string) {
	m.steps.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("step", normaliseLabel(step, "unknown")),
		attribute.String("outcome", normaliseLabel(outcome, "unknown")),
	))
}

func (m *OTelMonitor) LoggerError(op string) {
	m.logErrs.Add(context.Background(), 1, metric.WithAttributes(attribute.String("op", normaliseLabel(op, "unknown"))))
}
