package obs

import (
	"context"
	"strings"
	"time"
)

// Monitor is the metrics sink observed by the webhook pipeline. Implementations
// must be safe for concurrent use.
type Monitor interface {
	Success(eventType string)
	Duplicate(eventType string)
	Failure(eventType, reason string)
	Latency(eventType string, d time.Duration)
	Step(step, outcome string)
	LoggerError(op string)
}

type monitorKey struct{}

// WithMonitor stores the monitor on the request context.
func WithMonitor(ctx context.Context, m Monitor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, monitorKey{}, m)
}

// MonitorFrom returns the monitor stored on ctx or a no-op monitor.
func MonitorFrom(ctx context.Context) Monitor {
	if ctx == nil {
		return NopMonitor{}
	}
	if m, ok := ctx.Value(monitorKey{}).(Monitor); ok && m != nil {
		return m
	}
	return NopMonitor{}
}

// NopMonitor discards everything.
type NopMonitor struct{}

func (NopMonitor) Success(string)                {}
func (NopMonitor) Duplicate(string)              {}
func (NopMonitor) Failure(string, string)        {}
func (NopMonitor) Latency(string, time.Duration) {}
func (NopMonitor) Step(string, string)           {}
func (NopMonitor) LoggerError(string)            {}

// MultiMonitor fans every observation out to each member.
type MultiMonitor []Monitor

func (m MultiMonitor) Success(eventType string) {
	for _, mon := range m {
		mon.Success(eventType)
	}
}

func (m MultiMonitor) Duplicate(eventType string) {
	for _, mon := range m {
		mon.Duplicate(eventType)
	}
}

func (m MultiMonitor) Failure(eventType, reason string) {
	for _, mon := range m {
		mon.Failure(eventType, reason)
	}
}

func (m MultiMonitor) Latency(eventType string, d time.Duration) {
	for _, mon := range m {
		mon.Latency(eventType, d)
	}
}

func (m MultiMonitor) Step(step, outcome string) {
	for _, mon := range m {
		mon.Step(step, outcome)
	}
}

func (m MultiMonitor) LoggerError(op string) {
	for _, mon := range m {
		mon.LoggerError(op)
	}
}

func normaliseLabel(value, fallback string) string {
	trimmed := strings.ToLower(strings.TrimSpace(value))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}
