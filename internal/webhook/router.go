package webhook

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/noah-isme/toko-webhooks/internal/obs"
	"github.com/noah-isme/toko-webhooks/internal/proclog"
)

// Outcomes returned by Router.Dispatch and stored with the idempotency record.
const (
	OutcomeProcessed = "processed"
	OutcomeIgnored   = "ignored"
)

// HandlerFunc runs the side effects of one event. The returned detail is merged
// into the terminal log row whether or not err is nil.
type HandlerFunc func(ctx context.Context, ev Event) (proclog.Detail, error)

// Router sends each event to the single handler registered for its Kind and
// brackets the call with processing log writes.
type Router struct {
	Log      *proclog.Logger
	handlers map[Kind]HandlerFunc
}

// NewRouter returns an empty Router writing to log.
func NewRouter(log *proclog.Logger) *Router {
	return &Router{Log: log, handlers: make(map[Kind]HandlerFunc)}
}

// Handle registers h for kind, replacing any earlier registration.
func (r *Router) Handle(kind Kind, h HandlerFunc) {
	r.handlers[kind] = h
}

// Dispatch runs one processing attempt of ev. attempt is 1-based.
func (r *Router) Dispatch(ctx context.Context, ev Event, attempt int) (string, error) {
	return r.dispatch(ctx, ev, attempt, nil)
}

// dispatch is Dispatch with started run once the started row is written and
// before the handler.
func (r *Router) dispatch(ctx context.Context, ev Event, attempt int, started func(context.Context)) (string, error) {
	ctx, span := otel.Tracer("webhook.Router").Start(ctx, "Router.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.event_id", ev.ID),
		attribute.String("webhook.kind", string(ev.Kind)),
		attribute.Int("webhook.attempt", attempt),
	)

	start := proclog.Detail{"attempt": attempt, "kind": string(ev.Kind)}
	if ev.Payload != nil {
		for k, v := range ev.Payload.DomainIDs() {
			start[k] = v
		}
	}
	logID := r.Log.Start(ctx, ev.Type, ev.ID, attempt, start)
	if started != nil {
		started(ctx)
	}

	h, ok := r.handlers[ev.Kind]
	if !ok {
		obs.MonitorFrom(ctx).Step("route", "no_handler")
		r.Log.Success(ctx, logID, ev.Type, ev.ID, attempt, proclog.Detail{"note": "no handler"})
		return OutcomeIgnored, nil
	}

	detail, err := h(ctx, ev)
	if detail == nil {
		detail = proclog.Detail{}
	}
	if err != nil {
		reason := FailureReason(err)
		detail["error"] = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		r.Log.Failure(ctx, logID, ev.Type, ev.ID, attempt, reason, detail)
		return "", fmt.Errorf("dispatch %s: %w", ev.Kind, err)
	}
	r.Log.Success(ctx, logID, ev.Type, ev.ID, attempt, detail)
	return OutcomeProcessed, nil
}
