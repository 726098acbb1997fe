package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/toko-webhooks/internal/archive"
	"github.com/noah-isme/toko-webhooks/internal/dedup"
	"github.com/noah-isme/toko-webhooks/internal/obs"
	"github.com/noah-isme/toko-webhooks/internal/resilience"
)

// Result is the outcome of one inbound delivery.
type Result struct {
	Status    int
	EventID   string
	EventType string
	Duplicate bool
	Outcome   string
	Reason    string
	Err       error
}

// Pipeline composes verification, deduplication, retry and dispatch for one
// delivery. The Monitor is read from the context.
type Pipeline struct {
	Verifier       Verifier
	Guard          dedup.Guard
	Router         *Router
	Retry          resilience.Policy
	Archive        archive.Archiver
	ArchiveTimeout time.Duration
	Now            func() time.Time
}

// Process handles one raw delivery and reports the HTTP status the provider
// should receive.
func (p *Pipeline) Process(ctx context.Context, header http.Header, body []byte) Result {
	now := p.now()
	monitor := obs.MonitorFrom(ctx)
	ctx, span := otel.Tracer("webhook.Pipeline").Start(ctx, "Pipeline.Process")
	defer span.End()

	ev, err := Authenticate(p.Verifier, header, body, now)
	if err != nil {
		reason := FailureReason(err)
		eventType := "unknown"
		if reason == ReasonMalformed {
			eventType = "malformed"
		}
		monitor.Failure(eventType, reason)
		zerolog.Ctx(ctx).Warn().Err(err).Str("reason", reason).Msg("webhook_rejected")
		span.SetStatus(codes.Error, reason)
		return Result{Status: http.StatusBadRequest, Reason: reason, Err: err}
	}

	logger := zerolog.Ctx(ctx).With().Str("event_id", ev.ID).Str("event_type", ev.Type).Logger()
	ctx = logger.WithContext(ctx)
	span.SetAttributes(attribute.String("webhook.event_id", ev.ID), attribute.String("webhook.event_type", ev.Type))
	defer func() { monitor.Latency(ev.Type, time.Since(now)) }()
	res := Result{EventID: ev.ID, EventType: ev.Type}

	seen, err := p.hasBeenProcessed(ctx, ev.ID)
	if err != nil {
		return p.fail(ctx, span, res, fmt.Errorf("%w: %w", dedup.ErrCheck, err))
	}
	if seen {
		return p.duplicate(ctx, res)
	}

	var (
		outcome  string
		archived bool
	)
	archiveOnce := func(ctx context.Context) {
		if !archived {
			archived = true
			p.archive(ctx, ev, body)
		}
	}
	duplicate, err := p.Guard.Run(ctx, ev.ID, func(ctx context.Context) (string, error) {
		err := resilience.ExecuteWithRetry(ctx, p.Retry, func(ctx context.Context, attempt int) error {
			out, err := p.Router.dispatch(ctx, ev, attempt+1, archiveOnce)
			if err != nil {
				logger.Warn().Err(err).Int("attempt", attempt+1).Msg("webhook_attempt_failed")
				return err
			}
			outcome = out
			return nil
		})
		return outcome, err
	})
	if err != nil {
		return p.fail(ctx, span, res, err)
	}
	if duplicate {
		return p.duplicate(ctx, res)
	}

	monitor.Success(ev.Type)
	logger.Info().Str("outcome", outcome).Dur("elapsed", time.Since(now)).Msg("webhook_processed")
	res.Status = http.StatusOK
	res.Outcome = outcome
	return res
}

func (p *Pipeline) hasBeenProcessed(ctx context.Context, eventID string) (bool, error) {
	if p.Guard.Store == nil {
		return false, dedup.ErrStoreUnavailable
	}
	return p.Guard.Store.HasBeenProcessed(ctx, eventID)
}

func (p *Pipeline) duplicate(ctx context.Context, res Result) Result {
	obs.MonitorFrom(ctx).Duplicate(res.EventType)
	zerolog.Ctx(ctx).Info().Msg("webhook_duplicate")
	res.Status = http.StatusOK
	res.Duplicate = true
	res.Outcome = "duplicate"
	return res
}

func (p *Pipeline) fail(ctx context.Context, span trace.Span, res Result, err error) Result {
	reason := FailureReason(err)
	obs.MonitorFrom(ctx).Failure(res.EventType, reason)
	zerolog.Ctx(ctx).Error().Err(err).Str("reason", reason).Msg("webhook_failed")
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	res.Status = http.StatusInternalServerError
	res.Reason = reason
	res.Err = err
	return res
}

// archive stores the raw body. Failures are recorded and never fail delivery.
func (p *Pipeline) archive(ctx context.Context, ev Event, body []byte) {
	if p.Archive == nil {
		return
	}
	if _, ok := p.Archive.(archive.Nop); ok {
		return
	}
	timeout := p.ArchiveTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	key, err := resilience.WithTimeout(ctx, "archive.put", timeout, func(ctx context.Context) (string, error) {
		return p.Archive.Put(ctx, ev.ID, ev.Type, ev.ReceivedAt, body)
	})
	outcome := stepOutcome(err)
	obs.MonitorFrom(ctx).Step("archive", outcome)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("outcome", outcome).Msg("webhook_archive_failed")
		return
	}
	zerolog.Ctx(ctx).Debug().Str("key", key).Msg("webhook_archived")
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}
