package proclog

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-webhooks/internal/obs"
	"github.com/noah-isme/toko-webhooks/internal/resilience"
)

// DefaultTimeout bounds every log write when Logger.Timeout is unset.
const DefaultTimeout = 2 * time.Second

// Logger writes processing log rows without ever failing the caller. Write
// errors are logged and reported to the Monitor carried by the context.
type Logger struct {
	Store   Store
	Timeout time.Duration
}

// NewLogger constructs a Logger over store.
func NewLogger(store Store, timeout time.Duration) *Logger {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Logger{Store: store, Timeout: timeout}
}

// Start records a started row and returns its id, or 0 when the write failed.
func (l *Logger) Start(ctx context.Context, eventType, eventID string, attempt int, detail Detail) int64 {
	if l == nil || l.Store == nil {
		return 0
	}
	id, err := resilience.WithTimeout(ctx, "proclog.start", l.timeout(), func(ctx context.Context) (int64, error) {
		return l.Store.Insert(ctx, Entry{
			EventType:       eventType,
			ProviderEventID: eventID,
			Status:          StatusStarted,
			Attempt:         attempt,
			Detail:          detail,
		})
	})
	if err != nil {
		l.report(ctx, "start", err)
		return 0
	}
	return id
}

// Success finishes the row as success. With id 0 it inserts a terminal row.
func (l *Logger) Success(ctx context.Context, id int64, eventType, eventID string, attempt int, detail Detail) {
	l.finish(ctx, "success", id, Entry{
		EventType:       eventType,
		ProviderEventID: eventID,
		Status:          StatusSuccess,
		Attempt:         attempt,
		Detail:          detail,
	})
}

// Failure finishes the row as failure with reason. With id 0 it inserts a
// terminal row.
func (l *Logger) Failure(ctx context.Context, id int64, eventType, eventID string, attempt int, reason string, detail Detail) {
	l.finish(ctx, "failure", id, Entry{
		EventType:       eventType,
		ProviderEventID: eventID,
		Status:          StatusFailure,
		Reason:          reason,
		Attempt:         attempt,
		Detail:          detail,
	})
}

func (l *Logger) finish(ctx context.Context, op string, id int64, entry Entry) {
	if l == nil || l.Store == nil {
		return
	}
	// A terminal row must land even when the request deadline already fired;
	// a row left in started reads as a crashed process.
	err := resilience.Run(context.WithoutCancel(ctx), "proclog."+op, l.timeout(), func(ctx context.Context) error {
		err := l.write(ctx, id, entry)
		if !errors.Is(err, ErrDuplicateSuccess) {
			return err
		}
		// The event already succeeded once; close this attempt without a
		// second success row.
		l.report(ctx, op, err)
		detail := Detail{"note": "already_succeeded"}
		for k, v := range entry.Detail {
			detail[k] = v
		}
		entry.Status, entry.Reason, entry.Detail = StatusFailure, ReasonDuplicateSuccess, detail
		return l.write(ctx, id, entry)
	})
	if err != nil {
		l.report(ctx, op, err)
	}
}

func (l *Logger) write(ctx context.Context, id int64, entry Entry) error {
	if id > 0 {
		err := l.Store.Finish(ctx, id, entry.Status, entry.Reason, entry.Detail)
		if !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	_, err := l.Store.Insert(ctx, entry)
	return err
}

func (l *Logger) report(ctx context.Context, op string, err error) {
	obs.MonitorFrom(ctx).LoggerError(op)
	logger := zerolog.Ctx(ctx)
	if errors.Is(err, ErrDuplicateSuccess) {
		logger.Warn().Str("op", op).Msg("proclog_duplicate_success")
		return
	}
	logger.Error().Err(err).Str("op", op).Msg("proclog_write_failed")
}

func (l *Logger) timeout() time.Duration {
	if l.Timeout <= 0 {
		return DefaultTimeout
	}
	return l.Timeout
}
