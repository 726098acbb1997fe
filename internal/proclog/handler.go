package proclog

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/noah-isme/toko-webhooks/internal/common"
	"github.com/noah-isme/toko-webhooks/internal/dedup"
)

// RecordLookup fetches idempotency records. dedup.Store satisfies it.
type RecordLookup interface {
	Get(ctx context.Context, eventID string) (dedup.Record, error)
}

// Handler exposes the processing log to operators.
type Handler struct {
	Store   Store
	Records RecordLookup
	Now     func() time.Time
}

type eventView struct {
	EventID string        `json:"event_id"`
	Entries []Entry       `json:"entries"`
	Record  *dedup.Record `json:"idempotency_record"`
}

// Event returns every log row of one provider event plus its idempotency record.
func (h Handler) Event(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "PROCLOG_NOT_CONFIGURED", "processing log store not configured", nil)
		return
	}
	eventID := strings.TrimSpace(chi.URLParam(r, "eventID"))
	if eventID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "event id is required", nil)
		return
	}
	entries, err := h.Store.ListByEvent(r.Context(), eventID)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Str("event_id", eventID).Msg("proclog_query_failed")
		common.JSONError(w, http.StatusInternalServerError, "PROCLOG_QUERY_FAILED", "unable to fetch processing logs", nil)
		return
	}
	view := eventView{EventID: eventID, Entries: entries}
	if h.Records != nil {
		record, err := h.Records.Get(r.Context(), eventID)
		switch {
		case err == nil:
			view.Record = &record
		case errors.Is(err, dedup.ErrNotFound):
		default:
			common.JSONError(w, http.StatusInternalServerError, "DEDUP_QUERY_FAILED", "unable to fetch idempotency record", nil)
			return
		}
	}
	if len(view.Entries) == 0 && view.Record == nil {
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "event not seen", nil)
		return
	}
	common.JSON(w, http.StatusOK, view)
}

// List returns recent log rows, newest first.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "PROCLOG_NOT_CONFIGURED", "processing log store not configured", nil)
		return
	}
	query := r.URL.Query()
	filter := Filter{
		Status:    Status(strings.ToLower(strings.TrimSpace(query.Get("status")))),
		EventType: strings.TrimSpace(query.Get("type")),
		Limit:     50,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "unsupported status", map[string]any{"status": filter.Status})
		return
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 || limit > 500 {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be between 1 and 500", nil)
			return
		}
		filter.Limit = limit
	}
	entries, err := h.Store.ListRecent(r.Context(), filter)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("proclog_query_failed")
		common.JSONError(w, http.StatusInternalServerError, "PROCLOG_QUERY_FAILED", "unable to fetch processing logs", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": entries})
}

// Expire moves rows stuck in started for longer than older_than to expired.
func (h Handler) Expire(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "PROCLOG_NOT_CONFIGURED", "processing log store not configured", nil)
		return
	}
	olderThan := 15 * time.Minute
	if raw := strings.TrimSpace(r.URL.Query().Get("older_than")); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < time.Minute {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "older_than must be a duration of at least 1m", nil)
			return
		}
		olderThan = d
	}
	now := time.Now
	if h.Now != nil {
		now = h.Now
	}
	cutoff := now().UTC().Add(-olderThan)
	n, err := h.Store.ExpireStarted(r.Context(), cutoff)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("proclog_expire_failed")
		common.JSONError(w, http.StatusInternalServerError, "PROCLOG_EXPIRE_FAILED", "unable to expire processing logs", nil)
		return
	}
	zerolog.Ctx(r.Context()).Info().Int64("expired", n).Time("cutoff", cutoff).Msg("proclog_expired")
	common.JSON(w, http.StatusOK, map[string]any{"expired": n, "cutoff": cutoff})
}
