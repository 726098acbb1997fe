package webhook

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/noah-isme/toko-webhooks/internal/common"
	"github.com/noah-isme/toko-webhooks/internal/obs"
)

// HTTPHandler exposes the pipeline as the provider-facing endpoint.
type HTTPHandler struct {
	Pipeline     *Pipeline
	Monitor      obs.Monitor
	MaxBodyBytes int64
	// Deadline caps the whole delivery, retries included.
	Deadline time.Duration
}

// Receive handles POST deliveries.
func (h HTTPHandler) Receive(w http.ResponseWriter, r *http.Request) {
	if h.Pipeline == nil {
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_NOT_CONFIGURED", "webhook pipeline not configured", nil)
		return
	}
	ctx := r.Context()
	if h.Monitor != nil {
		ctx = obs.WithMonitor(ctx, h.Monitor)
	}
	if h.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Deadline)
		defer cancel()
	}

	reader := r.Body
	if h.MaxBodyBytes > 0 {
		reader = http.MaxBytesReader(w, r.Body, h.MaxBodyBytes)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			common.JSONError(w, http.StatusRequestEntityTooLarge, common.CodePayloadTooLarge, "payload exceeds limit", nil)
			return
		}
		common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "unable to read payload", nil)
		return
	}

	res := h.Pipeline.Process(ctx, r.Header, body)
	switch {
	case res.Status == http.StatusOK && res.Duplicate:
		common.JSON(w, http.StatusOK, map[string]any{
			"status":   "duplicate",
			"message":  "duplicate, accepted",
			"event_id": res.EventID,
		})
	case res.Status == http.StatusOK:
		common.JSON(w, http.StatusOK, map[string]any{
			"status":   res.Outcome,
			"event_id": res.EventID,
		})
	case res.Status == http.StatusBadRequest && res.Reason == ReasonMalformed:
		common.JSONError(w, http.StatusBadRequest, "WEBHOOK_MALFORMED", "event payload is malformed", nil)
	case res.Status == http.StatusBadRequest:
		common.JSONError(w, http.StatusBadRequest, "INVALID_SIGNATURE", "signature verification failed", nil)
	default:
		common.JSONError(w, http.StatusInternalServerError, "WEBHOOK_FAILED", "event processing failed", map[string]any{
			"event_id": res.EventID,
			"reason":   res.Reason,
		})
	}
}

// Liveness answers GET on the webhook path without processing anything.
func (h HTTPHandler) Liveness(w http.ResponseWriter, _ *http.Request) {
	common.JSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "toko-webhooks"})
}
