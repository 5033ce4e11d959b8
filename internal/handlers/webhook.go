package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/entitlement-engine/internal/ingest"
	"github.com/PortNumber53/entitlement-engine/internal/metrics"
	"github.com/PortNumber53/entitlement-engine/internal/models"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookIngest applies one raw provider delivery.
type WebhookIngest interface {
	Handle(ctx context.Context, payload []byte, sigHeader string) (ingest.Result, error)
}

// WebhookHandler receives Stripe webhook deliveries.
type WebhookHandler struct {
	ingest WebhookIngest
}

type webhookReceivedResponse struct {
	Received  bool   `json:"received"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Outcome   string `json:"outcome,omitempty"`
}

// NewWebhookHandler creates a Stripe webhook HTTP handler.
func NewWebhookHandler(svc WebhookIngest) *WebhookHandler {
	return &WebhookHandler{ingest: svc}
}

// ServeHTTP verifies and applies the delivery. Anything acknowledged with 200 is
// never redelivered, so only store failures answer 500.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		metrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		metrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeError(w, status, "failed to read request body")
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeError(w, status, "missing Stripe signature")
		return
	}

	res, err := h.ingest.Handle(r.Context(), payload, sigHeader)
	if res.Type != "" {
		eventType = res.Type
	}
	switch {
	case errors.Is(err, models.ErrAuthenticationFailure):
		log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("webhook: signature rejected")
		status = http.StatusBadRequest
		writeError(w, status, "invalid Stripe signature")
	case errors.Is(err, models.ErrDuplicateEvent):
		writeJSON(w, status, webhookReceivedResponse{Received: true, Duplicate: true})
	case err != nil:
		status = http.StatusInternalServerError
		writeError(w, status, "processing failed")
	default:
		writeJSON(w, status, webhookReceivedResponse{Received: true, Outcome: string(res.Outcome)})
	}
}
