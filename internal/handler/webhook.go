package handler

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/centavoapp/billing/internal/billing"
	"github.com/centavoapp/billing/internal/metrics"
	"github.com/centavoapp/billing/internal/middleware"
)

// Provider events are small; anything bigger than this is not a webhook.
const webhookBodyLimit = 64 << 10

// WebhookHandler terminates the billing provider's webhook endpoint:
// verify the signature over the raw bytes, then hand the event to the
// dispatcher and translate its disposition into a status code.
type WebhookHandler struct {
	client     *billing.Client
	dispatcher *billing.Dispatcher
	metrics    *metrics.Set
	logger     *slog.Logger
}

func NewWebhookHandler(client *billing.Client, dispatcher *billing.Dispatcher, m *metrics.Set, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		client:     client,
		dispatcher: dispatcher,
		metrics:    m,
		logger:     logger,
	}
}

func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	event, err := h.client.VerifyAndParseEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		// Logged apart from normal traffic: repeated failures from one
		// source are a security signal, not noise.
		h.metrics.SignatureFailures.Inc()
		h.logger.Warn("webhook signature rejected", "remote", middleware.RealIP(r))
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	switch h.dispatcher.Dispatch(r.Context(), &event) {
	case billing.DispositionRetry:
		// The only path that asks the provider to come back.
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	case billing.DispositionReject:
		http.Error(w, "malformed payload", http.StatusBadRequest)
	default:
		respondJSON(w, http.StatusOK, map[string]bool{"received": true})
	}
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
