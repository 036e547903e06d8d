// internal/api/webhook.go
package api

import (
	"context"
	"errors"
	"io"
	"net/http"

	custom_errors "github-star-mirror/internal/errors"
	"github-star-mirror/internal/model"
	"github-star-mirror/internal/syncer"
)

const (
	headerEvent     = "X-GitHub-Event"
	headerDelivery  = "X-GitHub-Delivery"
	headerSignature = "X-Hub-Signature-256"

	// GitHub caps webhook payloads at 25 MB.
	maxWebhookBody = 25 << 20
)

// Values of the status label on webhook_requests_total beyond the sync outcomes.
const (
	webhookIgnored          = "ignored"
	webhookBadRequest       = "bad_request"
	webhookInvalidSignature = "invalid_signature"
	webhookError            = "error"
)

type webhookResponse struct {
	Status string          `json:"status"`
	Reason string          `json:"reason,omitempty"`
	Result *syncer.Outcome `json:"result,omitempty"`
}

// githubWebhook receives GitHub deliveries and mirrors newly starred repositories.
// POST /webhooks/github
func (h *Handler) githubWebhook(w http.ResponseWriter, r *http.Request) {
	eventType := r.Header.Get(headerEvent)
	deliveryID := r.Header.Get(headerDelivery)
	logger := h.logger.With("event", eventType, "delivery_id", deliveryID)

	if eventType == "" || deliveryID == "" {
		h.metrics.WebhookReceived(labelOrUnknown(eventType), webhookBadRequest)
		respondWithError(w, http.StatusBadRequest, "Missing X-GitHub-Event or X-GitHub-Delivery header")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		logger.Error("Failed to read webhook body", "error", err)
		h.metrics.WebhookReceived(eventType, webhookBadRequest)
		respondWithError(w, http.StatusBadRequest, "Unreadable request body")
		return
	}

	signature := r.Header.Get(headerSignature)
	res, err := h.validator.Validate(eventType, body, signature)
	if err != nil {
		var (
			sigErr     *custom_errors.ErrSignatureInvalid
			payloadErr *custom_errors.ErrPayloadInvalid
		)
		switch {
		case errors.As(err, &sigErr):
			logger.Error("Webhook signature verification failed", "reason", sigErr.Reason)
			h.metrics.WebhookReceived(eventType, webhookInvalidSignature)
			respondWithError(w, http.StatusUnauthorized, "Invalid signature")
		case errors.As(err, &payloadErr):
			logger.Error("Failed to validate webhook payload", "reason", payloadErr.Reason)
			h.metrics.WebhookReceived(eventType, webhookBadRequest)
			respondWithJSON(w, http.StatusBadRequest, map[string]string{
				"error":  "Invalid payload",
				"detail": payloadErr.Reason,
			})
		default:
			logger.Error("Unexpected webhook validation error", "error", err)
			h.metrics.WebhookReceived(eventType, webhookError)
			respondWithError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	if res.Ignored {
		logger.Info("Ignoring webhook", "reason", res.Reason)
		h.metrics.WebhookReceived(eventType, webhookIgnored)
		respondWithJSON(w, http.StatusOK, webhookResponse{Status: webhookIgnored, Reason: res.Reason})
		return
	}

	logger = logger.With("repository", res.Event.Repository.FullName)
	logger.Info("Received star event", "sender", res.Event.Sender)

	// Ledger writes must finish even if GitHub hangs up first.
	ctx := context.WithoutCancel(r.Context())
	out, err := h.processor.Process(ctx, res.Event, model.Delivery{
		ID:        deliveryID,
		EventType: eventType,
		Signature: signature,
		Payload:   body,
	})
	if err != nil {
		if out != nil && custom_errors.IsDomainFailure(err) {
			logger.Error("Sync failed", "error", err)
			h.metrics.WebhookReceived(eventType, syncer.StatusFailed)
			respondWithJSON(w, http.StatusOK, webhookResponse{Status: syncer.StatusFailed, Result: out})
			return
		}
		logger.Error("Failed to process webhook", "error", err)
		h.metrics.WebhookReceived(eventType, webhookError)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	logger.Info("Webhook processed successfully", "status", out.Status, "repo_id", out.RepositoryID)
	h.metrics.WebhookReceived(eventType, out.Status)
	respondWithJSON(w, http.StatusOK, webhookResponse{Status: out.Status, Result: out})
}

func labelOrUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
