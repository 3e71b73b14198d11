package controller

import (
	"context"
	"errors"
	"io"
	"net/http"

	domainErrors "github.com/cassiomorais/coursepay/internal/domain/errors"
	"github.com/cassiomorais/coursepay/internal/domain/session"
	infraRedis "github.com/cassiomorais/coursepay/internal/infrastructure/redis"
	"github.com/cassiomorais/coursepay/internal/providers"
	"github.com/cassiomorais/coursepay/internal/service"
	"github.com/rs/zerolog"
)

const maxWebhookBody = 64 << 10

// WebhookPublisher hands verified webhooks to the worker.
type WebhookPublisher interface {
	PublishWebhook(ctx context.Context, m infraRedis.WebhookMessage) error
}

// WebhookConfirmer confirms a session inline when no publisher is configured.
type WebhookConfirmer interface {
	ConfirmWebhook(ctx context.Context, req service.WebhookRequest) (*service.ConfirmResult, error)
}

// WebhookController receives provider webhooks. Requests are authenticated
// by the provider signature, not by a user token.
type WebhookController struct {
	stripe    providers.WebhookParser
	publisher WebhookPublisher
	confirmer WebhookConfirmer
	logger    zerolog.Logger
}

// NewWebhookController builds the controller. A nil publisher makes it
// confirm sessions inline.
func NewWebhookController(stripe providers.WebhookParser, publisher WebhookPublisher, confirmer WebhookConfirmer, logger zerolog.Logger) *WebhookController {
	return &WebhookController{stripe: stripe, publisher: publisher, confirmer: confirmer, logger: logger}
}

// Stripe handles POST /webhooks/stripe
func (h *WebhookController) Stripe(w http.ResponseWriter, r *http.Request) {
	if h.stripe == nil {
		writeError(w, domainErrors.ErrProviderUnavailable)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResponse{Error: "payload too large", Code: "invalid_input"})
		return
	}

	evt, err := h.stripe.ParseWebhook(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn().Err(err).Msg("Rejected stripe webhook")
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid signature or payload", Code: "invalid_webhook"})
		return
	}

	log := h.logger.With().
		Str("event_id", evt.EventID).
		Str("event_type", evt.Type).
		Str("session_id", evt.SessionID).
		Logger()

	if !evt.Relevant {
		log.Debug().Msg("Ignoring stripe event")
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	if h.publisher != nil {
		err := h.publisher.PublishWebhook(r.Context(), infraRedis.WebhookMessage{
			EventID:   evt.EventID,
			Provider:  string(session.ProviderStripe),
			EventType: evt.Type,
			SessionID: evt.SessionID,
			Reference: evt.Reference,
		})
		if err != nil {
			// A non-2xx response makes Stripe redeliver.
			log.Error().Err(err).Msg("Failed to enqueue stripe webhook")
			writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "try again later", Code: "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"received": true})
		return
	}

	res, err := h.confirmer.ConfirmWebhook(r.Context(), service.WebhookRequest{
		Provider:  session.ProviderStripe,
		SessionID: evt.SessionID,
		Reference: evt.Reference,
	})
	switch {
	case err == nil:
		log.Info().Str("state", string(res.Session.State)).Msg("Stripe webhook confirmed session")
	case domainErrors.IsRetryable(err), errors.Is(err, domainErrors.ErrDoubleConfirmationAttempt):
		log.Warn().Err(err).Msg("Stripe webhook will be redelivered")
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "try again later", Code: "unavailable"})
		return
	default:
		log.Error().Err(err).Msg("Stripe webhook could not be applied")
	}
	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}
