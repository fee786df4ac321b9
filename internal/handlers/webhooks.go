package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hamao333333/my-shop-api/internal/platform/httpx"
	"github.com/hamao333333/my-shop-api/internal/platform/observability"
	"github.com/hamao333333/my-shop-api/internal/services"
)

// WebhookHandlers receives payment provider notifications. The body is handed to the service
// byte-for-byte so signatures can be checked over the exact payload.
type WebhookHandlers struct {
	webhooks services.PaymentWebhookService
	maxBody  int64
}

// NewWebhookHandlers constructs webhook handlers.
func NewWebhookHandlers(webhooks services.PaymentWebhookService, maxBody int64) *WebhookHandlers {
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &WebhookHandlers{webhooks: webhooks, maxBody: maxBody}
}

// Routes registers POST /{provider}.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/{provider}", h.receive)
}

type webhookResponse struct {
	Received  bool   `json:"received"`
	Provider  string `json:"provider"`
	EventType string `json:"eventType,omitempty"`
	OrderID   string `json:"orderId,omitempty"`
	Status    string `json:"status,omitempty"`
	Ignored   bool   `json:"ignored,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

func (h *WebhookHandlers) receive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.webhooks == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhooks_unavailable", "webhook processing unavailable", http.StatusServiceUnavailable))
		return
	}
	provider := chi.URLParam(r, "provider")

	body, err := readLimitedBody(r, h.maxBody)
	if err != nil {
		writeBodyError(w, r, err)
		return
	}

	result, err := h.webhooks.HandleWebhook(ctx, provider, r.Header, body)
	if err != nil {
		writeWebhookError(w, r, provider, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, webhookResponse{
		Received:  true,
		Provider:  result.Provider,
		EventType: result.EventType,
		OrderID:   result.OrderID,
		Status:    string(result.Status),
		Ignored:   result.Ignored,
		Duplicate: result.Duplicate,
	})
}

func writeWebhookError(w http.ResponseWriter, r *http.Request, provider string, err error) {
	ctx := r.Context()
	logger := observability.FromContext(ctx).With(zap.String("provider", provider))
	switch {
	case errors.Is(err, services.ErrWebhookUnknownProvider):
		httpx.WriteError(ctx, w, httpx.NewError("unknown_provider", "unknown payment provider", http.StatusNotFound))
	case errors.Is(err, services.ErrWebhookInvalidSignature):
		logger.Warn("webhook signature rejected", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "signature verification failed", http.StatusBadRequest))
	case errors.Is(err, services.ErrWebhookMalformed):
		logger.Warn("webhook payload rejected", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("invalid_payload", "webhook payload could not be processed", http.StatusBadRequest))
	case errors.Is(err, services.ErrWebhookNotConfigured):
		logger.Error("webhook secret not configured", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("webhook_not_configured", "webhook verification is not configured", http.StatusInternalServerError))
	default:
		logger.Error("webhook processing failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("processing_failed", "webhook could not be processed", http.StatusInternalServerError))
	}
}
