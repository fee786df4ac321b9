package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hamao333333/my-shop-api/internal/payments"
	"github.com/hamao333333/my-shop-api/internal/platform/httpx"
	"github.com/hamao333333/my-shop-api/internal/platform/observability"
)

// SessionStatusFetcher is satisfied by *payments.Gateway.
type SessionStatusFetcher interface {
	FetchStatus(ctx context.Context, providerName, sessionID string) (payments.SessionStatus, error)
}

// PaymentSessionHandlers serves the payment landing page status lookup.
type PaymentSessionHandlers struct {
	sessions SessionStatusFetcher
}

// NewPaymentSessionHandlers constructs the status handlers.
func NewPaymentSessionHandlers(sessions SessionStatusFetcher) *PaymentSessionHandlers {
	return &PaymentSessionHandlers{sessions: sessions}
}

// Routes registers GET /{provider}/{sessionId}.
func (h *PaymentSessionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{provider}/{sessionId}", h.getStatus)
}

type sessionStatusResponse struct {
	SessionID     string `json:"session_id"`
	Status        string `json:"status"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
	OrderID       string `json:"order_id,omitempty"`
}

func (h *PaymentSessionHandlers) getStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payments_unavailable", "payment providers are not configured", http.StatusServiceUnavailable))
		return
	}
	provider := strings.TrimSpace(chi.URLParam(r, "provider"))
	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionId"))
	if sessionID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "sessionId is required", http.StatusBadRequest))
		return
	}

	status, err := h.sessions.FetchStatus(ctx, provider, sessionID)
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedProvider) {
			httpx.WriteError(ctx, w, httpx.NewError("unknown_provider", "unknown payment provider", http.StatusNotFound))
			return
		}
		observability.FromContext(ctx).Warn("payment session lookup failed", zap.String("provider", provider), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("upstream_unavailable", "payment provider unavailable", http.StatusBadGateway))
		return
	}

	httpx.WriteJSON(w, http.StatusOK, sessionStatusResponse{
		SessionID:     status.ID,
		Status:        string(status.Status),
		Amount:        status.Amount,
		Currency:      status.Currency,
		PaymentMethod: status.PaymentMethod,
		OrderID:       status.OrderID,
	})
}
