package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hamao333333/my-shop-api/internal/domain"
	"github.com/hamao333333/my-shop-api/internal/platform/httpx"
	"github.com/hamao333333/my-shop-api/internal/platform/observability"
	"github.com/hamao333333/my-shop-api/internal/services"
)

// OrderHandlers exposes the storefront order intake endpoint.
type OrderHandlers struct {
	intake  services.OrderIntakeService
	maxBody int64
}

// NewOrderHandlers constructs order handlers. maxBody caps the request size; zero uses the default.
func NewOrderHandlers(intake services.OrderIntakeService, maxBody int64) *OrderHandlers {
	if maxBody <= 0 {
		maxBody = defaultMaxBodyBytes
	}
	return &OrderHandlers{intake: intake, maxBody: maxBody}
}

// Routes registers the intake endpoint at the group root.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.placeOrder)
}

type orderItemRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Price int64  `json:"price"`
	Qty   int64  `json:"qty"`
}

type orderCustomerRequest struct {
	Name         string `json:"name"`
	NameKana     string `json:"nameKana"`
	Email        string `json:"email"`
	Phone        string `json:"phone"`
	Zip          string `json:"zip"`
	Address1     string `json:"address1"`
	Address2     string `json:"address2"`
	DeliveryTime string `json:"deliveryTime"`
	Notes        string `json:"notes"`
}

type placeOrderRequest struct {
	Items         []orderItemRequest   `json:"items"`
	Customer      orderCustomerRequest `json:"customer"`
	PaymentMethod string               `json:"paymentMethod"`
	PaymentType   string               `json:"payment_type"`
}

type placeOrderResponse struct {
	OK          bool   `json:"ok"`
	OrderID     string `json:"orderId"`
	Status      string `json:"status"`
	Provider    string `json:"provider,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	RedirectURL string `json:"redirectUrl,omitempty"`
	Total       int64  `json:"total"`
	Currency    string `json:"currency"`
}

type insufficientLinePayload struct {
	ID        string `json:"id"`
	Needed    int64  `json:"needed"`
	Available int64  `json:"available"`
}

func (h *OrderHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.intake == nil {
		httpx.WriteError(ctx, w, httpx.NewError("orders_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, h.maxBody)
	if err != nil {
		writeBodyError(w, r, err)
		return
	}
	var req placeOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	result, err := h.intake.PlaceOrder(ctx, req.command())
	if err != nil {
		h.writeIntakeError(w, r, err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, placeOrderResponse{
		OK:          true,
		OrderID:     result.OrderID,
		Status:      string(result.Status),
		Provider:    result.Provider,
		SessionID:   result.SessionID,
		RedirectURL: result.RedirectURL,
		Total:       result.Total,
		Currency:    result.Currency,
	})
}

func (req placeOrderRequest) command() services.PlaceOrderCommand {
	method := strings.TrimSpace(req.PaymentMethod)
	if method == "" {
		method = strings.TrimSpace(req.PaymentType)
	}
	lines := make([]domain.CartLine, 0, len(req.Items))
	for _, item := range req.Items {
		lines = append(lines, domain.CartLine{
			ProductID: item.ID,
			Name:      item.Name,
			UnitPrice: item.Price,
			Quantity:  item.Qty,
		})
	}
	c := req.Customer
	return services.PlaceOrderCommand{
		Lines: lines,
		Customer: domain.Customer{
			Name:               strings.TrimSpace(c.Name),
			NameKana:           strings.TrimSpace(c.NameKana),
			Email:              strings.TrimSpace(c.Email),
			Phone:              strings.TrimSpace(c.Phone),
			PostalCode:         strings.TrimSpace(c.Zip),
			AddressLine1:       strings.TrimSpace(c.Address1),
			AddressLine2:       strings.TrimSpace(c.Address2),
			DeliveryTimeWindow: strings.TrimSpace(c.DeliveryTime),
			Notes:              strings.TrimSpace(c.Notes),
		},
		PaymentMethod: method,
	}
}

func (h *OrderHandlers) writeIntakeError(w http.ResponseWriter, r *http.Request, err error) {
	ctx := r.Context()
	var conflict *services.StockConflictError
	switch {
	case errors.As(err, &conflict):
		outOfStock := conflict.Shortage.OutOfStock
		if outOfStock == nil {
			outOfStock = []string{}
		}
		insufficient := make([]insufficientLinePayload, 0, len(conflict.Shortage.Insufficient))
		for _, line := range conflict.Shortage.Insufficient {
			insufficient = append(insufficient, insufficientLinePayload{ID: line.ProductID, Needed: line.Needed, Available: line.Available})
		}
		httpx.WriteError(ctx, w, httpx.NewError("out_of_stock", "some items are out of stock", http.StatusConflict).WithDetails(map[string]any{
			"outOfStock":   outOfStock,
			"insufficient": insufficient,
		}))
	case errors.Is(err, services.ErrIntakeInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", strings.TrimPrefix(err.Error(), services.ErrIntakeInvalidInput.Error()+": "), http.StatusBadRequest))
	case errors.Is(err, services.ErrIntakeUpstream):
		observability.FromContext(ctx).Warn("order intake upstream failure", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("upstream_unavailable", "a dependency is unavailable, please retry", http.StatusBadGateway))
	default:
		observability.FromContext(ctx).Error("order intake failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("internal_error", "order could not be placed", http.StatusInternalServerError))
	}
}
