package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/mail"
	"strings"
	"time"

	"github.com/hamao333333/my-shop-api/internal/domain"
	"github.com/hamao333333/my-shop-api/internal/payments"
	"github.com/hamao333333/my-shop-api/internal/platform/requestctx"
	"github.com/hamao333333/my-shop-api/internal/platform/textutil"
	"github.com/hamao333333/my-shop-api/internal/repositories"
)

const (
	defaultMaxLines       = 50
	defaultMaxFieldLength = 300
	defaultMaxNotesLength = 2000

	maxEmailLength  = 254
	maxLineQuantity = 999
	maxUnitPrice    = 10_000_000
	// maxOrderTotal keeps minor-unit amounts well inside int64 for every supported currency.
	maxOrderTotal = 1_000_000_000
)

var (
	// ErrIntakeInvalidInput indicates the cart, customer or payment method failed validation.
	ErrIntakeInvalidInput = errors.New("intake: invalid input")
	// ErrIntakeOutOfStock is wrapped by StockConflictError.
	ErrIntakeOutOfStock = errors.New("intake: out of stock")
	// ErrIntakeUpstream indicates the stock ledger or payment provider failed.
	ErrIntakeUpstream = errors.New("intake: upstream unavailable")
)

// StockConflictError carries the products that blocked an order.
type StockConflictError struct {
	Shortage domain.StockShortage
}

func (e *StockConflictError) Error() string {
	return fmt.Sprintf("intake: out of stock (%d out, %d insufficient)", len(e.Shortage.OutOfStock), len(e.Shortage.Insufficient))
}

func (e *StockConflictError) Unwrap() error { return ErrIntakeOutOfStock }

// ShopSettings are the merchant constants applied to every order. MaxFieldLength and
// MaxNotesLength are byte limits for free-text customer input.
type ShopSettings struct {
	Currency       string
	ShippingFee    int64
	MaxLines       int
	MaxFieldLength int
	MaxNotesLength int
}

// PlaceOrderCommand is a validated-on-entry storefront submission. PaymentMethod is the raw
// storefront value; aliases are accepted.
type PlaceOrderCommand struct {
	Lines         []domain.CartLine
	Customer      domain.Customer
	PaymentMethod string
}

// PlaceOrderResult describes the accepted order. RedirectURL and SessionID are set for online
// methods only.
type PlaceOrderResult struct {
	OrderID       string
	Status        domain.OrderStatus
	PaymentMethod domain.PaymentMethod
	Provider      string
	SessionID     string
	RedirectURL   string
	Total         int64
	Currency      string
}

// OrderIntakeServiceDeps wires the dependencies required by the intake coordinator.
type OrderIntakeServiceDeps struct {
	Ledger   repositories.StockLedger
	Payments sessionCreator
	Notifier Notifier
	Events   OrderEventPublisher
	Metrics  Metrics
	Shop     ShopSettings
	Clock    func() time.Time
	Entropy  io.Reader
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type orderIntakeService struct {
	ledger   repositories.StockLedger
	checker  *StockChecker
	payments sessionCreator
	notifier Notifier
	events   OrderEventPublisher
	metrics  Metrics
	shop     ShopSettings
	now      func() time.Time
	entropy  io.Reader
	logger   func(ctx context.Context, event string, fields map[string]any)
}

var _ OrderIntakeService = (*orderIntakeService)(nil)

// NewOrderIntakeService constructs the intake coordinator validating required dependencies.
// Payments may be nil for shops that only accept offline methods.
func NewOrderIntakeService(deps OrderIntakeServiceDeps) (OrderIntakeService, error) {
	if deps.Ledger == nil {
		return nil, errors.New("order intake service: stock ledger is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("order intake service: notifier is required")
	}
	checker, err := NewStockChecker(deps.Ledger)
	if err != nil {
		return nil, err
	}

	shop := deps.Shop
	shop.Currency = strings.ToUpper(strings.TrimSpace(shop.Currency))
	if shop.Currency == "" {
		return nil, errors.New("order intake service: shop currency is required")
	}
	if _, err := domain.MinorUnitScale(shop.Currency); err != nil {
		return nil, fmt.Errorf("order intake service: %w", err)
	}
	if shop.ShippingFee < 0 {
		return nil, errors.New("order intake service: shipping fee must not be negative")
	}
	if shop.MaxLines <= 0 {
		shop.MaxLines = defaultMaxLines
	}
	if shop.MaxFieldLength <= 0 {
		shop.MaxFieldLength = defaultMaxFieldLength
	}
	if shop.MaxNotesLength <= 0 {
		shop.MaxNotesLength = defaultMaxNotesLength
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}

	return &orderIntakeService{
		ledger:   deps.Ledger,
		checker:  checker,
		payments: deps.Payments,
		notifier: deps.Notifier,
		events:   deps.Events,
		metrics:  metrics,
		shop:     shop,
		now: func() time.Time {
			return clock().UTC()
		},
		entropy: deps.Entropy,
		logger:  logger,
	}, nil
}

// PlaceOrder validates the cart, checks stock all-or-nothing, then either opens a provider
// session (online methods) or commits stock immediately (offline methods).
func (s *orderIntakeService) PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (PlaceOrderResult, error) {
	order, err := s.buildOrder(cmd)
	if err != nil {
		label := "unknown"
		if parsed, ok := domain.ParsePaymentMethod(cmd.PaymentMethod); ok {
			label = string(parsed)
		}
		s.observe(ctx, label, "invalid")
		return PlaceOrderResult{}, err
	}
	method := string(order.PaymentMethod)

	shortage, err := s.checker.Check(ctx, order.Lines)
	if err != nil {
		s.observe(ctx, method, "upstream_error")
		s.logger(ctx, "intake.stock.check_failed", map[string]any{"error": err})
		return PlaceOrderResult{}, fmt.Errorf("%w: %w", ErrIntakeUpstream, err)
	}
	if !shortage.Empty() {
		s.observe(ctx, method, "out_of_stock")
		s.logger(ctx, "intake.stock.rejected", map[string]any{
			"outOfStock":   shortage.OutOfStock,
			"insufficient": len(shortage.Insufficient),
		})
		return PlaceOrderResult{}, &StockConflictError{Shortage: shortage}
	}

	order.ID = domain.NewOrderID(order.CreatedAt, s.entropy)
	ctx = requestctx.WithOrderID(ctx, order.ID)

	if order.PaymentMethod.IsOffline() {
		return s.placeOffline(ctx, order)
	}
	return s.placeOnline(ctx, order)
}

// observe counts the order outcome and annotates the request for the access log.
func (s *orderIntakeService) observe(ctx context.Context, method, outcome string) {
	s.metrics.ObserveOrder(method, outcome)
	requestctx.AnnotateOutcome(ctx, outcome)
}

func (s *orderIntakeService) placeOnline(ctx context.Context, order domain.Order) (PlaceOrderResult, error) {
	method := string(order.PaymentMethod)
	if s.payments == nil {
		s.observe(ctx, method, "invalid")
		return PlaceOrderResult{}, fmt.Errorf("%w: payment method %s is not available", ErrIntakeInvalidInput, method)
	}

	// Stock is not held between this check and the webhook decrement. Two buyers racing for
	// the last unit can both pay; the webhook then marks the loser stock_rejected.
	s.logger(ctx, "intake.stock.best_effort", map[string]any{
		"orderId": order.ID,
		"lines":   domain.EncodeLineQuantities(domain.AggregateQuantities(order.Lines)),
	})

	session, err := s.payments.CreateSession(ctx, payments.SessionRequest{
		OrderID:        order.ID,
		Method:         order.PaymentMethod,
		Lines:          order.Lines,
		ShippingFee:    order.ShippingFee,
		Amount:         order.TotalAmount(),
		Currency:       order.Currency,
		Customer:       order.Customer,
		IdempotencyKey: order.ID,
	})
	if err != nil {
		if errors.Is(err, payments.ErrUnsupportedProvider) || errors.Is(err, payments.ErrOfflineMethod) {
			s.observe(ctx, method, "invalid")
			return PlaceOrderResult{}, fmt.Errorf("%w: %w", ErrIntakeInvalidInput, err)
		}
		s.observe(ctx, method, "upstream_error")
		s.logger(ctx, "intake.payment.session_failed", map[string]any{"orderId": order.ID, "error": err})
		return PlaceOrderResult{}, fmt.Errorf("%w: %w", ErrIntakeUpstream, err)
	}

	order.Status = domain.OrderStatusAwaitingPayment
	order.PaymentSessionID = session.ID
	requestctx.AnnotateProvider(ctx, session.Provider)

	if err := s.notifier.OrderReceived(ctx, order); err != nil {
		s.logger(ctx, "intake.notification.failed", map[string]any{"orderId": order.ID, "error": err})
	}
	publishEvent(ctx, s.events, s.logger, s.orderEvent(OrderEventAwaitingPayment, order, session.Provider))
	s.observe(ctx, method, string(order.Status))
	s.logger(ctx, "intake.order.awaiting_payment", map[string]any{
		"orderId":   order.ID,
		"provider":  session.Provider,
		"sessionId": session.ID,
		"total":     order.TotalAmount(),
	})

	return PlaceOrderResult{
		OrderID:       order.ID,
		Status:        order.Status,
		PaymentMethod: order.PaymentMethod,
		Provider:      session.Provider,
		SessionID:     session.ID,
		RedirectURL:   session.RedirectURL,
		Total:         order.TotalAmount(),
		Currency:      order.Currency,
	}, nil
}

func (s *orderIntakeService) placeOffline(ctx context.Context, order domain.Order) (PlaceOrderResult, error) {
	method := string(order.PaymentMethod)
	applied := make([]string, 0, len(order.Lines))
	for _, q := range domain.AggregateQuantities(order.Lines) {
		outcome, err := s.ledger.Decrement(ctx, q.ProductID, q.Quantity, domain.DecrementToken(order.ID, q.ProductID))
		if err != nil {
			s.observe(ctx, method, "upstream_error")
			s.logger(ctx, "intake.stock.decrement_failed", map[string]any{
				"orderId":   order.ID,
				"productId": q.ProductID,
				"applied":   applied,
				"error":     err,
			})
			return PlaceOrderResult{}, fmt.Errorf("%w: %w", ErrIntakeUpstream, err)
		}
		s.metrics.ObserveDecrement(string(outcome))
		if outcome == repositories.DecrementInsufficientStock {
			// Lost the race after the check. Earlier lines stay decremented under their tokens.
			s.observe(ctx, method, "out_of_stock")
			s.logger(ctx, "intake.stock.race_lost", map[string]any{
				"orderId":   order.ID,
				"productId": q.ProductID,
				"applied":   applied,
			})
			return PlaceOrderResult{}, &StockConflictError{Shortage: s.shortageAfterRefusal(ctx, q)}
		}
		applied = append(applied, q.ProductID)
	}

	order.Status = domain.OrderStatusPaid
	if err := s.notifier.OfflineOrderAccepted(ctx, order); err != nil {
		s.logger(ctx, "intake.notification.failed", map[string]any{"orderId": order.ID, "error": err})
	}
	publishEvent(ctx, s.events, s.logger, s.orderEvent(OrderEventPaid, order, ""))
	s.observe(ctx, method, string(order.Status))
	s.logger(ctx, "intake.order.offline_accepted", map[string]any{
		"orderId": order.ID,
		"method":  method,
		"total":   order.TotalAmount(),
	})

	return PlaceOrderResult{
		OrderID:       order.ID,
		Status:        order.Status,
		PaymentMethod: order.PaymentMethod,
		Total:         order.TotalAmount(),
		Currency:      order.Currency,
	}, nil
}

// shortageAfterRefusal re-reads the refused product so the caller sees the current count.
func (s *orderIntakeService) shortageAfterRefusal(ctx context.Context, q domain.LineQuantity) domain.StockShortage {
	available, err := s.ledger.CheckAvailability(ctx, q.ProductID)
	if err != nil || available <= 0 {
		return domain.StockShortage{OutOfStock: []string{q.ProductID}}
	}
	return domain.StockShortage{Insufficient: []domain.InsufficientLine{{
		ProductID: q.ProductID,
		Needed:    q.Quantity,
		Available: available,
	}}}
}

func (s *orderIntakeService) buildOrder(cmd PlaceOrderCommand) (domain.Order, error) {
	method, ok := domain.ParsePaymentMethod(cmd.PaymentMethod)
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: unknown payment method %q", ErrIntakeInvalidInput, cmd.PaymentMethod)
	}
	if len(cmd.Lines) == 0 {
		return domain.Order{}, fmt.Errorf("%w: cart is empty", ErrIntakeInvalidInput)
	}
	if len(cmd.Lines) > s.shop.MaxLines {
		return domain.Order{}, fmt.Errorf("%w: cart has more than %d lines", ErrIntakeInvalidInput, s.shop.MaxLines)
	}

	lines := make([]domain.CartLine, 0, len(cmd.Lines))
	var subtotal int64
	for i, line := range cmd.Lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		line.Name = textutil.Truncate(line.Name, s.shop.MaxFieldLength)
		if err := domain.ValidateProductID(line.ProductID); err != nil {
			return domain.Order{}, fmt.Errorf("%w: line %d: %w", ErrIntakeInvalidInput, i, err)
		}
		switch {
		case line.Quantity <= 0:
			return domain.Order{}, fmt.Errorf("%w: line %d quantity must be positive", ErrIntakeInvalidInput, i)
		case line.Quantity > maxLineQuantity:
			return domain.Order{}, fmt.Errorf("%w: line %d quantity exceeds %d", ErrIntakeInvalidInput, i, maxLineQuantity)
		case line.UnitPrice < 0:
			return domain.Order{}, fmt.Errorf("%w: line %d price must not be negative", ErrIntakeInvalidInput, i)
		case line.UnitPrice > maxUnitPrice:
			return domain.Order{}, fmt.Errorf("%w: line %d price exceeds %d", ErrIntakeInvalidInput, i, maxUnitPrice)
		}
		subtotal += line.Amount()
		if subtotal+s.shop.ShippingFee > maxOrderTotal {
			return domain.Order{}, fmt.Errorf("%w: order total exceeds %d", ErrIntakeInvalidInput, maxOrderTotal)
		}
		lines = append(lines, line)
	}

	customer := s.sanitizeCustomer(cmd.Customer)
	if err := validateEmail(customer.Email); err != nil {
		return domain.Order{}, err
	}

	order := domain.Order{
		Lines:         lines,
		ShippingFee:   s.shop.ShippingFee,
		Currency:      s.shop.Currency,
		Customer:      customer,
		PaymentMethod: method,
		Status:        domain.OrderStatusCreated,
		CreatedAt:     s.now(),
	}
	if !method.IsOffline() && order.TotalAmount() <= 0 {
		return domain.Order{}, fmt.Errorf("%w: online payment requires a positive total", ErrIntakeInvalidInput)
	}
	return order, nil
}

// sanitizeCustomer trims every field and caps free text before it reaches provider metadata
// and mail templates.
func (s *orderIntakeService) sanitizeCustomer(c domain.Customer) domain.Customer {
	limit := s.shop.MaxFieldLength
	return domain.Customer{
		Name:               textutil.Truncate(c.Name, limit),
		NameKana:           textutil.Truncate(c.NameKana, limit),
		Email:              strings.TrimSpace(c.Email),
		Phone:              textutil.Truncate(c.Phone, limit),
		PostalCode:         textutil.Truncate(c.PostalCode, limit),
		AddressLine1:       textutil.Truncate(c.AddressLine1, limit),
		AddressLine2:       textutil.Truncate(c.AddressLine2, limit),
		DeliveryTimeWindow: textutil.Truncate(c.DeliveryTimeWindow, limit),
		Notes:              textutil.Truncate(c.Notes, s.shop.MaxNotesLength),
	}
}

func (s *orderIntakeService) orderEvent(eventType string, order domain.Order, provider string) OrderEvent {
	return OrderEvent{
		Type:          eventType,
		OrderID:       order.ID,
		Status:        order.Status,
		PaymentMethod: order.PaymentMethod,
		Provider:      provider,
		Amount:        order.TotalAmount(),
		Currency:      order.Currency,
		Lines:         eventLines(domain.AggregateQuantities(order.Lines)),
		OccurredAt:    s.now(),
	}
}

func validateEmail(email string) error {
	if email == "" {
		return fmt.Errorf("%w: customer email is required", ErrIntakeInvalidInput)
	}
	if len(email) > maxEmailLength {
		return fmt.Errorf("%w: customer email is too long", ErrIntakeInvalidInput)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: customer email is invalid", ErrIntakeInvalidInput)
	}
	return nil
}
