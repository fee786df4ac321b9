package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/hamao333333/my-shop-api/internal/domain"
	"github.com/hamao333333/my-shop-api/internal/notifications"
	"github.com/hamao333333/my-shop-api/internal/payments"
	"github.com/hamao333333/my-shop-api/internal/platform/observability"
	"github.com/hamao333333/my-shop-api/internal/platform/requestctx"
	"github.com/hamao333333/my-shop-api/internal/repositories"
)

var (
	// ErrWebhookUnknownProvider indicates no provider is registered under the requested name.
	ErrWebhookUnknownProvider = errors.New("webhook: unknown provider")
	// ErrWebhookInvalidSignature indicates the signature header was missing or did not match.
	ErrWebhookInvalidSignature = errors.New("webhook: invalid signature")
	// ErrWebhookMalformed indicates the verified body could not be decoded or lacked order metadata.
	ErrWebhookMalformed = errors.New("webhook: malformed payload")
	// ErrWebhookNotConfigured indicates the provider webhook secret is not set.
	ErrWebhookNotConfigured = errors.New("webhook: secret not configured")
	// ErrWebhookProcessing indicates a transient failure; the provider should redeliver.
	ErrWebhookProcessing = errors.New("webhook: processing failed")
)

// WebhookResult summarises what a delivery did.
type WebhookResult struct {
	Provider    string
	EventID     string
	EventType   string
	OrderID     string
	Status      domain.OrderStatus
	Ignored     bool
	Duplicate   bool
	EmailSource string
	Shortage    []string
}

// RejectionMarker remembers which orders already raised a stock rejection alert. First
// returns true only for the first call per order.
type RejectionMarker interface {
	First(ctx context.Context, orderID string) (bool, error)
}

// PaymentWebhookServiceDeps wires the webhook dispatcher. Rejections is optional; without it
// a refusal that follows only replayed lines is treated as a redelivery.
type PaymentWebhookServiceDeps struct {
	Providers  providerLookup
	Ledger     repositories.StockLedger
	Notifier   Notifier
	Events     OrderEventPublisher
	Metrics    Metrics
	Rejections RejectionMarker
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type paymentWebhookService struct {
	providers providerLookup
	ledger    repositories.StockLedger
	notifier  Notifier
	events    OrderEventPublisher
	metrics    Metrics
	rejections RejectionMarker
	now        func() time.Time
	logger     func(ctx context.Context, event string, fields map[string]any)
}

var _ PaymentWebhookService = (*paymentWebhookService)(nil)

// NewPaymentWebhookService constructs the webhook dispatcher.
func NewPaymentWebhookService(deps PaymentWebhookServiceDeps) (PaymentWebhookService, error) {
	if deps.Providers == nil {
		return nil, errors.New("payment webhook service: provider lookup is required")
	}
	if deps.Ledger == nil {
		return nil, errors.New("payment webhook service: stock ledger is required")
	}
	if deps.Notifier == nil {
		return nil, errors.New("payment webhook service: notifier is required")
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
	return &paymentWebhookService{
		providers: deps.Providers,
		ledger:    deps.Ledger,
		notifier:  deps.Notifier,
		events:     deps.Events,
		metrics:    metrics,
		rejections: deps.Rejections,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *paymentWebhookService) HandleWebhook(ctx context.Context, providerName string, header http.Header, rawBody []byte) (result WebhookResult, err error) {
	name := strings.ToLower(strings.TrimSpace(providerName))
	ctx, span := observability.StartSpan(ctx, "webhook.handle", attribute.String("payment.provider", name))
	defer func() { observability.EndSpan(span, err) }()

	provider, err := s.providers.Provider(name)
	if err != nil {
		s.observe(ctx, name, "unknown_provider")
		return WebhookResult{}, fmt.Errorf("%w: %q", ErrWebhookUnknownProvider, providerName)
	}
	name = provider.Name()

	event, err := provider.ParseWebhook(ctx, header, rawBody)
	if err != nil {
		mapped, outcome := mapParseError(err)
		s.observe(ctx, name, outcome)
		s.logger(ctx, "webhook.rejected", map[string]any{"provider": name, "reason": outcome, "error": err})
		return WebhookResult{}, fmt.Errorf("%w: %w", mapped, err)
	}

	result = WebhookResult{
		Provider:  name,
		EventID:   event.EventID,
		EventType: event.Type,
		OrderID:   event.OrderID,
	}
	if event.Kind != payments.EventPaymentConfirmed {
		result.Ignored = true
		s.observe(ctx, name, "ignored")
		s.logger(ctx, "webhook.ignored", map[string]any{
			"provider":  name,
			"eventId":   event.EventID,
			"eventType": event.Type,
			"kind":      string(event.Kind),
		})
		return result, nil
	}

	ctx = requestctx.WithOrderID(ctx, event.OrderID)
	span.SetAttributes(attribute.String("order.id", event.OrderID))

	commit, err := s.commitStock(ctx, event)
	if err != nil {
		s.observe(ctx, name, "processing_error")
		s.logger(ctx, "webhook.stock.decrement_failed", map[string]any{"provider": name, "eventId": event.EventID, "error": err})
		return WebhookResult{}, fmt.Errorf("%w: %w", ErrWebhookProcessing, err)
	}

	shortage := commit.shortage
	switch commit.outcome {
	case repositories.DecrementAlreadyApplied:
		result.Duplicate = true
		result.Status = domain.OrderStatusPaid
		s.observe(ctx, name, "duplicate")
		s.logger(ctx, "webhook.duplicate", map[string]any{"provider": name, "eventId": event.EventID, "eventType": event.Type})
		return result, nil

	case repositories.DecrementInsufficientStock:
		result.Status = domain.OrderStatusStockRejected
		result.Shortage = shortage
		if s.repeatedRejection(ctx, event, commit) {
			result.Duplicate = true
			s.observe(ctx, name, "duplicate")
			s.logger(ctx, "webhook.stock_rejected.duplicate", map[string]any{
				"provider":  name,
				"eventId":   event.EventID,
				"eventType": event.Type,
				"shortage":  shortage,
			})
			return result, nil
		}
		notice := s.notice(event)
		notice.Shortage = shortage
		if err := s.notifier.StockRejected(ctx, notice); err != nil {
			s.logger(ctx, "webhook.notification.failed", map[string]any{"provider": name, "error": err})
		}
		publishEvent(ctx, s.events, s.logger, s.orderEvent(OrderEventStockRejected, result.Status, event))
		s.observe(ctx, name, string(result.Status))
		s.logger(ctx, "webhook.stock_rejected", map[string]any{
			"provider": name,
			"eventId":  event.EventID,
			"shortage": shortage,
			"amount":   event.Amount,
		})
		return result, nil
	}

	result.Status = domain.OrderStatusPaid
	event = s.resolveEmail(ctx, provider, event)
	result.EmailSource = event.EmailSource
	if err := s.notifier.PaymentConfirmed(ctx, s.notice(event)); err != nil {
		s.logger(ctx, "webhook.notification.failed", map[string]any{"provider": name, "error": err})
	}
	publishEvent(ctx, s.events, s.logger, s.orderEvent(OrderEventPaid, result.Status, event))
	s.observe(ctx, name, string(result.Status))
	s.logger(ctx, "webhook.paid", map[string]any{
		"provider":    name,
		"eventId":     event.EventID,
		"method":      string(event.PaymentMethod),
		"amount":      event.Amount,
		"emailSource": event.EmailSource,
	})
	return result, nil
}

type stockCommit struct {
	outcome  repositories.DecrementOutcome
	shortage []string
	// applied and replayed count the lines handled before the refusal, if any.
	applied  int
	replayed int
}

func (s *paymentWebhookService) observe(ctx context.Context, provider, outcome string) {
	s.metrics.ObserveWebhook(provider, outcome)
	requestctx.AnnotateProvider(ctx, provider)
	requestctx.AnnotateOutcome(ctx, outcome)
}

// commitStock decrements each line under its order-scoped token. The aggregate outcome is
// already_applied only when every line was a replay, insufficient_stock as soon as the ledger
// refuses a line, and applied otherwise. Decrementing stops at the first refusal.
func (s *paymentWebhookService) commitStock(ctx context.Context, event payments.WebhookEvent) (stockCommit, error) {
	var commit stockCommit
	for _, q := range event.Lines {
		outcome, err := s.ledger.Decrement(ctx, q.ProductID, q.Quantity, domain.DecrementToken(event.OrderID, q.ProductID))
		if err != nil {
			return stockCommit{}, fmt.Errorf("decrement %s: %w", q.ProductID, err)
		}
		s.metrics.ObserveDecrement(string(outcome))
		switch outcome {
		case repositories.DecrementAlreadyApplied:
			commit.replayed++
		case repositories.DecrementInsufficientStock:
			commit.outcome = outcome
			commit.shortage = []string{q.ProductID}
			return commit, nil
		default:
			commit.applied++
		}
	}
	commit.outcome = repositories.DecrementApplied
	if len(event.Lines) > 0 && commit.replayed == len(event.Lines) {
		commit.outcome = repositories.DecrementAlreadyApplied
	}
	return commit, nil
}

// repeatedRejection reports whether a refund alert was already raised for the order.
func (s *paymentWebhookService) repeatedRejection(ctx context.Context, event payments.WebhookEvent, commit stockCommit) bool {
	if s.rejections == nil {
		return commit.applied == 0 && commit.replayed > 0
	}
	first, err := s.rejections.First(ctx, event.OrderID)
	if err != nil {
		s.logger(ctx, "webhook.stock_rejected.marker_failed", map[string]any{"orderId": event.OrderID, "error": err})
		return false
	}
	return !first
}

// resolveEmail keeps the payload email when present and otherwise asks the provider once.
func (s *paymentWebhookService) resolveEmail(ctx context.Context, provider payments.Provider, event payments.WebhookEvent) payments.WebhookEvent {
	if strings.TrimSpace(event.CustomerEmail) != "" {
		return event
	}
	email, err := provider.LookupCustomerEmail(ctx, event)
	switch {
	case err != nil:
		s.logger(ctx, "webhook.email.lookup_failed", map[string]any{"provider": event.Provider, "error": err})
	case strings.TrimSpace(email) != "":
		event.CustomerEmail = strings.TrimSpace(email)
		event.EmailSource = payments.EmailSourceSecondaryLookup
	}
	if event.EmailSource == "" {
		s.logger(ctx, "webhook.email.unresolved", map[string]any{"provider": event.Provider, "eventId": event.EventID})
	}
	return event
}

func (s *paymentWebhookService) notice(event payments.WebhookEvent) notifications.PaymentNotice {
	return notifications.PaymentNotice{
		OrderID:       event.OrderID,
		Provider:      event.Provider,
		PaymentMethod: event.PaymentMethod,
		Amount:        event.Amount,
		Currency:      event.Currency,
		CustomerEmail: event.CustomerEmail,
		Lines:         event.Lines,
	}
}

func (s *paymentWebhookService) orderEvent(eventType string, status domain.OrderStatus, event payments.WebhookEvent) OrderEvent {
	return OrderEvent{
		Type:          eventType,
		OrderID:       event.OrderID,
		Status:        status,
		PaymentMethod: event.PaymentMethod,
		Provider:      event.Provider,
		Amount:        event.Amount,
		Currency:      event.Currency,
		Lines:         eventLines(event.Lines),
		OccurredAt:    s.now(),
	}
}

func mapParseError(err error) (error, string) {
	switch {
	case errors.Is(err, payments.ErrWebhookSecretNotConfigured):
		return ErrWebhookNotConfigured, "not_configured"
	case errors.Is(err, payments.ErrInvalidSignature):
		return ErrWebhookInvalidSignature, "invalid_signature"
	case errors.Is(err, payments.ErrMalformedPayload):
		return ErrWebhookMalformed, "malformed"
	default:
		return ErrWebhookProcessing, "processing_error"
	}
}
