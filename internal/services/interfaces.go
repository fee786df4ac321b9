package services

import (
	"context"
	"net/http"

	"github.com/hamao333333/my-shop-api/internal/domain"
	"github.com/hamao333333/my-shop-api/internal/notifications"
	"github.com/hamao333333/my-shop-api/internal/payments"
)

// OrderIntakeService turns a storefront cart into an order awaiting payment, or into a paid
// offline order.
type OrderIntakeService interface {
	PlaceOrder(ctx context.Context, cmd PlaceOrderCommand) (PlaceOrderResult, error)
}

// PaymentWebhookService verifies provider notifications and applies confirmed payments.
type PaymentWebhookService interface {
	HandleWebhook(ctx context.Context, provider string, header http.Header, rawBody []byte) (WebhookResult, error)
}

// SystemService exposes health and build metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
	Build() BuildInfo
}

// Notifier sends the order lifecycle mails. *notifications.Dispatcher implements it.
type Notifier interface {
	OrderReceived(ctx context.Context, order domain.Order) error
	OfflineOrderAccepted(ctx context.Context, order domain.Order) error
	PaymentConfirmed(ctx context.Context, notice notifications.PaymentNotice) error
	StockRejected(ctx context.Context, notice notifications.PaymentNotice) error
}

// OrderEventPublisher fans order lifecycle events out to downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) (string, error)
}

// Metrics records business counters. *observability.Metrics implements it.
type Metrics interface {
	ObserveOrder(method, outcome string)
	ObserveWebhook(provider, outcome string)
	ObserveDecrement(outcome string)
}

// sessionCreator abstracts payments.Gateway for the intake service.
type sessionCreator interface {
	CreateSession(ctx context.Context, req payments.SessionRequest) (payments.Session, error)
}

// providerLookup abstracts payments.Gateway for the webhook service.
type providerLookup interface {
	Provider(name string) (payments.Provider, error)
}

type noopMetrics struct{}

func (noopMetrics) ObserveOrder(string, string)   {}
func (noopMetrics) ObserveWebhook(string, string) {}
func (noopMetrics) ObserveDecrement(string)       {}
