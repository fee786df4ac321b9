package services

import (
	"context"
	"time"

	"github.com/hamao333333/my-shop-api/internal/domain"
)

// Order event types published on the order events topic.
const (
	OrderEventAwaitingPayment = "order.awaiting_payment"
	OrderEventPaid            = "order.paid"
	OrderEventStockRejected   = "order.stock_rejected"
)

// OrderEvent is the payload published for every order state change. It never carries
// customer contact details.
type OrderEvent struct {
	Type          string               `json:"type"`
	OrderID       string               `json:"orderId"`
	Status        domain.OrderStatus   `json:"status"`
	PaymentMethod domain.PaymentMethod `json:"paymentMethod,omitempty"`
	Provider      string               `json:"provider,omitempty"`
	Amount        int64                `json:"amount"`
	Currency      string               `json:"currency,omitempty"`
	Lines         []OrderEventLine     `json:"lines,omitempty"`
	OccurredAt    time.Time            `json:"occurredAt"`
}

// OrderEventLine is one product quantity in an OrderEvent.
type OrderEventLine struct {
	ProductID string `json:"productId"`
	Quantity  int64  `json:"quantity"`
}

func eventLines(quantities []domain.LineQuantity) []OrderEventLine {
	lines := make([]OrderEventLine, 0, len(quantities))
	for _, q := range quantities {
		lines = append(lines, OrderEventLine{ProductID: q.ProductID, Quantity: q.Quantity})
	}
	return lines
}

// publishEvent is best effort; a nil publisher disables events.
func publishEvent(ctx context.Context, publisher OrderEventPublisher, logger func(context.Context, string, map[string]any), event OrderEvent) {
	if publisher == nil {
		return
	}
	id, err := publisher.PublishOrderEvent(ctx, event)
	if err != nil {
		logger(ctx, "order.event.publish_failed", map[string]any{
			"orderId":   event.OrderID,
			"eventType": event.Type,
			"error":     err,
		})
		return
	}
	logger(ctx, "order.event.published", map[string]any{
		"orderId":   event.OrderID,
		"eventType": event.Type,
		"messageId": id,
	})
}
