package domain

import (
	"strings"
	"time"
)

// PaymentMethod enumerates the payment options offered at checkout.
type PaymentMethod string

const (
	// PaymentMethodCard is hosted card checkout.
	PaymentMethodCard PaymentMethod = "card"
	// PaymentMethodPayPay is the PayPay wallet through the hosted-redirect provider.
	PaymentMethodPayPay PaymentMethod = "paypay"
	// PaymentMethodRakutenPay is the Rakuten Pay wallet through the hosted-redirect provider.
	PaymentMethodRakutenPay PaymentMethod = "rakutenpay"
	// PaymentMethodKonbini is convenience-store payment through the hosted-redirect provider.
	PaymentMethodKonbini PaymentMethod = "konbini"
	// PaymentMethodBankTransfer is settled out of band by bank transfer.
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
	// PaymentMethodCashOnDelivery is settled out of band on delivery.
	PaymentMethodCashOnDelivery PaymentMethod = "cash_on_delivery"
)

var paymentMethodAliases = map[string]PaymentMethod{
	"card":              PaymentMethodCard,
	"credit_card":       PaymentMethodCard,
	"stripe":            PaymentMethodCard,
	"paypay":            PaymentMethodPayPay,
	"wallet_a":          PaymentMethodPayPay,
	"rakutenpay":        PaymentMethodRakutenPay,
	"rakuten_pay":       PaymentMethodRakutenPay,
	"wallet_b":          PaymentMethodRakutenPay,
	"konbini":           PaymentMethodKonbini,
	"convenience_store": PaymentMethodKonbini,
	"bank":              PaymentMethodBankTransfer,
	"bank_transfer":     PaymentMethodBankTransfer,
	"cod":               PaymentMethodCashOnDelivery,
	"cash_on_delivery":  PaymentMethodCashOnDelivery,
}

// ParsePaymentMethod normalises storefront spellings into a PaymentMethod.
func ParsePaymentMethod(raw string) (PaymentMethod, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	method, ok := paymentMethodAliases[key]
	return method, ok
}

// IsOffline reports whether the method is settled outside any payment provider.
func (m PaymentMethod) IsOffline() bool {
	return m == PaymentMethodBankTransfer || m == PaymentMethodCashOnDelivery
}

// Label returns the customer-facing name used in notification mails.
func (m PaymentMethod) Label() string {
	switch m {
	case PaymentMethodCard:
		return "クレジットカード"
	case PaymentMethodPayPay:
		return "PayPay"
	case PaymentMethodRakutenPay:
		return "楽天ペイ"
	case PaymentMethodKonbini:
		return "コンビニ払い"
	case PaymentMethodBankTransfer:
		return "銀行振込"
	case PaymentMethodCashOnDelivery:
		return "代金引換"
	default:
		return string(m)
	}
}

// OrderStatus enumerates the fulfillment states an order moves through.
type OrderStatus string

const (
	// OrderStatusCreated is the transient state before stock and payment are resolved.
	OrderStatusCreated OrderStatus = "created"
	// OrderStatusAwaitingPayment indicates a provider session exists and confirmation is pending.
	OrderStatusAwaitingPayment OrderStatus = "awaiting_payment"
	// OrderStatusPaid indicates payment is confirmed (or accepted for offline settlement) and stock committed.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusStockRejected indicates the ledger could not supply the ordered quantities.
	OrderStatusStockRejected OrderStatus = "stock_rejected"
	// OrderStatusFailed indicates the order could not be completed for a non-stock reason.
	OrderStatusFailed OrderStatus = "failed"
)

// CartLine is a single storefront cart entry. UnitPrice is in the currency's minor unit.
type CartLine struct {
	ProductID string
	Name      string
	UnitPrice int64
	Quantity  int64
}

// Amount returns the line total.
func (l CartLine) Amount() int64 {
	return l.UnitPrice * l.Quantity
}

// Customer holds the purchaser contact and delivery details. Only Email is required.
type Customer struct {
	Name               string
	NameKana           string
	Email              string
	Phone              string
	PostalCode         string
	AddressLine1       string
	AddressLine2       string
	DeliveryTimeWindow string
	Notes              string
}

// Address joins the two address lines for display.
func (c Customer) Address() string {
	parts := make([]string, 0, 2)
	for _, p := range []string{c.AddressLine1, c.AddressLine2} {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return strings.Join(parts, " ")
}

// Order is the value object describing one purchase attempt. It is never persisted by the
// service; webhook handling reconstructs it from verified provider data.
type Order struct {
	ID               string
	Lines            []CartLine
	ShippingFee      int64
	Currency         string
	Customer         Customer
	PaymentMethod    PaymentMethod
	Status           OrderStatus
	PaymentSessionID string
	CreatedAt        time.Time
}

// Subtotal sums the line totals.
func (o Order) Subtotal() int64 {
	var total int64
	for _, line := range o.Lines {
		total += line.Amount()
	}
	return total
}

// TotalAmount is the amount charged: lines plus shipping.
func (o Order) TotalAmount() int64 {
	return o.Subtotal() + o.ShippingFee
}
