package notifications

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hamao333333/my-shop-api/internal/domain"
	"github.com/hamao333333/my-shop-api/internal/platform/observability"
)

const defaultSendTimeout = 10 * time.Second

// Notification kinds, used as metric labels and log fields.
const (
	KindOrderReceived        = "order_received"
	KindOfflineOrderAccepted = "offline_order_accepted"
	KindPaymentConfirmed     = "payment_confirmed"
	KindStockRejected        = "stock_rejected"
)

// Metrics records notification outcomes.
type Metrics interface {
	ObserveNotification(kind string, err error)
}

// DispatcherDeps wires the dispatcher.
type DispatcherDeps struct {
	Mailer     Mailer
	ShopName   string
	AdminEmail string
	Timeout    time.Duration
	Metrics    Metrics
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// Dispatcher renders and sends the order lifecycle mails.
type Dispatcher struct {
	mailer     Mailer
	shopName   string
	adminEmail string
	timeout    time.Duration
	metrics    Metrics
	policy     *bluemonday.Policy
	logger     func(ctx context.Context, event string, fields map[string]any)
}

// PaymentNotice describes a confirmed payment as reconstructed from a webhook.
type PaymentNotice struct {
	OrderID       string
	Provider      string
	PaymentMethod domain.PaymentMethod
	Amount        int64
	Currency      string
	CustomerEmail string
	Lines         []domain.LineQuantity
	// Shortage lists the products the ledger refused; only used by StockRejected.
	Shortage []string
}

// NewDispatcher validates deps and constructs a Dispatcher.
func NewDispatcher(deps DispatcherDeps) (*Dispatcher, error) {
	if deps.Mailer == nil {
		return nil, errors.New("notifications: mailer is required")
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	shopName := strings.TrimSpace(deps.ShopName)
	if shopName == "" {
		shopName = "Jun Lamp Studio"
	}
	return &Dispatcher{
		mailer:     deps.Mailer,
		shopName:   shopName,
		adminEmail: strings.TrimSpace(deps.AdminEmail),
		timeout:    timeout,
		metrics:    deps.Metrics,
		policy:     bluemonday.StrictPolicy(),
		logger:     logger,
	}, nil
}

// OrderReceived tells the customer and the shop that an online order is waiting for payment.
func (d *Dispatcher) OrderReceived(ctx context.Context, order domain.Order) error {
	view := d.orderView(order)
	return errors.Join(
		d.send(ctx, KindOrderReceived, order.Customer.Email, "【ご注文受付】"+d.shopName, "order_received_customer", view),
		d.sendAdmin(ctx, KindOrderReceived, fmt.Sprintf("【受付】%s / %s", order.PaymentMethod.Label(), order.ID), "order_received_admin", view),
	)
}

// OfflineOrderAccepted sends the bank transfer / cash on delivery confirmations. The admin
// copy carries the full customer details needed to ship.
func (d *Dispatcher) OfflineOrderAccepted(ctx context.Context, order domain.Order) error {
	view := d.orderView(order)
	label := order.PaymentMethod.Label()
	return errors.Join(
		d.sendAdmin(ctx, KindOfflineOrderAccepted, fmt.Sprintf("【新規注文】未入金（%s）/ %s", label, order.ID), "offline_admin", view),
		d.send(ctx, KindOfflineOrderAccepted, order.Customer.Email, "【ご注文確認】"+d.shopName, "offline_customer", view),
	)
}

// PaymentConfirmed notifies the shop, and the customer when an email is known.
func (d *Dispatcher) PaymentConfirmed(ctx context.Context, notice PaymentNotice) error {
	view := d.noticeView(notice)
	errs := []error{
		d.sendAdmin(ctx, KindPaymentConfirmed, fmt.Sprintf("【入金確認】%s / %s", notice.Provider, notice.OrderID), "paid_admin", view),
	}
	if strings.TrimSpace(notice.CustomerEmail) != "" {
		errs = append(errs, d.send(ctx, KindPaymentConfirmed, notice.CustomerEmail, "【お支払い完了】"+d.shopName, "paid_customer", view))
	}
	return errors.Join(errs...)
}

// StockRejected alerts the shop that a paid order could not be fulfilled and needs a refund.
func (d *Dispatcher) StockRejected(ctx context.Context, notice PaymentNotice) error {
	view := d.noticeView(notice)
	return d.sendAdmin(ctx, KindStockRejected, fmt.Sprintf("【要返金】在庫不足 / %s", notice.OrderID), "stock_rejected_admin", view)
}

func (d *Dispatcher) sendAdmin(ctx context.Context, kind, subject, tmpl string, view mailView) error {
	if d.adminEmail == "" {
		d.logger(ctx, "notifications.admin.skipped", map[string]any{
			"kind":    kind,
			"orderId": view.OrderID,
		})
		return nil
	}
	return d.send(ctx, kind, d.adminEmail, subject, tmpl, view)
}

func (d *Dispatcher) send(ctx context.Context, kind, to, subject, tmpl string, view mailView) (err error) {
	defer func() {
		if d.metrics != nil {
			d.metrics.ObserveNotification(kind, err)
		}
	}()

	body, err := render(tmpl, view)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	id, err := d.mailer.Send(sendCtx, Message{To: to, Subject: subject, HTMLBody: body})
	if err != nil {
		return fmt.Errorf("notifications: send %s (%s): %w", kind, tmpl, err)
	}
	d.logger(ctx, "notifications.mail.sent", map[string]any{
		"kind":       kind,
		"template":   tmpl,
		"orderId":    view.OrderID,
		"to":         observability.MaskEmail(to),
		"deliveryId": id,
	})
	return nil
}

func (d *Dispatcher) orderView(order domain.Order) mailView {
	lines := make([]lineView, 0, len(order.Lines))
	for _, line := range order.Lines {
		name := strings.TrimSpace(line.Name)
		if name == "" {
			name = line.ProductID
		}
		lines = append(lines, lineView{Name: name, Quantity: line.Quantity, UnitPrice: line.UnitPrice})
	}
	return mailView{
		ShopName:    d.shopName,
		OrderID:     order.ID,
		MethodLabel: order.PaymentMethod.Label(),
		Customer:    order.Customer,
		Notes:       d.notesHTML(order.Customer.Notes),
		Lines:       lines,
		ShippingFee: order.ShippingFee,
		Total:       order.TotalAmount(),
		Currency:    order.Currency,
	}
}

// notesHTML returns the policy output as markup so the template does not escape it again.
// Line breaks in the customer's notes are kept.
func (d *Dispatcher) notesHTML(notes string) template.HTML {
	sanitized := d.policy.Sanitize(strings.ReplaceAll(notes, "\r\n", "\n"))
	return template.HTML(strings.ReplaceAll(sanitized, "\n", "<br>"))
}

func (d *Dispatcher) noticeView(notice PaymentNotice) mailView {
	lines := make([]lineView, 0, len(notice.Lines))
	for _, line := range notice.Lines {
		lines = append(lines, lineView{Name: line.ProductID, Quantity: line.Quantity})
	}
	return mailView{
		ShopName:    d.shopName,
		OrderID:     notice.OrderID,
		Provider:    notice.Provider,
		MethodLabel: notice.PaymentMethod.Label(),
		Customer:    domain.Customer{Email: notice.CustomerEmail},
		Lines:       lines,
		Total:       notice.Amount,
		Currency:    notice.Currency,
		Shortage:    notice.Shortage,
	}
}
