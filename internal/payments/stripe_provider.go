package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/hamao333333/my-shop-api/internal/domain"
	"github.com/hamao333333/my-shop-api/internal/platform/textutil"
)

// ProviderStripe is the registration name of the card checkout provider.
const ProviderStripe = "stripe"

const (
	stripeSignatureHeader     = "Stripe-Signature"
	stripeEventCompleted      = "checkout.session.completed"
	stripeEventAsyncSucceeded = "checkout.session.async_payment_succeeded"
	stripeSessionPlaceholder  = "{CHECKOUT_SESSION_ID}"
	stripeProductNameLimit    = 250
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Timeout       time.Duration
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time
	Clients       *stripeClients
}

// StripeProvider implements Provider with Stripe Checkout.
type StripeProvider struct {
	api           stripeClients
	webhookSecret string
	successURL    string
	cancelURL     string
	clock         func() time.Time
	logger        StripeLogger
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		backends := cfg.Backends
		if backends == nil && cfg.Timeout > 0 {
			httpClient := &http.Client{Timeout: cfg.Timeout}
			backends = &stripe.Backends{
				API:     stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{HTTPClient: httpClient}),
				Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, &stripe.BackendConfig{HTTPClient: httpClient}),
				Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, &stripe.BackendConfig{HTTPClient: httpClient}),
			}
		}
		sc := client.New(apiKey, backends)
		clients = stripeClients{sessions: sc.CheckoutSessions}
	}
	if clients.sessions == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:           clients,
		webhookSecret: strings.TrimSpace(cfg.WebhookSecret),
		successURL:    strings.TrimSpace(cfg.SuccessURL),
		cancelURL:     strings.TrimSpace(cfg.CancelURL),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Name implements Provider.
func (p *StripeProvider) Name() string { return ProviderStripe }

// CreateSession creates a Stripe Checkout session in payment mode for card payments.
func (p *StripeProvider) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if p == nil {
		return Session{}, errors.New("stripe: provider is nil")
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		return Session{}, errors.New("stripe: currency is required")
	}

	successURL := defaultString(req.ReturnURL, p.successURL)
	cancelURL := defaultString(req.CancelURL, p.cancelURL)
	if successURL == "" || cancelURL == "" {
		return Session{}, errors.New("stripe: success and cancel urls are required")
	}

	meta := sessionMetadata(req)
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		SuccessURL:         stripe.String(stripeSuccessURL(successURL, req.OrderID)),
		CancelURL:          stripe.String(cancelURL),
		ClientReferenceID:  stripe.String(req.OrderID),
		Metadata:           meta,
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: meta,
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(defaultString(req.IdempotencyKey, req.OrderID))
	if email := strings.TrimSpace(req.Customer.Email); email != "" {
		params.CustomerEmail = stripe.String(email)
	}

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Lines)+1)
	for _, line := range req.Lines {
		unit, err := domain.ToMinorUnits(line.UnitPrice, req.Currency)
		if err != nil {
			return Session{}, fmt.Errorf("stripe: %w", err)
		}
		name := textutil.Truncate(textutil.SingleLine(line.Name), stripeProductNameLimit)
		if name == "" {
			name = line.ProductID
		}
		lineItems = append(lineItems, stripeLineItem(currency, name, unit, max64(line.Quantity, 1), line.ProductID))
	}
	if req.ShippingFee > 0 {
		fee, err := domain.ToMinorUnits(req.ShippingFee, req.Currency)
		if err != nil {
			return Session{}, fmt.Errorf("stripe: %w", err)
		}
		lineItems = append(lineItems, stripeLineItem(currency, "送料", fee, 1, ""))
	}
	if len(lineItems) == 0 {
		return Session{}, errors.New("stripe: at least one line item is required")
	}
	params.LineItems = lineItems

	session, err := p.api.sessions.New(params)
	if err != nil {
		return Session{}, fmt.Errorf("%w: stripe create checkout session: %w", ErrProviderUnavailable, err)
	}

	p.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId": session.ID,
		"orderId":   req.OrderID,
		"currency":  session.Currency,
	})

	expiresAt := p.clock().Add(24 * time.Hour)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}
	return Session{
		ID:          session.ID,
		Provider:    ProviderStripe,
		RedirectURL: session.URL,
		ExpiresAt:   expiresAt,
	}, nil
}

// FetchStatus retrieves a Checkout session.
func (p *StripeProvider) FetchStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	if p == nil {
		return SessionStatus{}, errors.New("stripe: provider is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionStatus{}, errors.New("stripe: session id is required")
	}
	session, err := p.getSession(ctx, sessionID)
	if err != nil {
		return SessionStatus{}, err
	}
	return stripeSessionStatus(session), nil
}

// ParseWebhook verifies the Stripe-Signature header and maps checkout events.
func (p *StripeProvider) ParseWebhook(ctx context.Context, header http.Header, rawBody []byte) (WebhookEvent, error) {
	if p == nil || p.webhookSecret == "" {
		return WebhookEvent{}, ErrWebhookSecretNotConfigured
	}
	signature := strings.TrimSpace(header.Get(stripeSignatureHeader))
	if signature == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing %s header", ErrInvalidSignature, stripeSignatureHeader)
	}

	event, err := webhook.ConstructEventWithOptions(rawBody, signature, p.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isStripeSignatureError(err) {
			return WebhookEvent{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
		}
		return WebhookEvent{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	out := WebhookEvent{
		Provider: ProviderStripe,
		EventID:  event.ID,
		Type:     string(event.Type),
		Kind:     EventIgnored,
	}
	if out.Type != stripeEventCompleted && out.Type != stripeEventAsyncSucceeded {
		return out, nil
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return WebhookEvent{}, fmt.Errorf("%w: event has no data object", ErrMalformedPayload)
	}

	var session stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	// completed with payment_status=unpaid is a delayed method; the async event follows.
	if out.Type == stripeEventCompleted && session.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		p.logger(ctx, "payments.stripe.webhook.unpaid_completion", map[string]any{
			"sessionId": session.ID,
		})
		return out, nil
	}

	out.Kind = EventPaymentConfirmed
	out.SessionID = session.ID
	out.OrderID = strings.TrimSpace(session.ClientReferenceID)
	if id := strings.TrimSpace(session.Metadata[MetadataOrderID]); id != "" {
		out.OrderID = id
	}
	if err := eventFromMetadata(&out, session.Metadata); err != nil {
		return WebhookEvent{}, err
	}
	if out.PaymentMethod == "" {
		out.PaymentMethod = domain.PaymentMethodCard
	}
	out.Currency = strings.ToUpper(string(session.Currency))
	if amount, err := domain.FromMinorUnits(session.AmountTotal, out.Currency); err == nil {
		out.Amount = amount
	}
	out.CustomerEmail, out.EmailSource = stripePayloadEmail(&session)
	return out, nil
}

// LookupCustomerEmail re-reads the Checkout session when the event carried no email.
func (p *StripeProvider) LookupCustomerEmail(ctx context.Context, event WebhookEvent) (string, error) {
	if p == nil {
		return "", errors.New("stripe: provider is nil")
	}
	if event.SessionID == "" {
		return "", nil
	}
	session, err := p.getSession(ctx, event.SessionID)
	if err != nil {
		return "", err
	}
	email, _ := stripePayloadEmail(session)
	return email, nil
}

func (p *StripeProvider) getSession(ctx context.Context, sessionID string) (*stripe.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	session, err := p.api.sessions.Get(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("%w: stripe get checkout session: %w", ErrProviderUnavailable, err)
	}
	return session, nil
}

func stripeLineItem(currency, name string, unitAmount, quantity int64, productID string) *stripe.CheckoutSessionLineItemParams {
	product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
		Name: stripe.String(name),
	}
	if productID != "" {
		product.Metadata = map[string]string{"product_id": productID}
	}
	return &stripe.CheckoutSessionLineItemParams{
		Quantity: stripe.Int64(quantity),
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:    stripe.String(currency),
			UnitAmount:  stripe.Int64(unitAmount),
			ProductData: product,
		},
	}
}

// stripeSuccessURL appends order_id and the literal session placeholder Stripe substitutes.
func stripeSuccessURL(base, orderID string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "order_id=" + url.QueryEscape(orderID) + "&session_id=" + stripeSessionPlaceholder
}

func stripePayloadEmail(session *stripe.CheckoutSession) (string, string) {
	if session == nil {
		return "", ""
	}
	if session.CustomerDetails != nil {
		if email := strings.TrimSpace(session.CustomerDetails.Email); email != "" {
			return email, "customer_details.email"
		}
	}
	if email := strings.TrimSpace(session.CustomerEmail); email != "" {
		return email, "customer_email"
	}
	if email := strings.TrimSpace(session.Metadata[MetadataCustomerEmail]); email != "" {
		return email, "metadata.customer_email"
	}
	return "", ""
}

func stripeSessionStatus(session *stripe.CheckoutSession) SessionStatus {
	status := StatusPending
	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		session.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		status = StatusSucceeded
	case session.Status == stripe.CheckoutSessionStatusExpired:
		status = StatusExpired
	}
	currency := strings.ToUpper(string(session.Currency))
	amount := session.AmountTotal
	if converted, err := domain.FromMinorUnits(session.AmountTotal, currency); err == nil {
		amount = converted
	}
	method := ""
	if len(session.PaymentMethodTypes) > 0 {
		method = session.PaymentMethodTypes[0]
	}
	orderID := strings.TrimSpace(session.Metadata[MetadataOrderID])
	if orderID == "" {
		orderID = session.ClientReferenceID
	}
	return SessionStatus{
		ID:            session.ID,
		Status:        status,
		Amount:        amount,
		Currency:      currency,
		PaymentMethod: method,
		OrderID:       orderID,
	}
}

func isStripeSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrTooOld)
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}
