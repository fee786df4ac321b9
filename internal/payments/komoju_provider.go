package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hamao333333/my-shop-api/internal/domain"
	"github.com/hamao333333/my-shop-api/internal/platform/auth"
)

// ProviderKomoju is the registration name of the hosted-redirect wallet and konbini provider.
const ProviderKomoju = "komoju"

const (
	komojuSignatureHeader = "X-Komoju-Signature"
	komojuDefaultBaseURL  = "https://komoju.com"
	komojuMaxResponse     = 1 << 20

	komojuEventPing       = "ping"
	komojuEventAuthorized = "payment.authorized"
	komojuEventCaptured   = "payment.captured"
)

// KomojuLogger defines the logging contract for KOMOJU provider operations.
type KomojuLogger func(ctx context.Context, event string, fields map[string]any)

// KomojuProviderConfig configures the KomojuProvider.
type KomojuProviderConfig struct {
	SecretKey    string
	BaseURL      string
	ReturnURL    string
	PaymentTypes []string
	Timeout      time.Duration
	HTTPClient   *http.Client
	// Verifier checks X-Komoju-Signature; an unconfigured verifier rejects every webhook.
	Verifier *auth.SignatureVerifier
	Logger   KomojuLogger
	Clock    func() time.Time
}

// KomojuProvider implements Provider against the KOMOJU sessions API.
type KomojuProvider struct {
	secretKey string
	baseURL   string
	returnURL string
	allowed   map[string]struct{}
	http      *http.Client
	verifier  *auth.SignatureVerifier
	logger    KomojuLogger
	clock     func() time.Time
}

var _ Provider = (*KomojuProvider)(nil)

// NewKomojuProvider constructs the provider. PaymentTypes is the allow-list of KOMOJU
// payment_types this shop offers.
func NewKomojuProvider(cfg KomojuProviderConfig) (*KomojuProvider, error) {
	secret := strings.TrimSpace(cfg.SecretKey)
	if secret == "" {
		return nil, errors.New("komoju: secret key is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = komojuDefaultBaseURL
	}
	if parsed, err := url.Parse(base); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("komoju: invalid base url %q", cfg.BaseURL)
	}
	if len(cfg.PaymentTypes) == 0 {
		return nil, errors.New("komoju: at least one payment type is required")
	}
	allowed := make(map[string]struct{}, len(cfg.PaymentTypes))
	for _, kind := range cfg.PaymentTypes {
		if kind = strings.ToLower(strings.TrimSpace(kind)); kind != "" {
			allowed[kind] = struct{}{}
		}
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	verifier := cfg.Verifier
	if verifier == nil {
		verifier = auth.NewSignatureVerifier(ProviderKomoju, "")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &KomojuProvider{
		secretKey: secret,
		baseURL:   base,
		returnURL: strings.TrimSpace(cfg.ReturnURL),
		allowed:   allowed,
		http:      httpClient,
		verifier:  verifier,
		logger:    logger,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

// Name implements Provider.
func (p *KomojuProvider) Name() string { return ProviderKomoju }

type komojuSessionRequest struct {
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	ReturnURL        string            `json:"return_url"`
	ExternalOrderNum string            `json:"external_order_num"`
	CustomerEmail    string            `json:"customer_email,omitempty"`
	PaymentTypes     []string          `json:"payment_types"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

type komojuSession struct {
	ID               string         `json:"id"`
	Status           string         `json:"status"`
	Amount           int64          `json:"amount"`
	Currency         string         `json:"currency"`
	SessionURL       string         `json:"session_url"`
	ExpiresAt        string         `json:"expires_at"`
	ExternalOrderNum string         `json:"external_order_num"`
	PaymentMethod    string         `json:"payment_method"`
	Metadata         map[string]any `json:"metadata"`
	Payment          *komojuPayment `json:"payment"`
}

type komojuPayment struct {
	ID               string         `json:"id"`
	Status           string         `json:"status"`
	Amount           int64          `json:"amount"`
	Currency         string         `json:"currency"`
	ExternalOrderNum string         `json:"external_order_num"`
	Email            string         `json:"email"`
	CustomerEmail    string         `json:"customer_email"`
	PaymentMethod    string         `json:"payment_method"`
	Metadata         map[string]any `json:"metadata"`
	Customer         *struct {
		Email string `json:"email"`
	} `json:"customer"`
	PaymentDetails *struct {
		Type  string `json:"type"`
		Email string `json:"email"`
	} `json:"payment_details"`
}

type komojuEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// CreateSession opens a hosted KOMOJU session restricted to the method's payment type.
func (p *KomojuProvider) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	if p == nil {
		return Session{}, errors.New("komoju: provider is nil")
	}
	kind := string(req.Method)
	if _, ok := p.allowed[kind]; !ok {
		return Session{}, fmt.Errorf("%w: komoju payment type %q not enabled", ErrUnsupportedProvider, kind)
	}
	amount, err := domain.ToMinorUnits(req.Amount, req.Currency)
	if err != nil {
		return Session{}, fmt.Errorf("komoju: %w", err)
	}
	returnURL := defaultString(req.ReturnURL, p.returnURL)
	if returnURL == "" {
		return Session{}, errors.New("komoju: return url is required")
	}

	payload := komojuSessionRequest{
		Amount:           amount,
		Currency:         strings.ToUpper(req.Currency),
		ReturnURL:        komojuReturnURL(returnURL, req.OrderID, kind),
		ExternalOrderNum: req.OrderID,
		CustomerEmail:    strings.TrimSpace(req.Customer.Email),
		PaymentTypes:     []string{kind},
		Metadata:         sessionMetadata(req),
	}

	var session komojuSession
	if err := p.do(ctx, http.MethodPost, "/api/v1/sessions", payload, &session); err != nil {
		return Session{}, err
	}
	if strings.TrimSpace(session.SessionURL) == "" {
		return Session{}, fmt.Errorf("%w: komoju session %q has no session_url", ErrProviderUnavailable, session.ID)
	}

	p.logger(ctx, "payments.komoju.session.created", map[string]any{
		"sessionId":   session.ID,
		"orderId":     req.OrderID,
		"paymentType": kind,
	})

	expiresAt := p.clock().Add(24 * time.Hour)
	if ts, err := time.Parse(time.RFC3339, session.ExpiresAt); err == nil {
		expiresAt = ts.UTC()
	}
	return Session{
		ID:          session.ID,
		Provider:    ProviderKomoju,
		RedirectURL: session.SessionURL,
		ExpiresAt:   expiresAt,
	}, nil
}

// FetchStatus reads a session for the post-payment landing page.
func (p *KomojuProvider) FetchStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	if p == nil {
		return SessionStatus{}, errors.New("komoju: provider is nil")
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return SessionStatus{}, errors.New("komoju: session id is required")
	}
	var session komojuSession
	if err := p.do(ctx, http.MethodGet, "/api/v1/sessions/"+url.PathEscape(sessionID), nil, &session); err != nil {
		return SessionStatus{}, err
	}

	currency := strings.ToUpper(session.Currency)
	amount := session.Amount
	if converted, err := domain.FromMinorUnits(session.Amount, currency); err == nil {
		amount = converted
	}
	method := session.PaymentMethod
	if method == "" && session.Payment != nil {
		method = session.Payment.PaymentMethod
		if method == "" && session.Payment.PaymentDetails != nil {
			method = session.Payment.PaymentDetails.Type
		}
	}
	orderID := session.ExternalOrderNum
	if orderID == "" {
		orderID = stringMap(session.Metadata)[MetadataOrderID]
	}
	return SessionStatus{
		ID:            session.ID,
		Status:        komojuStatus(session.Status),
		Amount:        amount,
		Currency:      currency,
		PaymentMethod: method,
		OrderID:       orderID,
	}, nil
}

// ParseWebhook verifies X-Komoju-Signature over the raw body, then decodes the event.
func (p *KomojuProvider) ParseWebhook(ctx context.Context, header http.Header, rawBody []byte) (WebhookEvent, error) {
	if p == nil || !p.verifier.Configured() {
		return WebhookEvent{}, ErrWebhookSecretNotConfigured
	}
	if err := p.verifier.Verify(ctx, rawBody, header.Get(komojuSignatureHeader)); err != nil {
		if errors.Is(err, auth.ErrSecretNotConfigured) {
			return WebhookEvent{}, ErrWebhookSecretNotConfigured
		}
		return WebhookEvent{}, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	var event komojuEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	out := WebhookEvent{
		Provider: ProviderKomoju,
		EventID:  event.ID,
		Type:     event.Type,
		Kind:     EventIgnored,
	}
	switch event.Type {
	case komojuEventPing:
		out.Kind = EventLiveness
		return out, nil
	case komojuEventAuthorized, komojuEventCaptured:
	default:
		return out, nil
	}

	var payment komojuPayment
	if len(event.Data) == 0 {
		return WebhookEvent{}, fmt.Errorf("%w: event has no data", ErrMalformedPayload)
	}
	if err := json.Unmarshal(event.Data, &payment); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	meta := stringMap(payment.Metadata)
	out.Kind = EventPaymentConfirmed
	out.PaymentID = payment.ID
	out.OrderID = komojuOrderID(payment, meta)
	if err := eventFromMetadata(&out, meta); err != nil {
		return WebhookEvent{}, err
	}
	if out.PaymentMethod == "" && payment.PaymentDetails != nil {
		if method, ok := domain.ParsePaymentMethod(payment.PaymentDetails.Type); ok {
			out.PaymentMethod = method
		}
	}
	out.Currency = strings.ToUpper(payment.Currency)
	out.Amount = payment.Amount
	if converted, err := domain.FromMinorUnits(payment.Amount, out.Currency); err == nil {
		out.Amount = converted
	}
	out.CustomerEmail, out.EmailSource = komojuPayloadEmail(payment, meta)
	return out, nil
}

// LookupCustomerEmail fetches the payment when the webhook payload carried no email.
func (p *KomojuProvider) LookupCustomerEmail(ctx context.Context, event WebhookEvent) (string, error) {
	if p == nil {
		return "", errors.New("komoju: provider is nil")
	}
	if event.PaymentID == "" {
		return "", nil
	}
	var payment komojuPayment
	if err := p.do(ctx, http.MethodGet, "/api/v1/payments/"+url.PathEscape(event.PaymentID), nil, &payment); err != nil {
		return "", err
	}
	email, _ := komojuPayloadEmail(payment, stringMap(payment.Metadata))
	return email, nil
}

func (p *KomojuProvider) do(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("komoju: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("komoju: build request: %w", err)
	}
	req.SetBasicAuth(p.secretKey, "")
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: komoju %s %s: %w", ErrProviderUnavailable, method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, komojuMaxResponse))
	if err != nil {
		return fmt.Errorf("%w: komoju read response: %w", ErrProviderUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.logger(ctx, "payments.komoju.request.failed", map[string]any{
			"method": method,
			"path":   path,
			"status": resp.StatusCode,
		})
		return fmt.Errorf("%w: komoju %s %s: status %d", ErrProviderUnavailable, method, path, resp.StatusCode)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: komoju decode response: %w", ErrProviderUnavailable, err)
	}
	return nil
}

func komojuReturnURL(base, orderID, kind string) string {
	parsed, err := url.Parse(base)
	if err != nil {
		return base
	}
	query := parsed.Query()
	query.Set("order_id", orderID)
	query.Set("payment_type", kind)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func komojuStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "completed", "captured", "authorized":
		return StatusSucceeded
	case "cancelled", "failed":
		return StatusFailed
	case "expired":
		return StatusExpired
	default:
		return StatusPending
	}
}

// komojuOrderID prefers the id chosen at intake over KOMOJU's own payment id.
func komojuOrderID(payment komojuPayment, meta map[string]string) string {
	for _, candidate := range []string{payment.ExternalOrderNum, meta[MetadataOrderID], payment.ID} {
		if candidate = strings.TrimSpace(candidate); candidate != "" {
			return candidate
		}
	}
	return ""
}

func komojuPayloadEmail(payment komojuPayment, meta map[string]string) (string, string) {
	candidates := []struct {
		source string
		value  string
	}{
		{"data.customer.email", ""},
		{"data.email", payment.Email},
		{"data.customer_email", payment.CustomerEmail},
		{"data.payment_details.email", ""},
		{"data.metadata.customer_email", meta[MetadataCustomerEmail]},
	}
	if payment.Customer != nil {
		candidates[0].value = payment.Customer.Email
	}
	if payment.PaymentDetails != nil {
		candidates[3].value = payment.PaymentDetails.Email
	}
	for _, c := range candidates {
		if email := strings.TrimSpace(c.value); email != "" {
			return email, c.source
		}
	}
	return "", ""
}

func stringMap(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		switch typed := v.(type) {
		case string:
			out[k] = typed
		case nil:
		default:
			out[k] = fmt.Sprint(typed)
		}
	}
	return out
}
