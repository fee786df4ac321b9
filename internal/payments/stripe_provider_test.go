package payments

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/hamao333333/my-shop-api/internal/domain"
)

const testStripeWebhookSecret = "whsec_test"

type fakeStripeSessions struct {
	newParams *stripe.CheckoutSessionParams
	newResult *stripe.CheckoutSession
	getResult *stripe.CheckoutSession
	getIDs    []string
	err       error
}

func (f *fakeStripeSessions) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.newParams = params
	return f.newResult, f.err
}

func (f *fakeStripeSessions) Get(id string, params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	f.getIDs = append(f.getIDs, id)
	return f.getResult, f.err
}

func newTestStripeProvider(t *testing.T, sessions *fakeStripeSessions) *StripeProvider {
	t.Helper()
	provider, err := NewStripeProvider(StripeProviderConfig{
		WebhookSecret: testStripeWebhookSecret,
		SuccessURL:    "https://shop.example/success.html",
		CancelURL:     "https://shop.example/cancel.html",
		Clients:       &stripeClients{sessions: sessions},
		Clock:         func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new stripe provider: %v", err)
	}
	return provider
}

func signedStripeHeader(t *testing.T, body []byte) http.Header {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   body,
		Secret:    testStripeWebhookSecret,
		Timestamp: time.Now(),
	})
	header := http.Header{}
	header.Set("Stripe-Signature", signed.Header)
	return header
}

func TestStripeCreateSessionUsesZeroDecimalAmounts(t *testing.T) {
	sessions := &fakeStripeSessions{newResult: &stripe.CheckoutSession{
		ID:        "cs_test_1",
		URL:       "https://checkout.stripe.com/c/pay/cs_test_1",
		ExpiresAt: 1767322800,
	}}
	provider := newTestStripeProvider(t, sessions)

	session, err := provider.CreateSession(context.Background(), SessionRequest{
		OrderID:     "JL01",
		Method:      domain.PaymentMethodCard,
		Lines:       []domain.CartLine{{ProductID: "lamp-01", Name: "Lamp", UnitPrice: 12000, Quantity: 2}},
		ShippingFee: 800,
		Amount:      24800,
		Currency:    "JPY",
		Customer:    domain.Customer{Email: "buyer@example.com", Name: "山田"},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.ID != "cs_test_1" || session.RedirectURL == "" || session.ExpiresAt.Unix() != 1767322800 {
		t.Fatalf("unexpected session %+v", session)
	}

	params := sessions.newParams
	if params == nil {
		t.Fatalf("expected params to be sent")
	}
	if got := stripe.StringValue(params.Mode); got != "payment" {
		t.Fatalf("expected payment mode, got %q", got)
	}
	if len(params.LineItems) != 2 {
		t.Fatalf("expected product and shipping lines, got %d", len(params.LineItems))
	}
	if got := *params.LineItems[0].PriceData.UnitAmount; got != 12000 {
		t.Fatalf("expected JPY unit amount 12000, got %d", got)
	}
	if got := *params.LineItems[1].PriceData.UnitAmount; got != 800 {
		t.Fatalf("expected shipping 800, got %d", got)
	}
	if got := *params.LineItems[0].PriceData.Currency; got != "jpy" {
		t.Fatalf("expected lowercase currency, got %q", got)
	}
	if params.Metadata[MetadataOrderID] != "JL01" || params.Metadata[MetadataLines] != "lamp-01:2" {
		t.Fatalf("unexpected metadata %v", params.Metadata)
	}
	if stripe.StringValue(params.ClientReferenceID) != "JL01" {
		t.Fatalf("expected client reference id")
	}
	if stripe.StringValue(params.CustomerEmail) != "buyer@example.com" {
		t.Fatalf("expected prefilled email")
	}
	if got := stripe.StringValue(params.IdempotencyKey); got != "JL01" {
		t.Fatalf("expected idempotency key JL01, got %q", got)
	}
	successURL := stripe.StringValue(params.SuccessURL)
	if !strings.HasSuffix(successURL, "?order_id=JL01&session_id={CHECKOUT_SESSION_ID}") {
		t.Fatalf("unexpected success url %q", successURL)
	}
	if params.Context == nil {
		t.Fatalf("expected request context to be propagated")
	}
}

func TestStripeCreateSessionScalesTwoDecimalCurrencies(t *testing.T) {
	sessions := &fakeStripeSessions{newResult: &stripe.CheckoutSession{ID: "cs_usd"}}
	provider := newTestStripeProvider(t, sessions)

	_, err := provider.CreateSession(context.Background(), SessionRequest{
		OrderID:  "JL02",
		Method:   domain.PaymentMethodCard,
		Lines:    []domain.CartLine{{ProductID: "lamp-01", Name: "Lamp", UnitPrice: 12, Quantity: 1}},
		Currency: "USD",
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if got := *sessions.newParams.LineItems[0].PriceData.UnitAmount; got != 1200 {
		t.Fatalf("expected 1200 cents, got %d", got)
	}
}

func TestStripeCreateSessionWrapsProviderErrors(t *testing.T) {
	provider := newTestStripeProvider(t, &fakeStripeSessions{err: errors.New("boom")})
	_, err := provider.CreateSession(context.Background(), SessionRequest{
		OrderID:  "JL03",
		Lines:    []domain.CartLine{{ProductID: "a", UnitPrice: 1, Quantity: 1}},
		Currency: "JPY",
	})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestStripeParseWebhookCompleted(t *testing.T) {
	provider := newTestStripeProvider(t, &fakeStripeSessions{})
	body := []byte(`{
		"id": "evt_1",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {
			"id": "cs_test_1",
			"object": "checkout.session",
			"client_reference_id": "JL01",
			"payment_status": "paid",
			"amount_total": 24800,
			"currency": "jpy",
			"customer_details": {"email": "buyer@example.com"},
			"metadata": {"order_id": "JL01", "lines": "lamp-01:2", "payment_method": "card"}
		}}
	}`)

	event, err := provider.ParseWebhook(context.Background(), signedStripeHeader(t, body), body)
	if err != nil {
		t.Fatalf("parse webhook: %v", err)
	}
	if event.Kind != EventPaymentConfirmed || event.OrderID != "JL01" || event.SessionID != "cs_test_1" {
		t.Fatalf("unexpected event %+v", event)
	}
	if len(event.Lines) != 1 || event.Lines[0].ProductID != "lamp-01" || event.Lines[0].Quantity != 2 {
		t.Fatalf("unexpected lines %+v", event.Lines)
	}
	if event.Amount != 24800 || event.Currency != "JPY" {
		t.Fatalf("expected JPY amount read without scaling, got %d %s", event.Amount, event.Currency)
	}
	if event.CustomerEmail != "buyer@example.com" || event.EmailSource != "customer_details.email" {
		t.Fatalf("unexpected email %q from %q", event.CustomerEmail, event.EmailSource)
	}
}

func TestStripeParseWebhookRejectsBadSignature(t *testing.T) {
	provider := newTestStripeProvider(t, &fakeStripeSessions{})
	body := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	header := signedStripeHeader(t, body)

	tampered := []byte(`{"id":"evt_1","type":"checkout.session.completed","x":1}`)
	if _, err := provider.ParseWebhook(context.Background(), header, tampered); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for tampered body, got %v", err)
	}
	if _, err := provider.ParseWebhook(context.Background(), http.Header{}, body); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for missing header, got %v", err)
	}
}

func TestStripeParseWebhookWithoutSecret(t *testing.T) {
	provider, err := NewStripeProvider(StripeProviderConfig{Clients: &stripeClients{sessions: &fakeStripeSessions{}}})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := provider.ParseWebhook(context.Background(), http.Header{}, []byte(`{}`)); !errors.Is(err, ErrWebhookSecretNotConfigured) {
		t.Fatalf("expected ErrWebhookSecretNotConfigured, got %v", err)
	}
}

func TestStripeParseWebhookIgnoresOtherEvents(t *testing.T) {
	provider := newTestStripeProvider(t, &fakeStripeSessions{})
	cases := map[string][]byte{
		"other type": []byte(`{"id":"evt_2","object":"event","type":"charge.refunded","data":{"object":{}}}`),
		"unpaid completion": []byte(`{"id":"evt_3","object":"event","type":"checkout.session.completed",
			"data":{"object":{"id":"cs_2","object":"checkout.session","payment_status":"unpaid","metadata":{"order_id":"JL2","lines":"a:1"}}}}`),
	}
	for name, body := range cases {
		event, err := provider.ParseWebhook(context.Background(), signedStripeHeader(t, body), body)
		if err != nil {
			t.Fatalf("%s: parse: %v", name, err)
		}
		if event.Kind != EventIgnored {
			t.Fatalf("%s: expected ignored, got %s", name, event.Kind)
		}
	}
}

func TestStripeParseWebhookMissingLinesIsMalformed(t *testing.T) {
	provider := newTestStripeProvider(t, &fakeStripeSessions{})
	body := []byte(`{"id":"evt_4","object":"event","type":"checkout.session.async_payment_succeeded",
		"data":{"object":{"id":"cs_4","object":"checkout.session","payment_status":"paid","metadata":{"order_id":"JL4"}}}}`)
	if _, err := provider.ParseWebhook(context.Background(), signedStripeHeader(t, body), body); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}

func TestStripeLookupCustomerEmail(t *testing.T) {
	sessions := &fakeStripeSessions{getResult: &stripe.CheckoutSession{ID: "cs_5", CustomerEmail: "late@example.com"}}
	provider := newTestStripeProvider(t, sessions)

	email, err := provider.LookupCustomerEmail(context.Background(), WebhookEvent{SessionID: "cs_5"})
	if err != nil || email != "late@example.com" {
		t.Fatalf("unexpected lookup %q, %v", email, err)
	}
	if len(sessions.getIDs) != 1 || sessions.getIDs[0] != "cs_5" {
		t.Fatalf("expected a single Get for cs_5, got %v", sessions.getIDs)
	}
}

func TestStripeFetchStatus(t *testing.T) {
	sessions := &fakeStripeSessions{getResult: &stripe.CheckoutSession{
		ID:                 "cs_6",
		PaymentStatus:      stripe.CheckoutSessionPaymentStatusPaid,
		Status:             stripe.CheckoutSessionStatusComplete,
		AmountTotal:        5000,
		Currency:           "jpy",
		PaymentMethodTypes: []string{"card"},
		Metadata:           map[string]string{MetadataOrderID: "JL6"},
	}}
	provider := newTestStripeProvider(t, sessions)

	status, err := provider.FetchStatus(context.Background(), "cs_6")
	if err != nil {
		t.Fatalf("fetch status: %v", err)
	}
	want := SessionStatus{ID: "cs_6", Status: StatusSucceeded, Amount: 5000, Currency: "JPY", PaymentMethod: "card", OrderID: "JL6"}
	if status != want {
		t.Fatalf("expected %+v, got %+v", want, status)
	}
}
