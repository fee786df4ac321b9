package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/hamao333333/my-shop-api/internal/domain"
	"github.com/hamao333333/my-shop-api/internal/platform/auth"
)

const testKomojuWebhookSecret = "komoju-hook-secret"

func newTestKomojuProvider(t *testing.T, handler http.HandlerFunc) *KomojuProvider {
	t.Helper()
	base := "https://komoju.invalid"
	client := http.DefaultClient
	if handler != nil {
		srv := httptest.NewServer(handler)
		t.Cleanup(srv.Close)
		base = srv.URL
		client = srv.Client()
	}
	provider, err := NewKomojuProvider(KomojuProviderConfig{
		SecretKey:    "sk_test",
		BaseURL:      base,
		ReturnURL:    "https://shop.example/success-komoju.html",
		PaymentTypes: []string{"paypay", "rakutenpay", "konbini"},
		HTTPClient:   client,
		Verifier:     auth.NewSignatureVerifier(ProviderKomoju, testKomojuWebhookSecret),
	})
	if err != nil {
		t.Fatalf("new komoju provider: %v", err)
	}
	return provider
}

func signedKomojuHeader(body []byte) http.Header {
	header := http.Header{}
	header.Set("X-Komoju-Signature", auth.SignHex(testKomojuWebhookSecret, body))
	return header
}

func TestKomojuCreateSession(t *testing.T) {
	var got komojuSessionRequest
	provider := newTestKomojuProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/sessions" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "sk_test" || pass != "" {
			t.Errorf("expected basic auth with secret key, got %q %q %v", user, pass, ok)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		_, _ = w.Write([]byte(`{"id":"ks_1","status":"pending","session_url":"https://komoju.com/sessions/ks_1","expires_at":"2026-01-03T00:00:00Z"}`))
	})

	session, err := provider.CreateSession(context.Background(), SessionRequest{
		OrderID:     "JL01",
		Method:      domain.PaymentMethodPayPay,
		Lines:       []domain.CartLine{{ProductID: "lamp-01", UnitPrice: 12000, Quantity: 1}},
		ShippingFee: 800,
		Amount:      12800,
		Currency:    "JPY",
		Customer:    domain.Customer{Email: "buyer@example.com"},
	})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.ID != "ks_1" || session.RedirectURL != "https://komoju.com/sessions/ks_1" || session.ExpiresAt.Day() != 3 {
		t.Fatalf("unexpected session %+v", session)
	}
	if got.Amount != 12800 || got.Currency != "JPY" || got.ExternalOrderNum != "JL01" || got.CustomerEmail != "buyer@example.com" {
		t.Fatalf("unexpected payload %+v", got)
	}
	if len(got.PaymentTypes) != 1 || got.PaymentTypes[0] != "paypay" {
		t.Fatalf("unexpected payment types %v", got.PaymentTypes)
	}
	if got.Metadata[MetadataLines] != "lamp-01:1" || got.Metadata[MetadataOrderID] != "JL01" {
		t.Fatalf("unexpected metadata %v", got.Metadata)
	}
	returnURL, err := url.Parse(got.ReturnURL)
	if err != nil {
		t.Fatalf("parse return url: %v", err)
	}
	if returnURL.Query().Get("order_id") != "JL01" || returnURL.Query().Get("payment_type") != "paypay" {
		t.Fatalf("unexpected return url %q", got.ReturnURL)
	}
}

func TestKomojuCreateSessionRejectsDisabledType(t *testing.T) {
	provider, err := NewKomojuProvider(KomojuProviderConfig{
		SecretKey:    "sk_test",
		ReturnURL:    "https://shop.example/done",
		PaymentTypes: []string{"konbini"},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	_, err = provider.CreateSession(context.Background(), SessionRequest{Method: domain.PaymentMethodPayPay, Amount: 100, Currency: "JPY"})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestKomojuCreateSessionUpstreamFailure(t *testing.T) {
	provider := newTestKomojuProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":{"code":"bad_request"}}`))
	})
	_, err := provider.CreateSession(context.Background(), SessionRequest{
		OrderID: "JL01", Method: domain.PaymentMethodKonbini, Amount: 100, Currency: "JPY",
	})
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}

func TestKomojuFetchStatus(t *testing.T) {
	provider := newTestKomojuProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/api/v1/sessions/ks_1" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"ks_1","status":"completed","amount":12800,"currency":"JPY",
			"external_order_num":"JL01","payment":{"id":"pay_1","payment_details":{"type":"paypay"}}}`))
	})
	status, err := provider.FetchStatus(context.Background(), "ks_1")
	if err != nil {
		t.Fatalf("fetch status: %v", err)
	}
	want := SessionStatus{ID: "ks_1", Status: StatusSucceeded, Amount: 12800, Currency: "JPY", PaymentMethod: "paypay", OrderID: "JL01"}
	if status != want {
		t.Fatalf("expected %+v, got %+v", want, status)
	}
}

func TestKomojuParseWebhook(t *testing.T) {
	provider := newTestKomojuProvider(t, nil)
	cases := []struct {
		name        string
		body        string
		kind        EventKind
		orderID     string
		email       string
		emailSource string
	}{
		{
			name: "ping",
			body: `{"id":"evt_0","type":"ping","data":{}}`,
			kind: EventLiveness,
		},
		{
			name: "unrelated",
			body: `{"id":"evt_1","type":"payment.refunded","data":{"id":"pay_1"}}`,
			kind: EventIgnored,
		},
		{
			name: "captured with customer email",
			body: `{"id":"evt_2","type":"payment.captured","data":{"id":"pay_2","amount":12800,"currency":"JPY",
				"external_order_num":"JL02","customer":{"email":"a@example.com"},
				"payment_details":{"type":"paypay"},"metadata":{"lines":"lamp-01:1"}}}`,
			kind:        EventPaymentConfirmed,
			orderID:     "JL02",
			email:       "a@example.com",
			emailSource: "data.customer.email",
		},
		{
			name: "authorized falls back to metadata order id and email",
			body: `{"id":"evt_3","type":"payment.authorized","data":{"id":"pay_3","amount":500,"currency":"JPY",
				"metadata":{"order_id":"JL03","lines":"a:2","customer_email":"m@example.com","payment_method":"konbini"}}}`,
			kind:        EventPaymentConfirmed,
			orderID:     "JL03",
			email:       "m@example.com",
			emailSource: "data.metadata.customer_email",
		},
		{
			name:    "provider id as last resort without email",
			body:    `{"id":"evt_4","type":"payment.captured","data":{"id":"pay_4","amount":500,"currency":"JPY","metadata":{"lines":"a:1"}}}`,
			kind:    EventPaymentConfirmed,
			orderID: "pay_4",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := []byte(tc.body)
			event, err := provider.ParseWebhook(context.Background(), signedKomojuHeader(body), body)
			if err != nil {
				t.Fatalf("parse webhook: %v", err)
			}
			if event.Kind != tc.kind || event.OrderID != tc.orderID {
				t.Fatalf("unexpected event %+v", event)
			}
			if event.CustomerEmail != tc.email || event.EmailSource != tc.emailSource {
				t.Fatalf("unexpected email %q from %q", event.CustomerEmail, event.EmailSource)
			}
		})
	}
}

func TestKomojuParseWebhookErrors(t *testing.T) {
	provider := newTestKomojuProvider(t, nil)
	body := []byte(`{"id":"evt_2","type":"payment.captured","data":{"id":"pay_2","metadata":{"lines":"a:1"}}}`)

	if _, err := provider.ParseWebhook(context.Background(), http.Header{}, body); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for missing header, got %v", err)
	}
	wrong := http.Header{}
	wrong.Set("X-Komoju-Signature", auth.SignHex("other-secret", body))
	if _, err := provider.ParseWebhook(context.Background(), wrong, body); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for wrong secret, got %v", err)
	}

	notJSON := []byte(`not json`)
	if _, err := provider.ParseWebhook(context.Background(), signedKomojuHeader(notJSON), notJSON); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
	noLines := []byte(`{"id":"evt_5","type":"payment.captured","data":{"id":"pay_5","external_order_num":"JL5"}}`)
	if _, err := provider.ParseWebhook(context.Background(), signedKomojuHeader(noLines), noLines); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload for missing lines, got %v", err)
	}

	unconfigured, err := NewKomojuProvider(KomojuProviderConfig{SecretKey: "sk", PaymentTypes: []string{"konbini"}})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, err := unconfigured.ParseWebhook(context.Background(), signedKomojuHeader(body), body); !errors.Is(err, ErrWebhookSecretNotConfigured) {
		t.Fatalf("expected ErrWebhookSecretNotConfigured, got %v", err)
	}
}

func TestKomojuLookupCustomerEmail(t *testing.T) {
	provider := newTestKomojuProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/payments/pay_9" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"pay_9","payment_details":{"type":"konbini","email":"slip@example.com"}}`))
	})
	email, err := provider.LookupCustomerEmail(context.Background(), WebhookEvent{PaymentID: "pay_9"})
	if err != nil || email != "slip@example.com" {
		t.Fatalf("unexpected lookup %q, %v", email, err)
	}
}
