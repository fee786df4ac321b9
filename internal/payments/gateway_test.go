package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"testing"

	"github.com/hamao333333/my-shop-api/internal/domain"
)

type fakeProvider struct {
	name    string
	lastOp  string
	lastReq SessionRequest
	session Session
	status  SessionStatus
	err     error
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	f.lastOp = "create"
	f.lastReq = req
	return f.session, f.err
}

func (f *fakeProvider) FetchStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	f.lastOp = "status"
	return f.status, f.err
}

func (f *fakeProvider) ParseWebhook(ctx context.Context, header http.Header, rawBody []byte) (WebhookEvent, error) {
	f.lastOp = "webhook"
	return WebhookEvent{}, f.err
}

func (f *fakeProvider) LookupCustomerEmail(ctx context.Context, event WebhookEvent) (string, error) {
	f.lastOp = "email"
	return "", f.err
}

func TestGatewayRoutesCardToStripe(t *testing.T) {
	ctx := context.Background()
	stripe := &fakeProvider{name: "stripe", session: Session{ID: "cs_1"}}
	komoju := &fakeProvider{name: "komoju", session: Session{ID: "ks_1"}}

	gw, err := NewGateway([]Provider{stripe, komoju})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}

	session, err := gw.CreateSession(ctx, SessionRequest{OrderID: "JL1", Method: domain.PaymentMethodCard})
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if session.Provider != "stripe" || session.ID != "cs_1" {
		t.Fatalf("unexpected session %+v", session)
	}
	if stripe.lastOp != "create" || komoju.lastOp != "" {
		t.Fatalf("expected stripe only, got stripe=%q komoju=%q", stripe.lastOp, komoju.lastOp)
	}
}

func TestGatewayRoutesWalletsAndKonbiniToKomoju(t *testing.T) {
	ctx := context.Background()
	for _, method := range []domain.PaymentMethod{domain.PaymentMethodPayPay, domain.PaymentMethodRakutenPay, domain.PaymentMethodKonbini} {
		komoju := &fakeProvider{name: "komoju", session: Session{ID: "ks_1"}}
		gw, err := NewGateway([]Provider{&fakeProvider{name: "stripe"}, komoju})
		if err != nil {
			t.Fatalf("new gateway: %v", err)
		}
		session, err := gw.CreateSession(ctx, SessionRequest{Method: method})
		if err != nil {
			t.Fatalf("%s: create session: %v", method, err)
		}
		if session.Provider != "komoju" || komoju.lastReq.Method != method {
			t.Fatalf("%s: expected komoju routing, got %+v", method, session)
		}
	}
}

func TestGatewayRejectsOfflineMethods(t *testing.T) {
	gw, err := NewGateway([]Provider{&fakeProvider{name: "stripe"}})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	for _, method := range []domain.PaymentMethod{domain.PaymentMethodBankTransfer, domain.PaymentMethodCashOnDelivery} {
		if _, err := gw.CreateSession(context.Background(), SessionRequest{Method: method}); !errors.Is(err, ErrOfflineMethod) {
			t.Fatalf("%s: expected ErrOfflineMethod, got %v", method, err)
		}
	}
}

func TestGatewayUnconfiguredProvider(t *testing.T) {
	gw, err := NewGateway([]Provider{&fakeProvider{name: "stripe"}})
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if _, err := gw.CreateSession(context.Background(), SessionRequest{Method: domain.PaymentMethodPayPay}); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
	if _, err := gw.Provider("paypal"); !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestGatewayCustomRoutesAndStatus(t *testing.T) {
	komoju := &fakeProvider{name: "komoju", status: SessionStatus{ID: "ks_1", Status: StatusSucceeded}}
	gw, err := NewGateway([]Provider{komoju}, WithMethodRoutes(map[domain.PaymentMethod]string{
		domain.PaymentMethodCard: "KOMOJU",
	}))
	if err != nil {
		t.Fatalf("new gateway: %v", err)
	}
	if _, err := gw.CreateSession(context.Background(), SessionRequest{Method: domain.PaymentMethodCard}); err != nil {
		t.Fatalf("expected card routed to komoju: %v", err)
	}
	status, err := gw.FetchStatus(context.Background(), "Komoju", "ks_1")
	if err != nil || status.Status != StatusSucceeded {
		t.Fatalf("unexpected status %+v, %v", status, err)
	}
	if got := gw.Names(); !reflect.DeepEqual(got, []string{"komoju"}) {
		t.Fatalf("unexpected names %v", got)
	}
}

func TestNewGatewayValidatesProviders(t *testing.T) {
	if _, err := NewGateway(nil); err == nil {
		t.Fatalf("expected error when providers empty")
	}
	if _, err := NewGateway([]Provider{nil}); err == nil {
		t.Fatalf("expected error for nil provider")
	}
	if _, err := NewGateway([]Provider{&fakeProvider{name: " "}}); err == nil {
		t.Fatalf("expected error for blank name")
	}
	if _, err := NewGateway([]Provider{&fakeProvider{name: "stripe"}, &fakeProvider{name: "Stripe"}}); err == nil {
		t.Fatalf("expected error for duplicate registration")
	}
}

func TestSessionMetadataKeepsReservedKeys(t *testing.T) {
	meta := sessionMetadata(SessionRequest{
		OrderID: "JL1",
		Method:  domain.PaymentMethodKonbini,
		Lines: []domain.CartLine{
			{ProductID: "A", Quantity: 1},
			{ProductID: "B", Quantity: 2},
			{ProductID: "A", Quantity: 2},
		},
		Customer: domain.Customer{Email: "a@example.com"},
		Metadata: map[string]string{MetadataOrderID: "spoofed", "campaign": "spring"},
	})
	want := map[string]string{
		MetadataOrderID:       "JL1",
		MetadataLines:         "A:3,B:2",
		MetadataPaymentMethod: "konbini",
		MetadataCustomerEmail: "a@example.com",
		"campaign":            "spring",
	}
	if !reflect.DeepEqual(meta, want) {
		t.Fatalf("unexpected metadata %v", meta)
	}
}

func TestSessionMetadataSplitsLargeCarts(t *testing.T) {
	lines := make([]domain.CartLine, 0, 50)
	for i := 0; i < 50; i++ {
		lines = append(lines, domain.CartLine{ProductID: fmt.Sprintf("ceramic-table-lamp-%02d", i), Quantity: int64(i%9 + 1)})
	}
	meta := sessionMetadata(SessionRequest{
		OrderID:  "JL50",
		Method:   domain.PaymentMethodCard,
		Lines:    lines,
		Metadata: map[string]string{"lines_0": "spoofed:99"},
	})
	if _, ok := meta[MetadataLines]; ok {
		t.Fatalf("expected large cart to be split, got single value of %d bytes", len(meta[MetadataLines]))
	}
	for k, v := range meta {
		if len(v) > metadataValueLimit {
			t.Fatalf("metadata %s exceeds limit: %d bytes", k, len(v))
		}
	}
	if meta[MetadataLineParts] == "" || meta[MetadataLineParts] == "1" {
		t.Fatalf("expected multiple parts, got %q", meta[MetadataLineParts])
	}

	var event WebhookEvent
	if err := eventFromMetadata(&event, meta); err != nil {
		t.Fatalf("eventFromMetadata: %v", err)
	}
	want := domain.AggregateQuantities(lines)
	if !reflect.DeepEqual(event.Lines, want) {
		t.Fatalf("round trip mismatch:\n got %v\nwant %v", event.Lines, want)
	}
}

func TestEventFromMetadataRejectsMissingChunk(t *testing.T) {
	meta := map[string]string{
		MetadataOrderID:   "JL51",
		MetadataLineParts: "2",
		"lines_0":         "A:1",
	}
	var event WebhookEvent
	if err := eventFromMetadata(&event, meta); !errors.Is(err, ErrMalformedPayload) {
		t.Fatalf("expected ErrMalformedPayload, got %v", err)
	}
}
