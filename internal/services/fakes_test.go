package services

import (
	"context"
	"net/http"
	"sync"

	"github.com/hamao333333/my-shop-api/internal/domain"
	"github.com/hamao333333/my-shop-api/internal/notifications"
	"github.com/hamao333333/my-shop-api/internal/payments"
	"github.com/hamao333333/my-shop-api/internal/repositories"
)

type memoryLedger struct {
	mu       sync.Mutex
	stock    map[string]int64
	tokens   map[string]struct{}
	checkErr   error
	decErr     error
	checks     int
	decrements int
}

func newMemoryLedger(stock map[string]int64) *memoryLedger {
	return &memoryLedger{stock: stock, tokens: map[string]struct{}{}}
}

func (l *memoryLedger) CheckAvailability(ctx context.Context, productID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checks++
	if l.checkErr != nil {
		return 0, l.checkErr
	}
	return l.stock[productID], nil
}

func (l *memoryLedger) Decrement(ctx context.Context, productID string, qty int64, token string) (repositories.DecrementOutcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.decrements++
	if l.decErr != nil {
		return "", l.decErr
	}
	if _, seen := l.tokens[token]; seen {
		return repositories.DecrementAlreadyApplied, nil
	}
	if l.stock[productID] < qty {
		return repositories.DecrementInsufficientStock, nil
	}
	l.stock[productID] -= qty
	l.tokens[token] = struct{}{}
	return repositories.DecrementApplied, nil
}

func (l *memoryLedger) level(productID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stock[productID]
}

type memoryRejections struct {
	mu    sync.Mutex
	seen  map[string]bool
	err   error
	calls int
}

func (m *memoryRejections) First(ctx context.Context, orderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return false, m.err
	}
	if m.seen == nil {
		m.seen = map[string]bool{}
	}
	if m.seen[orderID] {
		return false, nil
	}
	m.seen[orderID] = true
	return true, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	received  []domain.Order
	offline   []domain.Order
	confirmed []notifications.PaymentNotice
	rejected  []notifications.PaymentNotice
	err       error
}

func (n *recordingNotifier) OrderReceived(ctx context.Context, order domain.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.received = append(n.received, order)
	return n.err
}

func (n *recordingNotifier) OfflineOrderAccepted(ctx context.Context, order domain.Order) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = append(n.offline, order)
	return n.err
}

func (n *recordingNotifier) PaymentConfirmed(ctx context.Context, notice notifications.PaymentNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmed = append(n.confirmed, notice)
	return n.err
}

func (n *recordingNotifier) StockRejected(ctx context.Context, notice notifications.PaymentNotice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rejected = append(n.rejected, notice)
	return n.err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(ctx context.Context, event OrderEvent) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.events = append(p.events, event)
	return "msg-1", nil
}

type recordingMetrics struct {
	mu         sync.Mutex
	orders     map[string]int
	webhooks   map[string]int
	decrements map[string]int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{orders: map[string]int{}, webhooks: map[string]int{}, decrements: map[string]int{}}
}

func (m *recordingMetrics) ObserveOrder(method, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[method+"/"+outcome]++
}

func (m *recordingMetrics) ObserveWebhook(provider, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.webhooks[provider+"/"+outcome]++
}

func (m *recordingMetrics) ObserveDecrement(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decrements[outcome]++
}

type recordingSessions struct {
	mu       sync.Mutex
	requests []payments.SessionRequest
	err      error
}

func (s *recordingSessions) CreateSession(ctx context.Context, req payments.SessionRequest) (payments.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return payments.Session{}, s.err
	}
	s.requests = append(s.requests, req)
	return payments.Session{
		ID:          "cs_" + req.OrderID,
		Provider:    payments.ProviderStripe,
		RedirectURL: "https://checkout.example/" + req.OrderID,
	}, nil
}

type stubProvider struct {
	name      string
	event     payments.WebhookEvent
	parseErr  error
	email     string
	lookupErr error
	lookups   int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) CreateSession(ctx context.Context, req payments.SessionRequest) (payments.Session, error) {
	return payments.Session{}, nil
}

func (p *stubProvider) FetchStatus(ctx context.Context, sessionID string) (payments.SessionStatus, error) {
	return payments.SessionStatus{}, nil
}

func (p *stubProvider) ParseWebhook(ctx context.Context, header http.Header, rawBody []byte) (payments.WebhookEvent, error) {
	if p.parseErr != nil {
		return payments.WebhookEvent{}, p.parseErr
	}
	event := p.event
	event.Provider = p.name
	return event, nil
}

func (p *stubProvider) LookupCustomerEmail(ctx context.Context, event payments.WebhookEvent) (string, error) {
	p.lookups++
	return p.email, p.lookupErr
}

type stubProviders map[string]payments.Provider

func (s stubProviders) Provider(name string) (payments.Provider, error) {
	p, ok := s[name]
	if !ok {
		return nil, payments.ErrUnsupportedProvider
	}
	return p, nil
}
