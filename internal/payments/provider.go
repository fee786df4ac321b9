package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hamao333333/my-shop-api/internal/domain"
	"github.com/hamao333333/my-shop-api/internal/platform/textutil"
)

// Status enumerates the normalised payment session states shared across providers.
type Status string

const (
	// StatusPending indicates the session awaits customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the payment as completed.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusExpired indicates the session lapsed before the customer paid.
	StatusExpired Status = "expired"
)

var (
	// ErrUnsupportedProvider is returned when the gateway cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrOfflineMethod is returned when an offline method is routed to the gateway.
	ErrOfflineMethod = errors.New("payments: offline payment method has no provider")
	// ErrInvalidSignature covers missing, undecodable and mismatching webhook signatures.
	ErrInvalidSignature = errors.New("payments: invalid webhook signature")
	// ErrWebhookSecretNotConfigured is returned when the provider has no webhook secret.
	ErrWebhookSecretNotConfigured = errors.New("payments: webhook secret not configured")
	// ErrMalformedPayload covers unparsable webhook bodies and confirmed events without order data.
	ErrMalformedPayload = errors.New("payments: malformed webhook payload")
	// ErrProviderUnavailable wraps transport failures and non-success answers from a PSP.
	ErrProviderUnavailable = errors.New("payments: provider unavailable")
)

// Metadata keys written into provider sessions and read back from webhooks.
const (
	MetadataOrderID       = "order_id"
	MetadataLines         = "lines"
	MetadataPaymentMethod = "payment_method"
	MetadataCustomerEmail = "customer_email"
	MetadataCustomerName  = "customer_name"

	// MetadataLineParts holds the number of lines_N chunks when the encoded cart does not fit
	// in a single metadata value.
	MetadataLineParts = "lines_parts"

	// Strictest per-key and per-value limits among the providers (Stripe: 40 and 500).
	metadataKeyLimit   = 40
	metadataValueLimit = 500
)

// SessionRequest captures everything a provider needs to open a hosted payment session.
// Amount is the server-computed total in display units.
type SessionRequest struct {
	OrderID        string
	Method         domain.PaymentMethod
	Lines          []domain.CartLine
	ShippingFee    int64
	Amount         int64
	Currency       string
	Customer       domain.Customer
	ReturnURL      string
	CancelURL      string
	Metadata       map[string]string
	IdempotencyKey string
}

// Session is the provider session returned to the storefront.
type Session struct {
	ID          string
	Provider    string
	RedirectURL string
	ExpiresAt   time.Time
}

// SessionStatus is the normalised state of a provider session, used by the landing page.
type SessionStatus struct {
	ID            string
	Status        Status
	Amount        int64
	Currency      string
	PaymentMethod string
	OrderID       string
}

// EventKind classifies a verified webhook event.
type EventKind string

const (
	// EventPaymentConfirmed means the provider reports the order as paid.
	EventPaymentConfirmed EventKind = "payment_confirmed"
	// EventLiveness is a provider ping without business meaning.
	EventLiveness EventKind = "liveness"
	// EventIgnored is any other event type.
	EventIgnored EventKind = "ignored"
)

// Email sources recorded on webhook events.
const (
	EmailSourceSecondaryLookup = "secondary_lookup"
)

// WebhookEvent is a verified, provider-neutral view of a webhook delivery.
type WebhookEvent struct {
	Provider      string
	EventID       string
	Type          string
	Kind          EventKind
	OrderID       string
	SessionID     string
	PaymentID     string
	Lines         []domain.LineQuantity
	PaymentMethod domain.PaymentMethod
	Amount        int64
	Currency      string
	CustomerEmail string
	EmailSource   string
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	Name() string
	CreateSession(ctx context.Context, req SessionRequest) (Session, error)
	FetchStatus(ctx context.Context, sessionID string) (SessionStatus, error)
	// ParseWebhook verifies the signature over rawBody before decoding anything.
	ParseWebhook(ctx context.Context, header http.Header, rawBody []byte) (WebhookEvent, error)
	// LookupCustomerEmail asks the provider for the payer email when the payload had none.
	LookupCustomerEmail(ctx context.Context, event WebhookEvent) (string, error)
}

// DefaultMethodRoutes maps the online payment methods to the provider serving them.
func DefaultMethodRoutes() map[domain.PaymentMethod]string {
	return map[domain.PaymentMethod]string{
		domain.PaymentMethodCard:       ProviderStripe,
		domain.PaymentMethodPayPay:     ProviderKomoju,
		domain.PaymentMethodRakutenPay: ProviderKomoju,
		domain.PaymentMethodKonbini:    ProviderKomoju,
	}
}

// Gateway routes payment methods to providers and exposes providers by name.
type Gateway struct {
	providers map[string]Provider
	routes    map[domain.PaymentMethod]string
}

// GatewayOption configures optional behaviour when building a Gateway.
type GatewayOption func(*Gateway)

// WithMethodRoutes overrides the method to provider mapping.
func WithMethodRoutes(routes map[domain.PaymentMethod]string) GatewayOption {
	return func(g *Gateway) {
		if len(routes) == 0 {
			return
		}
		g.routes = make(map[domain.PaymentMethod]string, len(routes))
		for method, provider := range routes {
			g.routes[method] = strings.ToLower(strings.TrimSpace(provider))
		}
	}
}

// NewGateway constructs a Gateway over the supplied providers, keyed by Provider.Name.
func NewGateway(providers []Provider, opts ...GatewayOption) (*Gateway, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	registered := make(map[string]Provider, len(providers))
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("payments: nil provider registration")
		}
		key := strings.ToLower(strings.TrimSpace(p.Name()))
		if key == "" {
			return nil, errors.New("payments: provider name is required")
		}
		if _, dup := registered[key]; dup {
			return nil, fmt.Errorf("payments: provider %q registered twice", key)
		}
		registered[key] = p
	}
	g := &Gateway{
		providers: registered,
		routes:    DefaultMethodRoutes(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Provider returns the provider registered under name.
func (g *Gateway) Provider(name string) (Provider, error) {
	if g == nil {
		return nil, ErrUnsupportedProvider
	}
	p, ok := g.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedProvider, name)
	}
	return p, nil
}

// ProviderFor resolves the provider handling method.
func (g *Gateway) ProviderFor(method domain.PaymentMethod) (Provider, error) {
	if method.IsOffline() {
		return nil, ErrOfflineMethod
	}
	if g == nil {
		return nil, ErrUnsupportedProvider
	}
	name, ok := g.routes[method]
	if !ok {
		return nil, fmt.Errorf("%w: no route for method %q", ErrUnsupportedProvider, method)
	}
	return g.Provider(name)
}

// Names lists the registered providers in lexical order.
func (g *Gateway) Names() []string {
	if g == nil {
		return nil
	}
	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateSession delegates to the provider routed for req.Method.
func (g *Gateway) CreateSession(ctx context.Context, req SessionRequest) (Session, error) {
	provider, err := g.ProviderFor(req.Method)
	if err != nil {
		return Session{}, err
	}
	session, err := provider.CreateSession(ctx, req)
	if err != nil {
		return Session{}, err
	}
	session.Provider = provider.Name()
	return session, nil
}

// FetchStatus delegates to the named provider.
func (g *Gateway) FetchStatus(ctx context.Context, providerName, sessionID string) (SessionStatus, error) {
	provider, err := g.Provider(providerName)
	if err != nil {
		return SessionStatus{}, err
	}
	return provider.FetchStatus(ctx, sessionID)
}

// sessionMetadata builds the metadata shared by all providers. Caller supplied entries never
// override the keys the webhook relies on.
func sessionMetadata(req SessionRequest) map[string]string {
	meta := make(map[string]string, len(req.Metadata)+5)
	for k, v := range textutil.Metadata(req.Metadata, metadataKeyLimit, metadataValueLimit) {
		if k == MetadataLines || strings.HasPrefix(k, MetadataLines+"_") {
			continue
		}
		meta[k] = v
	}
	meta[MetadataOrderID] = req.OrderID
	parts := splitLineEncoding(domain.AggregateQuantities(req.Lines), metadataValueLimit)
	if len(parts) == 1 {
		meta[MetadataLines] = parts[0]
	} else {
		for i, part := range parts {
			meta[lineChunkKey(i)] = part
		}
		meta[MetadataLineParts] = strconv.Itoa(len(parts))
	}
	meta[MetadataPaymentMethod] = string(req.Method)
	if email := strings.TrimSpace(req.Customer.Email); email != "" {
		meta[MetadataCustomerEmail] = textutil.Truncate(email, metadataValueLimit)
	}
	if name := strings.TrimSpace(req.Customer.Name); name != "" {
		meta[MetadataCustomerName] = textutil.Truncate(name, metadataValueLimit)
	}
	return meta
}

// eventFromMetadata fills the order fields a confirmed event needs from session metadata.
func eventFromMetadata(event *WebhookEvent, meta map[string]string) error {
	if event.OrderID == "" {
		event.OrderID = strings.TrimSpace(meta[MetadataOrderID])
	}
	if event.OrderID == "" {
		return fmt.Errorf("%w: missing order id", ErrMalformedPayload)
	}
	encoded, err := joinLineEncoding(meta)
	if err != nil {
		return err
	}
	lines, err := domain.DecodeLineQuantities(encoded)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	event.Lines = lines
	if method, ok := domain.ParsePaymentMethod(meta[MetadataPaymentMethod]); ok {
		event.PaymentMethod = method
	}
	return nil
}

// maxLineParts bounds lines_N chunks so the total stays under Stripe's 50 key allowance.
const maxLineParts = 40

func lineChunkKey(i int) string {
	return MetadataLines + "_" + strconv.Itoa(i)
}

// splitLineEncoding packs whole id:qty entries into values of at most limit bytes.
func splitLineEncoding(lines []domain.LineQuantity, limit int) []string {
	parts := []string{}
	var current strings.Builder
	for _, line := range lines {
		entry := domain.EncodeLineQuantities([]domain.LineQuantity{line})
		if current.Len() > 0 && current.Len()+1+len(entry) > limit {
			parts = append(parts, current.String())
			current.Reset()
		}
		if current.Len() > 0 {
			current.WriteByte(',')
		}
		current.WriteString(entry)
	}
	return append(parts, current.String())
}

// joinLineEncoding reassembles the cart encoding from either the single lines key or its
// numbered chunks.
func joinLineEncoding(meta map[string]string) (string, error) {
	raw := strings.TrimSpace(meta[MetadataLineParts])
	if raw == "" {
		return meta[MetadataLines], nil
	}
	count, err := strconv.Atoi(raw)
	if err != nil || count <= 0 || count > maxLineParts {
		return "", fmt.Errorf("%w: invalid %s %q", ErrMalformedPayload, MetadataLineParts, raw)
	}
	chunks := make([]string, 0, count)
	for i := 0; i < count; i++ {
		chunk, ok := meta[lineChunkKey(i)]
		if !ok || strings.TrimSpace(chunk) == "" {
			return "", fmt.Errorf("%w: missing %s", ErrMalformedPayload, lineChunkKey(i))
		}
		chunks = append(chunks, chunk)
	}
	return strings.Join(chunks, ","), nil
}
