package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hamao333333/my-shop-api/internal/domain"
)

const (
	defaultEnvFile              = ".env"
	defaultPort                 = "8080"
	defaultReadTimeout          = 15 * time.Second
	defaultWriteTimeout         = 30 * time.Second
	defaultIdleTimeout          = 120 * time.Second
	defaultRequestTimeout       = 30 * time.Second
	defaultMaxBodyBytes         = 64 << 10
	defaultShopName             = "Jun Lamp Studio"
	defaultCurrency             = "JPY"
	defaultShippingFee          = 10
	defaultSiteURL              = "https://shoumeiya.info"
	defaultMaxLines             = 50
	defaultMaxFieldLength       = 300
	defaultMaxNotesLength       = 2000
	defaultStockBackend         = StockBackendHTTP
	defaultStockTimeout         = 8 * time.Second
	defaultStockReadRetries     = 2
	defaultStockRetryBackoff    = 200 * time.Millisecond
	defaultProviderTimeout      = 15 * time.Second
	defaultKomojuBaseURL        = "https://komoju.com"
	defaultMailFrom             = "Jun Lamp Studio <noreply@shoumeiya.info>"
	defaultMailTimeout          = 10 * time.Second
	defaultRateLimitOrders      = 30
	defaultRateLimitWebhooks    = 600
	defaultIdempotencyBackend   = IdempotencyBackendMemory
	defaultIdempotencyHeader    = "Idempotency-Key"
	defaultIdempotencyTTL       = 24 * time.Hour
	defaultIdempotencyInterval  = time.Hour
	defaultIdempotencyBatchSize = 200
	defaultMetricsNamespace     = "shop"
	defaultEnvironment          = "local"
)

// Storage backends accepted for the stock ledger and the idempotency store.
const (
	StockBackendHTTP      = "http"
	StockBackendFirestore = "firestore"

	IdempotencyBackendMemory    = "memory"
	IdempotencyBackendRedis     = "redis"
	IdempotencyBackendFirestore = "firestore"
)

var (
	defaultAllowedOrigins = []string{"https://shoumeiya.info", "https://www.shoumeiya.info"}
	defaultKomojuTypes    = []string{"paypay", "rakutenpay", "konbini"}
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Server        ServerConfig
	Shop          ShopConfig
	Stock         StockConfig
	Stripe        StripeConfig
	Komoju        KomojuConfig
	Mail          MailConfig
	Firestore     FirestoreConfig
	PubSub        PubSubConfig
	Redis         RedisConfig
	RateLimits    RateLimitConfig
	Idempotency   IdempotencyConfig
	Observability ObservabilityConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// ShopConfig holds the merchant constants injected into the intake coordinator.
type ShopConfig struct {
	Name           string
	Currency       string
	ShippingFee    int64
	SiteURL        string
	AllowedOrigins []string
	MaxLines       int
	// MaxFieldLength and MaxNotesLength cap customer input in bytes before it reaches mail.
	MaxFieldLength int
	MaxNotesLength int
}

// StockConfig selects and tunes the stock ledger.
type StockConfig struct {
	Backend      string
	URL          string
	Timeout      time.Duration
	ReadRetries  int
	RetryBackoff time.Duration
}

// StripeConfig configures card checkout.
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
	Timeout       time.Duration
}

// KomojuConfig configures the hosted-redirect wallet and konbini provider.
type KomojuConfig struct {
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	ReturnURL     string
	PaymentTypes  []string
	Timeout       time.Duration
}

// MailConfig configures outbound notification mail.
type MailConfig struct {
	ResendAPIKey string
	From         string
	AdminEmail   string
	Timeout      time.Duration
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// PubSubConfig names the topic receiving order lifecycle events. Publishing is disabled when
// the topic is empty.
type PubSubConfig struct {
	ProjectID        string
	OrderEventsTopic string
}

// RedisConfig points at the shared Redis used by the idempotency store and rate limiter.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RateLimitConfig controls request throttling per client IP.
type RateLimitConfig struct {
	OrdersPerMinute   int
	WebhooksPerMinute int
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Backend          string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// ObservabilityConfig groups metrics and trace settings.
type ObservabilityConfig struct {
	Environment      string
	MetricsEnabled   bool
	MetricsNamespace string
	TraceProjectID   string
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

// Error implements the error interface.
func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

// Unwrap exposes the underlying error.
func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	secrets []missingSecret
}

type missingSecret struct {
	name     string
	redacted string
}

// Error implements the error interface.
func (e *MissingSecretsError) Error() string {
	if e == nil || len(e.secrets) == 0 {
		return "missing required secrets"
	}
	names := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		names = append(names, secret.redacted)
	}
	sort.Strings(names)
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(names, ", "))
}

// RedactedNames returns a copy of the redacted secret identifiers.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.redacted)
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil || len(e.secrets) == 0 {
		return nil
	}
	out := make([]string, 0, len(e.secrets))
	for _, secret := range e.secrets {
		out = append(out, secret.name)
	}
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile               string
	envMap                map[string]string
	useSystemEnv          bool
	secret                SecretResolver
	requiredSecrets       []string
	panicOnMissingSecrets bool
}

// Snapshot captures the resolved environment values used during loading so callers can construct
// dependent components (e.g., secret fetcher) with the same inputs.
type Snapshot struct {
	EnvFile         string
	Values          map[string]string
	ResolvedSecrets map[string]string
}

// EnvironmentValues returns the effective key/value environment map after applying the same precedence
// rules as Load (dotenv < OS env < explicit env map). Callers can use the result to initialise
// dependencies before invoking Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	merge := func(source map[string]string) {
		if source == nil {
			return
		}
		for key, value := range source {
			values[key] = value
		}
	}

	merge(dotEnvValues)

	if options.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			if entry == "" {
				continue
			}
			parts := strings.SplitN(entry, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			if key == "" {
				continue
			}
			system[key] = parts[1]
		}
		merge(system)
	}

	merge(options.envMap)

	return values, nil
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and .env files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets a custom secret resolver used for sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks the provided secret identifiers as mandatory.
// Identifiers should match the config field names recorded by the loader
// (e.g. "Stripe.SecretKey" or "Komoju.WebhookSecret").
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

// WithPanicOnMissingSecrets causes Load to panic when required secrets are missing.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) {
		o.panicOnMissingSecrets = true
	}
}

// Load assembles the application configuration by combining defaults, .env overrides,
// environment variables, and optional secret manager lookups. Variables from the original
// storefront deployment (GAS_STOCK_URL, STRIPE_SECRET_KEY, MAIL_FROM, ...) are accepted as
// fallbacks for their API_* counterparts.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
		secret: SecretResolverFunc(func(ctx context.Context, ref string) (string, error) {
			return "", &SecretError{Ref: ref, Err: errSecretResolverNotConfigured}
		}),
	}

	for _, opt := range opts {
		opt(&options)
	}

	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if dotEnvValues != nil {
			if value, ok := dotEnvValues[key]; ok {
				return value, true
			}
		}
		return "", false
	}

	siteURL := strings.TrimRight(stringWithDefault(lookup, "API_SHOP_SITE_URL", defaultSiteURL), "/")

	cfg := Config{
		Server: ServerConfig{
			Port:           firstWithDefault(lookup, []string{"API_SERVER_PORT", "PORT"}, defaultPort),
			ReadTimeout:    durationWithDefault(lookup, "API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:   durationWithDefault(lookup, "API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:    durationWithDefault(lookup, "API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			RequestTimeout: durationWithDefault(lookup, "API_SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
			MaxBodyBytes:   int64(intWithDefault(lookup, "API_SERVER_MAX_BODY_BYTES", defaultMaxBodyBytes)),
		},
		Shop: ShopConfig{
			Name:           stringWithDefault(lookup, "API_SHOP_NAME", defaultShopName),
			Currency:       strings.ToUpper(stringWithDefault(lookup, "API_SHOP_CURRENCY", defaultCurrency)),
			ShippingFee:    int64(intWithDefault(lookup, "API_SHOP_SHIPPING_FEE", defaultShippingFee)),
			SiteURL:        siteURL,
			AllowedOrigins: csvWithFallback(lookup, "API_SHOP_ALLOWED_ORIGINS", defaultAllowedOrigins),
			MaxLines:       intWithDefault(lookup, "API_SHOP_MAX_LINES", defaultMaxLines),
			MaxFieldLength: intWithDefault(lookup, "API_SHOP_MAX_FIELD_LENGTH", defaultMaxFieldLength),
			MaxNotesLength: intWithDefault(lookup, "API_SHOP_MAX_NOTES_LENGTH", defaultMaxNotesLength),
		},
		Stock: StockConfig{
			Backend:      strings.ToLower(stringWithDefault(lookup, "API_STOCK_BACKEND", defaultStockBackend)),
			URL:          firstWithDefault(lookup, []string{"API_STOCK_URL", "GAS_STOCK_URL"}, ""),
			Timeout:      durationWithDefault(lookup, "API_STOCK_TIMEOUT", defaultStockTimeout),
			ReadRetries:  intWithDefault(lookup, "API_STOCK_READ_RETRIES", defaultStockReadRetries),
			RetryBackoff: durationWithDefault(lookup, "API_STOCK_RETRY_BACKOFF", defaultStockRetryBackoff),
		},
		Stripe: StripeConfig{
			SecretKey:     firstWithDefault(lookup, []string{"API_STRIPE_SECRET_KEY", "STRIPE_SECRET_KEY"}, ""),
			WebhookSecret: firstWithDefault(lookup, []string{"API_STRIPE_WEBHOOK_SECRET", "STRIPE_WEBHOOK_SECRET"}, ""),
			SuccessURL:    stringWithDefault(lookup, "API_STRIPE_SUCCESS_URL", siteURL+"/success.html"),
			CancelURL:     stringWithDefault(lookup, "API_STRIPE_CANCEL_URL", siteURL+"/cancel.html"),
			Timeout:       durationWithDefault(lookup, "API_STRIPE_TIMEOUT", defaultProviderTimeout),
		},
		Komoju: KomojuConfig{
			SecretKey:     firstWithDefault(lookup, []string{"API_KOMOJU_SECRET_KEY", "KOMOJU_SECRET_KEY"}, ""),
			WebhookSecret: firstWithDefault(lookup, []string{"API_KOMOJU_WEBHOOK_SECRET", "KOMOJU_WEBHOOK_SECRET"}, ""),
			BaseURL:       strings.TrimRight(stringWithDefault(lookup, "API_KOMOJU_BASE_URL", defaultKomojuBaseURL), "/"),
			ReturnURL:     stringWithDefault(lookup, "API_KOMOJU_RETURN_URL", siteURL+"/success-komoju.html"),
			PaymentTypes:  csvWithFallback(lookup, "API_KOMOJU_PAYMENT_TYPES", defaultKomojuTypes),
			Timeout:       durationWithDefault(lookup, "API_KOMOJU_TIMEOUT", defaultProviderTimeout),
		},
		Mail: MailConfig{
			ResendAPIKey: firstWithDefault(lookup, []string{"API_MAIL_RESEND_API_KEY", "RESEND_API_KEY"}, ""),
			From:         firstWithDefault(lookup, []string{"API_MAIL_FROM", "MAIL_FROM"}, defaultMailFrom),
			AdminEmail:   firstWithDefault(lookup, []string{"API_MAIL_ADMIN_EMAIL", "ADMIN_EMAIL"}, ""),
			Timeout:      durationWithDefault(lookup, "API_MAIL_TIMEOUT", defaultMailTimeout),
		},
		Firestore: FirestoreConfig{
			ProjectID:    firstWithDefault(lookup, []string{"API_FIRESTORE_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"}, ""),
			EmulatorHost: firstWithDefault(lookup, []string{"API_FIRESTORE_EMULATOR_HOST", "FIRESTORE_EMULATOR_HOST"}, ""),
		},
		PubSub: PubSubConfig{
			ProjectID:        stringWithDefault(lookup, "API_PUBSUB_PROJECT_ID", ""),
			OrderEventsTopic: stringWithDefault(lookup, "API_PUBSUB_ORDER_EVENTS_TOPIC", ""),
		},
		Redis: RedisConfig{
			Addr:     stringWithDefault(lookup, "API_REDIS_ADDR", ""),
			Password: stringWithDefault(lookup, "API_REDIS_PASSWORD", ""),
			DB:       intWithDefault(lookup, "API_REDIS_DB", 0),
		},
		RateLimits: RateLimitConfig{
			OrdersPerMinute:   intWithDefault(lookup, "API_RATELIMIT_ORDERS_PER_MIN", defaultRateLimitOrders),
			WebhooksPerMinute: intWithDefault(lookup, "API_RATELIMIT_WEBHOOKS_PER_MIN", defaultRateLimitWebhooks),
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(stringWithDefault(lookup, "API_IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			Header:           stringWithDefault(lookup, "API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              durationWithDefault(lookup, "API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  durationWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: intWithDefault(lookup, "API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Observability: ObservabilityConfig{
			Environment:      strings.ToLower(stringWithDefault(lookup, "API_ENVIRONMENT", defaultEnvironment)),
			MetricsEnabled:   boolWithDefault(lookup, "API_METRICS_ENABLED", true),
			MetricsNamespace: stringWithDefault(lookup, "API_METRICS_NAMESPACE", defaultMetricsNamespace),
			TraceProjectID:   stringWithDefault(lookup, "API_TRACE_PROJECT_ID", ""),
		},
	}

	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firestore.ProjectID
	}
	if cfg.Observability.TraceProjectID == "" {
		cfg.Observability.TraceProjectID = cfg.Firestore.ProjectID
	}

	resolvedSecrets := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"Stripe.SecretKey", &cfg.Stripe.SecretKey},
		{"Stripe.WebhookSecret", &cfg.Stripe.WebhookSecret},
		{"Komoju.SecretKey", &cfg.Komoju.SecretKey},
		{"Komoju.WebhookSecret", &cfg.Komoju.WebhookSecret},
		{"Mail.ResendAPIKey", &cfg.Mail.ResendAPIKey},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		resolved, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = resolved
		resolvedSecrets[target.name] = strings.TrimSpace(resolved)
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	if missing := findMissingSecrets(options.requiredSecrets, resolvedSecrets); missing != nil {
		if options.panicOnMissingSecrets {
			fmt.Fprintf(os.Stderr, "config: %s\n", missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}

	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if value == "" {
		return value, nil
	}
	if !isSecretReference(value) {
		return value, nil
	}
	if resolver == nil {
		normalized := normalizeSecretReference(value)
		return "", &SecretError{Ref: normalized, Err: errSecretResolverNotConfigured}
	}
	normalized := normalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config) error {
	var missing []string

	if cfg.Server.Port == "" {
		missing = append(missing, "Server.Port")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		missing = append(missing, "Server.MaxBodyBytes")
	}
	if _, err := domain.MinorUnitScale(cfg.Shop.Currency); err != nil {
		missing = append(missing, "Shop.Currency")
	}
	if cfg.Shop.ShippingFee < 0 {
		missing = append(missing, "Shop.ShippingFee")
	}
	if cfg.Shop.MaxLines <= 0 {
		missing = append(missing, "Shop.MaxLines")
	}
	if cfg.Shop.MaxFieldLength <= 0 {
		missing = append(missing, "Shop.MaxFieldLength")
	}
	if cfg.Shop.MaxNotesLength <= 0 {
		missing = append(missing, "Shop.MaxNotesLength")
	}

	switch cfg.Stock.Backend {
	case StockBackendHTTP:
		if !validURL(cfg.Stock.URL) {
			missing = append(missing, "Stock.URL")
		}
	case StockBackendFirestore:
		if cfg.Firestore.ProjectID == "" {
			missing = append(missing, "Firestore.ProjectID")
		}
	default:
		missing = append(missing, "Stock.Backend")
	}
	if cfg.Stock.Timeout <= 0 {
		missing = append(missing, "Stock.Timeout")
	}
	if cfg.Stock.ReadRetries < 0 {
		missing = append(missing, "Stock.ReadRetries")
	}
	if cfg.Komoju.SecretKey != "" && !validURL(cfg.Komoju.BaseURL) {
		missing = append(missing, "Komoju.BaseURL")
	}
	if cfg.PubSub.OrderEventsTopic != "" && cfg.PubSub.ProjectID == "" {
		missing = append(missing, "PubSub.ProjectID")
	}

	switch cfg.Idempotency.Backend {
	case IdempotencyBackendMemory:
	case IdempotencyBackendRedis:
		if cfg.Redis.Addr == "" {
			missing = append(missing, "Redis.Addr")
		}
	case IdempotencyBackendFirestore:
		if cfg.Firestore.ProjectID == "" && cfg.Stock.Backend != StockBackendFirestore {
			missing = append(missing, "Firestore.ProjectID")
		}
	default:
		missing = append(missing, "Idempotency.Backend")
	}
	if strings.TrimSpace(cfg.Idempotency.Header) == "" {
		missing = append(missing, "Idempotency.Header")
	}
	if cfg.Idempotency.TTL <= 0 {
		missing = append(missing, "Idempotency.TTL")
	}
	if cfg.Idempotency.CleanupInterval <= 0 {
		missing = append(missing, "Idempotency.CleanupInterval")
	}
	if cfg.Idempotency.CleanupBatchSize <= 0 {
		missing = append(missing, "Idempotency.CleanupBatchSize")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: missing}
	}
	return nil
}

func validURL(raw string) bool {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (parsed.Scheme == "http" || parsed.Scheme == "https") && parsed.Host != ""
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	if len(required) == 0 {
		return nil
	}
	missing := make([]missingSecret, 0, len(required))
	seen := make(map[string]struct{})
	for _, name := range required {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		if value := strings.TrimSpace(resolved[trimmed]); value != "" {
			continue
		}
		missing = append(missing, missingSecret{
			name:     trimmed,
			redacted: redactSecretName(trimmed),
		})
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{secrets: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if strings.HasPrefix(trimmed, "sm://") {
		return "secret://" + strings.TrimPrefix(trimmed, "sm://")
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "export ") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		value = strings.Trim(value, "\"'")
		values[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return fallback
}

func intWithDefault(lookup func(string) (string, bool), key string, fallback int) int {
	if value, ok := lookup(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

func csvWithDefault(lookup func(string) (string, bool), key string) []string {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func firstWithDefault(lookup func(string) (string, bool), keys []string, fallback string) string {
	for _, key := range keys {
		if value, ok := lookup(key); ok && strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return fallback
}

func csvWithFallback(lookup func(string) (string, bool), key string, fallback []string) []string {
	values := csvWithDefault(lookup, key)
	if len(values) == 0 {
		out := make([]string, len(fallback))
		copy(out, fallback)
		return out
	}
	return values
}
