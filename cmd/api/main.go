package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v78"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hamao333333/my-shop-api/internal/handlers"
	"github.com/hamao333333/my-shop-api/internal/notifications"
	"github.com/hamao333333/my-shop-api/internal/payments"
	"github.com/hamao333333/my-shop-api/internal/platform/auth"
	"github.com/hamao333333/my-shop-api/internal/platform/config"
	pfirestore "github.com/hamao333333/my-shop-api/internal/platform/firestore"
	"github.com/hamao333333/my-shop-api/internal/platform/idempotency"
	"github.com/hamao333333/my-shop-api/internal/platform/jobs"
	"github.com/hamao333333/my-shop-api/internal/platform/observability"
	"github.com/hamao333333/my-shop-api/internal/platform/secrets"
	"github.com/hamao333333/my-shop-api/internal/repositories"
	"github.com/hamao333333/my-shop-api/internal/repositories/firestore"
	"github.com/hamao333333/my-shop-api/internal/repositories/stockapi"
	"github.com/hamao333333/my-shop-api/internal/services"
)

const (
	idempotencyCollection = "idempotencyKeys"
	rejectionMarkerTTL    = 30 * 24 * time.Hour
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	logger = logger.With(zap.String("environment", buildInfo.Environment), zap.String("version", buildInfo.Version))

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(cfg.Observability.MetricsNamespace)
	}

	// Firestore backs the stock ledger and idempotency store when selected; the client is
	// dialled lazily so shops on the HTTP ledger never touch it.
	var firestoreProvider *pfirestore.Provider
	if cfg.Stock.Backend == config.StockBackendFirestore || cfg.Idempotency.Backend == config.IdempotencyBackendFirestore {
		providerOpts := []pfirestore.ProviderOption{pfirestore.WithDialTimeout(cfg.Stock.Timeout)}
		if credentialsFile := strings.TrimSpace(envValues["API_GOOGLE_CREDENTIALS_FILE"]); credentialsFile != "" {
			providerOpts = append(providerOpts, pfirestore.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
		}
		firestoreProvider = pfirestore.NewProvider(cfg.Firestore, providerOpts...)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := firestoreProvider.Close(closeCtx); err != nil {
				logger.Warn("firestore close error", zap.Error(err))
			}
		}()
	}

	var redisClient *redis.Client
	if cfg.Idempotency.Backend == config.IdempotencyBackendRedis {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	ledger, ledgerPing, err := newStockLedger(cfg, firestoreProvider, metrics)
	if err != nil {
		logger.Fatal("failed to initialise stock ledger", zap.Error(err))
	}

	gateway, err := newPaymentGateway(cfg, logger, metrics)
	if err != nil {
		logger.Fatal("failed to initialise payment gateway", zap.Error(err))
	}

	mailer, err := newMailer(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise mailer", zap.Error(err))
	}
	dispatcher, err := notifications.NewDispatcher(notifications.DispatcherDeps{
		Mailer:     mailer,
		ShopName:   cfg.Shop.Name,
		AdminEmail: cfg.Mail.AdminEmail,
		Timeout:    cfg.Mail.Timeout,
		Metrics:    metricsOrNil(metrics),
		Logger:     observability.NewEventLogger(logger.Named("notifications")),
	})
	if err != nil {
		logger.Fatal("failed to initialise notification dispatcher", zap.Error(err))
	}

	var events services.OrderEventPublisher
	if topicID := strings.TrimSpace(cfg.PubSub.OrderEventsTopic); topicID != "" {
		pubsubClient, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		publisher, err := jobs.NewPubSubOrderEventPublisher(pubsubClient.Topic(topicID))
		if err != nil {
			logger.Fatal("failed to initialise order event publisher", zap.Error(err))
		}
		defer publisher.Stop()
		events = publisher
	}

	intakeDeps := services.OrderIntakeServiceDeps{
		Ledger:   ledger,
		Notifier: dispatcher,
		Events:   events,
		Shop: services.ShopSettings{
			Currency:       cfg.Shop.Currency,
			ShippingFee:    cfg.Shop.ShippingFee,
			MaxLines:       cfg.Shop.MaxLines,
			MaxFieldLength: cfg.Shop.MaxFieldLength,
			MaxNotesLength: cfg.Shop.MaxNotesLength,
		},
		Clock:  time.Now,
		Logger: observability.NewEventLogger(logger.Named("intake")),
	}
	if gateway != nil {
		intakeDeps.Payments = gateway
	}
	if metrics != nil {
		intakeDeps.Metrics = metrics
	}
	intakeService, err := services.NewOrderIntakeService(intakeDeps)
	if err != nil {
		logger.Fatal("failed to initialise order intake service", zap.Error(err))
	}

	idempotencyStore, err := newIdempotencyStore(cfg, firestoreProvider, redisClient)
	if err != nil {
		logger.Fatal("failed to initialise idempotency store", zap.Error(err))
	}

	var webhookHandlers *handlers.WebhookHandlers
	var sessionHandlers *handlers.PaymentSessionHandlers
	if gateway != nil {
		webhookDeps := services.PaymentWebhookServiceDeps{
			Providers:  gateway,
			Ledger:     ledger,
			Notifier:   dispatcher,
			Events:     events,
			Rejections: idempotency.NewOnceMarker(idempotencyStore, "stock_rejected", rejectionMarkerTTL),
			Clock:      time.Now,
			Logger:     observability.NewEventLogger(logger.Named("webhooks")),
		}
		if metrics != nil {
			webhookDeps.Metrics = metrics
		}
		webhookService, err := services.NewPaymentWebhookService(webhookDeps)
		if err != nil {
			logger.Fatal("failed to initialise webhook service", zap.Error(err))
		}
		webhookHandlers = handlers.NewWebhookHandlers(webhookService, cfg.Server.MaxBodyBytes)
		sessionHandlers = handlers.NewPaymentSessionHandlers(gateway)
	} else {
		logger.Warn("no payment provider configured; only offline payment methods are accepted")
	}

	systemService, err := newSystemService(ledgerPing, firestoreProvider, redisClient, buildInfo)
	if err != nil {
		logger.Fatal("failed to initialise system service", zap.Error(err))
	}

	idempotencyMiddleware := idempotency.Middleware(idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithMaxBodySize(cfg.Server.MaxBodyBytes),
		idempotency.WithLogger(logger.Named("idempotency")),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	var cleanupTicker *time.Ticker
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupTicker = time.NewTicker(cfg.Idempotency.CleanupInterval)
		cleanupLogger := logger.Named("idempotency_cleanup")
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			for {
				select {
				case <-cleanupCtx.Done():
					return
				case <-cleanupTicker.C:
					removed, err := idempotencyStore.CleanupExpired(cleanupCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
					if err != nil {
						cleanupLogger.Warn("idempotency cleanup failed", zap.Error(err))
						continue
					}
					if removed > 0 {
						cleanupLogger.Debug("idempotency cleanup removed expired keys", zap.Int("removed", removed))
					}
				}
			}
		}()
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(cfg.Observability.TraceProjectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.AccessLogMiddleware(
			observability.WithIdempotencyHeader(cfg.Idempotency.Header),
			observability.WithQuietRoutes("/healthz", "/readyz"),
		),
		metrics.HTTPMiddleware(),
	}

	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthSystemService(systemService),
		handlers.WithHealthReadyTimeout(5*time.Second),
	)
	orderHandlers := handlers.NewOrderHandlers(intakeService, cfg.Server.MaxBodyBytes)

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithRequestTimeout(cfg.Server.RequestTimeout),
		handlers.WithCORS(cfg.Shop.AllowedOrigins),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithOrderMiddlewares(
			handlers.RateLimitMiddleware("orders", cfg.RateLimits.OrdersPerMinute, time.Minute, nil),
			idempotencyMiddleware,
		),
		handlers.WithWebhookMiddlewares(
			handlers.RateLimitMiddleware("webhooks", cfg.RateLimits.WebhooksPerMinute, time.Minute, nil),
		),
	}
	if webhookHandlers != nil {
		opts = append(opts, handlers.WithWebhookRoutes(webhookHandlers.Routes))
	}
	if sessionHandlers != nil {
		opts = append(opts, handlers.WithPaymentSessionRoutes(sessionHandlers.Routes))
	}
	if metrics != nil {
		opts = append(opts, handlers.WithMetricsHandler(metrics.Handler()))
	}

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("shop api listening",
			zap.String("stockBackend", cfg.Stock.Backend),
			zap.Strings("paymentProviders", providerNames(gateway)),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	if cleanupTicker != nil {
		cleanupTicker.Stop()
	}
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

type pinger interface {
	Ping(ctx context.Context) error
}

func newStockLedger(cfg config.Config, provider *pfirestore.Provider, metrics *observability.Metrics) (repositories.StockLedger, pinger, error) {
	switch cfg.Stock.Backend {
	case config.StockBackendFirestore:
		if provider == nil {
			return nil, nil, errors.New("stock: firestore provider is required")
		}
		ledger, err := firestore.NewStockLedger(provider, time.Now)
		if err != nil {
			return nil, nil, err
		}
		return ledger, ledger, nil
	default:
		httpClient := &http.Client{
			Timeout:   cfg.Stock.Timeout,
			Transport: metrics.InstrumentTransport("stock", nil),
		}
		client, err := stockapi.NewClient(cfg.Stock.URL,
			stockapi.WithHTTPClient(httpClient),
			stockapi.WithTimeout(cfg.Stock.Timeout),
			stockapi.WithReadRetries(cfg.Stock.ReadRetries, cfg.Stock.RetryBackoff),
		)
		if err != nil {
			return nil, nil, err
		}
		return client, client, nil
	}
}

// newPaymentGateway returns nil when neither provider carries credentials.
func newPaymentGateway(cfg config.Config, logger *zap.Logger, metrics *observability.Metrics) (*payments.Gateway, error) {
	var providers []payments.Provider

	if strings.TrimSpace(cfg.Stripe.SecretKey) != "" {
		stripeHTTP := &http.Client{
			Timeout:   cfg.Stripe.Timeout,
			Transport: metrics.InstrumentTransport("stripe", nil),
		}
		backendConfig := &stripe.BackendConfig{HTTPClient: stripeHTTP}
		provider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:        cfg.Stripe.SecretKey,
			WebhookSecret: cfg.Stripe.WebhookSecret,
			SuccessURL:    cfg.Stripe.SuccessURL,
			CancelURL:     cfg.Stripe.CancelURL,
			Timeout:       cfg.Stripe.Timeout,
			Backends: &stripe.Backends{
				API:     stripe.GetBackendWithConfig(stripe.APIBackend, backendConfig),
				Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendConfig),
				Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendConfig),
			},
			Logger: payments.StripeLogger(observability.NewEventLogger(logger.Named("stripe"))),
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}

	if strings.TrimSpace(cfg.Komoju.SecretKey) != "" {
		verifierLogger := logger.Named("komoju_signature")
		verifier := auth.NewSignatureVerifier("komoju", cfg.Komoju.WebhookSecret,
			auth.WithSignatureMetrics(auth.MetricsRecorderFunc(func(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
				if success {
					return
				}
				verifierLogger.Warn("webhook signature rejected",
					zap.String("kind", kind),
					zap.String("reason", reason),
					zap.Duration("duration", duration),
				)
			})),
		)
		provider, err := payments.NewKomojuProvider(payments.KomojuProviderConfig{
			SecretKey:    cfg.Komoju.SecretKey,
			BaseURL:      cfg.Komoju.BaseURL,
			ReturnURL:    cfg.Komoju.ReturnURL,
			PaymentTypes: cfg.Komoju.PaymentTypes,
			Timeout:      cfg.Komoju.Timeout,
			HTTPClient: &http.Client{
				Timeout:   cfg.Komoju.Timeout,
				Transport: metrics.InstrumentTransport("komoju", nil),
			},
			Verifier: verifier,
			Logger:   payments.KomojuLogger(observability.NewEventLogger(logger.Named("komoju"))),
		})
		if err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}

	if len(providers) == 0 {
		return nil, nil
	}
	return payments.NewGateway(providers)
}

func newMailer(cfg config.Config, logger *zap.Logger) (notifications.Mailer, error) {
	if strings.TrimSpace(cfg.Mail.ResendAPIKey) == "" {
		logger.Warn("mail api key not configured; notifications are logged only")
		return notifications.NewLogMailer(logger.Named("mail")), nil
	}
	return notifications.NewResendMailer(cfg.Mail.ResendAPIKey, cfg.Mail.From)
}

func newIdempotencyStore(cfg config.Config, provider *pfirestore.Provider, client *redis.Client) (idempotency.Store, error) {
	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendRedis:
		if client == nil {
			return nil, errors.New("idempotency: redis client is required")
		}
		return idempotency.NewRedisStore(client), nil
	case config.IdempotencyBackendFirestore:
		if provider == nil {
			return nil, errors.New("idempotency: firestore provider is required")
		}
		return idempotency.NewFirestoreStore(provider, idempotencyCollection), nil
	default:
		return idempotency.NewMemoryStore(), nil
	}
}

func newSystemService(ledger pinger, provider *pfirestore.Provider, client *redis.Client, build services.BuildInfo) (services.SystemService, error) {
	checks := []repositories.DependencyCheck{
		{
			Name:     "stock_ledger",
			Critical: true,
			Timeout:  3 * time.Second,
			Check:    ledger.Ping,
		},
	}
	if provider != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "firestore",
			Critical: true,
			Timeout:  1500 * time.Millisecond,
			Check:    provider.Ping,
		})
	}
	if client != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "redis",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
		})
	}
	repo, err := repositories.NewDependencyHealthRepository(checks, repositories.WithDependencyTimeout(3*time.Second))
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		Health:   repo,
		Clock:    time.Now,
		Build:    build,
		CacheFor: 2 * time.Second,
	})
}

// metricsOrNil avoids handing a typed nil *Metrics to interfaces that check for nil.
func metricsOrNil(m *observability.Metrics) notifications.Metrics {
	if m == nil {
		return nil
	}
	return m
}

func providerNames(gateway *payments.Gateway) []string {
	if gateway == nil {
		return nil
	}
	return gateway.Names()
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Observability.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIRESTORE_PROJECT_ID")
	}
	opts := []secrets.Option{
		secrets.WithProject(project),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithVersionPins(secretVersionPinsFromEnv(env)),
	}
	if path, ok := env["API_SECRET_LOCAL_FILE"]; ok {
		opts = append(opts, secrets.WithLocalFile(path))
	}

	var clientOpts []option.ClientOption
	if credentialsFile := lookup("API_GOOGLE_CREDENTIALS_FILE"); credentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(credentialsFile))
	}
	return secrets.NewFetcher(ctx, clientOpts, opts...)
}

// requiredSecretNames requires the webhook secret of every provider whose API key is set, and
// the mail key outside local development.
func requiredSecretNames(env map[string]string) []string {
	present := func(keys ...string) bool {
		for _, key := range keys {
			if strings.TrimSpace(env[key]) != "" {
				return true
			}
		}
		return false
	}

	var required []string
	if present("API_STRIPE_SECRET_KEY", "STRIPE_SECRET_KEY") {
		required = append(required, "Stripe.SecretKey", "Stripe.WebhookSecret")
	}
	if present("API_KOMOJU_SECRET_KEY", "KOMOJU_SECRET_KEY") {
		required = append(required, "Komoju.SecretKey", "Komoju.WebhookSecret")
	}
	switch strings.ToLower(strings.TrimSpace(env["API_ENVIRONMENT"])) {
	case "", "local", "dev", "test":
	default:
		required = append(required, "Mail.ResendAPIKey")
	}
	return uniqueStrings(required)
}

// secretVersionPinsFromEnv reads API_SECRET_VERSION_PINS ("stripe_secret_key=5,...").
// Keys may be written as references.
func secretVersionPinsFromEnv(env map[string]string) map[string]string {
	pins := make(map[string]string)
	for key, version := range parseKeyValueList(env["API_SECRET_VERSION_PINS"]) {
		if !strings.Contains(key, "://") {
			key = "secret://" + key
		}
		ref, err := secrets.ParseRef(key)
		if err != nil {
			continue
		}
		pins[ref.ID] = version
	}
	return pins
}

func parseKeyValueList(raw string) map[string]string {
	result := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return result
	}
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}
