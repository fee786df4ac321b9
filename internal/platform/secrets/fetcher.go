package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	meterName       = "github.com/hamao333333/my-shop-api/internal/platform/secrets"
	defaultCacheTTL = 10 * time.Minute
)

// Resolution sources, recorded on the latency histogram.
const (
	sourceCache  = "cache"
	sourceRemote = "secret_manager"
	sourceLocal  = "local_file"
	sourceError  = "error"
)

var newSecretManagerClient = func(ctx context.Context, opts ...option.ClientOption) (accessClient, error) {
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type accessClient interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Fetcher resolves secret references for config.Load. Values are cached for a TTL. When Secret
// Manager is unreachable or refuses access, the local file is consulted; a missing secret is
// an error and never falls back.
type Fetcher struct {
	client     accessClient
	ownsClient bool
	project    string
	pins       map[string]string
	localPath  string
	logger     *zap.Logger
	ttl        time.Duration
	now        func() time.Time

	localOnce sync.Once
	local     map[string]string
	localErr  error

	mu    sync.Mutex
	cache map[string]cached

	latency metric.Float64Histogram
}

type cached struct {
	value     string
	fetchedAt time.Time
}

// Option customises a Fetcher.
type Option func(*Fetcher)

// WithProject sets the Google Cloud project holding the shop's secrets. Without a project
// only the local file is used.
func WithProject(projectID string) Option {
	return func(f *Fetcher) { f.project = strings.TrimSpace(projectID) }
}

// WithVersionPins pins secret ids to explicit versions; unpinned ids use latest.
func WithVersionPins(pins map[string]string) Option {
	return func(f *Fetcher) {
		for id, version := range pins {
			id, version = strings.TrimSpace(id), strings.TrimSpace(version)
			if id != "" && version != "" {
				f.pins[id] = version
			}
		}
	}
}

// WithLocalFile overrides DefaultLocalFile. An empty path disables the local fallback.
func WithLocalFile(path string) Option {
	return func(f *Fetcher) { f.localPath = strings.TrimSpace(path) }
}

func WithLogger(logger *zap.Logger) Option {
	return func(f *Fetcher) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithCacheTTL bounds how long a value is reused. Non-positive values cache for the process
// lifetime.
func WithCacheTTL(ttl time.Duration) Option {
	return func(f *Fetcher) { f.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(f *Fetcher) {
		if now != nil {
			f.now = now
		}
	}
}

// WithMeter records resolution latency on m instead of the global meter provider.
func WithMeter(m metric.Meter) Option {
	return func(f *Fetcher) {
		if m != nil {
			f.latency = newLatencyHistogram(m, f.logger)
		}
	}
}

// WithClient injects a Secret Manager client; the Fetcher does not close it.
func WithClient(client accessClient) Option {
	return func(f *Fetcher) { f.client = client }
}

// NewFetcher builds a Fetcher. When no client is injected and a project is set, one is dialled
// with clientOpts; dial failures leave the Fetcher on the local file.
func NewFetcher(ctx context.Context, clientOpts []option.ClientOption, opts ...Option) (*Fetcher, error) {
	f := &Fetcher{
		pins:      map[string]string{},
		localPath: DefaultLocalFile,
		logger:    zap.NewNop(),
		ttl:       defaultCacheTTL,
		now:       time.Now,
		cache:     map[string]cached{},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.latency == nil {
		f.latency = newLatencyHistogram(otel.GetMeterProvider().Meter(meterName), f.logger)
	}

	if f.client == nil && f.project != "" {
		client, err := newSecretManagerClient(ctx, clientOpts...)
		if err != nil {
			f.logger.Warn("secret manager unavailable; using local secrets file", zap.String("path", f.localPath), zap.Error(err))
		} else {
			f.client = client
			f.ownsClient = true
		}
	}
	return f, nil
}

func newLatencyHistogram(m metric.Meter, logger *zap.Logger) metric.Float64Histogram {
	h, err := m.Float64Histogram("secrets.resolve.duration",
		metric.WithUnit("ms"),
		metric.WithDescription("Time to resolve a secret reference, by source"),
	)
	if err != nil {
		logger.Warn("secrets: latency histogram unavailable", zap.Error(err))
		return nil
	}
	return h
}

// Close releases the Secret Manager client when the Fetcher dialled it.
func (f *Fetcher) Close() error {
	if f.ownsClient && f.client != nil {
		return f.client.Close()
	}
	return nil
}

// Resolve returns the value behind ref. It has the config.SecretResolverFunc signature.
func (f *Fetcher) Resolve(ctx context.Context, raw string) (string, error) {
	start := f.now()
	ref, err := ParseRef(raw)
	if err != nil {
		return "", err
	}
	if ref.Version == "" {
		ref.Version = f.pinnedVersion(ref.ID)
	}
	key := ref.String()

	if value, ok := f.fromCache(key); ok {
		f.observe(ctx, ref, sourceCache, start)
		return value, nil
	}

	if f.client != nil && f.project != "" {
		value, err := f.access(ctx, ref)
		switch {
		case err == nil:
			f.store(key, value)
			f.observe(ctx, ref, sourceRemote, start)
			return value, nil
		case !unreachable(err):
			f.observe(ctx, ref, sourceError, start)
			return "", fmt.Errorf("secrets: %s: %w", ref.ID, err)
		}
		f.logger.Debug("secret manager refused; trying local file", zap.String("secret", ref.ID), zap.Error(err))
	}

	value, err := f.fromLocal(ref)
	if err != nil {
		f.observe(ctx, ref, sourceError, start)
		return "", err
	}
	f.store(key, value)
	f.observe(ctx, ref, sourceLocal, start)
	return value, nil
}

func (f *Fetcher) pinnedVersion(id string) string {
	if version, ok := f.pins[id]; ok {
		return version
	}
	return latestVersion
}

func (f *Fetcher) fromCache(key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.cache[key]
	if !ok || (f.ttl > 0 && f.now().Sub(entry.fetchedAt) >= f.ttl) {
		return "", false
	}
	return entry.value, true
}

func (f *Fetcher) store(key, value string) {
	f.mu.Lock()
	f.cache[key] = cached{value: value, fetchedAt: f.now()}
	f.mu.Unlock()
}

func (f *Fetcher) access(ctx context.Context, ref Ref) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/%s", f.project, ref.ID, ref.Version)
	resp, err := f.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: name})
	if err != nil {
		return "", err
	}
	if resp.GetPayload() == nil {
		return "", errors.New("empty payload")
	}
	return string(resp.GetPayload().GetData()), nil
}

func (f *Fetcher) fromLocal(ref Ref) (string, error) {
	f.localOnce.Do(func() {
		f.local, f.localErr = readLocalFile(f.localPath)
	})
	if f.localErr != nil {
		return "", f.localErr
	}
	if value, ok := f.local[ref.String()]; ok {
		return value, nil
	}
	return "", fmt.Errorf("secrets: %s not found in Secret Manager or %s", ref.ID, f.localPath)
}

func (f *Fetcher) observe(ctx context.Context, ref Ref, source string, start time.Time) {
	if f.latency == nil {
		return
	}
	elapsed := float64(f.now().Sub(start)) / float64(time.Millisecond)
	f.latency.Record(ctx, elapsed, metric.WithAttributes(
		attribute.String("secret", ref.ID),
		attribute.String("source", source),
	))
}

// unreachable reports Secret Manager answers that mean "cannot ask", not "does not exist".
func unreachable(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	return false
}
