package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type fakeSecretClient struct {
	mu     sync.Mutex
	values map[string]string
	errs   map[string]error
	calls  map[string]int
}

func newFakeSecretClient() *fakeSecretClient {
	return &fakeSecretClient{values: map[string]string{}, errs: map[string]error{}, calls: map[string]int{}}
}

func (f *fakeSecretClient) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, _ ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := req.GetName()
	f.calls[name]++
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	if value, ok := f.values[name]; ok {
		return &secretmanagerpb.AccessSecretVersionResponse{Payload: &secretmanagerpb.SecretPayload{Data: []byte(value)}}, nil
	}
	return nil, status.Error(codes.NotFound, "not found")
}

func (f *fakeSecretClient) Close() error { return nil }

func (f *fakeSecretClient) set(name, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[name] = value
}

func (f *fakeSecretClient) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func writeLocalFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), DefaultLocalFile)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write local file: %v", err)
	}
	return path
}

func TestResolveCachesSecretManagerValues(t *testing.T) {
	client := newFakeSecretClient()
	resource := "projects/shop/secrets/stripe_secret_key/versions/latest"
	client.set(resource, "sk_live_1")

	fetcher, err := NewFetcher(context.Background(), nil, WithClient(client), WithProject("shop"), WithLogger(zap.NewNop()))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	for i := 0; i < 2; i++ {
		got, err := fetcher.Resolve(context.Background(), "secret://"+StripeSecretKey)
		if err != nil || got != "sk_live_1" {
			t.Fatalf("Resolve #%d = %q, %v", i, got, err)
		}
	}
	if calls := client.count(resource); calls != 1 {
		t.Fatalf("expected one Secret Manager call, got %d", calls)
	}
}

func TestResolveRefetchesAfterCacheTTL(t *testing.T) {
	client := newFakeSecretClient()
	resource := "projects/shop/secrets/komoju_webhook_secret/versions/latest"
	client.set(resource, "whsec-1")

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	fetcher, _ := NewFetcher(context.Background(), nil,
		WithClient(client),
		WithProject("shop"),
		WithCacheTTL(time.Minute),
		WithClock(func() time.Time { return now }),
	)

	if got, _ := fetcher.Resolve(context.Background(), "sm://"+KomojuWebhookSecret); got != "whsec-1" {
		t.Fatalf("expected whsec-1, got %q", got)
	}
	client.set(resource, "whsec-2")

	now = now.Add(30 * time.Second)
	if got, _ := fetcher.Resolve(context.Background(), "secret://"+KomojuWebhookSecret); got != "whsec-1" {
		t.Fatalf("expected cached value before ttl, got %q", got)
	}
	now = now.Add(time.Minute)
	if got, _ := fetcher.Resolve(context.Background(), "secret://"+KomojuWebhookSecret); got != "whsec-2" {
		t.Fatalf("expected rotated value after ttl, got %q", got)
	}
}

func TestResolveHonoursVersions(t *testing.T) {
	client := newFakeSecretClient()
	client.set("projects/shop/secrets/resend_api_key/versions/5", "re_v5")
	client.set("projects/shop/secrets/resend_api_key/versions/7", "re_v7")

	fetcher, _ := NewFetcher(context.Background(), nil,
		WithClient(client),
		WithProject("shop"),
		WithVersionPins(map[string]string{ResendAPIKey: "5", " ": "9"}),
	)

	if got, err := fetcher.Resolve(context.Background(), "secret://"+ResendAPIKey); err != nil || got != "re_v5" {
		t.Fatalf("expected pinned version, got %q, %v", got, err)
	}
	if got, err := fetcher.Resolve(context.Background(), "secret://"+ResendAPIKey+"?version=7"); err != nil || got != "re_v7" {
		t.Fatalf("expected explicit version to win over pin, got %q, %v", got, err)
	}
}

func TestResolveFallsBackToLocalFileWhenUnreachable(t *testing.T) {
	client := newFakeSecretClient()
	client.errs["projects/shop/secrets/resend_api_key/versions/latest"] = status.Error(codes.PermissionDenied, "denied")
	path := writeLocalFile(t, "# dev keys\nresend_api_key = re_local\nsecret://redis_password=hunter2\n")

	fetcher, _ := NewFetcher(context.Background(), nil, WithClient(client), WithProject("shop"), WithLocalFile(path))

	if got, err := fetcher.Resolve(context.Background(), "secret://"+ResendAPIKey); err != nil || got != "re_local" {
		t.Fatalf("expected local value, got %q, %v", got, err)
	}
	client.errs["projects/shop/secrets/redis_password/versions/latest"] = status.Error(codes.Unavailable, "down")
	if got, err := fetcher.Resolve(context.Background(), "secret://"+RedisPassword); err != nil || got != "hunter2" {
		t.Fatalf("expected local redis password, got %q, %v", got, err)
	}
}

func TestResolveDoesNotFallBackWhenSecretIsMissing(t *testing.T) {
	client := newFakeSecretClient()
	path := writeLocalFile(t, "stripe_secret_key=sk_local\n")

	fetcher, _ := NewFetcher(context.Background(), nil, WithClient(client), WithProject("shop"), WithLocalFile(path))

	if _, err := fetcher.Resolve(context.Background(), "secret://"+StripeSecretKey); err == nil {
		t.Fatalf("expected NotFound to surface instead of the local value")
	}
}

func TestResolveWithoutProjectUsesLocalFileOnly(t *testing.T) {
	path := writeLocalFile(t, "komoju_secret_key=sk_local\n")
	fetcher, _ := NewFetcher(context.Background(), nil, WithLocalFile(path))

	if got, err := fetcher.Resolve(context.Background(), "secret://"+KomojuSecretKey); err != nil || got != "sk_local" {
		t.Fatalf("expected local value, got %q, %v", got, err)
	}
	if _, err := fetcher.Resolve(context.Background(), "secret://"+StripeWebhookSecret); err == nil {
		t.Fatalf("expected error for a secret absent from the local file")
	}
}

func TestNewFetcherDialFailureUsesLocalFile(t *testing.T) {
	original := newSecretManagerClient
	newSecretManagerClient = func(context.Context, ...option.ClientOption) (accessClient, error) {
		return nil, errors.New("no credentials")
	}
	t.Cleanup(func() { newSecretManagerClient = original })

	path := writeLocalFile(t, "stripe_webhook_secret=whsec_local\n")
	fetcher, err := NewFetcher(context.Background(), nil, WithProject("shop"), WithLocalFile(path), WithMeter(noop.NewMeterProvider().Meter("test")))
	if err != nil {
		t.Fatalf("NewFetcher: %v", err)
	}
	defer fetcher.Close()

	if got, err := fetcher.Resolve(context.Background(), "secret://"+StripeWebhookSecret); err != nil || got != "whsec_local" {
		t.Fatalf("expected local value, got %q, %v", got, err)
	}
}

func TestLocalFileRejectsMalformedLines(t *testing.T) {
	path := writeLocalFile(t, "stripe_secret_key\n")
	fetcher, _ := NewFetcher(context.Background(), nil, WithLocalFile(path))

	if _, err := fetcher.Resolve(context.Background(), "secret://"+StripeSecretKey); err == nil {
		t.Fatalf("expected parse error for line without '='")
	}
}

func TestParseRef(t *testing.T) {
	ref, err := ParseRef(" sm://stripe_secret_key?version=3 ")
	if err != nil || ref.ID != StripeSecretKey || ref.Version != "3" {
		t.Fatalf("unexpected ref %+v, %v", ref, err)
	}
	for _, raw := range []string{"", "https://stripe_secret_key", "secret://", "secret://a/b", "secret://has space"} {
		if _, err := ParseRef(raw); !errors.Is(err, ErrInvalidReference) {
			t.Fatalf("expected ErrInvalidReference for %q, got %v", raw, err)
		}
	}
}
