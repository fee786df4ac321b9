package firestore

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"

	"github.com/hamao333333/my-shop-api/internal/platform/config"
)

func TestProviderRetriesFailedDialAndReusesClient(t *testing.T) {
	p := NewProvider(config.FirestoreConfig{ProjectID: "shop-test", EmulatorHost: "127.0.0.1:8681"})
	dials := 0
	p.dial = func(ctx context.Context, projectID string, opts ...option.ClientOption) (*firestore.Client, error) {
		dials++
		if dials == 1 {
			return nil, errors.New("connection refused")
		}
		if projectID != "shop-test" {
			t.Fatalf("unexpected project %q", projectID)
		}
		return firestore.NewClient(ctx, projectID, opts...)
	}

	if _, err := p.Client(context.Background()); err == nil {
		t.Fatalf("expected first dial to fail")
	}
	first, err := p.Client(context.Background())
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	second, err := p.Client(context.Background())
	if err != nil || second != first {
		t.Fatalf("expected the cached client, got %p %v", second, err)
	}
	if dials != 2 {
		t.Fatalf("expected two dials, got %d", dials)
	}

	if err := p.Close(context.Background()); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := p.Client(context.Background()); !errors.Is(err, ErrProviderClosed) {
		t.Fatalf("expected ErrProviderClosed, got %v", err)
	}
}

func TestProviderRequiresProject(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "")
	p := NewProvider(config.FirestoreConfig{})
	if _, err := p.Client(context.Background()); err == nil {
		t.Fatalf("expected missing project to fail")
	}
}

func TestNewProviderFallsBackToEnvironment(t *testing.T) {
	t.Setenv("GOOGLE_CLOUD_PROJECT", "env-project")
	t.Setenv("FIRESTORE_EMULATOR_HOST", "localhost:8080")
	p := NewProvider(config.FirestoreConfig{})
	if p.projectID != "env-project" || p.emulator != "localhost:8080" {
		t.Fatalf("unexpected provider %q %q", p.projectID, p.emulator)
	}
}
