package requestctx

import (
	"context"
	"testing"

	"go.uber.org/zap"
)

func TestAnnotationsSeeValuesSetDownstream(t *testing.T) {
	ctx, notes := WithAnnotations(context.Background())

	// Services derive child contexts; the annotations pointer is shared with the parent.
	child := WithOrderID(ctx, "JL01")
	AnnotateProvider(child, "komoju")
	AnnotateOutcome(child, "paid")

	orderID, provider, outcome := notes.Snapshot()
	if orderID != "JL01" || provider != "komoju" || outcome != "paid" {
		t.Fatalf("unexpected annotations %q %q %q", orderID, provider, outcome)
	}
	if OrderID(child) != "JL01" || OrderID(ctx) != "" {
		t.Fatalf("order id must only be visible on the derived context")
	}
}

func TestAnnotateWithoutAnnotationsIsNoop(t *testing.T) {
	ctx := WithOrderID(context.Background(), "JL02")
	AnnotateOutcome(ctx, "paid")

	var notes *Annotations
	if id, _, _ := notes.Snapshot(); id != "" {
		t.Fatalf("nil annotations should be empty")
	}
	if OrderID(ctx) != "JL02" {
		t.Fatalf("expected order id on context")
	}
}

func TestLoggerDefaultsToNoop(t *testing.T) {
	if Logger(context.Background()) != NoopLogger() {
		t.Fatalf("expected noop logger")
	}
	logger := zap.NewExample()
	if Logger(WithLogger(context.Background(), logger)) != logger {
		t.Fatalf("expected stored logger")
	}
	if Logger(WithLogger(context.Background(), nil)) != NoopLogger() {
		t.Fatalf("nil logger should fall back to noop")
	}
}
