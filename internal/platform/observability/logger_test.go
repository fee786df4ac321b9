package observability

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/hamao333333/my-shop-api/internal/platform/requestctx"
)

func TestEventLoggerPrefersRequestLogger(t *testing.T) {
	fallbackCore, fallbackLogs := observer.New(zapcore.DebugLevel)
	requestCore, requestLogs := observer.New(zapcore.DebugLevel)

	log := NewEventLogger(zap.New(fallbackCore))
	ctx := requestctx.WithLogger(context.Background(), zap.New(requestCore))
	ctx = requestctx.WithOrderID(ctx, "JL01TEST")

	log(ctx, "intake.accepted", map[string]any{"method": "card"})

	if fallbackLogs.Len() != 0 {
		t.Fatalf("expected fallback logger to stay unused")
	}
	entries := requestLogs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["event"] != "intake.accepted" || fields["orderId"] != "JL01TEST" || fields["method"] != "card" {
		t.Fatalf("unexpected fields %#v", fields)
	}
}

func TestEventLoggerRaisesLevelOnError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	log := NewEventLogger(zap.New(core))

	log(context.Background(), "notify.failed", map[string]any{"error": errors.New("smtp down")})

	entries := logs.All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected a warn entry, got %#v", entries)
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger, err := newLogger("not-a-level")
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug to be disabled at default level")
	}
}
