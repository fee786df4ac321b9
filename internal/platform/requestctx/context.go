// Package requestctx carries per-request values (logger, trace, order annotations) through
// context.
package requestctx

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type ctxKey int

const (
	loggerKey ctxKey = iota
	traceKey
	orderKey
	annotationsKey
)

var noopLogger = zap.NewNop()

// TraceInfo is the Cloud Trace view of the current span.
type TraceInfo struct {
	TraceID   string
	SpanID    string
	Sampled   bool
	ProjectID string
}

// WithLogger stores logger on ctx. A nil logger stores the shared no-op logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = noopLogger
	}
	return context.WithValue(orBackground(ctx), loggerKey, logger)
}

// Logger returns the logger stored by WithLogger, or NoopLogger.
func Logger(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey).(*zap.Logger); ok && logger != nil {
			return logger
		}
	}
	return noopLogger
}

// NoopLogger is the sentinel Logger returns when no request logger is set.
func NoopLogger() *zap.Logger { return noopLogger }

func WithTrace(ctx context.Context, info TraceInfo) context.Context {
	return context.WithValue(orBackground(ctx), traceKey, info)
}

func Trace(ctx context.Context) (TraceInfo, bool) {
	if ctx == nil {
		return TraceInfo{}, false
	}
	info, ok := ctx.Value(traceKey).(TraceInfo)
	return info, ok
}

func TraceID(ctx context.Context) string {
	info, _ := Trace(ctx)
	return info.TraceID
}

// Annotations collects what the request turned out to be about: the order it created or
// settled, the payment provider involved, and the business outcome. Services fill it in; the
// access log reads it after the handler returns.
type Annotations struct {
	mu       sync.Mutex
	orderID  string
	provider string
	outcome  string
}

// WithAnnotations installs an empty Annotations on ctx.
func WithAnnotations(ctx context.Context) (context.Context, *Annotations) {
	a := &Annotations{}
	return context.WithValue(orBackground(ctx), annotationsKey, a), a
}

func annotations(ctx context.Context) *Annotations {
	if ctx == nil {
		return nil
	}
	a, _ := ctx.Value(annotationsKey).(*Annotations)
	return a
}

// Snapshot returns the recorded values.
func (a *Annotations) Snapshot() (orderID, provider, outcome string) {
	if a == nil {
		return "", "", ""
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.orderID, a.provider, a.outcome
}

// WithOrderID scopes ctx to an order and records it on the request annotations, if any.
func WithOrderID(ctx context.Context, orderID string) context.Context {
	if a := annotations(ctx); a != nil {
		a.mu.Lock()
		a.orderID = orderID
		a.mu.Unlock()
	}
	return context.WithValue(orBackground(ctx), orderKey, orderID)
}

func OrderID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(orderKey).(string)
	return id
}

// AnnotateProvider records the payment provider handling the request.
func AnnotateProvider(ctx context.Context, provider string) {
	if a := annotations(ctx); a != nil {
		a.mu.Lock()
		a.provider = provider
		a.mu.Unlock()
	}
}

// AnnotateOutcome records the business result, e.g. "awaiting_payment" or "stock_rejected".
func AnnotateOutcome(ctx context.Context, outcome string) {
	if a := annotations(ctx); a != nil {
		a.mu.Lock()
		a.outcome = outcome
		a.mu.Unlock()
	}
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
