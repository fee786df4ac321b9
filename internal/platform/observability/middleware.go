package observability

import (
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/hamao333333/my-shop-api/internal/platform/httpx"
	"github.com/hamao333333/my-shop-api/internal/platform/requestctx"
)

const defaultSlowRequest = 5 * time.Second

// InjectLoggerMiddleware makes logger the request logger for everything below it.
func InjectLoggerMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(requestctx.WithLogger(r.Context(), logger)))
		})
	}
}

type accessLogConfig struct {
	idempotencyHeader string
	slow              time.Duration
	quiet             map[string]bool
}

// AccessLogOption customises AccessLogMiddleware.
type AccessLogOption func(*accessLogConfig)

// WithIdempotencyHeader names the header whose value is logged as idempotency_key.
func WithIdempotencyHeader(name string) AccessLogOption {
	return func(cfg *accessLogConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.idempotencyHeader = name
		}
	}
}

// WithSlowRequestThreshold raises successful requests slower than d to warn.
func WithSlowRequestThreshold(d time.Duration) AccessLogOption {
	return func(cfg *accessLogConfig) {
		if d > 0 {
			cfg.slow = d
		}
	}
}

// WithQuietRoutes logs successful requests on these route patterns at debug.
func WithQuietRoutes(patterns ...string) AccessLogOption {
	return func(cfg *accessLogConfig) {
		for _, p := range patterns {
			cfg.quiet[p] = true
		}
	}
}

// AccessLogMiddleware writes one line per request. Order intake and webhook requests carry
// the order id, payment provider and outcome recorded by the services through
// requestctx annotations. The request-scoped logger it installs is what EventLogger uses.
func AccessLogMiddleware(opts ...AccessLogOption) func(http.Handler) http.Handler {
	cfg := accessLogConfig{idempotencyHeader: "Idempotency-Key", slow: defaultSlowRequest, quiet: map[string]bool{}}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, notes := requestctx.WithAnnotations(r.Context())
			trace, _ := requestctx.Trace(ctx)

			logger := requestctx.Logger(ctx).With(
				zap.String("request_id", middleware.GetReqID(ctx)),
				zap.String("method", SanitizeMethod(r.Method)),
				zap.String("path", SanitizeRoute(r.URL.Path)),
			)
			if trace.ProjectID != "" && trace.TraceID != "" {
				logger = logger.With(
					zap.String("logging.googleapis.com/trace", fmt.Sprintf("projects/%s/traces/%s", trace.ProjectID, trace.TraceID)),
					zap.String("logging.googleapis.com/spanId", trace.SpanID),
				)
			}
			if key := SanitizeHeaderValue(r.Header.Get(cfg.idempotencyHeader)); key != "" {
				logger = logger.With(zap.String("idempotency_key", key))
			}
			r = r.WithContext(requestctx.WithLogger(ctx, logger))

			rec := &statusRecorder{ResponseWriter: w}
			start := time.Now()
			completed := false
			defer func() {
				status := rec.code()
				if !completed {
					status = http.StatusInternalServerError
				}
				elapsed := time.Since(start)
				route := routePattern(r)

				fields := []zap.Field{
					zap.String("route", SanitizeRoute(route)),
					zap.Int("status", status),
					zap.Duration("latency", elapsed),
					zap.Int64("bytes", rec.written),
					zap.String("remote_ip", clientIP(r)),
				}
				orderID, provider, outcome := notes.Snapshot()
				if orderID != "" {
					fields = append(fields, zap.String("order_id", orderID))
				}
				if provider == "" {
					provider = chi.URLParam(r, "provider")
				}
				if provider != "" {
					fields = append(fields, zap.String("provider", sanitizeString(provider, 32)))
				}
				if outcome != "" {
					fields = append(fields, zap.String("outcome", outcome))
				}

				if ce := logger.Check(accessLevel(status, elapsed, cfg, route), "request completed"); ce != nil {
					ce.Write(fields...)
				}
			}()

			next.ServeHTTP(rec, r)
			completed = true
		})
	}
}

func accessLevel(status int, elapsed time.Duration, cfg accessLogConfig, route string) zapcore.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return zapcore.ErrorLevel
	case status >= http.StatusBadRequest, elapsed >= cfg.slow:
		return zapcore.WarnLevel
	case cfg.quiet[route]:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

// RecoveryMiddleware turns a panic into a 500 JSON error and logs the stack on the request
// logger, or on fallback when none is set.
func RecoveryMiddleware(fallback *zap.Logger) func(http.Handler) http.Handler {
	if fallback == nil {
		fallback = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil || rec == http.ErrAbortHandler {
					if rec != nil {
						panic(rec)
					}
					return
				}
				ctx := r.Context()
				logger := requestctx.Logger(ctx)
				if logger == requestctx.NoopLogger() {
					logger = fallback
				}
				logger.Error("panic recovered",
					zap.String("order_id", requestctx.OrderID(ctx)),
					zap.Any("panic", rec),
					zap.ByteString("stack", debug.Stack()),
				)
				httpx.WriteError(ctx, w, httpx.NewError("internal_error", "internal server error", http.StatusInternalServerError))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if r.URL != nil && r.URL.Path != "" {
		return r.URL.Path
	}
	return "/"
}

func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	return sanitizeString(addr, 64)
}

type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (s *statusRecorder) WriteHeader(status int) {
	if s.status == 0 {
		s.status = status
	}
	s.ResponseWriter.WriteHeader(status)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.written += int64(n)
	return n, err
}

func (s *statusRecorder) code() int {
	if s.status == 0 {
		return http.StatusOK
	}
	return s.status
}
