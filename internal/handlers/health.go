package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/hamao333333/my-shop-api/internal/domain"
	"github.com/hamao333333/my-shop-api/internal/platform/httpx"
	"github.com/hamao333333/my-shop-api/internal/services"
)

const defaultReadyTimeout = 5 * time.Second

// HealthHandlers serves the liveness and readiness endpoints.
type HealthHandlers struct {
	system       services.SystemService
	build        services.BuildInfo
	clock        func() time.Time
	readyTimeout time.Duration
}

// HealthOption customises HealthHandlers.
type HealthOption func(*HealthHandlers)

// NewHealthHandlers constructs the health endpoints. Without a system service /readyz answers
// like /healthz.
func NewHealthHandlers(opts ...HealthOption) *HealthHandlers {
	h := &HealthHandlers{
		clock:        time.Now,
		readyTimeout: defaultReadyTimeout,
		build:        services.BuildInfo{StartedAt: time.Now().UTC()},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

func WithHealthSystemService(svc services.SystemService) HealthOption {
	return func(h *HealthHandlers) {
		h.system = svc
		if svc != nil {
			h.build = svc.Build()
		}
	}
}

func WithHealthBuildInfo(info services.BuildInfo) HealthOption {
	return func(h *HealthHandlers) { h.build = info }
}

func WithHealthClock(clock func() time.Time) HealthOption {
	return func(h *HealthHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithHealthReadyTimeout bounds the time /readyz spends on dependency checks.
func WithHealthReadyTimeout(timeout time.Duration) HealthOption {
	return func(h *HealthHandlers) {
		if timeout > 0 {
			h.readyTimeout = timeout
		}
	}
}

type buildPayload struct {
	Version     string `json:"version,omitempty"`
	CommitSHA   string `json:"commitSha,omitempty"`
	Environment string `json:"environment,omitempty"`
}

type healthPayload struct {
	Status string `json:"status"`
	buildPayload
	Uptime    string                  `json:"uptime"`
	Timestamp string                  `json:"timestamp"`
	Checks    map[string]checkPayload `json:"checks,omitempty"`
}

type checkPayload struct {
	Status    string `json:"status"`
	Detail    string `json:"detail,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latencyMs"`
}

// Healthz reports process liveness without touching dependencies.
func (h *HealthHandlers) Healthz(w http.ResponseWriter, r *http.Request) {
	now := h.clock().UTC()
	var uptime time.Duration
	if !h.build.StartedAt.IsZero() {
		uptime = now.Sub(h.build.StartedAt)
	}
	httpx.WriteJSON(w, http.StatusOK, healthPayload{
		Status:       domain.HealthStatusOK,
		buildPayload: buildPayload{h.build.Version, h.build.CommitSHA, h.build.Environment},
		Uptime:       uptime.Round(time.Second).String(),
		Timestamp:    now.Format(time.RFC3339),
	})
}

// Readyz runs the dependency checks. A degraded report (an optional dependency such as Redis
// is down) still answers 200 so checkout keeps receiving traffic; error answers 503.
// Dependency error strings are only included with ?verbose=1.
func (h *HealthHandlers) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.system == nil {
		h.Healthz(w, r)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.readyTimeout)
	defer cancel()

	report, err := h.system.HealthReport(ctx)
	if err != nil {
		httpx.WriteError(r.Context(), w, httpx.NewError("health_unavailable", "health report unavailable", http.StatusServiceUnavailable))
		return
	}

	verbose := r.URL.Query().Get("verbose") == "1"
	checks := make(map[string]checkPayload, len(report.Checks))
	for name, check := range report.Checks {
		entry := checkPayload{Status: check.Status, Detail: check.Detail, LatencyMS: check.Latency.Milliseconds()}
		if verbose {
			entry.Error = check.Error
		}
		checks[name] = entry
	}

	ts := report.GeneratedAt
	if ts.IsZero() {
		ts = h.clock()
	}
	status := http.StatusOK
	if report.Status == domain.HealthStatusError {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, healthPayload{
		Status:       report.Status,
		buildPayload: buildPayload{report.Version, report.CommitSHA, report.Environment},
		Uptime:       report.Uptime.Round(time.Second).String(),
		Timestamp:    ts.UTC().Format(time.RFC3339),
		Checks:       checks,
	})
}
