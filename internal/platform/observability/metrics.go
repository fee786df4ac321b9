package observability

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the Prometheus collectors exported by the service. A nil *Metrics is valid and
// records nothing, which keeps tests free of registry setup.
type Metrics struct {
	registry     *prometheus.Registry
	orders       *prometheus.CounterVec
	webhooks     *prometheus.CounterVec
	decrements   *prometheus.CounterVec
	notification *prometheus.CounterVec
	outbound     *prometheus.HistogramVec
	requests     *prometheus.HistogramVec
}

// NewMetrics registers the service collectors on a dedicated registry.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orders_total",
			Help: "Order intake attempts by payment method and outcome.",
		}, []string{"method", "outcome"}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "webhook_events_total",
			Help: "Payment webhook deliveries by provider and outcome.",
		}, []string{"provider", "outcome"}),
		decrements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "stock_decrements_total",
			Help: "Stock ledger decrement results.",
		}, []string{"outcome"}),
		notification: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Notification sends by kind and result.",
		}, []string{"kind", "result"}),
		outbound: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "outbound_request_seconds",
			Help:    "Latency of calls to the stock ledger, payment providers and mail service.",
			Buckets: prometheus.DefBuckets,
		}, []string{"target", "result"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_seconds",
			Help:    "Inbound HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method", "status"}),
	}
	reg.MustRegister(m.orders, m.webhooks, m.decrements, m.notification, m.outbound, m.requests)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveOrder(method, outcome string) {
	if m == nil {
		return
	}
	m.orders.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) ObserveWebhook(provider, outcome string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) ObserveDecrement(outcome string) {
	if m == nil {
		return
	}
	m.decrements.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveNotification(kind string, err error) {
	if m == nil {
		return
	}
	m.notification.WithLabelValues(kind, resultLabel(err)).Inc()
}

func (m *Metrics) ObserveOutbound(target string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.outbound.WithLabelValues(target, resultLabel(err)).Observe(elapsed.Seconds())
}

// InstrumentTransport wraps base so every outbound round trip is observed under target.
func (m *Metrics) InstrumentTransport(target string, base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if m == nil {
		return base
	}
	return outboundTransport{target: target, base: base, metrics: m}
}

type outboundTransport struct {
	target  string
	base    http.RoundTripper
	metrics *Metrics
}

func (t outboundTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	resp, err := t.base.RoundTrip(req)
	observed := err
	if err == nil && resp.StatusCode >= http.StatusInternalServerError {
		observed = errors.New(resp.Status)
	}
	t.metrics.ObserveOutbound(t.target, time.Since(start), observed)
	return resp, err
}

// HTTPMiddleware records request latency labelled by the matched chi route pattern.
func (m *Metrics) HTTPMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			recorder := &statusRecorder{ResponseWriter: w}
			start := time.Now()
			next.ServeHTTP(recorder, r)
			m.requests.WithLabelValues(
				SanitizeRoute(routePattern(r)),
				SanitizeMethod(r.Method),
				strconv.Itoa(recorder.code()),
			).Observe(time.Since(start).Seconds())
		})
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
