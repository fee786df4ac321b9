package handlers

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/hamao333333/my-shop-api/internal/platform/httpx"
)

// clientLimiter hands out one token bucket per client. A bucket holds limit tokens and refills
// at limit per window, so a client may burst up to limit and then sustain the configured rate.
type clientLimiter struct {
	every rate.Limit
	burst int
	idle  time.Duration
	clock func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

func newClientLimiter(limit int, window time.Duration, clock func() time.Time) *clientLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &clientLimiter{
		every:   rate.Limit(float64(limit) / window.Seconds()),
		burst:   limit,
		idle:    2 * window,
		clock:   clock,
		buckets: make(map[string]*bucket),
	}
}

// take spends one token for key. When the bucket is empty it reports how long until the next
// token without consuming anything.
func (l *clientLimiter) take(key string) (bool, time.Duration) {
	if key == "" {
		key = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.every, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now

	res := b.limiter.ReserveN(now, 1)
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return false, delay.Round(time.Millisecond)
	}
	return true, 0
}

func (l *clientLimiter) sweep(now time.Time) {
	if now.Sub(l.lastSweep) < l.idle {
		return
	}
	l.lastSweep = now
	for key, b := range l.buckets {
		if now.Sub(b.seen) > l.idle {
			delete(l.buckets, key)
		}
	}
}

// RateLimitMiddleware caps requests per client IP: up to limit at once, refilled at limit per
// window. A non-positive limit disables it. Place it after middleware.RealIP so RemoteAddr
// carries the forwarded client address.
func RateLimitMiddleware(scope string, limit int, window time.Duration, clock func() time.Time) func(http.Handler) http.Handler {
	limiter := newClientLimiter(limit, window, clock)
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ok, wait := limiter.take(scope + "|" + clientIP(r)); !ok {
				httpx.WriteError(r.Context(), w, httpx.NewError("rate_limited", "too many requests", http.StatusTooManyRequests).WithRetryAfter(wait))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	addr := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
