package idempotency

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

const onceFingerprint = "once"

// OnceMarker records that a side effect keyed by an arbitrary string has happened, reusing
// an idempotency Store so markers share the deployment's backend.
type OnceMarker struct {
	store  Store
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// NewOnceMarker builds a marker whose keys are namespaced by prefix. A non-positive ttl
// falls back to DefaultTTL.
func NewOnceMarker(store Store, prefix string, ttl time.Duration) *OnceMarker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &OnceMarker{
		store:  store,
		prefix: strings.TrimSuffix(prefix, ":") + ":",
		ttl:    ttl,
		now:    time.Now,
	}
}

// First reports whether this call is the first for key within the ttl. Only the first caller
// gets true; concurrent and later callers get false.
func (m *OnceMarker) First(ctx context.Context, key string) (bool, error) {
	if m == nil || m.store == nil {
		return false, errors.New("idempotency: once marker not configured")
	}
	key = m.prefix + strings.TrimSpace(key)
	now := m.now()
	reservation, err := m.store.Reserve(ctx, key, onceFingerprint, now, m.ttl)
	if err != nil {
		return false, err
	}
	if reservation.State != ReservationStateNew {
		return false, nil
	}
	if err := m.store.SaveResponse(ctx, key, onceFingerprint, Response{Status: http.StatusOK}, now, m.ttl); err != nil {
		return true, err
	}
	return true, nil
}
