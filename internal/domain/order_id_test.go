package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewOrderIDIsPrefixedAndSortable(t *testing.T) {
	earlier := NewOrderID(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), nil)
	later := NewOrderID(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), nil)

	if !strings.HasPrefix(earlier, OrderIDPrefix) {
		t.Fatalf("expected %q prefix, got %s", OrderIDPrefix, earlier)
	}
	if _, err := ulid.ParseStrict(strings.TrimPrefix(earlier, OrderIDPrefix)); err != nil {
		t.Fatalf("expected ulid suffix: %v", err)
	}
	if earlier >= later {
		t.Fatalf("expected %s < %s", earlier, later)
	}
	if NewOrderID(time.Now(), nil) == NewOrderID(time.Now(), nil) {
		t.Fatal("expected distinct ids per submission")
	}
}
