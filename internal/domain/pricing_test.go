package domain

import "testing"

func TestMinorUnitScale(t *testing.T) {
	cases := map[string]int{"JPY": 0, "jpy": 0, "USD": 2, "EUR": 2}
	for code, want := range cases {
		got, err := MinorUnitScale(code)
		if err != nil {
			t.Fatalf("scale %s: %v", code, err)
		}
		if got != want {
			t.Fatalf("scale %s: expected %d got %d", code, want, got)
		}
	}
	if _, err := MinorUnitScale("???"); err == nil {
		t.Fatalf("expected error for unknown currency")
	}
}

func TestToMinorUnitsKeepsZeroDecimalAmounts(t *testing.T) {
	got, err := ToMinorUnits(1200, "JPY")
	if err != nil {
		t.Fatalf("to minor: %v", err)
	}
	if got != 1200 {
		t.Fatalf("expected JPY amount unchanged, got %d", got)
	}

	got, err = ToMinorUnits(12, "USD")
	if err != nil {
		t.Fatalf("to minor: %v", err)
	}
	if got != 1200 {
		t.Fatalf("expected 1200 cents, got %d", got)
	}

	back, err := FromMinorUnits(1200, "JPY")
	if err != nil || back != 1200 {
		t.Fatalf("expected JPY round trip, got %d (%v)", back, err)
	}
}

func TestFormatAmountYen(t *testing.T) {
	if got := FormatAmount(12345, "JPY"); got != "12,345円" {
		t.Fatalf("unexpected format %q", got)
	}
}
