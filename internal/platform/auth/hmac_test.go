package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"
)

type verificationRecord struct {
	kind    string
	success bool
	reason  string
}

type recordingMetrics struct {
	mu      sync.Mutex
	records []verificationRecord
}

func (m *recordingMetrics) RecordVerification(_ context.Context, kind string, success bool, reason string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, verificationRecord{kind: kind, success: success, reason: reason})
}

func TestSignatureVerifier_HexSuccess(t *testing.T) {
	metrics := &recordingMetrics{}
	verifier := NewSignatureVerifier("komoju", "whsec", WithSignatureMetrics(metrics))

	body := []byte(`{"type":"payment.captured","data":{"id":"pay_1"}}`)
	if err := verifier.Verify(context.Background(), body, SignHex("whsec", body)); err != nil {
		t.Fatalf("expected valid signature, got %v", err)
	}

	metrics.mu.Lock()
	defer metrics.mu.Unlock()
	if len(metrics.records) != 1 || !metrics.records[0].success || metrics.records[0].kind != "komoju" {
		t.Fatalf("unexpected metrics %+v", metrics.records)
	}
}

func TestSignatureVerifier_Base64Accepted(t *testing.T) {
	verifier := NewSignatureVerifier("komoju", "whsec")
	body := []byte(`{"type":"ping"}`)
	sig := base64.StdEncoding.EncodeToString(computeHMAC([]byte("whsec"), body))

	if err := verifier.Verify(context.Background(), body, sig); err != nil {
		t.Fatalf("expected base64 signature to verify, got %v", err)
	}
}

func TestSignatureVerifier_RejectsReserialisedBody(t *testing.T) {
	verifier := NewSignatureVerifier("komoju", "whsec")
	signed := []byte(`{"type": "ping"}`)
	received := []byte(`{"type":"ping"}`)

	err := verifier.Verify(context.Background(), received, SignHex("whsec", signed))
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestSignatureVerifier_Errors(t *testing.T) {
	body := []byte(`{}`)
	cases := []struct {
		name     string
		secret   string
		header   string
		expected error
	}{
		{name: "no secret", secret: "", header: SignHex("x", body), expected: ErrSecretNotConfigured},
		{name: "missing header", secret: "whsec", header: "  ", expected: ErrSignatureMissing},
		{name: "garbage", secret: "whsec", header: "not a signature!", expected: ErrSignatureInvalid},
		{name: "wrong secret", secret: "whsec", header: SignHex("other", body), expected: ErrSignatureInvalid},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verifier := NewSignatureVerifier("komoju", tc.secret)
			if err := verifier.Verify(context.Background(), body, tc.header); !errors.Is(err, tc.expected) {
				t.Fatalf("expected %v, got %v", tc.expected, err)
			}
		})
	}
}

func TestSignatureVerifier_Configured(t *testing.T) {
	var nilVerifier *SignatureVerifier
	if nilVerifier.Configured() {
		t.Fatal("nil verifier must not be configured")
	}
	if NewSignatureVerifier("", " ").Configured() {
		t.Fatal("blank secret must not be configured")
	}
	if !NewSignatureVerifier("", "s").Configured() {
		t.Fatal("expected configured verifier")
	}
}

func TestSignatureVerifier_ReportsDurationFromClock(t *testing.T) {
	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	calls := 0
	clock := func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * 5 * time.Millisecond)
	}
	var observed time.Duration
	var reason string
	verifier := NewSignatureVerifier("komoju", "whsec",
		WithSignatureClock(clock),
		WithSignatureMetrics(MetricsRecorderFunc(func(_ context.Context, _ string, _ bool, r string, d time.Duration) {
			observed = d
			reason = r
		})),
	)

	if err := verifier.Verify(context.Background(), []byte(`{}`), "deadbeef"); err == nil {
		t.Fatalf("expected mismatched signature to fail")
	}
	if observed != 5*time.Millisecond {
		t.Fatalf("expected 5ms from injected clock, got %s", observed)
	}
	if reason == "" {
		t.Fatalf("expected failure reason to be recorded")
	}
}
