package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"time"
)

var (
	// ErrSecretNotConfigured indicates the verifier has no signing secret.
	ErrSecretNotConfigured = errors.New("auth: signing secret not configured")
	// ErrSignatureMissing indicates the signature header was absent or blank.
	ErrSignatureMissing = errors.New("auth: signature missing")
	// ErrSignatureInvalid indicates the signature could not be decoded or did not match.
	ErrSignatureInvalid = errors.New("auth: signature invalid")
)

// MetricsRecorder records verification outcomes for observability.
type MetricsRecorder interface {
	RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration)
}

// MetricsRecorderFunc adapts a function to MetricsRecorder.
type MetricsRecorderFunc func(context.Context, string, bool, string, time.Duration)

// RecordVerification implements MetricsRecorder.
func (f MetricsRecorderFunc) RecordVerification(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
	if f != nil {
		f(ctx, kind, success, reason, duration)
	}
}

// SignatureVerifier checks an HMAC-SHA256 signature computed over the exact raw request body.
// Re-serialised JSON never verifies, so callers must pass the bytes as received.
type SignatureVerifier struct {
	kind    string
	secret  []byte
	metrics MetricsRecorder
	now     func() time.Time
}

// SignatureOption customises the verifier.
type SignatureOption func(*SignatureVerifier)

// WithSignatureMetrics sets the metrics recorder.
func WithSignatureMetrics(metrics MetricsRecorder) SignatureOption {
	return func(v *SignatureVerifier) {
		v.metrics = metrics
	}
}

// WithSignatureClock injects a custom clock, primarily for tests.
func WithSignatureClock(now func() time.Time) SignatureOption {
	return func(v *SignatureVerifier) {
		if now != nil {
			v.now = now
		}
	}
}

// NewSignatureVerifier builds a verifier for one provider. kind labels metrics ("komoju").
func NewSignatureVerifier(kind, secret string, opts ...SignatureOption) *SignatureVerifier {
	v := &SignatureVerifier{
		kind:   strings.TrimSpace(kind),
		secret: []byte(strings.TrimSpace(secret)),
		now:    time.Now,
	}
	if v.kind == "" {
		v.kind = "hmac"
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Configured reports whether a secret is present.
func (v *SignatureVerifier) Configured() bool {
	return v != nil && len(v.secret) > 0
}

// Verify compares the header value against HMAC-SHA256(secret, body). Hex and base64
// encodings are both accepted.
func (v *SignatureVerifier) Verify(ctx context.Context, body []byte, signature string) error {
	if v == nil || len(v.secret) == 0 {
		return ErrSecretNotConfigured
	}
	start := v.now()

	signature = strings.TrimSpace(signature)
	if signature == "" {
		v.record(ctx, false, "signature_missing", start)
		return ErrSignatureMissing
	}
	decoded, err := decodeSignature(signature)
	if err != nil {
		v.record(ctx, false, "signature_encoding", start)
		return ErrSignatureInvalid
	}
	if !hmac.Equal(decoded, computeHMAC(v.secret, body)) {
		v.record(ctx, false, "signature_mismatch", start)
		return ErrSignatureInvalid
	}
	v.record(ctx, true, "ok", start)
	return nil
}

// SignHex returns the lowercase hex HMAC-SHA256 of body, the format providers send.
func SignHex(secret string, body []byte) string {
	return hex.EncodeToString(computeHMAC([]byte(secret), body))
}

func (v *SignatureVerifier) record(ctx context.Context, success bool, reason string, start time.Time) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordVerification(ctx, v.kind, success, reason, v.now().Sub(start))
}

func decodeSignature(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("auth: empty signature")
	}
	// a 64 char hex digest is also valid base64, so hex is tried first
	if len(value) == sha256.Size*2 {
		if decoded, err := hex.DecodeString(value); err == nil {
			return decoded, nil
		}
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
