// Package secrets resolves the shop's credentials (PSP keys, webhook signing secrets, the
// Resend key, the Redis password) from Google Secret Manager, with a local file for
// development.
package secrets

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Secret Manager ids the shop deploys with. Config values reference them as secret://<id>.
const (
	StripeSecretKey     = "stripe_secret_key"
	StripeWebhookSecret = "stripe_webhook_secret"
	KomojuSecretKey     = "komoju_secret_key"
	KomojuWebhookSecret = "komoju_webhook_secret"
	ResendAPIKey        = "resend_api_key"
	RedisPassword       = "redis_password"
)

const latestVersion = "latest"

// ErrInvalidReference is returned for values that are not secret://<id>[?version=N].
var ErrInvalidReference = errors.New("secrets: invalid reference")

// Ref names one secret version.
type Ref struct {
	ID      string
	Version string
}

func (r Ref) String() string {
	return "secret://" + r.ID + "#" + r.Version
}

// ParseRef accepts secret://<id> and the legacy sm://<id> form. The version query parameter is
// optional and left empty when absent.
func ParseRef(raw string) (Ref, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "sm://") {
		raw = "secret://" + strings.TrimPrefix(raw, "sm://")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "secret" {
		return Ref{}, fmt.Errorf("%w: %q", ErrInvalidReference, raw)
	}
	id := strings.Trim(u.Host+u.Path, "/")
	if !validID(id) {
		return Ref{}, fmt.Errorf("%w: bad secret id %q", ErrInvalidReference, id)
	}
	return Ref{ID: id, Version: strings.TrimSpace(u.Query().Get("version"))}, nil
}

// validID mirrors Secret Manager's id rules: letters, digits, '-' and '_', at most 255 chars.
func validID(id string) bool {
	if id == "" || len(id) > 255 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
