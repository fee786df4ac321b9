package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"

	"github.com/hamao333333/my-shop-api/internal/platform/observability"
)

// DefaultFrom is used when no sender address is configured.
const DefaultFrom = "Jun Lamp Studio <noreply@shoumeiya.info>"

// Message is a single outbound HTML mail.
type Message struct {
	To       string
	Subject  string
	HTMLBody string
}

// Mailer delivers a message and returns the provider's delivery id.
type Mailer interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// ErrInvalidMessage is returned for messages without recipient, subject or body.
var ErrInvalidMessage = errors.New("notifications: invalid message")

func validateMessage(msg Message) error {
	if strings.TrimSpace(msg.To) == "" || strings.TrimSpace(msg.Subject) == "" || strings.TrimSpace(msg.HTMLBody) == "" {
		return ErrInvalidMessage
	}
	return nil
}

type resendEmails interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendMailer sends mail through the Resend API.
type ResendMailer struct {
	emails resendEmails
	from   string
}

// NewResendMailer constructs a Resend backed mailer.
func NewResendMailer(apiKey, from string) (*ResendMailer, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, errors.New("notifications: resend api key is required")
	}
	client := resend.NewClient(apiKey)
	return newResendMailer(client.Emails, from), nil
}

func newResendMailer(emails resendEmails, from string) *ResendMailer {
	from = strings.TrimSpace(from)
	if from == "" {
		from = DefaultFrom
	}
	return &ResendMailer{emails: emails, from: from}
}

// Send implements Mailer.
func (m *ResendMailer) Send(ctx context.Context, msg Message) (string, error) {
	if err := validateMessage(msg); err != nil {
		return "", err
	}
	resp, err := m.emails.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    m.from,
		To:      []string{strings.TrimSpace(msg.To)},
		Subject: msg.Subject,
		Html:    msg.HTMLBody,
	})
	if err != nil {
		return "", fmt.Errorf("notifications: resend send: %w", err)
	}
	if resp == nil {
		return "", nil
	}
	return resp.Id, nil
}

// LogMailer writes messages to the log instead of sending them. Used when no mail API key
// is configured.
type LogMailer struct {
	logger *zap.Logger
}

// NewLogMailer constructs a LogMailer.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger}
}

// Send implements Mailer.
func (m *LogMailer) Send(ctx context.Context, msg Message) (string, error) {
	if err := validateMessage(msg); err != nil {
		return "", err
	}
	id := "log_" + ulid.Make().String()
	m.logger.Info("notifications.mail.logged",
		zap.String("deliveryId", id),
		zap.String("to", observability.MaskEmail(msg.To)),
		zap.String("subject", msg.Subject),
		zap.Int("bodyBytes", len(msg.HTMLBody)),
	)
	return id, nil
}
