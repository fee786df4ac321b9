package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
)

// TxFunc is the body of a transaction. Firestore re-runs it on contention, so it must only
// touch the world through tx and through variables it fully reassigns on every run.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption customises RunTransaction.
type TxOption func(*txConfig)

type txConfig struct {
	label    string
	attempts int
	timeout  time.Duration
}

var defaultTx = txConfig{label: "transaction", attempts: 5, timeout: 15 * time.Second}

// WithTxLabel names the operation in wrapped errors, e.g. "stock decrement".
func WithTxLabel(label string) TxOption {
	return func(cfg *txConfig) {
		if label != "" {
			cfg.label = label
		}
	}
}

// WithTxAttempts overrides how many times a contended transaction is tried.
func WithTxAttempts(attempts int) TxOption {
	return func(cfg *txConfig) {
		if attempts > 0 {
			cfg.attempts = attempts
		}
	}
}

// WithTxTimeout caps the whole transaction including retries. An earlier caller deadline wins.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(cfg *txConfig) {
		if timeout > 0 {
			cfg.timeout = timeout
		}
	}
}

// ErrContended is wrapped into the error of a transaction that ran out of attempts while
// other writers kept touching the same documents.
var ErrContended = errors.New("firestore: transaction contended")

// RunTransaction runs fn on client. Errors are classified by WrapError under the configured
// label; a contended transaction that exhausted its attempts also matches ErrContended.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	cfg := defaultTx
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if client == nil || fn == nil {
		return fmt.Errorf("firestore %s: client and transaction function are required", cfg.label)
	}

	ctx, cancel := txContext(ctx, cfg.timeout)
	defer cancel()

	runs := 0
	err := client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		runs++
		return fn(ctx, tx)
	}, firestore.MaxAttempts(cfg.attempts))
	return classifyTxError(cfg, runs, err)
}

func classifyTxError(cfg txConfig, runs int, err error) error {
	wrapped := WrapError(cfg.label, err)
	if wrapped == nil {
		return nil
	}
	if IsConflict(wrapped) && runs >= cfg.attempts {
		return fmt.Errorf("%w after %d attempts: %w", ErrContended, runs, wrapped)
	}
	return wrapped
}

func txContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= timeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, timeout)
}
