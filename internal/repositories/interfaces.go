package repositories

import (
	"context"

	"github.com/hamao333333/my-shop-api/internal/domain"
)

// DecrementOutcome reports how the ledger handled a decrement request.
type DecrementOutcome string

const (
	// DecrementApplied means stock was reduced by the requested quantity.
	DecrementApplied DecrementOutcome = "applied"
	// DecrementAlreadyApplied means the token was seen before and stock was left untouched.
	DecrementAlreadyApplied DecrementOutcome = "already_applied"
	// DecrementInsufficientStock means the ledger refused because available stock is below qty.
	DecrementInsufficientStock DecrementOutcome = "insufficient_stock"
)

// StockLedger is the authoritative per-product stock source. The ledger, not this service,
// keeps stock non-negative and applies each token at most once.
type StockLedger interface {
	// CheckAvailability returns the current stock of productID. Failures are *StockError values
	// wrapping ErrStockServiceUnreachable or ErrStockServiceMalformedResponse.
	CheckAvailability(ctx context.Context, productID string) (int64, error)
	// Decrement reduces stock by qty exactly once per token.
	Decrement(ctx context.Context, productID string, qty int64, token string) (DecrementOutcome, error)
}

// HealthRepository exposes status of downstream dependencies for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
