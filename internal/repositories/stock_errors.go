package repositories

import (
	"errors"
	"fmt"
)

var (
	// ErrStockServiceUnreachable covers transport failures, timeouts and 5xx answers.
	ErrStockServiceUnreachable = errors.New("stock service unreachable")
	// ErrStockServiceMalformedResponse covers non-JSON bodies and ok=false answers without a known code.
	ErrStockServiceMalformedResponse = errors.New("stock service malformed response")
)

// StockErrorCode is the machine readable cause of a ledger failure.
type StockErrorCode string

const (
	StockErrorUnreachable StockErrorCode = "stock_unreachable"
	StockErrorMalformed   StockErrorCode = "stock_malformed"
	StockErrorInvalid     StockErrorCode = "stock_invalid_request"
)

// StockError wraps ledger failures with the operation and product involved.
type StockError struct {
	Op        string
	Code      StockErrorCode
	ProductID string
	Err       error
}

func (e *StockError) Error() string {
	if e == nil {
		return ""
	}
	if e.ProductID != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.ProductID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *StockError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewStockError classifies err under the sentinel matching code so errors.Is works on both.
func NewStockError(op string, code StockErrorCode, productID string, err error) *StockError {
	var sentinel error
	switch code {
	case StockErrorUnreachable:
		sentinel = ErrStockServiceUnreachable
	case StockErrorMalformed:
		sentinel = ErrStockServiceMalformedResponse
	}
	switch {
	case err == nil:
		err = sentinel
	case sentinel != nil && !errors.Is(err, sentinel):
		err = fmt.Errorf("%w: %w", sentinel, err)
	}
	return &StockError{Op: op, Code: code, ProductID: productID, Err: err}
}
