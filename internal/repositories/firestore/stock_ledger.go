package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/hamao333333/my-shop-api/internal/platform/firestore"
	"github.com/hamao333333/my-shop-api/internal/repositories"
)

const (
	stockCollection      = "stock"
	decrementsCollection = "decrements"

	decrementTxAttempts = 3
	decrementTxTimeout  = 8 * time.Second
)

// StockLedger keeps stock in Firestore: stock/{productId}.available plus one marker document
// per applied token under stock/{productId}/decrements.
type StockLedger struct {
	provider *pfirestore.Provider
	clock    func() time.Time
}

var _ repositories.StockLedger = (*StockLedger)(nil)

type stockDocument struct {
	Available int64     `firestore:"available"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type decrementDocument struct {
	Quantity  int64     `firestore:"qty"`
	AppliedAt time.Time `firestore:"appliedAt"`
}

// NewStockLedger constructs the Firestore ledger.
func NewStockLedger(provider *pfirestore.Provider, clock func() time.Time) (*StockLedger, error) {
	if provider == nil {
		return nil, errors.New("stock ledger requires firestore provider")
	}
	if clock == nil {
		clock = time.Now
	}
	return &StockLedger{provider: provider, clock: clock}, nil
}

// CheckAvailability reads the available count. Unknown products report zero.
func (l *StockLedger) CheckAvailability(ctx context.Context, productID string) (int64, error) {
	const op = "stock check"
	productID = strings.TrimSpace(productID)
	if err := validateProductID(productID); err != nil {
		return 0, repositories.NewStockError(op, repositories.StockErrorInvalid, productID, err)
	}

	client, err := l.provider.Client(ctx)
	if err != nil {
		return 0, repositories.NewStockError(op, repositories.StockErrorUnreachable, productID, err)
	}
	snap, err := client.Collection(stockCollection).Doc(productID).Get(ctx)
	if err != nil {
		wrapped := pfirestore.WrapError(op, err)
		if pfirestore.IsNotFound(wrapped) {
			return 0, nil
		}
		return 0, repositories.NewStockError(op, repositories.StockErrorUnreachable, productID, wrapped)
	}

	var doc stockDocument
	if err := snap.DataTo(&doc); err != nil {
		return 0, repositories.NewStockError(op, repositories.StockErrorMalformed, productID, err)
	}
	return doc.Available, nil
}

// Decrement applies qty once per token inside a transaction.
func (l *StockLedger) Decrement(ctx context.Context, productID string, qty int64, token string) (repositories.DecrementOutcome, error) {
	const op = "stock decrement"
	productID = strings.TrimSpace(productID)
	token = strings.TrimSpace(token)
	if err := validateProductID(productID); err != nil || qty <= 0 || token == "" {
		return "", repositories.NewStockError(op, repositories.StockErrorInvalid, productID, fmt.Errorf("product id, positive qty and token are required"))
	}

	client, err := l.provider.Client(ctx)
	if err != nil {
		return "", repositories.NewStockError(op, repositories.StockErrorUnreachable, productID, err)
	}
	stockRef := client.Collection(stockCollection).Doc(productID)
	markerRef := stockRef.Collection(decrementsCollection).Doc(markerID(token))

	var outcome repositories.DecrementOutcome
	err = l.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(markerRef); err == nil {
			outcome = repositories.DecrementAlreadyApplied
			return nil
		} else if !pfirestore.IsNotFound(pfirestore.WrapError(op, err)) {
			return err
		}

		var doc stockDocument
		snap, err := tx.Get(stockRef)
		switch {
		case err == nil:
			if err := snap.DataTo(&doc); err != nil {
				return repositories.NewStockError(op, repositories.StockErrorMalformed, productID, err)
			}
		case !pfirestore.IsNotFound(pfirestore.WrapError(op, err)):
			return err
		}

		if doc.Available < qty {
			outcome = repositories.DecrementInsufficientStock
			return nil
		}

		now := l.clock().UTC()
		if err := tx.Update(stockRef, []firestore.Update{
			{Path: "available", Value: firestore.Increment(-qty)},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}
		outcome = repositories.DecrementApplied
		return tx.Create(markerRef, decrementDocument{Quantity: qty, AppliedAt: now})
	}, pfirestore.WithTxLabel(op), pfirestore.WithTxAttempts(decrementTxAttempts), pfirestore.WithTxTimeout(decrementTxTimeout))
	if err != nil {
		var stockErr *repositories.StockError
		if errors.As(err, &stockErr) {
			return "", stockErr
		}
		return "", repositories.NewStockError(op, repositories.StockErrorUnreachable, productID, err)
	}
	return outcome, nil
}

// Ping checks that Firestore answers.
func (l *StockLedger) Ping(ctx context.Context) error {
	return l.provider.Ping(ctx)
}

func validateProductID(productID string) error {
	if productID == "" {
		return errors.New("product id is required")
	}
	if strings.Contains(productID, "/") || productID == "." || productID == ".." {
		return fmt.Errorf("product id %q is not a valid document id", productID)
	}
	return nil
}

// markerID keeps tokens usable as document ids; "/" would address a sub-collection.
func markerID(token string) string {
	return strings.ReplaceAll(token, "/", "_")
}
