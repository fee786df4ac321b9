package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/hamao333333/my-shop-api/internal/domain"
	"github.com/hamao333333/my-shop-api/internal/repositories"
)

// StockChecker evaluates a cart against the ledger. The answer is a snapshot; it reserves nothing.
type StockChecker struct {
	ledger repositories.StockLedger
}

// NewStockChecker constructs a StockChecker over ledger.
func NewStockChecker(ledger repositories.StockLedger) (*StockChecker, error) {
	if ledger == nil {
		return nil, errors.New("stock checker: ledger is required")
	}
	return &StockChecker{ledger: ledger}, nil
}

// Check aggregates quantities per product and queries each distinct product once. Products at
// or below zero are out of stock; products with less than needed are insufficient. A ledger
// failure aborts the whole check.
func (c *StockChecker) Check(ctx context.Context, lines []domain.CartLine) (domain.StockShortage, error) {
	var shortage domain.StockShortage
	for _, q := range domain.AggregateQuantities(lines) {
		available, err := c.ledger.CheckAvailability(ctx, q.ProductID)
		if err != nil {
			return domain.StockShortage{}, fmt.Errorf("stock check %s: %w", q.ProductID, err)
		}
		switch {
		case available <= 0:
			shortage.OutOfStock = append(shortage.OutOfStock, q.ProductID)
		case available < q.Quantity:
			shortage.Insufficient = append(shortage.Insufficient, domain.InsufficientLine{
				ProductID: q.ProductID,
				Needed:    q.Quantity,
				Available: available,
			})
		}
	}
	return shortage, nil
}
