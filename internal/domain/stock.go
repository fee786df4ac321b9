package domain

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

var (
	// ErrInvalidLineEncoding is returned when encoded line quantities cannot be parsed.
	ErrInvalidLineEncoding = errors.New("domain: invalid line quantity encoding")
	// ErrInvalidProductID is returned for product ids that cannot travel through the line encoding.
	ErrInvalidProductID = errors.New("domain: invalid product id")
)

// MaxProductIDLength bounds product ids so a full cart fits in provider metadata.
const MaxProductIDLength = 64

// ValidateProductID rejects ids that are empty, too long, or contain the encoding separators
// (',' and ':') or control characters.
func ValidateProductID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidProductID)
	}
	if len(id) > MaxProductIDLength {
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidProductID, MaxProductIDLength)
	}
	for _, r := range id {
		if r == ',' || r == ':' || unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: %q contains %q", ErrInvalidProductID, id, r)
		}
	}
	return nil
}

// LineQuantity pairs a product with the total quantity requested across all cart lines.
type LineQuantity struct {
	ProductID string
	Quantity  int64
}

// AggregateQuantities sums quantities per product, keeping first-seen order.
func AggregateQuantities(lines []CartLine) []LineQuantity {
	index := make(map[string]int, len(lines))
	out := make([]LineQuantity, 0, len(lines))
	for _, line := range lines {
		if pos, ok := index[line.ProductID]; ok {
			out[pos].Quantity += line.Quantity
			continue
		}
		index[line.ProductID] = len(out)
		out = append(out, LineQuantity{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return out
}

// EncodeLineQuantities renders quantities as "A:3,B:4" for provider metadata.
func EncodeLineQuantities(quantities []LineQuantity) string {
	parts := make([]string, 0, len(quantities))
	for _, q := range quantities {
		parts = append(parts, q.ProductID+":"+strconv.FormatInt(q.Quantity, 10))
	}
	return strings.Join(parts, ",")
}

// DecodeLineQuantities parses the EncodeLineQuantities format. Duplicate products are summed.
func DecodeLineQuantities(raw string) ([]LineQuantity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidLineEncoding)
	}
	lines := make([]CartLine, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sep := strings.LastIndex(part, ":")
		if sep <= 0 || sep == len(part)-1 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidLineEncoding, part)
		}
		qty, err := strconv.ParseInt(part[sep+1:], 10, 64)
		if err != nil || qty <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidLineEncoding, part)
		}
		lines = append(lines, CartLine{ProductID: part[:sep], Quantity: qty})
	}
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: no lines", ErrInvalidLineEncoding)
	}
	return AggregateQuantities(lines), nil
}

// DecrementToken builds the ledger idempotency token for one product of one order.
func DecrementToken(orderID, productID string) string {
	return orderID + ":" + productID
}

// InsufficientLine reports a product whose stock is positive but below the requested quantity.
type InsufficientLine struct {
	ProductID string
	Needed    int64
	Available int64
}

// StockShortage collects every product that blocks an order.
type StockShortage struct {
	OutOfStock   []string
	Insufficient []InsufficientLine
}

// Empty reports whether no product is short.
func (s StockShortage) Empty() bool {
	return len(s.OutOfStock) == 0 && len(s.Insufficient) == 0
}
