package domain

import (
	"io"
	"time"

	"github.com/oklog/ulid/v2"
)

// OrderIDPrefix marks order numbers issued by this shop.
const OrderIDPrefix = "JL"

// NewOrderID returns a time-sortable order number. A nil entropy source uses ulid's default.
func NewOrderID(now time.Time, entropy io.Reader) string {
	if entropy == nil {
		entropy = ulid.DefaultEntropy()
	}
	return OrderIDPrefix + ulid.MustNew(ulid.Timestamp(now), entropy).String()
}
