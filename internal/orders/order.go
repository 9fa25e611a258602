package orders

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"
)

// LineItem is one product line of an order. UnitPrice is a snapshot, in
// minor currency units, taken when the order was placed.
type LineItem struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"gt=0"`
	UnitPrice int64  `json:"unit_price" validate:"gte=0"`
}

// Order is the aggregate driven by the fulfillment saga.
type Order struct {
	ID             string     `json:"order_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	Items          []LineItem `json:"items"`
	Total          int64      `json:"total"`
	Status         Status     `json:"status"`
	Reason         Reason     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

var (
	ErrIdempotencyKeyRequired = errors.New("idempotency key required")
	ErrIdempotencyConflict    = errors.New("idempotency key reused with different payload")
	ErrNoItems                = errors.New("order requires at least one item")
	ErrDuplicateProduct       = errors.New("product listed more than once")
	ErrTotalOverflow          = errors.New("order total overflows")
	ErrOrderNotFound          = errors.New("order not found")
)

// New builds a Pending order and computes its total.
func New(id, idempotencyKey string, items []LineItem, now time.Time) (Order, error) {
	if strings.TrimSpace(idempotencyKey) == "" {
		return Order{}, ErrIdempotencyKeyRequired
	}
	if len(items) == 0 {
		return Order{}, ErrNoItems
	}

	seen := make(map[string]struct{}, len(items))
	var total int64
	for i, item := range items {
		if item.ProductID == "" {
			return Order{}, fmt.Errorf("item %d: product id required", i)
		}
		if item.Quantity <= 0 {
			return Order{}, fmt.Errorf("item %d: quantity must be positive", i)
		}
		if item.UnitPrice < 0 {
			return Order{}, fmt.Errorf("item %d: unit price must not be negative", i)
		}
		if _, ok := seen[item.ProductID]; ok {
			return Order{}, fmt.Errorf("item %d: %w", i, ErrDuplicateProduct)
		}
		seen[item.ProductID] = struct{}{}

		if item.UnitPrice != 0 && item.Quantity > math.MaxInt64/item.UnitPrice {
			return Order{}, ErrTotalOverflow
		}
		line := item.Quantity * item.UnitPrice
		if total > math.MaxInt64-line {
			return Order{}, ErrTotalOverflow
		}
		total += line
	}

	copied := make([]LineItem, len(items))
	copy(copied, items)

	return Order{
		ID:             id,
		IdempotencyKey: idempotencyKey,
		Items:          copied,
		Total:          total,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Fingerprint identifies the order payload so idempotent retries can be told
// apart from key reuse.
func (o Order) Fingerprint() string {
	return Fingerprint(o.Items)
}

// Fingerprint hashes line items independent of their order.
func Fingerprint(items []LineItem) string {
	parts := make([]string, 0, len(items))
	for _, item := range items {
		parts = append(parts, item.ProductID+"|"+strconv.FormatInt(item.Quantity, 10)+"|"+strconv.FormatInt(item.UnitPrice, 10))
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(strings.Join(parts, ";")))
	return hex.EncodeToString(sum[:])
}
