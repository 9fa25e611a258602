package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Result reports what a reservation call actually did.
type Result int

const (
	ResultReserved Result = iota + 1
	ResultAlreadyReserved
	ResultReleased
	ResultAlreadyReleased
	// ResultNothingToRelease means no reservation exists for the key, so
	// there is no stock to give back.
	ResultNothingToRelease
)

func (r Result) String() string {
	switch r {
	case ResultReserved:
		return "reserved"
	case ResultAlreadyReserved:
		return "already_reserved"
	case ResultReleased:
		return "released"
	case ResultAlreadyReleased:
		return "already_released"
	case ResultNothingToRelease:
		return "nothing_to_release"
	default:
		return "unknown"
	}
}

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrUnknownProduct    = errors.New("unknown product")
	ErrInvalidQuantity   = errors.New("quantity must be positive")
	// ErrKeyMismatch is returned when an idempotency key is replayed for a
	// different order or product than the one it was first used with.
	ErrKeyMismatch = errors.New("idempotency key belongs to another reservation")
	// ErrReservationVoided is returned when a reserve arrives after its key
	// was already released. The key is spent and holds no stock.
	ErrReservationVoided = errors.New("reservation key was released before it reserved")
)

// Reservation is a provisional hold of Quantity units of one product for one
// order line.
type Reservation struct {
	OrderID        string     `json:"order_id"`
	ProductID      string     `json:"product_id"`
	Quantity       int64      `json:"quantity"`
	IdempotencyKey string     `json:"idempotency_key"`
	ReservedAt     time.Time  `json:"reserved_at"`
	ReleasedAt     *time.Time `json:"released_at,omitempty"`
}

// Active reports whether the reservation still holds stock.
func (r Reservation) Active() bool {
	return r.ReleasedAt == nil
}

// Store applies stock adjustments atomically. Reserve must perform a single
// compare-and-decrement gated by the idempotency key, and it records a
// refusal under the key so a replay reports ErrInsufficientStock again.
// Release must give the stock back at most once per key. Releasing a key
// that has not reserved yet voids it, so a late reserve cannot hold stock.
type Store interface {
	Reserve(ctx context.Context, r Reservation) (Result, error)
	Release(ctx context.Context, orderID, productID, idempotencyKey string, at time.Time) (Result, error)
	Available(ctx context.Context, productID string) (int64, error)
	SetStock(ctx context.Context, productID string, quantity int64) error
	Reservations(ctx context.Context, orderID string) ([]Reservation, error)
}

// Manager is the only component allowed to touch stock counters.
type Manager struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

// NewManager constructs a Manager over the given store.
func NewManager(store Store, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:  store,
		now:    time.Now,
		logger: logger,
	}
}

// Reserve holds qty units of productID for orderID. Replaying the same
// idempotency key returns the first call's outcome: ResultAlreadyReserved
// after a success, ErrInsufficientStock after a refusal.
func (m *Manager) Reserve(ctx context.Context, orderID, productID string, qty int64, idempotencyKey string) (Result, error) {
	if qty <= 0 {
		return 0, ErrInvalidQuantity
	}
	if orderID == "" || productID == "" || idempotencyKey == "" {
		return 0, fmt.Errorf("order id, product id and idempotency key are required")
	}

	res, err := m.store.Reserve(ctx, Reservation{
		OrderID:        orderID,
		ProductID:      productID,
		Quantity:       qty,
		IdempotencyKey: idempotencyKey,
		ReservedAt:     m.now().UTC(),
	})
	if err != nil {
		return 0, fmt.Errorf("reserve %s for %s: %w", productID, orderID, err)
	}
	m.logger.Debug("stock reserved",
		zap.String("order_id", orderID),
		zap.String("product_id", productID),
		zap.Int64("quantity", qty),
		zap.Stringer("result", res),
	)
	return res, nil
}

// Release gives back the stock held under idempotencyKey. Releasing twice,
// or releasing a key that never reserved anything, is a no-op. In the latter
// case the key is voided.
func (m *Manager) Release(ctx context.Context, orderID, productID, idempotencyKey string) (Result, error) {
	if idempotencyKey == "" {
		return 0, fmt.Errorf("idempotency key is required")
	}
	res, err := m.store.Release(ctx, orderID, productID, idempotencyKey, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("release %s for %s: %w", productID, orderID, err)
	}
	m.logger.Debug("stock released",
		zap.String("order_id", orderID),
		zap.String("product_id", productID),
		zap.Stringer("result", res),
	)
	return res, nil
}

// Available returns the unreserved stock for a product.
func (m *Manager) Available(ctx context.Context, productID string) (int64, error) {
	return m.store.Available(ctx, productID)
}

// Restock sets the available quantity for a product.
func (m *Manager) Restock(ctx context.Context, productID string, quantity int64) error {
	if quantity < 0 {
		return fmt.Errorf("stock for %s must be >= 0", productID)
	}
	return m.store.SetStock(ctx, productID, quantity)
}

// Reservations lists every reservation recorded for an order.
func (m *Manager) Reservations(ctx context.Context, orderID string) ([]Reservation, error) {
	return m.store.Reservations(ctx, orderID)
}
