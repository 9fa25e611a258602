package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fulfillment/internal/inventory"
)

// StockStore keeps stock counters and reservations in Postgres. Every
// adjustment runs in one transaction: the reservation row is the idempotency
// gate and the counter update is conditional on enough stock. A reservation
// row is "reserved", "refused" (not enough stock) or "voided" (released
// before it reserved); only reserved rows hold stock.
type StockStore struct {
	db *sql.DB
}

// NewStockStore constructs a StockStore backed by Postgres.
func NewStockStore(db *sql.DB) *StockStore {
	return &StockStore{db: db}
}

// NewStockStoreWithSchema initializes the schema then returns the store.
func NewStockStoreWithSchema(ctx context.Context, db *sql.DB) (*StockStore, error) {
	store := NewStockStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the stock and reservation tables if they do not exist.
func (s *StockStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS inventory_stock (
			product_id TEXT PRIMARY KEY,
			available BIGINT NOT NULL CHECK (available >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS inventory_reservations (
			idempotency_key TEXT PRIMARY KEY,
			order_id TEXT NOT NULL,
			product_id TEXT NOT NULL REFERENCES inventory_stock(product_id),
			quantity BIGINT NOT NULL,
			reserved_at TIMESTAMPTZ NOT NULL,
			released_at TIMESTAMPTZ,
			status TEXT NOT NULL DEFAULT 'reserved'
		)`,
		`CREATE INDEX IF NOT EXISTS inventory_reservations_order_idx ON inventory_reservations (order_id)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const (
	reservationReserved = "reserved"
	reservationRefused  = "refused"
	reservationVoided   = "voided"
)

func (s *StockStore) Reserve(ctx context.Context, r inventory.Reservation) (inventory.Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	// product_id references inventory_stock, so an unknown product has to be
	// caught before the insert trips the foreign key.
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM inventory_stock WHERE product_id = $1)`, r.ProductID).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, inventory.ErrUnknownProduct
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_reservations (idempotency_key, order_id, product_id, quantity, reserved_at, status)
		VALUES ($1, $2, $3, $4, $5, 'reserved')
		ON CONFLICT (idempotency_key) DO NOTHING`,
		r.IdempotencyKey, r.OrderID, r.ProductID, r.Quantity, r.ReservedAt,
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if affected == 0 {
		var orderID, productID, status string
		row := tx.QueryRowContext(ctx, `SELECT order_id, product_id, status FROM inventory_reservations WHERE idempotency_key = $1`, r.IdempotencyKey)
		if err := row.Scan(&orderID, &productID, &status); err != nil {
			return 0, err
		}
		if orderID != r.OrderID || productID != r.ProductID {
			return 0, inventory.ErrKeyMismatch
		}
		switch status {
		case reservationRefused:
			return 0, inventory.ErrInsufficientStock
		case reservationVoided:
			return 0, inventory.ErrReservationVoided
		}
		return inventory.ResultAlreadyReserved, tx.Commit()
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE inventory_stock
		SET available = available - $2
		WHERE product_id = $1 AND available >= $2`,
		r.ProductID, r.Quantity,
	)
	if err != nil {
		return 0, err
	}
	if affected, err = res.RowsAffected(); err != nil {
		return 0, err
	}
	if affected == 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE inventory_reservations SET status = 'refused' WHERE idempotency_key = $1`, r.IdempotencyKey); err != nil {
			return 0, err
		}
		if err := tx.Commit(); err != nil {
			return 0, err
		}
		return 0, inventory.ErrInsufficientStock
	}
	return inventory.ResultReserved, tx.Commit()
}

// Release gives a reserved row's stock back. A key with no row yet gets a
// voided row so a reserve still in flight cannot take stock afterwards.
func (s *StockStore) Release(ctx context.Context, orderID, productID, idempotencyKey string, at time.Time) (inventory.Result, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	released, err := releaseHeld(ctx, tx, orderID, productID, idempotencyKey, at)
	if err != nil {
		return 0, err
	}
	if released {
		return inventory.ResultReleased, tx.Commit()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_reservations (idempotency_key, order_id, product_id, quantity, reserved_at, released_at, status)
		SELECT $1, $2, $3, 0, $4, $4, 'voided'
		WHERE EXISTS (SELECT 1 FROM inventory_stock WHERE product_id = $3)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		idempotencyKey, orderID, productID, at,
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 1 {
		return inventory.ResultNothingToRelease, tx.Commit()
	}

	var owner, product, status string
	var wasReleased bool
	row := tx.QueryRowContext(ctx, `
		SELECT order_id, product_id, status, released_at IS NOT NULL
		FROM inventory_reservations
		WHERE idempotency_key = $1`,
		idempotencyKey,
	)
	switch scanErr := row.Scan(&owner, &product, &status, &wasReleased); {
	case errors.Is(scanErr, sql.ErrNoRows):
		// Unknown product: nothing could ever have been reserved.
		return inventory.ResultNothingToRelease, nil
	case scanErr != nil:
		return 0, scanErr
	case owner != orderID || product != productID:
		return 0, inventory.ErrKeyMismatch
	case status != reservationReserved:
		return inventory.ResultNothingToRelease, nil
	case wasReleased:
		return inventory.ResultAlreadyReleased, nil
	}

	// A concurrent reserve committed between the first update and the
	// insert; the row is visible now.
	released, err = releaseHeld(ctx, tx, orderID, productID, idempotencyKey, at)
	if err != nil {
		return 0, err
	}
	if !released {
		return 0, errors.New("reservation neither released nor releasable")
	}
	return inventory.ResultReleased, tx.Commit()
}

func releaseHeld(ctx context.Context, tx *sql.Tx, orderID, productID, idempotencyKey string, at time.Time) (bool, error) {
	var qty int64
	err := tx.QueryRowContext(ctx, `
		UPDATE inventory_reservations
		SET released_at = $4
		WHERE idempotency_key = $1 AND order_id = $2 AND product_id = $3
			AND status = 'reserved' AND released_at IS NULL
		RETURNING quantity`,
		idempotencyKey, orderID, productID, at,
	).Scan(&qty)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE inventory_stock SET available = available + $2 WHERE product_id = $1`, productID, qty); err != nil {
		return false, err
	}
	return true, nil
}

func (s *StockStore) Available(ctx context.Context, productID string) (int64, error) {
	var available int64
	err := s.db.QueryRowContext(ctx, `SELECT available FROM inventory_stock WHERE product_id = $1`, productID).Scan(&available)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, inventory.ErrUnknownProduct
	}
	return available, err
}

func (s *StockStore) SetStock(ctx context.Context, productID string, quantity int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inventory_stock (product_id, available)
		VALUES ($1, $2)
		ON CONFLICT (product_id) DO UPDATE SET available = EXCLUDED.available`,
		productID, quantity,
	)
	return err
}

func (s *StockStore) Reservations(ctx context.Context, orderID string) ([]inventory.Reservation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT idempotency_key, order_id, product_id, quantity, reserved_at, released_at
		FROM inventory_reservations
		WHERE order_id = $1 AND status = 'reserved'
		ORDER BY reserved_at, product_id`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []inventory.Reservation
	for rows.Next() {
		var r inventory.Reservation
		var released sql.NullTime
		if err := rows.Scan(&r.IdempotencyKey, &r.OrderID, &r.ProductID, &r.Quantity, &r.ReservedAt, &released); err != nil {
			return nil, err
		}
		if released.Valid {
			at := released.Time
			r.ReleasedAt = &at
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
