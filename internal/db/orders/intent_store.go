package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"fulfillment/internal/payment"
)

// IntentStore persists payment intents in Postgres, one per order.
type IntentStore struct {
	db *sql.DB
}

// NewIntentStore constructs an IntentStore backed by Postgres.
func NewIntentStore(db *sql.DB) *IntentStore {
	return &IntentStore{db: db}
}

// NewIntentStoreWithSchema initializes the schema then returns the store.
func NewIntentStoreWithSchema(ctx context.Context, db *sql.DB) (*IntentStore, error) {
	store := NewIntentStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates the payment_intents table if it does not exist.
func (p *IntentStore) InitSchema(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS payment_intents (
			intent_id TEXT PRIMARY KEY,
			order_id TEXT UNIQUE NOT NULL,
			amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			provider_ref TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)
	`)
	return err
}

const intentColumns = `intent_id, order_id, amount, status, provider_ref, created_at, updated_at`

func (p *IntentStore) Create(ctx context.Context, intent payment.Intent) (payment.Intent, bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO payment_intents (`+intentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (order_id) DO NOTHING`,
		intent.ID, intent.OrderID, intent.Amount, string(intent.Status), intent.ProviderRef, intent.CreatedAt, intent.UpdatedAt,
	)
	if err != nil {
		return payment.Intent{}, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return payment.Intent{}, false, err
	}
	if affected > 0 {
		return intent, true, nil
	}
	existing, err := p.GetByOrder(ctx, intent.OrderID)
	return existing, false, err
}

func (p *IntentStore) Get(ctx context.Context, intentID string) (payment.Intent, error) {
	return scanIntent(p.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE intent_id = $1`, intentID))
}

func (p *IntentStore) GetByOrder(ctx context.Context, orderID string) (payment.Intent, error) {
	return scanIntent(p.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM payment_intents WHERE order_id = $1`, orderID))
}

func (p *IntentStore) UpdateStatus(ctx context.Context, intentID string, from, to payment.IntentStatus, at time.Time) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE payment_intents
		SET status = $3, updated_at = $4
		WHERE intent_id = $1 AND status = $2`,
		intentID, string(from), string(to), at,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}

	var exists bool
	row := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM payment_intents WHERE intent_id = $1)`, intentID)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return payment.ErrIntentNotFound
	}
	return payment.ErrStaleIntent
}

func scanIntent(row *sql.Row) (payment.Intent, error) {
	var intent payment.Intent
	var status string
	err := row.Scan(&intent.ID, &intent.OrderID, &intent.Amount, &status, &intent.ProviderRef, &intent.CreatedAt, &intent.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Intent{}, payment.ErrIntentNotFound
	}
	if err != nil {
		return payment.Intent{}, err
	}
	intent.Status = payment.IntentStatus(status)
	return intent, nil
}
