package ordersdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"
)

// SagaStore persists orders and their step logs in Postgres.
type SagaStore struct {
	db *sql.DB
}

// NewSagaStore constructs a SagaStore backed by Postgres.
func NewSagaStore(db *sql.DB) *SagaStore {
	return &SagaStore{db: db}
}

// NewSagaStoreWithSchema initializes the schema then returns the store.
func NewSagaStoreWithSchema(ctx context.Context, db *sql.DB) (*SagaStore, error) {
	store := NewSagaStore(db)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates saga tables if they do not exist.
func (s *SagaStore) InitSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS order_sagas (
			order_id TEXT PRIMARY KEY,
			idempotency_key TEXT UNIQUE NOT NULL,
			fingerprint TEXT NOT NULL,
			items JSONB NOT NULL,
			total BIGINT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS order_sagas_status_idx ON order_sagas (status, created_at)`,
		`CREATE TABLE IF NOT EXISTS order_saga_steps (
			order_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			step TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			compensated BOOLEAN NOT NULL DEFAULT FALSE,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (order_id, seq),
			FOREIGN KEY (order_id) REFERENCES order_sagas(order_id) ON DELETE CASCADE
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	return nil
}

// Create inserts the order or returns the existing saga for its idempotency key.
func (s *SagaStore) Create(ctx context.Context, order orders.Order) (saga.Execution, bool, error) {
	items, err := json.Marshal(order.Items)
	if err != nil {
		return saga.Execution{}, false, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO order_sagas (order_id, idempotency_key, fingerprint, items, total, status, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		order.ID, order.IdempotencyKey, order.Fingerprint(), items, order.Total,
		string(order.Status), string(order.Reason), order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return saga.Execution{}, false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return saga.Execution{}, false, err
	}
	if affected == 1 {
		return saga.Execution{Order: order}.Clone(), true, nil
	}

	var existingID, fingerprint string
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, fingerprint
		FROM order_sagas
		WHERE idempotency_key = $1`,
		order.IdempotencyKey,
	)
	if err := row.Scan(&existingID, &fingerprint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return saga.Execution{}, false, fmt.Errorf("saga not found after insert")
		}
		return saga.Execution{}, false, err
	}
	if fingerprint != order.Fingerprint() {
		return saga.Execution{}, false, orders.ErrIdempotencyConflict
	}

	exec, err := s.Get(ctx, existingID)
	if err != nil {
		return saga.Execution{}, false, err
	}
	return exec, false, nil
}

// Get loads an order with its full step log.
func (s *SagaStore) Get(ctx context.Context, orderID string) (saga.Execution, error) {
	var (
		exec           saga.Execution
		items          []byte
		status, reason string
	)
	row := s.db.QueryRowContext(ctx, `
		SELECT order_id, idempotency_key, items, total, status, reason, created_at, updated_at
		FROM order_sagas
		WHERE order_id = $1`,
		orderID,
	)
	err := row.Scan(&exec.Order.ID, &exec.Order.IdempotencyKey, &items, &exec.Order.Total,
		&status, &reason, &exec.Order.CreatedAt, &exec.Order.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.Execution{}, saga.ErrNotFound
	}
	if err != nil {
		return saga.Execution{}, err
	}
	if err := json.Unmarshal(items, &exec.Order.Items); err != nil {
		return saga.Execution{}, fmt.Errorf("decode items of %s: %w", orderID, err)
	}
	exec.Order.Status = orders.Status(status)
	exec.Order.Reason = orders.Reason(reason)

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, step, detail, attempt, outcome, error, compensated, started_at, finished_at
		FROM order_saga_steps
		WHERE order_id = $1
		ORDER BY seq`,
		orderID,
	)
	if err != nil {
		return saga.Execution{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var step saga.Step
		var name, outcome string
		if err := rows.Scan(&step.Seq, &name, &step.Detail, &step.Attempt, &outcome,
			&step.Error, &step.Compensated, &step.StartedAt, &step.FinishedAt); err != nil {
			return saga.Execution{}, err
		}
		step.Name = saga.StepName(name)
		step.Outcome = saga.Outcome(outcome)
		exec.Steps = append(exec.Steps, step)
	}
	if err := rows.Err(); err != nil {
		return saga.Execution{}, err
	}
	return exec, nil
}

// Transition moves the order from one status to another and appends the
// given steps in the same transaction.
func (s *SagaStore) Transition(ctx context.Context, orderID string, from, to orders.Status, reason orders.Reason, at time.Time, steps ...saga.Step) error {
	if err := orders.CheckTransition(from, to); err != nil {
		return err
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE order_sagas
			SET status = $3, reason = COALESCE(NULLIF($4, ''), reason), updated_at = $5
			WHERE order_id = $1 AND status = $2`,
			orderID, string(from), string(to), string(reason), at,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			var exists bool
			if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM order_sagas WHERE order_id = $1)`, orderID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return saga.ErrNotFound
			}
			return saga.ErrStaleTransition
		}
		for _, step := range steps {
			if err := insertStep(ctx, tx, orderID, step); err != nil {
				return err
			}
		}
		return nil
	})
}

// AppendStep records a step without changing the order status.
func (s *SagaStore) AppendStep(ctx context.Context, orderID string, step saga.Step) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockSaga(ctx, tx, orderID); err != nil {
			return err
		}
		return insertStep(ctx, tx, orderID, step)
	})
}

// Compensate records a compensating step and flags the forward step it undid.
func (s *SagaStore) Compensate(ctx context.Context, orderID string, forwardSeq int, step saga.Step) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := lockSaga(ctx, tx, orderID); err != nil {
			return err
		}
		if forwardSeq > 0 {
			res, err := tx.ExecContext(ctx, `
				UPDATE order_saga_steps
				SET compensated = TRUE
				WHERE order_id = $1 AND seq = $2`,
				orderID, forwardSeq,
			)
			if err != nil {
				return err
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if affected == 0 {
				return fmt.Errorf("compensate %s: no step %d", orderID, forwardSeq)
			}
		}
		return insertStep(ctx, tx, orderID, step)
	})
}

// ListActive returns every saga that has not reached a terminal status,
// oldest first.
func (s *SagaStore) ListActive(ctx context.Context) ([]saga.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT order_id
		FROM order_sagas
		WHERE status IN ($1, $2, $3, $4)
		ORDER BY created_at, order_id`,
		string(orders.StatusPending), string(orders.StatusReserving),
		string(orders.StatusAwaitingPayment), string(orders.StatusCanceling),
	)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	out := make([]saga.Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, nil
}

func (s *SagaStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func lockSaga(ctx context.Context, tx *sql.Tx, orderID string) error {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT order_id FROM order_sagas WHERE order_id = $1 FOR UPDATE`, orderID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return saga.ErrNotFound
	}
	return err
}

// insertStep assigns the next seq for the order. Callers hold the saga row
// lock, so seq allocation cannot race.
func insertStep(ctx context.Context, tx *sql.Tx, orderID string, step saga.Step) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_saga_steps (order_id, seq, step, detail, attempt, outcome, error, compensated, started_at, finished_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5, $6, $7, $8, $9
		FROM order_saga_steps
		WHERE order_id = $1`,
		orderID, string(step.Name), step.Detail, step.Attempt, string(step.Outcome),
		step.Error, step.Compensated, step.StartedAt, step.FinishedAt,
	)
	return err
}
