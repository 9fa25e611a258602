package ordersdb

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}

	cleanup := func() {
		if err := db.Close(); err != nil {
			t.Fatalf("close db: %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Fatalf("unmet expectations: %v", err)
		}
	}

	return db, mock, cleanup
}

func testOrder(t *testing.T) orders.Order {
	t.Helper()
	order, err := orders.New("order-1", "idem-1", []orders.LineItem{{ProductID: "sku-1", Quantity: 2, UnitPrice: 500}}, testNow)
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	return order
}

func expectGet(mock sqlmock.Sqlmock, order orders.Order, status orders.Status) {
	mock.ExpectQuery("SELECT order_id, idempotency_key, items").
		WithArgs(order.ID).
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "idempotency_key", "items", "total", "status", "reason", "created_at", "updated_at"}).
			AddRow(order.ID, order.IdempotencyKey, []byte(`[{"product_id":"sku-1","quantity":2,"unit_price":500}]`), order.Total, string(status), "", testNow, testNow))
	mock.ExpectQuery("SELECT seq, step").
		WithArgs(order.ID).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "step", "detail", "attempt", "outcome", "error", "compensated", "started_at", "finished_at"}).
			AddRow(1, "reserve_inventory", "sku-1", 1, "succeeded", "", false, testNow, testNow))
}

func TestSagaStore_InitSchema(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS order_sagas_status_idx").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_saga_steps").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	store, err := NewSagaStoreWithSchema(context.Background(), db)
	if err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	if store == nil {
		t.Fatalf("expected store")
	}
}

func TestSagaStore_InitSchemaError(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS order_sagas").
		WillReturnError(errors.New("boom"))
	mock.ExpectClose()

	if store, err := NewSagaStoreWithSchema(context.Background(), db); err == nil || store != nil {
		t.Fatalf("expected schema error, got store=%v err=%v", store, err)
	}
}

func TestSagaStore_Create_New(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	order := testOrder(t)

	mock.ExpectExec("INSERT INTO order_sagas").
		WithArgs("order-1", "idem-1", order.Fingerprint(), sqlmock.AnyArg(), int64(1000), "pending", "", testNow, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectClose()

	exec, created, err := NewSagaStore(db).Create(context.Background(), order)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !created || exec.Order.ID != "order-1" {
		t.Fatalf("expected new saga, got created=%v exec=%+v", created, exec)
	}
}

func TestSagaStore_Create_ReturnsExisting(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	order := testOrder(t)
	retry := order
	retry.ID = "order-2"

	mock.ExpectExec("INSERT INTO order_sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT order_id, fingerprint").
		WithArgs("idem-1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "fingerprint"}).AddRow("order-1", order.Fingerprint()))
	expectGet(mock, order, orders.StatusAwaitingPayment)
	mock.ExpectClose()

	exec, created, err := NewSagaStore(db).Create(context.Background(), retry)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if created {
		t.Fatalf("expected existing saga")
	}
	if exec.Order.ID != "order-1" || exec.Order.Status != orders.StatusAwaitingPayment {
		t.Fatalf("unexpected order: %+v", exec.Order)
	}
	if len(exec.Order.Items) != 1 || exec.Order.Items[0].Quantity != 2 {
		t.Fatalf("items not decoded: %+v", exec.Order.Items)
	}
	if len(exec.Steps) != 1 || exec.Steps[0].Name != saga.StepReserveInventory {
		t.Fatalf("steps not decoded: %+v", exec.Steps)
	}
}

func TestSagaStore_Create_IdempotencyConflict(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectExec("INSERT INTO order_sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT order_id, fingerprint").
		WithArgs("idem-1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "fingerprint"}).AddRow("order-99", "other"))
	mock.ExpectClose()

	_, _, err := NewSagaStore(db).Create(context.Background(), testOrder(t))
	if !errors.Is(err, orders.ErrIdempotencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestSagaStore_Get_NotFound(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectQuery("SELECT order_id, idempotency_key, items").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectClose()

	if _, err := NewSagaStore(db).Get(context.Background(), "missing"); !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSagaStore_Transition_WritesStepsInTx(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	step := saga.Step{Name: saga.StepCreateIntent, Detail: "pi_1", Attempt: 1, Outcome: saga.OutcomeSucceeded, StartedAt: testNow, FinishedAt: testNow}
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE order_sagas").
		WithArgs("order-1", "reserving", "awaiting_payment", "", testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_saga_steps").
		WithArgs("order-1", "create_payment_intent", "pi_1", 1, "succeeded", "", false, testNow, testNow).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	err := NewSagaStore(db).Transition(context.Background(), "order-1", orders.StatusReserving, orders.StatusAwaitingPayment, orders.ReasonNone, testNow, step)
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
}

func TestSagaStore_Transition_Stale(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE order_sagas").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()
	mock.ExpectClose()

	err := NewSagaStore(db).Transition(context.Background(), "order-1", orders.StatusPending, orders.StatusReserving, orders.ReasonNone, testNow)
	if !errors.Is(err, saga.ErrStaleTransition) {
		t.Fatalf("expected stale transition, got %v", err)
	}
}

func TestSagaStore_Transition_Illegal(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	mock.ExpectClose()

	err := NewSagaStore(db).Transition(context.Background(), "order-1", orders.StatusCanceled, orders.StatusConfirmed, orders.ReasonNone, testNow)
	if !errors.Is(err, orders.ErrIllegalTransition) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
}

func TestSagaStore_Compensate_FlagsForwardStep(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("order-1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id"}).AddRow("order-1"))
	mock.ExpectExec("UPDATE order_saga_steps").
		WithArgs("order-1", 1).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO order_saga_steps").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectClose()

	step := saga.Step{Name: saga.StepReleaseInventory, Detail: "sku-1", Attempt: 1, Outcome: saga.OutcomeSucceeded}
	if err := NewSagaStore(db).Compensate(context.Background(), "order-1", 1, step); err != nil {
		t.Fatalf("Compensate: %v", err)
	}
}

func TestSagaStore_AppendStep_UnknownOrder(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)

	mock.ExpectBegin()
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()
	mock.ExpectClose()

	err := NewSagaStore(db).AppendStep(context.Background(), "missing", saga.Step{Name: saga.StepReserveInventory})
	if !errors.Is(err, saga.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSagaStore_ListActive(t *testing.T) {
	db, mock, cleanup := newMockDB(t)
	t.Cleanup(cleanup)
	order := testOrder(t)

	mock.ExpectQuery("WHERE status IN").
		WithArgs("pending", "reserving", "awaiting_payment", "canceling").
		WillReturnRows(sqlmock.NewRows([]string{"order_id"}).AddRow("order-1"))
	expectGet(mock, order, orders.StatusReserving)
	mock.ExpectClose()

	active, err := NewSagaStore(db).ListActive(context.Background())
	if err != nil {
		t.Fatalf("ListActive: %v", err)
	}
	if len(active) != 1 || active[0].Order.Status != orders.StatusReserving {
		t.Fatalf("unexpected active sagas: %+v", active)
	}
}
