package main

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"fulfillment/cmd/server/config"
	ordersdb "fulfillment/internal/db/orders"
	"fulfillment/internal/events"
	"fulfillment/internal/inventory"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/payment"
	"fulfillment/internal/resilience"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap/zaptest"
)

func TestBuildStoresMemoryWithWAL(t *testing.T) {
	logger := zaptest.NewLogger(t)
	path := filepath.Join(t.TempDir(), "sagas.wal")

	st, err := buildStores(context.Background(), "", config.SagaConfig{WALPath: path}, nil, logger)
	if err != nil {
		t.Fatalf("build stores: %v", err)
	}
	order, err := orders.New("ord-1", "key-1", []orders.LineItem{{ProductID: "sku-1", Quantity: 1, UnitPrice: 10}}, time.Now())
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	if _, _, err := st.sagas.Create(context.Background(), order); err != nil {
		t.Fatalf("create: %v", err)
	}
	st.Close(logger)

	reopened, err := buildStores(context.Background(), "", config.SagaConfig{WALPath: path}, nil, logger)
	if err != nil {
		t.Fatalf("reopen stores: %v", err)
	}
	defer reopened.Close(logger)
	if _, err := reopened.sagas.Get(context.Background(), "ord-1"); err != nil {
		t.Fatalf("expected order to survive restart: %v", err)
	}
	if _, ok := reopened.stock.(*inventory.MemoryStore); !ok {
		t.Fatalf("expected memory stock store, got %T", reopened.stock)
	}
	if err := reopened.ping(context.Background()); err != nil {
		t.Fatalf("memory stores should always be ready: %v", err)
	}
}

func TestBuildStoresPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	orig := openDB
	openDB = func(driver, dsn string) (*sql.DB, error) {
		if driver != "pgx" {
			t.Fatalf("unexpected driver %q", driver)
		}
		return db, nil
	}
	t.Cleanup(func() { openDB = orig })

	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS order_sagas`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS order_sagas_status_idx`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS order_saga_steps`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS inventory_stock`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS inventory_reservations`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE INDEX IF NOT EXISTS inventory_reservations_order_idx`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS payment_intents`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectClose()

	logger := zaptest.NewLogger(t)
	st, err := buildStores(context.Background(), "postgres://example", config.SagaConfig{}, nil, logger)
	if err != nil {
		t.Fatalf("build stores: %v", err)
	}
	if _, ok := st.sagas.(*ordersdb.SagaStore); !ok {
		t.Fatalf("expected postgres saga store, got %T", st.sagas)
	}
	if _, ok := st.stock.(*ordersdb.StockStore); !ok {
		t.Fatalf("expected postgres stock store, got %T", st.stock)
	}
	if _, ok := st.intents.(*ordersdb.IntentStore); !ok {
		t.Fatalf("expected postgres intent store, got %T", st.intents)
	}
	st.Close(logger)
}

func TestBuildRedisAndRedisStock(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.RedisConfig{URL: "redis://" + mr.Addr(), HealthcheckTimeout: time.Second}

	rdb, err := buildRedis(context.Background(), cfg)
	if err != nil {
		t.Fatalf("build redis: %v", err)
	}
	defer rdb.Close()

	logger := zaptest.NewLogger(t)
	st, err := buildStores(context.Background(), "", config.SagaConfig{}, rdb, logger)
	if err != nil {
		t.Fatalf("build stores: %v", err)
	}
	defer st.Close(logger)
	if _, ok := st.stock.(*inventory.RedisStore); !ok {
		t.Fatalf("expected redis stock store, got %T", st.stock)
	}
	if err := st.ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	mr.Close()
	if err := st.ping(context.Background()); err == nil {
		t.Fatalf("expected readiness failure once redis is gone")
	}
}

func TestBuildRedisDisabledAndUnreachable(t *testing.T) {
	rdb, err := buildRedis(context.Background(), config.RedisConfig{})
	if err != nil || rdb != nil {
		t.Fatalf("expected redis disabled, got %v err %v", rdb, err)
	}
	_, err = buildRedis(context.Background(), config.RedisConfig{URL: "redis://127.0.0.1:1", HealthcheckTimeout: 200 * time.Millisecond})
	if err == nil {
		t.Fatalf("expected ping error for unreachable redis")
	}
}

func TestBuildProvider(t *testing.T) {
	logger := zaptest.NewLogger(t)
	p, err := buildProvider(config.PaymentConfig{}, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*payment.MemoryProvider); !ok {
		t.Fatalf("expected memory provider, got %T", p)
	}
	p, err = buildProvider(config.PaymentConfig{ProviderURL: "https://pay.example"}, logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.(*payment.HTTPProvider); !ok {
		t.Fatalf("expected http provider, got %T", p)
	}
}

type captureBroadcaster struct {
	msgs [][]byte
}

func (c *captureBroadcaster) Broadcast(msg []byte) { c.msgs = append(c.msgs, msg) }

type nopSink struct{}

func (nopSink) HandlePaymentEvent(context.Context, string, payment.Outcome) error { return nil }

func TestBuildWebhookRequiresSecret(t *testing.T) {
	logger := zaptest.NewLogger(t)

	if h := buildWebhook(config.PaymentConfig{}, config.RedisConfig{}, nil, nopSink{}, logger); h != nil {
		t.Fatalf("expected webhook disabled without a secret")
	}
	h := buildWebhook(config.PaymentConfig{WebhookSecret: "whsec", WebhookTolerance: time.Minute}, config.RedisConfig{}, nil, nopSink{}, logger)
	if _, ok := h.(*payment.WebhookHandler); !ok {
		t.Fatalf("expected webhook handler, got %T", h)
	}
}

func TestBuildPublisherBroadcastsWithoutSinks(t *testing.T) {
	b := &captureBroadcaster{}
	pub, closer := buildPublisher(config.KafkaConfig{}, config.RedisConfig{}, nil, b, zaptest.NewLogger(t))
	defer closer()

	evt := events.NewStatusChanged("ord-1", orders.StatusPending, orders.StatusReserving, orders.ReasonNone, time.Now())
	if err := pub.Publish(context.Background(), evt); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(b.msgs) != 1 {
		t.Fatalf("expected one broadcast, got %d", len(b.msgs))
	}
}

func TestSagaConfigWiresReliabilitySettings(t *testing.T) {
	logger := zaptest.NewLogger(t)
	metrics := observability.NewMetrics()
	rc := config.ReliabilityConfig{
		Retry:             config.RetryConfig{MaxAttempts: 4, BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2},
		Compensation:      config.RetryConfig{MaxAttempts: 6, BaseDelay: time.Millisecond, MaxDelay: time.Second, Multiplier: 2},
		Breaker:           config.BreakerConfig{FailureRate: 0.5, MinRequests: 1, Window: time.Second, Cooldown: time.Minute, HalfOpenProbes: 1, SuccessThreshold: 1},
		RateLimitInterval: time.Millisecond,
		RateLimitBurst:    2,
	}
	sc := config.SagaConfig{Workers: 2, QueueSize: 8, StepTimeout: 3 * time.Second}

	cfg, guard := sagaConfig(sc, rc, metrics, logger)
	if cfg.Workers != 2 || cfg.QueueSize != 8 {
		t.Fatalf("unexpected saga cfg: %+v", cfg)
	}
	if cfg.Inventory.Retry.MaxAttempts != 4 || cfg.Inventory.Retry.AttemptTimeout != 3*time.Second {
		t.Fatalf("unexpected inventory retry: %+v", cfg.Inventory.Retry)
	}
	if cfg.Compensation.MaxAttempts != 6 || cfg.Compensation.IsRetryable(errors.New("x")) != true {
		t.Fatalf("compensation should retry every non-cancel error")
	}
	if guard.Limiter == nil || guard.Breaker == nil {
		t.Fatalf("payment guard should carry a limiter and a breaker")
	}

	_ = guard.Breaker.Execute(func() error { return resilience.Transient(errors.New("down")) })
	if guard.Breaker.State() != resilience.StateOpen {
		t.Fatalf("expected breaker to open, got %v", guard.Breaker.State())
	}
	if got := metrics.Snapshot().Breakers["payment"]; got != "open" {
		t.Fatalf("expected breaker state in metrics, got %q", got)
	}
}

func TestSeedInventory(t *testing.T) {
	mgr := inventory.NewManager(inventory.NewMemoryStore(), nil)
	err := seedInventory(context.Background(), mgr, map[string]int64{"sku-1": 5}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if n, err := mgr.Available(context.Background(), "sku-1"); err != nil || n != 5 {
		t.Fatalf("expected 5 available, got %d err %v", n, err)
	}
}

var _ saga.Store = (*saga.MemoryStore)(nil)
