package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"fulfillment/cmd/server/config"
	ordersdb "fulfillment/internal/db/orders"
	"fulfillment/internal/events"
	"fulfillment/internal/inventory"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/payment"
	"fulfillment/internal/resilience"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var openDB = func(driver, dsn string) (*sql.DB, error) {
	return sql.Open(driver, dsn)
}

// stores bundles the persistence chosen at boot: Postgres when DATABASE_URL
// is set, memory otherwise. Redis, when configured, takes over stock.
type stores struct {
	sagas   saga.Store
	stock   inventory.Store
	intents payment.IntentStore
	ping    func(context.Context) error
	closers []func() error
}

func (s *stores) Close(logger *zap.Logger) {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			logger.Warn("close store", zap.Error(err))
		}
	}
}

func buildStores(ctx context.Context, databaseURL string, sagaCfg config.SagaConfig, rdb *redis.Client, logger *zap.Logger) (*stores, error) {
	s := &stores{ping: func(context.Context) error { return nil }}

	if databaseURL == "" {
		var mem *saga.MemoryStore
		if sagaCfg.WALPath != "" {
			var err error
			if mem, err = saga.OpenMemoryStore(sagaCfg.WALPath); err != nil {
				return nil, err
			}
			logger.Info("saga store: memory with wal", zap.String("path", sagaCfg.WALPath))
		} else {
			mem = saga.NewMemoryStore()
			logger.Warn("saga store: memory without wal, sagas are lost on restart")
		}
		s.sagas = mem
		s.closers = append(s.closers, mem.Close)
		s.stock = inventory.NewMemoryStore()
		s.intents = payment.NewMemoryIntentStore()
	} else {
		db, err := openDB("pgx", databaseURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		s.ping = db.PingContext

		sagaStore, err := ordersdb.NewSagaStoreWithSchema(ctx, db)
		if err != nil {
			s.Close(logger)
			return nil, fmt.Errorf("saga store: %w", err)
		}
		stockStore, err := ordersdb.NewStockStoreWithSchema(ctx, db)
		if err != nil {
			s.Close(logger)
			return nil, fmt.Errorf("stock store: %w", err)
		}
		intentStore, err := ordersdb.NewIntentStoreWithSchema(ctx, db)
		if err != nil {
			s.Close(logger)
			return nil, fmt.Errorf("intent store: %w", err)
		}
		s.sagas, s.stock, s.intents = sagaStore, stockStore, intentStore
		logger.Info("stores: postgres")
	}

	if rdb != nil {
		s.stock = inventory.NewRedisStore(rdb, "inventory:")
		dbPing := s.ping
		s.ping = func(ctx context.Context) error {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			return dbPing(ctx)
		}
		logger.Info("stock store: redis")
	}
	return s, nil
}

// buildRedis returns nil when REDIS_URL is unset.
func buildRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.DialTimeout != nil {
		opts.DialTimeout = *cfg.DialTimeout
	}
	if cfg.ReadTimeout != nil {
		opts.ReadTimeout = *cfg.ReadTimeout
	}
	if cfg.WriteTimeout != nil {
		opts.WriteTimeout = *cfg.WriteTimeout
	}
	if cfg.PoolSize != nil {
		opts.PoolSize = *cfg.PoolSize
	}
	if cfg.MinIdleConns != nil {
		opts.MinIdleConns = *cfg.MinIdleConns
	}
	if cfg.MaxRetries != nil {
		opts.MaxRetries = *cfg.MaxRetries
	}
	if cfg.TLSConfig != nil {
		opts.TLSConfig = cfg.TLSConfig
	}

	client := redis.NewClient(opts)
	if cfg.EnableOTel {
		if err := redisotel.InstrumentTracing(client); err != nil {
			_ = client.Close()
			return nil, err
		}
		if err := redisotel.InstrumentMetrics(client); err != nil {
			_ = client.Close()
			return nil, err
		}
	}

	pingCtx := ctx
	if cfg.HealthcheckTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, cfg.HealthcheckTimeout)
		defer cancel()
	}
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// buildProvider picks the HTTP provider when a URL is configured.
func buildProvider(cfg config.PaymentConfig, logger *zap.Logger) (payment.Provider, error) {
	if cfg.ProviderURL == "" {
		logger.Warn("payment provider: in-memory, no real charges are made")
		return payment.NewMemoryProvider(), nil
	}
	return payment.NewHTTPProvider(cfg.ProviderURL, cfg.APIKey)
}

// buildPublisher fans status events out to every configured sink and
// finally to websocket clients. The returned closer flushes Kafka.
// buildWebhook returns the payment webhook handler, or nil when no webhook
// secret is configured: an empty HMAC key would let anyone sign events.
func buildWebhook(cfg config.PaymentConfig, redisCfg config.RedisConfig, rdb *redis.Client, sink payment.EventSink, logger *zap.Logger) http.Handler {
	if cfg.WebhookSecret == "" {
		logger.Warn("PAYMENT_WEBHOOK_SECRET not set, payment webhook disabled")
		return nil
	}
	var dedupe payment.Deduper = payment.NewMemoryDeduper(redisCfg.IdempotencyTTL)
	if rdb != nil {
		dedupe = payment.NewRedisDeduper(rdb, "webhook:", redisCfg.IdempotencyTTL)
	}
	return payment.NewWebhookHandler(
		payment.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance),
		dedupe, sink, logger.Named("webhook"),
	)
}

func buildPublisher(kafkaCfg config.KafkaConfig, redisCfg config.RedisConfig, rdb *redis.Client, broadcaster events.Broadcaster, logger *zap.Logger) (events.Publisher, func() error) {
	var sinks []events.Publisher
	closer := func() error { return nil }
	if len(kafkaCfg.Brokers) > 0 {
		writer := events.NewKafkaWriter(kafkaCfg.Brokers)
		sinks = append(sinks, events.NewKafkaPublisher(writer, kafkaCfg.Topic))
		closer = writer.Close
		logger.Info("status events: kafka", zap.Strings("brokers", kafkaCfg.Brokers), zap.String("topic", kafkaCfg.Topic))
	}
	if rdb != nil {
		sinks = append(sinks, events.NewRedisStreamPublisher(rdb, redisCfg.Stream, redisCfg.StatusTTL, redisCfg.StreamMaxLen))
		logger.Info("status events: redis stream", zap.String("stream", redisCfg.Stream))
	}

	var inner events.Publisher = events.Nop{}
	if len(sinks) > 0 {
		inner = events.NewMultiPublisher(sinks...)
	}
	return events.NewBroadcastPublisher(inner, broadcaster), closer
}

func retryPolicy(cfg config.RetryConfig, stepTimeout time.Duration, logger *zap.Logger, dependency string) resilience.RetryPolicy {
	return resilience.RetryPolicy{
		MaxAttempts:    cfg.MaxAttempts,
		BaseDelay:      cfg.BaseDelay,
		MaxDelay:       cfg.MaxDelay,
		Multiplier:     cfg.Multiplier,
		AttemptTimeout: stepTimeout,
		IsRetryable:    resilience.IsTransient,
		OnRetry: func(attempt int, err error) {
			logger.Debug("retrying call",
				zap.String("dependency", dependency),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		},
	}
}

func breaker(name string, cfg config.BreakerConfig, metrics *observability.Metrics, logger *zap.Logger) *resilience.CircuitBreaker {
	return resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:                 name,
		FailureRateThreshold: cfg.FailureRate,
		MinRequestVolume:     cfg.MinRequests,
		Window:               cfg.Window,
		Cooldown:             cfg.Cooldown,
		HalfOpenMaxProbes:    cfg.HalfOpenProbes,
		SuccessThreshold:     cfg.SuccessThreshold,
		IsFailure:            resilience.IsTransient,
		OnStateChange: func(name string, from, to resilience.State) {
			metrics.ObserveBreaker(name, from, to)
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to),
			)
		},
	})
}

// sagaConfig assembles the orchestrator configuration from env settings.
func sagaConfig(sc config.SagaConfig, rc config.ReliabilityConfig, metrics *observability.Metrics, logger *zap.Logger) (saga.Config, resilience.Guard) {
	var limiter *resilience.RateLimiter
	if rc.RateLimitInterval > 0 && rc.RateLimitBurst > 0 {
		limiter = resilience.NewRateLimiter(rc.RateLimitInterval, rc.RateLimitBurst, metrics.AddRateLimitWait)
	}

	compensation := retryPolicy(rc.Compensation, sc.StepTimeout, logger, "compensation")
	compensation.IsRetryable = saga.RetryCompensation

	cfg := saga.Config{
		Workers:          sc.Workers,
		QueueSize:        sc.QueueSize,
		PaymentTimeout:   sc.PaymentTimeout,
		RecoveryInterval: sc.RecoveryInterval,
		Inventory: resilience.Guard{
			Retry:   retryPolicy(rc.Retry, sc.StepTimeout, logger, "inventory"),
			Breaker: breaker("inventory", rc.Breaker, metrics, logger),
		},
		Compensation: compensation,
	}
	paymentGuard := resilience.Guard{
		Retry:   retryPolicy(rc.Retry, sc.StepTimeout, logger, "payment"),
		Breaker: breaker("payment", rc.Breaker, metrics, logger),
		Limiter: limiter,
	}
	return cfg, paymentGuard
}

func seedInventory(ctx context.Context, mgr *inventory.Manager, seed map[string]int64, logger *zap.Logger) error {
	var errs []error
	for product, qty := range seed {
		if err := mgr.Restock(ctx, product, qty); err != nil {
			errs = append(errs, fmt.Errorf("seed %s: %w", product, err))
			continue
		}
		logger.Info("inventory seeded", zap.String("product_id", product), zap.Int64("quantity", qty))
	}
	return errors.Join(errs...)
}
