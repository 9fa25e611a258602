package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"fulfillment/cmd/server/config"
	"fulfillment/internal/adapters/grpc"
	httpadapter "fulfillment/internal/adapters/http"
	"fulfillment/internal/inventory"
	"fulfillment/internal/observability"
	"fulfillment/internal/orders/saga"
	"fulfillment/internal/payment"
	"fulfillment/internal/realtime"
	"fulfillment/internal/resilience"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	grpcpkg "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := config.LoadDotEnv(); err != nil {
		log.Fatalf("config error: %v", err)
	}
	serverCfg, err := config.LoadServer()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger, err := observability.NewLogger(serverCfg.Env, serverCfg.LogLevel)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(ctx, serverCfg, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func run(ctx context.Context, serverCfg config.ServerConfig, logger *zap.Logger) error {
	sagaCfg, err := config.LoadSaga()
	if err != nil {
		return err
	}
	reliabilityCfg, err := config.LoadReliability()
	if err != nil {
		return err
	}
	paymentCfg, err := config.LoadPayment()
	if err != nil {
		return err
	}
	redisCfg, err := config.LoadRedis()
	if err != nil {
		return err
	}
	kafkaCfg, err := config.LoadKafka()
	if err != nil {
		return err
	}
	grpcCfg, err := config.LoadGRPC()
	if err != nil {
		return err
	}
	seed, err := config.LoadInventorySeed()
	if err != nil {
		return err
	}

	collector := observability.NewCollector("fulfillment")
	metrics := observability.NewMetrics().WithPrometheus(collector)

	rdb, err := buildRedis(ctx, redisCfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
	}

	st, err := buildStores(ctx, config.DatabaseURL(), sagaCfg, rdb, logger)
	if err != nil {
		return err
	}
	defer st.Close(logger)

	inventoryMgr := inventory.NewManager(st.stock, logger.Named("inventory"))
	if err := seedInventory(ctx, inventoryMgr, seed, logger); err != nil {
		return err
	}

	provider, err := buildProvider(paymentCfg, logger)
	if err != nil {
		return err
	}
	orchCfg, paymentGuard := sagaConfig(sagaCfg, reliabilityCfg, metrics, logger)
	gateway := payment.NewGateway(provider, st.intents, paymentGuard, logger.Named("payment"))

	hub := realtime.NewHub(logger.Named("realtime"))
	publisher, closePublisher := buildPublisher(kafkaCfg, redisCfg, rdb, hub, logger)
	defer func() {
		if err := closePublisher(); err != nil {
			logger.Warn("close publisher", zap.Error(err))
		}
	}()

	orchestrator := saga.New(st.sagas, inventoryMgr, gateway, orchCfg,
		saga.WithLogger(logger.Named("saga")),
		saga.WithPublisher(publisher),
		saga.WithRecorder(metrics),
	)
	recovered, err := orchestrator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover sagas: %w", err)
	}
	logger.Info("saga recovery complete", zap.Int("sagas", recovered))

	webhook := buildWebhook(paymentCfg, redisCfg, rdb, orchestrator, logger)

	var limiter rateLimiter
	if grpcCfg.RateLimitInterval > 0 && grpcCfg.RateLimitBurst > 0 {
		limiter = resilience.NewRateLimiter(grpcCfg.RateLimitInterval, grpcCfg.RateLimitBurst, metrics.AddRateLimitWait)
	}
	server := grpcpkg.NewServer(
		grpcpkg.UnaryInterceptor(rateLimitUnaryInterceptor(limiter, metrics, logger)),
		grpcpkg.StreamInterceptor(rateLimitStreamInterceptor(limiter, metrics, logger)),
	)
	grpc.RegisterOrderServiceServer(server, grpc.NewOrderServer(orchestrator))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus(grpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	if !serverCfg.Production() {
		reflection.Register(server)
		logger.Info("gRPC reflection enabled", zap.String("env", serverCfg.Env))
	}

	lis, err := net.Listen("tcp", serverCfg.GRPCAddr)
	if err != nil {
		return err
	}

	handler := httpadapter.NewHandler(orchestrator, httpadapter.Options{
		Webhook:    webhook,
		Realtime:   hub,
		Metrics:    metrics,
		Prometheus: collector,
		Ready:      st.ping,
	}, logger.Named("http"))
	httpSrv := &http.Server{Addr: serverCfg.HTTPAddr, Handler: handler.Routes()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return orchestrator.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		logger.Info("gRPC server listening", zap.String("addr", serverCfg.GRPCAddr))
		return server.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("HTTP server listening", zap.String("addr", serverCfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		healthServer.SetServingStatus(grpc.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), serverCfg.ShutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", zap.Error(err))
		}
		stopped := make(chan struct{})
		go func() {
			server.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			server.Stop()
		}
		snap := metrics.Snapshot()
		metrics.MarkShutdown(snap.InFlight)
		logger.Info("server stopped", zap.Int64("in_flight", snap.InFlight))
		return nil
	})
	return g.Wait()
}
