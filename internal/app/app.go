// Package app собирает storefront из конфигурации и управляет жизненным циклом серверов.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/retailcore/internal/health"
	"github.com/vladislavdragonenkov/retailcore/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/retailcore/internal/metrics"
	"github.com/vladislavdragonenkov/retailcore/internal/service/idempotency"
	"github.com/vladislavdragonenkov/retailcore/internal/service/outbox"
	"github.com/vladislavdragonenkov/retailcore/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/retailcore/internal/version"
)

const (
	shutdownTimeout     = 5 * time.Second
	drainTimeout        = 5 * time.Second
	healthSyncInterval  = 5 * time.Second
	outboxStaleAfter    = 5 * time.Minute
	grpcStorefrontName  = "retailcore.Storefront"
	httpReadHeaderLimit = 5 * time.Second
)

// Run поднимает HTTP API, gRPC health, сервер метрик и фоновые воркеры; блокируется до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	logger.WithFields(version.Fields()).WithField("env", cfg.Environment).Info("starting storefront")

	deps, err := initRuntimeDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	commerceMetrics := metrics.NewCommerceMetricsWithRegisterer(registry)

	gateway, err := newPaymentGateway(cfg, logger)
	if err != nil {
		return err
	}
	services, err := buildServices(cfg, deps, gateway, commerceMetrics, logger)
	if err != nil {
		return err
	}

	kafkaProducer, err := initKafkaProducer(cfg, logger)
	if err != nil {
		// без брокера сообщения остаются в outbox до следующего запуска
		kafkaProducer = nil
	}
	defer closeKafka(kafkaProducer, logger)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	registerCheckers(healthHandler, deps)

	workersCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	outboxWorker := startOutboxWorker(workersCtx, &workers, cfg, deps, kafkaProducer, registry, logger)
	startIdempotencyCleanup(workersCtx, &workers, cfg, deps, registry, logger)

	grpcMetrics := promgrpc.NewServerMetrics()
	registry.MustRegister(grpcMetrics)
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	go healthHandler.SyncGRPC(workersCtx, healthServer, healthSyncInterval, grpcStorefrontName)

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler, registry)

	api := httpapi.NewServer(httpapi.Config{
		Environment:    cfg.Environment,
		CORSOrigins:    cfg.corsOrigins(),
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
		MaxBodyBytes:   cfg.MaxBodyBytes,
	}, services, logger.WithField("component", "http-api"))

	apiListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		stopWorkers()
		workers.Wait()
		shutdownHTTP(metricsSrv, logger)
		return err
	}
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = apiListener.Close()
		stopWorkers()
		workers.Wait()
		shutdownHTTP(metricsSrv, logger)
		return err
	}

	apiSrv := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: httpReadHeaderLimit}
	errCh := make(chan error, 2)
	go func() {
		logger.Infof("HTTP API слушает %s", apiListener.Addr())
		if err := apiSrv.Serve(apiListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		logger.Infof("gRPC сервер слушает %s", grpcListener.Addr())
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		runErr = ctx.Err()
	case runErr = <-errCh:
		logger.WithError(runErr).Error("server failed")
	}

	shutdownHTTP(apiSrv, logger)
	stopGRPC(grpcServer, healthServer, logger)
	stopWorkers()
	workers.Wait()
	drainOutbox(outboxWorker, logger)
	shutdownHTTP(metricsSrv, logger)

	return runErr
}

func registerCheckers(handler *healthcheck.Handler, deps *runtimeDependencies) {
	storage := deps.storageChecker
	if storage == nil {
		storage = healthcheck.CheckFunc(func(context.Context) error { return nil })
	}
	handler.Register("storage", storage)
	handler.Register("carts", deps.cartChecker)
	handler.Register("outbox", healthcheck.CheckFunc(func(ctx context.Context) error {
		stats, err := deps.store.Outbox().Stats(ctx)
		if err != nil {
			return err
		}
		if stats.PendingCount > 0 && time.Since(stats.OldestPendingAt) > outboxStaleAfter {
			return errors.New("outbox backlog is stale")
		}
		return nil
	}), healthcheck.Optional())
}

// startOutboxWorker запускает публикацию outbox. Без Kafka воркер не создаётся, сообщения копятся.
func startOutboxWorker(
	ctx context.Context,
	wg *sync.WaitGroup,
	cfg Config,
	deps *runtimeDependencies,
	producer *kafka.Producer,
	registerer prometheus.Registerer,
	logger *log.Entry,
) *outbox.Worker {
	if producer == nil {
		logger.Info("kafka is not configured, outbox worker disabled")
		return nil
	}

	worker := outbox.NewWorker(
		deps.store.Outbox(),
		kafka.NewOutboxPublisher(producer, cfg.KafkaTopic),
		outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, cfg.KafkaDLQTopic)),
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithRegisterer(registerer),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()
	return worker
}

func startIdempotencyCleanup(
	ctx context.Context,
	wg *sync.WaitGroup,
	cfg Config,
	deps *runtimeDependencies,
	registerer prometheus.Registerer,
	logger *log.Entry,
) {
	worker := idempotency.NewCleanupWorker(
		deps.idempotencyRepo,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
		idempotency.WithRegisterer(registerer),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		worker.Run(ctx)
	}()
}

// drainOutbox дописывает backlog перед остановкой.
func drainOutbox(worker *outbox.Worker, logger *log.Entry) {
	if worker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	res := worker.Drain(ctx)
	logger.WithFields(log.Fields{
		"published":     res.Published,
		"failed":        res.Failed,
		"dead_lettered": res.DeadLettered,
	}).Info("outbox drained")
}

func stopGRPC(server *grpc.Server, healthServer *health.Server, logger *log.Entry) {
	healthServer.Shutdown()

	stoppedCh := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stoppedCh)
	}()
	select {
	case <-stoppedCh:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus и health-проверки.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler, gatherer prometheus.Gatherer) *http.Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: httpReadHeaderLimit}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
