// Package app собирает сервис исполнения заказов: хранилище, downstream-порты,
// сагу, outbox poller, HTTP API, gRPC health и служебный HTTP-порт.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/fulfillment/internal/health"
	"github.com/vladislavdragonenkov/fulfillment/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/fulfillment/internal/metrics"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/idempotency"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/order"
	"github.com/vladislavdragonenkov/fulfillment/internal/service/outbox"
	httptransport "github.com/vladislavdragonenkov/fulfillment/internal/transport/http"
)

const (
	grpcStopTimeout = 5 * time.Second
	readHeaderLimit = 10 * time.Second
)

// application — собранные компоненты одного процесса.
type application struct {
	cfg    Config
	logger *log.Entry

	deps     *Dependencies
	producer *kafka.Producer
	consumer *kafka.Consumer
	orders   *order.Service
	poller   *outbox.Poller
	cleanup  *idempotency.CleanupWorker
	active   *httptransport.ActiveRequests
	api      http.Handler
}

func newApplication(ctx context.Context, cfg Config, logger *log.Entry) (*application, error) {
	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	// Kafka необязательна: без producer события саги не публикуются.
	producer, _ := initKafkaProducer(cfg, logger)

	orch := createOrchestrator(deps, producer, metrics.NewSagaMetrics())
	idem := idempotency.NewService(deps.Idempotency,
		idempotency.WithExpiry(cfg.IdempotencyExpiry),
		idempotency.WithServiceLogger(logger.WithField("component", "idempotency")),
	)
	orders := order.NewService(deps.Orders, idem,
		createExecutor(cfg.ProcessingMode, deps, orch, logger),
		logger.WithField("component", "order-service"),
	)

	consumer, err := initShipmentConsumer(cfg, orders, producer, logger)
	if err != nil {
		closeKafka(producer, logger)
		deps.Close()
		return nil, fmt.Errorf("init shipment consumer: %w", err)
	}

	a := &application{
		cfg:      cfg,
		logger:   logger,
		deps:     deps,
		producer: producer,
		consumer: consumer,
		orders:   orders,
		cleanup: idempotency.NewCleanupWorker(deps.Idempotency, idempotency.CleanupConfig{
			Interval:   cfg.IdempotencyCleanupInterval,
			BatchSize:  cfg.IdempotencyCleanupBatchSize,
			MaxBatches: cfg.IdempotencyCleanupMaxBatches,
		}, logger.WithField("component", "idempotency-cleanup")),
		active: httptransport.NewActiveRequests(),
	}
	if cfg.ProcessingMode == ProcessingModeAsync {
		a.poller = outbox.NewPoller(deps.Outbox, orch,
			outbox.WithLogger(logger.WithField("component", "outbox-poller")),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithRetryInterval(cfg.OutboxRetryInterval),
			outbox.WithCleanupInterval(cfg.OutboxCleanupInterval),
			outbox.WithMaxRetries(cfg.OutboxMaxRetries),
			outbox.WithRetention(cfg.OutboxRetention),
		)
	}
	a.api = httptransport.NewHandler(orders, a.active, logger.WithField("component", "http-api")).Routes()
	return a, nil
}

// startWorkers запускает фоновые циклы до отмены ctx.
func (a *application) startWorkers(ctx context.Context, wg *sync.WaitGroup) error {
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	run(a.cleanup.Run)
	if a.poller != nil {
		run(a.poller.Run)
	}
	if a.consumer != nil {
		if err := a.consumer.Start(ctx); err != nil {
			return fmt.Errorf("start shipment consumer: %w", err)
		}
	}
	return nil
}

func (a *application) close() {
	if a.consumer != nil {
		if err := a.consumer.Stop(); err != nil {
			a.logger.WithError(err).Warn("failed to stop shipment consumer")
		}
	}
	closeKafka(a.producer, a.logger)
	a.deps.Close()
}

// newGRPCServer поднимает gRPC health (статус каждого downstream по его breaker) и reflection.
func (a *application) newGRPCServer() (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			a.logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}
	server := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthcheck.BindBreakers(healthServer, a.deps.Registry)
	healthpb.RegisterHealthServer(server, healthServer)
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)
	return server, healthServer
}

// Run запускает сервис и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	a, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()
	var workers sync.WaitGroup
	if err := a.startWorkers(workerCtx, &workers); err != nil {
		return err
	}

	apiSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: a.api, ReadHeaderTimeout: readHeaderLimit}
	opsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: opsRouter(a.deps.Health, a.deps.Registry), ReadHeaderTimeout: readHeaderLimit}
	grpcServer, healthServer := a.newGRPCServer()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		stopWorkers()
		workers.Wait()
		return err
	}

	errCh := make(chan error, 3)
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http api: %w", err)
		}
	}()
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", cfg.MetricsAddr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", cfg.MetricsAddr, cfg.MetricsAddr, cfg.MetricsAddr)
		if err := opsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ops server: %w", err)
		}
	}()
	go func() {
		logger.Infof("gRPC сервер слушает %s", cfg.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки")
		runErr = ctx.Err()
	case runErr = <-errCh:
		logger.WithError(runErr).Error("server failed, shutting down")
	}

	healthServer.Shutdown()
	shutdownAPI(apiSrv, a.active, cfg.ShutdownTimeout, logger)
	stopGRPC(grpcServer, logger)
	stopWorkers()
	workers.Wait()
	shutdownHTTP(opsSrv, logger)
	return runErr
}

// shutdownAPI перестаёт принимать запросы и ждёт завершения начатых.
func shutdownAPI(srv *http.Server, active *httptransport.ActiveRequests, timeout time.Duration, logger *log.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Shutdown(ctx) }()

	if left := active.Wait(ctx, 50*time.Millisecond); left > 0 {
		logger.WithField("active_requests", left).Warn("shutdown timeout reached with requests in flight")
	}
	if err := <-done; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http api shutdown with error")
	}
}

func stopGRPC(server *grpc.Server, logger *log.Entry) {
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(grpcStopTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// shutdownHTTP аккуратно останавливает служебный HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
