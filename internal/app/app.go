package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/order"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run поднимает хранилища, фоновые воркеры, gRPC health и HTTP-метрики и работает до отмены ctx.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := log.WithField("component", "app")
	logger.WithFields(version.Fields()).Info("starting storefront")

	deps, err := initRuntimeDependencies(ctx, cfg, logger.WithField("layer", "storage"))
	if err != nil {
		return err
	}
	defer deps.close(logger)

	orderMetrics := metrics.NewOrderMetrics()
	orders := order.NewService(order.Deps{
		Orders:      deps.orders,
		Products:    deps.products,
		Customers:   deps.customers,
		Outbox:      deps.outbox,
		Timeline:    deps.timeline,
		Idempotency: deps.idempotency,
	},
		order.WithLogger(logger.WithField("component", "order-service")),
		order.WithMetrics(orderMetrics),
		order.WithIdempotencyTTL(cfg.IdempotencyTTL),
	)

	// Без Kafka outbox копится, а сверка стока не запускается.
	producer, err := initKafkaProducer(cfg.KafkaBrokers, logger)
	if err != nil {
		logger.WithError(err).Warn("kafka producer is unavailable, continuing without kafka")
	}
	defer closeKafkaProducer(producer, logger)

	probes := healthcheck.NewHandler(version.GetVersion())
	if deps.storageChecker != nil {
		probes.RegisterChecker("storage", deps.storageChecker)
	}

	workerCtx, stopWorkers := context.WithCancel(ctx)
	workers := &workerGroup{}

	workers.start(workerCtx, idempotency.NewCleanupWorker(deps.idempotency,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup-worker")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		idempotency.WithProcessingTimeout(cfg.IdempotencyProcessingTimeout),
	).Run)

	var reconciler *stockReconciler
	if producer == nil {
		logger.Info("kafka is not configured, outbox messages stay pending")
	} else {
		workers.start(workerCtx, outbox.NewWorker(deps.outbox,
			kafka.NewOutboxPublisher(producer, cfg.KafkaOutboxTopic),
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithDLQPublisher(kafka.NewOutboxPublisher(producer, kafka.TopicDeadLetterQueue)),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
			outbox.WithMetrics(metrics.NewOutboxMetrics()),
		).Run)
		probes.RegisterChecker("outbox", healthcheck.NewOutboxBacklogChecker(deps.outbox, cfg.OutboxMaxPendingAge))

		if cfg.ReconcilerEnabled {
			reconciler = startReconciler(workerCtx, cfg, orders, orderMetrics, deps, producer, logger)
		}
	}

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, probes)
	shutdown := func() {
		shutdownWorkers(stopWorkers, workers.done(), logger)
		reconciler.stop(logger)
		shutdownHTTP(metricsSrv, logger)
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdown()
		return err
	}

	grpcServer, grpcHealth := newGRPCServer()
	err = serveGRPC(ctx, grpcServer, grpcHealth, lis, logger)
	shutdown()
	return err
}

// startReconciler возвращает nil, если consumer не удалось создать; сервис работает и без сверки.
func startReconciler(ctx context.Context, cfg Config, orders *order.Service, orderMetrics *metrics.OrderMetrics,
	deps runtimeDependencies, producer *kafka.Producer, logger *log.Entry) *stockReconciler {
	reconciler, err := initStockReconciler(cfg, orders.Ledger(), deps.timeline, orderMetrics, producer, logger)
	if err != nil {
		logger.WithError(err).Warn("stock reconciler is disabled")
		return nil
	}
	if err := reconciler.consumer.Start(ctx); err != nil {
		logger.WithError(err).Warn("failed to start stock reconciler")
	}
	return reconciler
}

// newGRPCServer собирает gRPC-сервер только со служебными сервисами: health, reflection и метрики.
func newGRPCServer() (*grpc.Server, *health.Server) {
	grpcMetrics := metrics.NewGRPCServerMetrics()
	server := grpc.NewServer(grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(server, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	reflection.Register(server)
	grpcMetrics.InitializeMetrics(server)
	return server, healthServer
}

// serveGRPC обслуживает lis до отмены ctx, затем пытается остановиться мягко не дольше shutdownTimeout.
func serveGRPC(ctx context.Context, server *grpc.Server, healthServer *health.Server, lis net.Listener, logger *log.Entry) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC сервер слушает %s", lis.Addr())
		errCh <- server.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logger.Info("получен сигнал остановки, останавливаем gRPC сервер")
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(shutdownTimeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
	return ctx.Err()
}

// workerGroup запускает фоновые воркеры и ждёт их завершения.
type workerGroup struct {
	wg sync.WaitGroup
}

func (g *workerGroup) start(ctx context.Context, run func(context.Context)) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		run(ctx)
	}()
}

func (g *workerGroup) done() <-chan struct{} {
	return waitDone(&g.wg)
}

// waitDone закрывает канал, когда wg дождался всех.
func waitDone(wg *sync.WaitGroup) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// shutdownWorkers отменяет воркеры и ждёт их не дольше shutdownTimeout.
func shutdownWorkers(cancel context.CancelFunc, done <-chan struct{}, logger *log.Entry) {
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return
	}
	select {
	case <-done:
		logger.Info("background workers stopped")
	case <-time.After(shutdownTimeout):
		logger.Warn("background workers did not stop in time")
	}
}

// startMetricsServer отдаёт /metrics и health probes; ошибка прослушивания только логируется.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, probes *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", probes)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", probes.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.WithField("addr", addr).Info("metrics and health probes are served")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()
	context.AfterFunc(ctx, func() { shutdownHTTP(srv, logger) })

	return srv
}

func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
