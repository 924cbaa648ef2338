package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	healthcheck "github.com/vladislavdragonenkov/ticketing/internal/health"
	"github.com/vladislavdragonenkov/ticketing/internal/metrics"
	"github.com/vladislavdragonenkov/ticketing/internal/service/booking"
	"github.com/vladislavdragonenkov/ticketing/internal/service/idempotency"
	"github.com/vladislavdragonenkov/ticketing/internal/service/outbox"
	"github.com/vladislavdragonenkov/ticketing/internal/service/payment"
	"github.com/vladislavdragonenkov/ticketing/internal/service/rest"
	"github.com/vladislavdragonenkov/ticketing/internal/tracing"
	"github.com/vladislavdragonenkov/ticketing/internal/version"
)

const serviceName = "ticket-service"

// application - собранный сервис: API, фоновые воркеры и их зависимости.
type application struct {
	cfg     Config
	logger  *log.Entry
	deps    *Dependencies
	api     *echo.Echo
	health  *healthcheck.Handler
	outbox  *outbox.Worker
	cleanup *idempotency.CleanupWorker

	listen func(network, address string) (net.Listener, error)
}

func newApplication(ctx context.Context, cfg Config, logger *log.Entry) (*application, error) {
	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	payments := payment.NewSimulator(
		payment.WithSuccessRate(cfg.PaymentSuccessRate),
		payment.WithLatency(cfg.PaymentLatency),
		payment.WithLogger(logger.WithField("layer", "payment")),
	)
	svc := booking.NewService(deps.Units, deps.Tiers, deps.Bookings, payments,
		booking.WithAttempts(deps.Attempts),
		booking.WithMetrics(metrics.NewBookingMetrics()),
		booking.WithLogger(logger.WithField("layer", "booking")),
	)

	handler := rest.NewHandler(svc,
		rest.WithIdempotency(deps.Idempotency, cfg.IdempotencyTTL),
		rest.WithHTTPMetrics(metrics.NewHTTPMetrics(nil)),
		rest.WithLogger(logger.WithField("layer", "http")),
	)

	health := healthcheck.NewHandler(version.GetVersion())
	deps.RegisterCheckers(health)

	return &application{
		cfg:    cfg,
		logger: logger,
		deps:   deps,
		api:    rest.NewEcho(handler),
		health: health,
		outbox: outbox.NewWorker(deps.Outbox, deps.Publisher,
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithDLQPublisher(deps.DLQ),
			outbox.WithPollInterval(cfg.OutboxPoll),
			outbox.WithBatchSize(cfg.OutboxBatch),
			outbox.WithMaxAttempts(cfg.OutboxAttempts),
		),
		cleanup: idempotency.NewCleanupWorker(deps.Idempotency,
			idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup")),
			idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		),
		listen: net.Listen,
	}, nil
}

// Run поднимает сервис и блокируется до отмены ctx или падения API-сервера.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Endpoint:       cfg.OTLPEndpoint,
		ServiceName:    serviceName,
		ServiceVersion: version.GetVersion(),
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("tracer shutdown with error")
		}
	}()

	a, err := newApplication(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.deps.Close(); err != nil {
			logger.WithError(err).Warn("failed to close dependencies")
		}
	}()

	return a.run(ctx)
}

func (a *application) run(ctx context.Context) error {
	lis, err := a.listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return err
	}

	// Сервер метрик и воркеры живут не дольше API, даже если родительский ctx ещё активен.
	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	metricsSrv := startMetricsServer(runCtx, a.cfg.MetricsAddr, a.logger, a.health)

	workersCtx, stopWorkers := context.WithCancel(runCtx)
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		a.outbox.Run(workersCtx)
	}()
	go func() {
		defer workers.Done()
		a.cleanup.Run(workersCtx)
	}()

	apiSrv := &http.Server{
		Handler:           a.api,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Infof("HTTP API слушает %s", lis.Addr())
		errCh <- apiSrv.Serve(lis)
	}()

	stop := func() {
		a.shutdown(apiSrv)
		stopWorkers()
		workers.Wait()
		shutdownHTTP(metricsSrv, a.logger)
	}

	select {
	case <-ctx.Done():
		a.logger.Info("получен сигнал остановки, останавливаем HTTP API")
		stop()
		return ctx.Err()
	case err := <-errCh:
		stop()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// shutdown даёт запросам в полёте завершиться, иначе закрывает соединения.
// Незавершённые транзакции откатываются по отмене контекста запроса.
func (a *application) shutdown(srv *http.Server) {
	timeout := a.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.WithError(err).Warn("graceful shutdown превысил таймаут, принудительно закрываем соединения")
		_ = srv.Close()
	}
}

// startMetricsServer запускает HTTP-сервер /metrics и health-проб.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, health *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", health)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", health.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
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
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("metrics shutdown with error")
	}
}
