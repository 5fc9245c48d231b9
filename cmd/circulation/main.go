// Package main запускает HTTP-сервер сервиса выдачи книг.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/library-circulation/internal/config"
	"github.com/mmeshcher/library-circulation/internal/errs"
	"github.com/mmeshcher/library-circulation/internal/handler"
	"github.com/mmeshcher/library-circulation/internal/metrics"
	"github.com/mmeshcher/library-circulation/internal/middleware"
	"github.com/mmeshcher/library-circulation/internal/repository"
	"github.com/mmeshcher/library-circulation/internal/scheduler"
	"github.com/mmeshcher/library-circulation/internal/service"
	"github.com/mmeshcher/library-circulation/internal/supplier"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI, cfg.LockTimeout)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is not set, using in-memory store; data will be lost on restart")
		repo = repository.NewMemoryStore(cfg.LockTimeout)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []service.Option{service.WithMetrics(metrics.NewWorkflowMetrics(reg))}
	if cfg.SupplierSystemAddress != "" {
		opts = append(opts, service.WithSupplierClient(supplier.NewClient(cfg.SupplierSystemAddress)))
	}

	svc := service.NewService(repo, cfg.Policy.Model(), logger, opts...)
	defer svc.Close()

	jobs, closeLock, err := newScheduler(ctx, cfg, svc, logger, reg)
	if err != nil {
		sugar.Fatalw("scheduler initialization error", "error", err.Error())
	}
	defer closeLock()

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		sugar.Warn("JWT_SECRET is not set, tokens will not survive a restart")
	}
	h := handler.NewHandler(svc, logger, authMiddleware, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновых задач
	g.Go(func() error {
		sugar.Infow("starting scheduler", "jobs", jobs.Jobs())
		return jobs.Run(ctx)
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting circulation server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

// newScheduler регистрирует фоновые задачи. При заданном REDIS_URL задачи
// выполняются не более чем одним экземпляром сервиса одновременно.
func newScheduler(ctx context.Context, cfg *config.Config, svc *service.Service, logger *zap.Logger, reg prometheus.Registerer) (*scheduler.Service, func(), error) {
	closeLock := func() {}

	var lock scheduler.Lock
	if cfg.RedisURL != "" {
		client, err := scheduler.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, closeLock, err
		}
		closeLock = func() { _ = client.Close() }
		redisLock, err := scheduler.NewRedisLock(client, "", 0)
		if err != nil {
			closeLock()
			return nil, func() {}, err
		}
		lock = redisLock
	}

	jobs, err := scheduler.NewService(scheduler.ServiceParams{
		Logger:  logger,
		Lock:    lock,
		Metrics: metrics.NewJobMetrics(reg),
	})
	if err != nil {
		closeLock()
		return nil, func() {}, err
	}

	jobs.Register(scheduler.NewJob("reservation-expiry", func(ctx context.Context) error {
		_, err := svc.ExpireReservations(ctx)
		return err
	}), cfg.ExpirySweepInterval)

	jobs.Register(scheduler.NewJob("supplier-sync", svc.SyncSupplierOrders), cfg.SupplierSyncInterval)

	params := service.ForecastParams{
		ThresholdRatio: cfg.AutoOrderThreshold,
		Quantity:       cfg.AutoOrderQuantity,
		Supplier:       cfg.AutoOrderSupplier,
	}
	jobs.Register(scheduler.NewJob("auto-order", func(ctx context.Context) error {
		_, err := svc.AutoOrder(ctx, params)
		if errors.Is(err, errs.ErrNoCandidates) {
			logger.Debug("auto order skipped, no understocked titles")
			return nil
		}
		return err
	}), cfg.AutoOrderInterval)

	return jobs, closeLock, nil
}
