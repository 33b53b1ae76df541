package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/labstock/labstock/internal/app"
	"github.com/labstock/labstock/internal/catalog"
	"github.com/labstock/labstock/internal/ledger"
	"github.com/labstock/labstock/internal/location"
	"github.com/labstock/labstock/internal/observability"
	"github.com/labstock/labstock/internal/platform/cache"
	"github.com/labstock/labstock/internal/platform/db"
	"github.com/labstock/labstock/internal/rbac"
	"github.com/labstock/labstock/internal/request"
	"github.com/labstock/labstock/internal/shared"
	"github.com/labstock/labstock/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, views served uncached", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	rbacService := rbac.NewService(pool)

	catalogService := catalog.NewService(catalog.NewRepository(pool))
	locationService := location.NewService(location.NewRepository(pool))

	ledgerRepo := ledger.NewRepository(pool)
	viewCache := ledger.NewViewCache(redisClient, cfg.CacheTTL)
	ledgerService := ledger.NewService(ledgerRepo, viewCache)

	requestRepo := request.NewRepository(pool)
	requestService := request.NewService(requestRepo, ledgerService, catalogService, locationService, rbacService, auditLogger, idempotencyStore)

	metrics := observability.NewMetrics()
	requestService.WithMetrics(metrics)

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobsClient, err := jobs.NewClient(redisOpts)
	if err != nil {
		logger.Error("build jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	requestHandler := request.NewHandler(logger, requestService)
	stockHandler := ledger.NewHandler(logger, ledgerService, rbacService)
	catalogHandler := catalog.NewHandler(logger, catalogService, rbacService)
	locationHandler := location.NewHandler(logger, locationService, rbacService)
	adminHandler := rbac.NewHandler(logger, rbacService, rbacService)
	jobsHandler := jobs.NewHandler(asynq.NewInspector(redisOpts), jobsClient, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		RequestHandler:  requestHandler,
		StockHandler:    stockHandler,
		CatalogHandler:  catalogHandler,
		LocationHandler: locationHandler,
		AdminHandler:    adminHandler,
		JobsHandler:     jobsHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
