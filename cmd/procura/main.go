package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/procura-erp/procura/internal/analytics"
	"github.com/procura-erp/procura/internal/app"
	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/audit"
	"github.com/procura-erp/procura/internal/auth"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/contract"
	"github.com/procura-erp/procura/internal/invoice"
	"github.com/procura-erp/procura/internal/notify"
	"github.com/procura-erp/procura/internal/observability"
	"github.com/procura-erp/procura/internal/order"
	"github.com/procura-erp/procura/internal/platform/cache"
	"github.com/procura-erp/procura/internal/platform/db"
	"github.com/procura-erp/procura/internal/procurement"
	"github.com/procura-erp/procura/internal/rfq"
	"github.com/procura-erp/procura/internal/shared"
	"github.com/procura-erp/procura/internal/vendors"
	"github.com/procura-erp/procura/jobs"
)

func main() {
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
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	idempotencyStore := shared.NewIdempotencyStore(redisClient, cfg.IdempotencyTTL)
	dispatcher := notify.NewQueueDispatcher(asynqClient, logger)

	authRepo := auth.NewRepository(pool)
	authService := auth.NewService(authRepo, auth.Config{
		Secret:     []byte(cfg.JWTSecret),
		AccessTTL:  cfg.AccessTTL,
		RefreshTTL: cfg.RefreshTTL,
	})
	authHandler := auth.NewHandler(logger, authService)
	authMiddleware := auth.NewMiddleware(authService)

	budgetRepo := budget.NewRepository(pool)
	budgetService := budget.NewService(budgetRepo, auditLogger)
	budgetHandler := budget.NewHandler(logger, budgetService)

	approvalRepo := approval.NewRepository(pool)
	approvalService := approval.NewService(approvalRepo, approval.DefaultPolicy())

	procurementRepo := procurement.NewRepository(pool)
	procurementService := procurement.NewService(procurementRepo, budgetService, approvalService, dispatcher, auditLogger, procurement.ServiceConfig{
		MinReasonLen: cfg.MinReasonLen,
	})
	procurementHandler := procurement.NewHandler(logger, procurementService)

	contractRepo := contract.NewRepository(pool)
	contractService := contract.NewService(contractRepo, auditLogger, contract.ServiceConfig{MinReasonLen: cfg.MinReasonLen})
	contractHandler := contract.NewHandler(logger, contractService)

	orderRepo := order.NewRepository(pool)
	orderService := order.NewService(orderRepo, procurementService, budgetService, contractService, dispatcher, auditLogger, order.ServiceConfig{
		MinReasonLen: cfg.MinReasonLen,
	})
	orderHandler := order.NewHandler(logger, orderService, procurementService)

	rfqRepo := rfq.NewRepository(pool)
	rfqService := rfq.NewService(rfqRepo, procurementService, orderService, contractService, dispatcher, auditLogger)
	rfqHandler := rfq.NewHandler(logger, rfqService)

	extractor := invoice.NewQueueExtractor(asynqClient, logger)
	invoiceRepo := invoice.NewRepository(pool)
	invoiceService := invoice.NewService(invoiceRepo, orderService, budgetService, extractor, dispatcher, auditLogger, invoice.ServiceConfig{
		Match:        invoice.MatchPolicy{ToleranceBps: int64(cfg.MatchToleranceBps)},
		MinReasonLen: cfg.MinReasonLen,
	})
	invoiceHandler := invoice.NewHandler(logger, invoiceService)
	orderService.SetInvoiceSource(invoiceService)

	vendorsRepo := vendors.NewRepository(pool)
	vendorsService := vendors.NewService(vendorsRepo, auditLogger)
	vendorsHandler := vendors.NewHandler(logger, vendorsService)

	analyticsRepo := analytics.NewRepository(pool)
	analyticsCache := analytics.NewCache(redisClient, cfg.AnalyticsCacheTTL)
	analyticsService := analytics.NewService(analyticsRepo, analyticsCache)
	analyticsHandler := analytics.NewHandler(logger, analyticsService)

	auditRepo := audit.NewRepository(pool)
	auditService := audit.NewService(auditRepo)
	auditHandler := audit.NewHandler(logger, auditService)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("asynq inspector close", slog.Any("error", err))
		}
	}()
	jobsHandler := jobs.NewHandler(inspector, logger)

	metrics := observability.NewMetrics()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Idempotency:        idempotencyStore,
		Auth:               authMiddleware,
		AuthHandler:        authHandler,
		BudgetHandler:      budgetHandler,
		ProcurementHandler: procurementHandler,
		RFQHandler:         rfqHandler,
		OrderHandler:       orderHandler,
		InvoiceHandler:     invoiceHandler,
		ContractHandler:    contractHandler,
		VendorsHandler:     vendorsHandler,
		AnalyticsHandler:   analyticsHandler,
		AuditHandler:       auditHandler,
		JobsHandler:        jobsHandler,
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
