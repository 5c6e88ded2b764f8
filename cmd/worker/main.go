package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/procura-erp/procura/internal/app"
	"github.com/procura-erp/procura/internal/approval"
	"github.com/procura-erp/procura/internal/budget"
	"github.com/procura-erp/procura/internal/contract"
	"github.com/procura-erp/procura/internal/docintel"
	"github.com/procura-erp/procura/internal/invoice"
	jobmetrics "github.com/procura-erp/procura/internal/jobs"
	"github.com/procura-erp/procura/internal/notify"
	"github.com/procura-erp/procura/internal/order"
	"github.com/procura-erp/procura/internal/platform/db"
	"github.com/procura-erp/procura/internal/procurement"
	"github.com/procura-erp/procura/internal/rfq"
	"github.com/procura-erp/procura/internal/shared"
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

	asynqClient := asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Warn("asynq close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	dispatcher := notify.NewQueueDispatcher(asynqClient, logger)

	budgetRepo := budget.NewRepository(pool)
	budgetService := budget.NewService(budgetRepo, auditLogger)

	approvalRepo := approval.NewRepository(pool)
	approvalService := approval.NewService(approvalRepo, approval.DefaultPolicy())

	procurementRepo := procurement.NewRepository(pool)
	procurementService := procurement.NewService(procurementRepo, budgetService, approvalService, dispatcher, auditLogger, procurement.ServiceConfig{
		MinReasonLen: cfg.MinReasonLen,
	})

	contractRepo := contract.NewRepository(pool)
	contractService := contract.NewService(contractRepo, auditLogger, contract.ServiceConfig{MinReasonLen: cfg.MinReasonLen})

	orderRepo := order.NewRepository(pool)
	orderService := order.NewService(orderRepo, procurementService, budgetService, contractService, dispatcher, auditLogger, order.ServiceConfig{
		MinReasonLen: cfg.MinReasonLen,
	})

	rfqRepo := rfq.NewRepository(pool)
	rfqService := rfq.NewService(rfqRepo, procurementService, orderService, contractService, dispatcher, auditLogger)

	extractor := invoice.NewQueueExtractor(asynqClient, logger)
	invoiceRepo := invoice.NewRepository(pool)
	invoiceService := invoice.NewService(invoiceRepo, orderService, budgetService, extractor, dispatcher, auditLogger, invoice.ServiceConfig{
		Match:        invoice.MatchPolicy{ToleranceBps: int64(cfg.MatchToleranceBps)},
		MinReasonLen: cfg.MinReasonLen,
	})
	orderService.SetInvoiceSource(invoiceService)

	docClient := &docintel.HTTPClient{
		BaseURL: cfg.DocintelURL,
		Client:  &http.Client{Timeout: cfg.DocintelTimeout},
	}
	webhookSender := &notify.WebhookSender{URL: cfg.WebhookURL}

	metrics := jobmetrics.NewMetrics(nil)

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: invoice.TaskTypeExtract, Handler: invoice.HandleExtractTask(docClient, invoiceService, logger)},
			{Type: notify.TaskTypeDispatch, Handler: notify.HandleDispatchTask(webhookSender)},
			{Type: jobs.TaskRFQCloseExpired, Handler: jobs.HandleSweepTask("rfq_close_expired", jobs.SweeperFunc(rfqService.CloseExpired), metrics, logger)},
			{Type: jobs.TaskContractExpire, Handler: jobs.HandleSweepTask("contract_expire_overdue", jobs.SweeperFunc(contractService.ExpireOverdue), metrics, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "@every " + cfg.RFQSweepInterval.String(), Task: asynq.NewTask(jobs.TaskRFQCloseExpired, nil), Options: []asynq.Option{asynq.MaxRetry(2)}},
			{Spec: "30 0 * * *", Task: asynq.NewTask(jobs.TaskContractExpire, nil), Options: []asynq.Option{asynq.MaxRetry(2)}},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("starting worker", slog.String("redis", cfg.RedisAddr))
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
