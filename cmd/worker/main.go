package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/guildgate/guildgate/internal/app"
	"github.com/guildgate/guildgate/internal/gateway"
	jobmetrics "github.com/guildgate/guildgate/internal/jobs"
	"github.com/guildgate/guildgate/internal/mapping"
	"github.com/guildgate/guildgate/internal/onboarding"
	"github.com/guildgate/guildgate/internal/personnel"
	"github.com/guildgate/guildgate/internal/platform/cache"
	"github.com/guildgate/guildgate/internal/platform/db"
	"github.com/guildgate/guildgate/internal/shared"
	"github.com/guildgate/guildgate/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Asynq manages its own Redis connections; this ping only fails fast
	// on a misconfigured address.
	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	if err := redisClient.Close(); err != nil {
		logger.Warn("redis close", slog.Any("error", err))
	}

	store, err := mapping.NewStore(cfg.MappingPath)
	if err != nil {
		logger.Error("load mapping table", slog.Any("error", err))
		os.Exit(1)
	}

	adapter := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayToken, cfg.GatewayTimeout)
	auditLogger := shared.NewAuditLogger(pool)
	registry := personnel.NewRegistry(pool, logger)

	onboardingRepo := onboarding.NewRepository(pool)
	onboardingService := onboarding.NewService(onboardingRepo, adapter, registry, store, auditLogger, logger, onboarding.Config{
		InviteTTL:     cfg.InviteTTL,
		InviteMaxUses: cfg.InviteMaxUses,
	})

	metrics := jobmetrics.NewMetrics(prometheus.DefaultRegisterer)
	cleanupJob := jobs.NewPendingGrantCleanupJob(onboardingService, logger, metrics)
	trimJob := jobs.NewAuditTrimJob(auditLogger, logger, metrics)

	cleanupTask, err := jobs.NewPendingGrantCleanupTask(cfg.PendingMaxAge)
	if err != nil {
		logger.Error("build cleanup task", slog.Any("error", err))
		os.Exit(1)
	}
	trimTask, err := jobs.NewAuditTrimTask(cfg.AuditRetention)
	if err != nil {
		logger.Error("build trim task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPendingGrantCleanup, Handler: cleanupJob.Handle},
			{Type: jobs.TaskAuditTrim, Handler: trimJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			{Spec: "30 3 * * *", Task: trimTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
