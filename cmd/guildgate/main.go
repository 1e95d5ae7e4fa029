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

	"github.com/guildgate/guildgate/internal/app"
	"github.com/guildgate/guildgate/internal/exit"
	"github.com/guildgate/guildgate/internal/gateway"
	"github.com/guildgate/guildgate/internal/guard"
	"github.com/guildgate/guildgate/internal/mapping"
	"github.com/guildgate/guildgate/internal/onboarding"
	"github.com/guildgate/guildgate/internal/personnel"
	"github.com/guildgate/guildgate/internal/platform/cache"
	"github.com/guildgate/guildgate/internal/platform/db"
	"github.com/guildgate/guildgate/internal/shared"
	rolesync "github.com/guildgate/guildgate/internal/sync"
	"github.com/guildgate/guildgate/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	store, err := mapping.NewStore(cfg.MappingPath)
	if err != nil {
		logger.Error("load mapping table", slog.Any("error", err))
		os.Exit(1)
	}

	adapter := gateway.NewClient(cfg.GatewayBaseURL, cfg.GatewayToken, cfg.GatewayTimeout)
	echoGuard := guard.New(redisClient, cfg.GuardTTL, logger)
	auditLogger := shared.NewAuditLogger(dbpool)
	registry := personnel.NewRegistry(dbpool, logger)
	locks := shared.NewMemberLocks()

	onboardingRepo := onboarding.NewRepository(dbpool)
	onboardingService := onboarding.NewService(onboardingRepo, adapter, registry, store, auditLogger, logger, onboarding.Config{
		InviteTTL:     cfg.InviteTTL,
		InviteMaxUses: cfg.InviteMaxUses,
	})

	syncEngine := rolesync.NewEngine(store, adapter, echoGuard, onboardingService, locks, auditLogger, logger)
	exitEngine := exit.NewEngine(store, adapter, registry, locks, auditLogger, logger)

	hub := gateway.NewHub(cfg.WebhookSecret,
		[]gateway.MemberObserver{syncEngine, exitEngine},
		[]gateway.MessageObserver{onboardingService},
		logger)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	adminHandler := app.NewAdminHandler(store, onboardingService, syncEngine, jobsClient, cfg.PendingMaxAge, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:       logger,
		Config:       cfg,
		Hub:          hub,
		AdminHandler: adminHandler,
		JobHandler:   jobHandler,
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
