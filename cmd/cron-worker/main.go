package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamclub/allocator/internal/accounts"
	"github.com/streamclub/allocator/internal/cron"
	"github.com/streamclub/allocator/internal/pending"
	"github.com/streamclub/allocator/internal/provisioner"
	"github.com/streamclub/allocator/pkg/config"
	"github.com/streamclub/allocator/pkg/db"
	"github.com/streamclub/allocator/pkg/logger"
	"github.com/streamclub/allocator/pkg/metrics"
	"github.com/streamclub/allocator/pkg/migrate"
	"github.com/streamclub/allocator/pkg/outbox"
	"github.com/streamclub/allocator/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       cfg.App.LogLevel,
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, cfg.FeatureFlags.UseSQLite, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	allocationMetrics := metrics.NewAllocationMetrics(prometheus.DefaultRegisterer)
	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)

	navidrome, err := provisioner.NewNavidromeClient(provisioner.NavidromeParams{
		Config:  cfg.Provisioner,
		Logger:  logg,
		Metrics: allocationMetrics,
	})
	exitOnErr(logg, "failed to create account provisioner", err)

	outboxRepo := outbox.NewRepository(dbClient.DB())
	accountService, err := accounts.NewService(accounts.ServiceParams{
		DB:          dbClient,
		Repo:        accounts.NewRepository(dbClient.DB()),
		Provisioner: navidrome,
		Outbox:      outbox.NewService(outboxRepo, logg),
		Logger:      logg,
		Config:      cfg.Accounts,
		Password:    cfg.Password,
	})
	exitOnErr(logg, "failed to create accounts service", err)

	pendingService, err := pending.NewService(pending.ServiceParams{
		Repo:   pending.NewRepository(dbClient.DB()),
		Logger: logg,
		Config: cfg.Pending,
	})
	exitOnErr(logg, "failed to create pending service", err)

	expiryJob, err := cron.NewAccountExpiryJob(cron.AccountExpiryJobParams{
		Logger:   logg,
		Accounts: accountService,
	})
	exitOnErr(logg, "failed to create account expiry job", err)

	purgeJob, err := cron.NewPendingPurgeJob(cron.PendingPurgeJobParams{
		Logger:  logg,
		Pending: pendingService,
	})
	exitOnErr(logg, "failed to create pending purge job", err)

	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:        logg,
		DB:            dbClient,
		Repository:    outboxRepo,
		RetentionDays: cfg.Outbox.RetentionDays,
		MinAttempts:   cfg.Outbox.MaxAttempts,
	})
	exitOnErr(logg, "failed to create outbox retention job", err)

	lock, err := cron.NewRedisLock(redisClient, lockKey(redisClient, cfg.App.Env), 0)
	exitOnErr(logg, "failed to create cron lock", err)

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: cron.NewRegistry(expiryJob, purgeJob, retentionJob),
		Lock:     lock,
		Metrics:  cronMetrics,
		Interval: cfg.Cron.Interval(),
	})
	exitOnErr(logg, "failed to create cron service", err)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": "cron-worker",
	})
	logg.Info(ctx, "starting cron worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "cron worker shutting down gracefully")
}

func lockKey(client *redis.Client, env string) string {
	if env == "" {
		env = "local"
	}
	return client.LockKey("cron-worker:" + env)
}

func exitOnErr(logg *logger.Logger, msg string, err error) {
	if err == nil {
		return
	}
	logg.Error(context.Background(), msg, err)
	os.Exit(1)
}
