package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/streamclub/allocator/pkg/config"
	"github.com/streamclub/allocator/pkg/db"
	"github.com/streamclub/allocator/pkg/logger"
	"github.com/streamclub/allocator/pkg/migrate"
	"github.com/streamclub/allocator/pkg/outbox"
	"github.com/streamclub/allocator/pkg/pubsub"
)

const serviceName = "outbox-publisher"

func main() {
	bootCtx := context.Background()
	logg := logger.New(logger.Options{ServiceName: serviceName})
	if err := godotenv.Load(); err != nil {
		logg.Warn(bootCtx, ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	exitOnErr(logg, "failed to load config", err)

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       cfg.App.LogLevel,
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(bootCtx, cfg.DB, cfg.FeatureFlags.UseSQLite, logg)
	exitOnErr(logg, "failed to bootstrap database", err)
	defer closeQuietly(logg, "database", dbClient.Close)

	exitOnErr(logg, "failed to run dev migrations", migrate.MaybeRunDev(bootCtx, cfg, logg, dbClient))

	pubsubClient, err := pubsub.NewClient(bootCtx, cfg.GCP, cfg.PubSub, logg)
	exitOnErr(logg, "failed to bootstrap pubsub", err)
	defer closeQuietly(logg, "pubsub client", pubsubClient.Close)

	service, err := NewService(ServiceParams{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		PubSub:     pubsubClient,
		Repository: outbox.NewRepository(dbClient.DB()),
	})
	exitOnErr(logg, "failed to create outbox publisher", err)

	ctx, stop := signal.NotifyContext(bootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceName,
		"topic":       cfg.PubSub.NotificationTopic,
	})
	logg.Info(ctx, "starting outbox publisher")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox publisher stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "outbox publisher shutting down gracefully")
}

func exitOnErr(logg *logger.Logger, msg string, err error) {
	if err == nil {
		return
	}
	logg.Error(context.Background(), msg, err)
	os.Exit(1)
}

func closeQuietly(logg *logger.Logger, what string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logg.Error(context.Background(), "error closing "+what, err)
	}
}
