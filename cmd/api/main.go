package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/streamclub/allocator/api/controllers"
	"github.com/streamclub/allocator/api/routes"
	"github.com/streamclub/allocator/internal/accounts"
	"github.com/streamclub/allocator/internal/claims"
	"github.com/streamclub/allocator/internal/events"
	"github.com/streamclub/allocator/internal/ledger"
	"github.com/streamclub/allocator/internal/pending"
	"github.com/streamclub/allocator/internal/provisioner"
	"github.com/streamclub/allocator/internal/tokens"
	"github.com/streamclub/allocator/pkg/config"
	"github.com/streamclub/allocator/pkg/db"
	"github.com/streamclub/allocator/pkg/env"
	"github.com/streamclub/allocator/pkg/logger"
	"github.com/streamclub/allocator/pkg/metrics"
	"github.com/streamclub/allocator/pkg/migrate"
	"github.com/streamclub/allocator/pkg/outbox"
	"github.com/streamclub/allocator/pkg/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
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

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	allocationMetrics := metrics.NewAllocationMetrics(registry)

	navidrome, err := provisioner.NewNavidromeClient(provisioner.NavidromeParams{
		Config:  cfg.Provisioner,
		Logger:  logg,
		Metrics: allocationMetrics,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to create account provisioner", err)
		os.Exit(1)
	}

	emitter := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	ledgerService, err := ledger.NewService(ledger.ServiceParams{
		DB:      dbClient,
		Repo:    ledger.NewRepository(dbClient.DB()),
		Outbox:  emitter,
		Logger:  logg,
		Metrics: allocationMetrics,
		Config:  cfg.Score,
	})
	requireService(logg, "ledger", err)

	accountService, err := accounts.NewService(accounts.ServiceParams{
		DB:          dbClient,
		Repo:        accounts.NewRepository(dbClient.DB()),
		Provisioner: navidrome,
		Outbox:      emitter,
		Logger:      logg,
		Config:      cfg.Accounts,
		Password:    cfg.Password,
	})
	requireService(logg, "accounts", err)

	tokenService, err := tokens.NewService(tokens.ServiceParams{
		DB:       dbClient,
		Repo:     tokens.NewRepository(dbClient.DB()),
		Ledger:   ledgerService,
		Accounts: accountService,
		Outbox:   emitter,
		Limiter:  redisClient,
		Logger:   logg,
		Metrics:  allocationMetrics,
		Config:   cfg.Tokens,
	})
	requireService(logg, "tokens", err)

	eventRepo := events.NewRepository(dbClient.DB())
	eventService, err := events.NewService(events.ServiceParams{
		DB:      dbClient,
		Repo:    eventRepo,
		Ledger:  ledgerService,
		Outbox:  emitter,
		Logger:  logg,
		Metrics: allocationMetrics,
	})
	requireService(logg, "events", err)

	claimService, err := claims.NewService(claims.ServiceParams{
		DB:      dbClient,
		Repo:    eventRepo,
		Ledger:  ledgerService,
		Outbox:  emitter,
		Logger:  logg,
		Metrics: allocationMetrics,
		Config:  cfg.Claims,
	})
	requireService(logg, "claims", err)

	pendingService, err := pending.NewService(pending.ServiceParams{
		Repo:   pending.NewRepository(dbClient.DB()),
		Logger: logg,
		Config: cfg.Pending,
	})
	requireService(logg, "pending", err)
	controllers.RegisterConfirmedActions(pendingService, controllers.ConfirmedActions{
		Tokens:   tokenService,
		Ledger:   ledgerService,
		Accounts: accountService,
	})

	router := routes.NewRouter(routes.Deps{
		Config: cfg,
		Logger: logg,
		Ready: map[string]controllers.Pinger{
			"db":    dbClient,
			"redis": redisClient,
		},
		Idempotency: redisClient,
		Metrics:     registry,
		Ledger:      ledgerService,
		Tokens:      tokenService,
		Events:      eventService,
		Claims:      claimService,
		Accounts:    accountService,
		Pending:     pendingService,
	})

	addr := ":" + env.Get("PORT", cfg.App.Port)
	id := env.Get("HOSTNAME", "local")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": id,
	})
	logg.Info(ctx, "starting api server")

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "api server stopped unexpectedly", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logg.Error(ctx, "api server shutdown failed", err)
		}
		logg.Info(ctx, "api server shut down gracefully")
	}
}

func requireService(logg *logger.Logger, name string, err error) {
	if err == nil {
		return
	}
	logg.Error(logg.WithField(context.Background(), "service", name), "failed to create service", err)
	os.Exit(1)
}
