package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"notehub/internal/app"
	"notehub/internal/cache"
	"notehub/internal/config"
	"notehub/internal/handlers"
	"notehub/internal/jobs"
	"notehub/internal/log"
	"notehub/internal/metrics"
	"notehub/internal/notify"
	"notehub/internal/ratelimit"
	"notehub/internal/server"
	"notehub/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)

	ctx := context.Background()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	hasher := app.NewHasher(cfg.Security)
	store, closeStore, err := app.OpenStore(ctx, cfg, hasher, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}

	checks := []handlers.HealthCheck{{Name: cfg.Database.Driver, Ping: store.Ping}}

	// Without redis, mail is only logged and neither rate limits nor the
	// cleanup schedule run.
	var (
		redisClient *redis.Client
		notifier    notify.Dispatcher = notify.NewLogDispatcher(logger)
		limiter     *ratelimit.Limiter
		scheduler   *jobs.Scheduler
	)
	if cfg.Redis.Addr != "" {
		redisClient, err = cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect redis")
		}
		dispatcher := notify.NewStreamDispatcher(redisClient, cfg.Redis.Stream, cfg.Redis.StreamMaxLen)
		notifier = dispatcher
		limiter = ratelimit.New(redisClient, "notehub:ratelimit")
		checks = append(checks, handlers.HealthCheck{
			Name: "redis",
			Ping: func(ctx context.Context) error { return redisClient.Ping(ctx).Err() },
		})
		if cfg.Jobs.Enabled {
			scheduler = jobs.NewScheduler(dispatcher, cfg.Jobs.CleanupSpec, logger)
		}
	} else {
		logger.Warn().Msg("redis not configured; mail is logged only")
	}

	svcs, err := app.NewServices(cfg, store, hasher, notifier, m, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build services")
	}

	handlerSet := handlers.NewHandlerSet(handlers.Deps{
		Log:         logger,
		Config:      cfg,
		Users:       store.Users(),
		Sessions:    svcs.Sessions,
		Resets:      svcs.Resets,
		APITokens:   svcs.APITokens,
		Maintenance: svcs.Maintenance,
		Limiter:     limiter,
		Metrics:     m,
		Checks:      checks,
	})
	httpServer := server.NewHTTPServer(cfg, logger, handlerSet, m, registry)

	if scheduler != nil {
		if err := scheduler.Start(); err != nil {
			logger.Error().Err(err).Msg("scheduler start failed")
		}
	}

	go func() {
		if err := httpServer.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	waitForShutdown(logger, httpServer, scheduler, svcs.APITokens, svcs.Resets, closeStore, redisClient)
}

func waitForShutdown(
	logger zerolog.Logger,
	srv *server.HTTPServer,
	scheduler *jobs.Scheduler,
	tokens *service.APITokenService,
	resets *service.PasswordResetService,
	closeStore func(),
	redisClient *redis.Client,
) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.Error().Err(err).Msg("forced shutdown failed")
		}
	}

	if scheduler != nil {
		scheduler.Stop(shutdownCtx)
	}

	// Pending last-used stamps and notifications still need the store and redis.
	tokens.Wait()
	resets.Wait()
	closeStore()

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("redis close error")
		}
	}

	logger.Info().Msg("server exited cleanly")
}
