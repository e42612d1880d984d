package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"notehub/internal/app"
	"notehub/internal/cache"
	"notehub/internal/config"
	"notehub/internal/log"
	"notehub/internal/mailer"
	"notehub/internal/notify"
	"notehub/internal/queue"
	"notehub/internal/storage"
	"notehub/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := log.New(cfg.Environment, cfg.Logging.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer client.Close()

	hasher := app.NewHasher(cfg.Security)
	store, closeStore, err := app.OpenStore(ctx, cfg, hasher, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open store")
	}
	defer closeStore()

	// The worker never issues reset tokens, but the services need a notifier.
	notifier := notify.NewStreamDispatcher(client, cfg.Redis.Stream, cfg.Redis.StreamMaxLen)
	svcs, err := app.NewServices(cfg, store, hasher, notifier, nil, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build services")
	}

	var sender mailer.Sender
	if cfg.Mail.Driver == "bucket" {
		objectStore, err := storage.NewObjectStore(cfg.Storage)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init object store")
		}
		if err := objectStore.EnsureBucket(ctx); err != nil {
			logger.Fatal().Err(err).Msg("ensure mail bucket failed")
		}
		sender, err = mailer.New(cfg.Mail, objectStore, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init mailer")
		}
	} else {
		sender, err = mailer.New(cfg.Mail, nil, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to init mailer")
		}
	}

	renderer, err := mailer.NewRenderer()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse mail templates")
	}

	processor := tasks.NewProcessor(renderer, sender, svcs.Maintenance, cfg.Mail.MaxAttempts, logger)
	consumer := queue.NewConsumer(client, queue.Options{
		Stream:        cfg.Redis.Stream,
		Group:         cfg.Redis.Group,
		Consumer:      cfg.Redis.Consumer,
		ClaimInterval: cfg.Queue.ClaimInterval,
		Block:         cfg.Queue.Block,
	}, logger, processor)

	logger.Info().Str("stream", cfg.Redis.Stream).Str("mail_driver", cfg.Mail.Driver).Msg("worker starting")
	if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("consumer stopped unexpectedly")
	}

	svcs.APITokens.Wait()
	svcs.Resets.Wait()
	logger.Info().Msg("worker exited cleanly")
}
