package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cassiomorais/coursepay/internal/bootstrap"
	infraRedis "github.com/cassiomorais/coursepay/internal/infrastructure/redis"
	"github.com/cassiomorais/coursepay/internal/worker"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "coursepay-worker", "coursepay_worker")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	if app.Redis == nil {
		app.Logger.Fatal().Msg("The worker consumes webhook streams and requires redis.enabled")
	}

	svc, err := app.Services()
	if err != nil {
		app.Logger.Fatal().Err(err).Msg("Failed to build services")
	}

	cfg := app.Config.Worker
	producer := infraRedis.NewStreamProducer(app.Redis)
	consumer := infraRedis.NewStreamConsumer(app.Redis, infraRedis.WebhookStream,
		cfg.ConsumerGroup, app.Config.InstanceID, cfg.BatchSize, cfg.BlockDuration)
	if err := consumer.CreateGroup(ctx); err != nil {
		app.Logger.Fatal().Err(err).Str("group", cfg.ConsumerGroup).Msg("Failed to create consumer group")
	}

	webhooks := worker.NewWebhookProcessor(consumer, producer, svc.Sessions, app.Metrics, app.Logger)
	webhooks.ClaimIdle = app.Config.Checkout.LockTTL
	relay := worker.NewOutboxRelay(svc.TxManager, svc.OutboxRepo, producer, int(cfg.BatchSize), app.Logger)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return webhooks.Run(gCtx) })
	g.Go(func() error { return relay.Run(gCtx, cfg.OutboxPollInterval) })
	g.Go(func() error { return svc.Sweeper.Run(gCtx, cfg.SweepInterval) })
	g.Go(func() error {
		return worker.RunIdempotencyCleanup(gCtx, svc.IdempotencyRepo, cfg.CleanupInterval, app.Logger)
	})
	if cfg.MetricsAddr != "" && app.Metrics != nil {
		g.Go(func() error { return serveMetrics(gCtx, cfg.MetricsAddr) })
	}

	app.Logger.Info().
		Str("stream", infraRedis.WebhookStream).
		Str("group", cfg.ConsumerGroup).
		Str("consumer", app.Config.InstanceID).
		Dur("sweep_interval", cfg.SweepInterval).
		Msg("Worker started")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		app.Logger.Error().Err(err).Msg("Worker stopped with error")
	}
	app.Logger.Info().Msg("Worker exited")
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
