package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"qms/journey-service/internal/config"
	"qms/journey-service/internal/httpapi"
	"qms/journey-service/internal/identity"
	"qms/journey-service/internal/journey"
	"qms/journey-service/internal/notify"
	"qms/journey-service/internal/realtime"
	"qms/journey-service/internal/store"
	"qms/journey-service/internal/store/memory"
	"qms/journey-service/internal/store/postgres"
	"qms/journey-service/internal/telemetry"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// backend is everything the orchestrator and the API read and write.
type backend interface {
	store.EntryStore
	store.StepLog
	store.QueueReader
	journey.ActivityLogger
}

func runServer(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := telemetry.NewLogger(serviceName, cfg.Env)
	shutdownTracing := telemetry.Setup(serviceName, logger)
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown")
		}
	}()

	var (
		st        backend
		health    httpapi.Pinger
		names     journey.IdentityLookup
		directory *identity.Directory
	)
	if cfg.DatabaseURL != "" {
		poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("parse DB_DSN: %w", err)
		}
		if cfg.DBMaxConns > 0 {
			poolCfg.MaxConns = cfg.DBMaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer pool.Close()

		pg := postgres.NewStore(pool)
		st, health = pg, pg
		directory = identity.NewDirectory(pool)
		names = directory
	} else {
		logger.Warn().Msg("DB_DSN not set, using in-memory store")
		st = memory.NewStore()
	}

	var publisher journey.ChangePublisher
	if cfg.RedisURL != "" {
		client, err := newRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()

		publisher = realtime.NewPublisher(client, cfg.RealtimeChannel)
		if directory != nil && cfg.IdentityCacheTTL() > 0 {
			names = identity.NewCachedLookup(directory, client, cfg.IdentityCacheTTL(), logger)
		}
	}

	orchestrator := journey.New(st, st, journey.Options{
		Notifier: notify.New(cfg.NotifyProvider, notify.WebhookConfig{
			URL:   cfg.NotifyWebhookURL,
			Token: cfg.NotifyWebhookToken,
		}, logger),
		Activity:      st,
		Identity:      names,
		Publisher:     publisher,
		EffectTimeout: cfg.EffectTimeout(),
		Location:      cfg.Location(),
		Logger:        logger,
	})

	handler := httpapi.NewHandler(orchestrator, st, st, httpapi.Options{
		Health: health,
		Logger: logger,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:        cfg.RateLimitPerMinute,
		IPBurst:            cfg.RateLimitBurst,
		StructurePerMinute: cfg.StructureRateLimitPerMinute,
		StructureBurst:     cfg.StructureRateLimitBurst,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(logger, limiter.Middleware(handler.Routes())), serviceName),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("journey-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
		close(errs)
	}()

	select {
	case err := <-errs:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	waitForEffects(orchestrator, cfg.EffectTimeout(), logger)
	return nil
}

// waitForEffects lets in-flight notifications finish before the process
// exits. Each effect is already bounded by the effect timeout.
func waitForEffects(orchestrator *journey.Orchestrator, timeout time.Duration, logger zerolog.Logger) {
	done := make(chan struct{})
	go func() {
		orchestrator.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout + time.Second):
		logger.Warn().Msg("side effects still running at shutdown")
	}
}

func newRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
