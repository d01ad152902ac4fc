package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/retouch/internal/api"
	"github.com/dunamismax/retouch/internal/config"
	"github.com/dunamismax/retouch/internal/logging"
	"github.com/dunamismax/retouch/internal/pipeline"
	"github.com/dunamismax/retouch/internal/queue"
	"github.com/dunamismax/retouch/internal/ratelimit"
	"github.com/dunamismax/retouch/internal/storage"
	"github.com/dunamismax/retouch/internal/store"
	"github.com/dunamismax/retouch/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := logging.New("api", cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("api failed")
	}
}

func run(cfg config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "retouch-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer flushTracing(logger, shutdownTracing)

	if err := pipeline.Startup(pipeline.RuntimeOptions{}); err != nil {
		return err
	}
	defer pipeline.Shutdown()

	metrics := api.NewMetrics()
	enhancer, err := pipeline.NewEnhancer(logger.WithField("subsystem", "pipeline"), pipeline.WithObserver(metrics))
	if err != nil {
		return err
	}

	storageClient, err := storage.NewClient(storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
	})
	if err != nil {
		return err
	}
	if err := storageClient.EnsureBucket(ctx); err != nil {
		return err
	}

	jobStore, closeStore, err := store.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.WithError(err).Warn("job store close error")
		}
	}()

	queueClient := queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name, cfg.Queue.MaxRetry)
	defer func() {
		if err := queueClient.Close(); err != nil {
			logger.WithError(err).Warn("queue client close error")
		}
	}()

	opts := api.Options{
		Enhancer:       enhancer,
		Queue:          queueClient,
		JobStore:       jobStore,
		Storage:        storageClient,
		Metrics:        metrics,
		MaxUploadBytes: cfg.Enhance.MaxUploadBytes,
		MaxConcurrent:  cfg.Enhance.MaxConcurrent,
		PresignTTL:     cfg.API.PresignTTL(),
		UserIDHeader:   cfg.API.UserIDHeader,
	}

	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err := ratelimit.NewRedisTokenBucket(redisClient, cfg.RateLimit.Capacity, cfg.RateLimit.Window(), "")
		if err != nil {
			return err
		}
		opts.RateLimiter = limiter
	}

	app, err := api.NewServer(logger, opts)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           app.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":       cfg.API.Addr,
			"backend":    enhancer.Backend(),
			"rate_limit": cfg.RateLimit.Enabled,
		}).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("graceful shutdown failed")
	}
	return nil
}

func flushTracing(logger logrus.FieldLogger, shutdown telemetry.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.WithError(err).Warn("tracing shutdown failed")
	}
}
