package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/retouch/internal/config"
	"github.com/dunamismax/retouch/internal/logging"
	"github.com/dunamismax/retouch/internal/pipeline"
	"github.com/dunamismax/retouch/internal/storage"
	"github.com/dunamismax/retouch/internal/store"
	"github.com/dunamismax/retouch/internal/telemetry"
	"github.com/dunamismax/retouch/internal/webhook"
	"github.com/dunamismax/retouch/internal/worker"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger := logging.New("worker", cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("worker failed")
	}
}

func run(cfg config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "retouch-worker",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown failed")
		}
	}()

	if err := pipeline.Startup(pipeline.RuntimeOptions{}); err != nil {
		return err
	}
	defer pipeline.Shutdown()

	metrics := worker.NewMetrics()
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

	webhookClient := webhook.NewClient(webhook.Config{
		SigningSecret:  cfg.Webhook.SigningSecret,
		Timeout:        time.Duration(cfg.Webhook.TimeoutSeconds) * time.Second,
		MaxAttempts:    cfg.Webhook.MaxAttempts,
		InitialBackoff: time.Duration(cfg.Webhook.InitialBackoffSeconds) * time.Second,
		MaxBackoff:     time.Duration(cfg.Webhook.MaxBackoffSeconds) * time.Second,
	})

	srv, err := worker.NewServer(logger, worker.Options{
		Queue:    cfg.Queue,
		Worker:   cfg.Worker,
		Storage:  storageClient,
		Enhancer: enhancer,
		Webhook:  webhookClient,
		JobStore: jobStore,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           metricsMux(srv),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.WithField("addr", cfg.Worker.MetricsAddr).Info("metrics listening")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("metrics server failed")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	logger.WithFields(logrus.Fields{
		"concurrency":     cfg.Worker.Concurrency,
		"max_active_jobs": cfg.Worker.MaxActiveJobs,
		"queue":           cfg.Queue.Name,
		"redis":           cfg.Queue.RedisAddr,
		"backend":         enhancer.Backend(),
	}).Info("starting worker")

	// Run blocks until asynq receives SIGTERM or SIGINT and drains.
	return srv.Run()
}

func metricsMux(srv *worker.Server) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", srv.MetricsHandler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
