package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dunamismax/retouch/internal/config"
	"github.com/dunamismax/retouch/internal/domain"
	"github.com/dunamismax/retouch/internal/pipeline"
	"github.com/dunamismax/retouch/internal/queue"
	"github.com/dunamismax/retouch/internal/storage"
	"github.com/dunamismax/retouch/internal/store"
	"github.com/dunamismax/retouch/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type objectStorage interface {
	pipeline.ObjectReader
	pipeline.ObjectWriter
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Options wires the worker's collaborators. Storage and Enhancer are
// required; a missing UsageStore is taken from JobStore when it implements
// one.
type Options struct {
	Queue      config.QueueConfig
	Worker     config.WorkerConfig
	Storage    objectStorage
	Enhancer   *pipeline.Enhancer
	Webhook    webhookSender
	JobStore   store.JobStore
	UsageStore store.UsageStore
	Metrics    *Metrics
}

type Server struct {
	logger          logrus.FieldLogger
	server          *asynq.Server
	sem             chan struct{}
	localProcessor  *pipeline.Processor
	objectProcessor *pipeline.Processor
	webhookClient   webhookSender
	jobStore        store.JobStore
	usageStore      store.UsageStore
	metrics         *Metrics
	tracer          trace.Tracer
}

func NewServer(logger logrus.FieldLogger, opts Options) (*Server, error) {
	s, err := newServer(logger, opts)
	if err != nil {
		return nil, err
	}

	s.server = asynq.NewServer(
		opts.Queue.RedisClientOpt(),
		asynq.Config{
			Concurrency: max(1, opts.Worker.Concurrency),
			Queues: map[string]int{
				opts.Queue.Name: 1,
			},
			Logger:   logger.WithField("subsystem", "asynq"),
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.WithError(err).WithFields(logrus.Fields{
					"task_type": task.Type(),
					"retry":     retried,
					"max_retry": maxRetry,
				}).Warn("task failed")
			}),
		},
	)
	return s, nil
}

// newServer builds everything except the asynq server so the task handler
// can run without Redis.
func newServer(logger logrus.FieldLogger, opts Options) (*Server, error) {
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if opts.Enhancer == nil {
		return nil, errors.New("enhancer is required")
	}

	localProcessor, err := pipeline.NewLocalProcessor(opts.Worker.LocalOutputDir, opts.Enhancer)
	if err != nil {
		return nil, fmt.Errorf("initialize local processor: %w", err)
	}

	objectProcessor, err := pipeline.NewProcessor(
		pipeline.ObjectStoreFetcher{Storage: opts.Storage},
		opts.Enhancer,
		pipeline.ObjectStoreEmitter{Storage: opts.Storage, OutputPrefix: opts.Worker.OutputPrefix},
	)
	if err != nil {
		return nil, fmt.Errorf("initialize object-store processor: %w", err)
	}

	usageStore := opts.UsageStore
	if usageStore == nil {
		if jobAndUsageStore, ok := opts.JobStore.(store.UsageStore); ok {
			usageStore = jobAndUsageStore
		}
	}

	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}

	return &Server{
		logger:          logger,
		sem:             make(chan struct{}, max(1, opts.Worker.MaxActiveJobs)),
		localProcessor:  localProcessor,
		objectProcessor: objectProcessor,
		webhookClient:   opts.Webhook,
		jobStore:        opts.JobStore,
		usageStore:      usageStore,
		metrics:         metrics,
		tracer:          otel.Tracer("retouch/worker"),
	}, nil
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeEnhanceImage, s.handleEnhanceImage)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleEnhanceImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseEnhanceImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.enhance_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
		attribute.String("job.mime_type", payload.MIMEType),
		attribute.Int("job.upscale", payload.Settings.Upscale),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	log := s.logger.WithFields(logrus.Fields{
		"job_id":      payload.JobID,
		"source_type": payload.SourceType,
		"object_key":  payload.ObjectKey,
	})
	log.Info("enhancing")

	s.updateJobStatus(ctx, log, payload.JobID, domain.JobStatusProcessing)

	request := pipeline.Request{
		JobID:      payload.JobID,
		SourceType: payload.SourceType,
		ObjectKey:  payload.ObjectKey,
		MIMEType:   payload.MIMEType,
		Config:     pipeline.ConfigFromSettings(payload.Settings),
	}

	var result pipeline.Result
	switch strings.ToLower(payload.SourceType) {
	case domain.SourceTypeLocalFile:
		result, err = s.localProcessor.Process(ctx, request)
	default:
		result, err = s.objectProcessor.Process(ctx, request)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "enhance failed")
		return s.handleFailure(ctx, log, payload, err)
	}

	output := domain.JobOutput{
		ObjectKey:   result.Output.Path,
		ContentType: result.Output.ContentType,
		Bytes:       result.Output.Bytes,
		Width:       result.Output.Width,
		Height:      result.Output.Height,
	}
	if s.jobStore != nil {
		if _, err := s.jobStore.Complete(ctx, payload.JobID, output); err != nil {
			log.WithError(err).Warn("job completion update failed")
		}
	}

	log.WithFields(logrus.Fields{
		"output_key":   output.ObjectKey,
		"width":        output.Width,
		"height":       output.Height,
		"output_bytes": output.Bytes,
	}).Info("enhanced")
	s.recordUsage(ctx, log, payload.JobID, result, time.Since(startedAt))

	s.dispatchWebhook(ctx, log, payload, webhook.EventJobCompleted, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusSucceeded,
		"source_type":  payload.SourceType,
		"object_key":   payload.ObjectKey,
		"settings":     payload.Settings,
		"output":       output,
		"requested_at": payload.RequestedAt,
		"completed_at": time.Now().UTC(),
	})

	outcome = domain.JobStatusSucceeded
	span.SetStatus(codes.Ok, "enhanced")
	return nil
}

// handleFailure decides between retrying and failing the job for good. Bad
// input never improves on retry; anything else is retried until asynq runs
// out of attempts.
func (s *Server) handleFailure(ctx context.Context, log logrus.FieldLogger, payload queue.EnhanceImagePayload, err error) error {
	permanent := isPermanent(err)
	if !permanent && !finalAttempt(ctx) {
		log.WithError(err).Warn("enhance failed, will retry")
		s.updateJobStatus(ctx, log, payload.JobID, domain.JobStatusQueued)
		return fmt.Errorf("run pipeline: %w", err)
	}

	message := pipeline.UserMessage(err)
	log.WithError(err).WithField("permanent", permanent).Error("enhance failed")
	if s.jobStore != nil {
		if _, ferr := s.jobStore.Fail(ctx, payload.JobID, message); ferr != nil {
			log.WithError(ferr).Warn("job failure update failed")
		}
	}

	s.dispatchWebhook(ctx, log, payload, webhook.EventJobFailed, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusFailed,
		"source_type":  payload.SourceType,
		"object_key":   payload.ObjectKey,
		"requested_at": payload.RequestedAt,
		"failed_at":    time.Now().UTC(),
		"error":        message,
	})

	if permanent {
		return fmt.Errorf("run pipeline: %w: %w", err, asynq.SkipRetry)
	}
	return fmt.Errorf("run pipeline: %w", err)
}

func isPermanent(err error) bool {
	switch {
	case errors.Is(err, pipeline.ErrUnsupportedSourceType),
		errors.Is(err, storage.ErrObjectNotFound):
		return true
	}
	var perr *pipeline.Error
	if errors.As(err, &perr) {
		return perr.Kind == pipeline.KindValidation || perr.Kind == pipeline.KindDecode
	}
	return false
}

// finalAttempt is true when asynq will not retry the task again, or when the
// handler runs outside asynq.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return true
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return true
	}
	return retried >= maxRetry
}

func (s *Server) updateJobStatus(ctx context.Context, log logrus.FieldLogger, jobID, status string) {
	if s.jobStore == nil {
		return
	}
	if _, err := s.jobStore.UpdateStatus(ctx, jobID, status); err != nil {
		log.WithError(err).WithField("status", status).Warn("job status update failed")
	}
}

// dispatchWebhook never fails the job: the enhanced output already exists and
// a retry would only redo the work.
func (s *Server) dispatchWebhook(ctx context.Context, log logrus.FieldLogger, payload queue.EnhanceImagePayload, event string, body map[string]any) {
	if payload.WebhookURL == "" || s.webhookClient == nil {
		return
	}

	result := "delivered"
	if err := s.webhookClient.Send(ctx, payload.WebhookURL, event, body); err != nil {
		result = "failed"
		log.WithError(err).WithField("event", event).Warn("webhook delivery failed")
	}
	s.metrics.webhookDeliveries.WithLabelValues(event, result).Inc()
}

func (s *Server) recordUsage(ctx context.Context, log logrus.FieldLogger, jobID string, result pipeline.Result, computeDuration time.Duration) {
	if s.usageStore == nil {
		return
	}

	userID := "anonymous"
	if s.jobStore != nil {
		job, ok, err := s.jobStore.Get(ctx, jobID)
		if err != nil {
			log.WithError(err).Warn("usage lookup failed")
		} else if ok && strings.TrimSpace(job.UserID) != "" {
			userID = job.UserID
		}
	}

	pixelsProcessed := int64(result.Output.Width) * int64(result.Output.Height)
	computeTimeMS := max(computeDuration.Milliseconds(), 1)

	usage := domain.UsageLog{
		UserID:          userID,
		JobID:           jobID,
		PixelsProcessed: pixelsProcessed,
		InputBytes:      int64(result.SourceBytes),
		OutputBytes:     int64(result.Output.Bytes),
		ComputeTimeMS:   computeTimeMS,
		CreatedAt:       time.Now().UTC(),
	}
	if err := s.usageStore.CreateUsageLog(ctx, usage); err != nil {
		log.WithError(err).Warn("usage log write failed")
		return
	}

	s.metrics.pixelsProcessedTotal.Add(float64(pixelsProcessed))
	s.metrics.inputBytesTotal.Add(float64(usage.InputBytes))
	s.metrics.outputBytesTotal.Add(float64(usage.OutputBytes))
	s.metrics.computeTimeMSTotal.Add(float64(computeTimeMS))
}
