package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/retouch/internal/domain"
	"github.com/dunamismax/retouch/internal/id"
	"github.com/dunamismax/retouch/internal/pipeline"
	"github.com/dunamismax/retouch/internal/queue"
	"github.com/dunamismax/retouch/internal/store"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultMaxUploadBytes = 25 << 20
	multipartMemoryBytes  = 8 << 20

	fieldWebhookURL = "webhook_url"

	messageTooLarge = "Fotografia është shumë e madhe."
	messageBusy     = "Serveri është i zënë, provoni përsëri."
)

type imageEnhancer interface {
	Enhance(ctx context.Context, in pipeline.RawImage, cfg pipeline.Config) (pipeline.EncodedOutput, error)
	Backend() string
}

type queueEnqueuer interface {
	EnqueueEnhanceImage(ctx context.Context, payload queue.EnhanceImagePayload) (*asynq.TaskInfo, error)
}

type objectStorage interface {
	WriteObject(ctx context.Context, objectKey string, data []byte, contentType string) error
	DeleteObject(ctx context.Context, objectKey string) error
	PresignedGetURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// Options wires the server's collaborators. Enhancer is required; without
// Queue, JobStore and Storage the job endpoints answer 503.
type Options struct {
	Enhancer       imageEnhancer
	Queue          queueEnqueuer
	JobStore       store.JobStore
	Storage        objectStorage
	RateLimiter    RateLimiter
	Metrics        *Metrics
	MaxUploadBytes int64
	MaxConcurrent  int
	PresignTTL     time.Duration
	UserIDHeader   string
}

type Server struct {
	logger         logrus.FieldLogger
	enhancer       imageEnhancer
	queueClient    queueEnqueuer
	jobStore       store.JobStore
	storage        objectStorage
	rateLimiter    RateLimiter
	metrics        *Metrics
	tracer         trace.Tracer
	sem            chan struct{}
	maxUploadBytes int64
	presignTTL     time.Duration
	userIDHeader   string
	mux            *http.ServeMux
}

func NewServer(logger logrus.FieldLogger, opts Options) (*Server, error) {
	if opts.Enhancer == nil {
		return nil, errors.New("enhancer is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUploadBytes
	}
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = 1
	}
	if opts.PresignTTL <= 0 {
		opts.PresignTTL = 15 * time.Minute
	}
	if strings.TrimSpace(opts.UserIDHeader) == "" {
		opts.UserIDHeader = "X-User-ID"
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}

	s := &Server{
		logger:         logger,
		enhancer:       opts.Enhancer,
		queueClient:    opts.Queue,
		jobStore:       opts.JobStore,
		storage:        opts.Storage,
		rateLimiter:    opts.RateLimiter,
		metrics:        opts.Metrics,
		tracer:         otel.Tracer("retouch/api"),
		sem:            make(chan struct{}, opts.MaxConcurrent),
		maxUploadBytes: opts.MaxUploadBytes,
		presignTTL:     opts.PresignTTL,
		userIDHeader:   opts.UserIDHeader,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.metrics.withHTTPMetrics(s.withTracing(s.withRateLimit(s.mux)))
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.Handler())
	s.mux.HandleFunc("POST /v1/enhance", s.handleEnhance)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"backend": s.enhancer.Backend(),
	})
}

// handleEnhance runs the pipeline inline and answers with the image bytes or
// a plain-text localized error.
func (s *Server) handleEnhance(w http.ResponseWriter, r *http.Request) {
	up, err := s.readUpload(w, r)
	if err != nil {
		s.writeUploadError(w, err, writeText)
		return
	}

	select {
	case s.sem <- struct{}{}:
		defer func() { <-s.sem }()
	case <-r.Context().Done():
		writeText(w, http.StatusServiceUnavailable, messageBusy)
		return
	}

	out, err := s.enhancer.Enhance(r.Context(), pipeline.RawImage{Data: up.data, MIMEType: up.mimeType}, up.cfg)
	if err != nil {
		writeText(w, enhanceStatus(err), pipeline.UserMessage(err))
		return
	}

	w.Header().Set("Content-Type", out.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(out.Data)))
	w.Header().Set("X-Image-Width", strconv.Itoa(out.Width))
	w.Header().Set("X-Image-Height", strconv.Itoa(out.Height))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out.Data); err != nil {
		s.logger.WithError(err).Debug("write enhanced image")
	}
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if s.queueClient == nil || s.jobStore == nil || s.storage == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "async jobs are not configured"})
		return
	}

	up, err := s.readUpload(w, r)
	if err != nil {
		s.writeUploadError(w, err, writeJSONError)
		return
	}

	jobID := id.New()
	req := domain.CreateJobRequest{
		SourceType: domain.SourceTypeObjectStore,
		ObjectKey:  pipeline.SourceObjectKey(jobID),
		MIMEType:   up.mimeType,
		WebhookURL: strings.TrimSpace(up.values.Get(fieldWebhookURL)),
		ImageBytes: len(up.data),
		Settings:   up.cfg.Settings(),
	}
	if err := req.Validate(); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	log := s.logger.WithField("job_id", jobID)
	ctx := r.Context()

	if err := s.storage.WriteObject(ctx, req.ObjectKey, up.data, up.mimeType); err != nil {
		log.WithError(err).Error("upload source failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:         jobID,
		UserID:     strings.TrimSpace(r.Header.Get(s.userIDHeader)),
		Status:     domain.JobStatusCreated,
		SourceType: req.SourceType,
		ObjectKey:  req.ObjectKey,
		MIMEType:   req.MIMEType,
		WebhookURL: req.WebhookURL,
		Settings:   req.Settings,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.jobStore.Create(ctx, job); err != nil {
		log.WithError(err).Error("create job failed")
		s.discardUpload(ctx, log, req.ObjectKey)
		writeJSONError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	taskInfo, err := s.queueClient.EnqueueEnhanceImage(ctx, queue.EnhanceImagePayload{
		JobID:       job.ID,
		SourceType:  job.SourceType,
		ObjectKey:   job.ObjectKey,
		MIMEType:    job.MIMEType,
		WebhookURL:  job.WebhookURL,
		Settings:    job.Settings,
		RequestedAt: now,
	})
	if err != nil {
		log.WithError(err).Error("enqueue failed")
		if _, ferr := s.jobStore.Fail(ctx, job.ID, pipeline.MessageProcessing); ferr != nil {
			log.WithError(ferr).Warn("mark job failed")
		}
		s.discardUpload(ctx, log, req.ObjectKey)
		writeJSONError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	if _, err := s.jobStore.UpdateStatus(ctx, job.ID, domain.JobStatusQueued); err != nil {
		log.WithError(err).Warn("update status failed")
	}

	log.WithFields(logrus.Fields{
		"queue":       taskInfo.Queue,
		"input_bytes": len(up.data),
		"mime_type":   up.mimeType,
	}).Info("job enqueued")

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     job.ID,
		"status":     domain.JobStatusQueued,
		"status_url": "/v1/jobs/" + job.ID,
		"settings":   job.Settings,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobStore == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "async jobs are not configured")
		return
	}

	jobID := strings.TrimSpace(r.PathValue("id"))
	if jobID == "" {
		writeJSONError(w, http.StatusBadRequest, "job id is required")
		return
	}

	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.WithError(err).WithField("job_id", jobID).Error("fetch job failed")
		writeJSONError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	if !ok {
		writeJSONError(w, http.StatusNotFound, "job not found")
		return
	}

	writeJSON(w, http.StatusOK, s.jobView(r.Context(), job))
}

type outputView struct {
	ObjectKey   string `json:"object_key"`
	ContentType string `json:"content_type"`
	Bytes       int    `json:"bytes"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	DownloadURL string `json:"download_url,omitempty"`
}

type jobView struct {
	JobID     string          `json:"job_id"`
	Status    string          `json:"status"`
	Settings  domain.Settings `json:"settings"`
	Output    *outputView     `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s *Server) jobView(ctx context.Context, job domain.Job) jobView {
	view := jobView{
		JobID:     job.ID,
		Status:    job.Status,
		Settings:  job.Settings,
		Error:     job.Error,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}
	if job.Status != domain.JobStatusSucceeded || job.Output == nil {
		return view
	}

	view.Output = &outputView{
		ObjectKey:   job.Output.ObjectKey,
		ContentType: job.Output.ContentType,
		Bytes:       job.Output.Bytes,
		Width:       job.Output.Width,
		Height:      job.Output.Height,
	}
	if s.storage != nil {
		u, err := s.storage.PresignedGetURL(ctx, job.Output.ObjectKey, s.presignTTL)
		if err != nil {
			s.logger.WithError(err).WithField("job_id", job.ID).Warn("presign output failed")
		} else {
			view.Output.DownloadURL = u
		}
	}
	return view
}

type upload struct {
	data     []byte
	mimeType string
	cfg      pipeline.Config
	values   url.Values
}

var (
	errNoImage  = errors.New("no image in request")
	errTooLarge = errors.New("upload too large")
)

// readUpload parses the multipart body shared by the enhance and job
// endpoints. Params are normalized here and never fail.
func (s *Server) readUpload(w http.ResponseWriter, r *http.Request) (upload, error) {
	if r.ContentLength > s.maxUploadBytes {
		return upload{}, errTooLarge
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemoryBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return upload{}, errTooLarge
		}
		return upload{}, fmt.Errorf("%w: %v", errNoImage, err)
	}
	defer r.MultipartForm.RemoveAll()

	values := url.Values(r.MultipartForm.Value)
	cfg := pipeline.Normalize(pipeline.ParamsFromValues(values))

	file, header, err := r.FormFile(pipeline.FieldImage)
	if err != nil {
		return upload{}, fmt.Errorf("%w: %v", errNoImage, err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return upload{}, fmt.Errorf("read upload: %w", err)
	}
	if len(data) == 0 {
		return upload{}, errNoImage
	}

	return upload{
		data:     data,
		mimeType: header.Header.Get("Content-Type"),
		cfg:      cfg,
		values:   values,
	}, nil
}

func (s *Server) writeUploadError(w http.ResponseWriter, err error, write func(http.ResponseWriter, int, string)) {
	switch {
	case errors.Is(err, errTooLarge):
		write(w, http.StatusRequestEntityTooLarge, messageTooLarge)
	case errors.Is(err, errNoImage):
		write(w, http.StatusBadRequest, pipeline.MessageValidation)
	default:
		s.logger.WithError(err).Warn("read upload failed")
		write(w, http.StatusBadRequest, pipeline.MessageValidation)
	}
}

func (s *Server) discardUpload(ctx context.Context, log logrus.FieldLogger, objectKey string) {
	if err := s.storage.DeleteObject(ctx, objectKey); err != nil {
		log.WithError(err).Warn("remove orphaned upload failed")
	}
}

func enhanceStatus(err error) int {
	switch pipeline.KindOf(err) {
	case pipeline.KindValidation:
		return http.StatusBadRequest
	case pipeline.KindDecode:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func writeText(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, message)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
