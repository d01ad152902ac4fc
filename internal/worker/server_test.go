package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/retouch/internal/config"
	"github.com/dunamismax/retouch/internal/domain"
	"github.com/dunamismax/retouch/internal/logging"
	"github.com/dunamismax/retouch/internal/pipeline"
	"github.com/dunamismax/retouch/internal/queue"
	"github.com/dunamismax/retouch/internal/storage"
	"github.com/dunamismax/retouch/internal/store"
	"github.com/dunamismax/retouch/internal/webhook"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordUsageWritesUsageLog(t *testing.T) {
	jobStore := store.NewMemoryJobStore()
	if err := jobStore.Create(context.Background(), domain.Job{
		ID:         "job-1",
		UserID:     "user-1",
		Status:     domain.JobStatusProcessing,
		SourceType: domain.SourceTypeObjectStore,
		ObjectKey:  "uploads/job-1/source",
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     logging.Discard(),
		jobStore:   jobStore,
		usageStore: usageStore,
		metrics:    NewMetrics(),
	}

	s.recordUsage(context.Background(), s.logger, "job-1", pipeline.Result{
		SourceBytes: 1_000,
		Output:      pipeline.Output{Width: 20, Height: 25, Bytes: 3_000},
	}, 250*time.Millisecond)

	if !usageStore.called {
		t.Fatal("expected usage log to be written")
	}
	if usageStore.log.UserID != "user-1" {
		t.Fatalf("expected user_id=user-1, got %s", usageStore.log.UserID)
	}
	if usageStore.log.PixelsProcessed != 500 {
		t.Fatalf("expected pixels_processed=500, got %d", usageStore.log.PixelsProcessed)
	}
	if usageStore.log.InputBytes != 1_000 || usageStore.log.OutputBytes != 3_000 {
		t.Fatalf("expected input=1000 output=3000, got %d %d", usageStore.log.InputBytes, usageStore.log.OutputBytes)
	}
	if usageStore.log.ComputeTimeMS != 250 {
		t.Fatalf("expected compute_time_ms=250, got %d", usageStore.log.ComputeTimeMS)
	}
}

func TestRecordUsageDefaultsUserAndComputeTime(t *testing.T) {
	usageStore := &captureUsageStore{}
	s := &Server{
		logger:     logging.Discard(),
		usageStore: usageStore,
		metrics:    NewMetrics(),
	}

	s.recordUsage(context.Background(), s.logger, "job-2", pipeline.Result{
		SourceBytes: 100,
		Output:      pipeline.Output{Width: 5, Height: 5, Bytes: 200},
	}, 0)

	if usageStore.log.UserID != "anonymous" {
		t.Fatalf("expected anonymous user, got %q", usageStore.log.UserID)
	}
	if usageStore.log.ComputeTimeMS < 1 {
		t.Fatalf("expected compute_time_ms to be at least 1, got %d", usageStore.log.ComputeTimeMS)
	}
}

type harness struct {
	server   *Server
	storage  *memoryStorage
	jobs     *store.MemoryJobStore
	webhooks *recordingWebhook
	metrics  *Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		storage:  newMemoryStorage(),
		jobs:     store.NewMemoryJobStore(),
		webhooks: &recordingWebhook{},
		metrics:  NewMetrics(),
	}

	enhancer, err := pipeline.NewEnhancer(logging.Discard(), pipeline.WithObserver(h.metrics))
	require.NoError(t, err)

	h.server, err = newServer(logging.Discard(), Options{
		Worker:   config.WorkerConfig{MaxActiveJobs: 2, OutputPrefix: "results", LocalOutputDir: t.TempDir()},
		Storage:  h.storage,
		Enhancer: enhancer,
		Webhook:  h.webhooks,
		JobStore: h.jobs,
		Metrics:  h.metrics,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) seed(t *testing.T, jobID string, source []byte) queue.EnhanceImagePayload {
	t.Helper()

	key := pipeline.SourceObjectKey(jobID)
	if source != nil {
		require.NoError(t, h.storage.WriteObject(context.Background(), key, source, "image/png"))
	}
	now := time.Now().UTC()
	settings := pipeline.DefaultConfig().Settings()
	require.NoError(t, h.jobs.Create(context.Background(), domain.Job{
		ID:         jobID,
		UserID:     "user-9",
		Status:     domain.JobStatusQueued,
		SourceType: domain.SourceTypeObjectStore,
		ObjectKey:  key,
		MIMEType:   "image/png",
		Settings:   settings,
		CreatedAt:  now,
		UpdatedAt:  now,
	}))
	return queue.EnhanceImagePayload{
		JobID:       jobID,
		SourceType:  domain.SourceTypeObjectStore,
		ObjectKey:   key,
		MIMEType:    "image/png",
		WebhookURL:  "https://hooks.example.com/retouch",
		Settings:    settings,
		RequestedAt: now,
	}
}

func taskFor(t *testing.T, payload queue.EnhanceImagePayload) *asynq.Task {
	t.Helper()
	task, err := queue.NewEnhanceImageTask(payload)
	require.NoError(t, err)
	return task
}

func TestHandleEnhanceImageSucceeds(t *testing.T) {
	h := newHarness(t)
	payload := h.seed(t, "job-ok", pngBytes(t, 30, 20))

	require.NoError(t, h.server.handleEnhanceImage(context.Background(), taskFor(t, payload)))

	job, ok, err := h.jobs.Get(context.Background(), "job-ok")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	require.NotNil(t, job.Output)
	assert.Equal(t, "results/job-ok/enhanced.png", job.Output.ObjectKey)
	assert.Equal(t, "image/png", job.Output.ContentType)
	assert.Equal(t, 60, job.Output.Width)
	assert.Equal(t, 40, job.Output.Height)

	written := h.storage.object(t, "results/job-ok/enhanced.png")
	cfg, format, err := image.DecodeConfig(bytes.NewReader(written))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 60, cfg.Width)
	assert.Equal(t, len(written), job.Output.Bytes)

	usage := h.jobs.UsageLogs()
	require.Len(t, usage, 1)
	assert.Equal(t, "user-9", usage[0].UserID)
	assert.Equal(t, int64(60*40), usage[0].PixelsProcessed)
	assert.Equal(t, int64(len(written)), usage[0].OutputBytes)

	require.Len(t, h.webhooks.events, 1)
	assert.Equal(t, webhook.EventJobCompleted, h.webhooks.events[0].event)
	assert.Equal(t, "https://hooks.example.com/retouch", h.webhooks.events[0].endpoint)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.jobsTotal.WithLabelValues(domain.SourceTypeObjectStore, domain.JobStatusSucceeded)))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.enhanceOutcomes.WithLabelValues("success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.activeJobs))
}

func TestHandleEnhanceImageUsesStoredSettings(t *testing.T) {
	h := newHarness(t)
	payload := h.seed(t, "job-x4", pngBytes(t, 10, 6))
	payload.Settings.Upscale = 4
	payload.MIMEType = "image/gif"

	require.NoError(t, h.server.handleEnhanceImage(context.Background(), taskFor(t, payload)))

	job, _, err := h.jobs.Get(context.Background(), "job-x4")
	require.NoError(t, err)
	require.NotNil(t, job.Output)
	assert.Equal(t, "results/job-x4/enhanced.jpg", job.Output.ObjectKey)
	assert.Equal(t, "image/jpeg", job.Output.ContentType)
	assert.Equal(t, 40, job.Output.Width)
	assert.Equal(t, 24, job.Output.Height)
}

func TestHandleEnhanceImageDecodeFailureIsPermanent(t *testing.T) {
	h := newHarness(t)
	payload := h.seed(t, "job-bad", []byte("definitely not an image"))

	err := h.server.handleEnhanceImage(context.Background(), taskFor(t, payload))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)

	job, _, gerr := h.jobs.Get(context.Background(), "job-bad")
	require.NoError(t, gerr)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, pipeline.MessageDecode, job.Error)
	assert.Nil(t, job.Output)
	assert.Empty(t, h.jobs.UsageLogs())

	require.Len(t, h.webhooks.events, 1)
	sent := h.webhooks.events[0]
	assert.Equal(t, webhook.EventJobFailed, sent.event)
	assert.Equal(t, pipeline.MessageDecode, sent.body["error"])
}

func TestHandleEnhanceImageMissingSourceIsPermanent(t *testing.T) {
	h := newHarness(t)
	payload := h.seed(t, "job-gone", nil)

	err := h.server.handleEnhanceImage(context.Background(), taskFor(t, payload))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	job, _, gerr := h.jobs.Get(context.Background(), "job-gone")
	require.NoError(t, gerr)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, pipeline.MessageProcessing, job.Error)
}

func TestHandleEnhanceImageRejectsBadPayload(t *testing.T) {
	h := newHarness(t)

	err := h.server.handleEnhanceImage(context.Background(), asynq.NewTask(queue.TypeEnhanceImage, []byte(`{"object_key":"x"}`)))
	require.Error(t, err)
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, h.webhooks.events)
}

func TestHandleEnhanceImageWebhookFailureKeepsSuccess(t *testing.T) {
	h := newHarness(t)
	h.webhooks.err = errors.New("receiver down")
	payload := h.seed(t, "job-hook", pngBytes(t, 8, 8))

	require.NoError(t, h.server.handleEnhanceImage(context.Background(), taskFor(t, payload)))

	job, _, err := h.jobs.Get(context.Background(), "job-hook")
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, job.Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.webhookDeliveries.WithLabelValues(webhook.EventJobCompleted, "failed")))
}

func TestHandleEnhanceImageLocalSource(t *testing.T) {
	h := newHarness(t)

	dir := t.TempDir()
	source := dir + "/input.png"
	require.NoError(t, os.WriteFile(source, pngBytes(t, 12, 9), 0o600))

	payload := queue.EnhanceImagePayload{
		JobID:      "job-local",
		SourceType: domain.SourceTypeLocalFile,
		ObjectKey:  source,
		MIMEType:   "image/png",
		Settings:   domain.Settings{Upscale: 1, Sharpen: 1, AutoContrast: true},
	}
	require.NoError(t, h.server.handleEnhanceImage(context.Background(), taskFor(t, payload)))
	assert.Empty(t, h.webhooks.events, "no webhook configured")
}

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "decode", err: fmt.Errorf("enhance stage: %w", &pipeline.Error{Kind: pipeline.KindDecode}), want: true},
		{name: "validation", err: &pipeline.Error{Kind: pipeline.KindValidation}, want: true},
		{name: "processing", err: &pipeline.Error{Kind: pipeline.KindProcessing, Stage: "sharpen"}, want: false},
		{name: "missing object", err: fmt.Errorf("fetch stage: %w", storage.ErrObjectNotFound), want: true},
		{name: "unsupported source", err: fmt.Errorf("fetch stage: %w", pipeline.ErrUnsupportedSourceType), want: true},
		{name: "transport", err: errors.New("connection reset by peer"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isPermanent(tt.err))
		})
	}
}

func TestFinalAttemptOutsideAsynq(t *testing.T) {
	assert.True(t, finalAttempt(context.Background()))
}

func TestNewServerRequiresCollaborators(t *testing.T) {
	enhancer, err := pipeline.NewEnhancer(nil)
	require.NoError(t, err)

	_, err = newServer(logging.Discard(), Options{Enhancer: enhancer})
	assert.Error(t, err)

	_, err = newServer(logging.Discard(), Options{Storage: newMemoryStorage()})
	assert.Error(t, err)
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(40 + x*4), G: uint8(60 + y*4), B: 90, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type captureUsageStore struct {
	called bool
	log    domain.UsageLog
}

func (s *captureUsageStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.called = true
	s.log = usage
	return nil
}

type memoryStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemoryStorage() *memoryStorage {
	return &memoryStorage{objects: make(map[string][]byte)}
}

func (m *memoryStorage) ReadObject(_ context.Context, objectKey string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[objectKey]
	if !ok {
		return nil, fmt.Errorf("read object %s: %w", objectKey, storage.ErrObjectNotFound)
	}
	return append([]byte(nil), data...), nil
}

func (m *memoryStorage) WriteObject(_ context.Context, objectKey string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[objectKey] = append([]byte(nil), data...)
	return nil
}

func (m *memoryStorage) object(t *testing.T, key string) []byte {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	require.True(t, ok, "object %s not written", key)
	return data
}

type sentWebhook struct {
	endpoint string
	event    string
	body     map[string]any
}

type recordingWebhook struct {
	mu     sync.Mutex
	events []sentWebhook
	err    error
}

func (r *recordingWebhook) Send(_ context.Context, endpoint, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sentWebhook{endpoint: endpoint, event: event, body: body})
	return r.err
}
