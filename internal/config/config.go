package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/pelletier/go-toml/v2"
)

// FileEnv names the optional TOML file read before the environment.
const FileEnv = "RETOUCH_CONFIG"

type Config struct {
	API       APIConfig       `toml:"api"`
	Enhance   EnhanceConfig   `toml:"enhance"`
	Queue     QueueConfig     `toml:"queue"`
	Worker    WorkerConfig    `toml:"worker"`
	Storage   StorageConfig   `toml:"storage"`
	Database  DatabaseConfig  `toml:"database"`
	RateLimit RateLimitConfig `toml:"rate_limit"`
	Webhook   WebhookConfig   `toml:"webhook"`
	Tracing   TracingConfig   `toml:"tracing"`
	Log       LogConfig       `toml:"log"`
}

type APIConfig struct {
	Addr              string `toml:"addr"`
	PresignTTLSeconds int    `toml:"presign_ttl_seconds"`
	UserIDHeader      string `toml:"user_id_header"`
}

func (a APIConfig) PresignTTL() time.Duration {
	return time.Duration(a.PresignTTLSeconds) * time.Second
}

// EnhanceConfig bounds the synchronous enhance endpoint.
type EnhanceConfig struct {
	MaxUploadBytes int64 `toml:"max_upload_bytes"`
	MaxConcurrent  int   `toml:"max_concurrent"`
}

type QueueConfig struct {
	RedisAddr     string `toml:"redis_addr"`
	RedisPassword string `toml:"redis_password"`
	RedisDB       int    `toml:"redis_db"`
	Name          string `toml:"name"`
	MaxRetry      int    `toml:"max_retry"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int    `toml:"concurrency"`
	MaxActiveJobs  int    `toml:"max_active_jobs"`
	LocalOutputDir string `toml:"local_output_dir"`
	OutputPrefix   string `toml:"output_prefix"`
	MetricsAddr    string `toml:"metrics_addr"`
}

type StorageConfig struct {
	Endpoint  string `toml:"endpoint"`
	AccessKey string `toml:"access_key"`
	SecretKey string `toml:"secret_key"`
	Bucket    string `toml:"bucket"`
	UseSSL    bool   `toml:"use_ssl"`
}

type DatabaseConfig struct {
	// DSN selects the Postgres store; empty keeps jobs in memory.
	DSN string `toml:"dsn"`
}

type RateLimitConfig struct {
	Enabled       bool `toml:"enabled"`
	Capacity      int  `toml:"capacity"`
	WindowSeconds int  `toml:"window_seconds"`
}

func (r RateLimitConfig) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

type WebhookConfig struct {
	SigningSecret         string `toml:"signing_secret"`
	TimeoutSeconds        int    `toml:"timeout_seconds"`
	MaxAttempts           int    `toml:"max_attempts"`
	InitialBackoffSeconds int    `toml:"initial_backoff_seconds"`
	MaxBackoffSeconds     int    `toml:"max_backoff_seconds"`
}

type TracingConfig struct {
	Exporter     string `toml:"exporter"`
	OTLPEndpoint string `toml:"otlp_endpoint"`
	OTLPInsecure bool   `toml:"otlp_insecure"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		API: APIConfig{
			Addr:              ":8080",
			PresignTTLSeconds: 900,
			UserIDHeader:      "X-User-ID",
		},
		Enhance: EnhanceConfig{
			MaxUploadBytes: 25 << 20,
			MaxConcurrent:  max(1, runtime.NumCPU()),
		},
		Queue: QueueConfig{
			RedisAddr: "localhost:6379",
			Name:      "default",
			MaxRetry:  5,
		},
		Worker: WorkerConfig{
			Concurrency:    max(2, runtime.NumCPU()),
			MaxActiveJobs:  max(1, runtime.NumCPU()/2),
			LocalOutputDir: "./.retouch-output",
			OutputPrefix:   "outputs",
			MetricsAddr:    ":9091",
		},
		Storage: StorageConfig{
			Endpoint:  "localhost:9000",
			AccessKey: "minioadmin",
			SecretKey: "minioadmin",
			Bucket:    "retouch-jobs",
		},
		RateLimit: RateLimitConfig{
			Capacity:      30,
			WindowSeconds: 60,
		},
		Webhook: WebhookConfig{
			TimeoutSeconds:        10,
			MaxAttempts:           4,
			InitialBackoffSeconds: 1,
			MaxBackoffSeconds:     30,
		},
		Tracing: TracingConfig{
			Exporter: "none",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds the configuration from defaults, the TOML file named by
// RETOUCH_CONFIG when set, then environment variables. Environment wins.
func Load() (Config, error) {
	cfg := Default()

	if path := env(FileEnv, ""); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s does not exist", path)
		}
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	decoder := toml.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.API.Addr = env("RETOUCH_API_ADDR", cfg.API.Addr)
	cfg.API.PresignTTLSeconds = envInt("RETOUCH_PRESIGN_TTL_SECONDS", cfg.API.PresignTTLSeconds)
	cfg.API.UserIDHeader = env("RETOUCH_USER_ID_HEADER", cfg.API.UserIDHeader)

	cfg.Enhance.MaxUploadBytes = int64(envInt("ENHANCE_MAX_UPLOAD_BYTES", int(cfg.Enhance.MaxUploadBytes)))
	cfg.Enhance.MaxConcurrent = envInt("ENHANCE_MAX_CONCURRENT", cfg.Enhance.MaxConcurrent)

	cfg.Queue.RedisAddr = env("REDIS_ADDR", cfg.Queue.RedisAddr)
	cfg.Queue.RedisPassword = env("REDIS_PASSWORD", cfg.Queue.RedisPassword)
	cfg.Queue.RedisDB = envInt("REDIS_DB", cfg.Queue.RedisDB)
	cfg.Queue.Name = env("ASYNC_QUEUE", cfg.Queue.Name)
	cfg.Queue.MaxRetry = envInt("ASYNC_MAX_RETRY", cfg.Queue.MaxRetry)

	cfg.Worker.Concurrency = envInt("WORKER_CONCURRENCY", cfg.Worker.Concurrency)
	cfg.Worker.MaxActiveJobs = envInt("WORKER_MAX_ACTIVE_JOBS", cfg.Worker.MaxActiveJobs)
	cfg.Worker.LocalOutputDir = env("WORKER_LOCAL_OUTPUT_DIR", cfg.Worker.LocalOutputDir)
	cfg.Worker.OutputPrefix = env("WORKER_OUTPUT_PREFIX", cfg.Worker.OutputPrefix)
	cfg.Worker.MetricsAddr = env("WORKER_METRICS_ADDR", cfg.Worker.MetricsAddr)

	cfg.Storage.Endpoint = env("MINIO_ENDPOINT", cfg.Storage.Endpoint)
	cfg.Storage.AccessKey = env("MINIO_ACCESS_KEY", cfg.Storage.AccessKey)
	cfg.Storage.SecretKey = env("MINIO_SECRET_KEY", cfg.Storage.SecretKey)
	cfg.Storage.Bucket = env("MINIO_BUCKET", cfg.Storage.Bucket)
	cfg.Storage.UseSSL = envBool("MINIO_USE_SSL", cfg.Storage.UseSSL)

	cfg.Database.DSN = env("POSTGRES_DSN", cfg.Database.DSN)

	cfg.RateLimit.Enabled = envBool("RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.Capacity = envInt("RATE_LIMIT_CAPACITY", cfg.RateLimit.Capacity)
	cfg.RateLimit.WindowSeconds = envInt("RATE_LIMIT_WINDOW_SECONDS", cfg.RateLimit.WindowSeconds)

	cfg.Webhook.SigningSecret = env("WEBHOOK_SIGNING_SECRET", cfg.Webhook.SigningSecret)
	cfg.Webhook.TimeoutSeconds = envInt("WEBHOOK_TIMEOUT_SECONDS", cfg.Webhook.TimeoutSeconds)
	cfg.Webhook.MaxAttempts = envInt("WEBHOOK_MAX_ATTEMPTS", cfg.Webhook.MaxAttempts)
	cfg.Webhook.InitialBackoffSeconds = envInt("WEBHOOK_INITIAL_BACKOFF_SECONDS", cfg.Webhook.InitialBackoffSeconds)
	cfg.Webhook.MaxBackoffSeconds = envInt("WEBHOOK_MAX_BACKOFF_SECONDS", cfg.Webhook.MaxBackoffSeconds)

	cfg.Tracing.Exporter = env("OTEL_TRACES_EXPORTER", cfg.Tracing.Exporter)
	cfg.Tracing.OTLPEndpoint = env("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Tracing.OTLPEndpoint)
	cfg.Tracing.OTLPInsecure = envBool("OTEL_EXPORTER_OTLP_INSECURE", cfg.Tracing.OTLPInsecure)

	cfg.Log.Level = env("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = env("LOG_FORMAT", cfg.Log.Format)
}

// Validate rejects values no component can run with.
func (c Config) Validate() error {
	if c.Enhance.MaxUploadBytes <= 0 {
		return errors.New("enhance.max_upload_bytes must be positive")
	}
	if c.Enhance.MaxConcurrent < 1 {
		return errors.New("enhance.max_concurrent must be at least 1")
	}
	if c.Worker.Concurrency < 1 {
		return errors.New("worker.concurrency must be at least 1")
	}
	if strings.TrimSpace(c.Queue.Name) == "" {
		return errors.New("queue.name is required")
	}
	if c.RateLimit.Enabled && (c.RateLimit.Capacity < 1 || c.RateLimit.WindowSeconds < 1) {
		return errors.New("rate_limit capacity and window_seconds must be positive when enabled")
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("unsupported log.format: %s", c.Log.Format)
	}
	return nil
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
