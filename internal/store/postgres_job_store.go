package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/retouch/internal/domain"
	_ "github.com/lib/pq"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	object_key TEXT NOT NULL,
	mime_type TEXT NOT NULL DEFAULT '',
	webhook_url TEXT NOT NULL DEFAULT '',
	settings JSONB NOT NULL,
	output JSONB,
	error TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS usage_logs (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	pixels_processed BIGINT NOT NULL,
	input_bytes BIGINT NOT NULL,
	output_bytes BIGINT NOT NULL,
	compute_time_ms BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
`

const jobColumns = `id, user_id, status, source_type, object_key, mime_type, webhook_url, settings, output, error, created_at, updated_at`

// PostgresJobStore implements JobStore and UsageStore on lib/pq.
type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	settingsJSON, err := json.Marshal(job.Settings)
	if err != nil {
		return fmt.Errorf("marshal job settings: %w", err)
	}
	outputJSON, err := marshalOutput(job.Output)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID,
		job.UserID,
		job.Status,
		job.SourceType,
		job.ObjectKey,
		job.MIMEType,
		job.WebhookURL,
		settingsJSON,
		outputJSON,
		job.Error,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)

	var (
		job          domain.Job
		settingsJSON []byte
		outputJSON   []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Status,
		&job.SourceType,
		&job.ObjectKey,
		&job.MIMEType,
		&job.WebhookURL,
		&settingsJSON,
		&outputJSON,
		&job.Error,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}

	if err := json.Unmarshal(settingsJSON, &job.Settings); err != nil {
		return domain.Job{}, false, fmt.Errorf("unmarshal job settings: %w", err)
	}
	if len(outputJSON) > 0 {
		var output domain.JobOutput
		if err := json.Unmarshal(outputJSON, &output); err != nil {
			return domain.Job{}, false, fmt.Errorf("unmarshal job output: %w", err)
		}
		job.Output = &output
	}

	return job, true, nil
}

func (s *PostgresJobStore) UpdateStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.exec(ctx, id, "update job status",
		`UPDATE jobs SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), id,
	)
}

func (s *PostgresJobStore) Complete(ctx context.Context, id string, output domain.JobOutput) (domain.Job, error) {
	outputJSON, err := marshalOutput(&output)
	if err != nil {
		return domain.Job{}, err
	}
	return s.exec(ctx, id, "complete job",
		`UPDATE jobs SET status = $1, output = $2, error = '', updated_at = $3 WHERE id = $4`,
		domain.JobStatusSucceeded, outputJSON, time.Now().UTC(), id,
	)
}

func (s *PostgresJobStore) Fail(ctx context.Context, id, message string) (domain.Job, error) {
	return s.exec(ctx, id, "fail job",
		`UPDATE jobs SET status = $1, output = NULL, error = $2, updated_at = $3 WHERE id = $4`,
		domain.JobStatusFailed, message, time.Now().UTC(), id,
	)
}

func (s *PostgresJobStore) CreateUsageLog(ctx context.Context, usage domain.UsageLog) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO usage_logs (user_id, job_id, pixels_processed, input_bytes, output_bytes, compute_time_ms, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		usage.UserID,
		usage.JobID,
		usage.PixelsProcessed,
		usage.InputBytes,
		usage.OutputBytes,
		usage.ComputeTimeMS,
		usage.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) exec(ctx context.Context, id, op, query string, args ...any) (domain.Job, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Job{}, fmt.Errorf("%s: %w", op, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.Job{}, ErrJobNotFound
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	return job, nil
}

// marshalOutput maps a nil output to SQL NULL.
func marshalOutput(output *domain.JobOutput) (sql.NullString, error) {
	if output == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("marshal job output: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
