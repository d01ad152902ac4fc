package store

import (
	"context"
	"errors"
	"strings"

	"github.com/dunamismax/retouch/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	UpdateStatus(ctx context.Context, id, status string) (domain.Job, error)
	// Complete marks the job succeeded and records where its output lives.
	Complete(ctx context.Context, id string, output domain.JobOutput) (domain.Job, error)
	// Fail marks the job failed with a message safe to show to the client.
	Fail(ctx context.Context, id, message string) (domain.Job, error)
}

type UsageStore interface {
	CreateUsageLog(ctx context.Context, usage domain.UsageLog) error
}

// Open returns the Postgres store when dsn is set and the in-memory store
// otherwise. The memory store is not shared between processes.
func Open(ctx context.Context, dsn string) (JobStore, func() error, error) {
	if strings.TrimSpace(dsn) == "" {
		return NewMemoryJobStore(), func() error { return nil }, nil
	}
	pg, err := NewPostgresJobStore(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}
