package queue

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
)

const enhanceTaskTimeout = 3 * time.Minute

type Client struct {
	client   *asynq.Client
	queue    string
	maxRetry int
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, maxRetry int) *Client {
	if maxRetry < 0 {
		maxRetry = 0
	}
	return &Client{
		client:   asynq.NewClient(redisOpt),
		queue:    queueName,
		maxRetry: maxRetry,
	}
}

// EnqueueEnhanceImage schedules one enhancement job. The job id doubles as
// the task id so a duplicate submit is rejected by the queue.
func (c *Client) EnqueueEnhanceImage(ctx context.Context, payload EnhanceImagePayload) (*asynq.TaskInfo, error) {
	task, err := NewEnhanceImageTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(c.maxRetry),
		asynq.Timeout(enhanceTaskTimeout),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
