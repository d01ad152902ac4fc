package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/retouch/internal/domain"
	"github.com/hibiken/asynq"
)

const TypeEnhanceImage = "image:enhance"

// EnhanceImagePayload carries everything the worker needs; the job record is
// only read back for bookkeeping.
type EnhanceImagePayload struct {
	JobID       string          `json:"job_id"`
	SourceType  string          `json:"source_type"`
	ObjectKey   string          `json:"object_key"`
	MIMEType    string          `json:"mime_type"`
	WebhookURL  string          `json:"webhook_url,omitempty"`
	Settings    domain.Settings `json:"settings"`
	RequestedAt time.Time       `json:"requested_at"`
}

func NewEnhanceImageTask(payload EnhanceImagePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal enhance payload: %w", err)
	}
	return asynq.NewTask(TypeEnhanceImage, body), nil
}

func ParseEnhanceImagePayload(task *asynq.Task) (EnhanceImagePayload, error) {
	var payload EnhanceImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return EnhanceImagePayload{}, fmt.Errorf("unmarshal enhance payload: %w", err)
	}
	if payload.JobID == "" {
		return EnhanceImagePayload{}, fmt.Errorf("enhance payload is missing job_id")
	}
	return payload, nil
}
