package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeLocalFile   = "local_file"
	SourceTypeObjectStore = "object_store"
)

// Settings is the stored form of a normalized enhancement configuration.
type Settings struct {
	Upscale      int  `json:"upscale"`
	Denoise      int  `json:"denoise"`
	Sharpen      int  `json:"sharpen"`
	AutoContrast bool `json:"auto_contrast"`
	ColorBoost   bool `json:"color_boost"`
}

// CreateJobRequest is an async enhancement request after the upload has
// been read.
type CreateJobRequest struct {
	SourceType string
	ObjectKey  string
	MIMEType   string
	WebhookURL string
	ImageBytes int
	Settings   Settings
}

type JobOutput struct {
	ObjectKey   string `json:"object_key"`
	ContentType string `json:"content_type"`
	Bytes       int    `json:"bytes"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
}

type Job struct {
	ID         string
	UserID     string
	Status     string
	SourceType string
	ObjectKey  string
	MIMEType   string
	WebhookURL string
	Settings   Settings
	Output     *JobOutput
	Error      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Terminal reports whether the job will not change status again.
func (j Job) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}

func (r CreateJobRequest) Validate() error {
	sourceType := strings.ToLower(strings.TrimSpace(r.SourceType))
	if sourceType == "" {
		return errors.New("source_type is required")
	}
	if sourceType != SourceTypeLocalFile && sourceType != SourceTypeObjectStore {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if sourceType == SourceTypeLocalFile && strings.TrimSpace(r.ObjectKey) == "" {
		return errors.New("object_key is required for source_type=local_file")
	}
	if sourceType == SourceTypeObjectStore && r.ImageBytes <= 0 {
		return errors.New("image is required")
	}
	if webhook := strings.TrimSpace(r.WebhookURL); webhook != "" {
		u, err := url.Parse(webhook)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid webhook_url: %s", r.WebhookURL)
		}
	}
	return nil
}
