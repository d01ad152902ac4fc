package domain

import "time"

// UsageLog records the cost of one finished enhancement job.
type UsageLog struct {
	UserID          string
	JobID           string
	PixelsProcessed int64
	InputBytes      int64
	OutputBytes     int64
	ComputeTimeMS   int64
	CreatedAt       time.Time
}
