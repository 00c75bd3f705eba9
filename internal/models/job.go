package models

import (
	"time"
)

// Job lifecycle states.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusDeadLetter = "dead_lettered"
)

// Job is a unit of durable work held by the queue. While a job is live,
// 0 <= Attempts <= MaxAttempts; exceeding MaxAttempts moves it to the
// dead-letter set exactly once. Delivery is at-least-once, so handlers
// must tolerate re-execution.
type Job struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Payload      map[string]any `json:"payload"`
	Status       string         `json:"status"`
	Attempts     int            `json:"attempts"`
	MaxAttempts  int            `json:"max_attempts"`
	Priority     int            `json:"priority"`
	ScheduledFor *time.Time     `json:"scheduled_for,omitempty"`
	LastError    *string        `json:"last_error,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// QueueStats is a point-in-time census of the queue's sets. Queued counts
// both ready and delayed jobs.
type QueueStats struct {
	Queued     int64 `json:"queued"`
	Processing int64 `json:"processing"`
	Failed     int64 `json:"failed"`
	Completed  int64 `json:"completed"`
}
