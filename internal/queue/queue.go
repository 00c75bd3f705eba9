// Package queue implements the durable job queue: priority- and delay-aware
// dequeue, exponential retry backoff, dead-lettering, and orphan recovery.
// Two backends implement the same contract: RedisQueue here and the
// relational PostgresQueue in internal/store.
package queue

import (
	"context"
	"time"

	"task-engine/internal/models"
)

// EnqueueOptions tune a single enqueue. Zero values fall back to queue
// defaults (MaxAttempts) or mean "immediately visible" (Delay) and
// "neutral" (Priority).
type EnqueueOptions struct {
	Delay       time.Duration
	MaxAttempts int
	Priority    int
}

// Queue is the durable job queue contract. Business failures (a handler
// error, an empty queue, an unknown job id) are not errors; only store
// unavailability surfaces as a non-nil error.
type Queue interface {
	// Enqueue persists a job and returns its id. A positive Delay keeps the
	// job invisible to Dequeue until it elapses.
	Enqueue(ctx context.Context, jobType string, payload map[string]any, opts EnqueueOptions) (string, error)

	// Dequeue atomically moves the highest-priority ready job into the
	// processing set and returns it. Delayed jobs stay invisible until due
	// regardless of priority; among equally ready jobs, higher priority
	// wins and ties break FIFO. Returns nil, nil when nothing is ready.
	Dequeue(ctx context.Context) (*models.Job, error)

	// Complete moves a processing job into the completed set.
	Complete(ctx context.Context, jobID string) error

	// Fail records a failed attempt. Below MaxAttempts the job is
	// rescheduled after an exponential backoff; at the limit it is
	// dead-lettered exactly once with the triggering error attached.
	Fail(ctx context.Context, jobID string, errMsg string) error

	Stats(ctx context.Context) (models.QueueStats, error)

	// RetryFailed moves a dead-lettered job back to pending with its
	// attempt counter reset. Unknown or non-dead ids are a no-op.
	RetryFailed(ctx context.Context, jobID string) error

	// RetryAllFailed re-queues every dead-lettered job, returning how many.
	RetryAllFailed(ctx context.Context) (int, error)

	FailedJobs(ctx context.Context) ([]models.Job, error)

	// ClearCompleted drops all completed jobs, returning how many.
	ClearCompleted(ctx context.Context) (int, error)

	// TrimCompleted drops completed jobs older than the retention window.
	TrimCompleted(ctx context.Context, olderThan time.Duration) (int, error)

	// RecoverOrphaned re-queues processing jobs older than maxAge, the
	// presumption being their consumer crashed. Younger jobs are untouched.
	// This is the sole recovery path for lost workers.
	RecoverOrphaned(ctx context.Context, maxAge time.Duration) (int, error)
}

// Backoff returns the retry delay for a failed attempt: base doubled per
// attempt, capped at max. Attempt counts completed attempts, so the first
// retry of a job with attempts=1 waits base*2.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
