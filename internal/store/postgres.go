// Package store provides PostgresQueue, a relational implementation of the
// queue.Queue contract. Dequeue exclusivity comes from FOR UPDATE SKIP
// LOCKED rather than a Lua script; everything else follows the same
// lifecycle as the Redis backend.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"task-engine/internal/models"
	"task-engine/internal/queue"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

var _ queue.Queue = (*PostgresQueue)(nil)

// PostgresQueue implements queue.Queue over a jobs table.
type PostgresQueue struct {
	pool        *pgxpool.Pool
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration
}

// Options configure queue defaults.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, opts Options) (*PostgresQueue, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	return &PostgresQueue{
		pool:        pool,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		backoffMax:  opts.BackoffMax,
	}, nil
}

func (q *PostgresQueue) Close() {
	if q.pool != nil {
		q.pool.Close()
	}
}

// RunMigrations executes the embedded SQL migrations in order.
func (q *PostgresQueue) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		content, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := q.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
	}
	return nil
}

// Enqueue inserts a job row.
func (q *PostgresQueue) Enqueue(ctx context.Context, jobType string, payload map[string]any, opts queue.EnqueueOptions) (string, error) {
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}
	id := uuid.New().String()
	now := time.Now().UTC()
	runAt := now
	var scheduledFor *time.Time
	if opts.Delay > 0 {
		runAt = now.Add(opts.Delay)
		scheduledFor = &runAt
	}
	_, err = q.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, payload, status, attempts, max_attempts, priority, run_at, scheduled_for, created_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $9)
	`, id, jobType, payloadJSON, models.StatusPending, maxAttempts, opts.Priority, runAt, scheduledFor, now)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

const jobColumns = `id, type, payload, status, attempts, max_attempts, priority, scheduled_for, last_error, created_at, started_at, completed_at`

// Dequeue claims the best ready row. SKIP LOCKED keeps concurrent
// consumers from claiming the same job.
func (q *PostgresQueue) Dequeue(ctx context.Context) (*models.Job, error) {
	row := q.pool.QueryRow(ctx, `
		UPDATE jobs SET status = $1, started_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $2 AND run_at <= NOW()
			ORDER BY priority DESC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		models.StatusProcessing, models.StatusPending)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return &job, nil
}

// Complete marks a processing job completed.
func (q *PostgresQueue) Complete(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, completed_at = NOW(), last_error = NULL
		WHERE id = $1 AND status = $3
	`, jobID, models.StatusCompleted, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

// Fail records a failed attempt: reschedule with backoff below the attempt
// limit, dead-letter at it. The transaction pins the row so the
// dead-letter transition happens at most once.
func (q *PostgresQueue) Fail(ctx context.Context, jobID string, errMsg string) error {
	tx, err := q.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var attempts, maxAttempts int
	err = tx.QueryRow(ctx, `
		SELECT attempts, max_attempts FROM jobs
		WHERE id = $1 AND status = $2
		FOR UPDATE
	`, jobID, models.StatusProcessing).Scan(&attempts, &maxAttempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lock job row: %w", err)
	}

	attempts++
	if attempts < maxAttempts {
		retryAt := time.Now().UTC().Add(queue.Backoff(q.backoffBase, q.backoffMax, attempts))
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, attempts = $3, run_at = $4, scheduled_for = $4, last_error = $5
			WHERE id = $1
		`, jobID, models.StatusPending, attempts, retryAt, errMsg)
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE jobs SET status = $2, attempts = $3, last_error = $4
			WHERE id = $1
		`, jobID, models.StatusDeadLetter, attempts, errMsg)
	}
	if err != nil {
		return fmt.Errorf("update failed job: %w", err)
	}
	return tx.Commit(ctx)
}

// Stats counts rows per lifecycle state.
func (q *PostgresQueue) Stats(ctx context.Context) (models.QueueStats, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return models.QueueStats{}, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	var stats models.QueueStats
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return models.QueueStats{}, fmt.Errorf("scan stats: %w", err)
		}
		switch status {
		case models.StatusPending:
			stats.Queued = n
		case models.StatusProcessing:
			stats.Processing = n
		case models.StatusDeadLetter:
			stats.Failed = n
		case models.StatusCompleted:
			stats.Completed = n
		}
	}
	return stats, rows.Err()
}

// RetryFailed moves a dead-lettered job back to pending with attempts reset.
func (q *PostgresQueue) RetryFailed(ctx context.Context, jobID string) error {
	_, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, attempts = 0, run_at = NOW()
		WHERE id = $1 AND status = $3
	`, jobID, models.StatusPending, models.StatusDeadLetter)
	if err != nil {
		return fmt.Errorf("retry failed job: %w", err)
	}
	return nil
}

// RetryAllFailed re-queues every dead-lettered job.
func (q *PostgresQueue) RetryAllFailed(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, attempts = 0, run_at = NOW()
		WHERE status = $2
	`, models.StatusPending, models.StatusDeadLetter)
	if err != nil {
		return 0, fmt.Errorf("retry all failed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// FailedJobs reads the dead-letter rows, oldest first.
func (q *PostgresQueue) FailedJobs(ctx context.Context) ([]models.Job, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY seq
	`, models.StatusDeadLetter)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClearCompleted deletes all completed rows.
func (q *PostgresQueue) ClearCompleted(ctx context.Context) (int, error) {
	tag, err := q.pool.Exec(ctx, `DELETE FROM jobs WHERE status = $1`, models.StatusCompleted)
	if err != nil {
		return 0, fmt.Errorf("clear completed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// TrimCompleted deletes completed rows older than the retention window.
func (q *PostgresQueue) TrimCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := q.pool.Exec(ctx, `
		DELETE FROM jobs WHERE status = $1 AND completed_at < $2
	`, models.StatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("trim completed: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RecoverOrphaned re-queues processing rows older than maxAge.
func (q *PostgresQueue) RecoverOrphaned(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxAge)
	tag, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = $1, run_at = NOW(), started_at = NULL
		WHERE status = $2 AND started_at < $3
	`, models.StatusPending, models.StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (models.Job, error) {
	var job models.Job
	var payloadJSON []byte
	var scheduledFor, startedAt, completedAt pgtype.Timestamptz
	var lastErr pgtype.Text

	err := row.Scan(&job.ID, &job.Type, &payloadJSON, &job.Status, &job.Attempts, &job.MaxAttempts,
		&job.Priority, &scheduledFor, &lastErr, &job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return models.Job{}, err
	}
	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	if scheduledFor.Valid {
		job.ScheduledFor = &scheduledFor.Time
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	if lastErr.Valid {
		job.LastError = &lastErr.String
	}
	return job, nil
}
