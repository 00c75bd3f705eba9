package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"task-engine/internal/models"
)

// prioStep separates priority bands in the ready set score. Sequence
// numbers occupy the space below it, so ordering is (priority desc, FIFO).
// A float64 score stays exact below 2^53, which leaves room for a trillion
// enqueues per queue and priorities up to a few thousand before a band
// could bleed into its neighbor. Must match the constant inlined in the
// Lua scripts.
const prioStep = 1e12

const promoteBatch = 100

var _ Queue = (*RedisQueue)(nil)

// RedisQueue is the Redis-backed Queue. Ready jobs live in a ZSET scored by
// (-priority, seq), delayed jobs in a ZSET scored by due time, processing
// jobs in a ZSET scored by dequeue time. Every cross-set move runs inside a
// single Lua script so concurrent consumers never share a job.
type RedisQueue struct {
	client        *redis.Client
	readyKey      string
	scheduledKey  string
	processingKey string
	deadKey       string
	completedKey  string
	seqKey        string
	metaPrefix    string
	maxAttempts   int
	backoffBase   time.Duration
	backoffMax    time.Duration
}

// RedisOptions configure queue defaults.
type RedisOptions struct {
	KeyPrefix   string
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// NewRedisQueue builds a queue over an existing Redis client.
func NewRedisQueue(client *redis.Client, opts RedisOptions) *RedisQueue {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = "queue"
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
	return &RedisQueue{
		client:        client,
		readyKey:      prefix + ":ready",
		scheduledKey:  prefix + ":scheduled",
		processingKey: prefix + ":processing",
		deadKey:       prefix + ":dead",
		completedKey:  prefix + ":completed",
		seqKey:        prefix + ":seq",
		metaPrefix:    prefix + ":job:",
		maxAttempts:   opts.MaxAttempts,
		backoffBase:   opts.BackoffBase,
		backoffMax:    opts.BackoffMax,
	}
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.metaPrefix + jobID
}

func readyScore(priority int, seq int64) float64 {
	return float64(-priority)*prioStep + float64(seq)
}

// Enqueue persists job metadata and places the id in ready or scheduled.
func (q *RedisQueue) Enqueue(ctx context.Context, jobType string, payload map[string]any, opts EnqueueOptions) (string, error) {
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

	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return "", fmt.Errorf("next seq: %w", err)
	}

	id := uuid.New().String()
	now := time.Now()
	meta := map[string]any{
		"type":         jobType,
		"payload":      string(payloadJSON),
		"status":       models.StatusPending,
		"attempts":     0,
		"max_attempts": maxAttempts,
		"priority":     opts.Priority,
		"seq":          seq,
		"created_at":   now.UnixMilli(),
	}

	pipe := q.client.TxPipeline()
	if opts.Delay > 0 {
		due := now.Add(opts.Delay)
		meta["scheduled_for"] = due.UnixMilli()
		pipe.HSet(ctx, q.metaKey(id), meta)
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(due.UnixMilli()), Member: id})
	} else {
		pipe.HSet(ctx, q.metaKey(id), meta)
		pipe.ZAdd(ctx, q.readyKey, redis.Z{Score: readyScore(opts.Priority, seq), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// dequeueScript promotes due scheduled jobs, pops the best ready job, and
// moves it into processing, all atomically.
var dequeueScript = redis.NewScript(`
local ready = KEYS[1]
local scheduled = KEYS[2]
local processing = KEYS[3]
local now = tonumber(ARGV[1])
local prefix = ARGV[2]
local limit = tonumber(ARGV[3])

local due = redis.call('ZRANGEBYSCORE', scheduled, '-inf', now, 'LIMIT', 0, limit)
for _, id in ipairs(due) do
  local prio = tonumber(redis.call('HGET', prefix..id, 'priority')) or 0
  local seq = tonumber(redis.call('HGET', prefix..id, 'seq')) or 0
  redis.call('ZREM', scheduled, id)
  redis.call('ZADD', ready, -prio * 1e12 + seq, id)
end

local popped = redis.call('ZPOPMIN', ready)
if #popped == 0 then
  return false
end
local id = popped[1]
redis.call('ZADD', processing, now, id)
redis.call('HSET', prefix..id, 'status', 'processing', 'started_at', now)
return id
`)

// Dequeue returns the best ready job, or nil when nothing is due.
func (q *RedisQueue) Dequeue(ctx context.Context) (*models.Job, error) {
	res, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey, q.scheduledKey, q.processingKey},
		time.Now().UnixMilli(), q.metaPrefix, promoteBatch).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	id, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	job, err := q.getJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Complete moves a processing job into the completed set.
func (q *RedisQueue) Complete(ctx context.Context, jobID string) error {
	now := time.Now().UnixMilli()
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.processingKey, jobID)
	pipe.ZAdd(ctx, q.completedKey, redis.Z{Score: float64(now), Member: jobID})
	pipe.HSet(ctx, q.metaKey(jobID), "status", models.StatusCompleted, "completed_at", now)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

// failScript increments attempts and either reschedules with exponential
// backoff or dead-letters. The ZREM guard means a job can only be
// dead-lettered once: it must be in processing to take either branch.
var failScript = redis.NewScript(`
local processing = KEYS[1]
local scheduled = KEYS[2]
local dead = KEYS[3]
local id = ARGV[1]
local prefix = ARGV[2]
local now = tonumber(ARGV[3])
local base = tonumber(ARGV[4])
local cap = tonumber(ARGV[5])
local errmsg = ARGV[6]

if redis.call('ZREM', processing, id) == 0 then
  return -1
end
local meta = prefix..id
local attempts = redis.call('HINCRBY', meta, 'attempts', 1)
local max = tonumber(redis.call('HGET', meta, 'max_attempts')) or 0
if attempts < max then
  local delay = base * 2 ^ attempts
  if delay > cap then delay = cap end
  redis.call('HSET', meta, 'status', 'pending', 'last_error', errmsg, 'scheduled_for', now + delay)
  redis.call('ZADD', scheduled, now + delay, id)
  return attempts
end
redis.call('HSET', meta, 'status', 'dead_lettered', 'last_error', errmsg)
redis.call('ZADD', dead, now, id)
return -2
`)

// Fail records a failed attempt for a processing job.
func (q *RedisQueue) Fail(ctx context.Context, jobID string, errMsg string) error {
	err := failScript.Run(ctx, q.client,
		[]string{q.processingKey, q.scheduledKey, q.deadKey},
		jobID, q.metaPrefix, time.Now().UnixMilli(),
		q.backoffBase.Milliseconds(), q.backoffMax.Milliseconds(), errMsg).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// Stats counts each job set.
func (q *RedisQueue) Stats(ctx context.Context) (models.QueueStats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, q.readyKey)
	scheduled := pipe.ZCard(ctx, q.scheduledKey)
	processing := pipe.ZCard(ctx, q.processingKey)
	dead := pipe.ZCard(ctx, q.deadKey)
	completed := pipe.ZCard(ctx, q.completedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return models.QueueStats{}, fmt.Errorf("stats: %w", err)
	}
	return models.QueueStats{
		Queued:     ready.Val() + scheduled.Val(),
		Processing: processing.Val(),
		Failed:     dead.Val(),
		Completed:  completed.Val(),
	}, nil
}

// retryScript moves a dead-lettered job back to ready with attempts reset.
var retryScript = redis.NewScript(`
local dead = KEYS[1]
local ready = KEYS[2]
local id = ARGV[1]
local prefix = ARGV[2]
local seq = tonumber(ARGV[3])

if redis.call('ZREM', dead, id) == 0 then
  return 0
end
local meta = prefix..id
local prio = tonumber(redis.call('HGET', meta, 'priority')) or 0
redis.call('HSET', meta, 'status', 'pending', 'attempts', 0, 'seq', seq)
redis.call('ZADD', ready, -prio * 1e12 + seq, id)
return 1
`)

// RetryFailed re-queues a single dead-lettered job.
func (q *RedisQueue) RetryFailed(ctx context.Context, jobID string) error {
	seq, err := q.client.Incr(ctx, q.seqKey).Result()
	if err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	if err := retryScript.Run(ctx, q.client, []string{q.deadKey, q.readyKey}, jobID, q.metaPrefix, seq).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("retry failed job: %w", err)
	}
	return nil
}

// RetryAllFailed re-queues every dead-lettered job.
func (q *RedisQueue) RetryAllFailed(ctx context.Context) (int, error) {
	ids, err := q.client.ZRange(ctx, q.deadKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}
	n := 0
	for _, id := range ids {
		seq, err := q.client.Incr(ctx, q.seqKey).Result()
		if err != nil {
			return n, fmt.Errorf("next seq: %w", err)
		}
		moved, err := retryScript.Run(ctx, q.client, []string{q.deadKey, q.readyKey}, id, q.metaPrefix, seq).Int()
		if err != nil && err != redis.Nil {
			return n, fmt.Errorf("retry failed job: %w", err)
		}
		n += moved
	}
	return n, nil
}

// FailedJobs reads the dead-letter set, oldest first.
func (q *RedisQueue) FailedJobs(ctx context.Context) ([]models.Job, error) {
	ids, err := q.client.ZRange(ctx, q.deadKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	jobs := make([]models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := q.getJob(ctx, id)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

var clearScript = redis.NewScript(`
local completed = KEYS[1]
local prefix = ARGV[1]
local max = ARGV[2]
local ids = redis.call('ZRANGEBYSCORE', completed, '-inf', max)
for _, id in ipairs(ids) do
  redis.call('DEL', prefix..id)
  redis.call('ZREM', completed, id)
end
return #ids
`)

// ClearCompleted drops every completed job and its metadata.
func (q *RedisQueue) ClearCompleted(ctx context.Context) (int, error) {
	n, err := clearScript.Run(ctx, q.client, []string{q.completedKey}, q.metaPrefix, "+inf").Int()
	if err != nil {
		return 0, fmt.Errorf("clear completed: %w", err)
	}
	return n, nil
}

// TrimCompleted drops completed jobs older than the retention window.
func (q *RedisQueue) TrimCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixMilli()
	n, err := clearScript.Run(ctx, q.client, []string{q.completedKey}, q.metaPrefix, strconv.FormatInt(cutoff, 10)).Int()
	if err != nil {
		return 0, fmt.Errorf("trim completed: %w", err)
	}
	return n, nil
}

// recoverScript re-queues processing entries whose dequeue time is older
// than the cutoff.
var recoverScript = redis.NewScript(`
local processing = KEYS[1]
local ready = KEYS[2]
local prefix = ARGV[1]
local cutoff = tonumber(ARGV[2])

local ids = redis.call('ZRANGEBYSCORE', processing, '-inf', cutoff)
for _, id in ipairs(ids) do
  local meta = prefix..id
  local prio = tonumber(redis.call('HGET', meta, 'priority')) or 0
  local seq = tonumber(redis.call('HGET', meta, 'seq')) or 0
  redis.call('ZREM', processing, id)
  redis.call('ZADD', ready, -prio * 1e12 + seq, id)
  redis.call('HSET', meta, 'status', 'pending')
end
return #ids
`)

// RecoverOrphaned re-queues processing jobs older than maxAge.
func (q *RedisQueue) RecoverOrphaned(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	n, err := recoverScript.Run(ctx, q.client, []string{q.processingKey, q.readyKey}, q.metaPrefix, cutoff).Int()
	if err != nil {
		return 0, fmt.Errorf("recover orphaned: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) getJob(ctx context.Context, id string) (models.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.metaKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("read job meta: %w", err)
	}
	if len(fields) == 0 {
		return models.Job{}, fmt.Errorf("job %s not found", id)
	}
	return jobFromHash(id, fields)
}

func jobFromHash(id string, fields map[string]string) (models.Job, error) {
	job := models.Job{
		ID:          id,
		Type:        fields["type"],
		Status:      fields["status"],
		Attempts:    atoi(fields["attempts"]),
		MaxAttempts: atoi(fields["max_attempts"]),
		Priority:    atoi(fields["priority"]),
		CreatedAt:   time.UnixMilli(atoi64(fields["created_at"])),
	}
	if raw := fields["payload"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Payload); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
		}
	}
	if v := fields["scheduled_for"]; v != "" {
		t := time.UnixMilli(atoi64(v))
		job.ScheduledFor = &t
	}
	if v := fields["started_at"]; v != "" {
		t := time.UnixMilli(atoi64(v))
		job.StartedAt = &t
	}
	if v := fields["completed_at"]; v != "" {
		t := time.UnixMilli(atoi64(v))
		job.CompletedAt = &t
	}
	if v := fields["last_error"]; v != "" {
		job.LastError = &v
	}
	return job, nil
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func atoi64(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}
