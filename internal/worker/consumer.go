// Package worker bridges the durable queue and the in-process pool: the
// Consumer dequeues jobs, submits them as typed tasks, and settles each job
// from its task outcome. Retry policy belongs to the queue, so tasks run
// with pool-level retries disabled.
package worker

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"task-engine/internal/models"
	"task-engine/internal/pool"
	"task-engine/internal/queue"
	"task-engine/internal/telemetry"
)

// ConsumerOptions tune the dequeue loop and maintenance schedule.
type ConsumerOptions struct {
	PollInterval       time.Duration
	MaxInFlight        int
	OrphanMaxAge       time.Duration
	CompletedRetention time.Duration
}

func (o *ConsumerOptions) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 64
	}
	if o.OrphanMaxAge <= 0 {
		o.OrphanMaxAge = 5 * time.Minute
	}
	if o.CompletedRetention <= 0 {
		o.CompletedRetention = 24 * time.Hour
	}
}

// Consumer drives jobs from the queue through the pool.
type Consumer struct {
	queue queue.Queue
	pool  *pool.Pool
	opts  ConsumerOptions

	inFlight chan struct{}
	cron     *cron.Cron
}

// NewConsumer builds a consumer over a started pool.
func NewConsumer(q queue.Queue, p *pool.Pool, opts ConsumerOptions) *Consumer {
	opts.defaults()
	return &Consumer{
		queue:    q,
		pool:     p,
		opts:     opts,
		inFlight: make(chan struct{}, opts.MaxInFlight),
		cron:     cron.New(),
	}
}

// Run dequeues until ctx is cancelled. Maintenance sweeps (orphan recovery,
// completed-set retention) run on a cron schedule and stop with the loop.
func (c *Consumer) Run(ctx context.Context) error {
	_, _ = c.cron.AddFunc("@every 1m", func() { c.recoverOrphaned(ctx) })
	_, _ = c.cron.AddFunc("@every 10m", func() { c.trimCompleted(ctx) })
	c.cron.Start()
	defer c.cron.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		job, err := c.queue.Dequeue(ctx)
		if err != nil {
			log.Error().Err(err).Msg("dequeue failed")
			c.sleep(ctx)
			continue
		}
		if job == nil {
			if stats, err := c.queue.Stats(ctx); err == nil {
				telemetry.QueueDepthGauge.Set(float64(stats.Queued))
			}
			telemetry.WorkerGauge.Set(float64(c.pool.Stats().Workers))
			c.sleep(ctx)
			continue
		}

		c.dispatch(ctx, job)
	}
}

// dispatch submits one job and settles it from the task outcome in the
// background, bounded by the in-flight semaphore.
func (c *Consumer) dispatch(ctx context.Context, job *models.Job) {
	select {
	case c.inFlight <- struct{}{}:
	case <-ctx.Done():
		// Shutting down mid-claim; orphan recovery will reclaim the job.
		return
	}

	handle, err := c.pool.Submit(job.Type, job.Payload, pool.SubmitOptions{
		Priority:   job.Priority,
		MaxRetries: -1, // the queue owns retries
	})
	if err != nil {
		<-c.inFlight
		// Unknown type or stopping pool: fail the attempt so the queue's
		// retry/dead-letter policy decides the job's fate.
		log.Error().Err(err).Str("job_id", job.ID).Str("job_type", job.Type).Msg("submit rejected")
		c.failJob(context.WithoutCancel(ctx), job, err)
		return
	}

	go func() {
		defer func() { <-c.inFlight }()
		_, err := handle.Wait(context.WithoutCancel(ctx))
		settleCtx := context.WithoutCancel(ctx)
		if err != nil {
			log.Warn().Err(err).
				Str("job_id", job.ID).
				Str("job_type", job.Type).
				Int("attempts", job.Attempts).
				Msg("job attempt failed")
			c.failJob(settleCtx, job, err)
			return
		}
		telemetry.JobsCompleted.Inc()
		if cerr := c.queue.Complete(settleCtx, job.ID); cerr != nil {
			log.Error().Err(cerr).Str("job_id", job.ID).Msg("record job completion")
		}
	}()
}

// failJob records the failed attempt. Attempts counts deliveries before this
// one, so the last allowed attempt dead-letters the job.
func (c *Consumer) failJob(ctx context.Context, job *models.Job, cause error) {
	telemetry.JobsFailed.Inc()
	if job.Attempts+1 >= job.MaxAttempts {
		telemetry.JobsDeadLettered.Inc()
	}
	if err := c.queue.Fail(ctx, job.ID, cause.Error()); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("record job failure")
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.opts.PollInterval):
	}
}

func (c *Consumer) recoverOrphaned(ctx context.Context) {
	n, err := c.queue.RecoverOrphaned(ctx, c.opts.OrphanMaxAge)
	if err != nil {
		log.Error().Err(err).Msg("orphan recovery failed")
		return
	}
	if n > 0 {
		telemetry.JobsRecovered.Add(float64(n))
		log.Info().Int("recovered", n).Msg("re-queued orphaned jobs")
	}
}

func (c *Consumer) trimCompleted(ctx context.Context) {
	n, err := c.queue.TrimCompleted(ctx, c.opts.CompletedRetention)
	if err != nil {
		log.Error().Err(err).Msg("completed trim failed")
		return
	}
	if n > 0 {
		log.Info().Int("trimmed", n).Msg("trimmed completed jobs")
	}
}
