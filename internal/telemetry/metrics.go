package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"task-engine/internal/breaker"
	"task-engine/internal/pool"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Total enqueued jobs"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Failed job attempts"})
	JobsDeadLettered = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_dead_lettered_total", Help: "Jobs moved to the dead-letter set"})
	JobsRecovered    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_recovered_total", Help: "Orphaned jobs re-queued"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Jobs queued (ready plus delayed)"})

	TasksQueued    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pool_tasks_queued_total", Help: "Tasks submitted to the worker pool"})
	TasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{Name: "pool_tasks_completed_total", Help: "Tasks completed by the worker pool"})
	TasksFailed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pool_tasks_failed_total", Help: "Tasks that exhausted their retries"})
	WorkerGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "pool_workers", Help: "Current worker count"})
	TaskDuration   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "pool_task_duration_seconds", Help: "Queue-to-completion task latency"})

	BreakerRejections  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "breaker_rejections_total", Help: "Calls rejected while open"}, []string{"name"})
	BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "breaker_transitions_total", Help: "Breaker state transitions"}, []string{"name", "to"})
	BreakerFailures    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "breaker_failures_total", Help: "Downstream call failures"}, []string{"name"})

	LockAcquired  = prometheus.NewCounter(prometheus.CounterOpts{Name: "lock_acquired_total", Help: "Distributed lock acquisitions"})
	LockContended = prometheus.NewCounter(prometheus.CounterOpts{Name: "lock_contended_total", Help: "Lock acquisitions that lost the race"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsCompleted,
			JobsFailed,
			JobsDeadLettered,
			JobsRecovered,
			QueueDepthGauge,
			TasksQueued,
			TasksCompleted,
			TasksFailed,
			WorkerGauge,
			TaskDuration,
			BreakerRejections,
			BreakerTransitions,
			BreakerFailures,
			LockAcquired,
			LockContended,
		)
	})
	return promhttp.Handler()
}

// PoolObserver bridges worker-pool signals into the collectors.
type PoolObserver struct{}

var _ pool.Observer = PoolObserver{}

func (PoolObserver) TaskQueued(*pool.Task) {
	TasksQueued.Inc()
}

func (PoolObserver) TaskCompleted(_ *pool.Task, d time.Duration) {
	TasksCompleted.Inc()
	TaskDuration.Observe(d.Seconds())
}

func (PoolObserver) TaskFailed(*pool.Task, error) {
	TasksFailed.Inc()
}

// BreakerObserver bridges circuit-breaker signals into the collectors.
type BreakerObserver struct{}

var _ breaker.Observer = BreakerObserver{}

func (BreakerObserver) CallSucceeded(string, time.Duration) {}

func (BreakerObserver) CallFailed(name string, _ time.Duration, _ error) {
	BreakerFailures.WithLabelValues(name).Inc()
}

func (BreakerObserver) CallRejected(name string) {
	BreakerRejections.WithLabelValues(name).Inc()
}

func (BreakerObserver) StateChanged(name string, _, to breaker.State) {
	BreakerTransitions.WithLabelValues(name, string(to)).Inc()
}
