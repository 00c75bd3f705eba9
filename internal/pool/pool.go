// Package pool implements the auto-scaling worker pool: typed tasks run
// against registered handlers across a bounded set of workers, with
// per-task timeout, retries, and asynchronous result handles.
package pool

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Worker statuses.
const (
	WorkerIdle     = "idle"
	WorkerBusy     = "busy"
	WorkerDraining = "draining"
)

// WorkerState is a point-in-time view of one worker.
type WorkerState struct {
	ID             string  `json:"id"`
	Status         string  `json:"status"`
	TasksCompleted int64   `json:"tasks_completed"`
	TasksFailed    int64   `json:"tasks_failed"`
	CurrentTask    *string `json:"current_task,omitempty"`
}

// Stats aggregates pool counters.
type Stats struct {
	Workers     int   `json:"workers"`
	IdleWorkers int   `json:"idle_workers"`
	QueueDepth  int   `json:"queue_depth"`
	Submitted   int64 `json:"submitted"`
	Completed   int64 `json:"completed"`
	Failed      int64 `json:"failed"`
	Retried     int64 `json:"retried"`
}

// Options configure the pool. Zero values get defaults.
type Options struct {
	MinWorkers int
	MaxWorkers int
	// ScaleUpThreshold is the queued-backlog/idle-worker ratio above which
	// the health check adds one worker.
	ScaleUpThreshold float64
	// ScaleDownThreshold is the idle-worker count above which the health
	// check retires one idle worker (never below MinWorkers).
	ScaleDownThreshold int
	// ScaleInterval is the health-check period driving scaling decisions.
	ScaleInterval time.Duration

	DefaultTimeout    time.Duration
	DefaultMaxRetries int

	Observer Observer
}

func (o *Options) defaults() {
	if o.MinWorkers <= 0 {
		o.MinWorkers = 2
	}
	if o.MaxWorkers < o.MinWorkers {
		o.MaxWorkers = o.MinWorkers
	}
	if o.ScaleUpThreshold <= 0 {
		o.ScaleUpThreshold = 2
	}
	if o.ScaleDownThreshold <= 0 {
		o.ScaleDownThreshold = 3
	}
	if o.ScaleInterval <= 0 {
		o.ScaleInterval = 5 * time.Second
	}
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 30 * time.Second
	}
	if o.DefaultMaxRetries < 0 {
		o.DefaultMaxRetries = 0
	}
	if o.Observer == nil {
		o.Observer = NopObserver{}
	}
}

// SubmitOptions tune one submission. Zero values fall back to pool
// defaults; a negative MaxRetries disables retries for this task.
type SubmitOptions struct {
	Priority   int
	Timeout    time.Duration
	MaxRetries int
}

// BatchOptions tune SubmitBatch fan-out.
type BatchOptions struct {
	Concurrency int
	Priority    int
	Timeout     time.Duration
	MaxRetries  int
}

type worker struct {
	id             string
	status         string
	tasksCompleted int64
	tasksFailed    int64
	currentTask    *string
	retire         bool
}

// Pool executes submitted tasks across an auto-scaled set of workers.
type Pool struct {
	opts Options

	mu        sync.Mutex
	cond      *sync.Cond
	handlers  map[string]Handler
	tasks     taskHeap
	workers   map[string]*worker
	running   bool
	stopping  bool
	seq       int64
	workerSeq int64

	submitted int64
	completed int64
	failed    int64
	retried   int64

	wg         sync.WaitGroup
	stopScaler chan struct{}
}

// New builds a stopped pool. Call Start before submitting.
func New(opts Options) *Pool {
	opts.defaults()
	p := &Pool{
		opts:     opts,
		handlers: make(map[string]Handler),
		workers:  make(map[string]*worker),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// RegisterHandler binds a handler to a task type.
func (p *Pool) RegisterHandler(taskType string, h Handler) {
	if taskType == "" || h == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[taskType] = h
}

// Start spawns MinWorkers workers and the scaling health check.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	p.running = true
	p.stopping = false
	p.stopScaler = make(chan struct{})
	for i := 0; i < p.opts.MinWorkers; i++ {
		p.spawnWorker()
	}
	p.wg.Add(1)
	go p.scaleLoop()
	log.Info().Int("min_workers", p.opts.MinWorkers).Int("max_workers", p.opts.MaxWorkers).Msg("worker pool started")
}

// Stop drains the pool: new submissions are rejected immediately, queued
// and in-flight tasks run to completion, then workers exit. Stop returns
// early with ctx's error if draining outlasts it.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	// A concurrent Stop joins the drain already in progress.
	if !p.stopping {
		p.stopping = true
		close(p.stopScaler)
		p.cond.Broadcast()
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	log.Info().Msg("worker pool stopped")
	return nil
}

// Submit enqueues a task and returns its result handle. The call never
// blocks on execution; the handle completes once a worker finishes the
// task. Unknown task types and a stopped pool are synchronous errors.
func (p *Pool) Submit(taskType string, input any, opts SubmitOptions) (*Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || p.stopping {
		return nil, ErrPoolStopped
	}
	if _, ok := p.handlers[taskType]; !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = p.opts.DefaultTimeout
	}
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	if opts.MaxRetries == 0 {
		retries = p.opts.DefaultMaxRetries
	}

	p.seq++
	t := &Task{
		ID:               uuid.New().String(),
		Type:             taskType,
		Input:            input,
		Priority:         opts.Priority,
		Timeout:          timeout,
		RetriesRemaining: retries,
		EnqueuedAt:       time.Now(),
		seq:              p.seq,
	}
	t.handle = newHandle(t.ID)

	heap.Push(&p.tasks, t)
	p.submitted++
	p.opts.Observer.TaskQueued(t)
	p.cond.Signal()
	return t.handle, nil
}

// SubmitBatch fans inputs out with bounded concurrency and waits for all of
// them. The result slice always has len(inputs) entries; indices whose task
// failed hold nil. Individual failures never fail the batch; only
// programmer errors (unknown type, stopped pool) do.
func (p *Pool) SubmitBatch(ctx context.Context, taskType string, inputs []any, opts BatchOptions) ([]any, error) {
	p.mu.Lock()
	if !p.running || p.stopping {
		p.mu.Unlock()
		return nil, ErrPoolStopped
	}
	if _, ok := p.handlers[taskType]; !ok {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownTaskType, taskType)
	}
	p.mu.Unlock()

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = len(inputs)
	}
	sem := make(chan struct{}, concurrency)
	results := make([]any, len(inputs))
	var wg sync.WaitGroup

	for i, input := range inputs {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, input any) {
			defer wg.Done()
			defer func() { <-sem }()
			h, err := p.Submit(taskType, input, SubmitOptions{
				Priority:   opts.Priority,
				Timeout:    opts.Timeout,
				MaxRetries: opts.MaxRetries,
			})
			if err != nil {
				return
			}
			if v, err := h.Wait(ctx); err == nil {
				results[i] = v
			}
		}(i, input)
	}
	wg.Wait()
	return results, nil
}

// Stats returns aggregate counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := 0
	for _, w := range p.workers {
		if w.status == WorkerIdle {
			idle++
		}
	}
	return Stats{
		Workers:     len(p.workers),
		IdleWorkers: idle,
		QueueDepth:  p.tasks.Len(),
		Submitted:   p.submitted,
		Completed:   p.completed,
		Failed:      p.failed,
		Retried:     p.retried,
	}
}

// WorkerStates snapshots every worker.
func (p *Pool) WorkerStates() []WorkerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	states := make([]WorkerState, 0, len(p.workers))
	for _, w := range p.workers {
		s := WorkerState{
			ID:             w.id,
			Status:         w.status,
			TasksCompleted: w.tasksCompleted,
			TasksFailed:    w.tasksFailed,
		}
		if w.currentTask != nil {
			id := *w.currentTask
			s.CurrentTask = &id
		}
		states = append(states, s)
	}
	return states
}

// spawnWorker must be called with the lock held.
func (p *Pool) spawnWorker() {
	p.workerSeq++
	w := &worker{
		id:     fmt.Sprintf("worker-%d", p.workerSeq),
		status: WorkerIdle,
	}
	p.workers[w.id] = w
	p.wg.Add(1)
	go p.workerLoop(w)
}

func (p *Pool) workerLoop(w *worker) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for {
			if w.retire {
				delete(p.workers, w.id)
				p.mu.Unlock()
				return
			}
			if p.tasks.Len() > 0 {
				break
			}
			if p.stopping {
				delete(p.workers, w.id)
				p.mu.Unlock()
				return
			}
			w.status = WorkerIdle
			p.cond.Wait()
		}
		t := heap.Pop(&p.tasks).(*Task)
		w.status = WorkerBusy
		w.currentTask = &t.ID
		p.mu.Unlock()

		p.runTask(w, t)

		p.mu.Lock()
		w.currentTask = nil
		if !w.retire {
			w.status = WorkerIdle
		}
		p.mu.Unlock()
	}
}

type attemptResult struct {
	value any
	err   error
}

// runTask executes one attempt and routes the outcome: success completes
// the handle, failure either requeues (retries remaining) or fails the
// handle with the last error. A timed-out attempt counts as a failure; the
// abandoned handler keeps running until it observes ctx.
func (p *Pool) runTask(w *worker, t *Task) {
	p.mu.Lock()
	handler := p.handlers[t.Type]
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.Timeout)
	defer cancel()

	resCh := make(chan attemptResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resCh <- attemptResult{err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		v, err := handler(ctx, t.Input)
		resCh <- attemptResult{value: v, err: err}
	}()

	var res attemptResult
	select {
	case res = <-resCh:
	case <-ctx.Done():
		res = attemptResult{err: fmt.Errorf("%w after %s", ErrTaskTimeout, t.Timeout)}
	}

	if res.err == nil {
		p.mu.Lock()
		p.completed++
		w.tasksCompleted++
		p.mu.Unlock()
		p.opts.Observer.TaskCompleted(t, time.Since(t.EnqueuedAt))
		t.handle.deliver(res.value, nil)
		return
	}

	p.mu.Lock()
	w.tasksFailed++
	if t.RetriesRemaining > 0 {
		t.RetriesRemaining--
		p.retried++
		p.seq++
		t.seq = p.seq
		heap.Push(&p.tasks, t)
		p.cond.Signal()
		p.mu.Unlock()
		log.Warn().Err(res.err).
			Str("task_id", t.ID).
			Str("task_type", t.Type).
			Int("retries_remaining", t.RetriesRemaining).
			Msg("task attempt failed, requeued")
		return
	}
	p.failed++
	p.mu.Unlock()
	log.Error().Err(res.err).
		Str("task_id", t.ID).
		Str("task_type", t.Type).
		Msg("task failed, retries exhausted")
	p.opts.Observer.TaskFailed(t, res.err)
	t.handle.deliver(nil, res.err)
}

// scaleLoop is the periodic health check driving scaling decisions.
func (p *Pool) scaleLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.opts.ScaleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopScaler:
			return
		case <-ticker.C:
			p.scaleOnce()
		}
	}
}

// scaleOnce applies at most one scaling step: up when the backlog/idle
// ratio exceeds the threshold, down when too many workers sit idle.
func (p *Pool) scaleOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return
	}

	backlog := p.tasks.Len()
	idle := 0
	var idleWorker *worker
	for _, w := range p.workers {
		if w.status == WorkerIdle && !w.retire {
			idle++
			idleWorker = w
		}
	}

	denom := idle
	if denom == 0 {
		denom = 1
	}
	ratio := float64(backlog) / float64(denom)

	switch {
	case ratio > p.opts.ScaleUpThreshold && len(p.workers) < p.opts.MaxWorkers:
		p.spawnWorker()
		log.Info().Int("workers", len(p.workers)).Int("backlog", backlog).Msg("scaled worker pool up")
	case idle > p.opts.ScaleDownThreshold && len(p.workers) > p.opts.MinWorkers && idleWorker != nil:
		idleWorker.retire = true
		idleWorker.status = WorkerDraining
		p.cond.Broadcast()
		log.Info().Int("workers", len(p.workers)-1).Int("idle", idle).Msg("scaled worker pool down")
	}
}
