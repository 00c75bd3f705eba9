package pool

import (
	"container/heap"
	"context"
	"errors"
	"time"
)

// Submit-time programmer errors, rejected synchronously and never retried.
var (
	ErrUnknownTaskType = errors.New("no handler registered for task type")
	ErrPoolStopped     = errors.New("worker pool is not accepting tasks")
)

// ErrTaskTimeout marks an attempt whose result was abandoned after its
// timeout. The handler invocation may still be running; see Handler.
var ErrTaskTimeout = errors.New("task attempt timed out")

// Handler executes one task. The context carries the task's timeout and is
// cancelled when it elapses, but cancellation is cooperative only: the pool
// abandons the attempt's result and cannot preempt a handler that ignores
// ctx. Handlers needing hard cancellation must observe ctx themselves.
type Handler func(ctx context.Context, input any) (any, error)

// Task is a runtime-only unit of pool work. It is never persisted.
type Task struct {
	ID               string
	Type             string
	Input            any
	Priority         int
	Timeout          time.Duration
	RetriesRemaining int
	EnqueuedAt       time.Time

	seq    int64
	handle *Handle
}

// Handle is the caller's side of an asynchronous task result. It completes
// exactly once, after the task succeeds or exhausts its retries.
type Handle struct {
	taskID string
	done   chan struct{}
	value  any
	err    error
}

func newHandle(taskID string) *Handle {
	return &Handle{taskID: taskID, done: make(chan struct{})}
}

// TaskID returns the id of the task this handle tracks.
func (h *Handle) TaskID() string { return h.taskID }

// Done is closed once the task reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task completes or ctx is cancelled.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return h.value, h.err
	}
}

// deliver must be called at most once.
func (h *Handle) deliver(value any, err error) {
	h.value = value
	h.err = err
	close(h.done)
}

// Observer receives pool lifecycle signals. Implementations must be safe
// for concurrent use and must not call back into the pool.
type Observer interface {
	TaskQueued(t *Task)
	TaskCompleted(t *Task, d time.Duration)
	TaskFailed(t *Task, err error)
}

// NopObserver discards all signals.
type NopObserver struct{}

func (NopObserver) TaskQueued(*Task)                   {}
func (NopObserver) TaskCompleted(*Task, time.Duration) {}
func (NopObserver) TaskFailed(*Task, error)            {}

// taskHeap orders tasks by priority desc, then FIFO by submission order.
type taskHeap []*Task

var _ heap.Interface = (*taskHeap)(nil)

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}
