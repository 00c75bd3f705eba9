package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestPool(t *testing.T, opts Options) *Pool {
	t.Helper()
	p := New(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSubmitAndWait(t *testing.T) {
	p := newTestPool(t, Options{MinWorkers: 1, MaxWorkers: 1})
	p.RegisterHandler("echo", func(_ context.Context, input any) (any, error) {
		return input, nil
	})
	p.Start()

	h, err := p.Submit("echo", "hello", SubmitOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if h.TaskID() == "" {
		t.Fatal("expected a task id")
	}
	v, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if v != "hello" {
		t.Fatalf("expected echoed input, got %v", v)
	}
}

func TestSubmitUnknownType(t *testing.T) {
	p := newTestPool(t, Options{MinWorkers: 1})
	p.Start()

	_, err := p.Submit("nope", nil, SubmitOptions{})
	if !errors.Is(err, ErrUnknownTaskType) {
		t.Fatalf("expected ErrUnknownTaskType, got %v", err)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p := New(Options{MinWorkers: 1})
	p.RegisterHandler("echo", func(_ context.Context, input any) (any, error) { return input, nil })
	p.Start()
	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	_, err := p.Submit("echo", nil, SubmitOptions{})
	if !errors.Is(err, ErrPoolStopped) {
		t.Fatalf("expected ErrPoolStopped, got %v", err)
	}
}

func TestRetriesExhaustedSurfacesLastError(t *testing.T) {
	p := newTestPool(t, Options{MinWorkers: 1, MaxWorkers: 1})
	var calls int32
	p.RegisterHandler("flaky", func(context.Context, any) (any, error) {
		n := atomic.AddInt32(&calls, 1)
		return nil, fmt.Errorf("attempt %d failed", n)
	})
	p.Start()

	h, err := p.Submit("flaky", nil, SubmitOptions{MaxRetries: 2})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, err = h.Wait(context.Background())
	if err == nil {
		t.Fatal("expected the task to fail")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if err.Error() != "attempt 3 failed" {
		t.Fatalf("expected the last attempt's error, got %v", err)
	}

	stats := p.Stats()
	if stats.Failed != 1 || stats.Retried != 2 {
		t.Fatalf("expected failed=1 retried=2, got %+v", stats)
	}
}

func TestRetrySucceedsAfterTransientFailure(t *testing.T) {
	p := newTestPool(t, Options{MinWorkers: 1, MaxWorkers: 1})
	var calls int32
	p.RegisterHandler("flaky", func(context.Context, any) (any, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	})
	p.Start()

	h, _ := p.Submit("flaky", nil, SubmitOptions{MaxRetries: 1})
	v, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("expected success after retry, got %v", err)
	}
	if v != "ok" {
		t.Fatalf("expected ok, got %v", v)
	}
}

func TestPanicRecoveredAsFailure(t *testing.T) {
	p := newTestPool(t, Options{MinWorkers: 1, MaxWorkers: 1})
	p.RegisterHandler("bad", func(context.Context, any) (any, error) {
		panic("oops")
	})
	p.RegisterHandler("echo", func(_ context.Context, input any) (any, error) { return input, nil })
	p.Start()

	h, _ := p.Submit("bad", nil, SubmitOptions{MaxRetries: -1})
	_, err := h.Wait(context.Background())
	if err == nil {
		t.Fatal("expected an error from the panicking handler")
	}

	// The worker must survive the panic.
	h, _ = p.Submit("echo", 42, SubmitOptions{})
	if _, err := h.Wait(context.Background()); err != nil {
		t.Fatalf("worker died after panic: %v", err)
	}
}

func TestTimeoutFailsAttempt(t *testing.T) {
	p := newTestPool(t, Options{MinWorkers: 1, MaxWorkers: 1})
	p.RegisterHandler("slow", func(context.Context, any) (any, error) {
		// Ignores ctx on purpose; the pool abandons the result.
		time.Sleep(300 * time.Millisecond)
		return "late", nil
	})
	p.Start()

	h, _ := p.Submit("slow", nil, SubmitOptions{Timeout: 30 * time.Millisecond, MaxRetries: -1})
	start := time.Now()
	_, err := h.Wait(context.Background())
	if !errors.Is(err, ErrTaskTimeout) {
		t.Fatalf("expected ErrTaskTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 200*time.Millisecond {
		t.Fatalf("result not abandoned at timeout, waited %s", elapsed)
	}
}

func TestPriorityOrderWithSingleWorker(t *testing.T) {
	p := newTestPool(t, Options{MinWorkers: 1, MaxWorkers: 1})
	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string
	p.RegisterHandler("gate", func(context.Context, any) (any, error) {
		<-gate
		return nil, nil
	})
	p.RegisterHandler("record", func(_ context.Context, input any) (any, error) {
		mu.Lock()
		order = append(order, input.(string))
		mu.Unlock()
		return nil, nil
	})
	p.Start()

	// Occupy the only worker so later submissions queue up.
	blocker, _ := p.Submit("gate", nil, SubmitOptions{})
	waitFor(t, time.Second, func() bool {
		s := p.Stats()
		return s.IdleWorkers == 0 && s.QueueDepth == 0
	}, "worker never picked up the gate task")
	lowA, _ := p.Submit("record", "low-a", SubmitOptions{Priority: 1})
	high, _ := p.Submit("record", "high", SubmitOptions{Priority: 5})
	lowB, _ := p.Submit("record", "low-b", SubmitOptions{Priority: 1})
	close(gate)

	for _, h := range []*Handle{blocker, lowA, high, lowB} {
		if _, err := h.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"high", "low-a", "low-b"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected order %v, got %v", want, order)
		}
	}
}

func TestSubmitBatchPartialFailure(t *testing.T) {
	p := newTestPool(t, Options{MinWorkers: 2, MaxWorkers: 2})
	p.RegisterHandler("even-only", func(_ context.Context, input any) (any, error) {
		n := input.(int)
		if n%2 != 0 {
			return nil, fmt.Errorf("odd input %d", n)
		}
		return n * 10, nil
	})
	p.Start()

	inputs := []any{0, 1, 2, 3, 4}
	results, err := p.SubmitBatch(context.Background(), "even-only", inputs, BatchOptions{Concurrency: 2, MaxRetries: -1})
	if err != nil {
		t.Fatalf("batch must not fail on individual task errors: %v", err)
	}
	if len(results) != len(inputs) {
		t.Fatalf("expected %d results, got %d", len(inputs), len(results))
	}
	for i, r := range results {
		if i%2 == 0 {
			if r != i*10 {
				t.Fatalf("result %d: expected %d, got %v", i, i*10, r)
			}
			continue
		}
		if r != nil {
			t.Fatalf("result %d: expected nil for failed task, got %v", i, r)
		}
	}
}

func TestConcurrencyBoundedByWorkers(t *testing.T) {
	p := newTestPool(t, Options{MinWorkers: 2, MaxWorkers: 2, ScaleInterval: time.Hour})
	var current, peak int32
	p.RegisterHandler("busy", func(context.Context, any) (any, error) {
		n := atomic.AddInt32(&current, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if n <= old || atomic.CompareAndSwapInt32(&peak, old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&current, -1)
		return nil, nil
	})
	p.Start()

	handles := make([]*Handle, 0, 10)
	for i := 0; i < 10; i++ {
		h, err := p.Submit("busy", nil, SubmitOptions{})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		handles = append(handles, h)
	}
	for _, h := range handles {
		if _, err := h.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if got := atomic.LoadInt32(&peak); got > 2 {
		t.Fatalf("expected at most 2 concurrent tasks, saw %d", got)
	}
}

func TestScaleUpUnderBacklog(t *testing.T) {
	p := newTestPool(t, Options{
		MinWorkers:       1,
		MaxWorkers:       3,
		ScaleUpThreshold: 0.5,
		ScaleInterval:    15 * time.Millisecond,
	})
	release := make(chan struct{})
	p.RegisterHandler("hold", func(ctx context.Context, _ any) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	p.Start()

	for i := 0; i < 8; i++ {
		if _, err := p.Submit("hold", nil, SubmitOptions{Timeout: 5 * time.Second}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	waitFor(t, 2*time.Second, func() bool {
		return p.Stats().Workers >= 3
	}, "pool never scaled up under backlog")
	close(release)
}

func TestScaleDownWhenIdle(t *testing.T) {
	p := newTestPool(t, Options{
		MinWorkers:         1,
		MaxWorkers:         3,
		ScaleUpThreshold:   0.5,
		ScaleDownThreshold: 1,
		ScaleInterval:      10 * time.Millisecond,
	})
	release := make(chan struct{})
	p.RegisterHandler("hold", func(ctx context.Context, _ any) (any, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil, nil
	})
	p.Start()

	for i := 0; i < 8; i++ {
		if _, err := p.Submit("hold", nil, SubmitOptions{Timeout: 5 * time.Second}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	waitFor(t, 2*time.Second, func() bool {
		return p.Stats().Workers >= 3
	}, "pool never scaled up")

	close(release)
	waitFor(t, 2*time.Second, func() bool {
		return p.Stats().Workers == 1
	}, "pool never scaled back down to MinWorkers")
}

func TestConcurrentStop(t *testing.T) {
	p := New(Options{MinWorkers: 2, MaxWorkers: 2})
	p.RegisterHandler("work", func(context.Context, any) (any, error) {
		time.Sleep(10 * time.Millisecond)
		return nil, nil
	})
	p.Start()
	for i := 0; i < 4; i++ {
		if _, err := p.Submit("work", nil, SubmitOptions{}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := p.Stop(ctx); err != nil {
				t.Errorf("stop: %v", err)
			}
		}()
	}
	wg.Wait()

	// A late Stop on the already-stopped pool is a no-op.
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop after stop: %v", err)
	}
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	p := New(Options{MinWorkers: 2, MaxWorkers: 2})
	var done int32
	p.RegisterHandler("work", func(context.Context, any) (any, error) {
		time.Sleep(10 * time.Millisecond)
		atomic.AddInt32(&done, 1)
		return nil, nil
	})
	p.Start()

	const total = 6
	for i := 0; i < total; i++ {
		if _, err := p.Submit("work", nil, SubmitOptions{}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if got := atomic.LoadInt32(&done); got != total {
		t.Fatalf("expected %d tasks drained before stop returned, got %d", total, got)
	}
}
