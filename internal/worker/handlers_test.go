package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"task-engine/internal/breaker"
	"task-engine/internal/config"
	"task-engine/internal/lock"
	"task-engine/internal/queue"
)

func newTestHandlers(t *testing.T, breakerOpts breaker.Options) (*Handlers, *queue.RedisQueue, *lock.Manager) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.NewRedisQueue(client, queue.RedisOptions{})
	locks := lock.NewManager(lock.NewMemoryLocker())
	cfg := config.Config{
		ImageOutputDir:     t.TempDir(),
		WebhookTimeout:     2 * time.Second,
		LockTTL:            time.Minute,
		CompletedRetention: time.Hour,
	}
	h, err := NewHandlers(context.Background(), cfg, q, breaker.NewRegistry(breakerOpts), locks)
	if err != nil {
		t.Fatalf("new handlers: %v", err)
	}
	return h, q, locks
}

func TestSendEmailRequiresRecipient(t *testing.T) {
	h, _, _ := newTestHandlers(t, breaker.Options{})

	if _, err := h.SendEmail(context.Background(), map[string]any{"subject": "hi"}); err == nil {
		t.Fatal("expected an error for a missing recipient")
	}

	out, err := h.SendEmail(context.Background(), map[string]any{
		"to":      "a@example.com",
		"subject": "hi",
		"body":    "hello",
	})
	if err != nil {
		t.Fatalf("send email: %v", err)
	}
	if out.(map[string]any)["delivered_to"] != "a@example.com" {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestProcessAnalyticsAggregates(t *testing.T) {
	h, _, _ := newTestHandlers(t, breaker.Options{})
	ctx := context.Background()

	if _, err := h.ProcessAnalytics(ctx, map[string]any{}); err == nil {
		t.Fatal("expected an error for a missing event")
	}

	for i := 0; i < 3; i++ {
		if _, err := h.ProcessAnalytics(ctx, map[string]any{"event": "page_view"}); err != nil {
			t.Fatalf("process analytics: %v", err)
		}
	}
	out, err := h.ProcessAnalytics(ctx, map[string]any{"event": "signup"})
	if err != nil {
		t.Fatalf("process analytics: %v", err)
	}
	if out.(map[string]any)["count"] != int64(1) {
		t.Fatalf("expected signup count 1, got %v", out)
	}
	counts := h.AnalyticsCounts()
	if counts["page_view"] != 3 || counts["signup"] != 1 {
		t.Fatalf("unexpected aggregate: %v", counts)
	}
}

func TestScheduledPublishHeldLock(t *testing.T) {
	h, _, locks := newTestHandlers(t, breaker.Options{})
	ctx := context.Background()

	held, err := locks.Acquire(ctx, "publish:post-1", lock.Options{TTL: time.Minute})
	if err != nil || held == nil {
		t.Fatalf("acquire: lock=%v err=%v", held, err)
	}

	_, err = h.ScheduledPublish(ctx, map[string]any{"content_id": "post-1"})
	if !errors.Is(err, lock.ErrNotAcquired) {
		t.Fatalf("expected ErrNotAcquired while the lock is held, got %v", err)
	}
	held.Release(ctx)

	out, err := h.ScheduledPublish(ctx, map[string]any{"content_id": "post-1"})
	if err != nil {
		t.Fatalf("scheduled publish: %v", err)
	}
	if out.(map[string]any)["published"] != "post-1" {
		t.Fatalf("unexpected result: %v", out)
	}
}

func TestCleanupExpiredSkipsWhenLocked(t *testing.T) {
	h, _, locks := newTestHandlers(t, breaker.Options{})
	ctx := context.Background()

	held, err := locks.Acquire(ctx, "cleanup-expired", lock.Options{TTL: time.Minute})
	if err != nil || held == nil {
		t.Fatalf("acquire: lock=%v err=%v", held, err)
	}
	defer held.Release(ctx)

	out, err := h.CleanupExpired(ctx, nil)
	if err != nil {
		t.Fatalf("a concurrent sweep must be a skip, not an error: %v", err)
	}
	if out.(map[string]any)["skipped"] != true {
		t.Fatalf("expected the sweep to report skipped, got %v", out)
	}
}

func TestCleanupExpiredTrims(t *testing.T) {
	h, q, _ := newTestHandlers(t, breaker.Options{})
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, "t", nil, queue.EnqueueOptions{})
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Complete(ctx, id); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Retention is an hour, so a fresh completion survives the sweep.
	out, err := h.CleanupExpired(ctx, nil)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if out.(map[string]any)["trimmed"] != 0 {
		t.Fatalf("fresh completion trimmed early: %v", out)
	}
}

func TestGenerateReportWritesArtifact(t *testing.T) {
	h, _, _ := newTestHandlers(t, breaker.Options{})

	out, err := h.GenerateReport(context.Background(), map[string]any{"output_key": "reports/health.json"})
	if err != nil {
		t.Fatalf("generate report: %v", err)
	}
	location := out.(map[string]any)["location"].(string)
	data, err := os.ReadFile(location)
	if err != nil {
		t.Fatalf("report not written: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("empty report")
	}
}

func TestProcessWebhookOpensBreaker(t *testing.T) {
	h, _, _ := newTestHandlers(t, breaker.Options{
		FailureThreshold: 2,
		SuccessThreshold: 1,
		VolumeThreshold:  2,
		Timeout:          time.Minute,
	})
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	payload := map[string]any{"url": srv.URL, "target": "crm", "body": map[string]any{"k": "v"}}
	for i := 0; i < 2; i++ {
		if _, err := h.ProcessWebhook(ctx, payload); err == nil {
			t.Fatal("expected a failure from the 500 endpoint")
		}
	}

	_, err := h.ProcessWebhook(ctx, payload)
	if !errors.Is(err, breaker.ErrOpen) {
		t.Fatalf("expected ErrOpen once the target's breaker tripped, got %v", err)
	}
}

func TestProcessWebhookDelivers(t *testing.T) {
	h, _, _ := newTestHandlers(t, breaker.Options{})
	ctx := context.Background()

	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	out, err := h.ProcessWebhook(ctx, map[string]any{"url": srv.URL, "body": map[string]any{"k": "v"}})
	if err != nil {
		t.Fatalf("process webhook: %v", err)
	}
	if out.(map[string]any)["status"] != http.StatusOK {
		t.Fatalf("unexpected result: %v", out)
	}
	if got != "application/json" {
		t.Fatalf("expected a json content type, got %q", got)
	}
}
