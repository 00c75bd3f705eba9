package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"task-engine/internal/breaker"
	"task-engine/internal/queue"
)

func newTestServer(t *testing.T) (*httptest.Server, *queue.RedisQueue, *breaker.Registry) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q := queue.NewRedisQueue(client, queue.RedisOptions{})
	reg := breaker.NewRegistry(breaker.Options{})
	srv := httptest.NewServer(New(q, nil, reg).Router())
	t.Cleanup(srv.Close)
	return srv, q, reg
}

func postJSON(t *testing.T, url string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestEnqueueAndStats(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/queue/enqueue", map[string]any{
		"type": "send-email",
		"data": map[string]any{"to": "a@example.com"},
		"options": map[string]any{
			"priority": 5,
			"delay":    0,
		},
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	var enq map[string]string
	decodeBody(t, resp, &enq)
	if enq["jobId"] == "" {
		t.Fatal("expected a job id")
	}

	resp, err := http.Get(srv.URL + "/queue/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	var stats struct {
		Queued int64 `json:"queued"`
	}
	decodeBody(t, resp, &stats)
	if stats.Queued != 1 {
		t.Fatalf("expected 1 queued job, got %d", stats.Queued)
	}
}

func TestEnqueueValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/queue/enqueue", map[string]any{"data": map[string]any{}})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing type, got %d", resp.StatusCode)
	}
}

func TestFailedAndRetryFlow(t *testing.T) {
	srv, q, _ := newTestServer(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "t", nil, queue.EnqueueOptions{MaxAttempts: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Dequeue(ctx); err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Fail(ctx, id, "boom"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	resp, err := http.Get(srv.URL + "/queue/failed")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	var failed struct {
		Jobs []struct {
			ID string `json:"id"`
		} `json:"jobs"`
	}
	decodeBody(t, resp, &failed)
	if len(failed.Jobs) != 1 || failed.Jobs[0].ID != id {
		t.Fatalf("expected the dead-lettered job, got %+v", failed.Jobs)
	}

	resp = postJSON(t, srv.URL+"/queue/retry", map[string]string{"jobId": id})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from retry, got %d", resp.StatusCode)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Failed != 0 || stats.Queued != 1 {
		t.Fatalf("expected requeued job, got %+v", stats)
	}
}

func TestRecoverOrphanedValidation(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/queue/recover-orphaned?maxAge=-5", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative maxAge, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/queue/recover-orphaned?maxAge=1000", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var recovered map[string]int
	decodeBody(t, resp, &recovered)
	if recovered["recovered"] != 0 {
		t.Fatalf("expected 0 recovered on an empty queue, got %d", recovered["recovered"])
	}
}

func TestWorkersWithoutPool(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/workers")
	if err != nil {
		t.Fatalf("get workers: %v", err)
	}
	var body struct {
		Workers []any `json:"workers"`
	}
	decodeBody(t, resp, &body)
	if len(body.Workers) != 0 {
		t.Fatalf("expected no workers in a queue-only process, got %d", len(body.Workers))
	}
}

func TestBreakerEndpoints(t *testing.T) {
	srv, _, reg := newTestServer(t)
	reg.Get("payments")

	resp := postJSON(t, srv.URL+"/circuit-breakers/payments/open", nil)
	var snap breaker.Snapshot
	decodeBody(t, resp, &snap)
	if snap.State != breaker.StateOpen {
		t.Fatalf("expected open after force-open, got %s", snap.State)
	}

	resp, err := http.Get(srv.URL + "/circuit-breakers")
	if err != nil {
		t.Fatalf("get breakers: %v", err)
	}
	var list struct {
		Breakers []breaker.Snapshot `json:"breakers"`
	}
	decodeBody(t, resp, &list)
	if len(list.Breakers) != 1 || list.Breakers[0].Name != "payments" {
		t.Fatalf("expected the payments breaker listed, got %+v", list.Breakers)
	}

	resp = postJSON(t, srv.URL+"/circuit-breakers/payments/reset", nil)
	decodeBody(t, resp, &snap)
	if snap.State != breaker.StateClosed {
		t.Fatalf("expected closed after reset, got %s", snap.State)
	}

	resp = postJSON(t, srv.URL+"/circuit-breakers/unknown/reset", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown breaker, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/circuit-breakers/reset-all", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from reset-all, got %d", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
