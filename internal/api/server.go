// Package api exposes the administrative HTTP surface as thin 1:1 adapters
// over the queue, pool, and breaker registry. No business logic lives here.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"task-engine/internal/breaker"
	"task-engine/internal/pool"
	"task-engine/internal/queue"
	"task-engine/internal/telemetry"
)

// Server wires the admin HTTP handlers.
type Server struct {
	queue    queue.Queue
	pool     *pool.Pool
	breakers *breaker.Registry
}

// New constructs the admin server.
func New(q queue.Queue, p *pool.Pool, reg *breaker.Registry) *Server {
	return &Server{queue: q, pool: p, breakers: reg}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/queue/stats", s.handleStats)
	r.Get("/queue/failed", s.handleFailed)
	r.Post("/queue/retry", s.handleRetry)
	r.Post("/queue/retry-all", s.handleRetryAll)
	r.Post("/queue/enqueue", s.handleEnqueue)
	r.Delete("/queue/completed", s.handleClearCompleted)
	r.Post("/queue/recover-orphaned", s.handleRecoverOrphaned)

	r.Get("/workers", s.handleWorkers)

	r.Get("/circuit-breakers", s.handleBreakers)
	r.Post("/circuit-breakers/reset-all", s.handleBreakerResetAll)
	r.Post("/circuit-breakers/{name}/reset", s.handleBreakerAction((*breaker.Breaker).Reset))
	r.Post("/circuit-breakers/{name}/open", s.handleBreakerAction((*breaker.Breaker).ForceOpen))
	r.Post("/circuit-breakers/{name}/close", s.handleBreakerAction((*breaker.Breaker).ForceClose))

	return r
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.FailedJobs(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

type retryRequest struct {
	JobID string `json:"jobId"`
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" {
		http.Error(w, "jobId is required", http.StatusBadRequest)
		return
	}
	if err := s.queue.RetryFailed(r.Context(), req.JobID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "requeued"})
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.RetryAllFailed(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

type enqueueRequest struct {
	Type    string         `json:"type"`
	Data    map[string]any `json:"data"`
	Options struct {
		DelayMs     int64 `json:"delay"`
		MaxAttempts int   `json:"maxAttempts"`
		Priority    int   `json:"priority"`
	} `json:"options"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	id, err := s.queue.Enqueue(r.Context(), req.Type, req.Data, queue.EnqueueOptions{
		Delay:       time.Duration(req.Options.DelayMs) * time.Millisecond,
		MaxAttempts: req.Options.MaxAttempts,
		Priority:    req.Options.Priority,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.JobsEnqueued.Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": id})
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := s.queue.ClearCompleted(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (s *Server) handleRecoverOrphaned(w http.ResponseWriter, r *http.Request) {
	maxAge := 5 * time.Minute
	if v := r.URL.Query().Get("maxAge"); v != "" {
		ms, err := strconv.ParseInt(v, 10, 64)
		if err != nil || ms <= 0 {
			http.Error(w, "maxAge must be a positive duration in milliseconds", http.StatusBadRequest)
			return
		}
		maxAge = time.Duration(ms) * time.Millisecond
	}
	n, err := s.queue.RecoverOrphaned(r.Context(), maxAge)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.JobsRecovered.Add(float64(n))
	writeJSON(w, http.StatusOK, map[string]int{"recovered": n})
}

func (s *Server) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	if s.pool == nil {
		// This process runs no workers (queue-only admin deployment).
		writeJSON(w, http.StatusOK, map[string]any{"stats": pool.Stats{}, "workers": []pool.WorkerState{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":   s.pool.Stats(),
		"workers": s.pool.WorkerStates(),
	})
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"breakers": s.breakers.Snapshots()})
}

func (s *Server) handleBreakerResetAll(w http.ResponseWriter, _ *http.Request) {
	s.breakers.ResetAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleBreakerAction(action func(*breaker.Breaker)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		b, ok := s.breakers.Lookup(name)
		if !ok {
			http.Error(w, "unknown circuit breaker", http.StatusNotFound)
			return
		}
		action(b)
		writeJSON(w, http.StatusOK, b.Snapshot())
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
