package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"task-engine/internal/breaker"
	"task-engine/internal/config"
	"task-engine/internal/lock"
	"task-engine/internal/pool"
	"task-engine/internal/queue"
	"task-engine/internal/telemetry"
)

// The closed set of task types. Each maps 1:1 to a registered handler.
const (
	TaskSendEmail        = "send-email"
	TaskSendNotification = "send-notification"
	TaskProcessAnalytics = "process-analytics"
	TaskScheduledPublish = "scheduled-publish"
	TaskCleanupExpired   = "cleanup-expired"
	TaskGenerateReport   = "generate-report"
	TaskProcessWebhook   = "process-webhook"
	TaskResizeImage      = "resize-image"
)

// Sender delivers a rendered message to a recipient. The default
// implementation only logs; production wires a real provider.
type Sender interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// LogSender logs deliveries instead of sending them.
type LogSender struct {
	Channel string
}

func (s *LogSender) Send(_ context.Context, recipient, subject, _ string) error {
	log.Info().Str("channel", s.Channel).Str("recipient", recipient).Str("subject", subject).Msg("message delivered")
	return nil
}

// Publisher flips scheduled content live. The default implementation logs.
type Publisher interface {
	Publish(ctx context.Context, contentID string) error
}

// LogPublisher logs publishes instead of performing them.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, contentID string) error {
	log.Info().Str("content_id", contentID).Msg("content published")
	return nil
}

// Handlers owns the task handler set and their collaborators.
type Handlers struct {
	cfg       config.Config
	queue     queue.Queue
	breakers  *breaker.Registry
	locks     *lock.Manager
	email     Sender
	notify    Sender
	publisher Publisher
	uploader  Uploader
	webhook   *http.Client
	image     *ImageHandler

	mu        sync.Mutex
	analytics map[string]int64
}

// NewHandlers wires the handler set. Senders and publisher default to
// logging implementations when nil.
func NewHandlers(ctx context.Context, cfg config.Config, q queue.Queue, breakers *breaker.Registry, locks *lock.Manager) (*Handlers, error) {
	img, err := NewImageHandler(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var uploader Uploader = &LocalUploader{BaseDir: cfg.ImageOutputDir}
	if img.s3 != nil {
		uploader = img.s3
	}
	return &Handlers{
		cfg:       cfg,
		queue:     q,
		breakers:  breakers,
		locks:     locks,
		email:     &LogSender{Channel: "email"},
		notify:    &LogSender{Channel: "notification"},
		publisher: LogPublisher{},
		uploader:  uploader,
		webhook:   &http.Client{Timeout: cfg.WebhookTimeout},
		image:     img,
		analytics: make(map[string]int64),
	}, nil
}

// RegisterAll binds every task type on the pool.
func (h *Handlers) RegisterAll(p *pool.Pool) {
	p.RegisterHandler(TaskSendEmail, h.SendEmail)
	p.RegisterHandler(TaskSendNotification, h.SendNotification)
	p.RegisterHandler(TaskProcessAnalytics, h.ProcessAnalytics)
	p.RegisterHandler(TaskScheduledPublish, h.ScheduledPublish)
	p.RegisterHandler(TaskCleanupExpired, h.CleanupExpired)
	p.RegisterHandler(TaskGenerateReport, h.GenerateReport)
	p.RegisterHandler(TaskProcessWebhook, h.ProcessWebhook)
	p.RegisterHandler(TaskResizeImage, h.image.Handle)
}

func payloadString(input any, key string) string {
	m, ok := input.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// SendEmail delivers an email through the configured sender.
func (h *Handlers) SendEmail(ctx context.Context, input any) (any, error) {
	to := payloadString(input, "to")
	if to == "" {
		return nil, errors.New("to is required")
	}
	subject := payloadString(input, "subject")
	body := payloadString(input, "body")
	if err := h.email.Send(ctx, to, subject, body); err != nil {
		return nil, fmt.Errorf("send email: %w", err)
	}
	return map[string]any{"delivered_to": to}, nil
}

// SendNotification delivers an in-app or push notification.
func (h *Handlers) SendNotification(ctx context.Context, input any) (any, error) {
	userID := payloadString(input, "user_id")
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	message := payloadString(input, "message")
	if err := h.notify.Send(ctx, userID, "", message); err != nil {
		return nil, fmt.Errorf("send notification: %w", err)
	}
	return map[string]any{"delivered_to": userID}, nil
}

// ProcessAnalytics folds an event into the in-memory aggregate. Re-running
// the same delivery overcounts by design tolerance: analytics here are
// approximate under at-least-once delivery.
func (h *Handlers) ProcessAnalytics(_ context.Context, input any) (any, error) {
	event := payloadString(input, "event")
	if event == "" {
		return nil, errors.New("event is required")
	}
	h.mu.Lock()
	h.analytics[event]++
	count := h.analytics[event]
	h.mu.Unlock()
	return map[string]any{"event": event, "count": count}, nil
}

// AnalyticsCounts snapshots the aggregate, for reports.
func (h *Handlers) AnalyticsCounts() map[string]int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]int64, len(h.analytics))
	for k, v := range h.analytics {
		out[k] = v
	}
	return out
}

// ScheduledPublish publishes one piece of content under a per-content
// distributed lock so concurrent workers on other instances cannot
// double-publish.
func (h *Handlers) ScheduledPublish(ctx context.Context, input any) (any, error) {
	contentID := payloadString(input, "content_id")
	if contentID == "" {
		return nil, errors.New("content_id is required")
	}
	err := h.locks.WithLock(ctx, "publish:"+contentID, lock.Options{
		TTL:        h.cfg.LockTTL,
		RetryCount: h.cfg.LockRetryCount,
		RetryDelay: h.cfg.LockRetryDelay,
	}, func(ctx context.Context) error {
		return h.publisher.Publish(ctx, contentID)
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		telemetry.LockContended.Inc()
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	telemetry.LockAcquired.Inc()
	return map[string]any{"published": contentID}, nil
}

// CleanupExpired trims aged completed jobs. The lock ensures a single
// instance runs the sweep at a time.
func (h *Handlers) CleanupExpired(ctx context.Context, _ any) (any, error) {
	var trimmed int
	err := h.locks.WithLock(ctx, "cleanup-expired", lock.Options{
		TTL:        h.cfg.LockTTL,
		AutoExtend: true,
	}, func(ctx context.Context) error {
		n, err := h.queue.TrimCompleted(ctx, h.cfg.CompletedRetention)
		trimmed = n
		return err
	})
	if errors.Is(err, lock.ErrNotAcquired) {
		// Another instance is already sweeping.
		telemetry.LockContended.Inc()
		return map[string]any{"trimmed": 0, "skipped": true}, nil
	}
	if err != nil {
		return nil, err
	}
	telemetry.LockAcquired.Inc()
	return map[string]any{"trimmed": trimmed}, nil
}

// GenerateReport writes a queue-health report to the artifact store.
func (h *Handlers) GenerateReport(ctx context.Context, input any) (any, error) {
	stats, err := h.queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("collect stats: %w", err)
	}
	report := map[string]any{
		"generated_at": time.Now().UTC().Format(time.RFC3339),
		"queue":        stats,
		"analytics":    h.AnalyticsCounts(),
	}
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	key := payloadString(input, "output_key")
	if key == "" {
		key = fmt.Sprintf("reports/%s.json", time.Now().UTC().Format("2006-01-02T15-04-05"))
	}
	location, err := h.uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		return nil, fmt.Errorf("upload report: %w", err)
	}
	return map[string]any{"location": location}, nil
}

// ProcessWebhook posts the payload to the target URL through a per-target
// circuit breaker, so a dead endpoint fast-fails instead of tying up
// workers. A breaker.ErrOpen failure means "not attempted".
func (h *Handlers) ProcessWebhook(ctx context.Context, input any) (any, error) {
	url := payloadString(input, "url")
	if url == "" {
		return nil, errors.New("url is required")
	}
	name := payloadString(input, "target")
	if name == "" {
		name = url
	}

	var body []byte
	if m, ok := input.(map[string]any); ok {
		if data, ok := m["body"]; ok {
			var err error
			body, err = json.Marshal(data)
			if err != nil {
				return nil, fmt.Errorf("marshal webhook body: %w", err)
			}
		}
	}

	var status int
	err := h.breakers.Get(name).Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := h.webhook.Do(req)
		if err != nil {
			return fmt.Errorf("post webhook: %w", err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
		status = resp.StatusCode
		if resp.StatusCode >= http.StatusBadRequest {
			return fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"status": status}, nil
}
