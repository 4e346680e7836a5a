// Package notify delivers outbound signals on run state transitions.
// Every sink is best effort: failures are logged and swallowed, never
// surfaced to the orchestration path.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loopwork-ai/relay/internal/events"
	"github.com/loopwork-ai/relay/internal/metrics"
	"github.com/loopwork-ai/relay/internal/store"
)

// Sink receives the termination signal for a run. workflowComplete is
// the flag's value at notification time, so the consumer can render
// "workflow complete" versus "response ready".
type Sink interface {
	Notify(ctx context.Context, taskID uuid.UUID, agentType store.AgentType, workflowComplete bool)
}

// WebhookSink POSTs notifications to a configured endpoint, rate
// limited so a hot chain cannot flood the push provider.
type WebhookSink struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewWebhookSink builds a webhook sink allowing ratePerMin requests per
// minute with the given burst.
func NewWebhookSink(url string, ratePerMin, burst int, logger *zap.Logger) *WebhookSink {
	if ratePerMin <= 0 {
		ratePerMin = 60
	}
	if burst <= 0 {
		burst = 10
	}
	return &WebhookSink{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(float64(ratePerMin)/60.0), burst),
		logger:  logger,
	}
}

type webhookPayload struct {
	TaskID           string    `json:"task_id"`
	AgentType        string    `json:"agent_type"`
	WorkflowComplete bool      `json:"workflow_complete"`
	Timestamp        time.Time `json:"timestamp"`
}

// Notify implements Sink.
func (s *WebhookSink) Notify(ctx context.Context, taskID uuid.UUID, agentType store.AgentType, workflowComplete bool) {
	if !s.limiter.Allow() {
		metrics.NotificationsDropped.Inc()
		s.logger.Warn("Notification dropped by rate limit",
			zap.String("task_id", taskID.String()),
		)
		return
	}

	body, err := json.Marshal(webhookPayload{
		TaskID:           taskID.String(),
		AgentType:        string(agentType),
		WorkflowComplete: workflowComplete,
		Timestamp:        time.Now().UTC(),
	})
	if err != nil {
		s.logger.Error("Failed to marshal notification", zap.Error(err))
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		s.logger.Error("Failed to build notification request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		metrics.NotificationsSent.WithLabelValues("webhook", "error").Inc()
		s.logger.Warn("Notification delivery failed",
			zap.String("task_id", taskID.String()),
			zap.Error(err),
		)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		metrics.NotificationsSent.WithLabelValues("webhook", "error").Inc()
		s.logger.Warn("Notification rejected",
			zap.String("task_id", taskID.String()),
			zap.Int("status_code", resp.StatusCode),
		)
		return
	}
	metrics.NotificationsSent.WithLabelValues("webhook", "ok").Inc()
}

// BroadcastSink republishes the notification onto the task's event
// stream for connected UI clients.
type BroadcastSink struct {
	events *events.Manager
}

// NewBroadcastSink wraps the event stream manager.
func NewBroadcastSink(mgr *events.Manager) *BroadcastSink {
	return &BroadcastSink{events: mgr}
}

// Notify implements Sink.
func (s *BroadcastSink) Notify(_ context.Context, taskID uuid.UUID, agentType store.AgentType, workflowComplete bool) {
	msg := "response ready"
	if workflowComplete {
		msg = "workflow complete"
	}
	s.events.Publish(taskID.String(), events.Event{
		Type:             events.TypeRunCompleted,
		AgentType:        string(agentType),
		Message:          msg,
		WorkflowComplete: workflowComplete,
	})
	metrics.NotificationsSent.WithLabelValues("broadcast", "ok").Inc()
}

// Fanout delivers to every configured sink in order.
type Fanout []Sink

// Notify implements Sink.
func (f Fanout) Notify(ctx context.Context, taskID uuid.UUID, agentType store.AgentType, workflowComplete bool) {
	for _, sink := range f {
		sink.Notify(ctx, taskID, agentType, workflowComplete)
	}
}

// Nop discards notifications.
type Nop struct{}

// Notify implements Sink.
func (Nop) Notify(context.Context, uuid.UUID, store.AgentType, bool) {}
