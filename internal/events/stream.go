// Package events broadcasts orchestration lifecycle events over Redis
// Streams so UI and push consumers can follow a task without polling.
// Delivery is best effort; orchestration never depends on it.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/loopwork-ai/relay/internal/metrics"
)

// Event types emitted by the orchestrator.
const (
	TypeRunStarted       = "run_started"
	TypeRunCompleted     = "run_completed"
	TypeRunFailed        = "run_failed"
	TypeChainContinued   = "chain_continued"
	TypeWorkflowComplete = "workflow_complete"
	TypeSessionMessage   = "session_message"
)

// Event is a single lifecycle event on a task's stream.
type Event struct {
	ID               string    `json:"id,omitempty"` // redis stream ID, set on read
	TaskID           string    `json:"task_id"`
	RunID            string    `json:"run_id,omitempty"`
	Type             string    `json:"type"`
	AgentType        string    `json:"agent_type,omitempty"`
	Message          string    `json:"message,omitempty"`
	WorkflowComplete bool      `json:"workflow_complete,omitempty"`
	Timestamp        time.Time `json:"timestamp"`
}

// Manager publishes and replays task event streams.
type Manager struct {
	rdb    *redis.Client
	logger *zap.Logger
	maxLen int64
}

// NewManager wraps a Redis client. Streams are trimmed to maxLen
// approximate length; zero picks a default.
func NewManager(rdb *redis.Client, logger *zap.Logger, maxLen int64) *Manager {
	if maxLen <= 0 {
		maxLen = 1024
	}
	return &Manager{rdb: rdb, logger: logger, maxLen: maxLen}
}

func streamKey(taskID string) string {
	return fmt.Sprintf("relay:task:%s:events", taskID)
}

// Publish appends an event to the task's stream. Fire-and-forget:
// errors are logged and swallowed.
func (m *Manager) Publish(taskID string, evt Event) {
	evt.TaskID = taskID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		m.logger.Error("Failed to marshal event", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(taskID),
		MaxLen: m.maxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
	if err != nil {
		m.logger.Warn("Failed to publish event",
			zap.String("task_id", taskID),
			zap.String("type", evt.Type),
			zap.Error(err),
		)
		return
	}
	metrics.EventsPublished.WithLabelValues(evt.Type).Inc()
}

// Subscribe tails the task's stream from lastID ("0" for everything,
// "$" for new events only), sending events to ch until ctx is done.
func (m *Manager) Subscribe(ctx context.Context, taskID, lastID string, ch chan<- Event) error {
	if lastID == "" {
		lastID = "$"
	}
	key := streamKey(taskID)

	for {
		res, err := m.rdb.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Block:   time.Second,
			Count:   64,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err == redis.Nil {
				continue // block timeout, poll again
			}
			return fmt.Errorf("failed to read event stream: %w", err)
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				evt, err := decodeMessage(msg)
				if err != nil {
					m.logger.Warn("Skipping undecodable event",
						zap.String("stream_id", msg.ID), zap.Error(err))
					lastID = msg.ID
					continue
				}
				lastID = msg.ID
				select {
				case ch <- evt:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// ReplaySince returns events recorded after the given stream ID ("0"
// replays the retained history).
func (m *Manager) ReplaySince(ctx context.Context, taskID, sinceID string) ([]Event, error) {
	start := "-"
	if sinceID != "" && sinceID != "0" {
		start = "(" + sinceID
	}
	msgs, err := m.rdb.XRange(ctx, streamKey(taskID), start, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to replay event stream: %w", err)
	}

	events := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		evt, err := decodeMessage(msg)
		if err != nil {
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

// CloseStream drops a task's retained event history.
func (m *Manager) CloseStream(ctx context.Context, taskID string) error {
	if err := m.rdb.Del(ctx, streamKey(taskID)).Err(); err != nil {
		return fmt.Errorf("failed to close event stream: %w", err)
	}
	return nil
}

func decodeMessage(msg redis.XMessage) (Event, error) {
	raw, ok := msg.Values["payload"]
	if !ok {
		return Event{}, fmt.Errorf("message %s has no payload", msg.ID)
	}
	str, ok := raw.(string)
	if !ok {
		return Event{}, fmt.Errorf("message %s payload is %T", msg.ID, raw)
	}
	var evt Event
	if err := json.Unmarshal([]byte(str), &evt); err != nil {
		return Event{}, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	evt.ID = msg.ID
	return evt, nil
}
