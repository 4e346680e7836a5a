package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loopwork-ai/relay/internal/events"
)

// Config holds connection settings for the conversation engine.
type Config struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// HTTPBridge speaks to the conversation engine over HTTP: sessions are
// created with a POST and followed on an SSE stream until a terminal
// event arrives.
type HTTPBridge struct {
	baseURL string
	client  *http.Client
	stream  *http.Client // no timeout; SSE connections are long-lived
	events  *events.Manager
	logger  *zap.Logger

	// ctx bounds the lifetime of session tails; Close cancels it so
	// open SSE connections drop at shutdown instead of at process exit.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewHTTPBridge builds a bridge client. events may be nil to skip
// republishing session messages onto the task stream.
func NewHTTPBridge(cfg Config, eventMgr *events.Manager, logger *zap.Logger) *HTTPBridge {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &HTTPBridge{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		stream:  &http.Client{},
		events:  eventMgr,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Close tears down every in-flight session tail. Each dropped tail
// surfaces as an error termination to its run.
func (b *HTTPBridge) Close() {
	b.cancel()
}

type openSessionRequest struct {
	TaskID    string `json:"task_id"`
	RunID     string `json:"run_id"`
	AgentType string `json:"agent_type"`
	Prompt    string `json:"prompt"`
}

type openSessionResponse struct {
	SessionID string `json:"session_id"`
}

type sessionEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// OpenSession implements Bridge.
func (b *HTTPBridge) OpenSession(ctx context.Context, req SessionRequest, onAssigned func(string), onTerminated func(error)) error {
	body, err := json.Marshal(openSessionRequest{
		TaskID:    req.TaskID.String(),
		RunID:     req.RunID.String(),
		AgentType: string(req.AgentType),
		Prompt:    req.Prompt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/v1/sessions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build session request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("engine rejected session: status %d", resp.StatusCode)
	}

	var opened openSessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&opened); err != nil {
		return fmt.Errorf("failed to decode session response: %w", err)
	}
	if opened.SessionID == "" {
		return errors.New("engine returned empty session id")
	}

	if onAssigned != nil {
		onAssigned(opened.SessionID)
	}

	b.logger.Info("Session opened",
		zap.String("session_id", opened.SessionID),
		zap.String("task_id", req.TaskID.String()),
		zap.String("agent_type", string(req.AgentType)),
	)

	go b.followSession(req, opened.SessionID, onTerminated)
	return nil
}

// followSession tails the session's SSE stream and invokes onTerminated
// exactly once. A connection drop without a terminal event counts as an
// error termination.
func (b *HTTPBridge) followSession(req SessionRequest, sessionID string, onTerminated func(error)) {
	terminate := func(err error) {
		if onTerminated != nil {
			onTerminated(err)
			onTerminated = nil
		}
	}

	url := fmt.Sprintf("%s/v1/sessions/%s/events", b.baseURL, sessionID)
	httpReq, err := http.NewRequestWithContext(b.ctx, http.MethodGet, url, nil)
	if err != nil {
		terminate(fmt.Errorf("failed to build stream request: %w", err))
		return
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := b.stream.Do(httpReq)
	if err != nil {
		terminate(fmt.Errorf("failed to follow session: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		terminate(fmt.Errorf("session stream rejected: status %d", resp.StatusCode))
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}

		var evt sessionEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			b.logger.Warn("Skipping undecodable session event",
				zap.String("session_id", sessionID), zap.Error(err))
			continue
		}

		switch evt.Type {
		case "completed":
			terminate(nil)
			return
		case "failed", "aborted":
			msg := evt.Error
			if msg == "" {
				msg = evt.Type
			}
			terminate(fmt.Errorf("session terminated: %s", msg))
			return
		default:
			if b.events != nil && evt.Message != "" {
				b.events.Publish(req.TaskID.String(), events.Event{
					Type:      events.TypeSessionMessage,
					RunID:     req.RunID.String(),
					AgentType: string(req.AgentType),
					Message:   evt.Message,
				})
			}
		}
	}

	if err := scanner.Err(); err != nil {
		terminate(fmt.Errorf("session stream broken: %w", err))
		return
	}
	terminate(errors.New("session stream ended without terminal event"))
}

// Abort implements Bridge.
func (b *HTTPBridge) Abort(ctx context.Context, sessionID string) error {
	url := fmt.Sprintf("%s/v1/sessions/%s", b.baseURL, sessionID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build abort request: %w", err)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to abort session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("engine rejected abort: status %d", resp.StatusCode)
	}
	return nil
}
