package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/loopwork-ai/relay/internal/bridge"
	"github.com/loopwork-ai/relay/internal/events"
	"github.com/loopwork-ai/relay/internal/guard"
	"github.com/loopwork-ai/relay/internal/store"
)

// memRuns is an in-memory run store that enforces the same
// one-running-run-per-task invariant as the storage layer's unique
// index.
type memRuns struct {
	mu        sync.Mutex
	runs      []*store.AgentRun
	createErr error
}

func (m *memRuns) CreateRun(_ context.Context, run *store.AgentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if run.Status == store.RunStatusRunning {
		for _, r := range m.runs {
			if r.TaskID == run.TaskID && r.Status == store.RunStatusRunning {
				return store.ErrRunningConflict
			}
		}
	}
	clone := *run
	m.runs = append(m.runs, &clone)
	return nil
}

func (m *memRuns) RunsByTask(_ context.Context, taskID uuid.UUID) ([]*store.AgentRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.AgentRun
	for _, r := range m.runs {
		if r.TaskID == taskID {
			clone := *r
			out = append(out, &clone)
		}
	}
	return out, nil
}

func (m *memRuns) MarkRunTerminal(_ context.Context, runID uuid.UUID, status store.RunStatus) (bool, error) {
	if !status.Terminal() {
		return false, fmt.Errorf("status %q is not terminal", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID != runID {
			continue
		}
		if r.Status != store.RunStatusRunning {
			return false, nil
		}
		now := time.Now().UTC()
		r.Status = status
		r.CompletedAt = &now
		return true, nil
	}
	return false, nil
}

func (m *memRuns) LinkSession(_ context.Context, runID uuid.UUID, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.runs {
		if r.ID == runID && r.SessionID == nil {
			r.SessionID = &sessionID
		}
	}
	return nil
}

func (m *memRuns) byType(taskID uuid.UUID, agentType store.AgentType) []*store.AgentRun {
	runs, _ := m.RunsByTask(context.Background(), taskID)
	var out []*store.AgentRun
	for _, r := range runs {
		if r.AgentType == agentType {
			out = append(out, r)
		}
	}
	return out
}

func (m *memRuns) count(taskID uuid.UUID) int {
	runs, _ := m.RunsByTask(context.Background(), taskID)
	return len(runs)
}

type memTasks struct {
	mu     sync.Mutex
	tasks  map[uuid.UUID]*store.Task
	getErr error
}

func newMemTasks(tasks ...*store.Task) *memTasks {
	m := &memTasks{tasks: make(map[uuid.UUID]*store.Task)}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	return m
}

func (m *memTasks) GetTask(_ context.Context, taskID uuid.UUID) (*store.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	task, ok := m.tasks[taskID]
	if !ok {
		return nil, store.ErrNotFound
	}
	clone := *task
	return &clone, nil
}

func (m *memTasks) setWorkflowComplete(taskID uuid.UUID, complete bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task, ok := m.tasks[taskID]; ok {
		task.WorkflowComplete = complete
	}
}

func (m *memTasks) remove(taskID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, taskID)
}

func (m *memTasks) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getErr = err
}

// fakeBridge records opened sessions and lets tests fire termination
// callbacks on demand.
type fakeBridge struct {
	mu       sync.Mutex
	sessions []*fakeSession
	openErr  error
}

type fakeSession struct {
	req          bridge.SessionRequest
	onAssigned   func(string)
	onTerminated func(error)
}

func (b *fakeBridge) OpenSession(_ context.Context, req bridge.SessionRequest, onAssigned func(string), onTerminated func(error)) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.openErr != nil {
		return b.openErr
	}
	b.sessions = append(b.sessions, &fakeSession{req: req, onAssigned: onAssigned, onTerminated: onTerminated})
	return nil
}

func (b *fakeBridge) Abort(context.Context, string) error { return nil }

func (b *fakeBridge) opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sessions)
}

func (b *fakeBridge) session(i int) *fakeSession {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sessions[i]
}

// waitForSession blocks until the n-th session has been opened, so
// tests can follow chained continuations as they land.
func (b *fakeBridge) waitForSession(t *testing.T, n int) *fakeSession {
	t.Helper()
	require.Eventually(t, func() bool { return b.opened() >= n+1 },
		2*time.Second, 5*time.Millisecond, "session %d never opened", n)
	return b.session(n)
}

type stubPrompts struct{}

func (stubPrompts) Build(task *store.Task, agentType store.AgentType) (string, error) {
	return fmt.Sprintf("%s: %s", agentType, task.Title), nil
}

type recordedNotification struct {
	taskID           uuid.UUID
	agentType        store.AgentType
	workflowComplete bool
}

type recorderSink struct {
	mu    sync.Mutex
	calls []recordedNotification
}

func (s *recorderSink) Notify(_ context.Context, taskID uuid.UUID, agentType store.AgentType, workflowComplete bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, recordedNotification{taskID, agentType, workflowComplete})
}

func (s *recorderSink) all() []recordedNotification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedNotification(nil), s.calls...)
}

// recorderPublisher captures lifecycle events the engine broadcasts.
type recorderPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recorderPublisher) Publish(taskID string, evt events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	evt.TaskID = taskID
	p.events = append(p.events, evt)
}

func (p *recorderPublisher) ofType(eventType string) []events.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []events.Event
	for _, evt := range p.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

type testHarness struct {
	runs      *memRuns
	tasks     *memTasks
	bridge    *fakeBridge
	sink      *recorderSink
	publisher *recorderPublisher
	engine    *Engine
	task      *store.Task
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	task := &store.Task{
		ID:        uuid.New(),
		ProjectID: uuid.New(),
		Title:     "add pagination to the issues endpoint",
		Status:    "open",
	}
	h := &testHarness{
		runs:      &memRuns{},
		tasks:     newMemTasks(task),
		bridge:    &fakeBridge{},
		sink:      &recorderSink{},
		publisher: &recorderPublisher{},
		task:      task,
	}
	h.engine = New(h.runs, h.tasks, guard.NewStoreGuard(h.runs), h.bridge,
		stubPrompts{}, h.sink, h.publisher, zap.NewNop(),
		Options{SettleDelay: 10 * time.Millisecond})
	t.Cleanup(h.engine.Close)
	return h
}

// settleAndCheck waits several settling windows so a continuation that
// was going to fire has fired before the negative assertion runs.
func settleAndCheck(h *testHarness) {
	time.Sleep(6 * h.engine.SettleDelay())
}

func TestStartRun(t *testing.T) {
	t.Run("starts a running run and opens a session", func(t *testing.T) {
		h := newHarness(t)
		run, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
		require.NoError(t, err)
		require.NotNil(t, run)
		assert.Equal(t, store.RunStatusRunning, run.Status)
		assert.Equal(t, h.task.ID, run.TaskID)
		assert.Equal(t, 1, h.bridge.opened())
		assert.Contains(t, h.bridge.session(0).req.Prompt, h.task.Title)
	})

	t.Run("rejects invalid agent type", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentType("janitor"))
		require.Error(t, err)
		assert.Equal(t, 0, h.runs.count(h.task.ID))
	})

	t.Run("conflict when another run is active", func(t *testing.T) {
		h := newHarness(t)
		first, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
		require.NoError(t, err)

		_, err = h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeReview)
		var conflict *ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, first.ID, conflict.Run.ID)

		// The store is untouched by the rejected start.
		assert.Equal(t, 1, h.runs.count(h.task.ID))
		runs, _ := h.runs.RunsByTask(context.Background(), h.task.ID)
		assert.Equal(t, store.RunStatusRunning, runs[0].Status)
	})

	t.Run("not found when the task does not exist", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.StartRun(context.Background(), uuid.New(), store.AgentTypeImplementation)
		var notFound *NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, 0, h.bridge.opened())
	})

	t.Run("failed session open leaves a failed run behind", func(t *testing.T) {
		h := newHarness(t)
		h.bridge.openErr = errors.New("engine unreachable")

		_, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
		var sessionErr *SessionError
		require.ErrorAs(t, err, &sessionErr)

		runs, _ := h.runs.RunsByTask(context.Background(), h.task.ID)
		require.Len(t, runs, 1)
		assert.Equal(t, store.RunStatusFailed, runs[0].Status)
		require.NotNil(t, runs[0].CompletedAt)
	})

	t.Run("session id is linked once assigned", func(t *testing.T) {
		h := newHarness(t)
		run, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
		require.NoError(t, err)

		h.bridge.session(0).onAssigned("sess-42")

		runs, _ := h.runs.RunsByTask(context.Background(), h.task.ID)
		require.Len(t, runs, 1)
		require.NotNil(t, runs[0].SessionID)
		assert.Equal(t, "sess-42", *runs[0].SessionID)
		assert.Equal(t, run.ID, runs[0].ID)
	})
}

func TestChaining(t *testing.T) {
	t.Run("implementation chains to review", func(t *testing.T) {
		h := newHarness(t)
		r1, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
		require.NoError(t, err)

		h.bridge.session(0).onTerminated(nil)

		next := h.bridge.waitForSession(t, 1)
		assert.Equal(t, store.AgentTypeReview, next.req.AgentType)

		runs, _ := h.runs.RunsByTask(context.Background(), h.task.ID)
		require.Len(t, runs, 2)
		assert.Equal(t, store.RunStatusCompleted, runs[0].Status)
		assert.Equal(t, r1.ID, runs[0].ID)
		assert.Equal(t, store.RunStatusRunning, runs[1].Status)
		assert.Equal(t, store.AgentTypeReview, runs[1].AgentType)
	})

	t.Run("review chains back to implementation", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeReview)
		require.NoError(t, err)

		h.bridge.session(0).onTerminated(nil)

		next := h.bridge.waitForSession(t, 1)
		assert.Equal(t, store.AgentTypeImplementation, next.req.AgentType)
	})

	t.Run("planning never chains", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypePlanning)
		require.NoError(t, err)

		h.bridge.session(0).onTerminated(nil)
		settleAndCheck(h)

		assert.Equal(t, 1, h.runs.count(h.task.ID))
		assert.Equal(t, 1, h.bridge.opened())
	})

	t.Run("failure stops the chain", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
		require.NoError(t, err)

		h.bridge.session(0).onTerminated(errors.New("compile loop diverged"))
		settleAndCheck(h)

		runs, _ := h.runs.RunsByTask(context.Background(), h.task.ID)
		require.Len(t, runs, 1)
		assert.Equal(t, store.RunStatusFailed, runs[0].Status)
		assert.Equal(t, 1, h.bridge.opened())
	})

	t.Run("workflow complete at termination stops the chain", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeReview)
		require.NoError(t, err)

		// The agent flipped the flag mid-conversation; the engine reads
		// it fresh at termination, not cached from start time.
		h.tasks.setWorkflowComplete(h.task.ID, true)
		h.bridge.session(0).onTerminated(nil)
		settleAndCheck(h)

		assert.Equal(t, 1, h.runs.count(h.task.ID))

		calls := h.sink.all()
		require.Len(t, calls, 1)
		assert.True(t, calls[0].workflowComplete)
	})

	t.Run("flag flip during the settling delay stops the chain", func(t *testing.T) {
		h := newHarness(t)
		h.engine.SetSettleDelay(100 * time.Millisecond)
		_, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
		require.NoError(t, err)

		h.bridge.session(0).onTerminated(nil)
		time.Sleep(20 * time.Millisecond)
		h.tasks.setWorkflowComplete(h.task.ID, true)
		settleAndCheck(h)

		assert.Equal(t, 1, h.runs.count(h.task.ID))
	})

	t.Run("task deleted mid-run stops silently", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
		require.NoError(t, err)

		h.tasks.remove(h.task.ID)
		h.bridge.session(0).onTerminated(nil)
		settleAndCheck(h)

		runs, _ := h.runs.RunsByTask(context.Background(), h.task.ID)
		require.Len(t, runs, 1)
		assert.Equal(t, store.RunStatusCompleted, runs[0].Status)
	})

	t.Run("external run supersedes the continuation", func(t *testing.T) {
		h := newHarness(t)
		h.engine.SetSettleDelay(100 * time.Millisecond)
		_, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
		require.NoError(t, err)

		h.bridge.session(0).onTerminated(nil)

		// A user starts a planning run while the chain is settling.
		time.Sleep(20 * time.Millisecond)
		_, err = h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypePlanning)
		require.NoError(t, err)
		settleAndCheck(h)

		runs, _ := h.runs.RunsByTask(context.Background(), h.task.ID)
		require.Len(t, runs, 2)
		assert.Equal(t, store.AgentTypePlanning, runs[1].AgentType)
		assert.Empty(t, h.runs.byType(h.task.ID, store.AgentTypeReview))
	})

	t.Run("chaining disabled suppresses the continuation", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
		require.NoError(t, err)

		h.engine.SetChainingEnabled(false)
		h.bridge.session(0).onTerminated(nil)
		settleAndCheck(h)

		assert.Equal(t, 1, h.runs.count(h.task.ID))
	})

	t.Run("continuation failure is recorded as a failed run", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
		require.NoError(t, err)

		// The task store goes down between termination and
		// continuation; the failure must still be visible in history.
		h.tasks.fail(errors.New("store unavailable"))
		h.bridge.session(0).onTerminated(nil)

		require.Eventually(t, func() bool {
			failed := h.runs.byType(h.task.ID, store.AgentTypeReview)
			return len(failed) == 1 && failed[0].Status == store.RunStatusFailed
		}, 2*time.Second, 5*time.Millisecond)

		failed := h.runs.byType(h.task.ID, store.AgentTypeReview)
		require.NotNil(t, failed[0].CompletedAt)
		assert.Nil(t, failed[0].SessionID)
	})

	t.Run("alternation continues over multiple cycles", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
		require.NoError(t, err)

		want := []store.AgentType{
			store.AgentTypeImplementation,
			store.AgentTypeReview,
			store.AgentTypeImplementation,
			store.AgentTypeReview,
		}
		for i := 0; i < len(want)-1; i++ {
			h.bridge.waitForSession(t, i).onTerminated(nil)
		}
		last := h.bridge.waitForSession(t, len(want)-1)
		assert.Equal(t, want[len(want)-1], last.req.AgentType)

		runs, _ := h.runs.RunsByTask(context.Background(), h.task.ID)
		require.Len(t, runs, len(want))
		for i, r := range runs {
			assert.Equal(t, want[i], r.AgentType)
		}
	})
}

func TestAtMostOneRunningPerTask(t *testing.T) {
	h := newHarness(t)

	var wg sync.WaitGroup
	started := make(chan *store.AgentRun, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
			if err == nil {
				started <- run
			}
		}()
	}
	wg.Wait()
	close(started)

	var wins int
	for range started {
		wins++
	}
	assert.Equal(t, 1, wins, "exactly one concurrent start may win")

	running := 0
	runs, _ := h.runs.RunsByTask(context.Background(), h.task.ID)
	for _, r := range runs {
		if r.Status == store.RunStatusRunning {
			running++
		}
	}
	assert.Equal(t, 1, running)
}

func TestTerminationNotifications(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
	require.NoError(t, err)

	h.bridge.session(0).onTerminated(nil)
	h.bridge.waitForSession(t, 1)

	calls := h.sink.all()
	require.Len(t, calls, 1)
	assert.Equal(t, h.task.ID, calls[0].taskID)
	assert.Equal(t, store.AgentTypeImplementation, calls[0].agentType)
	assert.False(t, calls[0].workflowComplete)
}

func TestLifecycleEvents(t *testing.T) {
	t.Run("a chained cycle emits started, completed, and continued events", func(t *testing.T) {
		h := newHarness(t)
		r1, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
		require.NoError(t, err)

		started := h.publisher.ofType(events.TypeRunStarted)
		require.Len(t, started, 1)
		assert.Equal(t, h.task.ID.String(), started[0].TaskID)
		assert.Equal(t, r1.ID.String(), started[0].RunID)
		assert.Equal(t, "implementation", started[0].AgentType)

		h.bridge.session(0).onTerminated(nil)
		h.bridge.waitForSession(t, 1)

		completed := h.publisher.ofType(events.TypeRunCompleted)
		require.Len(t, completed, 1)
		assert.Equal(t, r1.ID.String(), completed[0].RunID)
		assert.False(t, completed[0].WorkflowComplete)

		continued := h.publisher.ofType(events.TypeChainContinued)
		require.Len(t, continued, 1)
		assert.Equal(t, "review", continued[0].AgentType)

		started = h.publisher.ofType(events.TypeRunStarted)
		require.Len(t, started, 2)
		assert.Equal(t, h.task.ID.String(), started[1].TaskID)
	})

	t.Run("a dead-on-arrival session emits a failed event", func(t *testing.T) {
		h := newHarness(t)
		h.bridge.openErr = errors.New("engine unreachable")

		_, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
		var sessionErr *SessionError
		require.ErrorAs(t, err, &sessionErr)

		failed := h.publisher.ofType(events.TypeRunFailed)
		require.Len(t, failed, 1)
		assert.Equal(t, h.task.ID.String(), failed[0].TaskID)
		assert.Contains(t, failed[0].Message, "engine unreachable")
		assert.Empty(t, h.publisher.ofType(events.TypeRunStarted))
	})

	t.Run("a workflow-complete stop emits the terminal event", func(t *testing.T) {
		h := newHarness(t)
		_, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeReview)
		require.NoError(t, err)

		h.tasks.setWorkflowComplete(h.task.ID, true)
		h.bridge.session(0).onTerminated(nil)
		settleAndCheck(h)

		require.Len(t, h.publisher.ofType(events.TypeWorkflowComplete), 1)
		assert.Empty(t, h.publisher.ofType(events.TypeChainContinued))
	})
}

func TestLateTerminationAfterForceComplete(t *testing.T) {
	// A crash-recovered run may still get a termination callback if
	// the process did not actually die. The callback must not chain:
	// the run is already terminal and the chain belongs to recovery.
	h := newHarness(t)
	_, err := h.engine.StartRun(context.Background(), h.task.ID, store.AgentTypeImplementation)
	require.NoError(t, err)

	recovery := NewRecovery(h.runs, zap.NewNop())
	count, err := recovery.ForceCompleteAll(context.Background(), h.task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	h.bridge.session(0).onTerminated(nil)
	settleAndCheck(h)

	assert.Equal(t, 1, h.runs.count(h.task.ID))
	assert.Empty(t, h.sink.all(), "ignored callback must not notify")
}
