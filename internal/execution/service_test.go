package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sameeeeeeep/autoclawd-sub000/internal/agent"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/attachment"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/project"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/store"
)

type fakeSession struct {
	mu      sync.Mutex
	ch      chan agent.Event
	err     error
	sendErr error
	stopped bool
	sent    []string
}

func (f *fakeSession) Events() <-chan agent.Event { return f.ch }

func (f *fakeSession) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSession) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.stopped
}

func (f *fakeSession) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	return nil
}

func (f *fakeSession) Send(ctx context.Context, text string, blocks []attachment.Block) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, text)
	return nil
}

type fakeLauncher struct {
	mu      sync.Mutex
	sess    *fakeSession
	err     error
	started int
}

func (f *fakeLauncher) Start(ctx context.Context, opts agent.StartOptions) (agent.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started++
	if f.err != nil {
		return nil, f.err
	}
	return f.sess, nil
}

func sessionWith(events ...agent.Event) *fakeSession {
	ch := make(chan agent.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &fakeSession{ch: ch}
}

type fixture struct {
	svc      *Service
	st       *store.Store
	launcher *fakeLauncher
	projDir  string
}

func newFixture(t *testing.T, launcher *fakeLauncher) *fixture {
	t.Helper()
	st, err := store.Open(":memory:", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	projDir := t.TempDir()
	svc := NewService(Options{
		Store:    st,
		Launcher: launcher,
		Resolver: project.NewResolver([]project.Project{
			{ID: "p1", Name: "autoclawd", Path: projDir},
		}, zap.NewNop()),
		Logger:            zap.NewNop(),
		Workflows:         []string{"engineering", "research"},
		DefaultWorkflow:   "engineering",
		TextFlushInterval: 2 * time.Second,
	})
	return &fixture{svc: svc, st: st, launcher: launcher, projDir: projDir}
}

func (f *fixture) insertTask(t *testing.T, task *store.Task) *store.Task {
	t.Helper()
	if task.ID == "" {
		task.ID = "task-1"
	}
	if task.Title == "" {
		task.Title = "Fix it"
	}
	if task.Prompt == "" {
		task.Prompt = "Fix the thing"
	}
	if task.Mode == "" {
		task.Mode = store.ModeAuto
	}
	if task.Status == "" {
		task.Status = store.StatusUpcoming
	}
	task.CreatedAt = time.Now().UTC()
	require.NoError(t, f.st.InsertTask(context.Background(), task))
	return task
}

func descriptions(t *testing.T, f *fixture, taskID string) []string {
	t.Helper()
	steps, err := f.st.StepsByTask(context.Background(), taskID)
	require.NoError(t, err)
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.Description
	}
	return out
}

func taskStatus(t *testing.T, f *fixture, taskID string) store.TaskStatus {
	t.Helper()
	task, err := f.st.GetTask(context.Background(), taskID)
	require.NoError(t, err)
	return task.Status
}

func TestExecuteNoProjectResolved(t *testing.T) {
	launcher := &fakeLauncher{sess: sessionWith()}
	f := newFixture(t, launcher)
	task := f.insertTask(t, &store.Task{})

	require.NoError(t, f.svc.Execute(context.Background(), task.ID))

	assert.Equal(t, store.StatusNeedsInput, taskStatus(t, f, task.ID))
	assert.Equal(t, []string{"No project path resolved"}, descriptions(t, f, task.ID))
	assert.Equal(t, 0, launcher.started)
	assert.False(t, f.svc.HasSession(task.ID))
}

func TestExecuteUnroutableWorkflow(t *testing.T) {
	launcher := &fakeLauncher{sess: sessionWith()}
	f := newFixture(t, launcher)
	task := f.insertTask(t, &store.Task{ProjectID: "p1", Workflow: "alchemy"})

	require.NoError(t, f.svc.Execute(context.Background(), task.ID))

	assert.Equal(t, store.StatusNeedsInput, taskStatus(t, f, task.ID))
	assert.Contains(t, descriptions(t, f, task.ID), "No workflow route: alchemy")
	assert.Equal(t, 0, launcher.started)
}

func TestExecuteFullEventSequence(t *testing.T) {
	sess := sessionWith(
		agent.Event{Kind: agent.EventSessionInit, SessionID: "s1"},
		agent.Event{Kind: agent.EventToolUse, Tool: "grep", Input: "x"},
		agent.Event{Kind: agent.EventToolResult, Output: "3 matches"},
		agent.Event{Kind: agent.EventResult, Text: "done"},
	)
	f := newFixture(t, &fakeLauncher{sess: sess})
	task := f.insertTask(t, &store.Task{ProjectID: "p1"})

	require.NoError(t, f.svc.Execute(context.Background(), task.ID))

	descs := descriptions(t, f, task.ID)
	assert.Contains(t, descs, "Using grep: x")
	assert.Contains(t, descs, "grep done: 3 matches")
	assert.Contains(t, descs, "done")
	assert.Contains(t, descs, "Task completed successfully")
	assert.Equal(t, store.StatusCompleted, taskStatus(t, f, task.ID))
	assert.False(t, f.svc.HasSession(task.ID))
}

func TestExecuteImplicitSuccess(t *testing.T) {
	sess := sessionWith(agent.Event{Kind: agent.EventText, Text: "working on it\n"})
	f := newFixture(t, &fakeLauncher{sess: sess})
	task := f.insertTask(t, &store.Task{ProjectID: "p1"})

	require.NoError(t, f.svc.Execute(context.Background(), task.ID))

	descs := descriptions(t, f, task.ID)
	assert.Contains(t, descs, "working on it")
	assert.Contains(t, descs, "Task completed successfully")
	assert.Equal(t, store.StatusCompleted, taskStatus(t, f, task.ID))
}

func TestExecuteStreamFailure(t *testing.T) {
	sess := sessionWith(agent.Event{Kind: agent.EventText, Text: "partial"})
	sess.err = errors.New("process crashed")
	f := newFixture(t, &fakeLauncher{sess: sess})
	task := f.insertTask(t, &store.Task{ProjectID: "p1"})

	require.NoError(t, f.svc.Execute(context.Background(), task.ID))

	descs := descriptions(t, f, task.ID)
	assert.Contains(t, descs, "partial")
	assert.Contains(t, descs, "Execution failed: process crashed")
	assert.Equal(t, store.StatusNeedsInput, taskStatus(t, f, task.ID))
	assert.False(t, f.svc.HasSession(task.ID))
}

func TestExecuteSessionStartFailure(t *testing.T) {
	f := newFixture(t, &fakeLauncher{err: errors.New("binary not found")})
	task := f.insertTask(t, &store.Task{ProjectID: "p1"})

	require.NoError(t, f.svc.Execute(context.Background(), task.ID))

	assert.Contains(t, descriptions(t, f, task.ID), "Execution failed: binary not found")
	assert.Equal(t, store.StatusNeedsInput, taskStatus(t, f, task.ID))
}

func TestExecuteIgnoresTerminalTask(t *testing.T) {
	launcher := &fakeLauncher{sess: sessionWith()}
	f := newFixture(t, launcher)
	task := f.insertTask(t, &store.Task{ProjectID: "p1", Status: store.StatusFiltered})

	require.NoError(t, f.svc.Execute(context.Background(), task.ID))

	assert.Equal(t, store.StatusFiltered, taskStatus(t, f, task.ID))
	assert.Equal(t, 0, launcher.started)
}

func TestToolUseFlushesBufferedText(t *testing.T) {
	sess := sessionWith(
		agent.Event{Kind: agent.EventText, Text: "thinking"},
		agent.Event{Kind: agent.EventToolUse, Tool: "edit", Input: "main.go"},
		agent.Event{Kind: agent.EventResult, Text: ""},
	)
	f := newFixture(t, &fakeLauncher{sess: sess})
	task := f.insertTask(t, &store.Task{ProjectID: "p1"})

	require.NoError(t, f.svc.Execute(context.Background(), task.ID))

	descs := descriptions(t, f, task.ID)
	require.True(t, len(descs) >= 2)
	assert.Equal(t, "thinking", descs[0])
	assert.Equal(t, "Using edit: main.go", descs[1])
}

func TestAcceptRetriesNeedsInput(t *testing.T) {
	sess := sessionWith(agent.Event{Kind: agent.EventResult, Text: "fixed"})
	f := newFixture(t, &fakeLauncher{sess: sess})
	task := f.insertTask(t, &store.Task{ProjectID: "p1", Status: store.StatusNeedsInput})

	require.NoError(t, f.svc.Accept(context.Background(), task.ID))

	assert.Equal(t, store.StatusCompleted, taskStatus(t, f, task.ID))
}

func TestAcceptIgnoresCompletedTask(t *testing.T) {
	launcher := &fakeLauncher{sess: sessionWith()}
	f := newFixture(t, launcher)
	task := f.insertTask(t, &store.Task{ProjectID: "p1", Status: store.StatusUpcoming})
	_, err := f.st.UpdateTaskStatus(context.Background(), task.ID, store.StatusOngoing)
	require.NoError(t, err)
	_, err = f.st.UpdateTaskStatus(context.Background(), task.ID, store.StatusCompleted)
	require.NoError(t, err)

	require.NoError(t, f.svc.Accept(context.Background(), task.ID))
	assert.Equal(t, 0, launcher.started)
}

func TestDismissIsIdempotent(t *testing.T) {
	f := newFixture(t, &fakeLauncher{})
	task := f.insertTask(t, &store.Task{ProjectID: "p1"})

	require.NoError(t, f.svc.Dismiss(context.Background(), task.ID))
	require.NoError(t, f.svc.Dismiss(context.Background(), task.ID))
	assert.Equal(t, store.StatusFiltered, taskStatus(t, f, task.ID))
}

func TestSendMessageWithoutSession(t *testing.T) {
	f := newFixture(t, &fakeLauncher{})
	task := f.insertTask(t, &store.Task{ProjectID: "p1"})

	require.NoError(t, f.svc.SendMessage(context.Background(), task.ID, "hello", nil))
	assert.Empty(t, descriptions(t, f, task.ID))
}

func TestSendMessageSessionStoppedMidSend(t *testing.T) {
	f := newFixture(t, &fakeLauncher{})
	task := f.insertTask(t, &store.Task{ProjectID: "p1"})

	// Registered and reporting Running, but the process dies before the
	// write lands.
	sess := &fakeSession{ch: make(chan agent.Event), sendErr: agent.ErrNotRunning}
	f.svc.mu.Lock()
	f.svc.sessions[task.ID] = sess
	f.svc.mu.Unlock()

	require.NoError(t, f.svc.SendMessage(context.Background(), task.ID, "hello", nil))
	assert.Empty(t, descriptions(t, f, task.ID))
}

func TestSendMessageAndStopWithActiveSession(t *testing.T) {
	ch := make(chan agent.Event)
	sess := &fakeSession{ch: ch}
	f := newFixture(t, &fakeLauncher{sess: sess})
	task := f.insertTask(t, &store.Task{ProjectID: "p1"})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.svc.Execute(context.Background(), task.ID)
	}()

	require.Eventually(t, func() bool {
		return f.svc.HasSession(task.ID)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.svc.SendMessage(context.Background(), task.ID, "try again", nil))
	assert.Contains(t, descriptions(t, f, task.ID), "You: try again")
	sess.mu.Lock()
	assert.Equal(t, []string{"try again"}, sess.sent)
	sess.mu.Unlock()

	f.svc.StopSession(task.ID)
	assert.False(t, f.svc.HasSession(task.ID))
	close(ch)
	<-done
}
