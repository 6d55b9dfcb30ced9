package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestTask() *Task {
	return &Task{
		ID:        uuid.New().String(),
		Title:     "Fix the flaky retry test",
		Prompt:    "The retry test in internal/net is flaky, investigate and fix.",
		ProjectID: "proj-1",
		Mode:      ModeAuto,
		Status:    StatusUpcoming,
		CreatedAt: time.Now(),
	}
}

func TestTranscriptRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr := &CleanedTranscript{
		ID:                 uuid.New().String(),
		UtteranceSessionID: "utt-1",
		SourceChunkIDs:     []string{"c0", "c1"},
		IsContinued:        true,
		SourceChunkCount:   2,
		Text:               "we should fix the bug",
		Speaker:            "sam",
		Duration:           3500 * time.Millisecond,
		CreatedAt:          time.Now(),
	}
	require.NoError(t, s.InsertTranscript(ctx, tr))

	got, err := s.GetTranscript(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, tr.Text, got.Text)
	assert.Equal(t, []string{"c0", "c1"}, got.SourceChunkIDs)
	assert.True(t, got.IsContinued)
	assert.Equal(t, 2, got.SourceChunkCount)
	assert.Equal(t, 3500*time.Millisecond, got.Duration)
}

func TestGetTranscriptNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTranscript(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAnalysisUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := &Analysis{
		ID:           uuid.New().String(),
		TranscriptID: "tr-1",
		Tags:         []string{"bug"},
		Summary:      "fix retry bug",
		CreatedAt:    time.Now(),
	}
	require.NoError(t, s.InsertAnalysis(ctx, a))

	priority := "high"
	tags := []string{"bug", "urgent"}
	require.NoError(t, s.UpdateAnalysis(ctx, a.ID, AnalysisUpdate{
		Priority: &priority,
		Tags:     &tags,
	}))

	got, err := s.GetAnalysis(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "high", got.Priority)
	assert.Equal(t, tags, got.Tags)
	// Untouched fields survive.
	assert.Equal(t, "fix retry bug", got.Summary)
}

func TestTaskStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask()
	require.NoError(t, s.InsertTask(ctx, task))

	got, err := s.UpdateTaskStatus(ctx, task.ID, StatusOngoing)
	require.NoError(t, err)
	assert.Equal(t, StatusOngoing, got.Status)
	require.NotNil(t, got.StartedAt)

	got, err = s.UpdateTaskStatus(ctx, task.ID, StatusCompleted)
	require.NoError(t, err)
	require.NotNil(t, got.CompletedAt)

	// Completed is terminal.
	_, err = s.UpdateTaskStatus(ctx, task.ID, StatusOngoing)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestDismissIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask()
	require.NoError(t, s.InsertTask(ctx, task))

	_, err := s.UpdateTaskStatus(ctx, task.ID, StatusFiltered)
	require.NoError(t, err)
	_, err = s.UpdateTaskStatus(ctx, task.ID, StatusFiltered)
	require.NoError(t, err)
}

func TestStepIndicesStrictlyIncreasing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	taskID := uuid.New().String()
	for i := 0; i < 5; i++ {
		step := &Step{
			ID:          uuid.New().String(),
			TaskID:      taskID,
			Description: "step",
			Status:      StepCompleted,
			CreatedAt:   time.Now(),
		}
		require.NoError(t, s.AppendStep(ctx, step))
		assert.Equal(t, i, step.Index)
	}

	steps, err := s.StepsByTask(ctx, taskID)
	require.NoError(t, err)
	require.Len(t, steps, 5)
	for i, st := range steps {
		assert.Equal(t, i, st.Index)
	}
}

func TestStepIndicesIndependentPerTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, taskID := range []string{"task-a", "task-b"} {
		step := &Step{
			ID:        uuid.New().String(),
			TaskID:    taskID,
			Status:    StepRunning,
			CreatedAt: time.Now(),
		}
		require.NoError(t, s.AppendStep(ctx, step))
		assert.Equal(t, 0, step.Index)
	}
}

func TestListTasksByStatus(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newTestTask()
	first.CreatedAt = time.Now().Add(-time.Minute)
	second := newTestTask()
	filtered := newTestTask()
	filtered.Status = StatusFiltered

	require.NoError(t, s.InsertTask(ctx, first))
	require.NoError(t, s.InsertTask(ctx, second))
	require.NoError(t, s.InsertTask(ctx, filtered))

	tasks, err := s.ListTasksByStatus(ctx, StatusUpcoming)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	// Oldest first.
	assert.Equal(t, first.ID, tasks[0].ID)
}

func TestUpdateTaskFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	task := newTestTask()
	require.NoError(t, s.InsertTask(ctx, task))

	title := "New title"
	attachments := []string{"/tmp/shot.png"}
	require.NoError(t, s.UpdateTask(ctx, task.ID, TaskUpdate{
		Title:           &title,
		AttachmentPaths: &attachments,
	}))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "New title", got.Title)
	assert.Equal(t, attachments, got.AttachmentPaths)
	assert.Equal(t, task.Prompt, got.Prompt)
}

func TestCanTransitionTable(t *testing.T) {
	tests := []struct {
		name string
		from TaskStatus
		to   TaskStatus
		ok   bool
	}{
		{"execute upcoming", StatusUpcoming, StatusOngoing, true},
		{"dismiss upcoming", StatusUpcoming, StatusFiltered, true},
		{"complete ongoing", StatusOngoing, StatusCompleted, true},
		{"fail ongoing", StatusOngoing, StatusNeedsInput, true},
		{"retry stuck ongoing", StatusOngoing, StatusOngoing, true},
		{"accept needs_input", StatusNeedsInput, StatusOngoing, true},
		{"accept pending_approval", StatusPendingApproval, StatusOngoing, true},
		{"reopen completed", StatusCompleted, StatusOngoing, false},
		{"reopen filtered", StatusFiltered, StatusOngoing, false},
		{"skip to completed", StatusUpcoming, StatusCompleted, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, CanTransition(tt.from, tt.to))
		})
	}
}
