// Package store provides SQLite-backed persistence for pipeline records:
// cleaned transcripts, analyses, tasks, and execution steps.
package store

import (
	"fmt"
	"time"
)

// TaskMode governs how a created task is run.
type TaskMode string

const (
	// ModeAuto runs the task automatically after creation.
	ModeAuto TaskMode = "auto"

	// ModeAsk requires user approval before execution.
	ModeAsk TaskMode = "ask"

	// ModeUser marks a task entered manually by a human.
	ModeUser TaskMode = "user"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusUpcoming        TaskStatus = "upcoming"
	StatusOngoing         TaskStatus = "ongoing"
	StatusPendingApproval TaskStatus = "pending_approval"
	StatusNeedsInput      TaskStatus = "needs_input"
	StatusCompleted       TaskStatus = "completed"
	StatusFiltered        TaskStatus = "filtered"
)

// allowedTransitions encodes the task state machine. Terminal states have
// no outgoing edges.
var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusUpcoming: {
		StatusOngoing:  {},
		StatusFiltered: {},
	},
	StatusOngoing: {
		StatusCompleted:  {},
		StatusNeedsInput: {},
		StatusFiltered:   {},
		// Re-entrant execute on a stuck ongoing task.
		StatusOngoing: {},
	},
	StatusPendingApproval: {
		StatusOngoing:  {},
		StatusFiltered: {},
	},
	StatusNeedsInput: {
		StatusOngoing:  {},
		StatusFiltered: {},
	},
	StatusCompleted: {},
	StatusFiltered: {
		// Dismiss is idempotent.
		StatusFiltered: {},
	},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Terminal reports whether a status has no outgoing transitions besides
// idempotent self-loops.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFiltered
}

// Validate checks that the status is a known value.
func (s TaskStatus) Validate() error {
	switch s {
	case StatusUpcoming, StatusOngoing, StatusPendingApproval,
		StatusNeedsInput, StatusCompleted, StatusFiltered:
		return nil
	}
	return fmt.Errorf("unknown task status %q", s)
}

// StepStatus tags an execution step entry.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepRunning   StepStatus = "running"
	StepFailed    StepStatus = "failed"
)

// CleanedTranscript is the output of the cleaning stage. Created once per
// merge-completed burst and immutable thereafter.
type CleanedTranscript struct {
	ID                 string        `json:"id"`
	UtteranceSessionID string        `json:"utterance_session_id,omitempty"`
	SourceChunkIDs     []string      `json:"source_chunk_ids"`
	IsContinued        bool          `json:"is_continued"`
	SourceChunkCount   int           `json:"source_chunk_count"`
	Text               string        `json:"text"`
	Speaker            string        `json:"speaker,omitempty"`
	Duration           time.Duration `json:"duration"`
	CreatedAt          time.Time     `json:"created_at"`
}

// Analysis is the output of the analysis stage. Mutable via explicit
// field-level updates only.
type Analysis struct {
	ID           string    `json:"id"`
	TranscriptID string    `json:"transcript_id"`
	Tags         []string  `json:"tags"`
	ProjectID    string    `json:"project_id,omitempty"`
	ProjectName  string    `json:"project_name,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	Priority     string    `json:"priority,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// AnalysisUpdate carries optional field-level edits to an analysis.
// Nil fields are left unchanged.
type AnalysisUpdate struct {
	Tags        *[]string
	ProjectID   *string
	ProjectName *string
	Summary     *string
	Priority    *string
}

// Task is a pipeline task record. Status is mutated exclusively by the
// execution engine; mode and details by explicit user edit calls.
type Task struct {
	ID                string     `json:"id"`
	AnalysisID        string     `json:"analysis_id,omitempty"`
	Title             string     `json:"title"`
	Prompt            string     `json:"prompt"`
	ProjectID         string     `json:"project_id,omitempty"`
	ProjectName       string     `json:"project_name,omitempty"`
	Mode              TaskMode   `json:"mode"`
	Status            TaskStatus `json:"status"`
	Workflow          string     `json:"workflow,omitempty"`
	SkillID           string     `json:"skill_id,omitempty"`
	StepLabels        []string   `json:"step_labels,omitempty"`
	MissingConnection string     `json:"missing_connection,omitempty"`
	PendingQuestion   string     `json:"pending_question,omitempty"`
	AttachmentPaths   []string   `json:"attachment_paths,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

// TaskUpdate carries optional field-level edits to a task.
type TaskUpdate struct {
	Title           *string
	Prompt          *string
	ProjectID       *string
	ProjectName     *string
	Workflow        *string
	PendingQuestion *string
	AttachmentPaths *[]string
}

// Step is one entry in a task's append-only execution log. Indices per
// task are contiguous and strictly increasing from zero.
type Step struct {
	ID          string     `json:"id"`
	TaskID      string     `json:"task_id"`
	Index       int        `json:"index"`
	Description string     `json:"description"`
	Status      StepStatus `json:"status"`
	Output      string     `json:"output,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
