package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidTransition indicates a task status change the state
	// machine does not allow.
	ErrInvalidTransition = errors.New("invalid status transition")
)

const schema = `
CREATE TABLE IF NOT EXISTS cleaned_transcripts (
	id                   TEXT PRIMARY KEY,
	utterance_session_id TEXT NOT NULL DEFAULT '',
	source_chunk_ids     TEXT NOT NULL DEFAULT '[]',
	is_continued         INTEGER NOT NULL DEFAULT 0,
	source_chunk_count   INTEGER NOT NULL DEFAULT 0,
	text                 TEXT NOT NULL,
	speaker              TEXT NOT NULL DEFAULT '',
	duration_ms          INTEGER NOT NULL DEFAULT 0,
	created_at           TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS analyses (
	id            TEXT PRIMARY KEY,
	transcript_id TEXT NOT NULL,
	tags          TEXT NOT NULL DEFAULT '[]',
	project_id    TEXT NOT NULL DEFAULT '',
	project_name  TEXT NOT NULL DEFAULT '',
	summary       TEXT NOT NULL DEFAULT '',
	priority      TEXT NOT NULL DEFAULT '',
	created_at    TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS tasks (
	id                 TEXT PRIMARY KEY,
	analysis_id        TEXT NOT NULL DEFAULT '',
	title              TEXT NOT NULL,
	prompt             TEXT NOT NULL,
	project_id         TEXT NOT NULL DEFAULT '',
	project_name       TEXT NOT NULL DEFAULT '',
	mode               TEXT NOT NULL,
	status             TEXT NOT NULL,
	workflow           TEXT NOT NULL DEFAULT '',
	skill_id           TEXT NOT NULL DEFAULT '',
	step_labels        TEXT NOT NULL DEFAULT '[]',
	missing_connection TEXT NOT NULL DEFAULT '',
	pending_question   TEXT NOT NULL DEFAULT '',
	attachment_paths   TEXT NOT NULL DEFAULT '[]',
	created_at         TEXT NOT NULL,
	started_at         TEXT,
	completed_at       TEXT
);

CREATE TABLE IF NOT EXISTS execution_steps (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL,
	step_index  INTEGER NOT NULL,
	description TEXT NOT NULL,
	status      TEXT NOT NULL,
	output      TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL,
	UNIQUE (task_id, step_index)
);

CREATE INDEX IF NOT EXISTS idx_steps_task ON execution_steps (task_id, step_index);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status);
`

// Store wraps a SQLite database holding all pipeline records.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if necessary) the database at path and applies the
// schema. Use ":memory:" for an in-memory database in tests.
func Open(path string, logger *zap.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// The daemon serializes writes through a single connection; SQLite
	// does not benefit from pool concurrency here and :memory: requires it.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func marshalStrings(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshalStrings(raw string) []string {
	var v []string
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil
	}
	return v
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, raw)
	return t
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseNullableTime(raw sql.NullString) *time.Time {
	if !raw.Valid {
		return nil
	}
	t := parseTime(raw.String)
	return &t
}

// InsertTranscript persists a cleaned transcript.
func (s *Store) InsertTranscript(ctx context.Context, t *CleanedTranscript) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cleaned_transcripts
			(id, utterance_session_id, source_chunk_ids, is_continued,
			 source_chunk_count, text, speaker, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.UtteranceSessionID, marshalStrings(t.SourceChunkIDs),
		t.IsContinued, t.SourceChunkCount, t.Text, t.Speaker,
		t.Duration.Milliseconds(), formatTime(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting transcript: %w", err)
	}
	return nil
}

// GetTranscript fetches a cleaned transcript by id.
func (s *Store) GetTranscript(ctx context.Context, id string) (*CleanedTranscript, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, utterance_session_id, source_chunk_ids, is_continued,
		       source_chunk_count, text, speaker, duration_ms, created_at
		FROM cleaned_transcripts WHERE id = ?`, id)

	var t CleanedTranscript
	var chunkIDs, createdAt string
	var durationMS int64
	err := row.Scan(&t.ID, &t.UtteranceSessionID, &chunkIDs, &t.IsContinued,
		&t.SourceChunkCount, &t.Text, &t.Speaker, &durationMS, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transcript %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching transcript: %w", err)
	}
	t.SourceChunkIDs = unmarshalStrings(chunkIDs)
	t.Duration = time.Duration(durationMS) * time.Millisecond
	t.CreatedAt = parseTime(createdAt)
	return &t, nil
}

// InsertAnalysis persists a transcript analysis.
func (s *Store) InsertAnalysis(ctx context.Context, a *Analysis) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analyses
			(id, transcript_id, tags, project_id, project_name, summary, priority, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TranscriptID, marshalStrings(a.Tags), a.ProjectID,
		a.ProjectName, a.Summary, a.Priority, formatTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting analysis: %w", err)
	}
	return nil
}

// GetAnalysis fetches an analysis by id.
func (s *Store) GetAnalysis(ctx context.Context, id string) (*Analysis, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, transcript_id, tags, project_id, project_name, summary, priority, created_at
		FROM analyses WHERE id = ?`, id)

	var a Analysis
	var tags, createdAt string
	err := row.Scan(&a.ID, &a.TranscriptID, &tags, &a.ProjectID,
		&a.ProjectName, &a.Summary, &a.Priority, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching analysis: %w", err)
	}
	a.Tags = unmarshalStrings(tags)
	a.CreatedAt = parseTime(createdAt)
	return &a, nil
}

// UpdateAnalysis applies field-level edits to an analysis. Nil fields in
// the update are left unchanged.
func (s *Store) UpdateAnalysis(ctx context.Context, id string, u AnalysisUpdate) error {
	a, err := s.GetAnalysis(ctx, id)
	if err != nil {
		return err
	}
	if u.Tags != nil {
		a.Tags = *u.Tags
	}
	if u.ProjectID != nil {
		a.ProjectID = *u.ProjectID
	}
	if u.ProjectName != nil {
		a.ProjectName = *u.ProjectName
	}
	if u.Summary != nil {
		a.Summary = *u.Summary
	}
	if u.Priority != nil {
		a.Priority = *u.Priority
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE analyses SET tags = ?, project_id = ?, project_name = ?, summary = ?, priority = ?
		WHERE id = ?`,
		marshalStrings(a.Tags), a.ProjectID, a.ProjectName, a.Summary, a.Priority, id,
	)
	if err != nil {
		return fmt.Errorf("updating analysis: %w", err)
	}
	return nil
}

// InsertTask persists a task.
func (s *Store) InsertTask(ctx context.Context, t *Task) error {
	if err := t.Status.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks
			(id, analysis_id, title, prompt, project_id, project_name, mode, status,
			 workflow, skill_id, step_labels, missing_connection, pending_question,
			 attachment_paths, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.AnalysisID, t.Title, t.Prompt, t.ProjectID, t.ProjectName,
		string(t.Mode), string(t.Status), t.Workflow, t.SkillID,
		marshalStrings(t.StepLabels), t.MissingConnection, t.PendingQuestion,
		marshalStrings(t.AttachmentPaths), formatTime(t.CreatedAt),
		formatNullableTime(t.StartedAt), formatNullableTime(t.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting task: %w", err)
	}
	return nil
}

const taskColumns = `id, analysis_id, title, prompt, project_id, project_name, mode, status,
	workflow, skill_id, step_labels, missing_connection, pending_question,
	attachment_paths, created_at, started_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var mode, status, labels, attachments, createdAt string
	var startedAt, completedAt sql.NullString
	err := row.Scan(&t.ID, &t.AnalysisID, &t.Title, &t.Prompt, &t.ProjectID,
		&t.ProjectName, &mode, &status, &t.Workflow, &t.SkillID, &labels,
		&t.MissingConnection, &t.PendingQuestion, &attachments, &createdAt,
		&startedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	t.Mode = TaskMode(mode)
	t.Status = TaskStatus(status)
	t.StepLabels = unmarshalStrings(labels)
	t.AttachmentPaths = unmarshalStrings(attachments)
	t.CreatedAt = parseTime(createdAt)
	t.StartedAt = parseNullableTime(startedAt)
	t.CompletedAt = parseNullableTime(completedAt)
	return &t, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("fetching task: %w", err)
	}
	return t, nil
}

// ListTasksByStatus returns all tasks in any of the given statuses,
// oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...TaskStatus) ([]*Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := make([]any, len(statuses))
	marks := ""
	for i, st := range statuses {
		args[i] = string(st)
		if i > 0 {
			marks += ","
		}
		marks += "?"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (`+marks+`) ORDER BY created_at ASC`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus transitions a task to the given status, enforcing the
// state machine and maintaining started/completed timestamps.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus) (*Task, error) {
	if err := status.Validate(); err != nil {
		return nil, err
	}
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !CanTransition(t.Status, status) {
		return nil, fmt.Errorf("%s -> %s: %w", t.Status, status, ErrInvalidTransition)
	}

	now := time.Now()
	if status == StatusOngoing && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if status == StatusCompleted && t.CompletedAt == nil {
		t.CompletedAt = &now
	}
	t.Status = status

	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ?, completed_at = ? WHERE id = ?`,
		string(status), formatNullableTime(t.StartedAt), formatNullableTime(t.CompletedAt), id,
	)
	if err != nil {
		return nil, fmt.Errorf("updating task status: %w", err)
	}
	return t, nil
}

// UpdateTaskMode changes a task's execution mode.
func (s *Store) UpdateTaskMode(ctx context.Context, id string, mode TaskMode) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET mode = ? WHERE id = ?`, string(mode), id)
	if err != nil {
		return fmt.Errorf("updating task mode: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// UpdateTask applies field-level edits to a task. Nil fields in the
// update are left unchanged.
func (s *Store) UpdateTask(ctx context.Context, id string, u TaskUpdate) error {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Prompt != nil {
		t.Prompt = *u.Prompt
	}
	if u.ProjectID != nil {
		t.ProjectID = *u.ProjectID
	}
	if u.ProjectName != nil {
		t.ProjectName = *u.ProjectName
	}
	if u.Workflow != nil {
		t.Workflow = *u.Workflow
	}
	if u.PendingQuestion != nil {
		t.PendingQuestion = *u.PendingQuestion
	}
	if u.AttachmentPaths != nil {
		t.AttachmentPaths = *u.AttachmentPaths
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET title = ?, prompt = ?, project_id = ?, project_name = ?,
			workflow = ?, pending_question = ?, attachment_paths = ?
		WHERE id = ?`,
		t.Title, t.Prompt, t.ProjectID, t.ProjectName, t.Workflow,
		t.PendingQuestion, marshalStrings(t.AttachmentPaths), id,
	)
	if err != nil {
		return fmt.Errorf("updating task: %w", err)
	}
	return nil
}

// AppendStep appends a step to a task's execution log, assigning the next
// contiguous index. The log is append-only; steps are never mutated.
func (s *Store) AppendStep(ctx context.Context, step *Step) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning step tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(step_index) + 1, 0) FROM execution_steps WHERE task_id = ?`,
		step.TaskID)
	if err := row.Scan(&step.Index); err != nil {
		return fmt.Errorf("computing step index: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO execution_steps (id, task_id, step_index, description, status, output, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		step.ID, step.TaskID, step.Index, step.Description, string(step.Status),
		step.Output, formatTime(step.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting step: %w", err)
	}
	return tx.Commit()
}

// StepsByTask returns a task's execution log ordered by step index.
func (s *Store) StepsByTask(ctx context.Context, taskID string) ([]Step, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, step_index, description, status, output, created_at
		FROM execution_steps WHERE task_id = ? ORDER BY step_index ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("fetching steps: %w", err)
	}
	defer rows.Close()

	var steps []Step
	for rows.Next() {
		var st Step
		var status, createdAt string
		if err := rows.Scan(&st.ID, &st.TaskID, &st.Index, &st.Description,
			&status, &st.Output, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning step: %w", err)
		}
		st.Status = StepStatus(status)
		st.CreatedAt = parseTime(createdAt)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}
