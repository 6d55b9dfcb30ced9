// Package execution runs tasks against an external interactive coding
// agent and maintains each task's append-only step log.
package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sameeeeeeep/autoclawd-sub000/internal/agent"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/attachment"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/bus"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/project"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/store"
)

// Store is the persistence surface the engine needs.
type Store interface {
	GetTask(ctx context.Context, id string) (*store.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status store.TaskStatus) (*store.Task, error)
	AppendStep(ctx context.Context, step *store.Step) error
	StepsByTask(ctx context.Context, taskID string) ([]store.Step, error)
}

// Rebuilder relaunches the daemon after a self-tree task completes.
type Rebuilder interface {
	Trigger(treePath string) error
}

// Options configures a Service.
type Options struct {
	Store             Store
	Launcher          agent.Launcher
	Resolver          *project.Resolver
	Rebuilder         Rebuilder
	Bus               *bus.Bus
	Logger            *zap.Logger
	Workflows         []string
	DefaultWorkflow   string
	TextFlushInterval time.Duration
}

// Service is the task execution engine. The session registry is the
// single source of truth for which tasks are interactive right now.
type Service struct {
	store     Store
	launcher  agent.Launcher
	resolver  *project.Resolver
	rebuilder Rebuilder
	bus       *bus.Bus
	logger    *zap.Logger

	workflows       []string
	defaultWorkflow string
	flushInterval   time.Duration

	mu       sync.Mutex
	sessions map[string]agent.Session
}

func NewService(opts Options) *Service {
	return &Service{
		store:           opts.Store,
		launcher:        opts.Launcher,
		resolver:        opts.Resolver,
		rebuilder:       opts.Rebuilder,
		bus:             opts.Bus,
		logger:          opts.Logger,
		workflows:       opts.Workflows,
		defaultWorkflow: opts.DefaultWorkflow,
		flushInterval:   opts.TextFlushInterval,
		sessions:        make(map[string]agent.Session),
	}
}

// Execute runs a task end to end: project resolution, workflow routing,
// session start, then event consumption until the stream ends. It is a
// no-op unless the task is upcoming or ongoing, which makes retrying a
// stuck ongoing task safe. It blocks until execution finishes.
func (s *Service) Execute(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status != store.StatusUpcoming && task.Status != store.StatusOngoing {
		s.logger.Warn("execute ignored for task not in a runnable state",
			zap.String("task_id", taskID),
			zap.String("status", string(task.Status)))
		return nil
	}
	if task.Status == store.StatusUpcoming {
		if task, err = s.transition(ctx, taskID, store.StatusOngoing); err != nil {
			return err
		}
	}

	proj, ok := s.resolver.Resolve(task.ProjectID, task.ProjectName)
	if !ok {
		s.appendStep(ctx, taskID, "No project path resolved", store.StepFailed, "")
		s.transitionSoft(ctx, taskID, store.StatusNeedsInput)
		return nil
	}

	workflow := task.Workflow
	if workflow == "" {
		workflow = s.defaultWorkflow
	}
	if !s.routable(workflow) {
		s.appendStep(ctx, taskID,
			fmt.Sprintf("No workflow route: %s", workflow), store.StepFailed, "")
		s.transitionSoft(ctx, taskID, store.StatusNeedsInput)
		return nil
	}

	atts, loadErrs := attachment.LoadAll(task.AttachmentPaths)
	for _, lerr := range loadErrs {
		s.logger.Warn("skipping unreadable attachment",
			zap.String("task_id", taskID), zap.Error(lerr))
	}
	blocks := make([]attachment.Block, 0, len(atts))
	for _, a := range atts {
		blocks = append(blocks, a.ToBlock())
	}

	sess, err := s.launcher.Start(ctx, agent.StartOptions{
		Prompt:      buildPrompt(task, workflow),
		WorkingDir:  proj.Path,
		Attachments: blocks,
	})
	if err != nil {
		s.appendStep(ctx, taskID,
			fmt.Sprintf("Execution failed: %v", err), store.StepFailed, "")
		s.transitionSoft(ctx, taskID, store.StatusNeedsInput)
		return nil
	}

	s.mu.Lock()
	s.sessions[taskID] = sess
	s.mu.Unlock()

	s.logger.Info("task execution started",
		zap.String("task_id", taskID),
		zap.String("project", proj.ID),
		zap.String("workflow", workflow),
		zap.String("branch", s.resolver.Branch(proj.Path)))

	completed := s.consume(ctx, taskID, sess)

	s.mu.Lock()
	delete(s.sessions, taskID)
	s.mu.Unlock()

	if completed && s.rebuilder != nil && project.IsSelfTree(proj.Path) {
		if err := s.rebuilder.Trigger(proj.Path); err != nil {
			s.logger.Error("self-rebuild trigger failed", zap.Error(err))
		}
	}
	return nil
}

// consume drains the session's event stream, translating events into
// steps and the final status. Reports whether the task completed.
func (s *Service) consume(ctx context.Context, taskID string, sess agent.Session) bool {
	var textBuf strings.Builder
	lastFlush := time.Now()
	pendingTool := ""
	gotResult := false

	flushText := func() {
		text := strings.TrimSpace(textBuf.String())
		textBuf.Reset()
		lastFlush = time.Now()
		if text != "" {
			s.appendStep(ctx, taskID, text, store.StepCompleted, "")
		}
	}

	for ev := range sess.Events() {
		switch ev.Kind {
		case agent.EventSessionInit:
			s.appendStep(ctx, taskID,
				fmt.Sprintf("Session started: %s", ev.SessionID), store.StepCompleted, "")

		case agent.EventText:
			textBuf.WriteString(ev.Text)
			if strings.Contains(ev.Text, "\n") || time.Since(lastFlush) >= s.flushInterval {
				flushText()
			}

		case agent.EventToolUse:
			flushText()
			pendingTool = ev.Tool
			s.appendStep(ctx, taskID,
				fmt.Sprintf("Using %s: %s", ev.Tool, ev.Input), store.StepRunning, "")

		case agent.EventToolResult:
			tool := pendingTool
			if tool == "" {
				tool = "tool"
			}
			pendingTool = ""
			s.appendStep(ctx, taskID,
				fmt.Sprintf("%s done: %s", tool, ev.Output), store.StepCompleted, ev.Output)

		case agent.EventStatus:
			s.appendStep(ctx, taskID, ev.Text, store.StepRunning, "")

		case agent.EventError:
			s.appendStep(ctx, taskID, ev.Text, store.StepFailed, "")

		case agent.EventResult:
			flushText()
			if ev.Text != "" {
				s.appendStep(ctx, taskID, ev.Text, store.StepCompleted, "")
			}
			s.appendStep(ctx, taskID, "Task completed successfully", store.StepCompleted, "")
			s.transitionSoft(ctx, taskID, store.StatusCompleted)
			gotResult = true
		}
	}

	if gotResult {
		return true
	}
	if err := sess.Err(); err != nil {
		flushText()
		s.appendStep(ctx, taskID,
			fmt.Sprintf("Execution failed: %v", err), store.StepFailed, "")
		s.transitionSoft(ctx, taskID, store.StatusNeedsInput)
		return false
	}
	// Stream ended cleanly without a result event: implicit success.
	flushText()
	s.appendStep(ctx, taskID, "Task completed successfully", store.StepCompleted, "")
	s.transitionSoft(ctx, taskID, store.StatusCompleted)
	return true
}

// Accept moves a waiting task back into execution. Terminal tasks are
// ignored with a warning.
func (s *Service) Accept(ctx context.Context, taskID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		s.logger.Warn("accept ignored for terminal task",
			zap.String("task_id", taskID),
			zap.String("status", string(task.Status)))
		return nil
	}
	if task.Status == store.StatusNeedsInput || task.Status == store.StatusPendingApproval {
		if _, err := s.transition(ctx, taskID, store.StatusOngoing); err != nil {
			return err
		}
	}
	return s.Execute(ctx, taskID)
}

// Dismiss filters a task out. Idempotent on already-filtered tasks;
// ignored with a warning on completed ones. An active session is
// stopped first.
func (s *Service) Dismiss(ctx context.Context, taskID string) error {
	s.StopSession(taskID)

	_, err := s.store.UpdateTaskStatus(ctx, taskID, store.StatusFiltered)
	if errors.Is(err, store.ErrInvalidTransition) {
		s.logger.Warn("dismiss ignored for terminal task", zap.String("task_id", taskID))
		return nil
	}
	if err != nil {
		return err
	}
	s.publish(taskID, "")
	return nil
}

// SendMessage forwards a follow-up message to a task's active session
// and records it in the step log. With no active session it warns and
// does nothing.
func (s *Service) SendMessage(ctx context.Context, taskID, text string, attachmentPaths []string) error {
	s.mu.Lock()
	sess, ok := s.sessions[taskID]
	s.mu.Unlock()
	if !ok || !sess.Running() {
		s.logger.Warn("no active session for message", zap.String("task_id", taskID))
		return nil
	}

	atts, loadErrs := attachment.LoadAll(attachmentPaths)
	for _, lerr := range loadErrs {
		s.logger.Warn("skipping unreadable attachment",
			zap.String("task_id", taskID), zap.Error(lerr))
	}
	blocks := make([]attachment.Block, 0, len(atts))
	names := make([]string, 0, len(atts))
	for _, a := range atts {
		blocks = append(blocks, a.ToBlock())
		names = append(names, a.FileName)
	}

	if err := sess.Send(ctx, text, blocks); err != nil {
		// The session can stop between the registry lookup and the send;
		// treat that exactly like having no session at all.
		if errors.Is(err, agent.ErrNotRunning) {
			s.logger.Warn("no active session for message", zap.String("task_id", taskID))
			return nil
		}
		return fmt.Errorf("forwarding message: %w", err)
	}

	desc := fmt.Sprintf("You: %s", text)
	if len(names) > 0 {
		desc = fmt.Sprintf("You: %s [%s]", text, strings.Join(names, ", "))
	}
	s.appendStep(ctx, taskID, desc, store.StepCompleted, "")
	return nil
}

// StopSession removes and stops a task's session without touching task
// status. Safe when no session exists.
func (s *Service) StopSession(taskID string) {
	s.mu.Lock()
	sess, ok := s.sessions[taskID]
	delete(s.sessions, taskID)
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := sess.Stop(); err != nil {
		s.logger.Warn("stopping session", zap.String("task_id", taskID), zap.Error(err))
	}
}

// HasSession reports whether a task is interactive right now.
func (s *Service) HasSession(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[taskID]
	return ok
}

// Steps returns a task's execution log.
func (s *Service) Steps(ctx context.Context, taskID string) ([]store.Step, error) {
	return s.store.StepsByTask(ctx, taskID)
}

func (s *Service) routable(workflow string) bool {
	for _, w := range s.workflows {
		if strings.EqualFold(w, workflow) {
			return true
		}
	}
	return false
}

func (s *Service) transition(ctx context.Context, taskID string, status store.TaskStatus) (*store.Task, error) {
	t, err := s.store.UpdateTaskStatus(ctx, taskID, status)
	if err != nil {
		return nil, err
	}
	s.publish(taskID, "")
	return t, nil
}

// transitionSoft applies a transition, downgrading state-machine
// rejections to a debug log. A dismissed task's event loop may race its
// own terminal transition; the loser must not fail the whole run.
func (s *Service) transitionSoft(ctx context.Context, taskID string, status store.TaskStatus) {
	if _, err := s.store.UpdateTaskStatus(ctx, taskID, status); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			s.logger.Debug("transition skipped",
				zap.String("task_id", taskID), zap.String("to", string(status)))
			return
		}
		s.logger.Error("task status update failed",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	s.publish(taskID, "")
}

func (s *Service) appendStep(ctx context.Context, taskID, description string, status store.StepStatus, output string) {
	step := &store.Step{
		ID:          uuid.New().String(),
		TaskID:      taskID,
		Description: description,
		Status:      status,
		Output:      output,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.AppendStep(ctx, step); err != nil {
		s.logger.Error("appending step",
			zap.String("task_id", taskID), zap.Error(err))
		return
	}
	s.publish(taskID, step.ID)
}

func (s *Service) publish(taskID, stepID string) {
	if s.bus == nil {
		return
	}
	topic := bus.TopicPipelineUpdated
	if stepID != "" {
		topic = bus.TopicStepUpdated
	}
	s.bus.Publish(bus.Event{
		Topic:  topic,
		Stage:  "execution",
		TaskID: taskID,
		StepID: stepID,
	})
}

func buildPrompt(t *store.Task, workflow string) string {
	var b strings.Builder
	b.WriteString(t.Title)
	b.WriteString("\n\n")
	b.WriteString(t.Prompt)
	if workflow != "" {
		fmt.Fprintf(&b, "\n\nWorkflow: %s", workflow)
	}
	if t.PendingQuestion != "" {
		fmt.Fprintf(&b, "\n\nOpen question from a previous attempt: %s", t.PendingQuestion)
	}
	return b.String()
}
