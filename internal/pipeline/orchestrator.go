// Package pipeline orchestrates the speech-to-action flow: cleaning,
// analysis, task creation, and automatic execution.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/sameeeeeeep/autoclawd-sub000/internal/analysis"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/bus"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/metrics"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/store"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/taskgen"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/transcript"
)

// Store is the persistence surface the orchestrator needs beyond what
// the stages persist themselves.
type Store interface {
	InsertAnalysis(ctx context.Context, a *store.Analysis) error
	InsertTask(ctx context.Context, t *store.Task) error
}

// Executor runs tasks. Satisfied by the execution service.
type Executor interface {
	Execute(ctx context.Context, taskID string) error
	Accept(ctx context.Context, taskID string) error
	Dismiss(ctx context.Context, taskID string) error
	SendMessage(ctx context.Context, taskID, text string, attachmentPaths []string) error
	StopSession(taskID string)
}

// Options configures an Orchestrator.
type Options struct {
	Cleaner  *transcript.Cleaner
	Analyzer analysis.Analyzer
	Creator  taskgen.Creator
	Executor Executor
	Store    Store
	Bus      *bus.Bus
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Orchestrator drives a transcript chunk through every stage. No two
// sub-steps of the same transcript run concurrently; the auto-execution
// loop after task creation is deliberately serial so concurrent tasks
// never write into one working tree at once.
type Orchestrator struct {
	cleaner  *transcript.Cleaner
	analyzer analysis.Analyzer
	creator  taskgen.Creator
	executor Executor
	store    Store
	bus      *bus.Bus
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

func New(opts Options) *Orchestrator {
	return &Orchestrator{
		cleaner:  opts.Cleaner,
		analyzer: opts.Analyzer,
		creator:  opts.Creator,
		executor: opts.Executor,
		store:    opts.Store,
		bus:      opts.Bus,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		tracer:   otel.Tracer("autoclawd/pipeline"),
	}
}

// ProcessTranscript runs the full pipeline for one incoming chunk. A
// chunk that loses its debounce race returns immediately; the winning
// caller carries the merged transcript through the remaining stages.
func (o *Orchestrator) ProcessTranscript(ctx context.Context, chunk transcript.Chunk) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.process_transcript",
		trace.WithAttributes(attribute.String("session_id", chunk.SessionID)))
	defer span.End()

	cleaned, err := o.stageClean(ctx, chunk)
	if err != nil {
		o.count(metrics.OutcomeError)
		return err
	}
	if cleaned == nil {
		o.count(metrics.OutcomeSuperseded)
		return nil
	}
	o.publish(bus.Event{Topic: bus.TopicPipelineUpdated, Stage: "cleaned", TranscriptID: cleaned.ID})

	a, err := o.stageAnalyze(ctx, cleaned)
	if err != nil {
		o.count(metrics.OutcomeError)
		return err
	}
	if a == nil {
		o.count(metrics.OutcomeNotActionable)
		o.logger.Debug("transcript not actionable", zap.String("transcript_id", cleaned.ID))
		return nil
	}
	o.publish(bus.Event{Topic: bus.TopicPipelineUpdated, Stage: "analyzed", TranscriptID: cleaned.ID})

	tasks, err := o.stageCreateTasks(ctx, cleaned, a)
	if err != nil {
		o.count(metrics.OutcomeError)
		return err
	}
	o.count(metrics.OutcomeActionable)
	o.publish(bus.Event{Topic: bus.TopicPipelineUpdated, Stage: "tasks_created", TranscriptID: cleaned.ID})

	// Serial, in creation order. Execution failures never abort the
	// loop; each task lands in its own well-defined state.
	for _, task := range tasks {
		if task.Mode != store.ModeAuto {
			continue
		}
		if err := o.executor.Execute(ctx, task.ID); err != nil {
			o.logger.Error("auto-execution failed",
				zap.String("task_id", task.ID), zap.Error(err))
		}
	}
	return nil
}

func (o *Orchestrator) stageClean(ctx context.Context, chunk transcript.Chunk) (*store.CleanedTranscript, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.clean")
	defer span.End()
	defer o.observe("clean", time.Now())

	cleaned, err := o.cleaner.Process(ctx, chunk)
	if err != nil {
		return nil, fmt.Errorf("cleaning stage: %w", err)
	}
	return cleaned, nil
}

func (o *Orchestrator) stageAnalyze(ctx context.Context, cleaned *store.CleanedTranscript) (*store.Analysis, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.analyze")
	defer span.End()
	defer o.observe("analyze", time.Now())

	a, err := o.analyzer.Analyze(ctx, cleaned)
	if err != nil {
		return nil, fmt.Errorf("analysis stage: %w", err)
	}
	if a == nil {
		return nil, nil
	}
	if err := o.store.InsertAnalysis(ctx, a); err != nil {
		return nil, fmt.Errorf("persisting analysis: %w", err)
	}
	return a, nil
}

func (o *Orchestrator) stageCreateTasks(ctx context.Context, cleaned *store.CleanedTranscript, a *store.Analysis) ([]*store.Task, error) {
	ctx, span := o.tracer.Start(ctx, "pipeline.create_tasks")
	defer span.End()
	defer o.observe("create_tasks", time.Now())

	// No capture source feeds attachments into this daemon yet; the
	// message endpoint carries them into live sessions instead.
	tasks, err := o.creator.Create(ctx, cleaned, a, nil)
	if err != nil {
		return nil, fmt.Errorf("task creation stage: %w", err)
	}
	for _, task := range tasks {
		// Ask-mode tasks wait for explicit approval.
		if task.Mode == store.ModeAsk {
			task.Status = store.StatusPendingApproval
		}
		if err := o.store.InsertTask(ctx, task); err != nil {
			return nil, fmt.Errorf("persisting task: %w", err)
		}
		if o.metrics != nil {
			o.metrics.TasksCreated.Inc()
		}
		o.publish(bus.Event{Topic: bus.TopicPipelineUpdated, Stage: "task_created", TaskID: task.ID})
	}
	return tasks, nil
}

// ExecuteAcceptedTask re-enters the execution stage for a task the user
// accepted.
func (o *Orchestrator) ExecuteAcceptedTask(ctx context.Context, taskID string) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.execute_accepted",
		trace.WithAttributes(attribute.String("task_id", taskID)))
	defer span.End()
	return o.executor.Accept(ctx, taskID)
}

// DismissTask filters a task out of the queue.
func (o *Orchestrator) DismissTask(ctx context.Context, taskID string) error {
	return o.executor.Dismiss(ctx, taskID)
}

// SendMessageToTask forwards a user message into a task's live session.
func (o *Orchestrator) SendMessageToTask(ctx context.Context, taskID, text string, attachmentPaths []string) error {
	return o.executor.SendMessage(ctx, taskID, text, attachmentPaths)
}

// StopTaskSession cancels a task's live session without changing its
// status.
func (o *Orchestrator) StopTaskSession(taskID string) {
	o.executor.StopSession(taskID)
}

func (o *Orchestrator) publish(ev bus.Event) {
	if o.bus != nil {
		o.bus.Publish(ev)
	}
}

func (o *Orchestrator) count(outcome string) {
	if o.metrics != nil {
		o.metrics.TranscriptsProcessed.WithLabelValues(outcome).Inc()
	}
}

func (o *Orchestrator) observe(stage string, start time.Time) {
	if o.metrics != nil {
		o.metrics.StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}
}
