// Package httpapi exposes the pipeline over HTTP: transcript ingestion,
// task control, step logs, semantic search, and operational endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sameeeeeeep/autoclawd-sub000/internal/bus"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/search"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/store"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/transcript"
)

// Pipeline is the orchestrator surface the API exposes.
type Pipeline interface {
	ProcessTranscript(ctx context.Context, chunk transcript.Chunk) error
	ExecuteAcceptedTask(ctx context.Context, taskID string) error
	DismissTask(ctx context.Context, taskID string) error
	SendMessageToTask(ctx context.Context, taskID, text string, attachmentPaths []string) error
	StopTaskSession(taskID string)
}

// TaskStore provides task reads and user-driven field edits.
type TaskStore interface {
	GetTask(ctx context.Context, id string) (*store.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...store.TaskStatus) ([]*store.Task, error)
	StepsByTask(ctx context.Context, taskID string) ([]store.Step, error)
	UpdateTask(ctx context.Context, id string, u store.TaskUpdate) error
	UpdateTaskMode(ctx context.Context, id string, mode store.TaskMode) error
}

// Searcher answers semantic transcript queries. Optional.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]search.Result, error)
}

// Options configures a Server.
type Options struct {
	Pipeline Pipeline
	Tasks    TaskStore
	Searcher Searcher
	Bus      *bus.Bus
	Registry *prometheus.Registry
	Logger   *zap.Logger
}

// Server is the HTTP front of the daemon.
type Server struct {
	echo     *echo.Echo
	pipeline Pipeline
	tasks    TaskStore
	searcher Searcher
	bus      *bus.Bus
	logger   *zap.Logger
}

// New builds the server and its routes.
func New(opts Options) *Server {
	s := &Server{
		echo:     echo.New(),
		pipeline: opts.Pipeline,
		tasks:    opts.Tasks,
		searcher: opts.Searcher,
		bus:      opts.Bus,
		logger:   opts.Logger,
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.Use(middleware.Recover())
	s.echo.Use(s.requestLogger)

	s.echo.GET("/healthz", s.handleHealth)
	if opts.Registry != nil {
		s.echo.GET("/metrics", echo.WrapHandler(
			promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	}

	v1 := s.echo.Group("/v1")
	v1.POST("/transcripts", s.handleTranscript)
	v1.GET("/tasks", s.handleListTasks)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.PATCH("/tasks/:id", s.handleUpdateTask)
	v1.GET("/tasks/:id/steps", s.handleSteps)
	v1.POST("/tasks/:id/accept", s.handleAccept)
	v1.POST("/tasks/:id/dismiss", s.handleDismiss)
	v1.POST("/tasks/:id/message", s.handleMessage)
	v1.POST("/tasks/:id/stop", s.handleStop)
	v1.GET("/search", s.handleSearch)
	v1.GET("/events", s.handleEvents)
	return s
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		s.logger.Info("request",
			zap.String("method", c.Request().Method),
			zap.String("path", c.Request().URL.Path),
			zap.Int("status", c.Response().Status),
			zap.Duration("elapsed", time.Since(start)))
		return err
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type transcriptRequest struct {
	ChunkID    string `json:"chunk_id"`
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	Text       string `json:"text"`
	Speaker    string `json:"speaker"`
	DurationMS int64  `json:"duration_ms"`
}

// handleTranscript accepts a chunk and runs the pipeline in the
// background; the debounce window makes synchronous handling pointless.
func (s *Server) handleTranscript(c echo.Context) error {
	var req transcriptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}

	chunk := transcript.Chunk{
		ID:        req.ChunkID,
		SessionID: req.SessionID,
		Sequence:  req.Sequence,
		Text:      req.Text,
		Speaker:   req.Speaker,
		Duration:  time.Duration(req.DurationMS) * time.Millisecond,
	}
	go func() {
		if err := s.pipeline.ProcessTranscript(context.Background(), chunk); err != nil {
			s.logger.Error("pipeline failed",
				zap.String("session_id", chunk.SessionID), zap.Error(err))
		}
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleListTasks(c echo.Context) error {
	statuses := []store.TaskStatus{
		store.StatusUpcoming, store.StatusOngoing, store.StatusPendingApproval,
		store.StatusNeedsInput, store.StatusCompleted, store.StatusFiltered,
	}
	if raw := c.QueryParam("status"); raw != "" {
		st := store.TaskStatus(raw)
		if err := st.Validate(); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		statuses = []store.TaskStatus{st}
	}
	tasks, err := s.tasks.ListTasksByStatus(c.Request().Context(), statuses...)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []*store.Task{}
	}
	return c.JSON(http.StatusOK, tasks)
}

func (s *Server) handleGetTask(c echo.Context) error {
	task, err := s.tasks.GetTask(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

type taskUpdateRequest struct {
	Title           *string   `json:"title"`
	Prompt          *string   `json:"prompt"`
	Workflow        *string   `json:"workflow"`
	PendingQuestion *string   `json:"pending_question"`
	AttachmentPaths *[]string `json:"attachment_paths"`
	Mode            *string   `json:"mode"`
}

func (s *Server) handleUpdateTask(c echo.Context) error {
	var req taskUpdateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	if req.Mode != nil {
		mode := store.TaskMode(*req.Mode)
		if mode != store.ModeAuto && mode != store.ModeAsk && mode != store.ModeUser {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid mode")
		}
		if err := s.tasks.UpdateTaskMode(ctx, id, mode); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return echo.NewHTTPError(http.StatusNotFound, "task not found")
			}
			return err
		}
	}

	err := s.tasks.UpdateTask(ctx, id, store.TaskUpdate{
		Title:           req.Title,
		Prompt:          req.Prompt,
		Workflow:        req.Workflow,
		PendingQuestion: req.PendingQuestion,
		AttachmentPaths: req.AttachmentPaths,
	})
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err != nil {
		return err
	}

	task, err := s.tasks.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

func (s *Server) handleSteps(c echo.Context) error {
	if _, err := s.tasks.GetTask(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		return err
	}
	steps, err := s.tasks.StepsByTask(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if steps == nil {
		steps = []store.Step{}
	}
	return c.JSON(http.StatusOK, steps)
}

// handleAccept re-enters execution in the background; execution blocks
// for the lifetime of the agent session.
func (s *Server) handleAccept(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.tasks.GetTask(c.Request().Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "task not found")
		}
		return err
	}
	go func() {
		if err := s.pipeline.ExecuteAcceptedTask(context.Background(), id); err != nil {
			s.logger.Error("accepted task failed", zap.String("task_id", id), zap.Error(err))
		}
	}()
	return c.JSON(http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleDismiss(c echo.Context) error {
	err := s.pipeline.DismissTask(c.Request().Context(), c.Param("id"))
	if errors.Is(err, store.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "filtered"})
}

type messageRequest struct {
	Text            string   `json:"text"`
	AttachmentPaths []string `json:"attachment_paths"`
}

func (s *Server) handleMessage(c echo.Context) error {
	var req messageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	if err := s.pipeline.SendMessageToTask(c.Request().Context(),
		c.Param("id"), req.Text, req.AttachmentPaths); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) handleStop(c echo.Context) error {
	s.pipeline.StopTaskSession(c.Param("id"))
	return c.JSON(http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleSearch(c echo.Context) error {
	if s.searcher == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "search is disabled")
	}
	query := c.QueryParam("q")
	if query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}
	results, err := s.searcher.Search(c.Request().Context(), query, limit)
	if err != nil {
		return err
	}
	if results == nil {
		results = []search.Result{}
	}
	return c.JSON(http.StatusOK, results)
}

// handleEvents streams bus events as server-sent events until the
// client disconnects.
func (s *Server) handleEvents(c echo.Context) error {
	if s.bus == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "events are disabled")
	}
	pipelineEvents, cancelPipeline := s.bus.Subscribe(bus.TopicPipelineUpdated)
	defer cancelPipeline()
	stepEvents, cancelSteps := s.bus.Subscribe(bus.TopicStepUpdated)
	defer cancelSteps()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	write := func(ev bus.Event) error {
		payload, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		w.Flush()
		return nil
	}

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-pipelineEvents:
			if err := write(ev); err != nil {
				return nil
			}
		case ev := <-stepEvents:
			if err := write(ev); err != nil {
				return nil
			}
		}
	}
}
