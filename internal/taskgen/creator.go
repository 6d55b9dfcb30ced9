// Package taskgen turns analyses into executable task records.
package taskgen

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sameeeeeeep/autoclawd-sub000/internal/store"
)

// Creator produces zero or more tasks from an analysis and the
// transcript it came from. attachmentPaths are context captures taken
// alongside the utterance; every created task carries them.
type Creator interface {
	Create(ctx context.Context, t *store.CleanedTranscript, a *store.Analysis, attachmentPaths []string) ([]*store.Task, error)
}

const creationPrompt = `Turn this analyzed voice transcript into concrete
engineering tasks. Each task needs a short imperative title and a detailed
prompt a coding agent can execute without further context.

Available workflows: %s

Reply with a JSON array, no prose:
[{"title": string, "prompt": string, "workflow": string,
  "mode": "auto"|"ask"}]

Use mode "ask" for destructive or irreversible work, "auto" otherwise.
Return [] when no concrete task can be formed.

Summary: %s
Transcript:
%s`

// LLMCreator implements Creator against a language model.
type LLMCreator struct {
	llm             llms.Model
	limiter         *rate.Limiter
	logger          *zap.Logger
	workflows       []string
	defaultWorkflow string
}

func NewLLMCreator(llm llms.Model, requestsPerMinute int, workflows []string, defaultWorkflow string, logger *zap.Logger) *LLMCreator {
	return &LLMCreator{
		llm:             llm,
		limiter:         rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1),
		logger:          logger,
		workflows:       workflows,
		defaultWorkflow: defaultWorkflow,
	}
}

type taskResponse struct {
	Title    string `json:"title"`
	Prompt   string `json:"prompt"`
	Workflow string `json:"workflow"`
	Mode     string `json:"mode"`
}

// Create runs the task generation pass. Project fields are inherited
// from the analysis; tasks come back in creation order, status upcoming.
func (c *LLMCreator) Create(ctx context.Context, t *store.CleanedTranscript, a *store.Analysis, attachmentPaths []string) ([]*store.Task, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, c.llm,
		fmt.Sprintf(creationPrompt, strings.Join(c.workflows, ", "), a.Summary, t.Text))
	if err != nil {
		return nil, fmt.Errorf("task creation call: %w", err)
	}

	var resp []taskResponse
	if err := json.Unmarshal([]byte(extractArray(out)), &resp); err != nil {
		return nil, fmt.Errorf("parsing task creation response: %w", err)
	}

	var tasks []*store.Task
	for _, r := range resp {
		if strings.TrimSpace(r.Title) == "" || strings.TrimSpace(r.Prompt) == "" {
			c.logger.Warn("skipping task with empty title or prompt",
				zap.String("analysis_id", a.ID))
			continue
		}
		tasks = append(tasks, &store.Task{
			ID:              uuid.New().String(),
			AnalysisID:      a.ID,
			Title:           strings.TrimSpace(r.Title),
			Prompt:          strings.TrimSpace(r.Prompt),
			ProjectID:       a.ProjectID,
			ProjectName:     a.ProjectName,
			Mode:            normalizeMode(r.Mode),
			Status:          store.StatusUpcoming,
			Workflow:        c.normalizeWorkflow(r.Workflow),
			AttachmentPaths: append([]string(nil), attachmentPaths...),
			CreatedAt:       time.Now().UTC(),
		})
	}
	return tasks, nil
}

func normalizeMode(m string) store.TaskMode {
	if strings.ToLower(strings.TrimSpace(m)) == "ask" {
		return store.ModeAsk
	}
	return store.ModeAuto
}

// normalizeWorkflow maps unknown workflow names to the default.
func (c *LLMCreator) normalizeWorkflow(w string) string {
	w = strings.ToLower(strings.TrimSpace(w))
	for _, known := range c.workflows {
		if w == strings.ToLower(known) {
			return known
		}
	}
	return c.defaultWorkflow
}

// extractArray strips markdown fences and prose around a JSON array.
func extractArray(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "["); i >= 0 {
		if j := strings.LastIndex(s, "]"); j > i {
			return s[i : j+1]
		}
	}
	return s
}
