// Package analysis classifies cleaned transcripts, deciding whether a
// transcript contains actionable engineering intent and extracting
// structured fields when it does.
package analysis

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

// Analyzer extracts an analysis from a cleaned transcript. A nil
// analysis with nil error means the transcript is not actionable.
type Analyzer interface {
	Analyze(ctx context.Context, t *store.CleanedTranscript) (*store.Analysis, error)
}

const analysisPrompt = `You triage voice transcripts from an engineer thinking out
loud. Decide whether the transcript contains an actionable engineering request
(a bug to fix, a feature to build, a command to run, a question to research).

Known projects:
%s

Reply with a single JSON object, no prose:
{"actionable": bool, "tags": [string], "project_id": string, "project_name": string,
 "summary": string, "priority": "low"|"medium"|"high"}

Set actionable to false for idle chatter, meeting noise, or vague musing.

Transcript:
%s`

// LLMAnalyzer implements Analyzer against a language model.
type LLMAnalyzer struct {
	llm      llms.Model
	limiter  *rate.Limiter
	logger   *zap.Logger
	projects []string
}

// NewLLMAnalyzer builds an analyzer. projectHints lists the known
// project ids and names shown to the model.
func NewLLMAnalyzer(llm llms.Model, requestsPerMinute int, projectHints []string, logger *zap.Logger) *LLMAnalyzer {
	return &LLMAnalyzer{
		llm:      llm,
		limiter:  rate.NewLimiter(rate.Limit(float64(requestsPerMinute)/60.0), 1),
		logger:   logger,
		projects: projectHints,
	}
}

type analysisResponse struct {
	Actionable  bool     `json:"actionable"`
	Tags        []string `json:"tags"`
	ProjectID   string   `json:"project_id"`
	ProjectName string   `json:"project_name"`
	Summary     string   `json:"summary"`
	Priority    string   `json:"priority"`
}

// Analyze runs the classification pass. Model failures are returned as
// errors; the caller decides whether to drop or retry the transcript.
func (a *LLMAnalyzer) Analyze(ctx context.Context, t *store.CleanedTranscript) (*store.Analysis, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	hints := "(none configured)"
	if len(a.projects) > 0 {
		hints = strings.Join(a.projects, "\n")
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, a.llm,
		fmt.Sprintf(analysisPrompt, hints, t.Text))
	if err != nil {
		return nil, fmt.Errorf("analysis call: %w", err)
	}

	var resp analysisResponse
	if err := json.Unmarshal([]byte(extractJSON(out)), &resp); err != nil {
		return nil, fmt.Errorf("parsing analysis response: %w", err)
	}
	if !resp.Actionable {
		a.logger.Debug("transcript not actionable", zap.String("transcript_id", t.ID))
		return nil, nil
	}

	return &store.Analysis{
		ID:           uuid.New().String(),
		TranscriptID: t.ID,
		Tags:         resp.Tags,
		ProjectID:    resp.ProjectID,
		ProjectName:  resp.ProjectName,
		Summary:      resp.Summary,
		Priority:     normalizePriority(resp.Priority),
		CreatedAt:    time.Now().UTC(),
	}, nil
}

// extractJSON strips markdown fences and surrounding prose models
// sometimes wrap around JSON output.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, "{"); i >= 0 {
		if j := strings.LastIndex(s, "}"); j > i {
			return s[i : j+1]
		}
	}
	return s
}

func normalizePriority(p string) string {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "low":
		return "low"
	case "high":
		return "high"
	default:
		return "medium"
	}
}
