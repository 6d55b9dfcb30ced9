package analysis

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"

	"github.com/sameeeeeeep/autoclawd-sub000/internal/store"
)

type fakeLLM struct {
	reply string
	err   error
}

func (f *fakeLLM) GenerateContent(ctx context.Context, msgs []llms.MessageContent, opts ...llms.CallOption) (*llms.ContentResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: f.reply}},
	}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return f.reply, f.err
}

func analyze(t *testing.T, reply string) (*store.Analysis, error) {
	t.Helper()
	a := NewLLMAnalyzer(&fakeLLM{reply: reply}, 6000, []string{"p1 autoclawd"}, zap.NewNop())
	return a.Analyze(context.Background(), &store.CleanedTranscript{ID: "t1", Text: "fix the flaky test"})
}

func TestAnalyzeActionable(t *testing.T) {
	got, err := analyze(t, `{"actionable":true,"tags":["bug"],"project_id":"p1","summary":"Fix flaky test","priority":"high"}`)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.TranscriptID)
	assert.Equal(t, []string{"bug"}, got.Tags)
	assert.Equal(t, "p1", got.ProjectID)
	assert.Equal(t, "high", got.Priority)
	assert.NotEmpty(t, got.ID)
}

func TestAnalyzeNotActionableReturnsNil(t *testing.T) {
	got, err := analyze(t, `{"actionable":false}`)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestAnalyzeStripsFences(t *testing.T) {
	got, err := analyze(t, "```json\n{\"actionable\":true,\"summary\":\"x\"}\n```")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "x", got.Summary)
}

func TestAnalyzeUnknownPriorityDefaultsMedium(t *testing.T) {
	got, err := analyze(t, `{"actionable":true,"priority":"urgent!!"}`)
	require.NoError(t, err)
	assert.Equal(t, "medium", got.Priority)
}

func TestAnalyzeModelErrorPropagates(t *testing.T) {
	a := NewLLMAnalyzer(&fakeLLM{err: errors.New("down")}, 6000, nil, zap.NewNop())
	_, err := a.Analyze(context.Background(), &store.CleanedTranscript{ID: "t1"})
	assert.Error(t, err)
}

func TestAnalyzeGarbageResponseErrors(t *testing.T) {
	_, err := analyze(t, "sure thing, here you go")
	assert.Error(t, err)
}
