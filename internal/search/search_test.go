package search

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sameeeeeeep/autoclawd-sub000/internal/store"
)

// hashEmbedder produces deterministic pseudo-embeddings keyed on word
// overlap, good enough to rank exact topic matches first.
type hashEmbedder struct{}

func (hashEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vec := make([]float32, 64)
	for _, w := range strings.Fields(strings.ToLower(text)) {
		h := 0
		for _, r := range w {
			h = h*31 + int(r)
		}
		vec[((h%64)+64)%64] += 1
	}
	return vec, nil
}

func (hashEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := hashEmbedder{}.EmbedQuery(ctx, t)
		out[i] = v
	}
	return out, nil
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := New("", hashEmbedder{}, zap.NewNop())
	require.NoError(t, err)
	return idx
}

func TestSearchEmptyIndex(t *testing.T) {
	idx := newTestIndex(t)
	hits, err := idx.Search(context.Background(), "anything", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndexAndSearch(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()

	transcripts := []*store.CleanedTranscript{
		{ID: "t1", Text: "fix the login timeout bug", Speaker: "sam", CreatedAt: time.Now()},
		{ID: "t2", Text: "plan the quarterly roadmap", CreatedAt: time.Now()},
	}
	for _, tr := range transcripts {
		require.NoError(t, idx.IndexTranscript(ctx, tr))
	}

	hits, err := idx.Search(ctx, "fix the login timeout bug", 1)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "t1", hits[0].TranscriptID)
	assert.Equal(t, "sam", hits[0].Speaker)
}

func TestSearchLimitClampedToSize(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.IndexTranscript(ctx, &store.CleanedTranscript{
		ID: "t1", Text: "only entry", CreatedAt: time.Now(),
	}))

	hits, err := idx.Search(ctx, "entry", 50)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}
