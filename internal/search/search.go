// Package search maintains a local vector index of cleaned transcripts
// for semantic lookup.
package search

import (
	"context"
	"fmt"
	"time"

	chromem "github.com/philippgille/chromem-go"
	"github.com/tmc/langchaingo/embeddings"
	"go.uber.org/zap"

	"github.com/sameeeeeeep/autoclawd-sub000/internal/store"
)

const collectionName = "transcripts"

// Result is one semantic search hit.
type Result struct {
	TranscriptID string  `json:"transcript_id"`
	Text         string  `json:"text"`
	Speaker      string  `json:"speaker,omitempty"`
	Similarity   float32 `json:"similarity"`
}

// Index is a persistent embedding index of cleaned transcripts.
type Index struct {
	coll   *chromem.Collection
	logger *zap.Logger
}

// New opens (or creates) the index at path. An empty path keeps the
// index in memory, which tests use.
func New(path string, embedder embeddings.Embedder, logger *zap.Logger) (*Index, error) {
	var db *chromem.DB
	var err error
	if path == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("opening vector index: %w", err)
		}
	}

	embed := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.EmbedQuery(ctx, text)
	}
	coll, err := db.GetOrCreateCollection(collectionName, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("opening collection: %w", err)
	}
	return &Index{coll: coll, logger: logger}, nil
}

// IndexTranscript adds a cleaned transcript to the index.
func (i *Index) IndexTranscript(ctx context.Context, t *store.CleanedTranscript) error {
	err := i.coll.AddDocument(ctx, chromem.Document{
		ID:      t.ID,
		Content: t.Text,
		Metadata: map[string]string{
			"speaker":    t.Speaker,
			"created_at": t.CreatedAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("indexing transcript: %w", err)
	}
	return nil
}

// Search returns up to limit transcripts semantically close to query,
// best match first.
func (i *Index) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	n := i.coll.Count()
	if n == 0 {
		return nil, nil
	}
	if limit <= 0 || limit > n {
		limit = n
	}

	hits, err := i.coll.Query(ctx, query, limit, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			TranscriptID: h.ID,
			Text:         h.Content,
			Speaker:      h.Metadata["speaker"],
			Similarity:   h.Similarity,
		})
	}
	return results, nil
}
