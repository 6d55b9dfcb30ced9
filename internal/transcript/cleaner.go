// Package transcript merges raw utterance chunks and normalizes them
// into cleaned transcripts ready for analysis.
package transcript

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmc/langchaingo/llms"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sameeeeeeep/autoclawd-sub000/internal/store"
)

// Chunk is one raw utterance fragment as delivered by the capture layer.
type Chunk struct {
	ID        string
	SessionID string
	Sequence  int
	Text      string
	Speaker   string
	Duration  time.Duration
}

// Store is the persistence surface the cleaner needs.
type Store interface {
	InsertTranscript(ctx context.Context, t *store.CleanedTranscript) error
}

// Indexer receives cleaned transcripts for semantic search. Optional.
type Indexer interface {
	IndexTranscript(ctx context.Context, t *store.CleanedTranscript) error
}

const cleanupPrompt = `Clean up this voice transcript. Fix transcription errors,
remove filler words and false starts, and restore punctuation. Preserve the
speaker's meaning exactly. Reply with only the cleaned text.

Transcript:
%s`

// Cleaner merges chunks that belong to one utterance session and runs
// the merged text through an LLM cleanup pass.
type Cleaner struct {
	store    Store
	llm      llms.Model
	limiter  *rate.Limiter
	indexer  Indexer
	logger   *zap.Logger
	debounce time.Duration
	minLen   int

	// sleep is replaceable in tests.
	sleep func(time.Duration)

	mu      sync.Mutex
	pending map[string][]Chunk
}

// Options configures a Cleaner.
type Options struct {
	Store             Store
	LLM               llms.Model
	Indexer           Indexer
	Logger            *zap.Logger
	DebounceWindow    time.Duration
	MinCleanedLength  int
	RequestsPerMinute int
}

// NewCleaner builds a cleaner. Indexer may be nil.
func NewCleaner(opts Options) *Cleaner {
	return &Cleaner{
		store:    opts.Store,
		llm:      opts.LLM,
		limiter:  rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), 1),
		indexer:  opts.Indexer,
		logger:   opts.Logger,
		debounce: opts.DebounceWindow,
		minLen:   opts.MinCleanedLength,
		sleep:    time.Sleep,
		pending:  make(map[string][]Chunk),
	}
}

// Process buffers the chunk, waits out the debounce window, and if no
// later chunk for the same session arrived in the meantime, merges the
// buffered chunks, cleans the merged text, and persists the result.
// Every sessioned chunk waits, including a burst's first: merging
// sequence zero immediately would split a burst whose continuation
// arrives within the window. Only sessionless chunks skip the wait.
// A nil transcript with nil error means a later writer superseded this
// call and will produce the merged transcript instead.
func (c *Cleaner) Process(ctx context.Context, chunk Chunk) (*store.CleanedTranscript, error) {
	if chunk.ID == "" {
		chunk.ID = uuid.New().String()
	}

	// Without an utterance session there is nothing to merge with.
	if chunk.SessionID == "" {
		return c.finish(ctx, chunk, []Chunk{chunk})
	}

	c.mu.Lock()
	c.pending[chunk.SessionID] = append(c.pending[chunk.SessionID], chunk)
	c.mu.Unlock()

	c.sleep(c.debounce)

	c.mu.Lock()
	buf := c.pending[chunk.SessionID]
	if !isLastWriter(buf, chunk) {
		c.mu.Unlock()
		c.logger.Debug("chunk superseded by later writer",
			zap.String("session_id", chunk.SessionID),
			zap.Int("sequence", chunk.Sequence))
		return nil, nil
	}
	delete(c.pending, chunk.SessionID)
	c.mu.Unlock()

	return c.finish(ctx, chunk, buf)
}

// finish merges the buffered chunks, runs cleanup, and persists the
// result.
func (c *Cleaner) finish(ctx context.Context, chunk Chunk, buf []Chunk) (*store.CleanedTranscript, error) {
	merged := mergeChunks(buf)
	cleaned := c.clean(ctx, merged.Text)
	if strings.TrimSpace(cleaned) == "" {
		c.logger.Warn("empty transcript after cleanup fallback, dropping",
			zap.String("session_id", chunk.SessionID))
		return nil, nil
	}

	t := &store.CleanedTranscript{
		ID:                 uuid.New().String(),
		UtteranceSessionID: chunk.SessionID,
		SourceChunkIDs:     merged.ChunkIDs,
		SourceChunkCount:   len(merged.ChunkIDs),
		IsContinued:        len(merged.ChunkIDs) > 1,
		Text:               cleaned,
		Speaker:            merged.Speaker,
		Duration:           merged.Duration,
		CreatedAt:          time.Now().UTC(),
	}
	if err := c.store.InsertTranscript(ctx, t); err != nil {
		return nil, fmt.Errorf("persisting transcript: %w", err)
	}

	if c.indexer != nil {
		if err := c.indexer.IndexTranscript(ctx, t); err != nil {
			c.logger.Warn("transcript indexing failed",
				zap.String("transcript_id", t.ID), zap.Error(err))
		}
	}
	return t, nil
}

// isLastWriter reports whether chunk is the winning writer for its
// session: no buffered chunk carries a higher sequence, and among equal
// sequences the latest arrival wins.
func isLastWriter(buf []Chunk, chunk Chunk) bool {
	winner := -1
	for i, b := range buf {
		if winner < 0 || b.Sequence >= buf[winner].Sequence {
			winner = i
		}
	}
	return winner >= 0 && buf[winner].ID == chunk.ID
}

type mergedChunks struct {
	Text     string
	ChunkIDs []string
	Speaker  string
	Duration time.Duration
}

// mergeChunks joins buffered chunks in sequence order. The sort is
// stable so equal sequences keep arrival order.
func mergeChunks(buf []Chunk) mergedChunks {
	sorted := make([]Chunk, len(buf))
	copy(sorted, buf)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})

	var m mergedChunks
	parts := make([]string, 0, len(sorted))
	for _, ch := range sorted {
		parts = append(parts, strings.TrimSpace(ch.Text))
		m.ChunkIDs = append(m.ChunkIDs, ch.ID)
		m.Duration += ch.Duration
		// Earliest speaker represents the merged transcript.
		if m.Speaker == "" {
			m.Speaker = ch.Speaker
		}
	}
	m.Text = strings.Join(parts, " ")
	return m
}

// clean runs the LLM cleanup pass, falling back to the raw text when
// the call fails or the output is implausibly short.
func (c *Cleaner) clean(ctx context.Context, raw string) string {
	if err := c.limiter.Wait(ctx); err != nil {
		c.logger.Warn("rate limiter interrupted, using raw text", zap.Error(err))
		return raw
	}

	out, err := llms.GenerateFromSinglePrompt(ctx, c.llm, fmt.Sprintf(cleanupPrompt, raw))
	if err != nil {
		c.logger.Warn("transcript cleanup failed, using raw text", zap.Error(err))
		return raw
	}
	out = strings.TrimSpace(out)
	if len(out) < c.minLen {
		c.logger.Warn("cleanup output too short, using raw text",
			zap.Int("length", len(out)))
		return raw
	}
	return out
}
