// Package ingest feeds transcript chunks into the pipeline from a spool
// directory, so capture tools can hand off chunks by dropping files.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/sameeeeeeep/autoclawd-sub000/internal/transcript"
)

// Pipeline consumes chunks. Satisfied by the orchestrator.
type Pipeline interface {
	ProcessTranscript(ctx context.Context, chunk transcript.Chunk) error
}

// chunkFile is the on-disk spool format.
type chunkFile struct {
	ChunkID    string `json:"chunk_id"`
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	Text       string `json:"text"`
	Speaker    string `json:"speaker"`
	DurationMS int64  `json:"duration_ms"`
}

// Watcher tails a spool directory for chunk files.
type Watcher struct {
	dir      string
	pipeline Pipeline
	logger   *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewWatcher(dir string, pipeline Pipeline, logger *zap.Logger) *Watcher {
	return &Watcher{
		dir:      dir,
		pipeline: pipeline,
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Run watches the spool directory until ctx is cancelled. Files already
// present at startup are drained first.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating spool dir: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching spool dir: %w", err)
	}

	w.drain(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				w.consume(ctx, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("spool watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) drain(ctx context.Context) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warn("reading spool dir", zap.Error(err))
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			w.consume(ctx, filepath.Join(w.dir, e.Name()))
		}
	}
}

// consume parses and removes a spool file, then runs the pipeline in
// the background. Partial writes parse as garbage and are retried on
// the writer's next event.
func (w *Watcher) consume(ctx context.Context, path string) {
	if !strings.HasSuffix(path, ".json") {
		return
	}

	w.mu.Lock()
	if _, busy := w.inflight[path]; busy {
		w.mu.Unlock()
		return
	}
	w.inflight[path] = struct{}{}
	w.mu.Unlock()

	defer func() {
		w.mu.Lock()
		delete(w.inflight, path)
		w.mu.Unlock()
	}()

	raw, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var cf chunkFile
	if err := json.Unmarshal(raw, &cf); err != nil {
		w.logger.Debug("spool file not yet complete", zap.String("path", path))
		return
	}
	if cf.Text == "" {
		w.logger.Warn("discarding spool file without text", zap.String("path", path))
		_ = os.Remove(path)
		return
	}
	if err := os.Remove(path); err != nil {
		w.logger.Warn("removing spool file", zap.String("path", path), zap.Error(err))
	}

	chunk := transcript.Chunk{
		ID:        cf.ChunkID,
		SessionID: cf.SessionID,
		Sequence:  cf.Sequence,
		Text:      cf.Text,
		Speaker:   cf.Speaker,
		Duration:  time.Duration(cf.DurationMS) * time.Millisecond,
	}
	go func() {
		if err := w.pipeline.ProcessTranscript(ctx, chunk); err != nil {
			w.logger.Error("pipeline failed for spooled chunk",
				zap.String("session_id", chunk.SessionID), zap.Error(err))
		}
	}()
}
