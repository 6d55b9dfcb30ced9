package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"github.com/sameeeeeeep/autoclawd-sub000/internal/agent"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/analysis"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/bus"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/config"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/execution"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/httpapi"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/ingest"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/logging"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/metrics"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/pipeline"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/project"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/search"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/store"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/taskgen"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/transcript"
	"github.com/sameeeeeeep/autoclawd-sub000/internal/update"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the autoclawd daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe()
		},
	}
}

func runServe() error {
	cfg, err := config.LoadFile(cfgFile)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	st, err := store.Open(cfg.Store.Path, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	projects := make([]project.Project, 0, len(cfg.Projects))
	hints := make([]string, 0, len(cfg.Projects))
	for _, p := range cfg.Projects {
		projects = append(projects, project.Project{ID: p.ID, Name: p.Name, Path: p.Path})
		hints = append(hints, fmt.Sprintf("%s (%s): %s", p.ID, p.Name, p.Path))
	}
	if err := project.Validate(projects); err != nil {
		logger.Warn("project validation", zap.Error(err))
	}
	resolver := project.NewResolver(projects, logger)

	llm, err := anthropic.New(anthropic.WithModel(cfg.LLM.Model))
	if err != nil {
		return fmt.Errorf("initializing model client: %w", err)
	}

	var indexer transcript.Indexer
	var searcher httpapi.Searcher
	if cfg.Search.Enabled {
		embedClient, err := openai.New()
		if err != nil {
			return fmt.Errorf("initializing embedding client: %w", err)
		}
		embedder, err := embeddings.NewEmbedder(embedClient)
		if err != nil {
			return fmt.Errorf("initializing embedder: %w", err)
		}
		idx, err := search.New(filepath.Join(filepath.Dir(cfg.Store.Path), "index"), embedder, logger)
		if err != nil {
			return err
		}
		indexer = idx
		searcher = idx
	}

	eventBus := bus.New(logger)
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	cleaner := transcript.NewCleaner(transcript.Options{
		Store:             st,
		LLM:               llm,
		Indexer:           indexer,
		Logger:            logger,
		DebounceWindow:    cfg.Pipeline.DebounceWindow.Duration(),
		MinCleanedLength:  cfg.Pipeline.MinCleanedLength,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	})
	analyzer := analysis.NewLLMAnalyzer(llm, cfg.LLM.RequestsPerMinute, hints, logger)
	creator := taskgen.NewLLMCreator(llm, cfg.LLM.RequestsPerMinute,
		cfg.Pipeline.Workflows, cfg.Pipeline.DefaultWorkflow, logger)

	executor := execution.NewService(execution.Options{
		Store:             st,
		Launcher:          agent.NewCLILauncher(cfg.Agent.Command, cfg.Agent.Args, logger),
		Resolver:          resolver,
		Rebuilder:         update.NewRebuilder(logger),
		Bus:               eventBus,
		Logger:            logger,
		Workflows:         cfg.Pipeline.Workflows,
		DefaultWorkflow:   cfg.Pipeline.DefaultWorkflow,
		TextFlushInterval: cfg.Pipeline.TextFlushInterval.Duration(),
	})

	orch := pipeline.New(pipeline.Options{
		Cleaner:  cleaner,
		Analyzer: analyzer,
		Creator:  creator,
		Executor: executor,
		Store:    st,
		Bus:      eventBus,
		Metrics:  m,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := ingest.NewWatcher(cfg.Ingest.SpoolDir, orch, logger)
	go func() {
		if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("spool watcher exited", zap.Error(err))
		}
	}()

	srv := httpapi.New(httpapi.Options{
		Pipeline: orch,
		Tasks:    st,
		Searcher: searcher,
		Bus:      eventBus,
		Registry: registry,
		Logger:   logger,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start(cfg.HTTP.Addr) }()
	logger.Info("autoclawd listening",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("store", cfg.Store.Path),
		zap.Bool("search", cfg.Search.Enabled))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return srv.Shutdown(shutdownCtx)
}
