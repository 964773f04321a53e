// Package system assembles the shared components of a running classifier
// process. Commands build one Services value at startup and tear it down on
// exit; nothing here is a singleton.
package system

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"classifica/internal/config"
	"classifica/internal/embedding"
	"classifica/internal/llm"
	"classifica/internal/logging"
	"classifica/internal/orchestrator"
	"classifica/internal/retrieval"
	"classifica/internal/review"
	"classifica/internal/store"
)

// Services holds every long-lived component a command may need.
type Services struct {
	Config       config.Config
	Store        *store.KnowledgeStore
	Engine       embedding.Engine
	Index        *retrieval.Index
	LLM          llm.Client
	Review       *review.Service
	Orchestrator *orchestrator.Orchestrator

	logger *zap.Logger
}

// Options trims startup for commands that do not need the full stack.
type Options struct {
	// SkipModel skips the chat and embedding backends. Ingest and review
	// commands work against the store alone.
	SkipModel bool
	// SkipIndex skips the initial index build.
	SkipIndex bool
}

// Build opens the store and wires the components per opts.
func Build(ctx context.Context, cfg config.Config, opts Options) (*Services, error) {
	logger := logging.For("system")

	s, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("system: open store: %w", err)
	}

	svcs := &Services{
		Config: cfg,
		Store:  s,
		Review: review.New(s, cfg.Review.WrapLetter, cfg.Review.PendingLimit),
		logger: logger,
	}

	if !opts.SkipModel {
		engine, err := embedding.NewEngine(ctx, cfg.Embedding)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("system: embedding engine: %w", err)
		}
		svcs.Engine = engine

		// llm.New already wraps the backend with retries.
		client, err := llm.New(cfg.LLM)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("system: llm client: %w", err)
		}
		svcs.LLM = client

		svcs.Index = retrieval.NewIndex(s, engine)
		if !opts.SkipIndex {
			if err := svcs.Index.Rebuild(ctx); err != nil {
				s.Close()
				return nil, fmt.Errorf("system: build index: %w", err)
			}
		}
		svcs.Orchestrator = orchestrator.New(s, svcs.Index, svcs.LLM, cfg)
	}

	logger.Info("services ready",
		zap.String("db", cfg.Store.Path),
		zap.Bool("model", !opts.SkipModel))
	return svcs, nil
}

// Close releases every held resource.
func (s *Services) Close() error {
	if s.Store != nil {
		return s.Store.Close()
	}
	return nil
}
