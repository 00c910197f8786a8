// Package core wires the memory subsystem together and exposes its public
// operations: Ingest, Recall, BuildWorkingSet, Expand, Feedback, plus the
// embedding backfill and workspace stats. Every operation is scoped to a
// workspace and carries a context; operations without a caller deadline get
// the configured default.
package core

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"contextmem/internal/config"
	"contextmem/internal/consolidate"
	"contextmem/internal/embedding"
	"contextmem/internal/extract"
	"contextmem/internal/rank"
	"contextmem/internal/redact"
	"contextmem/internal/store"
	"contextmem/internal/vector"
	"contextmem/internal/workingset"
)

// Core is the assembled context memory subsystem.
type Core struct {
	cfg    config.Config
	logger *zap.Logger

	store       *store.Store
	index       *vector.Index
	gateway     *embedding.Gateway
	redactor    *redact.Redactor
	extractor   *extract.Extractor
	consolidate *consolidate.Consolidator
	ranker      *rank.Ranker
	builder     *workingset.Builder
}

// New assembles a core from configuration.
func New(cfg config.Config, logger *zap.Logger) (*Core, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("core")

	if err := cfg.Validate(); err != nil {
		return nil, invalidf("%v", err)
	}

	s, err := store.Open(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	engine, err := embedding.NewEngine(cfg.Embedding)
	if err != nil {
		s.Close()
		return nil, err
	}
	gateway := embedding.NewGateway(engine, cfg.Embedding, logger)

	extraPatterns := make(map[string]string, len(cfg.Redaction.Patterns))
	order := make([]string, 0, len(cfg.Redaction.Patterns))
	for _, p := range cfg.Redaction.Patterns {
		extraPatterns[p.Name] = p.Regex
		order = append(order, p.Name)
	}
	redactor, err := redact.NewDefault(extraPatterns, order)
	if err != nil {
		s.Close()
		return nil, invalidf("redaction patterns: %v", err)
	}

	index := vector.NewIndex(s.DB(), cfg.VectorIndex, logger)
	return &Core{
		cfg:         cfg,
		logger:      logger,
		store:       s,
		index:       index,
		gateway:     gateway,
		redactor:    redactor,
		extractor:   extract.New(),
		consolidate: consolidate.New(s, index, gateway, cfg.Consolidation, logger),
		ranker:      rank.New(s, index, gateway, cfg.Rank, logger),
		builder:     workingset.New(s, cfg.WorkingSet, logger),
	}, nil
}

// Close releases the underlying storage.
func (c *Core) Close() error {
	return c.store.Close()
}

// Stats returns per-table and per-kind counts for the workspace.
func (c *Core) Stats(ctx context.Context, workspace string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}
	return c.store.Stats(workspace)
}

// withDeadline applies the configured default deadline when the caller
// supplied none.
func withDeadline(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

// mapStoreErr translates storage sentinels into the public taxonomy.
func mapStoreErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return errors.Join(ErrNotFound, err)
	case errors.Is(err, store.ErrConflict):
		return errors.Join(ErrConflict, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errors.Join(ErrCancelled, err)
	default:
		return err
	}
}
