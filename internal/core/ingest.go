package core

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"contextmem/internal/consolidate"
	"contextmem/internal/item"
)

// Materials is the raw input to one ingestion call. At least one field must
// be non-empty.
type Materials struct {
	Chat  string
	Diffs string
	Logs  string
}

// IngestResult reports what one ingestion call persisted.
type IngestResult struct {
	// ArtifactIDs lists the artifacts created, one per supplied material.
	ArtifactIDs []string
	// Created lists newly persisted item ids in extraction order.
	Created []string
	// Updated lists existing items reinforced by duplicates.
	Updated []string
	// Rejected lists candidates that could not be persisted.
	Rejected []consolidate.Rejection
}

// Ingest redacts and stores the materials as artifacts, extracts candidate
// items, and consolidates them against existing memory. On cancellation the
// partial result is returned alongside ErrCancelled: everything persisted
// before the cutoff stays persisted.
func (c *Core) Ingest(ctx context.Context, workspace, thread string, m Materials) (*IngestResult, error) {
	if workspace == "" || thread == "" {
		return nil, invalidf("workspace and thread are required")
	}
	if m.Chat == "" && m.Diffs == "" && m.Logs == "" {
		return nil, invalidf("at least one material (chat, diffs, logs) is required")
	}

	ctx, cancel := withDeadline(ctx, c.cfg.Timeouts.Ingest)
	defer cancel()

	res := &IngestResult{}
	var candidates []item.Candidate

	materials := []struct {
		body string
		ct   item.ContentType
	}{
		{m.Chat, item.ContentChat},
		{m.Diffs, item.ContentDiff},
		{m.Logs, item.ContentLogs},
	}
	for _, mat := range materials {
		if mat.body == "" {
			continue
		}
		// Redaction happens before anything touches storage, so the raw
		// values never persist and the content hashes cover redacted text.
		artifact := &item.Artifact{
			Workspace:   workspace,
			Thread:      thread,
			ContentType: mat.ct,
			Body:        c.redactor.Redact(mat.body),
		}
		if err := c.store.CreateArtifact(artifact); err != nil {
			return res, mapStoreErr(err)
		}
		res.ArtifactIDs = append(res.ArtifactIDs, artifact.ID)
		candidates = append(candidates, c.extractor.Extract(artifact)...)
	}

	cres, err := c.consolidate.Consolidate(ctx, workspace, thread, candidates)
	if cres != nil {
		res.Created = cres.Created
		res.Updated = cres.Updated
		res.Rejected = cres.Rejected
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return res, errors.Join(ErrCancelled, err)
		}
		return res, err
	}

	c.logger.Info("ingestion complete",
		zap.String("workspace", workspace),
		zap.String("thread", thread),
		zap.Int("artifacts", len(res.ArtifactIDs)),
		zap.Int("created", len(res.Created)),
		zap.Int("updated", len(res.Updated)),
		zap.Int("rejected", len(res.Rejected)))
	return res, nil
}

// BackfillEmbeddings embeds up to limit items that persisted without a
// vector during a provider outage and writes them into the index. Returns
// the number of items resolved.
func (c *Core) BackfillEmbeddings(ctx context.Context, workspace string, limit int) (int, error) {
	if limit <= 0 {
		limit = 64
	}
	pending, err := c.store.ListPending(workspace, limit)
	if err != nil {
		return 0, mapStoreErr(err)
	}
	if len(pending) == 0 {
		return 0, nil
	}

	texts := make([]string, len(pending))
	for i, it := range pending {
		texts[i] = it.Summary
	}
	vecs, err := c.gateway.Embed(ctx, texts)
	if err != nil {
		return 0, errors.Join(ErrTransient, err)
	}

	resolved := 0
	model := c.gateway.ModelID()
	for i, it := range pending {
		if vecs[i] == nil {
			continue
		}
		if err := c.index.Upsert(workspace, it.ID, model, vecs[i]); err != nil {
			c.logger.Warn("backfill upsert failed", zap.String("id", it.ID), zap.Error(err))
			continue
		}
		if _, err := c.store.UpdateItem(workspace, it.ID, item.Mutation{EmbeddingModel: &model}); err != nil {
			c.logger.Warn("backfill model stamp failed", zap.String("id", it.ID), zap.Error(err))
			continue
		}
		resolved++
	}
	return resolved, nil
}
