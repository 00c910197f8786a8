// Package consolidate deduplicates extracted candidates against existing
// memory. Candidates are processed strictly in extraction order so each one
// observes the effects of its predecessors within the same ingestion.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"contextmem/internal/config"
	"contextmem/internal/embedding"
	"contextmem/internal/item"
	"contextmem/internal/store"
	"contextmem/internal/vector"
)

// Result reports the outcome of one consolidation batch.
type Result struct {
	// Created lists items persisted for the first time, in candidate order.
	Created []string
	// Updated lists existing items whose usage count was incremented by
	// exact or near duplicates.
	Updated []string
	// Rejected lists candidates that could not be persisted, with reasons.
	Rejected []Rejection
}

// Rejection pairs a dropped candidate's summary with the reason.
type Rejection struct {
	Summary string
	Reason  string
}

// Consolidator runs textual and vector deduplication against the store.
type Consolidator struct {
	store   *store.Store
	index   *vector.Index
	gateway *embedding.Gateway
	cfg     config.ConsolidationConfig
	logger  *zap.Logger
}

// New builds a consolidator.
func New(s *store.Store, ix *vector.Index, g *embedding.Gateway, cfg config.ConsolidationConfig, logger *zap.Logger) *Consolidator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consolidator{store: s, index: ix, gateway: g, cfg: cfg, logger: logger.Named("consolidate")}
}

// Consolidate processes candidates sequentially. A failure on one candidate
// is recorded and skipped; it never aborts the batch. On context
// cancellation the partial result is returned: everything persisted so far
// stays persisted.
func (c *Consolidator) Consolidate(ctx context.Context, workspace, thread string, candidates []item.Candidate) (*Result, error) {
	res := &Result{}

	// One gateway call covers the whole batch; misses come back nil and the
	// matching items are persisted as embedding_pending.
	texts := make([]string, len(candidates))
	for i, cand := range candidates {
		texts[i] = cand.Summary
	}
	vecs, err := c.gateway.Embed(ctx, texts)
	if err != nil {
		c.logger.Warn("embedding unavailable for batch, persisting pending",
			zap.Int("candidates", len(candidates)), zap.Error(err))
		vecs = make([][]float32, len(candidates))
	}

	for i, cand := range candidates {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if err := c.consolidateOne(ctx, workspace, thread, cand, vecs[i], res); err != nil {
			c.logger.Warn("candidate skipped",
				zap.String("summary", cand.Summary), zap.Error(err))
			res.Rejected = append(res.Rejected, Rejection{Summary: cand.Summary, Reason: err.Error()})
		}
	}
	return res, nil
}

func (c *Consolidator) consolidateOne(ctx context.Context, workspace, thread string, cand item.Candidate, vec []float32, res *Result) error {
	hash := item.ContentHash(cand.Summary, cand.Body)

	// Exact duplicate by content hash.
	if c.cfg.ExactThreshold >= 1.0 {
		existing, err := c.store.FindByHash(workspace, hash)
		if err != nil {
			return fmt.Errorf("hash lookup: %w", err)
		}
		if len(existing) > 0 {
			canonical := existing[0]
			if _, err := c.store.UpdateItem(workspace, canonical.ID, item.Mutation{UsageIncrement: 1, TouchAccess: true}); err != nil {
				return fmt.Errorf("bump duplicate %s: %w", canonical.ID, err)
			}
			res.Updated = append(res.Updated, canonical.ID)
			return nil
		}
	}

	// Vector neighborhood, same kind only.
	var neighbors []scored
	if vec != nil {
		matches, err := c.index.Search(workspace, vec, c.gateway.ModelID(), c.cfg.NeighborLimit, item.Filter{
			Thread:       thread,
			IncludeKinds: []item.Kind{cand.Kind()},
		})
		if err != nil {
			return fmt.Errorf("neighbor search: %w", err)
		}
		for _, m := range matches {
			if m.Score < c.cfg.ReferThreshold {
				continue
			}
			it, err := c.store.GetItem(workspace, m.ID)
			if err != nil {
				continue
			}
			neighbors = append(neighbors, scored{item: it, score: m.Score})
		}
	}

	// Near-duplicate merge wins over everything else.
	for _, n := range neighbors {
		if n.score >= c.cfg.NearThreshold && n.item.Subtype == cand.Subtype {
			if err := c.merge(workspace, n.item, cand); err != nil {
				return fmt.Errorf("merge into %s: %w", n.item.ID, err)
			}
			res.Updated = append(res.Updated, n.item.ID)
			return nil
		}
	}

	// Survivors get persisted; links attach afterwards.
	created, err := c.persist(workspace, thread, cand, hash, vec)
	if err != nil {
		return err
	}
	res.Created = append(res.Created, created.ID)

	for _, n := range neighbors {
		linkType := item.LinkRefersTo
		if n.score >= c.cfg.SupersedeThreshold &&
			cand.Subtype == item.SubtypeDecision && n.item.Subtype == item.SubtypeDecision &&
			contradicts(cand.Summary, n.item.Summary) {
			linkType = item.LinkSupersedes
		}
		link := &item.Link{Workspace: workspace, From: created.ID, To: n.item.ID, Type: linkType}
		err := c.store.AddLink(link)
		if err != nil && linkType == item.LinkSupersedes && errors.Is(err, store.ErrConflict) {
			// The neighbor already has a superseder; keep the association
			// as a plain reference instead.
			linkType = item.LinkRefersTo
			link = &item.Link{Workspace: workspace, From: created.ID, To: n.item.ID, Type: linkType}
			err = c.store.AddLink(link)
		}
		if err != nil {
			c.logger.Warn("link skipped",
				zap.String("from", created.ID), zap.String("to", n.item.ID), zap.Error(err))
			continue
		}
		if linkType == item.LinkSupersedes {
			if _, err := c.store.UpdateItem(workspace, n.item.ID, item.Mutation{Superseded: true}); err != nil {
				c.logger.Warn("supersede state update failed", zap.String("id", n.item.ID), zap.Error(err))
			}
		}
	}

	// Inline S###/E### mentions become weak associations.
	for _, ref := range cand.Refs {
		link := &item.Link{Workspace: workspace, From: created.ID, To: ref, Type: item.LinkRefersTo}
		if err := c.store.AddLink(link); err != nil {
			c.logger.Debug("inline ref unresolved", zap.String("ref", ref), zap.Error(err))
		}
	}
	return nil
}

type scored struct {
	item  *item.Item
	score float64
}

// merge folds a near-duplicate candidate into the existing item: the longer
// summary wins, the displaced text is kept under a revisions payload, and
// usage is bumped.
func (c *Consolidator) merge(workspace string, existing *item.Item, cand item.Candidate) error {
	m := item.Mutation{UsageIncrement: 1, TouchAccess: true}

	if len(cand.Summary) > len(existing.Summary) {
		summary := cand.Summary
		m.Summary = &summary
		m.Payload = map[string]any{
			"revisions": appendRevision(existing.Payload, existing.Summary),
		}
	} else if cand.Summary != existing.Summary {
		m.Payload = map[string]any{
			"revisions": appendRevision(existing.Payload, cand.Summary),
		}
	}
	_, err := c.store.UpdateItem(workspace, existing.ID, m)
	return err
}

func appendRevision(payload map[string]any, text string) []any {
	var revisions []any
	if payload != nil {
		if prev, ok := payload["revisions"].([]any); ok {
			revisions = prev
		}
	}
	return append(revisions, text)
}

func (c *Consolidator) persist(workspace, thread string, cand item.Candidate, hash uint64, vec []float32) (*item.Item, error) {
	it := &item.Item{
		Workspace: workspace,
		Thread:    thread,
		Kind:      cand.Kind(),
		Subtype:   cand.Subtype,
		Summary:   cand.Summary,
		Body:      cand.Body,
		Salience:  cand.Salience,
		// Creation counts as the first use, so a document ingested twice
		// leaves every item at usage 2.
		UsageCount:  1,
		Payload:     cand.Payload,
		Span:        cand.Span,
		ContentHash: hash,
	}
	if vec != nil {
		it.EmbeddingModel = c.gateway.ModelID()
	}
	if err := c.store.CreateItem(it); err != nil {
		return nil, fmt.Errorf("persist: %w", err)
	}
	if vec != nil {
		if err := c.index.Upsert(workspace, it.ID, c.gateway.ModelID(), vec); err != nil {
			// Item stays usable as embedding_pending; the backfill pass
			// retries the vector write.
			c.logger.Warn("vector upsert failed", zap.String("id", it.ID), zap.Error(err))
			empty := ""
			if _, uerr := c.store.UpdateItem(workspace, it.ID, item.Mutation{EmbeddingModel: &empty}); uerr != nil {
				c.logger.Warn("pending mark failed", zap.String("id", it.ID), zap.Error(uerr))
			}
		}
	}
	return it, nil
}

// negationCues flag a flipped polarity between two decision summaries.
var negationCues = regexp.MustCompile(`(?i)\b(instead of|rather than|not|no longer|stop using|drop|replace)\b`)

// contradicts reports whether a new decision reverses an older one. The
// newer text must carry a negation or replacement cue; similarity alone is
// handled by the near-duplicate path.
func contradicts(newer, older string) bool {
	return negationCues.MatchString(newer) && !negationCues.MatchString(older)
}
