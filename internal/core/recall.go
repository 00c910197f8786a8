package core

import (
	"context"
	"errors"
	"strings"
	"time"

	"contextmem/internal/item"
	"contextmem/internal/rank"
	"contextmem/internal/workingset"
)

// ItemSummary is one recalled item in compact form.
type ItemSummary struct {
	ID      string  `json:"id"`
	Kind    string  `json:"kind"`
	Subtype string  `json:"subtype"`
	Summary string  `json:"summary"`
	Score   float64 `json:"score"`
}

// RecallResult is the flat ranked view of memory for a purpose.
type RecallResult struct {
	Items           []ItemSummary `json:"items"`
	TokensUsed      int           `json:"tokens_used"`
	TokensAvailable int           `json:"tokens_available"`
}

// Filters restricts recall and working-set construction.
type Filters struct {
	IncludeKinds    []string
	ExcludeSubtypes []string
	IncludeRetired  bool
	CrossThread     bool
}

func (f Filters) toItemFilter() (item.Filter, error) {
	out := item.Filter{
		IncludeRetired: f.IncludeRetired,
		CrossThread:    f.CrossThread,
	}
	for _, k := range f.IncludeKinds {
		kind, err := item.ParseKind(k)
		if err != nil {
			return out, invalidf("%v", err)
		}
		out.IncludeKinds = append(out.IncludeKinds, kind)
	}
	for _, st := range f.ExcludeSubtypes {
		out.ExcludeSubtypes = append(out.ExcludeSubtypes, item.Subtype(strings.ToLower(st)))
	}
	return out, nil
}

// Recall ranks memory against the purpose and returns as many items as fit
// the token budget, in rank order.
func (c *Core) Recall(ctx context.Context, workspace, thread, purpose string, budget int, filters Filters) (*RecallResult, error) {
	scored, est, err := c.rankForPurpose(ctx, workspace, thread, purpose, budget, filters, c.cfg.Timeouts.Recall)
	if err != nil {
		return nil, err
	}

	res := &RecallResult{Items: []ItemSummary{}}
	used := 0
	for _, sc := range scored {
		cost := est(sc.Item.Summary)
		if used+cost > budget {
			continue
		}
		used += cost
		res.Items = append(res.Items, ItemSummary{
			ID:      sc.Item.ID,
			Kind:    string(sc.Item.Kind),
			Subtype: string(sc.Item.Subtype),
			Summary: sc.Item.Summary,
			Score:   sc.Score,
		})
	}
	res.TokensUsed = used
	res.TokensAvailable = budget - used
	return res, nil
}

// BuildWorkingSet ranks memory against the purpose and assembles the
// budgeted working set. Partial assemblies are never returned.
func (c *Core) BuildWorkingSet(ctx context.Context, workspace, thread, purpose string, budget int, filters Filters) (*workingset.WorkingSet, error) {
	scored, _, err := c.rankForPurpose(ctx, workspace, thread, purpose, budget, filters, c.cfg.Timeouts.Build)
	if err != nil {
		return nil, err
	}
	ws, err := c.builder.Build(workspace, scored, purpose, budget)
	if err != nil {
		return nil, invalidf("%v", err)
	}
	return ws, nil
}

func (c *Core) rankForPurpose(ctx context.Context, workspace, thread, purpose string, budget int, filters Filters, deadline time.Duration) ([]rank.Scored, func(string) int, error) {
	if workspace == "" || thread == "" {
		return nil, nil, invalidf("workspace and thread are required")
	}
	if strings.TrimSpace(purpose) == "" {
		return nil, nil, invalidf("purpose is required")
	}
	if budget <= 0 {
		return nil, nil, invalidf("budget must be positive, got %d", budget)
	}
	f, err := filters.toItemFilter()
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := withDeadline(ctx, deadline)
	defer cancel()

	scored, err := c.ranker.Rank(ctx, workspace, thread, purpose, f, c.cfg.Rank.PoolSize)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return nil, nil, errors.Join(ErrCancelled, err)
		}
		return nil, nil, mapStoreErr(err)
	}
	return scored, workingset.Estimator(c.cfg.WorkingSet.TokenEstimator), nil
}
