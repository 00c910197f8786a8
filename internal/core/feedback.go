package core

import (
	"context"

	"go.uber.org/zap"

	"contextmem/internal/item"
)

// FeedbackRequest carries one feedback signal for an item.
type FeedbackRequest struct {
	ItemID    string
	Signal    item.Signal
	Magnitude float64
	Comment   string
	// CanonicalID names the surviving item for duplicate feedback; when set,
	// a duplicate_of link is added.
	CanonicalID string
	Actor       string
}

// FeedbackResult reports the salience change.
type FeedbackResult struct {
	PreviousSalience float64
	NewSalience      float64
	Delta            float64
	Retired          bool
}

// Feedback applies a client signal to an item: salience and usage adjust
// per the signal table, the journal gets an append-only record, and
// outdated items retire once their salience decays to 0.1 or below.
func (c *Core) Feedback(ctx context.Context, workspace string, req FeedbackRequest) (*FeedbackResult, error) {
	if workspace == "" || req.ItemID == "" {
		return nil, invalidf("workspace and item id are required")
	}
	if !item.ValidSignal(req.Signal) {
		return nil, invalidf("unknown signal %q", req.Signal)
	}
	if req.Magnitude < -1 || req.Magnitude > 1 {
		return nil, invalidf("magnitude %v outside [-1, 1]", req.Magnitude)
	}

	ctx, cancel := withDeadline(ctx, c.cfg.Timeouts.Feedback)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}

	before, err := c.store.GetItem(workspace, req.ItemID)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	// Journal first: every accepted call leaves a record even when a later
	// mutation fails.
	if err := c.store.AppendFeedback(&item.FeedbackRecord{
		Workspace: workspace,
		ItemID:    req.ItemID,
		Signal:    req.Signal,
		Magnitude: req.Magnitude,
		Actor:     req.Actor,
	}); err != nil {
		return nil, mapStoreErr(err)
	}

	m := item.Mutation{TouchAccess: true}
	switch req.Signal {
	case item.SignalHelpful:
		m.SalienceDelta = 0.05 * req.Magnitude
		m.UsageIncrement = 1
	case item.SignalNotHelpful:
		mag := req.Magnitude
		if mag < 0 {
			mag = -mag
		}
		m.SalienceDelta = -0.05 * mag
	case item.SignalOutdated:
		m.SalienceDelta = -0.20
	case item.SignalDuplicate:
		m.SalienceDelta = -0.10
	}

	after, err := c.store.UpdateItem(workspace, req.ItemID, m)
	if err != nil {
		return nil, mapStoreErr(err)
	}

	retired := after.State == item.StateRetired
	if req.Signal == item.SignalOutdated && !retired && after.Salience <= 0.1 {
		after, err = c.store.UpdateItem(workspace, req.ItemID, item.Mutation{Retired: true})
		if err != nil {
			return nil, mapStoreErr(err)
		}
		retired = true
	}

	if req.Signal == item.SignalDuplicate && req.CanonicalID != "" {
		err := c.store.AddLink(&item.Link{
			Workspace: workspace,
			From:      req.ItemID,
			To:        req.CanonicalID,
			Type:      item.LinkDuplicateOf,
		})
		if err != nil {
			return nil, mapStoreErr(err)
		}
	}

	c.logger.Debug("feedback applied",
		zap.String("workspace", workspace),
		zap.String("item", req.ItemID),
		zap.String("signal", string(req.Signal)),
		zap.Float64("salience", after.Salience))
	return &FeedbackResult{
		PreviousSalience: before.Salience,
		NewSalience:      after.Salience,
		Delta:            after.Salience - before.Salience,
		Retired:          retired,
	}, nil
}
