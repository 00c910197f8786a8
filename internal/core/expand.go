package core

import (
	"context"

	"contextmem/internal/item"
)

// ExpandForm selects how much of an item Expand returns.
type ExpandForm string

const (
	// FormSummary returns the item record with its summary only.
	FormSummary ExpandForm = "summary"
	// FormFull additionally resolves the raw artifact span the item was
	// extracted from.
	FormFull ExpandForm = "full"
)

// Expansion is the result of expanding a cited item.
type Expansion struct {
	Item *item.Item
	// Raw holds the redacted artifact span for FormFull; empty otherwise.
	Raw string
	// Links lists the item's outgoing edges.
	Links []item.Link
}

// Expand resolves a cited identifier to its stored record. FormFull also
// returns the raw (redacted) source span and the item's links. Ids from
// other workspaces surface as ErrNotFound.
func (c *Core) Expand(ctx context.Context, workspace, itemID string, form ExpandForm) (*Expansion, error) {
	if workspace == "" || itemID == "" {
		return nil, invalidf("workspace and item id are required")
	}
	switch form {
	case FormSummary, FormFull:
	default:
		return nil, invalidf("unknown expand form %q", form)
	}
	if err := ctx.Err(); err != nil {
		return nil, ErrCancelled
	}

	it, err := c.store.GetItem(workspace, itemID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	exp := &Expansion{Item: it}
	if form == FormSummary {
		return exp, nil
	}

	links, err := c.store.LinksFrom(workspace, itemID)
	if err != nil {
		return nil, mapStoreErr(err)
	}
	exp.Links = links

	if it.Span.ArtifactID != "" {
		artifact, err := c.store.GetArtifact(workspace, it.Span.ArtifactID)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		start, end := it.Span.Start, it.Span.End
		if start < 0 {
			start = 0
		}
		if start > len(artifact.Body) {
			start = len(artifact.Body)
		}
		if end > len(artifact.Body) || end <= start {
			end = len(artifact.Body)
		}
		exp.Raw = artifact.Body[start:end]
	}
	return exp, nil
}
