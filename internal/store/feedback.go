package store

import (
	"fmt"
	"time"

	"contextmem/internal/item"
)

// AppendFeedback records one entry of the append-only feedback journal.
// The journal is never rewritten; salience effects are applied to items
// separately by the caller.
func (s *Store) AppendFeedback(r *item.FeedbackRecord) error {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO feedback (workspace_id, item_id, signal, magnitude, at, actor)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.Workspace, r.ItemID, string(r.Signal), r.Magnitude, r.At.UnixNano(), r.Actor)
	if err != nil {
		return fmt.Errorf("append feedback for %s: %w", r.ItemID, err)
	}
	return nil
}

// ListFeedback returns the journal entries for one item, oldest first.
func (s *Store) ListFeedback(workspace, itemID string) ([]item.FeedbackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT workspace_id, item_id, signal, magnitude, at, actor
		FROM feedback WHERE workspace_id = ? AND item_id = ?
		ORDER BY at ASC, id ASC`,
		workspace, itemID)
	if err != nil {
		return nil, fmt.Errorf("list feedback for %s: %w", itemID, err)
	}
	defer rows.Close()

	var out []item.FeedbackRecord
	for rows.Next() {
		var r item.FeedbackRecord
		var signal string
		var at int64
		if err := rows.Scan(&r.Workspace, &r.ItemID, &signal, &r.Magnitude, &at, &r.Actor); err != nil {
			return nil, err
		}
		r.Signal = item.Signal(signal)
		r.At = time.Unix(0, at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
