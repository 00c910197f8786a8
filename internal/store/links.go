package store

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"contextmem/internal/item"
)

// AddLink records a typed edge between two items in the same workspace,
// enforcing the graph invariants:
//
//   - both endpoints must exist in the workspace;
//   - duplicate_of edges never self-reference and always point at the
//     canonical item (chains of length > 1 are collapsed on write, on both
//     sides of the new edge);
//   - supersedes edges must keep the supersedes graph acyclic, with at most
//     one superseder per item.
//
// Re-adding an identical edge is a no-op.
func (s *Store) AddLink(l *item.Link) error {
	if l.From == l.To {
		return fmt.Errorf("link %s -> %s: self reference: %w", l.From, l.To, ErrConflict)
	}
	if _, err := s.GetItem(l.Workspace, l.From); err != nil {
		return err
	}
	if _, err := s.GetItem(l.Workspace, l.To); err != nil {
		return err
	}

	switch l.Type {
	case item.LinkDuplicateOf:
		canonical, err := s.ResolveCanonical(l.Workspace, l.To)
		if err != nil {
			return err
		}
		if canonical == l.From {
			return fmt.Errorf("duplicate_of %s -> %s resolves to itself: %w", l.From, l.To, ErrConflict)
		}
		l.To = canonical
	case item.LinkSupersedes:
		existing, ok, err := s.supersederOf(l.Workspace, l.To)
		if err != nil {
			return err
		}
		if ok && existing != l.From {
			return fmt.Errorf("supersedes %s -> %s: already superseded by %s: %w", l.From, l.To, existing, ErrConflict)
		}
		reachable, err := s.supersedesReaches(l.Workspace, l.To, l.From)
		if err != nil {
			return err
		}
		if reachable {
			return fmt.Errorf("supersedes %s -> %s would form a cycle: %w", l.From, l.To, ErrConflict)
		}
	}

	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}

	if err := s.insertLink(l); err != nil {
		return fmt.Errorf("add link %s -%s-> %s: %w", l.From, l.Type, l.To, err)
	}
	if l.Type == item.LinkDuplicateOf {
		if err := s.repointDuplicates(l.Workspace, l.From, l.To); err != nil {
			return err
		}
	}
	s.logger.Debug("link added",
		zap.String("workspace", l.Workspace),
		zap.String("from", l.From),
		zap.String("to", l.To),
		zap.String("type", string(l.Type)))
	return nil
}

// ResolveCanonical follows at most one duplicate_of hop from id. Given the
// collapse-on-write invariant a single hop reaches the canonical item.
func (s *Store) ResolveCanonical(workspace, id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT to_id FROM links
		WHERE workspace_id = ? AND from_id = ? AND type = ?`,
		workspace, id, string(item.LinkDuplicateOf))
	if err != nil {
		return "", fmt.Errorf("resolve canonical %s: %w", id, err)
	}
	defer rows.Close()

	canonical := id
	if rows.Next() {
		if err := rows.Scan(&canonical); err != nil {
			return "", err
		}
	}
	return canonical, rows.Err()
}

func (s *Store) insertLink(l *item.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO links (workspace_id, from_id, to_id, type, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, from_id, to_id, type) DO NOTHING`,
		l.Workspace, l.From, l.To, string(l.Type), l.CreatedAt.UnixNano())
	return err
}

// supersederOf returns the item that supersedes id, if any. The supersedes
// graph keeps at most one superseder per item.
func (s *Store) supersederOf(workspace, id string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var from string
	err := s.db.QueryRow(`
		SELECT from_id FROM links
		WHERE workspace_id = ? AND to_id = ? AND type = ?
		LIMIT 1`,
		workspace, id, string(item.LinkSupersedes)).Scan(&from)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("superseder of %s: %w", id, err)
	}
	return from, true, nil
}

// repointDuplicates redirects inbound duplicate_of edges of from to the new
// canonical item so chains stay at length 1. An inbound edge from the
// canonical itself is dropped rather than turned into a self reference, and
// redirects that collide with an existing edge leave the stale row behind
// for the final delete.
func (s *Store) repointDuplicates(workspace, from, canonical string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dup := string(item.LinkDuplicateOf)
	if _, err := s.db.Exec(`
		DELETE FROM links
		WHERE workspace_id = ? AND to_id = ? AND type = ? AND from_id = ?`,
		workspace, from, dup, canonical); err != nil {
		return fmt.Errorf("repoint duplicates of %s: %w", from, err)
	}
	if _, err := s.db.Exec(`
		UPDATE OR IGNORE links SET to_id = ?
		WHERE workspace_id = ? AND to_id = ? AND type = ?`,
		canonical, workspace, from, dup); err != nil {
		return fmt.Errorf("repoint duplicates of %s: %w", from, err)
	}
	if _, err := s.db.Exec(`
		DELETE FROM links
		WHERE workspace_id = ? AND to_id = ? AND type = ?`,
		workspace, from, dup); err != nil {
		return fmt.Errorf("repoint duplicates of %s: %w", from, err)
	}
	return nil
}

// supersedesReaches reports whether target is reachable from start by
// following supersedes edges forward. Iterative DFS; the visited set bounds
// the walk on any graph shape.
func (s *Store) supersedesReaches(workspace, start, target string) (bool, error) {
	if start == target {
		return true, nil
	}

	visited := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		next, err := s.linkTargets(workspace, current, item.LinkSupersedes)
		if err != nil {
			return false, err
		}
		for _, to := range next {
			if to == target {
				return true, nil
			}
			if !visited[to] {
				visited[to] = true
				stack = append(stack, to)
			}
		}
	}
	return false, nil
}

func (s *Store) linkTargets(workspace, from string, t item.LinkType) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT to_id FROM links WHERE workspace_id = ? AND from_id = ? AND type = ?`,
		workspace, from, string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var to string
		if err := rows.Scan(&to); err != nil {
			return nil, err
		}
		out = append(out, to)
	}
	return out, rows.Err()
}

// LinksFrom returns all outgoing edges of an item.
func (s *Store) LinksFrom(workspace, id string) ([]item.Link, error) {
	return s.listLinks(workspace, "from_id", id)
}

// LinksTo returns all incoming edges of an item.
func (s *Store) LinksTo(workspace, id string) ([]item.Link, error) {
	return s.listLinks(workspace, "to_id", id)
}

func (s *Store) listLinks(workspace, col, id string) ([]item.Link, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(fmt.Sprintf(`
		SELECT workspace_id, from_id, to_id, type, created_at
		FROM links WHERE workspace_id = ? AND %s = ?
		ORDER BY created_at ASC, from_id ASC, to_id ASC`, col),
		workspace, id)
	if err != nil {
		return nil, fmt.Errorf("list links for %s: %w", id, err)
	}
	defer rows.Close()

	var out []item.Link
	for rows.Next() {
		var l item.Link
		var typ string
		var createdAt int64
		if err := rows.Scan(&l.Workspace, &l.From, &l.To, &typ, &createdAt); err != nil {
			return nil, err
		}
		l.Type = item.LinkType(typ)
		l.CreatedAt = time.Unix(0, createdAt).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}
