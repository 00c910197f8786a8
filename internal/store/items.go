package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"contextmem/internal/item"
)

// MintID allocates the next identifier for the kind in the workspace.
// Sequences are monotonic per (workspace, kind) and survive restarts.
func (s *Store) MintID(workspace string, kind item.Kind) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next int64
	err := s.db.QueryRow(`
		INSERT INTO id_sequences (workspace_id, kind, next) VALUES (?, ?, 1)
		ON CONFLICT (workspace_id, kind) DO UPDATE SET next = next + 1
		RETURNING next`,
		workspace, string(kind)).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("mint id for %s/%s: %w", workspace, kind, err)
	}
	return item.FormatID(kind, next), nil
}

// CreateArtifact persists an immutable artifact, minting its id if unset.
func (s *Store) CreateArtifact(a *item.Artifact) error {
	if a.ID == "" {
		id, err := s.MintID(a.Workspace, item.KindArtifact)
		if err != nil {
			return err
		}
		a.ID = id
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO artifacts (workspace_id, id, thread_id, content_type, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.Workspace, a.ID, a.Thread, string(a.ContentType), a.Body, a.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("create artifact %s: %w", a.ID, err)
	}
	return nil
}

// GetArtifact loads one artifact. Ids from other workspaces are not found.
func (s *Store) GetArtifact(workspace, id string) (*item.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var a item.Artifact
	var contentType string
	var createdAt int64
	err := s.db.QueryRow(`
		SELECT workspace_id, id, thread_id, content_type, body, created_at
		FROM artifacts WHERE workspace_id = ? AND id = ?`,
		workspace, id).Scan(&a.Workspace, &a.ID, &a.Thread, &contentType, &a.Body, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("artifact %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact %s: %w", id, err)
	}
	a.ContentType = item.ContentType(contentType)
	a.CreatedAt = time.Unix(0, createdAt).UTC()
	return &a, nil
}

// CreateItem persists a new item, minting its id if unset. The item's
// workspace, kind, subtype, summary, and content hash must already be set.
func (s *Store) CreateItem(it *item.Item) error {
	if it.ID == "" {
		id, err := s.MintID(it.Workspace, it.Kind)
		if err != nil {
			return err
		}
		it.ID = id
	}
	now := time.Now().UTC()
	if it.CreatedAt.IsZero() {
		it.CreatedAt = now
	}
	if it.LastAccessedAt.IsZero() {
		it.LastAccessedAt = it.CreatedAt
	}
	if it.State == "" {
		it.State = item.StateActive
	}
	it.Salience = item.ClampSalience(it.Salience)

	payload, err := marshalPayload(it.Payload)
	if err != nil {
		return fmt.Errorf("encode payload for %s: %w", it.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec(`
		INSERT INTO items (
			workspace_id, id, thread_id, kind, subtype, summary, body,
			salience, usage_count, created_at, last_accessed_at, retired_at,
			state, payload_json, source_artifact_id, source_span_start,
			source_span_end, content_hash, embedding_model_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		it.Workspace, it.ID, it.Thread, string(it.Kind), string(it.Subtype),
		it.Summary, it.Body, it.Salience, it.UsageCount,
		it.CreatedAt.UnixNano(), it.LastAccessedAt.UnixNano(), nullTime(it.RetiredAt),
		string(it.State), payload, it.Span.ArtifactID, it.Span.Start,
		it.Span.End, int64(it.ContentHash), it.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("create item %s: %w", it.ID, err)
	}
	s.logger.Debug("item created",
		zap.String("workspace", it.Workspace),
		zap.String("id", it.ID),
		zap.String("subtype", string(it.Subtype)))
	return nil
}

// GetItem loads one item by id.
func (s *Store) GetItem(workspace, id string) (*item.Item, error) {
	items, err := s.GetItems(workspace, []string{id})
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return items[0], nil
}

// GetItems loads the given ids in the order requested. Unknown ids are
// skipped; callers that require all ids present should compare lengths.
func (s *Store) GetItems(workspace string, ids []string) ([]*item.Item, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.Repeat("?,", len(ids)-1) + "?"
	args := make([]any, 0, len(ids)+1)
	args = append(args, workspace)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.Query(
		selectItemColumns+` FROM items WHERE workspace_id = ? AND id IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("get items: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*item.Item, len(ids))
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		byID[it.ID] = it
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*item.Item, 0, len(ids))
	for _, id := range ids {
		if it, ok := byID[id]; ok {
			out = append(out, it)
		}
	}
	return out, nil
}

// FindByHash returns active items in the workspace whose content hash
// matches, ordered by ascending id sequence.
func (s *Store) FindByHash(workspace string, hash uint64) ([]*item.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		selectItemColumns+` FROM items
		 WHERE workspace_id = ? AND content_hash = ? AND state = 'active'`,
		workspace, int64(hash))
	if err != nil {
		return nil, fmt.Errorf("find by hash: %w", err)
	}
	defer rows.Close()
	return collectItemsOrdered(rows)
}

// UpdateItem applies a mutation atomically. Salience deltas saturate into
// [0, 1]; usage increments never go below zero; retiring stamps retired_at
// once and leaves it untouched on repeat calls.
func (s *Store) UpdateItem(workspace, id string, m item.Mutation) (*item.Item, error) {
	release := s.locks.acquire(workspace, id)
	defer release()

	current, err := s.GetItem(workspace, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if m.Summary != nil {
		current.Summary = *m.Summary
	}
	if m.Body != nil {
		current.Body = *m.Body
	}
	if m.Summary != nil || m.Body != nil {
		current.ContentHash = item.ContentHash(current.Summary, current.Body)
	}
	if m.SalienceDelta != 0 {
		current.Salience = item.ClampSalience(current.Salience + m.SalienceDelta)
	}
	if m.UsageIncrement != 0 {
		current.UsageCount += m.UsageIncrement
		if current.UsageCount < 0 {
			current.UsageCount = 0
		}
	}
	if m.TouchAccess {
		current.LastAccessedAt = now
	}
	if m.Superseded && current.State == item.StateActive {
		current.State = item.StateSuperseded
	}
	if m.Retired && current.State != item.StateRetired {
		current.State = item.StateRetired
		current.RetiredAt = &now
	}
	if m.Payload != nil {
		if current.Payload == nil {
			current.Payload = make(map[string]any, len(m.Payload))
		}
		for k, v := range m.Payload {
			current.Payload[k] = v
		}
	}
	if m.EmbeddingModel != nil {
		current.EmbeddingModel = *m.EmbeddingModel
	}

	payload, err := marshalPayload(current.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload for %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE items SET
			summary = ?, body = ?, salience = ?, usage_count = ?,
			last_accessed_at = ?, retired_at = ?, state = ?, payload_json = ?,
			content_hash = ?, embedding_model_id = ?
		WHERE workspace_id = ? AND id = ?`,
		current.Summary, current.Body, current.Salience, current.UsageCount,
		current.LastAccessedAt.UnixNano(), nullTime(current.RetiredAt),
		string(current.State), payload, int64(current.ContentHash),
		current.EmbeddingModel, workspace, id)
	if err != nil {
		return nil, fmt.Errorf("update item %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, fmt.Errorf("item %s: %w", id, ErrNotFound)
	}
	return current, nil
}

// ListRecent returns up to limit non-retired items in the workspace that
// pass the filter, most recently created first. Used to backfill the
// retrieval pool when vector search returns too few results.
func (s *Store) ListRecent(workspace string, f item.Filter, limit int) ([]*item.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := selectItemColumns + ` FROM items WHERE workspace_id = ?`
	args := []any{workspace}
	query, args = applyFilter(query, args, f)
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	defer rows.Close()

	var out []*item.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// ListPending returns up to limit items still awaiting an embedding,
// oldest first.
func (s *Store) ListPending(workspace string, limit int) ([]*item.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		selectItemColumns+` FROM items
		 WHERE workspace_id = ? AND embedding_model_id = '' AND state != 'retired'
		 ORDER BY created_at ASC LIMIT ?`,
		workspace, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var out []*item.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// applyFilter appends the filter's predicates to a partially built query.
func applyFilter(query string, args []any, f item.Filter) (string, []any) {
	if !f.IncludeRetired {
		query += ` AND state != 'retired'`
	}
	if f.Thread != "" && !f.CrossThread {
		query += ` AND thread_id = ?`
		args = append(args, f.Thread)
	}
	if len(f.IncludeKinds) > 0 {
		ph := strings.Repeat("?,", len(f.IncludeKinds)-1) + "?"
		query += ` AND kind IN (` + ph + `)`
		for _, k := range f.IncludeKinds {
			args = append(args, string(k))
		}
	}
	if len(f.ExcludeSubtypes) > 0 {
		ph := strings.Repeat("?,", len(f.ExcludeSubtypes)-1) + "?"
		query += ` AND subtype NOT IN (` + ph + `)`
		for _, st := range f.ExcludeSubtypes {
			args = append(args, string(st))
		}
	}
	return query, args
}

// =============================================================================
// ROW MAPPING
// =============================================================================

const selectItemColumns = `
	SELECT workspace_id, id, thread_id, kind, subtype, summary, body,
	       salience, usage_count, created_at, last_accessed_at, retired_at,
	       state, payload_json, source_artifact_id, source_span_start,
	       source_span_end, content_hash, embedding_model_id`

func scanItem(rows *sql.Rows) (*item.Item, error) {
	var it item.Item
	var kind, subtype, state string
	var createdAt, lastAccessed int64
	var retiredAt sql.NullInt64
	var payload sql.NullString
	var artifactID sql.NullString
	var contentHash int64

	err := rows.Scan(
		&it.Workspace, &it.ID, &it.Thread, &kind, &subtype, &it.Summary,
		&it.Body, &it.Salience, &it.UsageCount, &createdAt, &lastAccessed,
		&retiredAt, &state, &payload, &artifactID, &it.Span.Start,
		&it.Span.End, &contentHash, &it.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("scan item: %w", err)
	}

	it.Kind = item.Kind(kind)
	it.Subtype = item.Subtype(subtype)
	it.State = item.State(state)
	it.CreatedAt = time.Unix(0, createdAt).UTC()
	it.LastAccessedAt = time.Unix(0, lastAccessed).UTC()
	if retiredAt.Valid {
		t := time.Unix(0, retiredAt.Int64).UTC()
		it.RetiredAt = &t
	}
	if artifactID.Valid {
		it.Span.ArtifactID = artifactID.String
	}
	it.ContentHash = uint64(contentHash)
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &it.Payload); err != nil {
			return nil, fmt.Errorf("decode payload for %s: %w", it.ID, err)
		}
	}
	return &it, nil
}

// collectItemsOrdered drains rows and sorts by ascending id sequence, the
// deterministic order used for duplicate resolution.
func collectItemsOrdered(rows *sql.Rows) ([]*item.Item, error) {
	var out []*item.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortByIDSequence(out)
	return out, nil
}

func sortByIDSequence(items []*item.Item) {
	// Insertion sort on the parsed sequence number: result sets here are
	// small and the ids are already nearly ordered.
	seq := func(id string) int64 {
		_, n, err := item.ParseID(id)
		if err != nil {
			return 1<<63 - 1
		}
		return n
	}
	for i := 1; i < len(items); i++ {
		for j := i; j > 0 && seq(items[j].ID) < seq(items[j-1].ID); j-- {
			items[j], items[j-1] = items[j-1], items[j]
		}
	}
}

func marshalPayload(p map[string]any) (sql.NullString, error) {
	if len(p) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
