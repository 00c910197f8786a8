// Package vector implements the workspace-scoped vector index used for
// similarity retrieval. Vectors live in the same SQLite database as the
// items they describe; search is an exact cosine scan over the candidate
// rows left after pushing the metadata filter into SQL.
package vector

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"contextmem/internal/config"
	"contextmem/internal/embedding"
	"contextmem/internal/item"
)

// MaxTopK caps a single search. Requests above the cap are clamped, not
// rejected.
const MaxTopK = 256

// Match is one search hit.
type Match struct {
	ID    string
	Score float64
}

// Index stores and searches embeddings keyed by (workspace, item, model).
type Index struct {
	db     *sql.DB
	mu     sync.RWMutex
	topK   int
	logger *zap.Logger
}

// NewIndex builds an index over the store's database handle. The vectors
// table is created by the store schema. A zero or out-of-range TopKCap
// falls back to MaxTopK.
func NewIndex(db *sql.DB, cfg config.VectorIndexConfig, logger *zap.Logger) *Index {
	if logger == nil {
		logger = zap.NewNop()
	}
	topK := cfg.TopKCap
	if topK <= 0 || topK > MaxTopK {
		topK = MaxTopK
	}
	return &Index{db: db, topK: topK, logger: logger.Named("vector")}
}

// Upsert writes or replaces the vector for an item under the given model.
func (ix *Index) Upsert(workspace, itemID, modelID string, vec []float32) error {
	if len(vec) == 0 {
		return fmt.Errorf("upsert %s: empty vector", itemID)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, err := ix.db.Exec(`
		INSERT INTO vectors (workspace_id, item_id, model_id, vector, dim, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, item_id, model_id)
		DO UPDATE SET vector = excluded.vector, dim = excluded.dim, created_at = excluded.created_at`,
		workspace, itemID, modelID, encodeVector(vec), len(vec), time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert vector for %s: %w", itemID, err)
	}
	return nil
}

// Delete removes all vectors for an item across models.
func (ix *Index) Delete(workspace, itemID string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	_, err := ix.db.Exec(
		`DELETE FROM vectors WHERE workspace_id = ? AND item_id = ?`, workspace, itemID)
	if err != nil {
		return fmt.Errorf("delete vectors for %s: %w", itemID, err)
	}
	return nil
}

// Has reports whether the item has a vector under the given model.
func (ix *Index) Has(workspace, itemID, modelID string) (bool, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	var n int
	err := ix.db.QueryRow(`
		SELECT COUNT(*) FROM vectors
		WHERE workspace_id = ? AND item_id = ? AND model_id = ?`,
		workspace, itemID, modelID).Scan(&n)
	return n > 0, err
}

// Search returns the top-k items by cosine similarity against query,
// restricted to vectors of the active model and to items passing the
// filter. Ordering is fully deterministic: descending score, then
// ascending id sequence.
func (ix *Index) Search(workspace string, query []float32, modelID string, k int, f item.Filter) ([]Match, error) {
	if k <= 0 {
		return nil, nil
	}
	if k > ix.topK {
		k = ix.topK
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	q := `
		SELECT v.item_id, v.vector, v.dim
		FROM vectors v
		JOIN items i ON i.workspace_id = v.workspace_id AND i.id = v.item_id
		WHERE v.workspace_id = ? AND v.model_id = ?`
	args := []any{workspace, modelID}

	if !f.IncludeRetired {
		q += ` AND i.state != 'retired'`
	}
	if f.Thread != "" && !f.CrossThread {
		q += ` AND i.thread_id = ?`
		args = append(args, f.Thread)
	}
	if len(f.IncludeKinds) > 0 {
		q += ` AND i.kind IN (` + placeholders(len(f.IncludeKinds)) + `)`
		for _, kind := range f.IncludeKinds {
			args = append(args, string(kind))
		}
	}
	if len(f.ExcludeSubtypes) > 0 {
		q += ` AND i.subtype NOT IN (` + placeholders(len(f.ExcludeSubtypes)) + `)`
		for _, st := range f.ExcludeSubtypes {
			args = append(args, string(st))
		}
	}

	rows, err := ix.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var id string
		var blob []byte
		var dim int
		if err := rows.Scan(&id, &blob, &dim); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob, dim)
		if err != nil {
			ix.logger.Warn("skipping corrupt vector", zap.String("item", id), zap.Error(err))
			continue
		}
		matches = append(matches, Match{ID: id, Score: embedding.Cosine(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(matches, func(a, b int) bool {
		if matches[a].Score != matches[b].Score {
			return matches[a].Score > matches[b].Score
		}
		return idSeq(matches[a].ID) < idSeq(matches[b].ID)
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func idSeq(id string) int64 {
	_, n, err := item.ParseID(id)
	if err != nil {
		return math.MaxInt64
	}
	return n
}

func placeholders(n int) string {
	return strings.Repeat("?,", n-1) + "?"
}

// encodeVector packs float32 components little-endian, 4 bytes each.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, x := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(blob []byte, dim int) ([]float32, error) {
	if len(blob) != 4*dim {
		return nil, fmt.Errorf("blob is %d bytes, want %d for dim %d", len(blob), 4*dim, dim)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
