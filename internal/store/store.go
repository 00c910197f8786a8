// Package store persists memory items, artifacts, links, threads, and the
// feedback journal in SQLite. All queries carry workspace_id in their
// predicates; an id referenced from another workspace behaves as missing.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// ErrNotFound marks an unknown item or artifact (including ids that exist
// only in another workspace).
var ErrNotFound = errors.New("not found")

// ErrConflict marks a link that would violate graph invariants: a
// supersedes cycle or a duplicate_of pointing at itself.
var ErrConflict = errors.New("conflicting link")

// Store is the durable memory store.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger
	locks  *lockTable
}

// Open initializes the SQLite database at path (":memory:" for ephemeral
// use) and creates the schema.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("store")

	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("set busy_timeout failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("set journal_mode=WAL failed", zap.Error(err))
	}
	// NORMAL is safe under WAL and substantially faster than FULL.
	if _, err := db.Exec("PRAGMA synchronous = NORMAL"); err != nil {
		logger.Debug("set synchronous=NORMAL failed", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		logger.Debug("set foreign_keys=ON failed", zap.Error(err))
	}

	s := &Store{db: db, logger: logger, locks: newLockTable(1024)}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("store initialized", zap.String("path", path))
	return s, nil
}

// initialize creates the required tables and indexes.
func (s *Store) initialize() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS id_sequences (
			workspace_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			next INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (workspace_id, kind)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			workspace_id TEXT NOT NULL,
			id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			content_type TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (workspace_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			workspace_id TEXT NOT NULL,
			id TEXT NOT NULL,
			thread_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			subtype TEXT NOT NULL,
			summary TEXT NOT NULL,
			body TEXT NOT NULL,
			salience REAL NOT NULL,
			usage_count INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			retired_at INTEGER,
			state TEXT NOT NULL DEFAULT 'active',
			payload_json TEXT,
			source_artifact_id TEXT,
			source_span_start INTEGER NOT NULL DEFAULT 0,
			source_span_end INTEGER NOT NULL DEFAULT 0,
			content_hash INTEGER NOT NULL,
			embedding_model_id TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (workspace_id, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_items_thread ON items(workspace_id, thread_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_items_hash ON items(workspace_id, content_hash)`,
		`CREATE INDEX IF NOT EXISTS idx_items_state ON items(workspace_id, state)`,
		`CREATE TABLE IF NOT EXISTS links (
			workspace_id TEXT NOT NULL,
			from_id TEXT NOT NULL,
			to_id TEXT NOT NULL,
			type TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (workspace_id, from_id, to_id, type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_links_from ON links(workspace_id, from_id, type)`,
		`CREATE INDEX IF NOT EXISTS idx_links_to ON links(workspace_id, to_id, type)`,
		`CREATE TABLE IF NOT EXISTS vectors (
			workspace_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			vector BLOB NOT NULL,
			dim INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (workspace_id, item_id, model_id)
		)`,
		`CREATE TABLE IF NOT EXISTS feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			workspace_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			signal TEXT NOT NULL,
			magnitude REAL NOT NULL,
			at INTEGER NOT NULL,
			actor TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_feedback_item ON feedback(workspace_id, item_id)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// DB exposes the underlying handle so the vector index can share the
// database file and its serialization.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	s.logger.Debug("closing store")
	return s.db.Close()
}

// Stats returns per-table row counts plus per-kind item counts for the
// workspace.
func (s *Store) Stats(workspace string) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := make(map[string]int64)
	tables := []string{"items", "artifacts", "links", "vectors", "feedback"}
	for _, table := range tables {
		var count int64
		col := "workspace_id"
		err := s.db.QueryRow(
			fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = ?", table, col), workspace,
		).Scan(&count)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		stats[table] = count
	}

	rows, err := s.db.Query(
		"SELECT kind, COUNT(*) FROM items WHERE workspace_id = ? GROUP BY kind", workspace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		var count int64
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		stats["items_"+kind] = count
	}
	return stats, rows.Err()
}
