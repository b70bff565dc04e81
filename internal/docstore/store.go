package docstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Store is the local SQLite-backed persistence layer for the agent core.
//
// Notes:
// - All agent state (threads, documents, requests, events, tool calls, context refs)
//   lives in one database so cross-record operations can share a transaction.
// - WAL is enabled to support concurrent reads while a request is streaming writes.
type Store struct {
	db *sql.DB
}

var (
	// ErrThreadBusy is returned by CreateAgentRequest when the thread already has
	// an active (pending or in-progress) request.
	ErrThreadBusy = errors.New("thread already has an active agent request")

	// ErrNotFound is returned by lookups that require the record to exist.
	ErrNotFound = errors.New("record not found")
)

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		return fmt.Errorf("pragma foreign_keys: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  thread_id TEXT PRIMARY KEY,
  parent_thread_id TEXT NOT NULL DEFAULT '',
  blacklisted_branches TEXT NOT NULL DEFAULT '[]',
  summary TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
  document_id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL DEFAULT '',
  version INTEGER NOT NULL DEFAULT 1,
  index_status TEXT NOT NULL DEFAULT 'pending',
  index_error TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS document_chunks (
  chunk_id TEXT PRIMARY KEY,
  document_id TEXT NOT NULL,
  chunk_index INTEGER NOT NULL,
  text TEXT NOT NULL,
  token_count INTEGER NOT NULL DEFAULT 0,
  embedding BLOB NOT NULL,
  document_version INTEGER NOT NULL,
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(document_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_document_chunks_doc ON document_chunks(document_id, chunk_index ASC);

CREATE TABLE IF NOT EXISTS agent_requests (
  request_id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  triggering_message_id TEXT NOT NULL,
  response_message_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'pending',
  progress REAL NOT NULL DEFAULT 0,
  results_json TEXT NOT NULL DEFAULT '',
  token_cost INTEGER,
  created_at_unix_ms INTEGER NOT NULL,
  completed_at_unix_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_agent_requests_thread ON agent_requests(thread_id, created_at_unix_ms DESC);

CREATE TABLE IF NOT EXISTS execution_events (
  event_id TEXT PRIMARY KEY,
  request_id TEXT NOT NULL,
  sequence INTEGER NOT NULL,
  event_type TEXT NOT NULL,
  data_json TEXT NOT NULL DEFAULT '{}',
  created_at_unix_ms INTEGER NOT NULL,
  UNIQUE(request_id, sequence)
);
CREATE INDEX IF NOT EXISTS idx_execution_events_request ON execution_events(request_id, sequence ASC);

CREATE TABLE IF NOT EXISTS pending_tool_calls (
  tool_call_id TEXT PRIMARY KEY,
  request_id TEXT NOT NULL,
  thread_id TEXT NOT NULL,
  tool_name TEXT NOT NULL,
  tool_input_json TEXT NOT NULL DEFAULT '{}',
  approval_status TEXT NOT NULL DEFAULT 'pending',
  resolution_reason TEXT NOT NULL DEFAULT '',
  revision_count INTEGER NOT NULL DEFAULT 0,
  revision_history_json TEXT NOT NULL DEFAULT '[]',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_tool_calls_request ON pending_tool_calls(request_id, created_at_unix_ms ASC);
CREATE INDEX IF NOT EXISTS idx_pending_tool_calls_thread ON pending_tool_calls(thread_id, created_at_unix_ms ASC);

CREATE TABLE IF NOT EXISTS context_refs (
  ref_id TEXT PRIMARY KEY,
  thread_id TEXT NOT NULL,
  entity_type TEXT NOT NULL,
  entity_reference TEXT NOT NULL,
  display_label TEXT NOT NULL DEFAULT '',
  source TEXT NOT NULL,
  priority_tier INTEGER NOT NULL,
  relevance_score REAL,
  added_at_unix_ms INTEGER NOT NULL,
  UNIQUE(thread_id, entity_type, entity_reference)
);
CREATE INDEX IF NOT EXISTS idx_context_refs_thread ON context_refs(thread_id, priority_tier ASC, added_at_unix_ms ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func nowUnixMs() int64 {
	return time.Now().UnixMilli()
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
}
