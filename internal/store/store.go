// Package store is the SQLite-backed durable state of the orchestrator:
// requests, runs, cache entries, interactions and recovery records.
package store

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	StatusQueued      = "queued"
	StatusRunning     = "running"
	StatusWaitingUser = "waiting_user"
	StatusSucceeded   = "succeeded"
	StatusFailed      = "failed"
	StatusCanceled    = "canceled"
)

// IsTerminal reports whether a status is a sink.
func IsTerminal(status string) bool {
	switch status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Cache namespaces. Installed-skill and temp-skill caches never mix.
const (
	CacheNamespaceSkill = "skill"
	CacheNamespaceTemp  = "temp"
)

// Interaction reply resolution modes.
const (
	ResolutionUserReply         = "user_reply"
	ResolutionAutoDecideTimeout = "auto_decide_timeout"
)

// Store is the single-node persistence layer.
//
// WAL is enabled so SSE readers can list history while a turn is writing.
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path.
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

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA foreign_keys=ON;`,
		`CREATE TABLE IF NOT EXISTS requests (
			request_id TEXT PRIMARY KEY,
			skill_id TEXT NOT NULL,
			engine TEXT NOT NULL,
			execution_mode TEXT NOT NULL DEFAULT 'auto',
			payload_json TEXT NOT NULL DEFAULT '{}',
			runtime_options_json TEXT NOT NULL DEFAULT '{}',
			engine_options_json TEXT NOT NULL DEFAULT '{}',
			input_manifest_path TEXT NOT NULL DEFAULT '',
			input_manifest_hash TEXT NOT NULL DEFAULT '',
			skill_fingerprint TEXT NOT NULL DEFAULT '',
			cache_key TEXT,
			run_id TEXT,
			status TEXT NOT NULL DEFAULT 'queued',
			interaction_seq INTEGER NOT NULL DEFAULT 0,
			temp_skill INTEGER NOT NULL DEFAULT 0,
			created_at_unix_ms INTEGER NOT NULL,
			updated_at_unix_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			skill_id TEXT NOT NULL,
			engine TEXT NOT NULL,
			execution_mode TEXT NOT NULL DEFAULT 'auto',
			status TEXT NOT NULL DEFAULT 'queued',
			failure_code TEXT NOT NULL DEFAULT '',
			failure_message TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			session_handle_json TEXT NOT NULL DEFAULT '',
			cache_key TEXT,
			created_at_unix_ms INTEGER NOT NULL,
			updated_at_unix_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
			namespace TEXT NOT NULL,
			cache_key TEXT NOT NULL,
			run_id TEXT NOT NULL,
			created_at_unix_ms INTEGER NOT NULL,
			PRIMARY KEY (namespace, cache_key)
		);`,
		`CREATE TABLE IF NOT EXISTS pending_interactions (
			request_id TEXT PRIMARY KEY,
			interaction_id INTEGER NOT NULL,
			payload_json TEXT NOT NULL,
			created_at_unix_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS interaction_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			interaction_id INTEGER NOT NULL,
			response_json TEXT NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			resolution_mode TEXT NOT NULL,
			created_at_unix_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_history_request ON interaction_history(request_id, interaction_id);`,
		`CREATE TABLE IF NOT EXISTS interactive_runtime (
			run_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			wait_deadline_at_unix_ms INTEGER NOT NULL DEFAULT 0,
			process_alive INTEGER NOT NULL DEFAULT 0,
			updated_at_unix_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS auto_decision_stats (
			request_id TEXT PRIMARY KEY,
			auto_decision_count INTEGER NOT NULL DEFAULT 0,
			last_auto_decision_at_unix_ms INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS recovery (
			run_id TEXT PRIMARY KEY,
			recovery_state TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			created_at_unix_ms INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
