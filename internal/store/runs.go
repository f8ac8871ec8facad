package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Request is a persisted submission.
type Request struct {
	RequestID          string `json:"request_id"`
	SkillID            string `json:"skill_id"`
	Engine             string `json:"engine"`
	ExecutionMode      string `json:"execution_mode"`
	PayloadJSON        string `json:"payload_json"`
	RuntimeOptionsJSON string `json:"runtime_options_json"`
	EngineOptionsJSON  string `json:"engine_options_json"`
	InputManifestPath  string `json:"input_manifest_path"`
	InputManifestHash  string `json:"input_manifest_hash"`
	SkillFingerprint   string `json:"skill_fingerprint"`
	CacheKey           string `json:"cache_key"`
	RunID              string `json:"run_id"`
	Status             string `json:"status"`
	TempSkill          bool   `json:"temp_skill"`
	CreatedAtUnixMs    int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs    int64  `json:"updated_at_unix_ms"`
}

// Run is a persisted execution.
type Run struct {
	RunID             string `json:"run_id"`
	RequestID         string `json:"request_id"`
	SkillID           string `json:"skill_id"`
	Engine            string `json:"engine"`
	ExecutionMode     string `json:"execution_mode"`
	Status            string `json:"status"`
	FailureCode       string `json:"failure_code"`
	FailureMessage    string `json:"failure_message"`
	Attempt           int    `json:"attempt"`
	SessionHandleJSON string `json:"session_handle_json"`
	CacheKey          string `json:"cache_key"`
	CreatedAtUnixMs   int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs   int64  `json:"updated_at_unix_ms"`
}

// ErrNotFound is returned for unknown request or run ids.
var ErrNotFound = errors.New("not found")

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return nil
}

// CreateRequest inserts a new request row.
func (s *Store) CreateRequest(ctx context.Context, r *Request) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(r.RequestID) == "" {
		return errors.New("missing request_id")
	}
	now := nowMs()
	if r.Status == "" {
		r.Status = StatusQueued
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO requests (
			request_id, skill_id, engine, execution_mode, payload_json,
			runtime_options_json, engine_options_json, input_manifest_path,
			input_manifest_hash, skill_fingerprint, cache_key, run_id, status,
			temp_skill, created_at_unix_ms, updated_at_unix_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.SkillID, r.Engine, r.ExecutionMode,
		orJSON(r.PayloadJSON), orJSON(r.RuntimeOptionsJSON), orJSON(r.EngineOptionsJSON),
		r.InputManifestPath, r.InputManifestHash, r.SkillFingerprint,
		nullable(r.CacheKey), nullable(r.RunID), r.Status,
		boolInt(r.TempSkill), now, now)
	return err
}

// GetRequest loads a request by id.
func (s *Store) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, skill_id, engine, execution_mode, payload_json,
			runtime_options_json, engine_options_json, input_manifest_path,
			input_manifest_hash, skill_fingerprint,
			COALESCE(cache_key, ''), COALESCE(run_id, ''), status, temp_skill,
			created_at_unix_ms, updated_at_unix_ms
		FROM requests WHERE request_id = ?`, requestID)

	var r Request
	var temp int
	err := row.Scan(&r.RequestID, &r.SkillID, &r.Engine, &r.ExecutionMode,
		&r.PayloadJSON, &r.RuntimeOptionsJSON, &r.EngineOptionsJSON,
		&r.InputManifestPath, &r.InputManifestHash, &r.SkillFingerprint,
		&r.CacheKey, &r.RunID, &r.Status, &temp,
		&r.CreatedAtUnixMs, &r.UpdatedAtUnixMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.TempSkill = temp != 0
	return &r, nil
}

// BindRun attaches a run (fresh or cache-bound) to the request.
func (s *Store) BindRun(ctx context.Context, requestID, runID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET run_id = ?, updated_at_unix_ms = ? WHERE request_id = ?`,
		runID, nowMs(), requestID)
	if err != nil {
		return err
	}
	return requireRow(res, requestID)
}

// SetRequestStatus updates the request's status mirror.
func (s *Store) SetRequestStatus(ctx context.Context, requestID, status string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, updated_at_unix_ms = ? WHERE request_id = ?`,
		status, nowMs(), requestID)
	if err != nil {
		return err
	}
	return requireRow(res, requestID)
}

// SetRequestCacheKey records the derived cache key.
func (s *Store) SetRequestCacheKey(ctx context.Context, requestID, cacheKey string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE requests SET cache_key = ?, updated_at_unix_ms = ? WHERE request_id = ?`,
		nullable(cacheKey), nowMs(), requestID)
	if err != nil {
		return err
	}
	return requireRow(res, requestID)
}

// CreateRun inserts a run row.
func (s *Store) CreateRun(ctx context.Context, r *Run) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(r.RunID) == "" {
		return errors.New("missing run_id")
	}
	now := nowMs()
	if r.Status == "" {
		r.Status = StatusQueued
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (
			run_id, request_id, skill_id, engine, execution_mode, status,
			failure_code, failure_message, attempt, session_handle_json,
			cache_key, created_at_unix_ms, updated_at_unix_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.RequestID, r.SkillID, r.Engine, r.ExecutionMode, r.Status,
		r.FailureCode, r.FailureMessage, r.Attempt, r.SessionHandleJSON,
		nullable(r.CacheKey), now, now)
	return err
}

// GetRun loads a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*Run, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, request_id, skill_id, engine, execution_mode, status,
			failure_code, failure_message, attempt, session_handle_json,
			COALESCE(cache_key, ''), created_at_unix_ms, updated_at_unix_ms
		FROM runs WHERE run_id = ?`, runID)

	var r Run
	err := row.Scan(&r.RunID, &r.RequestID, &r.SkillID, &r.Engine,
		&r.ExecutionMode, &r.Status, &r.FailureCode, &r.FailureMessage,
		&r.Attempt, &r.SessionHandleJSON, &r.CacheKey,
		&r.CreatedAtUnixMs, &r.UpdatedAtUnixMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// SetRunStatus transitions a run. Terminal states are sinks: once terminal,
// further transitions are rejected.
func (s *Store) SetRunStatus(ctx context.Context, runID, status, failureCode, failureMessage string) error {
	if err := s.ready(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if IsTerminal(current) {
		return fmt.Errorf("run %s is already %s", runID, current)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE runs SET status = ?, failure_code = ?, failure_message = ?, updated_at_unix_ms = ?
		WHERE run_id = ?`,
		status, failureCode, failureMessage, nowMs(), runID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE requests SET status = ?, updated_at_unix_ms = ? WHERE run_id = ?`,
		status, nowMs(), runID); err != nil {
		return err
	}
	return tx.Commit()
}

// BeginAttempt bumps and returns the run's attempt number (1, 2, ...).
func (s *Store) BeginAttempt(ctx context.Context, runID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE runs SET attempt = attempt + 1, updated_at_unix_ms = ? WHERE run_id = ?`,
		nowMs(), runID)
	if err != nil {
		return 0, err
	}
	if err := requireRow(res, runID); err != nil {
		return 0, err
	}
	var attempt int
	if err := tx.QueryRowContext(ctx, `SELECT attempt FROM runs WHERE run_id = ?`, runID).Scan(&attempt); err != nil {
		return 0, err
	}
	return attempt, tx.Commit()
}

// SetSessionHandle persists the resume handle emitted by the latest attempt.
func (s *Store) SetSessionHandle(ctx context.Context, runID, handleJSON string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET session_handle_json = ?, updated_at_unix_ms = ? WHERE run_id = ?`,
		handleJSON, nowMs(), runID)
	if err != nil {
		return err
	}
	return requireRow(res, runID)
}

// ListNonTerminalRuns returns runs needing startup reconciliation.
func (s *Store) ListNonTerminalRuns(ctx context.Context) ([]Run, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, request_id, skill_id, engine, execution_mode, status,
			failure_code, failure_message, attempt, session_handle_json,
			COALESCE(cache_key, ''), created_at_unix_ms, updated_at_unix_ms
		FROM runs WHERE status IN (?, ?, ?) ORDER BY created_at_unix_ms`,
		StatusQueued, StatusRunning, StatusWaitingUser)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.RunID, &r.RequestID, &r.SkillID, &r.Engine,
			&r.ExecutionMode, &r.Status, &r.FailureCode, &r.FailureMessage,
			&r.Attempt, &r.SessionHandleJSON, &r.CacheKey,
			&r.CreatedAtUnixMs, &r.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PutCacheEntry records cache_key → run_id exactly once. The run must be
// succeeded; a pre-existing entry for the key wins and is left untouched.
func (s *Store) PutCacheEntry(ctx context.Context, namespace, cacheKey, runID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if strings.TrimSpace(cacheKey) == "" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if status != StatusSucceeded {
		return fmt.Errorf("run %s is %s, cache entries require succeeded", runID, status)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO cache_entries (namespace, cache_key, run_id, created_at_unix_ms)
		VALUES (?, ?, ?, ?)`, namespace, cacheKey, runID, nowMs()); err != nil {
		return err
	}
	return tx.Commit()
}

// LookupCache resolves a cache key to a succeeded run id; empty when absent.
func (s *Store) LookupCache(ctx context.Context, namespace, cacheKey string) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	if strings.TrimSpace(cacheKey) == "" {
		return "", nil
	}
	var runID string
	err := s.db.QueryRowContext(ctx, `
		SELECT ce.run_id FROM cache_entries ce
		JOIN runs r ON r.run_id = ce.run_id
		WHERE ce.namespace = ? AND ce.cache_key = ? AND r.status = ?`,
		namespace, cacheKey, StatusSucceeded).Scan(&runID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return runID, nil
}

// PurgeCache drops cache entries, optionally limited to one namespace.
func (s *Store) PurgeCache(ctx context.Context, namespace string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	var res sql.Result
	var err error
	if strings.TrimSpace(namespace) == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM cache_entries`)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE namespace = ?`, namespace)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullable(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func orJSON(s string) string {
	if strings.TrimSpace(s) == "" {
		return "{}"
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
