package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

// ReplyStatus classifies a submit_interaction_reply outcome.
type ReplyStatus string

const (
	ReplyAccepted            ReplyStatus = "accepted"
	ReplyIdempotent          ReplyStatus = "idempotent"
	ReplyIdempotencyConflict ReplyStatus = "idempotency_conflict"
	ReplyStale               ReplyStatus = "stale"
)

// PendingInteractionRow is the currently open interaction for a request.
type PendingInteractionRow struct {
	RequestID       string `json:"request_id"`
	InteractionID   int    `json:"interaction_id"`
	PayloadJSON     string `json:"payload_json"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// HistoryRow is one resolved interaction.
type HistoryRow struct {
	RequestID       string `json:"request_id"`
	InteractionID   int    `json:"interaction_id"`
	ResponseJSON    string `json:"response_json"`
	IdempotencyKey  string `json:"idempotency_key"`
	ResolutionMode  string `json:"resolution_mode"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms"`
}

// NextInteractionID allocates the request's next interaction id, starting
// at 1 and monotonic for the lifetime of the request.
func (s *Store) NextInteractionID(ctx context.Context, requestID string) (int, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE requests SET interaction_seq = interaction_seq + 1, updated_at_unix_ms = ?
		WHERE request_id = ?`, nowMs(), requestID)
	if err != nil {
		return 0, err
	}
	if err := requireRow(res, requestID); err != nil {
		return 0, err
	}
	var id int
	if err := tx.QueryRowContext(ctx,
		`SELECT interaction_seq FROM requests WHERE request_id = ?`, requestID).Scan(&id); err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// SetPendingInteraction replaces the request's pending interaction.
func (s *Store) SetPendingInteraction(ctx context.Context, requestID string, interactionID int, payloadJSON string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_interactions (request_id, interaction_id, payload_json, created_at_unix_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			interaction_id = excluded.interaction_id,
			payload_json = excluded.payload_json,
			created_at_unix_ms = excluded.created_at_unix_ms`,
		requestID, interactionID, payloadJSON, nowMs())
	return err
}

// GetPendingInteraction returns the open interaction, or nil when none.
func (s *Store) GetPendingInteraction(ctx context.Context, requestID string) (*PendingInteractionRow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT request_id, interaction_id, payload_json, created_at_unix_ms
		FROM pending_interactions WHERE request_id = ?`, requestID)

	var p PendingInteractionRow
	err := row.Scan(&p.RequestID, &p.InteractionID, &p.PayloadJSON, &p.CreatedAtUnixMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ClearPendingInteraction removes the open interaction, if any.
func (s *Store) ClearPendingInteraction(ctx context.Context, requestID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_interactions WHERE request_id = ?`, requestID)
	return err
}

// SubmitInteractionReply records a user reply. All resolution happens inside
// one transaction so concurrent replies for the same interaction serialize:
//   - stale: interactionID is not the current pending interaction.
//   - idempotent: same (interaction_id, idempotency_key) with equal response.
//   - idempotency_conflict: same key, different response.
//   - accepted: reply recorded, pending cleared, history appended.
func (s *Store) SubmitInteractionReply(ctx context.Context, requestID string, interactionID int, responseJSON, idempotencyKey string) (ReplyStatus, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	if idempotencyKey = strings.TrimSpace(idempotencyKey); idempotencyKey != "" {
		var prior string
		err := tx.QueryRowContext(ctx, `
			SELECT response_json FROM interaction_history
			WHERE request_id = ? AND interaction_id = ? AND idempotency_key = ?
			ORDER BY id DESC LIMIT 1`,
			requestID, interactionID, idempotencyKey).Scan(&prior)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return "", err
		}
		if err == nil {
			if prior == responseJSON {
				return ReplyIdempotent, nil
			}
			return ReplyIdempotencyConflict, nil
		}
	}

	var pendingID int
	err = tx.QueryRowContext(ctx,
		`SELECT interaction_id FROM pending_interactions WHERE request_id = ?`, requestID).Scan(&pendingID)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && pendingID != interactionID) {
		return ReplyStale, nil
	}
	if err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_interactions WHERE request_id = ?`, requestID); err != nil {
		return "", err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO interaction_history (request_id, interaction_id, response_json, idempotency_key, resolution_mode, created_at_unix_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		requestID, interactionID, responseJSON, idempotencyKey, ResolutionUserReply, nowMs()); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return ReplyAccepted, nil
}

// RecordAutoDecision resolves the pending interaction with a synthesized
// reply and bumps the request's auto-decision counter.
func (s *Store) RecordAutoDecision(ctx context.Context, requestID string, interactionID int, responseJSON string) error {
	if err := s.ready(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_interactions WHERE request_id = ?`, requestID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO interaction_history (request_id, interaction_id, response_json, idempotency_key, resolution_mode, created_at_unix_ms)
		VALUES (?, ?, ?, '', ?, ?)`,
		requestID, interactionID, responseJSON, ResolutionAutoDecideTimeout, nowMs()); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO auto_decision_stats (request_id, auto_decision_count, last_auto_decision_at_unix_ms)
		VALUES (?, 1, ?)
		ON CONFLICT(request_id) DO UPDATE SET
			auto_decision_count = auto_decision_count + 1,
			last_auto_decision_at_unix_ms = excluded.last_auto_decision_at_unix_ms`,
		requestID, nowMs()); err != nil {
		return err
	}
	return tx.Commit()
}

// AutoDecisionStats reports how many interactions were auto-decided and when
// the last one happened (0 when none).
func (s *Store) AutoDecisionStats(ctx context.Context, requestID string) (count int, lastAtMs int64, err error) {
	if err := s.ready(); err != nil {
		return 0, 0, err
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT auto_decision_count, last_auto_decision_at_unix_ms
		FROM auto_decision_stats WHERE request_id = ?`, requestID).Scan(&count, &lastAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	return count, lastAtMs, err
}

// ListInteractionHistory returns resolved interactions in resolution order.
func (s *Store) ListInteractionHistory(ctx context.Context, requestID string) ([]HistoryRow, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT request_id, interaction_id, response_json, idempotency_key, resolution_mode, created_at_unix_ms
		FROM interaction_history WHERE request_id = ? ORDER BY id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var h HistoryRow
		if err := rows.Scan(&h.RequestID, &h.InteractionID, &h.ResponseJSON,
			&h.IdempotencyKey, &h.ResolutionMode, &h.CreatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// InteractiveRuntime tracks a sticky-process binding while a run parks in
// waiting_user.
type InteractiveRuntime struct {
	RunID                string `json:"run_id"`
	Kind                 string `json:"kind"`
	WaitDeadlineAtUnixMs int64  `json:"wait_deadline_at_unix_ms"`
	ProcessAlive         bool   `json:"process_alive"`
	UpdatedAtUnixMs      int64  `json:"updated_at_unix_ms"`
}

// UpsertInteractiveRuntime records or refreshes the sticky binding.
func (s *Store) UpsertInteractiveRuntime(ctx context.Context, rt *InteractiveRuntime) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactive_runtime (run_id, kind, wait_deadline_at_unix_ms, process_alive, updated_at_unix_ms)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			kind = excluded.kind,
			wait_deadline_at_unix_ms = excluded.wait_deadline_at_unix_ms,
			process_alive = excluded.process_alive,
			updated_at_unix_ms = excluded.updated_at_unix_ms`,
		rt.RunID, rt.Kind, rt.WaitDeadlineAtUnixMs, boolInt(rt.ProcessAlive), nowMs())
	return err
}

// GetInteractiveRuntime returns the sticky binding, or nil when none.
func (s *Store) GetInteractiveRuntime(ctx context.Context, runID string) (*InteractiveRuntime, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, kind, wait_deadline_at_unix_ms, process_alive, updated_at_unix_ms
		FROM interactive_runtime WHERE run_id = ?`, runID)

	var rt InteractiveRuntime
	var alive int
	err := row.Scan(&rt.RunID, &rt.Kind, &rt.WaitDeadlineAtUnixMs, &alive, &rt.UpdatedAtUnixMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rt.ProcessAlive = alive != 0
	return &rt, nil
}

// MarkRuntimeDead flips the sticky binding's liveness off.
func (s *Store) MarkRuntimeDead(ctx context.Context, runID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE interactive_runtime SET process_alive = 0, updated_at_unix_ms = ? WHERE run_id = ?`,
		nowMs(), runID)
	return err
}

// RecordRecovery notes the startup-reconciliation decision for a run.
func (s *Store) RecordRecovery(ctx context.Context, runID, state, reason string) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery (run_id, recovery_state, reason, created_at_unix_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET
			recovery_state = excluded.recovery_state,
			reason = excluded.reason,
			created_at_unix_ms = excluded.created_at_unix_ms`,
		runID, state, reason, nowMs())
	return err
}

// GetRecovery returns the reconciliation record, or an empty state when none.
func (s *Store) GetRecovery(ctx context.Context, runID string) (state, reason string, atMs int64, err error) {
	if err := s.ready(); err != nil {
		return "", "", 0, err
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT recovery_state, reason, created_at_unix_ms FROM recovery WHERE run_id = ?`, runID).
		Scan(&state, &reason, &atMs)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", 0, nil
	}
	return state, reason, atMs, err
}
