package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"medlearn/internal/logging"
	"medlearn/internal/types"
)

// =============================================================================
// RUNTIME CONFIG SINGLETON
// =============================================================================

func defaultRuntimeConfig() RuntimeConfigRow {
	return RuntimeConfigRow{
		ActiveProfile: types.ProfileV1Primary,
		Overrides:     map[types.ModuleName]types.ModuleVersion{},
		SearchMode:    "database",
		PolicyVersion: 1,
	}
}

// GetRuntimeConfig reads the singleton, creating it with defaults when
// missing. Reads that race creation both see the same row afterward.
func (s *Store) GetRuntimeConfig(ctx context.Context) (RuntimeConfigRow, error) {
	row, err := s.readRuntimeConfig(ctx)
	if err == nil {
		return row, nil
	}
	if err != sql.ErrNoRows {
		return RuntimeConfigRow{}, err
	}

	def := defaultRuntimeConfig()
	_, insErr := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO runtime_config
		 (id, active_profile, overrides_json, search_mode, policy_version, active_since)
		 VALUES (1, ?, '{}', ?, ?, ?)`,
		string(def.ActiveProfile), def.SearchMode, def.PolicyVersion, s.now().UTC())
	if insErr != nil {
		return RuntimeConfigRow{}, fmt.Errorf("create runtime config: %w", insErr)
	}
	logging.Runtime("runtime config created with defaults (%s)", def.ActiveProfile)
	return s.readRuntimeConfig(ctx)
}

func (s *Store) readRuntimeConfig(ctx context.Context) (RuntimeConfigRow, error) {
	var (
		row           RuntimeConfigRow
		profile       string
		overridesJSON string
		freeze, cache int
		examMode      int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT active_profile, overrides_json, freeze_updates, prefer_cache,
		        search_mode, policy_version, exam_mode, active_since, updated_by
		 FROM runtime_config WHERE id = 1`,
	).Scan(&profile, &overridesJSON, &freeze, &cache, &row.SearchMode,
		&row.PolicyVersion, &examMode, &row.ActiveSince, &row.UpdatedBy)
	if err != nil {
		return RuntimeConfigRow{}, err
	}

	row.ActiveProfile = types.Profile(profile)
	row.FreezeUpdates = freeze != 0
	row.PreferCache = cache != 0
	row.ExamMode = examMode != 0
	row.Overrides = map[types.ModuleName]types.ModuleVersion{}
	if err := json.Unmarshal([]byte(overridesJSON), &row.Overrides); err != nil {
		return RuntimeConfigRow{}, fmt.Errorf("parse overrides: %w", err)
	}
	return row, nil
}

// UpdateRuntimeConfig applies the mutation and appends the switch event in
// one transaction. The mutation function receives the current row and
// returns the new one.
func (s *Store) UpdateRuntimeConfig(
	ctx context.Context,
	actor, action, reason string,
	mutate func(RuntimeConfigRow) (RuntimeConfigRow, error),
) (RuntimeConfigRow, error) {
	// Ensure the singleton exists before mutating.
	before, err := s.GetRuntimeConfig(ctx)
	if err != nil {
		return RuntimeConfigRow{}, err
	}

	after, err := mutate(before)
	if err != nil {
		return RuntimeConfigRow{}, err
	}

	beforeJSON, _ := json.Marshal(before)
	afterJSON, _ := json.Marshal(after)
	overridesJSON, _ := json.Marshal(after.Overrides)

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE runtime_config SET
				active_profile = ?, overrides_json = ?, freeze_updates = ?,
				prefer_cache = ?, search_mode = ?, policy_version = ?,
				exam_mode = ?, active_since = ?, updated_by = ?
			 WHERE id = 1`,
			string(after.ActiveProfile), string(overridesJSON),
			boolToInt(after.FreezeUpdates), boolToInt(after.PreferCache),
			after.SearchMode, after.PolicyVersion, boolToInt(after.ExamMode),
			s.now().UTC(), actor); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO switch_events (actor, action, before_json, after_json, reason)
			 VALUES (?, ?, ?, ?, ?)`,
			actor, action, string(beforeJSON), string(afterJSON), reason)
		return err
	})
	if err != nil {
		return RuntimeConfigRow{}, err
	}

	logging.Runtime("runtime config updated: action=%s actor=%s", action, actor)
	return after, nil
}

// ListSwitchEvents returns the most recent config changes, newest first.
func (s *Store) ListSwitchEvents(ctx context.Context, limit int) ([]SwitchEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, actor, action, before_json, after_json, reason, created_at
		 FROM switch_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []SwitchEvent
	for rows.Next() {
		var e SwitchEvent
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Before, &e.After, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// =============================================================================
// APPROVAL REQUESTS
// =============================================================================

// CreateApproval files a new PENDING request. The partial unique index
// rejects a second PENDING request for the same action type.
func (s *Store) CreateApproval(ctx context.Context, req ApprovalRequest) (ApprovalRequest, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	req.Status = types.ApprovalPending
	req.CreatedAt = s.now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approval_requests
		 (id, requester, action_type, payload_json, reason, confirmation_phrase, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'PENDING', ?)`,
		req.ID, req.Requester, string(req.ActionType), req.Payload,
		req.Reason, req.ConfirmationPhrase, req.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ApprovalRequest{}, types.ErrDuplicatePending
		}
		return ApprovalRequest{}, err
	}
	return req, nil
}

// GetApproval fetches one request by id.
func (s *Store) GetApproval(ctx context.Context, id string) (ApprovalRequest, error) {
	var (
		req       ApprovalRequest
		action    string
		status    string
		approver  sql.NullString
		decidedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, requester, action_type, payload_json, reason, confirmation_phrase,
		        status, approver, decided_at, created_at
		 FROM approval_requests WHERE id = ?`, id,
	).Scan(&req.ID, &req.Requester, &action, &req.Payload, &req.Reason,
		&req.ConfirmationPhrase, &status, &approver, &decidedAt, &req.CreatedAt)
	if err == sql.ErrNoRows {
		return ApprovalRequest{}, types.ErrNotFound
	}
	if err != nil {
		return ApprovalRequest{}, err
	}
	req.ActionType = types.ActionType(action)
	req.Status = types.ApprovalStatus(status)
	req.Approver = approver.String
	if decidedAt.Valid {
		t := decidedAt.Time
		req.DecidedAt = &t
	}
	return req, nil
}

// FindApprovalByAction returns the newest request for an action type with any
// of the given statuses.
func (s *Store) FindApprovalByAction(ctx context.Context, action types.ActionType, statuses ...types.ApprovalStatus) (ApprovalRequest, error) {
	if len(statuses) == 0 {
		statuses = []types.ApprovalStatus{types.ApprovalPending}
	}
	query := `SELECT id FROM approval_requests WHERE action_type = ? AND status IN (`
	args := []interface{}{string(action)}
	for i, st := range statuses {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, string(st))
	}
	query += `) ORDER BY created_at DESC LIMIT 1`

	var id string
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
	if err == sql.ErrNoRows {
		return ApprovalRequest{}, types.ErrNotFound
	}
	if err != nil {
		return ApprovalRequest{}, err
	}
	return s.GetApproval(ctx, id)
}

// DecideApproval transitions PENDING -> APPROVED/REJECTED. The compare in the
// UPDATE makes concurrent decisions race-safe: only one wins.
func (s *Store) DecideApproval(ctx context.Context, id, approver string, approve bool) (ApprovalRequest, error) {
	req, err := s.GetApproval(ctx, id)
	if err != nil {
		return ApprovalRequest{}, err
	}
	if req.Status != types.ApprovalPending {
		return ApprovalRequest{}, types.NewError(types.KindConflict, "APPROVAL_DECIDED", "request %s already %s", id, req.Status)
	}
	if approver == req.Requester {
		return ApprovalRequest{}, types.ErrSelfApproval
	}

	status := types.ApprovalRejected
	if approve {
		status = types.ApprovalApproved
	}
	now := s.now().UTC()

	res, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET status = ?, approver = ?, decided_at = ?
		 WHERE id = ? AND status = 'PENDING'`,
		string(status), approver, now, id)
	if err != nil {
		return ApprovalRequest{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ApprovalRequest{}, types.NewError(types.KindConflict, "APPROVAL_DECIDED", "request %s decided concurrently", id)
	}

	req.Status = status
	req.Approver = approver
	req.DecidedAt = &now
	return req, nil
}

// MarkApprovalExecuted closes out an APPROVED request after the approval path
// performed the change, so it cannot authorize a second execution.
func (s *Store) MarkApprovalExecuted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE approval_requests SET payload_json = json_set(payload_json, '$.executed_at', ?)
		 WHERE id = ?`, s.now().UTC().Format(time.RFC3339), id)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
