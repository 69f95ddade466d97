package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"medlearn/internal/logging"
	"medlearn/internal/types"
)

// =============================================================================
// SESSIONS
// =============================================================================

// CreateSession persists the session row plus every frozen item in a single
// transaction. The runtime snapshot and seed are fixed here and never change.
func (s *Store) CreateSession(ctx context.Context, sess SessionRow, items []Item) error {
	timer := logging.StartTimer(logging.CategoryStore, "CreateSession")
	defer timer.Stop()

	blocksJSON, _ := json.Marshal(sess.BlockIDs)
	themesJSON, _ := json.Marshal(sess.ThemeIDs)
	overridesJSON, _ := json.Marshal(sess.Snapshot.Overrides)

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions
			 (id, user_id, mode, year, blocks_json, themes_json, total_questions,
			  status, started_at, expires_at, duration_seconds, seed,
			  algo_profile_at_start, algo_overrides_at_start, algo_policy_at_start,
			  exam_mode_at_start, freeze_updates_at_start)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 'ACTIVE', ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.UserID, string(sess.Mode), sess.Year,
			string(blocksJSON), string(themesJSON), sess.TotalQuestions,
			sess.StartedAt.UTC(), nullableTime(sess.ExpiresAt), sess.DurationSeconds,
			sess.Seed, string(sess.Snapshot.Profile), string(overridesJSON),
			sess.Snapshot.PolicyVersion, boolToInt(sess.Snapshot.ExamMode),
			boolToInt(sess.Snapshot.FreezeUpdates))
		if err != nil {
			return fmt.Errorf("insert session: %w", err)
		}

		for pos, it := range items {
			versionID, err := s.FreezeItemVersion(ctx, tx, it)
			if err != nil {
				return fmt.Errorf("freeze item %s: %w", it.ID, err)
			}
			frozen := FrozenItem{
				Stem:         it.Stem,
				Options:      it.Options,
				CorrectIndex: it.CorrectIndex,
				Explanation:  it.Explanation,
				Year:         it.Year,
				BlockID:      it.BlockID,
				ThemeID:      it.ThemeID,
				ConceptID:    it.ConceptID,
				Difficulty:   it.Difficulty,
			}
			blob, err := json.Marshal(frozen)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO session_items (session_id, position, item_id, item_version_id, frozen_json)
				 VALUES (?, ?, ?, ?, ?)`,
				sess.ID, pos+1, it.ID, versionID, string(blob)); err != nil {
				return fmt.Errorf("insert session item %d: %w", pos+1, err)
			}
		}
		return nil
	})
}

func scanSession(scanner interface{ Scan(...interface{}) error }) (SessionRow, error) {
	var (
		sess          SessionRow
		mode, status  string
		blocksJSON    string
		themesJSON    string
		overridesJSON string
		profile       string
		examMode      int
		freeze        int
		expiresAt     sql.NullTime
		submittedAt   sql.NullTime
		duration      sql.NullInt64
		scoreCorrect  sql.NullInt64
		scoreTotal    sql.NullInt64
		scorePct      sql.NullFloat64
	)
	err := scanner.Scan(&sess.ID, &sess.UserID, &mode, &sess.Year, &blocksJSON,
		&themesJSON, &sess.TotalQuestions, &status, &sess.StartedAt, &expiresAt,
		&duration, &submittedAt, &scoreCorrect, &scoreTotal, &scorePct,
		&sess.Seed, &sess.TerminatedReason, &profile, &overridesJSON,
		&sess.Snapshot.PolicyVersion, &examMode, &freeze)
	if err != nil {
		return SessionRow{}, err
	}

	sess.Mode = types.SessionMode(mode)
	sess.Status = types.SessionStatus(status)
	sess.Snapshot.Profile = types.Profile(profile)
	sess.Snapshot.ExamMode = examMode != 0
	sess.Snapshot.FreezeUpdates = freeze != 0
	json.Unmarshal([]byte(blocksJSON), &sess.BlockIDs)
	json.Unmarshal([]byte(themesJSON), &sess.ThemeIDs)
	sess.Snapshot.Overrides = map[types.ModuleName]types.ModuleVersion{}
	json.Unmarshal([]byte(overridesJSON), &sess.Snapshot.Overrides)

	if expiresAt.Valid {
		t := expiresAt.Time
		sess.ExpiresAt = &t
	}
	if submittedAt.Valid {
		t := submittedAt.Time
		sess.SubmittedAt = &t
	}
	if duration.Valid {
		d := int(duration.Int64)
		sess.DurationSeconds = &d
	}
	if scoreCorrect.Valid {
		v := int(scoreCorrect.Int64)
		sess.ScoreCorrect = &v
	}
	if scoreTotal.Valid {
		v := int(scoreTotal.Int64)
		sess.ScoreTotal = &v
	}
	if scorePct.Valid {
		v := scorePct.Float64
		sess.ScorePct = &v
	}
	return sess, nil
}

const sessionColumns = `id, user_id, mode, year, blocks_json, themes_json, total_questions,
	status, started_at, expires_at, duration_seconds, submitted_at,
	score_correct, score_total, score_pct, seed, terminated_reason,
	algo_profile_at_start, algo_overrides_at_start, algo_policy_at_start,
	exam_mode_at_start, freeze_updates_at_start`

// GetSession fetches one session row.
func (s *Store) GetSession(ctx context.Context, id string) (SessionRow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return SessionRow{}, types.ErrNotFound
	}
	return sess, err
}

// GetSessionItems returns the frozen items in position order.
func (s *Store) GetSessionItems(ctx context.Context, sessionID string) ([]SessionItemRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, position, item_id, item_version_id, frozen_json
		 FROM session_items WHERE session_id = ? ORDER BY position`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionItemRow
	for rows.Next() {
		var row SessionItemRow
		var frozenJSON string
		if err := rows.Scan(&row.SessionID, &row.Position, &row.ItemID,
			&row.ItemVersionID, &frozenJSON); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(frozenJSON), &row.Frozen); err != nil {
			return nil, fmt.Errorf("frozen snapshot %s/%d: %w", sessionID, row.Position, err)
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// GetSessionAnswers returns all answers for a session, keyed by item.
func (s *Store) GetSessionAnswers(ctx context.Context, sessionID string) (map[string]SessionAnswerRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, item_id, selected_index, is_correct, answered_at,
		        changed_count, marked_for_review, updated_at
		 FROM session_answers WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]SessionAnswerRow)
	for rows.Next() {
		var row SessionAnswerRow
		var selected sql.NullInt64
		var correct sql.NullInt64
		var answeredAt sql.NullTime
		var marked int
		if err := rows.Scan(&row.SessionID, &row.ItemID, &selected, &correct,
			&answeredAt, &row.ChangedCount, &marked, &row.UpdatedAt); err != nil {
			return nil, err
		}
		if selected.Valid {
			v := int(selected.Int64)
			row.SelectedIndex = &v
		}
		if correct.Valid {
			b := correct.Int64 != 0
			row.IsCorrect = &b
		}
		if answeredAt.Valid {
			t := answeredAt.Time
			row.AnsweredAt = &t
		}
		row.MarkedForReview = marked != 0
		out[row.ItemID] = row
	}
	return out, rows.Err()
}

// UpsertAnswer applies one answer mutation under UNIQUE(session, item).
// Concurrent writers serialize on the constraint: at most one row exists and
// the final contents are the last committed writer's. changed_count
// increments when a non-null selection differs from the previous one;
// answered_at is stamped on the first non-null selection. is_correct is
// graded against the frozen snapshot, never the live item.
func (s *Store) UpsertAnswer(ctx context.Context, sessionID, itemID string, selectedIndex *int, markedForReview *bool) (SessionAnswerRow, error) {
	timer := logging.StartTimer(logging.CategoryStore, "UpsertAnswer")
	defer timer.Stop()

	var out SessionAnswerRow
	now := s.now().UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// Grade against the frozen snapshot inside the same transaction.
		var frozenJSON string
		err := tx.QueryRowContext(ctx,
			`SELECT frozen_json FROM session_items WHERE session_id = ? AND item_id = ?`,
			sessionID, itemID).Scan(&frozenJSON)
		if err == sql.ErrNoRows {
			return types.NewError(types.KindNotFound, "ITEM_NOT_IN_SESSION", "item %s not part of session %s", itemID, sessionID)
		}
		if err != nil {
			return err
		}
		var frozen FrozenItem
		if err := json.Unmarshal([]byte(frozenJSON), &frozen); err != nil {
			return err
		}

		var (
			prevSelected sql.NullInt64
			prevChanged  int
			prevMarked   int
			prevAnswered sql.NullTime
		)
		exists := true
		err = tx.QueryRowContext(ctx,
			`SELECT selected_index, changed_count, marked_for_review, answered_at
			 FROM session_answers WHERE session_id = ? AND item_id = ?`,
			sessionID, itemID).Scan(&prevSelected, &prevChanged, &prevMarked, &prevAnswered)
		if err == sql.ErrNoRows {
			exists = false
		} else if err != nil {
			return err
		}

		out = SessionAnswerRow{
			SessionID:       sessionID,
			ItemID:          itemID,
			ChangedCount:    prevChanged,
			MarkedForReview: prevMarked != 0,
			UpdatedAt:       now,
		}
		if prevAnswered.Valid {
			t := prevAnswered.Time
			out.AnsweredAt = &t
		}

		// Selection semantics: nil leaves the previous selection alone.
		if selectedIndex != nil {
			if *selectedIndex < 0 || *selectedIndex > 4 {
				return types.NewError(types.KindValidation, "SELECTED_INDEX", "selected_index %d out of range", *selectedIndex)
			}
			if prevSelected.Valid && int(prevSelected.Int64) != *selectedIndex {
				out.ChangedCount = prevChanged + 1
			}
			if !prevSelected.Valid {
				out.AnsweredAt = &now
			}
			sel := *selectedIndex
			out.SelectedIndex = &sel
			correct := sel == frozen.CorrectIndex
			out.IsCorrect = &correct
		} else if prevSelected.Valid {
			sel := int(prevSelected.Int64)
			out.SelectedIndex = &sel
			correct := sel == frozen.CorrectIndex
			out.IsCorrect = &correct
		}

		if markedForReview != nil {
			out.MarkedForReview = *markedForReview
		}

		if !exists {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO session_answers
				 (session_id, item_id, selected_index, is_correct, answered_at, changed_count, marked_for_review, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				sessionID, itemID, nullableInt(out.SelectedIndex), nullableBool(out.IsCorrect),
				nullableTime(out.AnsweredAt), out.ChangedCount, boolToInt(out.MarkedForReview), now)
			if err != nil && isUniqueViolation(err) {
				// Concurrent insert won; merge against the racer's row.
				err = mergeAnswerRowTx(ctx, tx, sessionID, itemID, selectedIndex, out.IsCorrect, markedForReview, now)
			}
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE session_answers SET selected_index = ?, is_correct = ?, answered_at = ?,
				changed_count = ?, marked_for_review = ?, updated_at = ?
			 WHERE session_id = ? AND item_id = ?`,
			nullableInt(out.SelectedIndex), nullableBool(out.IsCorrect), nullableTime(out.AnsweredAt),
			out.ChangedCount, boolToInt(out.MarkedForReview), now, sessionID, itemID)
		return err
	})
	if err != nil {
		return SessionAnswerRow{}, err
	}
	return out, nil
}

// mergeAnswerRowTx applies update semantics against a row the transaction did
// not see at read time because a concurrent insert committed first. Mirrors
// the in-transaction branch: nil fields leave the stored value alone, the
// change counter increments only when a non-null selection differs from the
// stored one, answered_at keeps its first stamp. SET expressions evaluate
// against the pre-update row, so the CASE sees the racer's selection.
func mergeAnswerRowTx(ctx context.Context, tx *sql.Tx, sessionID, itemID string, selectedIndex *int, isCorrect *bool, markedForReview *bool, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE session_answers SET
			changed_count = changed_count + (CASE WHEN ? IS NOT NULL AND selected_index IS NOT NULL AND selected_index != ? THEN 1 ELSE 0 END),
			answered_at = COALESCE(answered_at, CASE WHEN ? IS NOT NULL THEN ? END),
			selected_index = COALESCE(?, selected_index),
			is_correct = COALESCE(?, is_correct),
			marked_for_review = COALESCE(?, marked_for_review),
			updated_at = ?
		 WHERE session_id = ? AND item_id = ?`,
		nullableInt(selectedIndex), nullableInt(selectedIndex),
		nullableInt(selectedIndex), now,
		nullableInt(selectedIndex), nullableBool(isCorrect), nullableBool(markedForReview),
		now, sessionID, itemID)
	return err
}

// FinalizeSession transitions ACTIVE -> status (SUBMITTED or EXPIRED) and
// sets the score fields atomically, exactly once. The status guard in the
// UPDATE makes concurrent finalizers race-safe: only the first wins, later
// callers get (changed=false) and read the winner's scores.
func (s *Store) FinalizeSession(ctx context.Context, sessionID string, status types.SessionStatus, correct, total int, pct float64, reason string) (bool, error) {
	if !status.Terminal() {
		return false, types.NewError(types.KindValidation, "FINAL_STATUS", "status %s is not terminal", status)
	}
	now := s.now().UTC()

	var changed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, score_correct = ?, score_total = ?, score_pct = ?,
				submitted_at = ?, terminated_reason = ?
			 WHERE id = ? AND status = 'ACTIVE'`,
			string(status), correct, total, pct, now, reason, sessionID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		changed = n > 0
		return nil
	})
	return changed, err
}

// ListRecentSessions returns the learner's sessions newest first.
func (s *Store) ListRecentSessions(ctx context.Context, userID string, limit int) ([]SessionRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE user_id = ? ORDER BY started_at DESC LIMIT ?`,
		userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRow
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// =============================================================================
// ATTEMPT EVENTS
// =============================================================================

// AppendAttemptEvent records one telemetry event with a monotonic
// per-(session, item) sequence. Duplicate sequences are ignored, which makes
// client retries idempotent.
func (s *Store) AppendAttemptEvent(ctx context.Context, ev AttemptEventRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO attempt_events
		 (session_id, item_id, event_type, seq, client_ts, server_ts, payload_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.ItemID, string(ev.EventType), ev.Seq,
		nullableTime(ev.ClientTS), s.now().UTC(), orEmptyJSON(ev.Payload))
	return err
}

// ListAttemptEvents returns events for one (session, item) in sequence order.
func (s *Store) ListAttemptEvents(ctx context.Context, sessionID, itemID string) ([]AttemptEventRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, item_id, event_type, seq, client_ts, server_ts, payload_json
		 FROM attempt_events WHERE session_id = ? AND item_id = ? ORDER BY seq`,
		sessionID, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AttemptEventRow
	for rows.Next() {
		var ev AttemptEventRow
		var evType string
		var clientTS sql.NullTime
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.ItemID, &evType, &ev.Seq,
			&clientTS, &ev.ServerTS, &ev.Payload); err != nil {
			return nil, err
		}
		ev.EventType = types.AttemptEventType(evType)
		if clientTS.Valid {
			t := clientTS.Time
			ev.ClientTS = &t
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableBool(v *bool) interface{} {
	if v == nil {
		return nil
	}
	return boolToInt(*v)
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}
