package store

import (
	"context"
	"database/sql"
	"time"

	"medlearn/internal/logging"
	"medlearn/internal/types"
)

// =============================================================================
// MASTERY RECORDS
// =============================================================================

// UpsertMastery writes the canonical mastery row for (user, theme). Blocked
// while the runtime is frozen; idempotent per (user, theme, run_id), so a
// replayed run overwrites with identical values.
func (s *Store) UpsertMastery(ctx context.Context, rec MasteryRecord) error {
	timer := logging.StartTimer(logging.CategoryStore, "UpsertMastery")
	defer timer.Stop()

	if rec.MasteryScore < 0 || rec.MasteryScore > 1 {
		return types.NewError(types.KindIntegrity, "MASTERY_RANGE", "score %v outside [0,1] for %s/%s", rec.MasteryScore, rec.UserID, rec.ThemeID)
	}

	return s.guardedTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO mastery
			 (user_id, theme_id, attempts_total, correct_total, accuracy_pct,
			  mastery_score, mastery_model, reason, model_state_json, last_attempt_at,
			  algo_version_id, params_id, run_id, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, theme_id) DO UPDATE SET
				attempts_total = excluded.attempts_total,
				correct_total = excluded.correct_total,
				accuracy_pct = excluded.accuracy_pct,
				mastery_score = excluded.mastery_score,
				mastery_model = excluded.mastery_model,
				reason = excluded.reason,
				model_state_json = excluded.model_state_json,
				last_attempt_at = excluded.last_attempt_at,
				algo_version_id = excluded.algo_version_id,
				params_id = excluded.params_id,
				run_id = excluded.run_id,
				updated_at = excluded.updated_at`,
			rec.UserID, rec.ThemeID, rec.AttemptsTotal, rec.CorrectTotal,
			rec.AccuracyPct, rec.MasteryScore, string(rec.MasteryModel),
			rec.Reason, rec.ModelState, rec.LastAttemptAt,
			rec.Provenance.AlgoVersionID, rec.Provenance.ParamsID,
			rec.Provenance.RunID, s.now().UTC())
		return err
	})
}

// UpsertShadowMastery writes to the shadow table. Shadow computation never
// influences learner-visible output; still blocked by freeze.
func (s *Store) UpsertShadowMastery(ctx context.Context, rec MasteryRecord) error {
	return s.guardedTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO shadow_mastery (user_id, theme_id, mastery_score, mastery_model, model_state_json, run_id, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, theme_id) DO UPDATE SET
				mastery_score = excluded.mastery_score,
				mastery_model = excluded.mastery_model,
				model_state_json = excluded.model_state_json,
				run_id = excluded.run_id,
				updated_at = excluded.updated_at`,
			rec.UserID, rec.ThemeID, rec.MasteryScore, string(rec.MasteryModel),
			rec.ModelState, rec.Provenance.RunID, s.now().UTC())
		return err
	})
}

func scanMastery(scanner interface{ Scan(...interface{}) error }) (MasteryRecord, error) {
	var rec MasteryRecord
	var model string
	var lastAttempt sql.NullTime
	err := scanner.Scan(&rec.UserID, &rec.ThemeID, &rec.AttemptsTotal,
		&rec.CorrectTotal, &rec.AccuracyPct, &rec.MasteryScore, &model,
		&rec.Reason, &rec.ModelState, &lastAttempt,
		&rec.Provenance.AlgoVersionID, &rec.Provenance.ParamsID,
		&rec.Provenance.RunID, &rec.UpdatedAt)
	if err != nil {
		return MasteryRecord{}, err
	}
	rec.MasteryModel = types.ModuleVersion(model)
	if lastAttempt.Valid {
		t := lastAttempt.Time
		rec.LastAttemptAt = &t
	}
	return rec, nil
}

const masteryColumns = `user_id, theme_id, attempts_total, correct_total, accuracy_pct,
	mastery_score, mastery_model, reason, model_state_json, last_attempt_at,
	algo_version_id, params_id, run_id, updated_at`

// GetMastery fetches one (user, theme) record; ErrNotFound when the learner
// has no history on the theme.
func (s *Store) GetMastery(ctx context.Context, userID, themeID string) (MasteryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+masteryColumns+` FROM mastery WHERE user_id = ? AND theme_id = ?`,
		userID, themeID)
	rec, err := scanMastery(row)
	if err == sql.ErrNoRows {
		return MasteryRecord{}, types.ErrNotFound
	}
	return rec, err
}

// ListMasteryByUser returns every theme record for a learner, keyed by theme.
func (s *Store) ListMasteryByUser(ctx context.Context, userID string) (map[string]MasteryRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+masteryColumns+` FROM mastery WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]MasteryRecord)
	for rows.Next() {
		rec, err := scanMastery(rows)
		if err != nil {
			return nil, err
		}
		out[rec.ThemeID] = rec
	}
	return out, rows.Err()
}

// =============================================================================
// ATTEMPT HISTORY (mastery model input)
// =============================================================================

// ThemeAttempt is one graded answer with its item difficulty, the input the
// mastery models replay.
type ThemeAttempt struct {
	ItemID     string
	Correct    bool
	Hard       bool
	AnsweredAt time.Time
}

// AttemptHistory returns the learner's graded answers on a theme within the
// lookback horizon, oldest first, read from terminal sessions' frozen items.
// Theme and difficulty come from the frozen snapshot so a later republish
// cannot relabel history, and open sessions never feed a recompute.
func (s *Store) AttemptHistory(ctx context.Context, userID, themeID string, horizonDays int) ([]ThemeAttempt, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -horizonDays)
	rows, err := s.db.QueryContext(ctx,
		`SELECT sa.item_id, sa.is_correct, json_extract(si.frozen_json, '$.difficulty'), sa.answered_at
		 FROM session_answers sa
		 JOIN sessions se ON se.id = sa.session_id
		 JOIN session_items si ON si.session_id = sa.session_id AND si.item_id = sa.item_id
		 WHERE se.user_id = ?
		   AND se.status IN ('SUBMITTED', 'EXPIRED')
		   AND json_extract(si.frozen_json, '$.theme_id') = ?
		   AND sa.is_correct IS NOT NULL
		   AND sa.answered_at >= ?
		 ORDER BY sa.answered_at ASC`,
		userID, themeID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ThemeAttempt
	for rows.Next() {
		var a ThemeAttempt
		var correct int
		var difficulty string
		var answeredAt sql.NullTime
		if err := rows.Scan(&a.ItemID, &correct, &difficulty, &answeredAt); err != nil {
			return nil, err
		}
		a.Correct = correct != 0
		a.Hard = difficulty == "hard"
		if answeredAt.Valid {
			a.AnsweredAt = answeredAt.Time
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
