package store

import (
	"context"
	"database/sql"

	"medlearn/internal/types"
)

// =============================================================================
// REVISION (SPACED-REPETITION) RECORDS
// =============================================================================

// UpsertRevision writes the canonical schedule for (user, theme). Blocked
// while the runtime is frozen.
func (s *Store) UpsertRevision(ctx context.Context, rec RevisionRecord) error {
	return s.guardedTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO revision_state
			 (user_id, theme_id, model, due_at, last_review_at, stability, difficulty,
			  retrievability, interval_days, stage, reviews,
			  algo_version_id, params_id, run_id, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, theme_id) DO UPDATE SET
				model = excluded.model,
				due_at = excluded.due_at,
				last_review_at = excluded.last_review_at,
				stability = excluded.stability,
				difficulty = excluded.difficulty,
				retrievability = excluded.retrievability,
				interval_days = excluded.interval_days,
				stage = excluded.stage,
				reviews = excluded.reviews,
				algo_version_id = excluded.algo_version_id,
				params_id = excluded.params_id,
				run_id = excluded.run_id,
				updated_at = excluded.updated_at`,
			rec.UserID, rec.ThemeID, string(rec.Model), rec.DueAt.UTC(),
			rec.LastReviewAt.UTC(), rec.Stability, rec.Difficulty,
			rec.Retrievability, rec.IntervalDays, rec.Stage, rec.Reviews,
			rec.Provenance.AlgoVersionID, rec.Provenance.ParamsID,
			rec.Provenance.RunID, s.now().UTC())
		return err
	})
}

func scanRevision(scanner interface{ Scan(...interface{}) error }) (RevisionRecord, error) {
	var rec RevisionRecord
	var model string
	err := scanner.Scan(&rec.UserID, &rec.ThemeID, &model, &rec.DueAt,
		&rec.LastReviewAt, &rec.Stability, &rec.Difficulty, &rec.Retrievability,
		&rec.IntervalDays, &rec.Stage, &rec.Reviews,
		&rec.Provenance.AlgoVersionID, &rec.Provenance.ParamsID,
		&rec.Provenance.RunID, &rec.UpdatedAt)
	if err != nil {
		return RevisionRecord{}, err
	}
	rec.Model = types.ModuleVersion(model)
	return rec, nil
}

const revisionColumns = `user_id, theme_id, model, due_at, last_review_at, stability,
	difficulty, retrievability, interval_days, stage, reviews,
	algo_version_id, params_id, run_id, updated_at`

// GetRevision fetches one (user, theme) schedule.
func (s *Store) GetRevision(ctx context.Context, userID, themeID string) (RevisionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+revisionColumns+` FROM revision_state WHERE user_id = ? AND theme_id = ?`,
		userID, themeID)
	rec, err := scanRevision(row)
	if err == sql.ErrNoRows {
		return RevisionRecord{}, types.ErrNotFound
	}
	return rec, err
}

// ListRevisionsByUser returns every schedule for a learner, keyed by theme.
func (s *Store) ListRevisionsByUser(ctx context.Context, userID string) (map[string]RevisionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+revisionColumns+` FROM revision_state WHERE user_id = ?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]RevisionRecord)
	for rows.Next() {
		rec, err := scanRevision(rows)
		if err != nil {
			return nil, err
		}
		out[rec.ThemeID] = rec
	}
	return out, rows.Err()
}

// DueThemeCounts returns, per theme, how many of the learner's tracked themes
// are at or past due. The selection engine turns this into due_ratio.
func (s *Store) DueThemeCounts(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT theme_id FROM revision_state WHERE user_id = ? AND due_at <= ?`,
		userID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	due := make(map[string]bool)
	for rows.Next() {
		var theme string
		if err := rows.Scan(&theme); err != nil {
			return nil, err
		}
		due[theme] = true
	}
	return due, rows.Err()
}
