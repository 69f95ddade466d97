package store

import (
	"context"
	"database/sql"
	"math"

	"medlearn/internal/elo"
	"medlearn/internal/logging"
	"medlearn/internal/types"
)

// =============================================================================
// ELO RATINGS
// =============================================================================

// GetEloRating reads one rating; (found=false) means cold start.
func (s *Store) GetEloRating(ctx context.Context, scope EloScope, subjectID string) (EloRow, bool, error) {
	var row EloRow
	var lastSeen sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT scope, subject_id, rating, uncertainty, n_attempts, last_seen_at, updated_at
		 FROM elo_ratings WHERE scope = ? AND subject_id = ?`,
		string(scope), subjectID,
	).Scan(&row.Scope, &row.SubjectID, &row.Rating, &row.Uncertainty,
		&row.NAttempts, &lastSeen, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return EloRow{}, false, nil
	}
	if err != nil {
		return EloRow{}, false, err
	}
	if lastSeen.Valid {
		t := lastSeen.Time
		row.LastSeenAt = &t
	}
	return row, true, nil
}

// ListEloRatings bulk-reads ratings for a scope, keyed by subject id.
func (s *Store) ListEloRatings(ctx context.Context, scope EloScope, subjectIDs []string) (map[string]EloRow, error) {
	out := make(map[string]EloRow, len(subjectIDs))
	if len(subjectIDs) == 0 {
		return out, nil
	}

	query := `SELECT scope, subject_id, rating, uncertainty, n_attempts, last_seen_at, updated_at
		 FROM elo_ratings WHERE scope = ? AND subject_id IN (` + placeholders(len(subjectIDs)) + `)`
	args := make([]interface{}, 0, len(subjectIDs)+1)
	args = append(args, string(scope))
	for _, id := range subjectIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var row EloRow
		var lastSeen sql.NullTime
		if err := rows.Scan(&row.Scope, &row.SubjectID, &row.Rating, &row.Uncertainty,
			&row.NAttempts, &lastSeen, &row.UpdatedAt); err != nil {
			return nil, err
		}
		if lastSeen.Valid {
			t := lastSeen.Time
			row.LastSeenAt = &t
		}
		out[row.SubjectID] = row
	}
	return out, rows.Err()
}

// EloApplyResult reports what an ApplyEloUpdate call did.
type EloApplyResult struct {
	Duplicate bool
	User      elo.Rating
	Item      elo.Rating
	PCorrect  float64
}

// ApplyEloUpdate runs one attempt's rating update transactionally:
// reads both sides, applies the math, writes both sides, and records the
// attempt id. Replays with the same attempt id are no-ops flagged Duplicate.
// Blocked while the runtime is frozen.
func (s *Store) ApplyEloUpdate(ctx context.Context, params elo.Params, attemptID, userID, itemID string, correct bool) (EloApplyResult, error) {
	timer := logging.StartTimer(logging.CategoryStore, "ApplyEloUpdate")
	defer timer.Stop()

	var result EloApplyResult
	now := s.now().UTC()

	err := s.guardedTx(ctx, func(tx *sql.Tx) error {
		// Idempotency ledger first: the unique PK serializes duplicates.
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO elo_applied_attempts (attempt_id, applied_at) VALUES (?, ?)`,
			attemptID, now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			result.Duplicate = true
			return nil
		}

		userRating, err := readRatingTx(ctx, tx, ScopeUser, userID, params)
		if err != nil {
			return err
		}
		itemRating, err := readRatingTx(ctx, tx, ScopeItem, itemID, params)
		if err != nil {
			return err
		}

		upd := params.Update(userRating, itemRating, correct, now)
		if math.IsNaN(upd.User.Value) || math.IsNaN(upd.Item.Value) {
			return types.NewError(types.KindIntegrity, "ELO_NONFINITE", "non-finite rating for attempt %s", attemptID)
		}

		if err := writeRatingTx(ctx, tx, ScopeUser, userID, upd.User, now); err != nil {
			return err
		}
		if err := writeRatingTx(ctx, tx, ScopeItem, itemID, upd.Item, now); err != nil {
			return err
		}

		result.User = upd.User
		result.Item = upd.Item
		result.PCorrect = upd.PCorrect
		return nil
	})
	return result, err
}

func readRatingTx(ctx context.Context, tx *sql.Tx, scope EloScope, subjectID string, params elo.Params) (elo.Rating, error) {
	var r elo.Rating
	var lastSeen sql.NullTime
	err := tx.QueryRowContext(ctx,
		`SELECT rating, uncertainty, n_attempts, last_seen_at FROM elo_ratings
		 WHERE scope = ? AND subject_id = ?`, string(scope), subjectID,
	).Scan(&r.Value, &r.Uncertainty, &r.NAttempts, &lastSeen)
	if err == sql.ErrNoRows {
		return params.NewRating(), nil
	}
	if err != nil {
		return elo.Rating{}, err
	}
	if lastSeen.Valid {
		r.LastSeenAt = lastSeen.Time
	}
	return r, nil
}

func writeRatingTx(ctx context.Context, tx *sql.Tx, scope EloScope, subjectID string, r elo.Rating, now interface{}) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO elo_ratings (scope, subject_id, rating, uncertainty, n_attempts, last_seen_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(scope, subject_id) DO UPDATE SET
			rating = excluded.rating,
			uncertainty = excluded.uncertainty,
			n_attempts = excluded.n_attempts,
			last_seen_at = excluded.last_seen_at,
			updated_at = excluded.updated_at`,
		string(scope), subjectID, r.Value, r.Uncertainty, r.NAttempts, r.LastSeenAt, now)
	return err
}

// UpsertShadowElo mirrors a rating into the shadow table.
func (s *Store) UpsertShadowElo(ctx context.Context, scope EloScope, subjectID string, r elo.Rating, runID string) error {
	return s.guardedTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO shadow_elo (scope, subject_id, rating, uncertainty, n_attempts, run_id, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(scope, subject_id) DO UPDATE SET
				rating = excluded.rating,
				uncertainty = excluded.uncertainty,
				n_attempts = excluded.n_attempts,
				run_id = excluded.run_id,
				updated_at = excluded.updated_at`,
			string(scope), subjectID, r.Value, r.Uncertainty, r.NAttempts, runID, s.now().UTC())
		return err
	})
}

// MeanItemRating returns the current mean of item-scope ratings; the recenter
// job triggers when its magnitude drifts past the configured threshold.
func (s *Store) MeanItemRating(ctx context.Context) (float64, int, error) {
	var mean sql.NullFloat64
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT AVG(rating), COUNT(*) FROM elo_ratings WHERE scope = 'item'`,
	).Scan(&mean, &n)
	if err != nil {
		return 0, 0, err
	}
	return mean.Float64, n, nil
}

// RecenterElo subtracts the item-rating mean from every item AND every user
// rating in one transaction, so each θ−b gap is preserved exactly. Returns
// the shift applied. Blocked while frozen.
func (s *Store) RecenterElo(ctx context.Context) (float64, error) {
	timer := logging.StartTimer(logging.CategoryStore, "RecenterElo")
	defer timer.Stop()

	var shift float64
	err := s.guardedTx(ctx, func(tx *sql.Tx) error {
		var mean sql.NullFloat64
		if err := tx.QueryRowContext(ctx,
			`SELECT AVG(rating) FROM elo_ratings WHERE scope = 'item'`).Scan(&mean); err != nil {
			return err
		}
		if !mean.Valid {
			return nil // no item ratings yet
		}
		shift = mean.Float64

		if _, err := tx.ExecContext(ctx,
			`UPDATE elo_ratings SET rating = rating - ?, updated_at = ?`,
			shift, s.now().UTC()); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	logging.Store("elo recenter applied shift=%.6f", shift)
	return shift, nil
}
