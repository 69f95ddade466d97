package store

import (
	"context"
	"database/sql"

	"medlearn/internal/bandit"
)

// =============================================================================
// BANDIT THEME STATE
// =============================================================================

// GetBanditStates bulk-reads posteriors for a learner across themes, keyed by
// theme id. Missing themes are simply absent (cold start handled by caller).
func (s *Store) GetBanditStates(ctx context.Context, userID string, themeIDs []string) (map[string]BanditRow, error) {
	out := make(map[string]BanditRow, len(themeIDs))
	if len(themeIDs) == 0 {
		return out, nil
	}

	query := `SELECT user_id, theme_id, alpha, beta, n_sessions, last_selected_at, last_reward, updated_at
		 FROM bandit_state WHERE user_id = ? AND theme_id IN (` + placeholders(len(themeIDs)) + `)`
	args := make([]interface{}, 0, len(themeIDs)+1)
	args = append(args, userID)
	for _, id := range themeIDs {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var row BanditRow
		var lastSelected sql.NullTime
		if err := rows.Scan(&row.UserID, &row.ThemeID, &row.Alpha, &row.Beta,
			&row.NSessions, &lastSelected, &row.LastReward, &row.UpdatedAt); err != nil {
			return nil, err
		}
		if lastSelected.Valid {
			t := lastSelected.Time
			row.LastSelectedAt = &t
		}
		out[row.ThemeID] = row
	}
	return out, rows.Err()
}

// UpsertBanditState writes one posterior. Blocked while frozen.
func (s *Store) UpsertBanditState(ctx context.Context, userID, themeID string, st bandit.State) error {
	return s.guardedTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO bandit_state
			 (user_id, theme_id, alpha, beta, n_sessions, last_selected_at, last_reward, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, theme_id) DO UPDATE SET
				alpha = excluded.alpha,
				beta = excluded.beta,
				n_sessions = excluded.n_sessions,
				last_selected_at = excluded.last_selected_at,
				last_reward = excluded.last_reward,
				updated_at = excluded.updated_at`,
			userID, themeID, st.Alpha, st.Beta, st.NSessions,
			st.LastSelectedAt, st.LastReward, s.now().UTC())
		return err
	})
}

// TouchBanditSelection stamps last_selected_at for the themes a new session
// chose, without disturbing the posterior. Unlike posterior updates this runs
// at session creation, so it is also freeze-guarded.
func (s *Store) TouchBanditSelection(ctx context.Context, userID string, themeIDs []string, p bandit.Params) error {
	if len(themeIDs) == 0 {
		return nil
	}
	now := s.now().UTC()
	return s.guardedTx(ctx, func(tx *sql.Tx) error {
		for _, theme := range themeIDs {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO bandit_state (user_id, theme_id, alpha, beta, n_sessions, last_selected_at, last_reward, updated_at)
				 VALUES (?, ?, ?, ?, 0, ?, 0, ?)
				 ON CONFLICT(user_id, theme_id) DO UPDATE SET
					last_selected_at = excluded.last_selected_at,
					updated_at = excluded.updated_at`,
				userID, theme, p.Alpha0, p.Beta0, now, now); err != nil {
				return err
			}
		}
		return nil
	})
}
