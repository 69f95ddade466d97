package store

import (
	"context"
	"database/sql"
	"time"

	"medlearn/internal/mastery"
)

// =============================================================================
// ANALYTICS READ MODELS
// =============================================================================

// UserOverview is the learner dashboard aggregate.
type UserOverview struct {
	Sessions       int
	Submitted      int
	AttemptsTotal  int
	CorrectTotal   int
	AccuracyPct    float64
	ThemesTracked  int
	ThemesDue      int
	LastActivityAt *time.Time
}

// ThemeBreakdown is one theme's row in the per-block view.
type ThemeBreakdown struct {
	ThemeID       string
	BlockID       string
	AttemptsTotal int
	CorrectTotal  int
	AccuracyPct   float64
	MasteryScore  float64
	MasteryBand   string
	DueAt         *time.Time
}

// Overview aggregates a learner's activity across all sessions.
func (s *Store) Overview(ctx context.Context, userID string) (UserOverview, error) {
	var ov UserOverview

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'SUBMITTED' THEN 1 ELSE 0 END), 0),
		        MAX(started_at)
		 FROM sessions WHERE user_id = ?`, userID,
	).Scan(&ov.Sessions, &ov.Submitted, &nullTimeScanner{&ov.LastActivityAt})
	if err != nil {
		return UserOverview{}, err
	}

	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(sa.is_correct), 0)
		 FROM session_answers sa
		 JOIN sessions se ON se.id = sa.session_id
		 WHERE se.user_id = ? AND sa.is_correct IS NOT NULL`, userID,
	).Scan(&ov.AttemptsTotal, &ov.CorrectTotal)
	if err != nil {
		return UserOverview{}, err
	}
	if ov.AttemptsTotal > 0 {
		ov.AccuracyPct = 100 * float64(ov.CorrectTotal) / float64(ov.AttemptsTotal)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mastery WHERE user_id = ?`, userID).Scan(&ov.ThemesTracked); err != nil {
		return UserOverview{}, err
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM revision_state WHERE user_id = ? AND due_at <= ?`,
		userID, s.now().UTC()).Scan(&ov.ThemesDue); err != nil {
		return UserOverview{}, err
	}
	return ov, nil
}

// ThemeBreakdowns returns per-theme aggregates for a learner, optionally
// restricted to one block, sorted weakest mastery first.
func (s *Store) ThemeBreakdowns(ctx context.Context, userID, blockID string) ([]ThemeBreakdown, error) {
	query := `SELECT m.theme_id,
	                 COALESCE((SELECT i.block_id FROM items i WHERE i.theme_id = m.theme_id LIMIT 1), ''),
	                 m.attempts_total, m.correct_total, m.accuracy_pct, m.mastery_score,
	                 r.due_at
	          FROM mastery m
	          LEFT JOIN revision_state r ON r.user_id = m.user_id AND r.theme_id = m.theme_id
	          WHERE m.user_id = ?`
	args := []interface{}{userID}
	if blockID != "" {
		query += ` AND EXISTS (SELECT 1 FROM items i WHERE i.theme_id = m.theme_id AND i.block_id = ?)`
		args = append(args, blockID)
	}
	query += ` ORDER BY m.mastery_score ASC, m.theme_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ThemeBreakdown
	for rows.Next() {
		var tb ThemeBreakdown
		var dueAt sql.NullTime
		if err := rows.Scan(&tb.ThemeID, &tb.BlockID, &tb.AttemptsTotal,
			&tb.CorrectTotal, &tb.AccuracyPct, &tb.MasteryScore, &dueAt); err != nil {
			return nil, err
		}
		if dueAt.Valid {
			t := dueAt.Time
			tb.DueAt = &t
		}
		tb.MasteryBand = string(mastery.BandOf(tb.MasteryScore))
		out = append(out, tb)
	}
	return out, rows.Err()
}

// nullTimeScanner adapts a **time.Time field to sql.Scan for MAX() columns.
type nullTimeScanner struct {
	dst **time.Time
}

func (n *nullTimeScanner) Scan(src interface{}) error {
	var nt sql.NullTime
	if err := nt.Scan(src); err != nil {
		return err
	}
	if nt.Valid {
		t := nt.Time
		*n.dst = &t
	}
	return nil
}
