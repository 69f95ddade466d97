package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"medlearn/internal/types"
)

// =============================================================================
// LEARNERS
// =============================================================================

// UpsertLearner inserts or refreshes a learner row.
func (s *Store) UpsertLearner(ctx context.Context, l Learner) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO learners (id, name, year_of_study, role, active)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			year_of_study = excluded.year_of_study,
			role = excluded.role,
			active = excluded.active`,
		l.ID, l.Name, l.YearOfStudy, l.Role, boolToInt(l.Active))
	return err
}

// GetLearner fetches one learner.
func (s *Store) GetLearner(ctx context.Context, id string) (Learner, error) {
	var l Learner
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, year_of_study, role, active, created_at FROM learners WHERE id = ?`, id,
	).Scan(&l.ID, &l.Name, &l.YearOfStudy, &l.Role, &active, &l.CreatedAt)
	if err == sql.ErrNoRows {
		return Learner{}, types.ErrNotFound
	}
	if err != nil {
		return Learner{}, err
	}
	l.Active = active != 0
	return l, nil
}

// ListLearners returns all active learners (cohort recompute input).
func (s *Store) ListLearners(ctx context.Context) ([]Learner, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, year_of_study, role, active, created_at FROM learners WHERE active = 1`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Learner
	for rows.Next() {
		var l Learner
		var active int
		if err := rows.Scan(&l.ID, &l.Name, &l.YearOfStudy, &l.Role, &active, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Active = active != 0
		out = append(out, l)
	}
	return out, rows.Err()
}

// =============================================================================
// PUBLISHED ITEMS
// =============================================================================

// PutItem inserts or replaces a published item. Every published item must
// have five non-empty options and a correct index inside them.
func (s *Store) PutItem(ctx context.Context, it Item) error {
	for i, opt := range it.Options {
		if strings.TrimSpace(opt) == "" {
			return types.NewError(types.KindValidation, "ITEM_OPTIONS", "item %s option %d empty", it.ID, i)
		}
	}
	if it.CorrectIndex < 0 || it.CorrectIndex > 4 {
		return types.NewError(types.KindValidation, "ITEM_CORRECT_INDEX", "item %s correct_index %d out of range", it.ID, it.CorrectIndex)
	}
	if it.Version <= 0 {
		it.Version = 1
	}

	optionsJSON, err := json.Marshal(it.Options)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO items
		 (id, stem, options_json, correct_index, explanation, year, block_id, theme_id,
		  topic_id, concept_id, difficulty, cognitive_level, version, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(id) DO UPDATE SET
			stem = excluded.stem, options_json = excluded.options_json,
			correct_index = excluded.correct_index, explanation = excluded.explanation,
			year = excluded.year, block_id = excluded.block_id, theme_id = excluded.theme_id,
			topic_id = excluded.topic_id, concept_id = excluded.concept_id,
			difficulty = excluded.difficulty, cognitive_level = excluded.cognitive_level,
			version = items.version + 1, updated_at = CURRENT_TIMESTAMP`,
		it.ID, it.Stem, string(optionsJSON), it.CorrectIndex, it.Explanation,
		it.Year, it.BlockID, it.ThemeID, it.TopicID, it.ConceptID,
		it.Difficulty, it.CognitiveLevel, it.Version)
	return err
}

func scanItem(scanner interface{ Scan(...interface{}) error }) (Item, error) {
	var it Item
	var optionsJSON string
	err := scanner.Scan(&it.ID, &it.Stem, &optionsJSON, &it.CorrectIndex,
		&it.Explanation, &it.Year, &it.BlockID, &it.ThemeID, &it.TopicID,
		&it.ConceptID, &it.Difficulty, &it.CognitiveLevel, &it.Version, &it.UpdatedAt)
	if err != nil {
		return Item{}, err
	}
	if err := json.Unmarshal([]byte(optionsJSON), &it.Options); err != nil {
		return Item{}, fmt.Errorf("item %s options: %w", it.ID, err)
	}
	return it, nil
}

const itemColumns = `id, stem, options_json, correct_index, explanation, year,
	block_id, theme_id, topic_id, concept_id, difficulty, cognitive_level, version, updated_at`

// GetItem fetches one published item.
func (s *Store) GetItem(ctx context.Context, id string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	it, err := scanItem(row)
	if err == sql.ErrNoRows {
		return Item{}, types.ErrNotFound
	}
	return it, err
}

// ItemFilter is the syllabus filter for selection.
type ItemFilter struct {
	Year     int
	BlockIDs []string
	ThemeIDs []string // optional narrowing
}

// ListItems returns published items matching the filter, ordered by id for
// deterministic downstream shuffles.
func (s *Store) ListItems(ctx context.Context, f ItemFilter) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM items WHERE year = ?`
	args := []interface{}{f.Year}

	if len(f.BlockIDs) > 0 {
		query += ` AND block_id IN (` + placeholders(len(f.BlockIDs)) + `)`
		for _, b := range f.BlockIDs {
			args = append(args, b)
		}
	}
	if len(f.ThemeIDs) > 0 {
		query += ` AND theme_id IN (` + placeholders(len(f.ThemeIDs)) + `)`
		for _, t := range f.ThemeIDs {
			args = append(args, t)
		}
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// RecentlySeenItemIDs returns item ids the learner answered within the last
// `days` days or within their last `sessions` sessions, for the selection
// exclusion pool.
func (s *Store) RecentlySeenItemIDs(ctx context.Context, userID string, days, sessions int) (map[string]bool, error) {
	seen := make(map[string]bool)

	cutoff := s.now().UTC().AddDate(0, 0, -days)
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT si.item_id
		 FROM session_items si
		 JOIN sessions se ON se.id = si.session_id
		 WHERE se.user_id = ? AND se.started_at >= ?`,
		userID, cutoff)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		seen[id] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT DISTINCT si.item_id
		 FROM session_items si
		 WHERE si.session_id IN (
			SELECT id FROM sessions WHERE user_id = ? ORDER BY started_at DESC LIMIT ?
		 )`, userID, sessions)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		seen[id] = true
	}
	return seen, rows.Err()
}

// =============================================================================
// ITEM VERSIONS
// =============================================================================

// FreezeItemVersion records an append-only snapshot of the item at its
// current version and returns the version row id. Freezing the same
// (item, version) twice reuses the existing row.
func (s *Store) FreezeItemVersion(ctx context.Context, tx *sql.Tx, it Item) (string, error) {
	var existing string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM item_versions WHERE item_id = ? AND version = ?`,
		it.ID, it.Version).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	snapshot := FrozenItem{
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
	blob, err := json.Marshal(snapshot)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO item_versions (id, item_id, version, snapshot_json) VALUES (?, ?, ?, ?)`,
		id, it.ID, it.Version, string(blob))
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race; read the winner.
			if scanErr := tx.QueryRowContext(ctx,
				`SELECT id FROM item_versions WHERE item_id = ? AND version = ?`,
				it.ID, it.Version).Scan(&existing); scanErr == nil {
				return existing, nil
			}
		}
		return "", err
	}
	return id, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?,", n-1) + "?"
}
