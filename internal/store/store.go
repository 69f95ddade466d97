// Package store is the knowledge-state store: the single persistence layer
// for mastery, review schedules, Elo ratings, bandit posteriors, sessions,
// runtime control state, and the algorithm run log. SQLite via database/sql;
// one writer at a time (WAL + busy timeout), callers serialize through the
// store's transactions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"medlearn/internal/logging"
	"medlearn/internal/types"
)

// Store wraps the SQLite database. All exported methods are safe for
// concurrent use.
type Store struct {
	db     *sql.DB
	dbPath string

	// now is injectable for expiry and staleness tests.
	now func() time.Time
}

// New initializes the SQLite database at the given path (":memory:" for
// tests), creates the schema, and applies pending migrations.
func New(path string) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.New")
	defer timer.Stop()

	logging.Store("initializing store at %s", path)

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// churn under concurrent request handlers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logging.StoreDebug("pragma failed (%s): %v", pragma, err)
		}
	}

	s := &Store{db: db, dbPath: path, now: time.Now}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if err := s.seedAlgoRegistry(); err != nil {
		db.Close()
		return nil, fmt.Errorf("seed algorithm registry: %w", err)
	}

	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the raw handle for analytics read models and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetClock overrides the store's time source. Tests only.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// =============================================================================
// SCHEMA
// =============================================================================

func (s *Store) initSchema() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS learners (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL DEFAULT '',
			year_of_study INTEGER NOT NULL DEFAULT 1,
			role          TEXT NOT NULL DEFAULT 'student',
			active        INTEGER NOT NULL DEFAULT 1,
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		// Published-questions view. The CMS workflow lives elsewhere; only
		// PUBLISHED rows ever land here.
		`CREATE TABLE IF NOT EXISTS items (
			id              TEXT PRIMARY KEY,
			stem            TEXT NOT NULL,
			options_json    TEXT NOT NULL,
			correct_index   INTEGER NOT NULL CHECK (correct_index BETWEEN 0 AND 4),
			explanation     TEXT NOT NULL DEFAULT '',
			year            INTEGER NOT NULL,
			block_id        TEXT NOT NULL,
			theme_id        TEXT NOT NULL,
			topic_id        TEXT NOT NULL DEFAULT '',
			concept_id      TEXT NOT NULL DEFAULT '',
			difficulty      TEXT NOT NULL DEFAULT 'medium',
			cognitive_level TEXT NOT NULL DEFAULT '',
			version         INTEGER NOT NULL DEFAULT 1,
			updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS item_versions (
			id            TEXT PRIMARY KEY,
			item_id       TEXT NOT NULL,
			version       INTEGER NOT NULL,
			snapshot_json TEXT NOT NULL,
			created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(item_id, version)
		)`,

		// Runtime control plane: singleton config + append-only switch log.
		`CREATE TABLE IF NOT EXISTS runtime_config (
			id              INTEGER PRIMARY KEY CHECK (id = 1),
			active_profile  TEXT NOT NULL,
			overrides_json  TEXT NOT NULL DEFAULT '{}',
			freeze_updates  INTEGER NOT NULL DEFAULT 0,
			prefer_cache    INTEGER NOT NULL DEFAULT 0,
			search_mode     TEXT NOT NULL DEFAULT 'database',
			policy_version  INTEGER NOT NULL DEFAULT 1,
			exam_mode       INTEGER NOT NULL DEFAULT 0,
			active_since    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_by      TEXT NOT NULL DEFAULT ''
		)`,

		`CREATE TABLE IF NOT EXISTS switch_events (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			actor       TEXT NOT NULL,
			action      TEXT NOT NULL,
			before_json TEXT NOT NULL,
			after_json  TEXT NOT NULL,
			reason      TEXT NOT NULL,
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS approval_requests (
			id                  TEXT PRIMARY KEY,
			requester           TEXT NOT NULL,
			action_type         TEXT NOT NULL,
			payload_json        TEXT NOT NULL DEFAULT '{}',
			reason              TEXT NOT NULL,
			confirmation_phrase TEXT NOT NULL,
			status              TEXT NOT NULL DEFAULT 'PENDING',
			approver            TEXT,
			decided_at          DATETIME,
			created_at          DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_approvals_one_pending
			ON approval_requests(action_type) WHERE status = 'PENDING'`,

		// Knowledge state.
		`CREATE TABLE IF NOT EXISTS mastery (
			user_id          TEXT NOT NULL,
			theme_id         TEXT NOT NULL,
			attempts_total   INTEGER NOT NULL DEFAULT 0,
			correct_total    INTEGER NOT NULL DEFAULT 0,
			accuracy_pct     REAL NOT NULL DEFAULT 0,
			mastery_score    REAL NOT NULL DEFAULT 0 CHECK (mastery_score BETWEEN 0 AND 1),
			mastery_model    TEXT NOT NULL DEFAULT 'v0',
			reason           TEXT NOT NULL DEFAULT '',
			model_state_json TEXT NOT NULL DEFAULT '{}',
			last_attempt_at  DATETIME,
			algo_version_id  TEXT NOT NULL DEFAULT '',
			params_id        TEXT NOT NULL DEFAULT '',
			run_id           TEXT NOT NULL DEFAULT '',
			updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, theme_id)
		)`,

		`CREATE TABLE IF NOT EXISTS shadow_mastery (
			user_id          TEXT NOT NULL,
			theme_id         TEXT NOT NULL,
			mastery_score    REAL NOT NULL DEFAULT 0,
			mastery_model    TEXT NOT NULL DEFAULT 'v1',
			model_state_json TEXT NOT NULL DEFAULT '{}',
			run_id           TEXT NOT NULL DEFAULT '',
			updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, theme_id)
		)`,

		`CREATE TABLE IF NOT EXISTS revision_state (
			user_id         TEXT NOT NULL,
			theme_id        TEXT NOT NULL,
			model           TEXT NOT NULL DEFAULT 'v0',
			due_at          DATETIME NOT NULL,
			last_review_at  DATETIME NOT NULL,
			stability       REAL NOT NULL DEFAULT 0,
			difficulty      REAL NOT NULL DEFAULT 0,
			retrievability  REAL NOT NULL DEFAULT 0,
			interval_days   INTEGER NOT NULL DEFAULT 0,
			stage           INTEGER NOT NULL DEFAULT 0,
			reviews         INTEGER NOT NULL DEFAULT 0,
			algo_version_id TEXT NOT NULL DEFAULT '',
			params_id       TEXT NOT NULL DEFAULT '',
			run_id          TEXT NOT NULL DEFAULT '',
			updated_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, theme_id)
		)`,

		// scope: 'user' or 'item'; subject_id is the learner or item id.
		`CREATE TABLE IF NOT EXISTS elo_ratings (
			scope        TEXT NOT NULL CHECK (scope IN ('user','item')),
			subject_id   TEXT NOT NULL,
			rating       REAL NOT NULL DEFAULT 0,
			uncertainty  REAL NOT NULL DEFAULT 1,
			n_attempts   INTEGER NOT NULL DEFAULT 0,
			last_seen_at DATETIME,
			updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (scope, subject_id)
		)`,

		`CREATE TABLE IF NOT EXISTS shadow_elo (
			scope        TEXT NOT NULL,
			subject_id   TEXT NOT NULL,
			rating       REAL NOT NULL DEFAULT 0,
			uncertainty  REAL NOT NULL DEFAULT 1,
			n_attempts   INTEGER NOT NULL DEFAULT 0,
			run_id       TEXT NOT NULL DEFAULT '',
			updated_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (scope, subject_id)
		)`,

		// Idempotency ledger for per-attempt Elo updates.
		`CREATE TABLE IF NOT EXISTS elo_applied_attempts (
			attempt_id TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS bandit_state (
			user_id          TEXT NOT NULL,
			theme_id         TEXT NOT NULL,
			alpha            REAL NOT NULL,
			beta             REAL NOT NULL,
			n_sessions       INTEGER NOT NULL DEFAULT 0,
			last_selected_at DATETIME,
			last_reward      REAL NOT NULL DEFAULT 0,
			updated_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, theme_id)
		)`,

		// Sessions and frozen content.
		`CREATE TABLE IF NOT EXISTS sessions (
			id                       TEXT PRIMARY KEY,
			user_id                  TEXT NOT NULL,
			mode                     TEXT NOT NULL,
			year                     INTEGER NOT NULL,
			blocks_json              TEXT NOT NULL DEFAULT '[]',
			themes_json              TEXT NOT NULL DEFAULT '[]',
			total_questions          INTEGER NOT NULL,
			status                   TEXT NOT NULL DEFAULT 'ACTIVE',
			started_at               DATETIME NOT NULL,
			expires_at               DATETIME,
			duration_seconds         INTEGER,
			submitted_at             DATETIME,
			score_correct            INTEGER,
			score_total              INTEGER,
			score_pct                REAL,
			seed                     INTEGER NOT NULL DEFAULT 0,
			terminated_reason        TEXT NOT NULL DEFAULT '',
			algo_profile_at_start    TEXT NOT NULL,
			algo_overrides_at_start  TEXT NOT NULL DEFAULT '{}',
			algo_policy_at_start     INTEGER NOT NULL DEFAULT 1,
			exam_mode_at_start       INTEGER NOT NULL DEFAULT 0,
			freeze_updates_at_start  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, started_at DESC)`,

		`CREATE TABLE IF NOT EXISTS session_items (
			session_id      TEXT NOT NULL,
			position        INTEGER NOT NULL,
			item_id         TEXT NOT NULL,
			item_version_id TEXT NOT NULL,
			frozen_json     TEXT NOT NULL,
			UNIQUE(session_id, position),
			UNIQUE(session_id, item_id)
		)`,

		`CREATE TABLE IF NOT EXISTS session_answers (
			session_id        TEXT NOT NULL,
			item_id           TEXT NOT NULL,
			selected_index    INTEGER,
			is_correct        INTEGER,
			answered_at       DATETIME,
			changed_count     INTEGER NOT NULL DEFAULT 0,
			marked_for_review INTEGER NOT NULL DEFAULT 0,
			updated_at        DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(session_id, item_id)
		)`,

		`CREATE TABLE IF NOT EXISTS attempt_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			item_id    TEXT NOT NULL,
			event_type TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			client_ts  DATETIME,
			server_ts  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			payload_json TEXT NOT NULL DEFAULT '{}',
			UNIQUE(session_id, item_id, seq)
		)`,

		// Algorithm registry and run log.
		`CREATE TABLE IF NOT EXISTS algo_versions (
			id          TEXT PRIMARY KEY,
			module      TEXT NOT NULL,
			version     TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(module, version)
		)`,

		`CREATE TABLE IF NOT EXISTS algo_params (
			id              TEXT PRIMARY KEY,
			algo_version_id TEXT NOT NULL,
			params_json     TEXT NOT NULL DEFAULT '{}',
			created_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS algo_runs (
			id              TEXT PRIMARY KEY,
			algo_version_id TEXT NOT NULL,
			params_id       TEXT NOT NULL DEFAULT '',
			scope           TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'RUNNING',
			input_summary   TEXT NOT NULL DEFAULT '',
			output_summary  TEXT NOT NULL DEFAULT '',
			error           TEXT NOT NULL DEFAULT '',
			started_at      DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			finished_at     DATETIME,
			duration_ms     INTEGER
		)`,

		// Advisory locks for recompute/recenter jobs.
		`CREATE TABLE IF NOT EXISTS job_locks (
			job_kind  TEXT NOT NULL,
			scope     TEXT NOT NULL,
			locked_by TEXT NOT NULL,
			locked_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (job_kind, scope)
		)`,
	}

	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// =============================================================================
// FREEZE GUARD
// =============================================================================

// freezeBlocked reads freeze_updates from the live singleton inside the
// caller's transaction. Every knowledge-state write path calls this so a
// freeze takes effect immediately regardless of any cached runtime reads.
func freezeBlocked(tx *sql.Tx) (bool, error) {
	var frozen int
	err := tx.QueryRow(`SELECT freeze_updates FROM runtime_config WHERE id = 1`).Scan(&frozen)
	if err == sql.ErrNoRows {
		return false, nil // no config row yet: defaults are unfrozen
	}
	if err != nil {
		return false, err
	}
	return frozen != 0, nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// guardedTx is withTx plus the in-transaction freeze re-check. Used by every
// mastery/revision/elo/bandit write.
func (s *Store) guardedTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		frozen, err := freezeBlocked(tx)
		if err != nil {
			return err
		}
		if frozen {
			return types.ErrFrozen
		}
		return fn(tx)
	})
}

// Stats returns row counts per table, for health checks and tests.
func (s *Store) Stats() (map[string]int, error) {
	tables := []string{
		"learners", "items", "item_versions", "runtime_config", "switch_events",
		"approval_requests", "mastery", "revision_state", "elo_ratings",
		"bandit_state", "sessions", "session_items", "session_answers",
		"attempt_events", "algo_versions", "algo_params", "algo_runs",
	}
	stats := make(map[string]int, len(tables))
	for _, table := range tables {
		var n int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		stats[table] = n
	}
	return stats, nil
}
