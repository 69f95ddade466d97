// Versioned schema migration support. New columns land here so existing
// databases upgrade in place; table creation itself is idempotent in
// initSchema.
package store

import (
	"database/sql"
	"fmt"

	"medlearn/internal/logging"
)

// Schema versions:
// v1: initial layout
// v2: sessions.terminated_reason (admin termination)
// v3: mastery.reason (insufficient_attempts surfacing)
const CurrentSchemaVersion = 3

// Migration adds one column to one table.
type Migration struct {
	Table  string
	Column string
	Def    string
}

var pendingMigrations = []Migration{
	{"sessions", "terminated_reason", "TEXT NOT NULL DEFAULT ''"},
	{"mastery", "reason", "TEXT NOT NULL DEFAULT ''"},
}

func (s *Store) runMigrations() error {
	timer := logging.StartTimer(logging.CategoryStore, "runMigrations")
	defer timer.Stop()

	applied := 0
	for _, m := range pendingMigrations {
		if !tableExists(s.db, m.Table) {
			continue
		}
		if columnExists(s.db, m.Table, m.Column) {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.Table, m.Column, m.Def)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s: %w", m.Table, m.Column, err)
		}
		applied++
	}

	if err := s.setSchemaVersion(CurrentSchemaVersion); err != nil {
		return err
	}
	if applied > 0 {
		logging.Store("applied %d schema migrations (now v%d)", applied, CurrentSchemaVersion)
	}
	return nil
}

func (s *Store) setSchemaVersion(v int) error {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		_, err := s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", v)
		return err
	}
	_, err := s.db.Exec("UPDATE schema_version SET version = ?", v)
	return err
}

// SchemaVersion returns the stored schema version.
func (s *Store) SchemaVersion() (int, error) {
	var v int
	err := s.db.QueryRow("SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}

func tableExists(db *sql.DB, table string) bool {
	var name string
	err := db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
	).Scan(&name)
	return err == nil
}

func columnExists(db *sql.DB, table, column string) bool {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			continue
		}
		if name == column {
			return true
		}
	}
	return false
}
