package store

import (
	"context"
	"database/sql"
	"time"
)

// =============================================================================
// ADVISORY JOB LOCKS
// =============================================================================

// AcquireJobLock takes the (kind, scope) advisory lock, stealing locks older
// than ttl from crashed holders. Returns false when another live holder owns
// it. The delete-then-insert runs in one transaction so takeover is atomic.
func (s *Store) AcquireJobLock(ctx context.Context, kind, scope, holder string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	cutoff := now.Add(-ttl)

	var acquired bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM job_locks WHERE job_kind = ? AND scope = ? AND locked_at < ?`,
			kind, scope, cutoff); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO job_locks (job_kind, scope, locked_by, locked_at) VALUES (?, ?, ?, ?)`,
			kind, scope, holder, now)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		acquired = n > 0
		return nil
	})
	return acquired, err
}

// ReleaseJobLock drops the lock, only if this holder still owns it.
func (s *Store) ReleaseJobLock(ctx context.Context, kind, scope, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM job_locks WHERE job_kind = ? AND scope = ? AND locked_by = ?`,
		kind, scope, holder)
	return err
}
