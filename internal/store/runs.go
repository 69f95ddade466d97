package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"medlearn/internal/logging"
	"medlearn/internal/types"
)

// =============================================================================
// ALGORITHM REGISTRY AND RUN LOG
// =============================================================================

// registeredAlgos is the fixed catalogue of (module, version) implementations
// this binary ships. Seeded at startup so every provenance stamp resolves.
var registeredAlgos = []AlgoVersionRow{
	{ID: "mastery-v0", Module: types.ModuleMastery, Version: types.VersionV0, Description: "recency-weighted accuracy buckets"},
	{ID: "mastery-v1", Module: types.ModuleMastery, Version: types.VersionV1, Description: "Bayesian knowledge tracing"},
	{ID: "revision-v0", Module: types.ModuleRevision, Version: types.VersionV0, Description: "Leitner fixed interval bins"},
	{ID: "revision-v1", Module: types.ModuleRevision, Version: types.VersionV1, Description: "FSRS-4.5 scheduler"},
	{ID: "elo-v0", Module: types.ModuleElo, Version: types.VersionV0, Description: "two-sided logistic rating with dynamic K"},
	{ID: "elo-v1", Module: types.ModuleElo, Version: types.VersionV1, Description: "two-sided logistic rating with dynamic K"},
	{ID: "bandit-v0", Module: types.ModuleBandit, Version: types.VersionV0, Description: "Beta-Bernoulli Thompson sampling over themes"},
	{ID: "bandit-v1", Module: types.ModuleBandit, Version: types.VersionV1, Description: "Beta-Bernoulli Thompson sampling over themes"},
	{ID: "selection-v0", Module: types.ModuleSelection, Version: types.VersionV0, Description: "uniform random within filters"},
	{ID: "selection-v1", Module: types.ModuleSelection, Version: types.VersionV1, Description: "deterministic adaptive pipeline"},
}

// seedAlgoRegistry inserts the catalogue idempotently at startup.
func (s *Store) seedAlgoRegistry() error {
	for _, a := range registeredAlgos {
		if _, err := s.db.Exec(
			`INSERT OR IGNORE INTO algo_versions (id, module, version, description) VALUES (?, ?, ?, ?)`,
			a.ID, string(a.Module), string(a.Version), a.Description); err != nil {
			return fmt.Errorf("seed algo %s: %w", a.ID, err)
		}
	}
	return nil
}

// AlgoVersionID resolves the registry id for a (module, version) pair.
func (s *Store) AlgoVersionID(ctx context.Context, module types.ModuleName, version types.ModuleVersion) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM algo_versions WHERE module = ? AND version = ?`,
		string(module), string(version)).Scan(&id)
	if err == sql.ErrNoRows {
		return "", types.NewError(types.KindNotFound, "ALGO_UNREGISTERED", "no registered algorithm %s/%s", module, version)
	}
	return id, err
}

// RecordParams persists one frozen parameter set for an algorithm version and
// returns its id. The same JSON is reused rather than duplicated.
func (s *Store) RecordParams(ctx context.Context, algoVersionID, paramsJSON string) (string, error) {
	var existing string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM algo_params WHERE algo_version_id = ? AND params_json = ?`,
		algoVersionID, paramsJSON).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO algo_params (id, algo_version_id, params_json) VALUES (?, ?, ?)`,
		id, algoVersionID, paramsJSON)
	if err != nil && isUniqueViolation(err) {
		// Lost a race with an identical insert; re-read.
		rerr := s.db.QueryRowContext(ctx,
			`SELECT id FROM algo_params WHERE algo_version_id = ? AND params_json = ?`,
			algoVersionID, paramsJSON).Scan(&existing)
		if rerr == nil {
			return existing, nil
		}
	}
	return id, err
}

// StartRun opens a RUNNING entry in the run log and returns the provenance
// triple that downstream writes stamp onto their rows.
func (s *Store) StartRun(ctx context.Context, algoVersionID, paramsID, scope, inputSummary string) (types.Provenance, error) {
	runID := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO algo_runs (id, algo_version_id, params_id, scope, status, input_summary, started_at)
		 VALUES (?, ?, ?, ?, 'RUNNING', ?, ?)`,
		runID, algoVersionID, paramsID, scope, inputSummary, s.now().UTC())
	if err != nil {
		return types.Provenance{}, fmt.Errorf("start run: %w", err)
	}
	logging.Jobs("run %s started algo=%s scope=%s", runID, algoVersionID, scope)
	return types.Provenance{AlgoVersionID: algoVersionID, ParamsID: paramsID, RunID: runID}, nil
}

// FinishRun closes a run as SUCCESS or FAILED. A failed module's run carries
// the error text; partial progress committed before the failure stays put.
func (s *Store) FinishRun(ctx context.Context, runID string, status types.RunStatus, outputSummary, errText string) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE algo_runs
		 SET status = ?, output_summary = ?, error = ?, finished_at = ?,
		     duration_ms = CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER)
		 WHERE id = ? AND status = 'RUNNING'`,
		string(status), outputSummary, errText, now, now, runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return types.NewError(types.KindConflict, "RUN_NOT_RUNNING", "run %s is not RUNNING", runID)
	}
	return nil
}

// GetRun fetches one run log entry.
func (s *Store) GetRun(ctx context.Context, runID string) (AlgoRunRow, error) {
	var run AlgoRunRow
	var status string
	var finishedAt sql.NullTime
	var durationMS sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, algo_version_id, params_id, scope, status, input_summary,
		        output_summary, error, started_at, finished_at, duration_ms
		 FROM algo_runs WHERE id = ?`, runID,
	).Scan(&run.ID, &run.AlgoVersionID, &run.ParamsID, &run.Scope, &status,
		&run.InputSummary, &run.OutputSummary, &run.Error, &run.StartedAt,
		&finishedAt, &durationMS)
	if err == sql.ErrNoRows {
		return AlgoRunRow{}, types.ErrNotFound
	}
	if err != nil {
		return AlgoRunRow{}, err
	}
	run.Status = types.RunStatus(status)
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	if durationMS.Valid {
		d := durationMS.Int64
		run.DurationMS = &d
	}
	return run, nil
}

// ListRuns returns recent runs, newest first, optionally filtered by status.
func (s *Store) ListRuns(ctx context.Context, status types.RunStatus, limit int) ([]AlgoRunRow, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, algo_version_id, params_id, scope, status, input_summary,
	                 output_summary, error, started_at, finished_at, duration_ms
	          FROM algo_runs`
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AlgoRunRow
	for rows.Next() {
		var run AlgoRunRow
		var st string
		var finishedAt sql.NullTime
		var durationMS sql.NullInt64
		if err := rows.Scan(&run.ID, &run.AlgoVersionID, &run.ParamsID, &run.Scope,
			&st, &run.InputSummary, &run.OutputSummary, &run.Error,
			&run.StartedAt, &finishedAt, &durationMS); err != nil {
			return nil, err
		}
		run.Status = types.RunStatus(st)
		if finishedAt.Valid {
			t := finishedAt.Time
			run.FinishedAt = &t
		}
		if durationMS.Valid {
			d := durationMS.Int64
			run.DurationMS = &d
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// StaleRunningRuns returns RUNNING runs older than the horizon. The janitor
// marks these FAILED with a timeout note.
func (s *Store) StaleRunningRuns(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := s.now().UTC().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM algo_runs WHERE status = 'RUNNING' AND started_at < ?`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
