package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/modelsweep/internal/calibrate"
)

// ResultStore is a calibrate.ResultStore backed by the sweep_results and
// sweep_runs tables.
type ResultStore struct {
	db *DB
}

var _ calibrate.ResultStore = (*ResultStore)(nil)

// NewResultStore returns a store over db. The schema must be migrated.
func NewResultStore(db *DB) *ResultStore {
	return &ResultStore{db: db}
}

// ResultSummary is one row of List.
type ResultSummary struct {
	ExecutionID string    `json:"execution_id"`
	Model       string    `json:"model"`
	Score       float64   `json:"score"`
	CompletedAt time.Time `json:"completed_at"`
}

// Put stores result and its runs, replacing any earlier result with the
// same execution id.
func (s *ResultStore) Put(ctx context.Context, result *calibrate.SweepResult) error {
	params, err := json.Marshal(result.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params: %w", err)
	}
	breakdown, err := json.Marshal(result.Breakdown)
	if err != nil {
		return fmt.Errorf("failed to encode breakdown: %w", err)
	}
	stats, err := json.Marshal(result.Stats)
	if err != nil {
		return fmt.Errorf("failed to encode stats: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sweep_runs WHERE execution_id = ?`, result.ExecutionID); err != nil {
		return fmt.Errorf("failed to clear runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sweep_results (
			execution_id, model, score, params_json, breakdown_json, stats_json,
			archive_path, started_at, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id) DO UPDATE SET
			model = excluded.model,
			score = excluded.score,
			params_json = excluded.params_json,
			breakdown_json = excluded.breakdown_json,
			stats_json = excluded.stats_json,
			archive_path = excluded.archive_path,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		result.ExecutionID, result.Model, result.Score, string(params), string(breakdown), string(stats),
		result.ArchivePath, unixNanos(result.StartedAt), unixNanos(result.CompletedAt),
	); err != nil {
		return fmt.Errorf("failed to store result: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sweep_runs (
			execution_id, run_index, params_json, run_dir, status, score, error, best, duration_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare run insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range result.Runs {
		runParams, err := json.Marshal(rec.Params)
		if err != nil {
			return fmt.Errorf("failed to encode run %d params: %w", rec.Index, err)
		}
		var score sql.NullFloat64
		if rec.Score != nil {
			score = sql.NullFloat64{Float64: *rec.Score, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			result.ExecutionID, rec.Index, string(runParams), rec.RunDir, string(rec.Status),
			score, rec.Error, rec.Best, int64(rec.Duration),
		); err != nil {
			return fmt.Errorf("failed to store run %d: %w", rec.Index, err)
		}
	}

	return tx.Commit()
}

// Get loads a result and its runs in index order.
func (s *ResultStore) Get(ctx context.Context, execID string) (*calibrate.SweepResult, error) {
	var (
		r                        calibrate.SweepResult
		params, breakdown, stats string
		startedAt, completedAt   int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT execution_id, model, score, params_json, breakdown_json, stats_json,
			archive_path, started_at, completed_at
		FROM sweep_results WHERE execution_id = ?`, execID,
	).Scan(&r.ExecutionID, &r.Model, &r.Score, &params, &breakdown, &stats,
		&r.ArchivePath, &startedAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, calibrate.ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load result %s: %w", execID, err)
	}

	if err := json.Unmarshal([]byte(params), &r.Params); err != nil {
		return nil, fmt.Errorf("failed to decode params: %w", err)
	}
	if err := json.Unmarshal([]byte(breakdown), &r.Breakdown); err != nil {
		return nil, fmt.Errorf("failed to decode breakdown: %w", err)
	}
	if err := json.Unmarshal([]byte(stats), &r.Stats); err != nil {
		return nil, fmt.Errorf("failed to decode stats: %w", err)
	}
	r.StartedAt = fromUnixNanos(startedAt)
	r.CompletedAt = fromUnixNanos(completedAt)

	if r.Runs, err = s.runs(ctx, execID); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *ResultStore) runs(ctx context.Context, execID string) ([]calibrate.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_index, params_json, run_dir, status, score, error, best, duration_ns
		FROM sweep_runs WHERE execution_id = ? ORDER BY run_index`, execID)
	if err != nil {
		return nil, fmt.Errorf("failed to load runs: %w", err)
	}
	defer rows.Close()

	var out []calibrate.RunRecord
	for rows.Next() {
		var (
			rec      calibrate.RunRecord
			params   string
			status   string
			score    sql.NullFloat64
			duration int64
		)
		if err := rows.Scan(&rec.Index, &params, &rec.RunDir, &status, &score, &rec.Error, &rec.Best, &duration); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &rec.Params); err != nil {
			return nil, fmt.Errorf("failed to decode run %d params: %w", rec.Index, err)
		}
		rec.Status = calibrate.RunStatus(status)
		if score.Valid {
			v := score.Float64
			rec.Score = &v
		}
		rec.Duration = time.Duration(duration)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Delete removes a result and its runs. Unknown ids are not an error.
func (s *ResultStore) Delete(ctx context.Context, execID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sweep_runs WHERE execution_id = ?`, execID); err != nil {
		return fmt.Errorf("failed to delete runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sweep_results WHERE execution_id = ?`, execID); err != nil {
		return fmt.Errorf("failed to delete result: %w", err)
	}
	return tx.Commit()
}

// PruneOlderThan removes results completed before cutoff.
func (s *ResultStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM sweep_runs WHERE execution_id IN (
			SELECT execution_id FROM sweep_results WHERE completed_at < ?
		)`, unixNanos(cutoff)); err != nil {
		return 0, fmt.Errorf("failed to prune runs: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sweep_results WHERE completed_at < ?`, unixNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune results: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if n > 0 {
		logf("pruned %d results completed before %s", n, cutoff.Format(time.RFC3339))
	}
	return int(n), nil
}

// List returns the most recently completed results, newest first.
func (s *ResultStore) List(ctx context.Context, limit int) ([]ResultSummary, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT execution_id, model, score, completed_at
		FROM sweep_results ORDER BY completed_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	defer rows.Close()

	var out []ResultSummary
	for rows.Next() {
		var rs ResultSummary
		var completed int64
		if err := rows.Scan(&rs.ExecutionID, &rs.Model, &rs.Score, &completed); err != nil {
			return nil, err
		}
		rs.CompletedAt = fromUnixNanos(completed)
		out = append(out, rs)
	}
	return out, rows.Err()
}

func unixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
