package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Consolidation run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunPartial   = "partial"
)

// ConsolidationRun is the audit record of one maintenance cycle.
type ConsolidationRun struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	StartedAt   int64          `json:"started_at"`
	CompletedAt *int64         `json:"completed_at,omitempty"`
	Stats       map[string]any `json:"stats,omitempty"`
}

// HasCompletedRunSince reports whether a completed run finished after since.
func (db *DB) HasCompletedRunSince(ctx context.Context, since time.Time) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM consolidation_runs
		WHERE status = 'completed' AND completed_at > ?
	`, since.UnixMilli()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check recent run: %w", err)
	}
	return n > 0, nil
}

// StartRun records a new run in the running state.
func (db *DB) StartRun(ctx context.Context, at time.Time) (*ConsolidationRun, error) {
	run := &ConsolidationRun{ID: uuid.NewString(), Status: RunRunning, StartedAt: at.UnixMilli()}
	if _, err := db.ExecContext(ctx,
		"INSERT INTO consolidation_runs (id, status, started_at) VALUES (?, ?, ?)",
		run.ID, run.Status, run.StartedAt); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return run, nil
}

// FinishRun finalizes a run with its terminal status and stats.
func (db *DB) FinishRun(ctx context.Context, run *ConsolidationRun, status string, stats map[string]any, at time.Time) error {
	b, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("marshal run stats: %w", err)
	}
	done := at.UnixMilli()
	if _, err := db.ExecContext(ctx, `
		UPDATE consolidation_runs SET status = ?, completed_at = ?, stats_json = ? WHERE id = ?
	`, status, done, string(b), run.ID); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	run.Status = status
	run.CompletedAt = &done
	run.Stats = stats
	return nil
}

// ListRuns returns the most recent runs, newest first.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]ConsolidationRun, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, status, started_at, completed_at, stats_json
		FROM consolidation_runs ORDER BY started_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []ConsolidationRun
	for rows.Next() {
		var r ConsolidationRun
		var completed sql.NullInt64
		var stats sql.NullString
		if err := rows.Scan(&r.ID, &r.Status, &r.StartedAt, &completed, &stats); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if completed.Valid {
			r.CompletedAt = &completed.Int64
		}
		if stats.Valid && stats.String != "" {
			if err := json.Unmarshal([]byte(stats.String), &r.Stats); err != nil {
				return nil, fmt.Errorf("decode stats for run %s: %w", r.ID, err)
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// CountRuns returns the number of recorded runs.
func (db *DB) CountRuns(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM consolidation_runs").Scan(&n); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}
