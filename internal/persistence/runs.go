package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run is one recorded sync cycle.
type Run struct {
	RunID            string    `json:"run_id"`
	Trigger          string    `json:"trigger,omitempty"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at"`
	SessionsUploaded int       `json:"sessions_uploaded"`
	SessionsFailed   int       `json:"sessions_failed"`
	SessionsDeferred int       `json:"sessions_deferred"`
	LinesUploaded    int       `json:"lines_uploaded"`
	SkillsUploaded   int       `json:"skills_uploaded"`
	SkillsFailed     int       `json:"skills_failed"`
	SkillsRemoved    int       `json:"skills_removed"`
	ErrorCount       int       `json:"error_count"`
	FirstError       string    `json:"first_error,omitempty"`
}

func (r Run) Duration() time.Duration { return r.FinishedAt.Sub(r.StartedAt) }

// RecordRun inserts or replaces the row for r.RunID.
func (s *Store) RecordRun(ctx context.Context, r Run) error {
	if r.RunID == "" {
		return errors.New("run id is required")
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR REPLACE INTO sync_runs (
				run_id, cycle_trigger, started_at, finished_at,
				sessions_uploaded, sessions_failed, sessions_deferred, lines_uploaded,
				skills_uploaded, skills_failed, skills_removed,
				error_count, first_error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			r.RunID, r.Trigger, r.StartedAt.UTC(), r.FinishedAt.UTC(),
			r.SessionsUploaded, r.SessionsFailed, r.SessionsDeferred, r.LinesUploaded,
			r.SkillsUploaded, r.SkillsFailed, r.SkillsRemoved,
			r.ErrorCount, r.FirstError,
		)
		if err != nil {
			return fmt.Errorf("insert sync run: %w", err)
		}
		return nil
	})
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, cycle_trigger, started_at, finished_at,
			sessions_uploaded, sessions_failed, sessions_deferred, lines_uploaded,
			skills_uploaded, skills_failed, skills_removed,
			error_count, first_error
		FROM sync_runs
		ORDER BY started_at DESC, run_id DESC
		LIMIT ?;`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync runs: %w", err)
	}
	return out, nil
}

// LastRun returns the most recent run, or nil when none is recorded.
func (s *Store) LastRun(ctx context.Context) (*Run, error) {
	runs, err := s.RecentRuns(ctx, 1)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

// PruneRuns deletes runs that started before now minus keepDays.
func (s *Store) PruneRuns(ctx context.Context, keepDays int) (int64, error) {
	if keepDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -keepDays)
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_runs WHERE started_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune sync runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func scanRun(scanFn func(dest ...any) error) (Run, error) {
	var r Run
	var started, finished sql.NullTime
	if err := scanFn(
		&r.RunID, &r.Trigger, &started, &finished,
		&r.SessionsUploaded, &r.SessionsFailed, &r.SessionsDeferred, &r.LinesUploaded,
		&r.SkillsUploaded, &r.SkillsFailed, &r.SkillsRemoved,
		&r.ErrorCount, &r.FirstError,
	); err != nil {
		return Run{}, fmt.Errorf("scan sync run: %w", err)
	}
	r.StartedAt = started.Time
	r.FinishedAt = finished.Time
	return r, nil
}
