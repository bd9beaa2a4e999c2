// Package runlog keeps one row per orchestration run: the phrase, when it
// started and finished, and the final stats. The row outlives the run's
// working tables so an interrupted run stays visible and resumable.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hazyhaar/rafale/internal/dbopen"
)

// Schema creates the runs table.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
    run_id      TEXT PRIMARY KEY,
    phrase      TEXT NOT NULL,
    status      TEXT NOT NULL,
    started_at  INTEGER NOT NULL,
    finished_at INTEGER NOT NULL DEFAULT 0,
    stats       TEXT NOT NULL DEFAULT '{}'
);
`

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Run is one orchestration run's lifecycle row. FinishedAt is nil while the
// run is still going.
type Run struct {
	ID         string          `json:"run_id"`
	Phrase     string          `json:"phrase"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Stats      json.RawMessage `json:"stats,omitempty"`
}

// Store wraps the run database for run lifecycle rows.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Store on an already-opened run database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Begin records a new run as running. Re-beginning an existing run (resume)
// flips it back to running without touching started_at.
func (s *Store) Begin(ctx context.Context, runID, phrase string) error {
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO runs (run_id, phrase, status, started_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET status = excluded.status, finished_at = 0`,
		runID, phrase, StatusRunning, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("runlog: begin %s: %w", runID, err)
	}
	return nil
}

// Finish stamps the run's terminal status and stats.
func (s *Store) Finish(ctx context.Context, runID, status string, stats any) error {
	blob, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("runlog: marshal stats: %w", err)
	}
	_, err = dbopen.Exec(ctx, s.db,
		`UPDATE runs SET status = ?, finished_at = ?, stats = ? WHERE run_id = ?`,
		status, s.now().UnixMilli(), string(blob), runID)
	if err != nil {
		return fmt.Errorf("runlog: finish %s: %w", runID, err)
	}
	return nil
}

// Get returns the run row, or nil when the run is unknown.
func (s *Store) Get(ctx context.Context, runID string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT run_id, phrase, status, started_at, finished_at, stats
		FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runlog: get %s: %w", runID, err)
	}
	return r, nil
}

// List returns up to limit runs, most recent first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, phrase, status, started_at, finished_at, stats
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("runlog: list: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("runlog: scan: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*Run, error) {
	var r Run
	var started, finished int64
	var stats string
	if err := sc.Scan(&r.ID, &r.Phrase, &r.Status, &started, &finished, &stats); err != nil {
		return nil, err
	}
	r.StartedAt = time.UnixMilli(started)
	if finished > 0 {
		t := time.UnixMilli(finished)
		r.FinishedAt = &t
	}
	r.Stats = json.RawMessage(stats)
	return &r, nil
}
