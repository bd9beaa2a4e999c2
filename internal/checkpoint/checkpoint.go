// Package checkpoint records where every source stands in a run, so a
// killed run can resume without re-querying sources that already finished.
//
// Each source owns one row, rewritten on every status transition. The row is
// read back once at run start: sources marked completed are skipped.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/rafale/internal/dbopen"
)

// Schema creates the checkpoints table. Applied by the engine when it opens
// the run database.
const Schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
    source     TEXT PRIMARY KEY,
    status     TEXT NOT NULL,
    error      TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL
);
`

// Source statuses, in rough lifecycle order.
const (
	StatusPending     = "pending"
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
	StatusCircuitOpen = "circuit_open"
	StatusTimeout     = "timeout"
)

// maxErrorLen bounds the stored error string; sources can return anything.
const maxErrorLen = 300

// Entry is one source's checkpoint row.
type Entry struct {
	Source    string
	Status    string
	Error     string
	UpdatedAt time.Time
}

// Store wraps the run database for checkpoint operations.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a Store on an already-opened run database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Set rewrites the source's row with a new status. The error message is
// truncated; pass "" for clean transitions.
func (s *Store) Set(ctx context.Context, source, status, errMsg string) error {
	if len(errMsg) > maxErrorLen {
		errMsg = errMsg[:maxErrorLen]
	}
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO checkpoints (source, status, error, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET status = excluded.status,
			error = excluded.error, updated_at = excluded.updated_at`,
		source, status, errMsg, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("checkpoint: set %s=%s: %w", source, status, err)
	}
	return nil
}

// SetIf rewrites the source's row only when its current status equals want.
// Returns whether the write happened. Used by the dispatcher's sweep so a
// worker's own terminal status is never clobbered.
func (s *Store) SetIf(ctx context.Context, source, want, status string) (bool, error) {
	res, err := dbopen.Exec(ctx, s.db,
		`UPDATE checkpoints SET status = ?, updated_at = ?
		WHERE source = ? AND status = ?`,
		status, s.now().UnixMilli(), source, want)
	if err != nil {
		return false, fmt.Errorf("checkpoint: setif %s: %w", source, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checkpoint: setif %s: %w", source, err)
	}
	return n > 0, nil
}

// Get returns the source's entry, or nil when the source has no row.
func (s *Store) Get(ctx context.Context, source string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT source, status, error, updated_at FROM checkpoints WHERE source = ?`, source)
	var e Entry
	var ms int64
	err := row.Scan(&e.Source, &e.Status, &e.Error, &ms)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("checkpoint: get %s: %w", source, err)
	}
	e.UpdatedAt = time.UnixMilli(ms)
	return &e, nil
}

// All returns every entry keyed by source code.
func (s *Store) All(ctx context.Context) (map[string]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, status, error, updated_at FROM checkpoints`)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list: %w", err)
	}
	defer rows.Close()

	out := make(map[string]Entry)
	for rows.Next() {
		var e Entry
		var ms int64
		if err := rows.Scan(&e.Source, &e.Status, &e.Error, &ms); err != nil {
			return nil, fmt.Errorf("checkpoint: scan: %w", err)
		}
		e.UpdatedAt = time.UnixMilli(ms)
		out[e.Source] = e
	}
	return out, rows.Err()
}

// Completed returns the set of sources already marked completed. Read once
// at run start to decide what to skip on resume.
func (s *Store) Completed(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source FROM checkpoints WHERE status = ?`, StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: completed: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, fmt.Errorf("checkpoint: scan: %w", err)
		}
		out[src] = true
	}
	return out, rows.Err()
}
