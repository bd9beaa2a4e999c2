// Package dedup is the run-scoped deduplication store: one record per
// normalized URL, accumulating every source that reported it.
//
// The store is the run's primary shared-mutable-state hazard: workers from
// every source funnel their sightings here concurrently. One mutex wraps the
// whole read-merge-write sequence so the source list can never lose an
// update; bulk reads run outside the mutex against SQLite's own snapshot.
package dedup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/rafale/internal/dbopen"
)

// Schema creates the dedup table. Applied by the engine when it opens the
// run database.
const Schema = `
CREATE TABLE IF NOT EXISTS dedup_records (
    key         TEXT PRIMARY KEY,
    url         TEXT NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    sources     TEXT NOT NULL DEFAULT '[]',
    snippets    TEXT NOT NULL DEFAULT '{}',
    attrs       TEXT NOT NULL DEFAULT '{}',
    first_seen  INTEGER NOT NULL
);
`

// Candidate is one sighting of a URL by one source.
type Candidate struct {
	URL     string
	Title   string
	Snippet string
	Source  string
	Attrs   map[string]string
}

// Record is the accumulated state of one normalized URL.
type Record struct {
	Key       string
	URL       string
	Title     string
	Sources   []string          // distinct source codes in arrival order
	Snippets  map[string]string // per-source snippet
	Attrs     map[string]string // merged metadata, first writer wins per key
	FirstSeen time.Time
}

// Store wraps the run database for dedup operations.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

// New creates a Store on an already-opened run database.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Add records a sighting. It returns whether the URL was new and the
// record's accumulated state after the merge. The read-merge-write runs as
// one critical section under the store mutex and one transaction.
func (s *Store) Add(ctx context.Context, c Candidate) (bool, Record, error) {
	key, err := Normalize(c.URL)
	if err != nil {
		return false, Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var isNew bool
	var rec Record
	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT key, url, title, sources, snippets, attrs, first_seen
			FROM dedup_records WHERE key = ?`, key)

		existing, err := scanRecord(row)
		if err == sql.ErrNoRows {
			isNew = true
			rec = newRecord(key, c, s.now())
			return insertRecord(ctx, tx, rec)
		}
		if err != nil {
			return err
		}

		isNew = false
		rec = merge(existing, c)
		return updateRecord(ctx, tx, rec)
	})
	if err != nil {
		return false, Record{}, fmt.Errorf("dedup: add %s: %w", key, err)
	}
	return isNew, rec, nil
}

// Get returns the record for a URL, or nil when unseen.
func (s *Store) Get(ctx context.Context, rawURL string) (*Record, error) {
	key, err := Normalize(rawURL)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT key, url, title, sources, snippets, attrs, first_seen
		FROM dedup_records WHERE key = ?`, key)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dedup: get %s: %w", key, err)
	}
	return &rec, nil
}

// All lists every merged record in sighting order. Across a resumed run this
// is the run's full unique set, including records earlier attempts collected.
func (s *Store) All(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, url, title, sources, snippets, attrs, first_seen
		FROM dedup_records ORDER BY first_seen, key`)
	if err != nil {
		return nil, fmt.Errorf("dedup: all: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dedup: all: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dedup: all: %w", err)
	}
	return out, nil
}

func newRecord(key string, c Candidate, now time.Time) Record {
	rec := Record{
		Key:       key,
		URL:       c.URL,
		Title:     c.Title,
		Sources:   []string{c.Source},
		Snippets:  map[string]string{},
		Attrs:     map[string]string{},
		FirstSeen: now,
	}
	if c.Snippet != "" {
		rec.Snippets[c.Source] = c.Snippet
	}
	for k, v := range c.Attrs {
		if v != "" {
			rec.Attrs[k] = v
		}
	}
	return rec
}

// merge folds a new sighting into an existing record. Existing values win:
// the title only grows, the first non-empty attr for a key sticks, and a
// source appears in the list exactly once, in arrival order.
func merge(rec Record, c Candidate) Record {
	if len(c.Title) > len(rec.Title) {
		rec.Title = c.Title
	}

	listed := false
	for _, src := range rec.Sources {
		if src == c.Source {
			listed = true
			break
		}
	}
	if !listed {
		rec.Sources = append(rec.Sources, c.Source)
	}

	if c.Snippet != "" {
		if _, ok := rec.Snippets[c.Source]; !ok {
			rec.Snippets[c.Source] = c.Snippet
		}
	}

	for k, v := range c.Attrs {
		if v == "" {
			continue
		}
		if _, ok := rec.Attrs[k]; !ok {
			rec.Attrs[k] = v
		}
	}
	return rec
}

func insertRecord(ctx context.Context, tx *sql.Tx, rec Record) error {
	sources, snippets, attrs, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO dedup_records (key, url, title, sources, snippets, attrs, first_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.Key, rec.URL, rec.Title, sources, snippets, attrs, rec.FirstSeen.UnixMilli())
	return err
}

func updateRecord(ctx context.Context, tx *sql.Tx, rec Record) error {
	sources, snippets, attrs, err := marshalRecord(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE dedup_records SET title = ?, sources = ?, snippets = ?, attrs = ?
		WHERE key = ?`,
		rec.Title, sources, snippets, attrs, rec.Key)
	return err
}

func marshalRecord(rec Record) (sources, snippets, attrs string, err error) {
	sb, err := json.Marshal(rec.Sources)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal sources: %w", err)
	}
	nb, err := json.Marshal(rec.Snippets)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal snippets: %w", err)
	}
	ab, err := json.Marshal(rec.Attrs)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal attrs: %w", err)
	}
	return string(sb), string(nb), string(ab), nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var rec Record
	var sources, snippets, attrs string
	var firstSeen int64
	if err := row.Scan(&rec.Key, &rec.URL, &rec.Title, &sources, &snippets, &attrs, &firstSeen); err != nil {
		return Record{}, err
	}
	if err := json.Unmarshal([]byte(sources), &rec.Sources); err != nil {
		return Record{}, fmt.Errorf("unmarshal sources: %w", err)
	}
	if err := json.Unmarshal([]byte(snippets), &rec.Snippets); err != nil {
		return Record{}, fmt.Errorf("unmarshal snippets: %w", err)
	}
	if err := json.Unmarshal([]byte(attrs), &rec.Attrs); err != nil {
		return Record{}, fmt.Errorf("unmarshal attrs: %w", err)
	}
	rec.FirstSeen = time.UnixMilli(firstSeen)
	return rec, nil
}
