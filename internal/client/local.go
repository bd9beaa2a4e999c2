package client

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// LocalSchema creates the FTS5 table a local archive is expected to carry.
// Archives are built offline; the orchestrator only reads them.
const LocalSchema = `
CREATE VIRTUAL TABLE IF NOT EXISTS docs USING fts5(title, url, snippet);
`

// Local queries an on-disk document archive through FTS5. Local sources pay
// no network cost, so they run without pacing.
type Local struct {
	db *sql.DB
}

// NewLocal wraps an already-opened archive database.
func NewLocal(db *sql.DB) *Local {
	return &Local{db: db}
}

// Search runs a full-text match over every phrase term, best rank first.
func (l *Local) Search(ctx context.Context, phrase string, max int) ([]Result, error) {
	match := ftsQuote(phrase)
	if match == "" {
		return nil, nil
	}
	if max <= 0 {
		max = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT title, url, snippet FROM docs WHERE docs MATCH ? ORDER BY rank LIMIT ?`,
		match, max)
	if err != nil {
		return nil, fmt.Errorf("local: query: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Title, &r.URL, &r.Snippet); err != nil {
			return nil, fmt.Errorf("local: scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ftsQuote turns the phrase into an AND of quoted FTS5 strings so user input
// never reaches the match-expression parser.
func ftsQuote(phrase string) string {
	terms := strings.Fields(phrase)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}
