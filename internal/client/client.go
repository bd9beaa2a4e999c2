// Package client implements the three source strategies: JSON APIs walked
// with dot-notation paths, HTML pages scraped through a small CSS selector
// subset, and local SQLite archives queried with FTS5.
//
// Every strategy answers the same question: given a phrase and a cap, return
// raw results. What a source IS lives in the catalog; this package only knows
// how to talk to one.
package client

// Result is one raw item from a source, before deduplication.
type Result struct {
	Title   string
	URL     string
	Snippet string
	Attrs   map[string]string
}
