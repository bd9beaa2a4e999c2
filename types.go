// Package rafale fans one search phrase out to many independent sources,
// collects their results concurrently, deduplicates them across sources, and
// streams a quality-ordered feed while adapting to failures, rate limits, and
// memory pressure.
//
// The engine never trusts a source: every worker is gated by a circuit
// breaker, paced by an adaptive per-source delay, and bounded by a tier
// timeout. One slow or broken source cannot stall the run.
package rafale

import "time"

// PerfTier is a coarse latency class used for stagger and timeout scheduling.
type PerfTier string

const (
	TierFast   PerfTier = "fast"
	TierMedium PerfTier = "medium"
	TierSlow   PerfTier = "slow"
)

// valid reports whether the tier is one of the three known classes.
func (t PerfTier) valid() bool {
	switch t {
	case TierFast, TierMedium, TierSlow:
		return true
	}
	return false
}

// Source is the static description of one engine. Loaded once at startup,
// never mutated by the run.
type Source struct {
	// Code uniquely identifies the source in checkpoints, stats, and logs.
	Code string `yaml:"code" json:"code"`
	// Name is the human-readable label.
	Name string `yaml:"name" json:"name"`
	// Perf schedules the source's stagger slot and timeout budget.
	Perf PerfTier `yaml:"perf" json:"perf"`
	// Quality ranks result ordering; lower is better.
	Quality int `yaml:"quality" json:"quality"`
	// Local marks sources with no network cost; they skip pacing delays.
	Local bool `yaml:"local,omitempty" json:"local,omitempty"`
	// MaxResults caps how many hits one query may return. 0 means the
	// configured default.
	MaxResults int `yaml:"max_results,omitempty" json:"max_results,omitempty"`

	// Client wiring. The engine never reads past this line; the Registry
	// factory registered for Strategy turns these into the source's Client.

	// Strategy selects the factory: "api", "html", "local", or any
	// caller-registered kind.
	Strategy string `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	// Endpoint is the query URL template; {query} and {limit} are expanded.
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	// Method is the request method for api sources; empty means GET.
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
	// Headers are sent verbatim after ${ENV_VAR} expansion, so API keys
	// stay out of config files.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	// ResultPath walks the JSON response to the result array (api).
	ResultPath string `yaml:"result_path,omitempty" json:"result_path,omitempty"`
	// Fields maps title/url/snippet to dot paths inside one item (api).
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
	// AttrFields maps extra attr keys to dot paths inside one item (api).
	AttrFields map[string]string `yaml:"attr_fields,omitempty" json:"attr_fields,omitempty"`
	// URLPrefix prepends Fields["url"] values that are bare identifiers (api).
	URLPrefix string `yaml:"url_prefix,omitempty" json:"url_prefix,omitempty"`
	// Selectors maps item/title/link/snippet to CSS selectors (html).
	Selectors map[string]string `yaml:"selectors,omitempty" json:"selectors,omitempty"`
	// ArchivePath locates the FTS5 corpus database (local).
	ArchivePath string `yaml:"archive_path,omitempty" json:"archive_path,omitempty"`
}

// RawResult is one hit from a source, before deduplication. Ownership
// transfers to the engine once pushed.
type RawResult struct {
	URL     string
	Title   string
	Snippet string
	Attrs   map[string]string
	// Source is the code of the engine that produced the hit. Workers stamp
	// it; clients may leave it empty.
	Source string
}

// Action tags a feed item as the first sighting of its URL or a repeat.
type Action string

const (
	ActionNew       Action = "new"
	ActionDuplicate Action = "duplicate"
)

// Result is the deduplicated, provenance-merged view of one URL.
type Result struct {
	Key       string            `json:"key"`
	URL       string            `json:"url"`
	Title     string            `json:"title"`
	Sources   []string          `json:"sources"`
	Snippets  map[string]string `json:"snippets,omitempty"`
	Attrs     map[string]string `json:"attrs,omitempty"`
	FirstSeen time.Time         `json:"first_seen"`
}

// FeedItem is one element of the ordered downstream feed. Every collected
// hit produces one, duplicates included, so consumers see provenance grow.
type FeedItem struct {
	// Action is "new" on the first sighting of the URL, "duplicate" after.
	Action Action `json:"action"`
	// Source is the engine whose hit produced this item.
	Source string `json:"source"`
	// Quality is the source's rank, the feed's primary sort key.
	Quality int `json:"quality"`
	// Result is the record as of this sighting.
	Result Result `json:"result"`
}
