// Package catalog ships the bundled source definitions and the client
// factories for the three generic strategies: api (JSON path walker), html
// (CSS selector extraction), and local (FTS5 archive lookup). Deployments
// adjust the catalog with a yaml overlay file instead of code.
package catalog

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/rafale"
	"github.com/hazyhaar/rafale/internal/client"
	"github.com/hazyhaar/rafale/internal/dbopen"
	"github.com/hazyhaar/rafale/internal/fetch"
)

// Entry is one catalog row: a full source definition plus catalog-only
// switches.
type Entry struct {
	rafale.Source `yaml:",inline"`
	// Disabled keeps the entry in the catalog but out of runs. Seeds that
	// need deployment-specific wiring (the local archive) ship disabled.
	Disabled bool `yaml:"disabled,omitempty"`
}

// File is the yaml overlay format: codes to disable plus entries that
// replace a seed wholesale or add a new source.
type File struct {
	Disable []string `yaml:"disable,omitempty"`
	Sources []Entry  `yaml:"sources,omitempty"`
}

// Load reads an overlay file.
func Load(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, fmt.Errorf("catalog: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	return f, nil
}

// Apply folds the overlay into a base catalog: disabled codes drop out,
// overlay entries replace matching codes wholesale, and unknown codes
// append. Replacing wholesale keeps the merge rules obvious; enabling the
// local archive therefore means writing its full row, archive path included.
func (f File) Apply(base []Entry) []Entry {
	drop := make(map[string]bool, len(f.Disable))
	for _, code := range f.Disable {
		drop[code] = true
	}
	replace := make(map[string]Entry, len(f.Sources))
	for _, e := range f.Sources {
		replace[e.Code] = e
	}

	out := make([]Entry, 0, len(base)+len(f.Sources))
	seen := make(map[string]bool, len(base))
	for _, e := range base {
		seen[e.Code] = true
		if drop[e.Code] {
			continue
		}
		if r, ok := replace[e.Code]; ok {
			e = r
		}
		out = append(out, e)
	}
	for _, e := range f.Sources {
		if !seen[e.Code] && !drop[e.Code] {
			out = append(out, e)
		}
	}
	return out
}

// Enabled filters a catalog down to the sources a run should query.
func Enabled(entries []Entry) []rafale.Source {
	out := make([]rafale.Source, 0, len(entries))
	for _, e := range entries {
		if !e.Disabled {
			out = append(out, e.Source)
		}
	}
	return out
}

// Sources returns the enabled seed sources.
func Sources() []rafale.Source {
	return Enabled(Entries())
}

// Entries returns the bundled catalog. Quality ranks are relative: scholarly
// indexes first, community aggregators next, plain web search last.
func Entries() []Entry {
	return []Entry{
		{Source: rafale.Source{
			Code:       "wikipedia",
			Name:       "Wikipedia search",
			Perf:       rafale.TierFast,
			Quality:    2,
			Strategy:   "api",
			Endpoint:   "https://en.wikipedia.org/w/api.php?action=query&list=search&format=json&srlimit={limit}&srsearch={query}",
			ResultPath: "query.search",
			Fields:     map[string]string{"title": "title", "url": "pageid", "snippet": "snippet"},
			URLPrefix:  "https://en.wikipedia.org/?curid=",
		}},
		{Source: rafale.Source{
			Code:       "hackernews",
			Name:       "Hacker News (Algolia)",
			Perf:       rafale.TierFast,
			Quality:    3,
			Strategy:   "api",
			Endpoint:   "https://hn.algolia.com/api/v1/search?query={query}&hitsPerPage={limit}",
			ResultPath: "hits",
			Fields:     map[string]string{"title": "title", "url": "url"},
			AttrFields: map[string]string{"points": "points", "author": "author"},
		}},
		{Source: rafale.Source{
			Code:       "stackexchange",
			Name:       "Stack Overflow search",
			Perf:       rafale.TierFast,
			Quality:    2,
			Strategy:   "api",
			Endpoint:   "https://api.stackexchange.com/2.3/search/advanced?order=desc&sort=relevance&site=stackoverflow&pagesize={limit}&q={query}",
			ResultPath: "items",
			Fields:     map[string]string{"title": "title", "url": "link"},
			AttrFields: map[string]string{"score": "score", "answers": "answer_count"},
		}},
		{Source: rafale.Source{
			Code:       "openalex",
			Name:       "OpenAlex works",
			Perf:       rafale.TierMedium,
			Quality:    1,
			Strategy:   "api",
			Endpoint:   "https://api.openalex.org/works?search={query}&per-page={limit}",
			ResultPath: "results",
			Fields:     map[string]string{"title": "display_name", "url": "id"},
			AttrFields: map[string]string{"doi": "doi", "year": "publication_year"},
		}},
		{Source: rafale.Source{
			Code:       "crossref",
			Name:       "Crossref works",
			Perf:       rafale.TierMedium,
			Quality:    1,
			Strategy:   "api",
			Endpoint:   "https://api.crossref.org/works?query={query}&rows={limit}",
			ResultPath: "message.items",
			Fields:     map[string]string{"title": "title.0", "url": "URL"},
			AttrFields: map[string]string{"publisher": "publisher", "year": "issued.date-parts.0.0"},
		}},
		{Source: rafale.Source{
			Code:       "marginalia",
			Name:       "Marginalia search",
			Perf:       rafale.TierMedium,
			Quality:    2,
			Strategy:   "api",
			Endpoint:   "https://api.marginalia.nu/public/search/{query}?count={limit}",
			ResultPath: "results",
			Fields:     map[string]string{"title": "title", "url": "url", "snippet": "description"},
		}},
		{Source: rafale.Source{
			Code:     "lobsters",
			Name:     "Lobsters search",
			Perf:     rafale.TierMedium,
			Quality:  3,
			Strategy: "html",
			Endpoint: "https://lobste.rs/search?q={query}&what=stories&order=relevance",
			Selectors: map[string]string{
				"item":    "li.story",
				"title":   "a.u-url",
				"link":    "a.u-url",
				"snippet": "div.byline",
			},
		}},
		{Source: rafale.Source{
			Code:     "ddg-lite",
			Name:     "DuckDuckGo Lite",
			Perf:     rafale.TierFast,
			Quality:  3,
			Strategy: "html",
			Endpoint: "https://lite.duckduckgo.com/lite/?q={query}",
			Selectors: map[string]string{
				// The result anchor is both the item and the link.
				"item": "a.result-link",
				"link": "a.result-link",
			},
		}},
		{Source: rafale.Source{
			Code:     "wiby",
			Name:     "Wiby",
			Perf:     rafale.TierSlow,
			Quality:  4,
			Strategy: "html",
			Endpoint: "https://wiby.me/?q={query}",
			Selectors: map[string]string{
				"item":    "div.results",
				"title":   "a",
				"link":    "a",
				"snippet": "p",
			},
		}},
		{
			Source: rafale.Source{
				Code:        "localarchive",
				Name:        "Local document archive",
				Perf:        rafale.TierFast,
				Quality:     1,
				Local:       true,
				Strategy:    "local",
				ArchivePath: "data/archive.db",
			},
			Disabled: true,
		},
	}
}

// Register binds the bundled strategies to a registry. The api and html
// factories share one HTTP pool, built lazily on first use so a catalog of
// only local sources never touches the network stack.
func Register(reg *rafale.Registry, fc rafale.FetchConfig) {
	var (
		once sync.Once
		pool *fetch.Pool
	)
	sharedPool := func() *fetch.Pool {
		once.Do(func() {
			opts := []fetch.Option{fetch.WithGlobalRate(fc.Interval())}
			if fc.UserAgent != "" {
				opts = append(opts, fetch.WithUserAgent(fc.UserAgent))
			}
			if fc.MaxBodyMB > 0 {
				opts = append(opts, fetch.WithMaxBody(int64(fc.MaxBodyMB)<<20))
			}
			pool = fetch.NewPool(opts...)
		})
		return pool
	}

	reg.Register("api", func(src rafale.Source) (rafale.Client, error) {
		if src.Endpoint == "" {
			return nil, fmt.Errorf("catalog: api source needs an endpoint")
		}
		cfg := client.APIConfig{
			Endpoint:   src.Endpoint,
			Method:     src.Method,
			Headers:    src.Headers,
			ResultPath: src.ResultPath,
			Fields:     src.Fields,
			Attrs:      src.AttrFields,
			URLPrefix:  src.URLPrefix,
		}
		return adapt(client.NewAPI(sharedPool(), cfg)), nil
	})

	reg.Register("html", func(src rafale.Source) (rafale.Client, error) {
		if src.Endpoint == "" {
			return nil, fmt.Errorf("catalog: html source needs an endpoint")
		}
		if src.Selectors["item"] == "" {
			return nil, fmt.Errorf("catalog: html source needs an item selector")
		}
		cfg := client.HTMLConfig{
			Endpoint: src.Endpoint,
			Headers:  src.Headers,
			Selectors: client.Selectors{
				Item:    src.Selectors["item"],
				Title:   src.Selectors["title"],
				Link:    src.Selectors["link"],
				Snippet: src.Selectors["snippet"],
			},
		}
		return adapt(client.NewHTML(sharedPool(), cfg)), nil
	})

	reg.Register("local", func(src rafale.Source) (rafale.Client, error) {
		if src.ArchivePath == "" {
			return nil, fmt.Errorf("catalog: local source needs an archive path")
		}
		db, err := dbopen.Open(src.ArchivePath, dbopen.WithSchema(client.LocalSchema))
		if err != nil {
			return nil, fmt.Errorf("catalog: open archive: %w", err)
		}
		return adapt(client.NewLocal(db)), nil
	})
}

// searcher is what the bundled clients implement.
type searcher interface {
	Search(ctx context.Context, phrase string, max int) ([]client.Result, error)
}

// adapt converts a bundled client's results to the engine's raw result type.
func adapt(s searcher) rafale.Client {
	return rafale.ClientFunc(func(ctx context.Context, phrase string, max int) ([]rafale.RawResult, error) {
		hits, err := s.Search(ctx, phrase, max)
		if err != nil {
			return nil, err
		}
		out := make([]rafale.RawResult, 0, len(hits))
		for _, h := range hits {
			out = append(out, rafale.RawResult{
				URL:     h.URL,
				Title:   h.Title,
				Snippet: h.Snippet,
				Attrs:   h.Attrs,
			})
		}
		return out, nil
	})
}
