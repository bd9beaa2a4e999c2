package client

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/rafale/internal/fetch"
)

// Selectors locates results inside a search page.
type Selectors struct {
	// Item matches one result container.
	Item string `yaml:"item" json:"item"`
	// Title matches the title element inside an item.
	Title string `yaml:"title" json:"title"`
	// Link matches the element whose href is the result URL. Empty falls
	// back to the first anchor in the item.
	Link string `yaml:"link,omitempty" json:"link,omitempty"`
	// Snippet matches the summary element inside an item, optional.
	Snippet string `yaml:"snippet,omitempty" json:"snippet,omitempty"`
}

// HTMLConfig describes how to scrape a search results page.
type HTMLConfig struct {
	// Endpoint is the full URL template, {query} substituted per call.
	Endpoint  string            `yaml:"endpoint" json:"endpoint"`
	Headers   map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Selectors Selectors         `yaml:"selectors" json:"selectors"`
}

// HTML scrapes a search results page with CSS selectors.
type HTML struct {
	pool *fetch.Pool
	cfg  HTMLConfig
}

// NewHTML builds an HTML client over the shared fetch pool.
func NewHTML(pool *fetch.Pool, cfg HTMLConfig) *HTML {
	return &HTML{pool: pool, cfg: cfg}
}

// Search fetches the results page and pulls one Result per item container.
// Items without a resolvable link are skipped.
func (h *HTML) Search(ctx context.Context, phrase string, max int) ([]Result, error) {
	endpoint := expandTemplate(h.cfg.Endpoint, phrase, max)

	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("html: endpoint: %w", err)
	}

	body, err := h.pool.Get(ctx, endpoint, h.cfg.Headers)
	if err != nil {
		return nil, fmt.Errorf("html: %w", err)
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("html: parse page: %w", err)
	}

	items := selectAll(doc, h.cfg.Selectors.Item)
	results := make([]Result, 0, len(items))
	for _, item := range items {
		r, ok := h.extract(item, base)
		if !ok {
			continue
		}
		results = append(results, r)
		if max > 0 && len(results) >= max {
			break
		}
	}
	return results, nil
}

func (h *HTML) extract(item *html.Node, base *url.URL) (Result, bool) {
	linkSel := h.cfg.Selectors.Link
	if linkSel == "" {
		linkSel = "a"
	}
	link := selectFirst(item, linkSel)
	if link == nil && !strings.ContainsRune(linkSel, ' ') && parseSelector(linkSel).matches(item) {
		// The item container can itself be the anchor.
		link = item
	}
	href := strings.TrimSpace(nodeAttr(link, "href"))
	if href == "" {
		return Result{}, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return Result{}, false
	}

	r := Result{
		URL:     base.ResolveReference(ref).String(),
		Title:   nodeText(selectFirst(item, h.cfg.Selectors.Title)),
		Snippet: nodeText(selectFirst(item, h.cfg.Selectors.Snippet)),
	}
	if r.Title == "" {
		r.Title = nodeText(link)
	}
	return r, true
}
