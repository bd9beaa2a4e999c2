package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/hazyhaar/rafale/internal/fetch"
)

// APIConfig describes how to call and parse a JSON search API.
type APIConfig struct {
	// Endpoint is the full URL template. {query} and {limit} are substituted
	// per call, the query URL-escaped.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// Method defaults to GET.
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
	// Headers are sent verbatim after ${ENV_VAR} expansion, so API keys stay
	// out of config files.
	Headers map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	// ResultPath is the dot-notation path to the array of items, e.g.
	// "query.search". Empty means the response root is the array.
	ResultPath string `yaml:"result_path,omitempty" json:"result_path,omitempty"`
	// Fields maps title/url/snippet to dot-notation paths inside one item.
	Fields map[string]string `yaml:"fields,omitempty" json:"fields,omitempty"`
	// Attrs maps extra attribute names to item paths, carried through to the
	// merged record.
	Attrs map[string]string `yaml:"attrs,omitempty" json:"attrs,omitempty"`
	// URLPrefix, when set, is prepended to extracted URLs. Some APIs return
	// bare identifiers instead of links.
	URLPrefix string `yaml:"url_prefix,omitempty" json:"url_prefix,omitempty"`
}

// API queries a JSON search API.
type API struct {
	pool *fetch.Pool
	cfg  APIConfig
}

// NewAPI builds an API client over the shared fetch pool.
func NewAPI(pool *fetch.Pool, cfg APIConfig) *API {
	return &API{pool: pool, cfg: cfg}
}

// Search calls the endpoint with the phrase substituted, walks the result
// path, and maps each item through the configured fields.
func (a *API) Search(ctx context.Context, phrase string, max int) ([]Result, error) {
	endpoint := expandTemplate(a.cfg.Endpoint, phrase, max)

	headers := make(map[string]string, len(a.cfg.Headers)+1)
	for k, v := range a.cfg.Headers {
		headers[k] = os.Expand(v, os.Getenv)
	}
	if _, ok := headers["Accept"]; !ok {
		headers["Accept"] = "application/json"
	}

	body, err := a.pool.Request(ctx, a.cfg.Method, endpoint, headers)
	if err != nil {
		return nil, fmt.Errorf("api: %w", err)
	}

	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, fmt.Errorf("api: decode response: %w", err)
	}

	items, err := walkPath(root, a.cfg.ResultPath)
	if err != nil {
		return nil, fmt.Errorf("api: result path %q: %w", a.cfg.ResultPath, err)
	}

	results := make([]Result, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		r := a.extract(obj)
		if r.URL == "" {
			continue
		}
		results = append(results, r)
		if max > 0 && len(results) >= max {
			break
		}
	}
	return results, nil
}

func (a *API) extract(obj map[string]any) Result {
	var r Result
	if len(a.cfg.Fields) == 0 {
		r.Title = asString(lookup(obj, "title"))
		r.URL = asString(lookup(obj, "url"))
		r.Snippet = asString(lookup(obj, "snippet"))
	} else {
		if p, ok := a.cfg.Fields["title"]; ok {
			r.Title = asString(lookup(obj, p))
		}
		if p, ok := a.cfg.Fields["url"]; ok {
			r.URL = asString(lookup(obj, p))
		}
		if p, ok := a.cfg.Fields["snippet"]; ok {
			r.Snippet = asString(lookup(obj, p))
		}
	}
	if r.URL != "" && a.cfg.URLPrefix != "" {
		r.URL = a.cfg.URLPrefix + r.URL
	}
	for name, p := range a.cfg.Attrs {
		if v := asString(lookup(obj, p)); v != "" {
			if r.Attrs == nil {
				r.Attrs = make(map[string]string)
			}
			r.Attrs[name] = v
		}
	}
	return r
}

// expandTemplate substitutes {query} and {limit} in an endpoint template.
func expandTemplate(endpoint, phrase string, max int) string {
	out := strings.ReplaceAll(endpoint, "{query}", url.QueryEscape(phrase))
	return strings.ReplaceAll(out, "{limit}", strconv.Itoa(max))
}

// walkPath follows a dot-notation path into decoded JSON and returns the
// array at its end. An empty path means the root itself is the array.
func walkPath(v any, path string) ([]any, error) {
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			obj, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("expected object at %q, got %T", part, v)
			}
			v, ok = obj[part]
			if !ok {
				return nil, fmt.Errorf("key %q not found", part)
			}
		}
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("not an array (%T)", v)
	}
	return arr, nil
}

// lookup resolves a dot-notation path inside one item. Numeric parts index
// into arrays, so "title.0" reads the first element of a title list. Missing
// keys yield nil rather than an error; a source omitting a field is normal.
func lookup(v any, path string) any {
	cur := v
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			var ok bool
			cur, ok = node[part]
			if !ok {
				return nil
			}
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		// JSON numbers decode as float64; render integers without the ".0".
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
