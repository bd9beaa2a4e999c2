// Package fetch owns the one HTTP client every remote source shares: a tuned
// transport, a default User-Agent, a bounded body reader, and a global
// politeness limiter that spaces outbound requests across all sources.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

const (
	defaultUserAgent = "rafale/1.0 (+https://github.com/hazyhaar/rafale)"
	defaultMaxBody   = 8 << 20
	defaultInterval  = 200 * time.Millisecond
)

// StatusError reports a non-2xx response. Its text carries the status code
// so failure classification can key on it.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	if e.Code == http.StatusTooManyRequests {
		return fmt.Sprintf("fetch %s: status 429 (rate limited)", e.URL)
	}
	return fmt.Sprintf("fetch %s: unexpected status %d", e.URL, e.Code)
}

// Pool is the shared outbound HTTP client.
type Pool struct {
	client  *http.Client
	limiter *rate.Limiter
	ua      string
	maxBody int64
}

// Option adjusts a Pool.
type Option func(*Pool)

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) Option {
	return func(p *Pool) { p.ua = ua }
}

// WithGlobalRate spaces outbound requests at one per interval, shared by
// every source. interval <= 0 disables the limiter.
func WithGlobalRate(interval time.Duration) Option {
	return func(p *Pool) {
		if interval <= 0 {
			p.limiter = nil
			return
		}
		p.limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
}

// WithMaxBody bounds how many response bytes Get will read.
func WithMaxBody(n int64) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxBody = n
		}
	}
}

// WithClient swaps the underlying client, mostly for tests.
func WithClient(c *http.Client) Option {
	return func(p *Pool) { p.client = c }
}

// NewPool builds the shared client. Request cancellation is context-driven;
// the transport only bounds connection setup and idle reuse.
func NewPool(opts ...Option) *Pool {
	p := &Pool{
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxConnsPerHost:     4,
				MaxIdleConns:        64,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Every(defaultInterval), 1),
		ua:      defaultUserAgent,
		maxBody: defaultMaxBody,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Do waits for the politeness limiter, fills in the default User-Agent, and
// runs the request. The caller owns the response body.
func (p *Pool) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("fetch: wait: %w", err)
		}
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", p.ua)
	}
	return p.client.Do(req)
}

// Get fetches rawURL with the given extra headers and returns the body,
// bounded at the pool's body limit. Non-2xx statuses return a *StatusError.
func (p *Pool) Get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	return p.Request(ctx, http.MethodGet, rawURL, headers)
}

// Request is Get with a configurable method.
func (p *Pool) Request(ctx context.Context, method, rawURL string, headers map[string]string) ([]byte, error) {
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := p.Do(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode, URL: rawURL}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: read: %w", rawURL, err)
	}
	if int64(len(body)) > p.maxBody {
		return nil, fmt.Errorf("fetch %s: response larger than %d bytes", rawURL, p.maxBody)
	}
	return body, nil
}
