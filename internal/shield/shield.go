// Package shield carries the HTTP-facing middleware for the run service:
// security headers, request body caps, and per-IP rate limiting.
package shield

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// HeaderConfig defines the security headers applied to every response.
type HeaderConfig struct {
	CSP                 string
	XFrameOptions       string
	XContentTypeOptions string
	ReferrerPolicy      string
}

// DefaultHeaders returns the header set for a JSON-only service.
func DefaultHeaders() HeaderConfig {
	return HeaderConfig{
		CSP:                 "default-src 'none'",
		XFrameOptions:       "DENY",
		XContentTypeOptions: "nosniff",
		ReferrerPolicy:      "strict-origin-when-cross-origin",
	}
}

// SecurityHeaders returns middleware that sets the configured headers on
// every response.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.XContentTypeOptions != "" {
				w.Header().Set("X-Content-Type-Options", cfg.XContentTypeOptions)
			}
			if cfg.XFrameOptions != "" {
				w.Header().Set("X-Frame-Options", cfg.XFrameOptions)
			}
			if cfg.ReferrerPolicy != "" {
				w.Header().Set("Referrer-Policy", cfg.ReferrerPolicy)
			}
			if cfg.CSP != "" {
				w.Header().Set("Content-Security-Policy", cfg.CSP)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaxBody returns middleware that caps every request body at maxBytes.
// Reads past the cap fail inside the handler's decoder.
func MaxBody(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LimitConfig defines one rate limit window.
type LimitConfig struct {
	MaxRequests int
	Window      time.Duration
}

type bucket struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
}

// Limiter rate-limits per client IP and endpoint against a fixed config.
// Buckets live in memory; expired ones are swept by StartGC.
type Limiter struct {
	cfg     LimitConfig
	buckets sync.Map
	exclude []string
	log     *slog.Logger
	now     func() time.Time
}

// NewLimiter builds a limiter. Requests whose path starts with one of
// excludePrefixes bypass it.
func NewLimiter(cfg LimitConfig, log *slog.Logger, excludePrefixes ...string) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{cfg: cfg, exclude: excludePrefixes, log: log, now: time.Now}
}

// StartGC sweeps expired buckets every 5 minutes until done closes.
func (l *Limiter) StartGC(done <-chan struct{}) {
	tick := time.NewTicker(5 * time.Minute)
	go func() {
		defer tick.Stop()
		for {
			select {
			case <-done:
				return
			case <-tick.C:
				now := l.now()
				l.buckets.Range(func(key, value any) bool {
					b := value.(*bucket)
					b.mu.Lock()
					expired := now.After(b.resetAt)
					b.mu.Unlock()
					if expired {
						l.buckets.Delete(key)
					}
					return true
				})
			}
		}
	}()
}

func (l *Limiter) allow(ip, endpoint string) bool {
	if l.cfg.MaxRequests <= 0 {
		return true
	}
	now := l.now()
	key := ip + " " + endpoint

	val, loaded := l.buckets.LoadOrStore(key, &bucket{
		count:   1,
		resetAt: now.Add(l.cfg.Window),
	})
	if !loaded {
		return true
	}

	b := val.(*bucket)
	b.mu.Lock()
	defer b.mu.Unlock()
	if now.After(b.resetAt) {
		b.count = 1
		b.resetAt = now.Add(l.cfg.Window)
		return true
	}
	b.count++
	return b.count <= l.cfg.MaxRequests
}

// Middleware enforces the limit, answering 429 with a JSON body.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, prefix := range l.exclude {
			if strings.HasPrefix(r.URL.Path, prefix) {
				next.ServeHTTP(w, r)
				return
			}
		}

		endpoint := r.Method + " " + r.URL.Path
		ip := ExtractIP(r)
		if l.allow(ip, endpoint) {
			next.ServeHTTP(w, r)
			return
		}

		l.log.Warn("ratelimit: request blocked", "ip", ip, "endpoint", endpoint)
		w.Header().Set("Retry-After", strconv.Itoa(int(l.cfg.Window/time.Second)))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
	})
}

// ExtractIP returns the client IP from X-Forwarded-For or RemoteAddr.
func ExtractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
