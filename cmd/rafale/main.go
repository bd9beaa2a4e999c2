// Entry point for the rafale search service: yaml+env config, slog JSON
// logging, chi router behind the shield middleware, async runs over the
// engine with a pull feed per run.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/rafale"
	"github.com/hazyhaar/rafale/catalog"
	"github.com/hazyhaar/rafale/internal/shield"

	_ "modernc.org/sqlite"
)

func main() {
	configPath := env("CONFIG", "")
	sourcesPath := env("SOURCES", "")
	logLevel := env("LOG_LEVEL", "info")

	var lvl slog.Level
	switch logLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Config: defaults, then yaml file, then env overrides.
	cfg := rafale.DefaultConfig()
	if configPath != "" {
		var err error
		cfg, err = rafale.LoadConfig(configPath)
		if err != nil {
			slog.Error("load config", "error", err)
			os.Exit(1)
		}
	}
	if dir := os.Getenv("DATA_DIR"); dir != "" {
		cfg.Store.Dir = dir
	}
	if port := os.Getenv("PORT"); port != "" {
		cfg.HTTP.Addr = ":" + port
	}

	// Catalog: bundled seeds, optional overlay file.
	entries := catalog.Entries()
	if sourcesPath != "" {
		overlay, err := catalog.Load(sourcesPath)
		if err != nil {
			slog.Error("load sources", "error", err)
			os.Exit(1)
		}
		entries = overlay.Apply(entries)
	}
	sources := catalog.Enabled(entries)

	reg := rafale.NewRegistry()
	catalog.Register(reg, cfg.Fetch)
	clients, err := reg.Clients(sources)
	if err != nil {
		slog.Error("build clients", "error", err)
		os.Exit(1)
	}

	engine, err := rafale.New(cfg, sources, clients, rafale.WithLogger(logger))
	if err != nil {
		slog.Error("build engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()
	slog.Info("engine ready", "sources", len(sources), "store", cfg.Store.Dir)

	hub := newHub()

	// Router.
	r := chi.NewRouter()
	r.Use(shield.SecurityHeaders(shield.DefaultHeaders()))
	r.Use(shield.MaxBody(cfg.HTTP.MaxBodyBytes))
	limiter := shield.NewLimiter(shield.LimitConfig{
		MaxRequests: cfg.HTTP.RateMax,
		Window:      cfg.HTTP.RateWindow(),
	}, logger, "/healthz")
	limiter.StartGC(ctx.Done())
	r.Use(limiter.Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]string{"status": "ok"})
	})

	r.Get("/api/sources", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, 200, map[string]any{"sources": engine.SourceHealth()})
	})

	r.Post("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Phrase string `json:"phrase"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, 400, err)
			return
		}
		// The run outlives the request; it stops on engine shutdown.
		run, err := engine.Start(ctx, req.Phrase)
		if err != nil {
			writeError(w, 400, err)
			return
		}
		hub.follow(run)
		writeJSON(w, 202, map[string]string{"run_id": run.ID})
	})

	r.Post("/api/runs/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
		run, err := engine.Resume(ctx, chi.URLParam(r, "id"))
		switch {
		case errors.Is(err, rafale.ErrUnknownRun):
			writeError(w, 404, err)
			return
		case errors.Is(err, rafale.ErrRunCompleted):
			writeError(w, 409, err)
			return
		case err != nil:
			writeError(w, 500, err)
			return
		}
		hub.follow(run)
		writeJSON(w, 202, map[string]string{"run_id": run.ID})
	})

	r.Get("/api/runs", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		infos, err := engine.Recent(r.Context(), limit)
		if err != nil {
			writeError(w, 500, err)
			return
		}
		writeJSON(w, 200, infos)
	})

	r.Get("/api/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
		info, err := engine.Lookup(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, 500, err)
			return
		}
		if info == nil {
			writeJSON(w, 404, map[string]string{"error": "unknown run"})
			return
		}
		writeJSON(w, 200, info)
	})

	r.Get("/api/runs/{id}/results", func(w http.ResponseWriter, r *http.Request) {
		feed, ok := hub.get(chi.URLParam(r, "id"))
		if !ok {
			writeJSON(w, 404, map[string]string{"error": "no live feed for run"})
			return
		}
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		items, done := feed.page(offset, limit)
		writeJSON(w, 200, map[string]any{
			"items": items,
			"done":  done,
			"next":  offset + len(items),
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

// hub keeps one drained feed per run so results stay pageable over HTTP
// after the run finishes.
type hub struct {
	mu    sync.Mutex
	feeds map[string]*feed
}

func newHub() *hub {
	return &hub{feeds: make(map[string]*feed)}
}

// follow drains the run's feed into a pageable buffer on its own goroutine.
func (h *hub) follow(run *rafale.Run) {
	f := &feed{}
	h.mu.Lock()
	h.feeds[run.ID] = f
	h.mu.Unlock()

	go func() {
		for {
			item, ok := run.Next(200 * time.Millisecond)
			if ok {
				f.append(item)
				continue
			}
			select {
			case <-run.Done():
				if run.Pending() == 0 {
					f.finish()
					return
				}
			default:
			}
		}
	}()
}

func (h *hub) get(runID string) (*feed, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.feeds[runID]
	return f, ok
}

type feed struct {
	mu    sync.Mutex
	items []rafale.FeedItem
	done  bool
}

func (f *feed) append(item rafale.FeedItem) {
	f.mu.Lock()
	f.items = append(f.items, item)
	f.mu.Unlock()
}

func (f *feed) finish() {
	f.mu.Lock()
	f.done = true
	f.mu.Unlock()
}

// page returns a window of the feed plus whether the feed is complete.
func (f *feed) page(offset, limit int) ([]rafale.FeedItem, bool) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if offset < 0 || offset >= len(f.items) {
		return []rafale.FeedItem{}, f.done
	}
	end := offset + limit
	if end > len(f.items) {
		end = len(f.items)
	}
	out := make([]rafale.FeedItem, end-offset)
	copy(out, f.items[offset:end])
	return out, f.done
}
