// Package rafale orchestrates burst searches: one phrase fanned out to many
// search sources at once, with tiered staggered launch, per-source circuit
// breaking and adaptive pacing, URL-level deduplication, and a SQLite
// checkpoint trail that lets an interrupted run resume where it stopped.
package rafale

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/rafale/internal/checkpoint"
	"github.com/hazyhaar/rafale/internal/dbopen"
	"github.com/hazyhaar/rafale/internal/dedup"
	"github.com/hazyhaar/rafale/internal/health"
	"github.com/hazyhaar/rafale/internal/idgen"
	"github.com/hazyhaar/rafale/internal/memguard"
	"github.com/hazyhaar/rafale/internal/pace"
	"github.com/hazyhaar/rafale/internal/runlog"
	"github.com/hazyhaar/rafale/internal/tpq"
)

// Engine owns the long-lived pieces shared across runs: source registry,
// clients, circuit breaker state, pacing state, the memory guard, and the
// run log. One Engine serves many sequential or concurrent runs.
type Engine struct {
	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	newID   idgen.Generator
	sources []Source
	clients map[string]Client
	health  *health.Monitor
	pace    *pace.Governor
	mem     *memguard.Guard
	runs    *runlog.Store
	runsDB  *sql.DB
}

// Option adjusts Engine construction.
type Option func(*Engine)

// WithLogger sets the engine logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock injects a time source for tests.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// WithIDGenerator injects the run ID generator.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// New builds an Engine from a validated config, the source registry, and a
// client per source code. Every source must have a client. A nil config
// means defaults.
func New(cfg *Config, sources []Source, clients map[string]Client, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		return nil, ErrNoSources
	}

	e := &Engine{
		cfg:     *cfg,
		log:     slog.Default(),
		now:     time.Now,
		newID:   idgen.NewRunID,
		sources: sources,
		clients: clients,
	}
	for _, opt := range opts {
		opt(e)
	}

	seen := make(map[string]bool, len(sources))
	for _, src := range sources {
		if src.Code == "" {
			return nil, fmt.Errorf("rafale: source with empty code")
		}
		if seen[src.Code] {
			return nil, fmt.Errorf("rafale: duplicate source code %q", src.Code)
		}
		seen[src.Code] = true
		if !src.Perf.valid() {
			return nil, fmt.Errorf("rafale: source %s: unknown tier %q", src.Code, src.Perf)
		}
		if clients[src.Code] == nil {
			return nil, fmt.Errorf("%w: source %s", ErrMissingClient, src.Code)
		}
	}

	hopts := []health.Option{
		health.WithThreshold(cfg.Breaker.Threshold),
		health.WithCooldown(cfg.Breaker.Cooldown()),
		health.WithClock(e.now),
	}
	if cfg.Breaker.MinSuccessRate > 0 {
		hopts = append(hopts, health.WithMinSuccessRate(cfg.Breaker.MinSuccessRate, cfg.Breaker.MinSamples))
	}
	e.health = health.NewMonitor(hopts...)

	e.pace = pace.NewGovernor(
		pace.WithBounds(cfg.Pace.Bounds()),
		pace.WithFactors(cfg.Pace.Grow, cfg.Pace.Shrink),
	)
	for _, src := range sources {
		e.pace.Track(src.Code, e.cfg.Tier(src.Perf).PaceInitial(), src.Local)
	}

	mopts := []memguard.Option{
		memguard.WithLowerAfter(cfg.Memory.LowerAfter),
		memguard.WithLogger(e.log),
	}
	if cfg.Memory.CeilingMB > 0 {
		mopts = append(mopts, memguard.WithCeilingMB(cfg.Memory.CeilingMB))
	} else {
		mopts = append(mopts, memguard.WithCeilingPercent(cfg.Memory.CeilingPercent/100))
	}
	e.mem = memguard.NewGuard(mopts...)

	db, err := dbopen.Open(filepath.Join(cfg.Store.Dir, "rafale.db"),
		dbopen.WithMkdirAll(), dbopen.WithSchema(runlog.Schema))
	if err != nil {
		return nil, fmt.Errorf("rafale: open run log: %w", err)
	}
	e.runsDB = db
	e.runs = runlog.New(db)

	return e, nil
}

// Close releases the engine's run log handle. In-flight runs keep their own
// working stores and are unaffected.
func (e *Engine) Close() error {
	return e.runsDB.Close()
}

// Run is one in-flight (or finished) burst search. Consumers pull merged
// results with Next and wait for the end with Wait.
type Run struct {
	ID     string
	phrase string

	cfg     Config
	log     *slog.Logger
	now     func() time.Time
	sources []Source
	skip    map[string]bool
	clients map[string]Client
	quality map[string]int

	out    chan RawResult
	health *health.Monitor
	pace   *pace.Governor
	mem    *memguard.Guard
	marks  *checkpoint.Store
	dedup  *dedup.Store
	queue  *tpq.Q
	runs   *runlog.Store

	db      *sql.DB
	dbPath  string
	dropped atomic.Int64

	done   chan struct{}
	report *Report
}

// Start begins a new run for phrase and returns immediately. The returned
// Run streams results as sources answer.
func (e *Engine) Start(ctx context.Context, phrase string) (*Run, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return nil, fmt.Errorf("rafale: empty search phrase")
	}
	return e.begin(ctx, e.newID(), phrase)
}

// Resume continues a previously interrupted run. Sources the earlier attempt
// already completed are skipped; everything else runs again.
func (e *Engine) Resume(ctx context.Context, runID string) (*Run, error) {
	prev, err := e.runs.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	if prev.Status == runlog.StatusCompleted {
		return nil, fmt.Errorf("%w: %s", ErrRunCompleted, runID)
	}
	path := e.runDBPath(runID)
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("rafale: run %s store missing: %w", runID, err)
	}
	return e.begin(ctx, runID, prev.Phrase)
}

// Run starts a run and blocks until it finishes, returning the terminal
// report. Streaming consumers should use Start and Next instead.
func (e *Engine) Run(ctx context.Context, phrase string) (*Report, error) {
	r, err := e.Start(ctx, phrase)
	if err != nil {
		return nil, err
	}
	if err := r.Wait(ctx); err != nil {
		return nil, err
	}
	return r.Report(), nil
}

func (e *Engine) runDBPath(runID string) string {
	return filepath.Join(e.cfg.Store.Dir, "runs", runID+".db")
}

// begin opens the run's working store, loads any completed-source skip set,
// records the run as running, and launches the dispatcher.
func (e *Engine) begin(ctx context.Context, runID, phrase string) (*Run, error) {
	path := e.runDBPath(runID)
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(),
		dbopen.WithSchema(dedup.Schema), dbopen.WithSchema(checkpoint.Schema))
	if err != nil {
		return nil, fmt.Errorf("rafale: open run store: %w", err)
	}

	marks := checkpoint.New(db)
	skip, err := marks.Completed(ctx)
	if err != nil {
		db.Close()
		return nil, err
	}

	if err := e.runs.Begin(ctx, runID, phrase); err != nil {
		db.Close()
		return nil, err
	}

	quality := make(map[string]int, len(e.sources))
	for _, src := range e.sources {
		quality[src.Code] = src.Quality
	}

	r := &Run{
		ID:      runID,
		phrase:  phrase,
		cfg:     e.cfg,
		log:     e.log.With("run", runID),
		now:     e.now,
		sources: e.sources,
		skip:    skip,
		clients: e.clients,
		quality: quality,
		out:     make(chan RawResult, e.cfg.ChannelCap),
		health:  e.health,
		pace:    e.pace,
		mem:     e.mem,
		marks:   marks,
		dedup:   dedup.New(db),
		queue:   tpq.New(),
		runs:    e.runs,
		db:      db,
		dbPath:  path,
		done:    make(chan struct{}),
	}
	go r.dispatch(ctx)
	return r, nil
}

// Next pops the best available merged result, blocking up to timeout. The
// second return is false when nothing arrived in time; call again while the
// run is live, stop once Done is closed and Next returns false.
func (r *Run) Next(timeout time.Duration) (FeedItem, bool) {
	item, ok := r.queue.Get(timeout)
	if !ok {
		return FeedItem{}, false
	}
	return item.Payload.(FeedItem), true
}

// Pending returns how many merged results are queued and not yet consumed.
func (r *Run) Pending() int {
	return r.queue.Len()
}

// Wait blocks until the run finishes or ctx expires.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the run has fully settled.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// Report returns the terminal report, or nil while the run is live.
func (r *Run) Report() *Report {
	select {
	case <-r.done:
		return r.report
	default:
		return nil
	}
}

// RunInfo is one row of run history. Stats is the terminal Report as
// recorded JSON; it survives working-store cleanup.
type RunInfo struct {
	ID         string          `json:"run_id"`
	Phrase     string          `json:"phrase"`
	Status     string          `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
	Stats      json.RawMessage `json:"stats,omitempty"`
}

// Lookup returns a past or current run's log entry, or nil when unknown.
func (e *Engine) Lookup(ctx context.Context, runID string) (*RunInfo, error) {
	row, err := e.runs.Get(ctx, runID)
	if err != nil || row == nil {
		return nil, err
	}
	info := toRunInfo(*row)
	return &info, nil
}

// Recent lists run history, most recent first.
func (e *Engine) Recent(ctx context.Context, limit int) ([]RunInfo, error) {
	rows, err := e.runs.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	infos := make([]RunInfo, len(rows))
	for i, row := range rows {
		infos[i] = toRunInfo(row)
	}
	return infos, nil
}

func toRunInfo(row runlog.Run) RunInfo {
	return RunInfo{
		ID:         row.ID,
		Phrase:     row.Phrase,
		Status:     row.Status,
		StartedAt:  row.StartedAt,
		FinishedAt: row.FinishedAt,
		Stats:      row.Stats,
	}
}

// SourceStatus is one source's live health view across runs: breaker state,
// cumulative outcomes, and the current pacing delay.
type SourceStatus struct {
	Code      string   `json:"code"`
	Name      string   `json:"name"`
	Tier      PerfTier `json:"tier"`
	Quality   int      `json:"quality"`
	Breaker   string   `json:"breaker"`
	Successes int      `json:"successes"`
	Failures  int      `json:"failures"`
	PaceMs    int64    `json:"pace_ms"`
}

// SourceHealth reports every configured source in registry order. A source
// no run has touched yet shows a closed breaker and its tier's initial delay.
func (e *Engine) SourceHealth() []SourceStatus {
	breakers := e.health.Snapshot()
	delays := e.pace.Snapshot()

	out := make([]SourceStatus, 0, len(e.sources))
	for _, src := range e.sources {
		b := breakers[src.Code]
		out = append(out, SourceStatus{
			Code:      src.Code,
			Name:      src.Name,
			Tier:      src.Perf,
			Quality:   src.Quality,
			Breaker:   b.State.String(),
			Successes: b.Successes,
			Failures:  b.Failures,
			PaceMs:    delays[src.Code].Milliseconds(),
		})
	}
	return out
}
