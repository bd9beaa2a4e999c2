package rafale

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/hazyhaar/rafale/internal/checkpoint"
	"github.com/hazyhaar/rafale/internal/dedup"
	"github.com/hazyhaar/rafale/internal/runlog"
)

// launchPlan pairs a source with its stagger delay.
type launchPlan struct {
	src   Source
	delay time.Duration
}

// tally accumulates the run's counters. Only the collection loop touches it.
type tally struct {
	raw       int
	unique    int
	dups      int
	perSource map[string]int
}

// dispatch owns the whole run: it launches the tiered workers, collects
// their results into the dedup store and the priority queue, sweeps
// completions, and settles the terminal report. It runs on its own
// goroutine; Run.Wait observes the end.
func (r *Run) dispatch(ctx context.Context) {
	defer close(r.done)
	started := r.now()

	plans := r.plan()
	budget := r.cfg.BudgetFor(len(plans))
	slots := make(chan struct{}, budget)
	active := make(map[string]*completion, len(plans))

	r.log.Info("run: started",
		"phrase", r.phrase,
		"sources", len(plans), "skipped", len(r.skip), "budget", budget)

	for _, p := range plans {
		done := newCompletion()
		active[p.src.Code] = done
		w := &worker{
			src:     p.src,
			client:  r.clients[p.src.Code],
			phrase:  r.phrase,
			max:     r.maxFor(p.src),
			out:     r.out,
			cfg:     &r.cfg,
			health:  r.health,
			pace:    r.pace,
			marks:   r.marks,
			done:    done,
			dropped: &r.dropped,
			log:     r.log,
		}
		if err := r.marks.Set(context.Background(), p.src.Code, checkpoint.StatusPending, ""); err != nil {
			r.log.Warn("run: checkpoint write failed", "source", p.src.Code, "error", err)
		}
		go r.launch(ctx, w, p.delay, slots)
	}

	t := &tally{perSource: make(map[string]int)}
	aborted := r.collectLoop(ctx, active, t)
	r.drainChannel(ctx, t)

	status := runlog.StatusCompleted
	if aborted {
		status = runlog.StatusFailed
	}
	r.report = r.buildReport(started, t, status)
	if err := r.runs.Finish(context.Background(), r.ID, status, r.report); err != nil {
		r.log.Warn("run: ledger update failed", "error", err)
	}
	if dir := r.cfg.Store.ReportDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			r.log.Warn("run: report dir create failed", "dir", dir, "error", err)
		} else if err := r.report.WriteFile(filepath.Join(dir, r.ID+".json")); err != nil {
			r.log.Warn("run: report write failed", "error", err)
		}
	}

	if status == runlog.StatusCompleted {
		r.cleanup()
	} else {
		// An aborted run keeps its working store so it can resume.
		r.db.Close()
	}

	r.log.Info("run: finished",
		"status", status,
		"raw", t.raw, "unique", r.report.Unique, "duplicates", t.dups,
		"dropped", r.dropped.Load(), "elapsed", r.report.ElapsedSec)
}

// plan partitions sources into performance tiers and assigns each a stagger
// delay, excluding sources a previous attempt already completed.
func (r *Run) plan() []launchPlan {
	var plans []launchPlan
	for _, tier := range []PerfTier{TierFast, TierMedium, TierSlow} {
		tc := r.cfg.Tier(tier)
		i := 0
		for _, src := range r.sources {
			if src.Perf != tier || r.skip[src.Code] {
				continue
			}
			plans = append(plans, launchPlan{src: src, delay: tc.Stagger(i)})
			i++
		}
	}
	return plans
}

// maxFor returns the source's result cap.
func (r *Run) maxFor(src Source) int {
	if src.MaxResults > 0 {
		return src.MaxResults
	}
	return r.cfg.DefaultMaxResults
}

// launch holds a worker through its stagger delay and budget slot, then runs
// it. The completion signal fires on every exit path.
func (r *Run) launch(ctx context.Context, w *worker, delay time.Duration, slots chan struct{}) {
	defer w.done.fire()

	if delay > 0 && !sleepCtx(ctx, delay) {
		w.settle(false, checkpoint.StatusFailed, "run cancelled")
		return
	}
	select {
	case slots <- struct{}{}:
	case <-ctx.Done():
		w.settle(false, checkpoint.StatusFailed, "run cancelled")
		return
	}
	defer func() { <-slots }()

	w.run(ctx)
}

// collectLoop pulls results until every source has signaled completion.
// Reads time out quickly so completion sweeps stay frequent. Returns true
// when the context ended the run early.
func (r *Run) collectLoop(ctx context.Context, active map[string]*completion, t *tally) bool {
	collected := 0
	for len(active) > 0 {
		select {
		case item := <-r.out:
			r.collect(ctx, item, t)
			collected++
			if every := r.cfg.Memory.CheckEvery; every > 0 && collected%every == 0 {
				r.governMemory(ctx)
			}
		case <-time.After(r.cfg.readTimeout()):
			for code, done := range active {
				if done.fired() {
					delete(active, code)
					r.confirmCompleted(code)
				}
			}
		case <-ctx.Done():
			return true
		}
	}
	return false
}

// drainChannel empties what workers pushed between their last send and their
// completion signal.
func (r *Run) drainChannel(ctx context.Context, t *tally) {
	for {
		select {
		case item := <-r.out:
			r.collect(ctx, item, t)
		default:
			return
		}
	}
}

// collect routes one raw hit through the deduplicator and into the priority
// queue. Store failures downgrade the hit to an untracked pass-through;
// they never stop the run.
func (r *Run) collect(ctx context.Context, item RawResult, t *tally) {
	t.raw++
	t.perSource[item.Source]++

	isNew, rec, err := r.dedup.Add(ctx, dedup.Candidate{
		URL:     item.URL,
		Title:   item.Title,
		Snippet: item.Snippet,
		Source:  item.Source,
		Attrs:   item.Attrs,
	})
	if err != nil {
		if errors.Is(err, dedup.ErrEmptyURL) {
			t.raw--
			t.perSource[item.Source]--
			return
		}
		r.log.Warn("run: dedup store failed", "url", item.URL, "error", err)
		isNew = true
		rec = dedup.Record{
			Key:       item.URL,
			URL:       item.URL,
			Title:     item.Title,
			Sources:   []string{item.Source},
			Snippets:  map[string]string{item.Source: item.Snippet},
			Attrs:     item.Attrs,
			FirstSeen: r.now(),
		}
	}

	action := ActionDuplicate
	if isNew {
		action = ActionNew
		t.unique++
	} else {
		t.dups++
	}
	feed := FeedItem{
		Action:  action,
		Source:  item.Source,
		Quality: r.quality[item.Source],
		Result:  toResult(rec),
	}
	r.queue.Put(feed, item.Source, feed.Quality)
}

// confirmCompleted backstops a worker whose terminal write was lost: a row
// still marked running after its completion signal becomes completed. A
// worker's own terminal status is never overwritten.
func (r *Run) confirmCompleted(code string) {
	if _, err := r.marks.SetIf(context.Background(), code,
		checkpoint.StatusRunning, checkpoint.StatusCompleted); err != nil {
		r.log.Warn("run: checkpoint sweep failed", "source", code, "error", err)
	}
}

// governMemory applies backpressure: a graduated delay under rising usage,
// a blocking recovery wait above the ceiling. This is the only condition
// that stalls the whole run.
func (r *Run) governMemory(ctx context.Context) {
	safe, usedMB := r.mem.Check()
	if !safe {
		r.log.Warn("run: memory above ceiling, stalling",
			"used_mb", usedMB, "ceiling_mb", r.mem.CeilingMB())
		if err := r.mem.WaitUntilSafe(ctx); err != nil {
			r.log.Warn("run: memory recovery interrupted", "error", err)
		}
		return
	}
	if d := r.mem.ThrottleDelay(); d > 0 {
		sleepCtx(ctx, d)
	}
}

// buildReport freezes the run's terminal state. Checkpoint statuses are read
// before cleanup so skipped and failed sources keep their final word.
func (r *Run) buildReport(started time.Time, t *tally, status string) *Report {
	finished := r.now()
	elapsed := finished.Sub(started).Seconds()

	entries, err := r.marks.All(context.Background())
	if err != nil {
		r.log.Warn("run: checkpoint read failed", "error", err)
	}

	// The store holds the run's full unique set. On a resumed run that
	// includes earlier attempts, so it can exceed this attempt's raw count.
	unique := t.unique
	if recs, err := r.dedup.All(context.Background()); err != nil {
		r.log.Warn("run: dedup scan failed, using in-memory tally", "error", err)
	} else {
		unique = len(recs)
	}

	stats := make([]SourceStat, 0, len(r.sources))
	for _, src := range r.sources {
		st := SourceStat{Code: src.Code, Results: t.perSource[src.Code]}
		if e, ok := entries[src.Code]; ok {
			st.Status = e.Status
			st.Error = e.Error
		} else {
			st.Status = checkpoint.StatusPending
		}
		stats = append(stats, st)
	}

	rep := &Report{
		RunID:      r.ID,
		Phrase:     r.phrase,
		StartedAt:  started,
		FinishedAt: finished,
		ElapsedSec: elapsed,
		Raw:        t.raw,
		Unique:     unique,
		Duplicates: t.dups,
		Dropped:    int(r.dropped.Load()),
		Sources:    stats,
	}
	if elapsed > 0 {
		rep.ResultsPerSec = float64(t.raw) / elapsed
	}
	rep.sortSources()
	return rep
}

// cleanup removes the run's working store after clean completion. Keep mode
// leaves it on disk for inspection.
func (r *Run) cleanup() {
	r.db.Close()
	if r.cfg.Store.Keep {
		return
	}
	if err := os.Remove(r.dbPath); err != nil && !os.IsNotExist(err) {
		r.log.Warn("run: store removal failed", "path", r.dbPath, "error", err)
	}
	os.Remove(r.dbPath + "-wal")
	os.Remove(r.dbPath + "-shm")
}

func toResult(rec dedup.Record) Result {
	return Result{
		Key:       rec.Key,
		URL:       rec.URL,
		Title:     rec.Title,
		Sources:   rec.Sources,
		Snippets:  rec.Snippets,
		Attrs:     rec.Attrs,
		FirstSeen: rec.FirstSeen,
	}
}
