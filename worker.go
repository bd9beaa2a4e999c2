package rafale

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/rafale/internal/checkpoint"
	"github.com/hazyhaar/rafale/internal/health"
	"github.com/hazyhaar/rafale/internal/pace"
)

// completion is a one-shot signal. fire is idempotent so the timeout timer
// and the worker's own exit can both call it.
type completion struct {
	once sync.Once
	ch   chan struct{}
}

func newCompletion() *completion {
	return &completion{ch: make(chan struct{})}
}

func (c *completion) fire() {
	c.once.Do(func() { close(c.ch) })
}

func (c *completion) fired() bool {
	select {
	case <-c.ch:
		return true
	default:
		return false
	}
}

// worker runs one source from gate checks to terminal checkpoint. Its
// failures never propagate; the dispatcher only ever sees the completion
// signal and the checkpoint row.
type worker struct {
	src    Source
	client Client
	phrase string
	max    int
	out    chan<- RawResult

	cfg     *Config
	health  *health.Monitor
	pace    *pace.Governor
	marks   *checkpoint.Store
	done    *completion
	dropped *atomic.Int64
	log     *slog.Logger

	settleOnce sync.Once
}

func (w *worker) run(ctx context.Context) {
	defer w.done.fire()

	// Gate: an open circuit means no request at all.
	if !w.health.Allow(w.src.Code) {
		w.log.Info("worker: source skipped", "source", w.src.Code, "reason", "circuit open")
		w.mark(checkpoint.StatusCircuitOpen, "")
		return
	}

	// Pace: local sources pay no delay.
	if !w.src.Local {
		if d := w.pace.Delay(w.src.Code); d > 0 {
			if !sleepCtx(ctx, d) {
				w.settle(false, checkpoint.StatusFailed, "run cancelled")
				return
			}
		}
	}

	w.mark(checkpoint.StatusRunning, "")

	// The timer is the backstop for clients that ignore the context: it
	// settles the outcome and releases the dispatcher, letting the stuck
	// worker finish in the background.
	budget := w.cfg.Tier(w.src.Perf).Timeout()
	cctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	timer := time.AfterFunc(budget, func() {
		w.settle(false, checkpoint.StatusTimeout, fmt.Sprintf("no completion within %s budget", budget))
		w.done.fire()
	})
	defer timer.Stop()

	results, err := w.client.Search(cctx, w.phrase, w.max)
	timer.Stop()

	if err != nil {
		serr := &SourceError{Source: w.src.Code, Kind: Classify(err), Err: err}
		status := checkpoint.StatusFailed
		if serr.Kind == FailTimeout {
			status = checkpoint.StatusTimeout
		}
		w.settle(false, status, err.Error())
		w.log.Warn("worker: source failed", "source", w.src.Code, "kind", string(serr.Kind), "error", serr)
		return
	}

	pushed, dropped := 0, 0
	for _, r := range results {
		if r.URL == "" {
			continue
		}
		r.Source = w.src.Code
		if w.push(cctx, r) {
			pushed++
		} else {
			dropped++
			w.dropped.Add(1)
		}
	}

	w.settle(true, checkpoint.StatusCompleted, "")
	w.log.Debug("worker: source completed", "source", w.src.Code, "results", pushed, "dropped", dropped)
}

// push offers one result to the shared channel, retrying a full channel with
// doubling backoff. After the retry budget the result is dropped; a worker
// never blocks the tier indefinitely.
func (w *worker) push(ctx context.Context, r RawResult) bool {
	backoff := w.cfg.pushBackoff()
	for attempt := 0; ; attempt++ {
		select {
		case w.out <- r:
			return true
		default:
		}
		if attempt >= w.cfg.PushRetries {
			w.log.Warn("worker: result dropped", "source", w.src.Code, "url", r.URL, "reason", "channel full")
			return false
		}
		select {
		case w.out <- r:
			return true
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// settle records the source's one outcome: governor reports plus the
// terminal checkpoint. First caller wins, so a late result after the
// timeout timer has spoken becomes a no-op.
func (w *worker) settle(ok bool, status, errMsg string) {
	w.settleOnce.Do(func() {
		if ok {
			w.health.ReportSuccess(w.src.Code)
			w.pace.ReportSuccess(w.src.Code)
		} else {
			w.health.ReportFailure(w.src.Code)
			w.pace.ReportError(w.src.Code)
		}
		w.mark(status, errMsg)
	})
}

// mark writes a checkpoint transition. Store failures degrade resume
// fidelity, never the run.
func (w *worker) mark(status, errMsg string) {
	if err := w.marks.Set(context.Background(), w.src.Code, status, errMsg); err != nil {
		w.log.Warn("worker: checkpoint write failed", "source", w.src.Code, "status", status, "error", err)
	}
}

// sleepCtx sleeps for d unless the context ends first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
