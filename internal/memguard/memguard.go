// Package memguard keeps a run inside a memory ceiling.
//
// The guard samples live heap usage and compares it against a ceiling
// (by default 80% of the machine's total memory). The collection loop asks
// for a graduated throttle delay as pressure builds, and blocks on
// WaitUntilSafe when the ceiling is crossed. A ceiling that cannot be
// satisfied is lowered permanently rather than blocking forever.
package memguard

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// fallbackTotalMB is assumed when /proc/meminfo cannot be read.
const fallbackTotalMB = 4096

// Guard watches heap usage against a mutable ceiling.
type Guard struct {
	mu        sync.Mutex
	ceilingMB float64

	lowerAfter int // failed recovery attempts before lowering the ceiling
	readMB     func() float64
	sleep      func(context.Context, time.Duration) error
	log        *slog.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithCeilingMB sets an absolute ceiling in megabytes.
func WithCeilingMB(mb float64) Option {
	return func(g *Guard) {
		if mb > 0 {
			g.ceilingMB = mb
		}
	}
}

// WithCeilingPercent sets the ceiling as a fraction of total system memory.
func WithCeilingPercent(pct float64) Option {
	return func(g *Guard) {
		if pct > 0 && pct <= 1 {
			g.ceilingMB = totalSystemMB() * pct
		}
	}
}

// WithLowerAfter sets how many failed recovery attempts WaitUntilSafe makes
// before permanently lowering the ceiling by 10% and returning.
func WithLowerAfter(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.lowerAfter = n
		}
	}
}

// WithSampler replaces the heap usage sampler (for testing).
func WithSampler(fn func() float64) Option {
	return func(g *Guard) { g.readMB = fn }
}

// WithSleeper replaces the recovery sleep (for testing).
func WithSleeper(fn func(context.Context, time.Duration) error) Option {
	return func(g *Guard) { g.sleep = fn }
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.log = l }
}

// NewGuard creates a Guard with the default ceiling of 80% of system memory.
func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		ceilingMB:  totalSystemMB() * 0.8,
		lowerAfter: 5,
		readMB:     heapAllocMB,
		sleep:      sleepCtx,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Check reports whether usage is below the ceiling, and the current usage
// in megabytes.
func (g *Guard) Check() (bool, float64) {
	used := g.readMB()
	g.mu.Lock()
	ceiling := g.ceilingMB
	g.mu.Unlock()
	return used < ceiling, used
}

// CeilingMB returns the current ceiling.
func (g *Guard) CeilingMB() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ceilingMB
}

// ThrottleDelay returns a graduated delay by how close usage is to the
// ceiling: nothing below 60%, then 100ms, 500ms, 1s, and 2s at 90%+.
func (g *Guard) ThrottleDelay() time.Duration {
	used := g.readMB()
	g.mu.Lock()
	ceiling := g.ceilingMB
	g.mu.Unlock()

	switch ratio := used / ceiling; {
	case ratio < 0.6:
		return 0
	case ratio < 0.7:
		return 100 * time.Millisecond
	case ratio < 0.8:
		return 500 * time.Millisecond
	case ratio < 0.9:
		return time.Second
	default:
		return 2 * time.Second
	}
}

// WaitUntilSafe blocks until usage drops below the ceiling, forcing garbage
// collection between attempts. After lowerAfter failed attempts it lowers
// the ceiling by 10% for the rest of the run and returns, so a ceiling that
// can never be satisfied does not stall the run forever.
func (g *Guard) WaitUntilSafe(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		runtime.GC()

		used := g.readMB()
		g.mu.Lock()
		ceiling := g.ceilingMB
		g.mu.Unlock()
		if used < ceiling {
			return nil
		}

		if attempt >= g.lowerAfter {
			g.mu.Lock()
			g.ceilingMB *= 0.9
			lowered := g.ceilingMB
			g.mu.Unlock()
			g.log.Warn("memguard: ceiling unreachable, lowering permanently",
				"used_mb", used, "new_ceiling_mb", lowered, "attempts", attempt)
			return nil
		}

		d := time.Second
		if used/ceiling >= 0.9 {
			d = 2 * time.Second
		}
		g.log.Warn("memguard: memory critical, waiting",
			"used_mb", used, "ceiling_mb", ceiling, "attempt", attempt)
		if err := g.sleep(ctx, d); err != nil {
			return err
		}
	}
}

// heapAllocMB samples the live heap (~10µs overhead).
func heapAllocMB() float64 {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return float64(mem.Alloc) / 1024 / 1024
}

// totalSystemMB reads MemTotal from /proc/meminfo, falling back to a fixed
// figure on platforms without it.
func totalSystemMB() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return fallbackTotalMB
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			break
		}
		return kb / 1024
	}
	return fallbackTotalMB
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
