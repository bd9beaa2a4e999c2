// Package pace maintains one adaptive inter-request delay per source.
//
// Successes shrink the delay multiplicatively toward a floor; errors grow it
// toward a ceiling. The growth factor is larger than the shrink factor is
// small, so a source that flaps recovers its pace slowly. Local sources
// always run at zero delay.
package pace

import (
	"sync"
	"time"
)

type state struct {
	delay     float64 // seconds
	local     bool
	consecOK  int
	consecErr int
}

// Governor holds the pacing state for every source in a run.
type Governor struct {
	mu      sync.Mutex
	sources map[string]*state

	min     float64 // seconds
	max     float64
	grow    float64 // applied on error, > 1
	shrink  float64 // applied on success, < 1
	initial float64 // used when a source was never Tracked
}

// Option configures a Governor.
type Option func(*Governor)

// WithBounds sets the delay floor and ceiling.
func WithBounds(min, max time.Duration) Option {
	return func(g *Governor) {
		g.min = min.Seconds()
		g.max = max.Seconds()
	}
}

// WithFactors sets the error growth and success shrink multipliers.
func WithFactors(grow, shrink float64) Option {
	return func(g *Governor) {
		g.grow = grow
		g.shrink = shrink
	}
}

// WithInitial sets the delay given to sources that are never Tracked.
func WithInitial(d time.Duration) Option {
	return func(g *Governor) { g.initial = d.Seconds() }
}

// NewGovernor creates a Governor with defaults: 100ms floor, 30s ceiling,
// grow 1.5, shrink 0.9, 500ms initial delay.
func NewGovernor(opts ...Option) *Governor {
	g := &Governor{
		sources: make(map[string]*state),
		min:     0.1,
		max:     30,
		grow:    1.5,
		shrink:  0.9,
		initial: 0.5,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Track registers a source with its starting delay. Local sources are
// exempt from pacing entirely.
func (g *Governor) Track(code string, initial time.Duration, local bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sources[code] = &state{delay: clamp(initial.Seconds(), g.min, g.max), local: local}
}

// Delay returns the current pre-request delay for the source.
func (g *Governor) Delay(code string) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.entry(code)
	if s.local {
		return 0
	}
	return time.Duration(s.delay * float64(time.Second))
}

// ReportSuccess shrinks the source's delay toward the floor.
func (g *Governor) ReportSuccess(code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.entry(code)
	s.consecOK++
	s.consecErr = 0
	s.delay = clamp(s.delay*g.shrink, g.min, g.max)
}

// ReportError grows the source's delay toward the ceiling.
func (g *Governor) ReportError(code string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.entry(code)
	s.consecErr++
	s.consecOK = 0
	s.delay = clamp(s.delay*g.grow, g.min, g.max)
}

// Snapshot returns the current delay per tracked source.
func (g *Governor) Snapshot() map[string]time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]time.Duration, len(g.sources))
	for code, s := range g.sources {
		if s.local {
			out[code] = 0
			continue
		}
		out[code] = time.Duration(s.delay * float64(time.Second))
	}
	return out
}

// entry returns the state for code, creating it at the initial delay when
// the source was never Tracked. Must be called with mu held.
func (g *Governor) entry(code string) *state {
	s, ok := g.sources[code]
	if !ok {
		s = &state{delay: clamp(g.initial, g.min, g.max)}
		g.sources[code] = s
	}
	return s
}

func clamp(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
