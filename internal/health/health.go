// Package health tracks per-source circuit breakers for an orchestration run.
//
// Each source moves between three states: closed (requests pass), open
// (requests skipped), half-open (exactly one probe allowed). A source opens
// after a run of consecutive failures or when its rolling success rate drops
// below a floor, and half-opens again after a cool-down.
package health

import (
	"sync"
	"time"
)

// State is the breaker state for one source.
type State int

const (
	Closed   State = iota // normal operation
	Open                  // requests skipped until cool-down elapses
	HalfOpen              // exactly one probe request allowed
)

// String returns the lowercase state name used in logs and snapshots.
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

type entry struct {
	state          State
	consecFailures int
	successes      int // rolling totals for the run
	failures       int
	probing        bool // a half-open probe has been handed out
	lastFailure    time.Time
	lastTransition time.Time
}

// Stats is a read-only view of one source's breaker.
type Stats struct {
	State          State
	Successes      int
	Failures       int
	ConsecFailures int
	LastTransition time.Time
}

// Monitor holds the breakers for every source in a run.
// Thread-safe: one mutex guards the whole map, matching the shared-state
// discipline of the dispatcher.
type Monitor struct {
	mu      sync.Mutex
	sources map[string]*entry

	threshold      int           // consecutive failures before opening
	minSuccessRate float64       // rolling floor; 0 disables the rate trigger
	minSamples     int           // outcomes required before the rate trigger applies
	cooldown       time.Duration // open -> half-open delay
	now            func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithThreshold sets the consecutive-failure count that opens a breaker.
func WithThreshold(n int) Option {
	return func(m *Monitor) { m.threshold = n }
}

// WithCooldown sets how long a breaker stays open before allowing a probe.
func WithCooldown(d time.Duration) Option {
	return func(m *Monitor) { m.cooldown = d }
}

// WithMinSuccessRate sets the rolling success-rate floor; a source whose
// rate drops below it (after WithMinSamples outcomes) opens even without a
// consecutive-failure run. Zero disables the trigger.
func WithMinSuccessRate(rate float64, minSamples int) Option {
	return func(m *Monitor) {
		m.minSuccessRate = rate
		m.minSamples = minSamples
	}
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(m *Monitor) { m.now = fn }
}

// NewMonitor creates a Monitor with defaults: 3 consecutive failures to
// open, 30s cool-down, rate trigger disabled.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		sources:   make(map[string]*entry),
		threshold: 3,
		cooldown:  30 * time.Second,
		now:       time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Allow reports whether a request to the source should be attempted now.
// In half-open it returns true for exactly one caller until the probe's
// outcome is reported.
func (m *Monitor) Allow(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(code)
	m.maybeHalfOpen(e)

	switch e.state {
	case Open:
		return false
	case HalfOpen:
		if e.probing {
			return false
		}
		e.probing = true
		return true
	default:
		return true
	}
}

// ReportSuccess records a successful request outcome for the source.
func (m *Monitor) ReportSuccess(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(code)
	e.successes++
	switch e.state {
	case HalfOpen:
		// Probe succeeded: close and start clean.
		e.state = Closed
		e.consecFailures = 0
		e.probing = false
		e.lastTransition = m.now()
	case Closed:
		e.consecFailures = 0
	}
}

// ReportFailure records a failed request outcome for the source.
func (m *Monitor) ReportFailure(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(code)
	e.failures++
	e.lastFailure = m.now()

	switch e.state {
	case Closed:
		e.consecFailures++
		if e.consecFailures >= m.threshold || m.rateTripped(e) {
			e.state = Open
			e.lastTransition = m.now()
		}
	case HalfOpen:
		// Probe failed: back to open, cool-down restarts from now.
		e.state = Open
		e.probing = false
		e.consecFailures++
		e.lastTransition = m.now()
	}
}

// State returns the current breaker state for the source.
func (m *Monitor) State(code string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.entry(code)
	m.maybeHalfOpen(e)
	return e.state
}

// Snapshot returns a copy of every tracked source's breaker stats.
func (m *Monitor) Snapshot() map[string]Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Stats, len(m.sources))
	for code, e := range m.sources {
		m.maybeHalfOpen(e)
		out[code] = Stats{
			State:          e.state,
			Successes:      e.successes,
			Failures:       e.failures,
			ConsecFailures: e.consecFailures,
			LastTransition: e.lastTransition,
		}
	}
	return out
}

// entry returns the state for code, creating it closed on first sight.
// Must be called with mu held.
func (m *Monitor) entry(code string) *entry {
	e, ok := m.sources[code]
	if !ok {
		e = &entry{state: Closed}
		m.sources[code] = e
	}
	return e
}

// maybeHalfOpen moves an open breaker to half-open once the cool-down has
// elapsed. Must be called with mu held.
func (m *Monitor) maybeHalfOpen(e *entry) {
	if e.state == Open && m.now().Sub(e.lastFailure) >= m.cooldown {
		e.state = HalfOpen
		e.probing = false
		e.lastTransition = m.now()
	}
}

// rateTripped reports whether the rolling success rate fell below the floor.
// Must be called with mu held.
func (m *Monitor) rateTripped(e *entry) bool {
	if m.minSuccessRate <= 0 {
		return false
	}
	total := e.successes + e.failures
	if total < m.minSamples {
		return false
	}
	return float64(e.successes)/float64(total) < m.minSuccessRate
}
