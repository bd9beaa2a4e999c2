package rafale

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"gopkg.in/yaml.v3"
)

// TierConfig carries the scheduling knobs for one performance tier. The
// numbers are tuned defaults, not contracts; deployments re-tune them.
type TierConfig struct {
	// TimeoutSec bounds one source's whole attempt.
	TimeoutSec float64 `yaml:"timeout_sec"`
	// StaggerBaseMs delays the tier's first worker.
	StaggerBaseMs int `yaml:"stagger_base_ms"`
	// StaggerStepMs spaces workers within the tier: the i-th waits
	// base + i*step before its first request.
	StaggerStepMs int `yaml:"stagger_step_ms"`
	// PaceInitialMs seeds the adaptive per-source delay.
	PaceInitialMs int `yaml:"pace_initial_ms"`
}

// Timeout returns the tier's attempt budget.
func (t TierConfig) Timeout() time.Duration {
	return time.Duration(t.TimeoutSec * float64(time.Second))
}

// Stagger returns the launch delay for the i-th source of the tier.
func (t TierConfig) Stagger(i int) time.Duration {
	return time.Duration(t.StaggerBaseMs+i*t.StaggerStepMs) * time.Millisecond
}

// PaceInitial returns the starting inter-request delay for the tier.
func (t TierConfig) PaceInitial() time.Duration {
	return time.Duration(t.PaceInitialMs) * time.Millisecond
}

// BreakerConfig tunes the per-source circuit breaker.
type BreakerConfig struct {
	Threshold   int     `yaml:"threshold"`
	CooldownSec float64 `yaml:"cooldown_sec"`
	// MinSuccessRate opens the circuit when the rolling success rate drops
	// below it, once MinSamples outcomes are recorded. 0 disables the
	// rate trigger.
	MinSuccessRate float64 `yaml:"min_success_rate"`
	MinSamples     int     `yaml:"min_samples"`
}

// Cooldown returns how long an open circuit waits before a probe.
func (b BreakerConfig) Cooldown() time.Duration {
	return time.Duration(b.CooldownSec * float64(time.Second))
}

// PaceConfig tunes the adaptive per-source delay governor.
type PaceConfig struct {
	MinMs int `yaml:"min_ms"`
	MaxMs int `yaml:"max_ms"`
	// Grow multiplies the delay on error; Shrink multiplies it on success.
	// Grow*Shrink must stay above 1 so recovery is conservative.
	Grow   float64 `yaml:"grow"`
	Shrink float64 `yaml:"shrink"`
}

// Bounds returns the delay floor and ceiling.
func (p PaceConfig) Bounds() (time.Duration, time.Duration) {
	return time.Duration(p.MinMs) * time.Millisecond, time.Duration(p.MaxMs) * time.Millisecond
}

// MemoryConfig tunes the collection loop's memory governance.
type MemoryConfig struct {
	// CeilingMB is an absolute ceiling; 0 means use CeilingPercent.
	CeilingMB float64 `yaml:"ceiling_mb"`
	// CeilingPercent is the ceiling as a share of total system memory.
	CeilingPercent float64 `yaml:"ceiling_percent"`
	// LowerAfter is how many failed recovery attempts to tolerate before the
	// ceiling is permanently lowered.
	LowerAfter int `yaml:"lower_after"`
	// CheckEvery is the collection-loop item interval between checks.
	CheckEvery int `yaml:"check_every"`
}

// StoreConfig locates the run databases.
type StoreConfig struct {
	Dir string `yaml:"dir"`
	// Keep leaves a run's working store on disk after clean completion.
	Keep bool `yaml:"keep"`
	// ReportDir, when set, receives one <run_id>.json report per finished run.
	ReportDir string `yaml:"report_dir"`
}

// FetchConfig tunes the shared outbound HTTP client.
type FetchConfig struct {
	UserAgent string `yaml:"user_agent"`
	// IntervalMs spaces outbound requests globally across all sources.
	IntervalMs int `yaml:"interval_ms"`
	MaxBodyMB  int `yaml:"max_body_mb"`
}

// Interval returns the global politeness spacing.
func (f FetchConfig) Interval() time.Duration {
	return time.Duration(f.IntervalMs) * time.Millisecond
}

// HTTPConfig tunes the run service's listener.
type HTTPConfig struct {
	Addr          string `yaml:"addr"`
	RateMax       int    `yaml:"rate_max"`
	RateWindowSec int    `yaml:"rate_window_sec"`
	MaxBodyBytes  int64  `yaml:"max_body_bytes"`
}

// RateWindow returns the rate-limit window.
func (h HTTPConfig) RateWindow() time.Duration {
	return time.Duration(h.RateWindowSec) * time.Second
}

// Config is the engine's full tuning surface.
type Config struct {
	// Budget caps simultaneous workers. 0 derives
	// min(3*sources, 4*CPUs, 32).
	Budget int `yaml:"budget"`
	// ChannelCap bounds the shared result channel.
	ChannelCap int `yaml:"channel_cap"`
	// ReadTimeoutMs is the collection loop's poll interval; expired polls
	// trigger a completion sweep.
	ReadTimeoutMs int `yaml:"read_timeout_ms"`
	// PushRetries bounds how often a worker re-offers a result to a full
	// channel before dropping it.
	PushRetries   int `yaml:"push_retries"`
	PushBackoffMs int `yaml:"push_backoff_ms"`
	// DefaultMaxResults applies to sources that don't set their own cap.
	DefaultMaxResults int `yaml:"default_max_results"`

	Fast   TierConfig `yaml:"fast"`
	Medium TierConfig `yaml:"medium"`
	Slow   TierConfig `yaml:"slow"`

	Breaker BreakerConfig `yaml:"breaker"`
	Pace    PaceConfig    `yaml:"pace"`
	Memory  MemoryConfig  `yaml:"memory"`
	Store   StoreConfig   `yaml:"store"`
	Fetch   FetchConfig   `yaml:"fetch"`
	HTTP    HTTPConfig    `yaml:"http"`
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() *Config {
	return &Config{
		ChannelCap:        2000,
		ReadTimeoutMs:     100,
		PushRetries:       3,
		PushBackoffMs:     50,
		DefaultMaxResults: 20,
		Fast:              TierConfig{TimeoutSec: 15, StaggerBaseMs: 0, StaggerStepMs: 200, PaceInitialMs: 250},
		Medium:            TierConfig{TimeoutSec: 30, StaggerBaseMs: 1000, StaggerStepMs: 250, PaceInitialMs: 500},
		Slow:              TierConfig{TimeoutSec: 45, StaggerBaseMs: 3000, StaggerStepMs: 500, PaceInitialMs: 1000},
		Breaker:           BreakerConfig{Threshold: 3, CooldownSec: 30, MinSuccessRate: 0.25, MinSamples: 10},
		Pace:              PaceConfig{MinMs: 100, MaxMs: 30000, Grow: 1.5, Shrink: 0.9},
		Memory:            MemoryConfig{CeilingPercent: 80, LowerAfter: 5, CheckEvery: 10},
		Store:             StoreConfig{Dir: "data"},
		Fetch:             FetchConfig{IntervalMs: 200, MaxBodyMB: 8},
		HTTP:              HTTPConfig{Addr: ":8080", RateMax: 60, RateWindowSec: 60, MaxBodyBytes: 1 << 20},
	}
}

// LoadConfig overlays a YAML file on the defaults. Fields the file omits
// keep their default values.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run safely.
func (c *Config) Validate() error {
	if c.ChannelCap <= 0 {
		return fmt.Errorf("config: channel_cap must be positive, got %d", c.ChannelCap)
	}
	if c.Budget < 0 {
		return fmt.Errorf("config: budget must not be negative, got %d", c.Budget)
	}
	for _, tier := range []struct {
		name string
		cfg  TierConfig
	}{{"fast", c.Fast}, {"medium", c.Medium}, {"slow", c.Slow}} {
		if tier.cfg.TimeoutSec <= 0 {
			return fmt.Errorf("config: %s.timeout_sec must be positive", tier.name)
		}
		if tier.cfg.StaggerStepMs < 0 || tier.cfg.StaggerBaseMs < 0 {
			return fmt.Errorf("config: %s stagger must not be negative", tier.name)
		}
	}
	if c.Breaker.Threshold <= 0 {
		return fmt.Errorf("config: breaker.threshold must be positive, got %d", c.Breaker.Threshold)
	}
	if c.Breaker.CooldownSec <= 0 {
		return fmt.Errorf("config: breaker.cooldown_sec must be positive")
	}
	if c.Pace.Grow <= 1 {
		return fmt.Errorf("config: pace.grow must exceed 1, got %g", c.Pace.Grow)
	}
	if c.Pace.Shrink <= 0 || c.Pace.Shrink >= 1 {
		return fmt.Errorf("config: pace.shrink must be in (0,1), got %g", c.Pace.Shrink)
	}
	if c.Pace.Grow*c.Pace.Shrink <= 1 {
		return fmt.Errorf("config: pace grow*shrink must exceed 1 so one error outweighs one success")
	}
	if c.Pace.MinMs < 0 || c.Pace.MaxMs < c.Pace.MinMs {
		return fmt.Errorf("config: pace delay bounds invalid (min %d, max %d)", c.Pace.MinMs, c.Pace.MaxMs)
	}
	if c.Memory.CeilingMB == 0 && (c.Memory.CeilingPercent <= 0 || c.Memory.CeilingPercent > 100) {
		return fmt.Errorf("config: memory.ceiling_percent must be in (0,100], got %g", c.Memory.CeilingPercent)
	}
	if c.Store.Dir == "" {
		return fmt.Errorf("config: store.dir must be set")
	}
	return nil
}

// Tier returns the tier's scheduling config; unknown tiers get medium.
func (c *Config) Tier(t PerfTier) TierConfig {
	switch t {
	case TierFast:
		return c.Fast
	case TierSlow:
		return c.Slow
	default:
		return c.Medium
	}
}

// BudgetFor derives the worker budget for a source count.
func (c *Config) BudgetFor(sources int) int {
	if c.Budget > 0 {
		return c.Budget
	}
	budget := 3 * sources
	if cpus := 4 * runtime.NumCPU(); cpus < budget {
		budget = cpus
	}
	if budget > 32 {
		budget = 32
	}
	if budget < 1 {
		budget = 1
	}
	return budget
}

func (c *Config) readTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutMs) * time.Millisecond
}

func (c *Config) pushBackoff() time.Duration {
	return time.Duration(c.PushBackoffMs) * time.Millisecond
}
