// Package config loads and validates the tern completion engine
// configuration from YAML, with sane defaults for every field.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied by Default() and by Validate() when a field is
// zero or out of range.
const (
	DefaultMaxResults        = 5
	MaxResults               = 10
	DefaultCacheTTLMs        = 3000
	DefaultEnvCacheTTLMs     = 5000
	DefaultRequestBudgetMs   = 150
	DefaultProbeTimeoutMs    = 400
	DefaultHistoryWindow     = 50
	DefaultSchedulerMins     = 5
	DefaultPatternMaxAgeDays = 90
)

// Weights holds the composite-score factor weights. Each weight is
// clamped to [0, 1] by Validate(); they are tunable rather than fixed.
type Weights struct {
	Frequency   float64 `yaml:"frequency"`   // how often the command was executed
	Recency     float64 `yaml:"recency"`     // time since last use, decayed
	Prefix      float64 `yaml:"prefix"`      // prefix-match quality
	Chain       float64 `yaml:"chain"`       // transition from previous command
	TimeOfDay   float64 `yaml:"time_of_day"` // hour-of-day usage match
	Environment float64 `yaml:"environment"` // cwd / VCS / process affinity
	Danger      float64 `yaml:"danger"`      // penalty for destructive commands
}

// DefaultWeights returns the default factor weights.
func DefaultWeights() Weights {
	return Weights{
		Frequency:   0.4,
		Recency:     0.3,
		Prefix:      0.2,
		Chain:       0.1,
		TimeOfDay:   0.05,
		Environment: 0.1,
		Danger:      0.5,
	}
}

// EngineConfig holds interactive-path settings.
type EngineConfig struct {
	MaxResults      int `yaml:"max_results"`       // top-K suggestions returned
	CacheTTLMs      int `yaml:"cache_ttl_ms"`      // suggestion cache TTL
	EnvCacheTTLMs   int `yaml:"env_cache_ttl_ms"`  // per-cwd environment snapshot TTL
	RequestBudgetMs int `yaml:"request_budget_ms"` // soft latency budget per request
	HistoryWindow   int `yaml:"history_window"`    // recent history rows in context
}

// ProbeConfig holds remote-probe settings.
type ProbeConfig struct {
	TimeoutMs     int `yaml:"timeout_ms"`      // per-probe timeout
	MaxReconnects int `yaml:"max_reconnects"`  // reconnect attempts before giving up
	BackoffBaseMs int `yaml:"backoff_base_ms"` // initial reconnect backoff
	BackoffMaxMs  int `yaml:"backoff_max_ms"`  // backoff cap
}

// SchedulerConfig holds background analysis settings.
type SchedulerConfig struct {
	IntervalMins      int     `yaml:"interval_mins"`        // mining cycle interval
	BatchSize         int     `yaml:"batch_size"`           // events per mining batch
	MinSupport        int     `yaml:"min_support"`          // observations before a rule is published
	MinObservations   int64   `yaml:"min_observations"`     // live samples before judging a version
	MinConfidence     float64 `yaml:"min_confidence"`       // minimum confidence to persist a rule
	RollbackThreshold float64 `yaml:"rollback_threshold"`   // success ratio below which a version rolls back
	PatternMaxAgeDays int     `yaml:"pattern_max_age_days"` // age-based pattern pruning
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `yaml:"path"` // database file path; empty = default under the user home
}

// Config is the root configuration for the completion engine.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Probe     ProbeConfig     `yaml:"probe"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Store     StoreConfig     `yaml:"store"`
	Weights   Weights         `yaml:"weights"`
}

// Default returns a fully populated default configuration.
func Default() Config {
	return Config{
		Engine: EngineConfig{
			MaxResults:      DefaultMaxResults,
			CacheTTLMs:      DefaultCacheTTLMs,
			EnvCacheTTLMs:   DefaultEnvCacheTTLMs,
			RequestBudgetMs: DefaultRequestBudgetMs,
			HistoryWindow:   DefaultHistoryWindow,
		},
		Probe: ProbeConfig{
			TimeoutMs:     DefaultProbeTimeoutMs,
			MaxReconnects: 3,
			BackoffBaseMs: 100,
			BackoffMaxMs:  2000,
		},
		Scheduler: SchedulerConfig{
			IntervalMins:      DefaultSchedulerMins,
			BatchSize:         500,
			MinSupport:        3,
			MinObservations:   20,
			MinConfidence:     0.3,
			RollbackThreshold: 0.4,
			PatternMaxAgeDays: DefaultPatternMaxAgeDays,
		},
		Store:   StoreConfig{},
		Weights: DefaultWeights(),
	}
}

// Load reads configuration from path, layering it over Default().
// A missing file is not an error; the defaults are returned.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.Validate()
	return cfg, nil
}

// applyEnv applies environment overrides. TERN_DB takes precedence over
// the file so tests and per-host setups can redirect the database
// without editing config.
func (c *Config) applyEnv() {
	if p := os.Getenv("TERN_DB"); p != "" {
		c.Store.Path = p
	}
}

// DefaultPath returns the default config file path (~/.tern/config.yaml).
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".tern", "config.yaml"), nil
}

// Validate clamps out-of-range values back to defaults. It never fails;
// a bad field silently becomes its default so a hand-edited config
// cannot take the engine down.
func (c *Config) Validate() {
	if c.Engine.MaxResults <= 0 {
		c.Engine.MaxResults = DefaultMaxResults
	}
	if c.Engine.MaxResults > MaxResults {
		c.Engine.MaxResults = MaxResults
	}
	if c.Engine.CacheTTLMs <= 0 {
		c.Engine.CacheTTLMs = DefaultCacheTTLMs
	}
	if c.Engine.EnvCacheTTLMs <= 0 {
		c.Engine.EnvCacheTTLMs = DefaultEnvCacheTTLMs
	}
	if c.Engine.RequestBudgetMs <= 0 {
		c.Engine.RequestBudgetMs = DefaultRequestBudgetMs
	}
	if c.Engine.HistoryWindow <= 0 {
		c.Engine.HistoryWindow = DefaultHistoryWindow
	}
	if c.Probe.TimeoutMs <= 0 {
		c.Probe.TimeoutMs = DefaultProbeTimeoutMs
	}
	if c.Probe.MaxReconnects < 0 {
		c.Probe.MaxReconnects = 3
	}
	if c.Probe.BackoffBaseMs <= 0 {
		c.Probe.BackoffBaseMs = 100
	}
	if c.Probe.BackoffMaxMs < c.Probe.BackoffBaseMs {
		c.Probe.BackoffMaxMs = 2000
	}
	if c.Scheduler.IntervalMins <= 0 {
		c.Scheduler.IntervalMins = DefaultSchedulerMins
	}
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = 500
	}
	if c.Scheduler.MinSupport <= 0 {
		c.Scheduler.MinSupport = 3
	}
	if c.Scheduler.MinObservations <= 0 {
		c.Scheduler.MinObservations = 20
	}
	if c.Scheduler.MinConfidence < 0 || c.Scheduler.MinConfidence > 1 {
		c.Scheduler.MinConfidence = 0.3
	}
	if c.Scheduler.RollbackThreshold < 0 || c.Scheduler.RollbackThreshold > 1 {
		c.Scheduler.RollbackThreshold = 0.4
	}
	if c.Scheduler.PatternMaxAgeDays <= 0 {
		c.Scheduler.PatternMaxAgeDays = DefaultPatternMaxAgeDays
	}
	c.Weights.clamp()
}

// clamp restricts every weight to [0, 1].
func (w *Weights) clamp() {
	for _, p := range []*float64{
		&w.Frequency, &w.Recency, &w.Prefix, &w.Chain,
		&w.TimeOfDay, &w.Environment, &w.Danger,
	} {
		if *p < 0 {
			*p = 0
		}
		if *p > 1 {
			*p = 1
		}
	}
}

// CacheTTL returns the suggestion cache TTL as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.Engine.CacheTTLMs) * time.Millisecond
}

// EnvCacheTTL returns the environment snapshot TTL as a duration.
func (c *Config) EnvCacheTTL() time.Duration {
	return time.Duration(c.Engine.EnvCacheTTLMs) * time.Millisecond
}

// RequestBudget returns the per-request soft latency budget.
func (c *Config) RequestBudget() time.Duration {
	return time.Duration(c.Engine.RequestBudgetMs) * time.Millisecond
}

// ProbeTimeout returns the per-probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return time.Duration(c.Probe.TimeoutMs) * time.Millisecond
}

// SchedulerInterval returns the background mining interval.
func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalMins) * time.Minute
}
