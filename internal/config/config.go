// Package config loads and validates the learning-core configuration from
// YAML, applies environment overrides, and exposes typed sections per
// subsystem. Tunable sections can be hot-reloaded via the Watcher.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all medlearn configuration.
type Config struct {
	// Core settings
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"` // development, production

	// Persistence
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`

	// Runtime control plane
	Runtime RuntimeConfig `yaml:"runtime"`

	// Algorithm tunables
	Mastery   MasteryConfig   `yaml:"mastery"`
	Revision  RevisionConfig  `yaml:"revision"`
	Elo       EloConfig       `yaml:"elo"`
	Bandit    BanditConfig    `yaml:"bandit"`
	Selection SelectionConfig `yaml:"selection"`

	// Session state machine
	Session SessionConfig `yaml:"session"`

	// Rate limiting
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	BusyTimeout string `yaml:"busy_timeout"`
}

// RedisConfig configures the optional Redis layer (caching, rate limits).
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RuntimeConfig configures the control plane.
type RuntimeConfig struct {
	// CacheTTL bounds how stale a cached runtime-config read may be.
	// Write paths always re-check freeze against the live row.
	CacheTTL string `yaml:"cache_ttl"`
	// RequireApproval turns on the two-person flow for high-risk actions.
	// Defaults to true when environment is production.
	RequireApproval *bool `yaml:"require_approval,omitempty"`
	// MinReasonLength guards switch/freeze/approval reasons.
	MinReasonLength int `yaml:"min_reason_length"`
	// ExamMode is the platform-wide exam flag snapshotted onto sessions.
	ExamMode bool `yaml:"exam_mode"`
}

// MasteryConfig holds both mastery model parameter sets.
type MasteryConfig struct {
	// v0: recency-weighted accuracy buckets, day-horizon -> weight.
	BucketDays    []int     `yaml:"bucket_days"`
	BucketWeights []float64 `yaml:"bucket_weights"`
	MinAttempts   int       `yaml:"min_attempts"`
	// DifficultyBoost multiplies accuracy contribution of hard items (v0).
	DifficultyBoost float64 `yaml:"difficulty_boost"`
	// v1: BKT defaults used when no fitted per-concept parameters exist.
	BKT BKTParams `yaml:"bkt"`
}

// BKTParams are the Bayesian Knowledge Tracing parameters.
// Constraints: 0<L0<0.5, 0<T<0.5, 0<S<0.4, 0<G<0.4, S+G<1, (1-S)>G.
type BKTParams struct {
	L0 float64 `yaml:"l0" json:"l0"`
	T  float64 `yaml:"t" json:"t"`
	S  float64 `yaml:"s" json:"s"`
	G  float64 `yaml:"g" json:"g"`
}

// RevisionConfig holds both spaced-repetition parameter sets.
type RevisionConfig struct {
	// v0: Leitner-style interval bins, in days.
	IntervalBins []int `yaml:"interval_bins"`
	// v1: FSRS weight vector (19 weights) and desired retention.
	FSRSWeights      []float64 `yaml:"fsrs_weights"`
	DesiredRetention float64   `yaml:"desired_retention"`
	// Rating mapper thresholds.
	FastAnswerMS int64 `yaml:"fast_answer_ms"`
	SlowAnswerMS int64 `yaml:"slow_answer_ms"`
}

// EloConfig parameterizes the rating system.
type EloConfig struct {
	InitialRating    float64 `yaml:"initial_rating"`
	Scale            float64 `yaml:"scale"`
	Guess            float64 `yaml:"guess"` // 5-option MCQ floor
	KUserMax         float64 `yaml:"k_user_max"`
	KItemMax         float64 `yaml:"k_item_max"`
	UncertaintyInit  float64 `yaml:"uncertainty_init"`
	UncertaintyFloor float64 `yaml:"uncertainty_floor"`
	UncertaintyDecay float64 `yaml:"uncertainty_decay"`    // multiplier per attempt
	StalenessPerDay  float64 `yaml:"staleness_per_day"`    // linear growth per idle day
	RecenterTrigger  float64 `yaml:"recenter_trigger"`     // |mean(item ratings)| threshold
}

// BanditConfig parameterizes the Thompson-sampling theme bandit.
type BanditConfig struct {
	Alpha0    float64 `yaml:"alpha0"`
	Beta0     float64 `yaml:"beta0"`
	RewardMin int     `yaml:"reward_min"` // min attempts per theme before reward counts
	Epsilon   float64 `yaml:"epsilon"`
}

// SelectionConfig parameterizes the adaptive selection pipeline.
type SelectionConfig struct {
	// Theme scoring weights; must sum to 1.
	WeightWeakness    float64 `yaml:"weight_weakness"`
	WeightDue         float64 `yaml:"weight_due"`
	WeightUncertainty float64 `yaml:"weight_uncertainty"`
	WeightRecency     float64 `yaml:"weight_recency"`
	RecencyTauHours   float64 `yaml:"recency_tau_hours"`
	EpsilonFloor      float64 `yaml:"epsilon_floor"`

	// Exclusion window.
	ExcludeDays     int `yaml:"exclude_days"`
	ExcludeSessions int `yaml:"exclude_sessions"`

	// Theme selection bounds.
	MinThemes   int `yaml:"min_themes"`
	MaxThemes   int `yaml:"max_themes"`
	SupplyMin   int `yaml:"supply_min"`
	MinPerTheme int `yaml:"min_per_theme"`
	MaxPerTheme int `yaml:"max_per_theme"`

	// Desirable-difficulty band on predicted p(correct).
	BandLow  float64 `yaml:"band_low"`
	BandHigh float64 `yaml:"band_high"`

	// Exploration rates.
	ExploreNewRate         float64 `yaml:"explore_new_rate"`
	ExploreUncertaintyRate float64 `yaml:"explore_uncertainty_rate"`

	// Due-ratio baseline (#due concepts at which due_ratio saturates).
	DueBaseline int `yaml:"due_baseline"`
}

// SessionConfig bounds session creation.
type SessionConfig struct {
	MinQuestions       int    `yaml:"min_questions"`
	MaxQuestions       int    `yaml:"max_questions"`
	MaxDurationSeconds int    `yaml:"max_duration_seconds"`
	ActiveCacheTTL     string `yaml:"active_cache_ttl"`
}

// RateLimitConfig configures the Redis-backed limiter.
type RateLimitConfig struct {
	Window       string `yaml:"window"`
	MaxRequests  int    `yaml:"max_requests"`
	FailOpen     bool   `yaml:"fail_open"`       // learner-facing endpoints
	AdminMax     int    `yaml:"admin_max"`
	AdminFailOpen bool  `yaml:"admin_fail_open"` // admin-dangerous endpoints default closed
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
}

// =============================================================================
// LOADING
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	requireApproval := false
	return &Config{
		Name:        "medlearn",
		Environment: "development",
		Database: DatabaseConfig{
			Path:        ".medlearn/medlearn.db",
			BusyTimeout: "5s",
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		Runtime: RuntimeConfig{
			CacheTTL:        "5s",
			RequireApproval: &requireApproval,
			MinReasonLength: 10,
		},
		Mastery: MasteryConfig{
			BucketDays:      []int{7, 30, 90},
			BucketWeights:   []float64{0.5, 0.3, 0.2},
			MinAttempts:     3,
			DifficultyBoost: 1.15,
			BKT:             BKTParams{L0: 0.25, T: 0.2, S: 0.1, G: 0.2},
		},
		Revision: RevisionConfig{
			IntervalBins:     []int{1, 3, 7, 14, 30, 60, 120},
			FSRSWeights:      DefaultFSRSWeights(),
			DesiredRetention: 0.9,
			FastAnswerMS:     20_000,
			SlowAnswerMS:     90_000,
		},
		Elo: EloConfig{
			InitialRating:    0,
			Scale:            1.0,
			Guess:            0.2,
			KUserMax:         0.35,
			KItemMax:         0.25,
			UncertaintyInit:  1.0,
			UncertaintyFloor: 0.1,
			UncertaintyDecay: 0.97,
			StalenessPerDay:  0.005,
			RecenterTrigger:  0.25,
		},
		Bandit: BanditConfig{
			Alpha0:    1,
			Beta0:     1,
			RewardMin: 2,
			Epsilon:   0.05,
		},
		Selection: SelectionConfig{
			WeightWeakness:         0.4,
			WeightDue:              0.3,
			WeightUncertainty:      0.2,
			WeightRecency:          0.1,
			RecencyTauHours:        48,
			EpsilonFloor:           0.02,
			ExcludeDays:            14,
			ExcludeSessions:        3,
			MinThemes:              1,
			MaxThemes:              4,
			SupplyMin:              5,
			MinPerTheme:            1,
			MaxPerTheme:            20,
			BandLow:                0.55,
			BandHigh:               0.80,
			ExploreNewRate:         0.15,
			ExploreUncertaintyRate: 0.10,
			DueBaseline:            5,
		},
		Session: SessionConfig{
			MinQuestions:       1,
			MaxQuestions:       200,
			MaxDurationSeconds: 4 * 3600,
			ActiveCacheTTL:     "30s",
		},
		RateLimit: RateLimitConfig{
			Window:        "1m",
			MaxRequests:   120,
			FailOpen:      true,
			AdminMax:      30,
			AdminFailOpen: false,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// DefaultFSRSWeights returns the published FSRS-4.5 global default weights.
func DefaultFSRSWeights() []float64 {
	return []float64{
		0.4872, 1.4003, 3.7145, 13.8206,
		5.1618, 1.2298, 0.8975, 0.031,
		1.6474, 0.1367, 1.0461, 2.1072,
		0.0793, 0.3246, 1.587, 0.2272,
		2.8755, 0.6521, 0.0912,
	}
}

// Load reads the config file at path, falling back to defaults when the file
// does not exist, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", filepath.Base(path), err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MEDLEARN_DB"); v != "" {
		c.Database.Path = v
	}
	if v := os.Getenv("MEDLEARN_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
		c.Redis.Enabled = true
	}
	if v := os.Getenv("MEDLEARN_ENV"); v != "" {
		c.Environment = v
	}
	if v := os.Getenv("MEDLEARN_EXAM_MODE"); v == "1" || v == "true" {
		c.Runtime.ExamMode = true
	}
	if v := os.Getenv("MEDLEARN_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
		c.Logging.Level = "debug"
	}
}

// IsProduction reports whether the deployment environment is production.
// Production enables the two-person approval requirement unless explicitly
// overridden.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ApprovalRequired resolves the effective approval requirement.
func (c *Config) ApprovalRequired() bool {
	if c.Runtime.RequireApproval != nil {
		return *c.Runtime.RequireApproval
	}
	return c.IsProduction()
}

// RuntimeCacheTTL parses the runtime cache TTL, clamped to the 10s policy cap.
func (c *Config) RuntimeCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.Runtime.CacheTTL)
	if err != nil || d <= 0 {
		d = 5 * time.Second
	}
	if d > 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// =============================================================================
// VALIDATION
// =============================================================================

// Validate checks cross-field constraints that would otherwise surface as
// integrity errors deep inside the algorithms.
func (c *Config) Validate() error {
	if len(c.Mastery.BucketDays) == 0 || len(c.Mastery.BucketDays) != len(c.Mastery.BucketWeights) {
		return fmt.Errorf("mastery: bucket_days and bucket_weights must be non-empty and equal length")
	}
	var sum float64
	for _, w := range c.Mastery.BucketWeights {
		if w < 0 {
			return fmt.Errorf("mastery: bucket weight %v negative", w)
		}
		sum += w
	}
	if sum <= 0 {
		return fmt.Errorf("mastery: bucket weights must sum to a positive value")
	}

	b := c.Mastery.BKT
	if !(b.L0 > 0 && b.L0 < 0.5 && b.T > 0 && b.T < 0.5 && b.S > 0 && b.S < 0.4 &&
		b.G > 0 && b.G < 0.4 && b.S+b.G < 1 && (1-b.S) > b.G) {
		return fmt.Errorf("mastery: bkt parameters violate constraints: %+v", b)
	}

	if len(c.Revision.IntervalBins) == 0 {
		return fmt.Errorf("revision: interval_bins must be non-empty")
	}
	if len(c.Revision.FSRSWeights) != 19 {
		return fmt.Errorf("revision: fsrs_weights must have 19 entries, got %d", len(c.Revision.FSRSWeights))
	}
	if c.Revision.DesiredRetention <= 0 || c.Revision.DesiredRetention >= 1 {
		return fmt.Errorf("revision: desired_retention must be in (0,1)")
	}

	if c.Elo.UncertaintyFloor <= 0 || c.Elo.UncertaintyFloor >= c.Elo.UncertaintyInit {
		return fmt.Errorf("elo: uncertainty floor must be in (0, init)")
	}
	if c.Elo.UncertaintyDecay <= 0 || c.Elo.UncertaintyDecay >= 1 {
		return fmt.Errorf("elo: uncertainty_decay must be in (0,1)")
	}
	if c.Elo.Guess < 0 || c.Elo.Guess >= 1 {
		return fmt.Errorf("elo: guess must be in [0,1)")
	}
	if c.Elo.Scale <= 0 {
		return fmt.Errorf("elo: scale must be positive")
	}

	s := c.Selection
	wsum := s.WeightWeakness + s.WeightDue + s.WeightUncertainty + s.WeightRecency
	if wsum < 0.999 || wsum > 1.001 {
		return fmt.Errorf("selection: scoring weights must sum to 1, got %v", wsum)
	}
	if s.BandLow <= 0 || s.BandHigh >= 1 || s.BandLow >= s.BandHigh {
		return fmt.Errorf("selection: difficulty band [%v,%v] invalid", s.BandLow, s.BandHigh)
	}
	if s.MinThemes < 1 || s.MaxThemes < s.MinThemes {
		return fmt.Errorf("selection: theme count bounds invalid")
	}
	if s.MinPerTheme < 1 || s.MaxPerTheme < s.MinPerTheme {
		return fmt.Errorf("selection: per-theme quota bounds invalid")
	}

	if c.Session.MinQuestions < 1 || c.Session.MaxQuestions < c.Session.MinQuestions {
		return fmt.Errorf("session: question count bounds invalid")
	}
	return nil
}
