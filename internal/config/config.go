// Package config holds the configuration for the context memory core.
// Each concern gets its own struct with YAML tags and a Default constructor,
// assembled into a single Config loaded from an optional YAML file.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	Storage       StorageConfig       `yaml:"storage"`
	Embedding     EmbeddingConfig     `yaml:"embedding"`
	Redaction     RedactionConfig     `yaml:"redaction"`
	Consolidation ConsolidationConfig `yaml:"consolidation"`
	Rank          RankConfig          `yaml:"rank"`
	WorkingSet    WorkingSetConfig    `yaml:"working_set"`
	VectorIndex   VectorIndexConfig   `yaml:"vector_index"`
	Timeouts      TimeoutConfig       `yaml:"timeouts"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// StorageConfig configures the SQLite-backed memory store.
type StorageConfig struct {
	// DatabasePath is the SQLite file path; ":memory:" for ephemeral use.
	DatabasePath string `yaml:"database_path"`
}

// RedactionConfig configures extra redaction rules appended after the
// built-in pattern set. Patterns apply in the listed order.
type RedactionConfig struct {
	Patterns []NamedPattern `yaml:"patterns"`
}

// NamedPattern is one configured (name, regex) redaction rule.
type NamedPattern struct {
	Name  string `yaml:"name"`
	Regex string `yaml:"regex"`
}

// ConsolidationConfig holds the similarity thresholds for deduplication.
type ConsolidationConfig struct {
	// ExactThreshold below 1.0 enables fuzzy exact matching; 1.0 means
	// content-hash equality only.
	ExactThreshold float64 `yaml:"exact_threshold"`
	NearThreshold  float64 `yaml:"near_threshold"`
	// SupersedeThreshold gates contradictory-decision detection; it sits
	// between the near and refer thresholds.
	SupersedeThreshold float64 `yaml:"supersede_threshold"`
	ReferThreshold     float64 `yaml:"refer_threshold"`
	// NeighborLimit caps the vector neighbors examined per candidate.
	NeighborLimit int `yaml:"neighbor_limit"`
}

// RankConfig holds the scoring weights and recency time constants.
type RankConfig struct {
	Weights     RankWeights   `yaml:"weights"`
	TauSemantic time.Duration `yaml:"tau_semantic"`
	TauEpisodic time.Duration `yaml:"tau_episodic"`
	PoolSize    int           `yaml:"pool_size"`
	// CrossThread widens the default candidate scope from thread-local to
	// the whole workspace.
	CrossThread bool `yaml:"cross_thread"`
}

// RankWeights are the scoring signal weights; they must sum to 1.0 (±0.01).
type RankWeights struct {
	Similarity float64 `yaml:"similarity"`
	Salience   float64 `yaml:"salience"`
	Recency    float64 `yaml:"recency"`
	Usage      float64 `yaml:"usage"`
	KindPrior  float64 `yaml:"kind_prior"`
	Freshness  float64 `yaml:"freshness"`
}

// Sum returns the total of all weights.
func (w RankWeights) Sum() float64 {
	return w.Similarity + w.Salience + w.Recency + w.Usage + w.KindPrior + w.Freshness
}

// WorkingSetConfig configures working-set assembly.
type WorkingSetConfig struct {
	// TokenEstimator: "chars_over_4" (default) or "whitespace_tokens".
	TokenEstimator string `yaml:"token_estimator"`
	// MissionTokens bounds the mission paragraph.
	MissionTokens int `yaml:"mission_tokens"`
}

// VectorIndexConfig configures nearest-neighbor search.
type VectorIndexConfig struct {
	TopKCap int `yaml:"topk_cap"`
}

// TimeoutConfig holds default per-operation deadlines, applied when the
// caller's context carries none.
type TimeoutConfig struct {
	Ingest   time.Duration `yaml:"ingest"`
	Recall   time.Duration `yaml:"recall"`
	Build    time.Duration `yaml:"build"`
	Feedback time.Duration `yaml:"feedback"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// Default returns the full default configuration.
func Default() Config {
	return Config{
		Storage: StorageConfig{
			DatabasePath: "contextmem.db",
		},
		Embedding: DefaultEmbeddingConfig(),
		Consolidation: ConsolidationConfig{
			ExactThreshold:     1.0,
			NearThreshold:      0.94,
			SupersedeThreshold: 0.88,
			ReferThreshold:     0.86,
			NeighborLimit:      16,
		},
		Rank: RankConfig{
			Weights: RankWeights{
				Similarity: 0.45,
				Salience:   0.15,
				Recency:    0.15,
				Usage:      0.10,
				KindPrior:  0.10,
				Freshness:  0.05,
			},
			TauSemantic: 7 * 24 * time.Hour,
			TauEpisodic: 36 * time.Hour,
			PoolSize:    64,
		},
		WorkingSet: WorkingSetConfig{
			TokenEstimator: "chars_over_4",
			MissionTokens:  120,
		},
		VectorIndex: VectorIndexConfig{
			TopKCap: 256,
		},
		Timeouts: TimeoutConfig{
			Ingest:   30 * time.Second,
			Recall:   5 * time.Second,
			Build:    1 * time.Second,
			Feedback: 1 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads a YAML config file over the defaults. A missing file yields the
// defaults without error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks cross-field invariants.
func (c Config) Validate() error {
	if sum := c.Rank.Weights.Sum(); math.Abs(sum-1.0) > 0.01 {
		return fmt.Errorf("rank weights must sum to 1.0 (±0.01), got %.4f", sum)
	}
	if c.Consolidation.NearThreshold < c.Consolidation.ReferThreshold {
		return fmt.Errorf("consolidation near_threshold (%.2f) must be >= refer_threshold (%.2f)",
			c.Consolidation.NearThreshold, c.Consolidation.ReferThreshold)
	}
	if c.VectorIndex.TopKCap <= 0 {
		return fmt.Errorf("vector_index topk_cap must be positive")
	}
	switch c.WorkingSet.TokenEstimator {
	case "", "chars_over_4", "whitespace_tokens":
	default:
		return fmt.Errorf("unknown token estimator %q", c.WorkingSet.TokenEstimator)
	}
	return nil
}
