// Package config loads the optional TOML configuration file controlling
// index builds and result scoring. Missing file or missing fields fall back
// to defaults field by field.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the top-level configuration.
type Config struct {
	Index   IndexConfig    `toml:"index"`
	Scoring ScoringWeights `toml:"scoring"`
}

// IndexConfig controls the builder.
type IndexConfig struct {
	// MaxFileSize is the largest file the builder will index, in bytes.
	MaxFileSize int64 `toml:"max_file_size"`
	// ChunkSize is the number of files per segment batch.
	ChunkSize int `toml:"chunk_size"`
	// StopGramCount is how many of the most frequent trigrams become
	// stop-grams.
	StopGramCount int `toml:"stop_gram_count"`
	// DeltaThreshold is the delta segment count at or above which a
	// compaction is suggested.
	DeltaThreshold int `toml:"delta_threshold"`
	// IgnoredDirs are directory names skipped during discovery.
	IgnoredDirs []string `toml:"ignored_dirs"`
}

// ScoringWeights configures result ranking. See the executor's scorer.
type ScoringWeights struct {
	MatchCountWeight    float64 `toml:"match_count_weight"`
	FilenameMatchBonus  float64 `toml:"filename_match_bonus"`
	DepthPenalty        float64 `toml:"depth_penalty"`
	MaxDepthPenalty     float64 `toml:"max_depth_penalty"`
	RecencyHalfLifeSecs float64 `toml:"recency_half_life_secs"`
	MaxRecencyBonus     float64 `toml:"max_recency_bonus"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Index: IndexConfig{
			MaxFileSize:    100 << 20, // matches common hosting limits
			ChunkSize:      50000,
			StopGramCount:  512,
			DeltaThreshold: 100,
			IgnoredDirs:    []string{".git", "node_modules", "target", ".fxi"},
		},
		Scoring: ScoringWeights{
			MatchCountWeight:    1.0,
			FilenameMatchBonus:  2.0,
			DepthPenalty:        0.05,
			MaxDepthPenalty:     0.5,
			RecencyHalfLifeSecs: 86400 * 7,
			MaxRecencyBonus:     1.0,
		},
	}
}

// Load reads the config at path, overlaying it on the defaults. A missing
// file returns the defaults without error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Default(), fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults backfills zero values so a sparse file keeps sane behavior.
func (c *Config) applyDefaults() {
	def := Default()
	if c.Index.MaxFileSize <= 0 {
		c.Index.MaxFileSize = def.Index.MaxFileSize
	}
	if c.Index.ChunkSize <= 0 {
		c.Index.ChunkSize = def.Index.ChunkSize
	}
	if c.Index.StopGramCount <= 0 {
		c.Index.StopGramCount = def.Index.StopGramCount
	}
	if c.Index.DeltaThreshold <= 0 {
		c.Index.DeltaThreshold = def.Index.DeltaThreshold
	}
	if c.Index.IgnoredDirs == nil {
		c.Index.IgnoredDirs = def.Index.IgnoredDirs
	}
	if c.Scoring.MatchCountWeight == 0 {
		c.Scoring.MatchCountWeight = def.Scoring.MatchCountWeight
	}
	if c.Scoring.FilenameMatchBonus == 0 {
		c.Scoring.FilenameMatchBonus = def.Scoring.FilenameMatchBonus
	}
	if c.Scoring.DepthPenalty == 0 {
		c.Scoring.DepthPenalty = def.Scoring.DepthPenalty
	}
	if c.Scoring.MaxDepthPenalty == 0 {
		c.Scoring.MaxDepthPenalty = def.Scoring.MaxDepthPenalty
	}
	if c.Scoring.RecencyHalfLifeSecs == 0 {
		c.Scoring.RecencyHalfLifeSecs = def.Scoring.RecencyHalfLifeSecs
	}
	if c.Scoring.MaxRecencyBonus == 0 {
		c.Scoring.MaxRecencyBonus = def.Scoring.MaxRecencyBonus
	}
}
