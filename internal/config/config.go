// Package config loads the pipeline configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/jlcdb/internal/partsview"
)

// Config holds the full pipeline configuration.
type Config struct {
	Upstream   UpstreamConfig `yaml:"upstream"`
	Previous   PreviousConfig `yaml:"previous"`
	WorkDir    string         `yaml:"work_dir"`
	ReleaseDir string         `yaml:"release_dir"`
	CacheName  string         `yaml:"cache_name"`
	// StockMaxAgeDays ages stock to zero when a part goes unseen this long.
	StockMaxAgeDays int `yaml:"stock_max_age_days"`
	// CompactAfterDays blanks price/extra blobs of parts out of stock this
	// long.
	CompactAfterDays int `yaml:"compact_after_days"`
	// ChunkSizeMB is the artifact split size.
	ChunkSizeMB int                 `yaml:"chunk_size_mb"`
	Profiles    []partsview.Profile `yaml:"profiles"`
}

// UpstreamConfig configures the catalog API client.
type UpstreamConfig struct {
	BaseURL     string        `yaml:"base_url"`
	PageSize    int           `yaml:"page_size"`
	RateEvery   time.Duration `yaml:"rate_every"`
	MaxAttempts int           `yaml:"max_attempts"`
	// CollapseLimit merges a primary category's subcategories into one
	// query when their combined count stays below it.
	CollapseLimit int `yaml:"collapse_limit"`
}

// PreviousConfig locates the previous run's published cache artifact.
type PreviousConfig struct {
	// BaseURL serves manifest.json and its chunks. Empty disables the
	// fetch stage; the pipeline then reuses or bootstraps a local cache.
	BaseURL     string        `yaml:"base_url"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			PageSize:      1000,
			RateEvery:     3 * time.Second,
			MaxAttempts:   5,
			CollapseLimit: 100000,
		},
		Previous: PreviousConfig{
			Timeout:     60 * time.Second,
			MaxAttempts: 3,
		},
		WorkDir:          "work",
		ReleaseDir:       "release",
		CacheName:        "cache.sqlite3",
		StockMaxAgeDays:  7,
		CompactAfterDays: 365,
		ChunkSizeMB:      80,
		Profiles:         partsview.DefaultProfiles(),
	}
}

// Load reads and parses a YAML config file, merged over DefaultConfig.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if len(cfg.Profiles) == 0 {
		cfg.Profiles = partsview.DefaultProfiles()
	}
	return cfg, cfg.Validate()
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.WorkDir == "" {
		return fmt.Errorf("work_dir is required")
	}
	if c.ReleaseDir == "" {
		return fmt.Errorf("release_dir is required")
	}
	if c.CacheName == "" {
		return fmt.Errorf("cache_name is required")
	}
	if c.StockMaxAgeDays <= 0 {
		return fmt.Errorf("stock_max_age_days must be > 0")
	}
	if c.CompactAfterDays <= 0 {
		return fmt.Errorf("compact_after_days must be > 0")
	}
	if c.ChunkSizeMB <= 0 {
		return fmt.Errorf("chunk_size_mb must be > 0")
	}
	seen := make(map[string]bool, len(c.Profiles))
	for i, profile := range c.Profiles {
		if profile.Name == "" {
			return fmt.Errorf("profile[%d]: name is required", i)
		}
		if seen[profile.Name] {
			return fmt.Errorf("profile[%d]: duplicate name %q", i, profile.Name)
		}
		seen[profile.Name] = true
		if profile.RetentionDays < 0 {
			return fmt.Errorf("profile %q: retention_days must be >= 0", profile.Name)
		}
		if profile.PriceCutoff < 0 {
			return fmt.Errorf("profile %q: price_cutoff must be >= 0", profile.Name)
		}
	}
	return nil
}

// ChunkSizeBytes returns the chunk size in bytes. The 80 MB default keeps
// chunks comfortably under common hosting limits.
func (c *Config) ChunkSizeBytes() int64 { return int64(c.ChunkSizeMB) * 1000 * 1000 }

// StockMaxAge returns the age-out threshold as a duration.
func (c *Config) StockMaxAge() time.Duration {
	return time.Duration(c.StockMaxAgeDays) * 24 * time.Hour
}

// CompactRetention returns the compaction threshold as a duration.
func (c *Config) CompactRetention() time.Duration {
	return time.Duration(c.CompactAfterDays) * 24 * time.Hour
}
