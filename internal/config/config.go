// Package config loads and validates the memcore configuration file.
//
// The file is JSON:
//
//	{
//	  "version": "1.0.0",
//	  "log_level": "info",
//	  "allocator": {"capacity": 67108864, "segments": 8, ...},
//	  "gc": {"collection_interval": "100ms", "incremental": true, ...}
//	}
//
// Missing fields keep their defaults. Unknown fields are rejected.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/orizon-lang/memcore/internal/allocator"
	memerrors "github.com/orizon-lang/memcore/internal/errors"
	"github.com/orizon-lang/memcore/internal/gc"
)

// CurrentVersion is the schema version written by Default.
const CurrentVersion = "1.0.0"

// supportedVersions is the range of schema versions this build reads.
const supportedVersions = ">= 1.0.0, < 2.0.0"

// Config is the top-level configuration.
type Config struct {
	Version   string          `json:"version"`
	LogLevel  string          `json:"log_level"`
	Allocator AllocatorConfig `json:"allocator"`
	GC        GCConfig        `json:"gc"`
}

// AllocatorConfig mirrors allocator.Config.
type AllocatorConfig struct {
	Capacity            uint64  `json:"capacity"`
	Segments            int     `json:"segments"`
	Alignment           uint64  `json:"alignment"`
	SmallThreshold      uint64  `json:"small_threshold"`
	MinSplit            uint64  `json:"min_split"`
	SplitRatio          float64 `json:"split_ratio"`
	CompactionThreshold uint32  `json:"compaction_threshold"`
	UseMmap             bool    `json:"use_mmap"`
	LeakCheck           bool    `json:"leak_check"`
}

// GCConfig mirrors gc.Config.
type GCConfig struct {
	MemoryThreshold    uint64   `json:"memory_threshold"`
	CollectionInterval Duration `json:"collection_interval"`
	MaxPauseTime       Duration `json:"max_pause_time"`
	Incremental        bool     `json:"incremental"`
	BatchSize          int      `json:"batch_size"`
}

// Duration is a time.Duration written as a Go duration string ("100ms").
// Plain numbers are read as nanoseconds.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid duration %s: %w", data, err)
	}
	*d = Duration(n)
	return nil
}

// Default returns the configuration used when no file is given.
func Default() Config {
	a := allocator.DefaultConfig()
	g := gc.DefaultConfig()
	return Config{
		Version:  CurrentVersion,
		LogLevel: "info",
		Allocator: AllocatorConfig{
			Capacity:            uint64(a.Capacity),
			Segments:            a.Segments,
			Alignment:           uint64(a.Alignment),
			SmallThreshold:      uint64(a.SmallThreshold),
			MinSplit:            uint64(a.MinSplit),
			SplitRatio:          a.SplitRatio,
			CompactionThreshold: a.CompactionThreshold,
			UseMmap:             a.UseMmap,
			LeakCheck:           a.EnableLeakCheck,
		},
		GC: GCConfig{
			MemoryThreshold:    g.MemoryThreshold,
			CollectionInterval: Duration(g.CollectionInterval),
			MaxPauseTime:       Duration(g.MaxPauseTime),
			Incremental:        g.Incremental,
			BatchSize:          g.BatchSize,
		},
	}
}

// Load reads and validates a configuration file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes and validates a configuration document.
func Parse(data []byte) (Config, error) {
	cfg := Default()

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, memerrors.InvalidConfig("document", nil, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the schema version and every section.
func (c Config) Validate() error {
	v, err := semver.NewVersion(c.Version)
	if err != nil {
		return memerrors.InvalidConfig("version", c.Version, err.Error())
	}
	constraint, err := semver.NewConstraint(supportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return memerrors.InvalidConfig("version", c.Version, "unsupported schema version, want "+supportedVersions)
	}

	if _, err := c.Level(); err != nil {
		return err
	}
	if err := c.Allocator.Config().Validate(); err != nil {
		return err
	}
	return c.GC.Collector().Validate()
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return 0, memerrors.InvalidConfig("log_level", c.LogLevel, err.Error())
	}
	return level, nil
}

// Config converts the section to allocator.Config. The logger is left unset.
func (a AllocatorConfig) Config() allocator.Config {
	return allocator.Config{
		Capacity:            uintptr(a.Capacity),
		Segments:            a.Segments,
		Alignment:           uintptr(a.Alignment),
		SmallThreshold:      uintptr(a.SmallThreshold),
		MinSplit:            uintptr(a.MinSplit),
		SplitRatio:          a.SplitRatio,
		CompactionThreshold: a.CompactionThreshold,
		UseMmap:             a.UseMmap,
		EnableLeakCheck:     a.LeakCheck,
	}
}

// Collector converts the section to gc.Config.
func (g GCConfig) Collector() gc.Config {
	return gc.Config{
		MemoryThreshold:    g.MemoryThreshold,
		CollectionInterval: time.Duration(g.CollectionInterval),
		MaxPauseTime:       time.Duration(g.MaxPauseTime),
		Incremental:        g.Incremental,
		BatchSize:          g.BatchSize,
	}
}
