package config

import (
	"errors"
	"fmt"
)

const (
	// CurrentVersion is the version of the configuration and manifest format
	CurrentVersion = 1

	// DefaultCompactionThreshold is the amount of dead bytes that triggers compaction
	DefaultCompactionThreshold = 1024 * 1024 // 1MB

	// DefaultSyncBytes is the amount of data written between fsyncs in SyncBatch mode
	DefaultSyncBytes = 1024 * 1024 // 1MB

	// DefaultValueCacheSize is the number of values kept in the read cache
	DefaultValueCacheSize = 1024

	// DefaultMaxSegments is the number of segment files that forces a compaction
	DefaultMaxSegments = 128

	// DefaultMaxOpenSegments is the number of segment readers kept open at once
	DefaultMaxOpenSegments = 32
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// SyncMode controls when appended records are committed to stable storage.
// Records are always handed to the operating system before a write returns.
type SyncMode int

const (
	// SyncNone leaves fsync to the operating system
	SyncNone SyncMode = iota
	// SyncBatch fsyncs once SyncBytes have been written since the last fsync
	SyncBatch
	// SyncImmediate fsyncs after every record
	SyncImmediate
)

// String returns the name of the sync mode
func (m SyncMode) String() string {
	switch m {
	case SyncNone:
		return "none"
	case SyncBatch:
		return "batch"
	case SyncImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("SyncMode(%d)", int(m))
	}
}

// ParseSyncMode converts a sync mode name into a SyncMode
func ParseSyncMode(name string) (SyncMode, error) {
	switch name {
	case "none":
		return SyncNone, nil
	case "batch":
		return SyncBatch, nil
	case "immediate":
		return SyncImmediate, nil
	default:
		return SyncImmediate, fmt.Errorf("%w: unknown sync mode %q", ErrInvalidConfig, name)
	}
}

// Config holds the settings of a store
type Config struct {
	Version int `json:"version"`

	// Dir is the directory holding the segment files
	Dir string `json:"dir"`

	// Compaction configuration
	CompactionThreshold int64 `json:"compaction_threshold"`

	// Durability configuration
	SyncMode  SyncMode `json:"sync_mode"`
	SyncBytes int64    `json:"sync_bytes"`

	// ValueCacheSize is the number of recently used values kept in memory; 0 disables the cache
	ValueCacheSize int `json:"value_cache_size"`

	// Segment limits. MaxSegments forces a compaction once more segment files
	// exist; MaxOpenSegments bounds the file descriptors held by readers.
	MaxSegments     int `json:"max_segments"`
	MaxOpenSegments int `json:"max_open_segments"`
}

// NewDefaultConfig creates a Config with recommended default values
func NewDefaultConfig(dir string) *Config {
	return &Config{
		Version:             CurrentVersion,
		Dir:                 dir,
		CompactionThreshold: DefaultCompactionThreshold,
		SyncMode:            SyncImmediate,
		SyncBytes:           DefaultSyncBytes,
		ValueCacheSize:      DefaultValueCacheSize,
		MaxSegments:         DefaultMaxSegments,
		MaxOpenSegments:     DefaultMaxOpenSegments,
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Version <= 0 {
		return fmt.Errorf("%w: invalid version %d", ErrInvalidConfig, c.Version)
	}

	if c.Dir == "" {
		return fmt.Errorf("%w: directory not specified", ErrInvalidConfig)
	}

	if c.CompactionThreshold <= 0 {
		return fmt.Errorf("%w: compaction threshold must be positive", ErrInvalidConfig)
	}

	if c.SyncMode < SyncNone || c.SyncMode > SyncImmediate {
		return fmt.Errorf("%w: unknown sync mode %d", ErrInvalidConfig, c.SyncMode)
	}

	if c.SyncMode == SyncBatch && c.SyncBytes <= 0 {
		return fmt.Errorf("%w: sync bytes must be positive in batch mode", ErrInvalidConfig)
	}

	if c.ValueCacheSize < 0 {
		return fmt.Errorf("%w: value cache size cannot be negative", ErrInvalidConfig)
	}

	// A compaction leaves two segments behind
	if c.MaxSegments < 2 {
		return fmt.Errorf("%w: max segments must be at least 2", ErrInvalidConfig)
	}

	if c.MaxOpenSegments <= 0 {
		return fmt.Errorf("%w: max open segments must be positive", ErrInvalidConfig)
	}

	return nil
}

// Clone returns a copy of the configuration
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}
