package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	werrors "github.com/xtxerr/windowstate/internal/errors"
)

// maxCacheCapacity mirrors kv.MaxCapacity without importing the store.
const maxCacheCapacity = 10_000_000

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the configuration for errors. Every error wraps
// ErrInvalidConfig.
func (c *Config) Validate() error {
	var errs []error

	// DataDir
	if c.DataDir == "" && (c.Local.WAL.Enabled || c.Local.Checkpoint.Enabled) {
		errs = append(errs, errors.New("data_dir is required when wal or checkpoint is enabled"))
	}

	if err := c.Cache.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("cache: %w", err))
	}

	if err := c.Keys.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("keys: %w", err))
	}

	if err := c.Window.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("window: %w", err))
	}

	if err := c.Local.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("local: %w", err))
	}

	if !c.Window.LocalOnly {
		if err := c.Remote.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("remote: %w", err))
		}
	}

	if c.Batch.Capacity <= 0 {
		errs = append(errs, errors.New("batch: capacity must be positive"))
	}

	if err := c.AutoFlush.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("auto_flush: %w", err))
	}

	if err := c.Backpressure.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("backpressure: %w", err))
	}

	if c.Latency.Enabled && (c.Latency.Accuracy <= 0 || c.Latency.Accuracy >= 1) {
		errs = append(errs, errors.New("latency: accuracy must be between 0 and 1"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", werrors.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Validate checks the cache configuration.
func (c *CacheConfig) Validate() error {
	var errs []error

	if c.Capacity <= 0 || c.Capacity > maxCacheCapacity {
		errs = append(errs, fmt.Errorf("capacity must be in 1..%d", maxCacheCapacity))
	}

	if c.FixedLength && c.SlotSize <= 0 {
		errs = append(errs, errors.New("slot_size must be positive when fixed_length is set"))
	}

	if c.ExpectedKeySize < 0 || c.ExpectedValueSize < 0 {
		errs = append(errs, errors.New("expected sizes must be non-negative"))
	}

	return errors.Join(errs...)
}

// Validate checks the keys configuration.
func (c *KeysConfig) Validate() error {
	if c.Separator == "" {
		return errors.New("separator must not be empty")
	}
	return nil
}

// Validate checks the router configuration.
func (c *WindowConfig) Validate() error {
	var errs []error

	if c.Workers <= 0 {
		errs = append(errs, errors.New("workers must be positive"))
	}

	if c.QueueSize <= 0 {
		errs = append(errs, errors.New("queue_size must be positive"))
	}

	return errors.Join(errs...)
}

// Validate checks the local tier configuration.
func (c *LocalConfig) Validate() error {
	var errs []error

	if !identifier.MatchString(c.Namespace) {
		errs = append(errs, errors.New("namespace must be an identifier"))
	}

	// WAL
	validSyncModes := map[string]bool{
		"async": true,
		"sync":  true,
		"fsync": true,
		"":      true, // Empty defaults to async
	}
	if !validSyncModes[c.WAL.SyncMode] {
		errs = append(errs, errors.New("wal.sync_mode must be one of: async, sync, fsync"))
	}

	if c.WAL.Enabled && c.WAL.SyncMode == "async" && c.WAL.SyncInterval <= 0 {
		errs = append(errs, errors.New("wal.sync_interval must be positive for async mode"))
	}

	if c.WAL.MaxSegmentSize < 0 {
		errs = append(errs, errors.New("wal.max_segment_size must be non-negative"))
	}

	// Checkpoint
	validAlgorithms := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"none":   true,
		"":       true, // Empty defaults to zstd
	}
	if !validAlgorithms[c.Checkpoint.Compression.Algorithm] {
		errs = append(errs, errors.New("checkpoint.compression.algorithm must be one of: snappy, zstd, lz4, none"))
	}

	if c.Checkpoint.Compression.Algorithm == "zstd" && (c.Checkpoint.Compression.Level < 0 || c.Checkpoint.Compression.Level > 22) {
		errs = append(errs, errors.New("checkpoint.compression.level for zstd must be between 0 and 22"))
	}

	if c.Checkpoint.Interval < 0 {
		errs = append(errs, errors.New("checkpoint.interval must be non-negative"))
	}

	return errors.Join(errs...)
}

// Validate checks the remote tier configuration.
func (c *RemoteConfig) Validate() error {
	var errs []error

	if !identifier.MatchString(c.Table) {
		errs = append(errs, errors.New("table must be an identifier"))
	}

	if c.MaxRowsPerInsert <= 0 {
		errs = append(errs, errors.New("max_rows_per_insert must be positive"))
	}

	if c.QueryTimeout <= 0 {
		errs = append(errs, errors.New("query_timeout must be positive"))
	}

	if c.MemoryLimit != "" && parseMemoryLimit(c.MemoryLimit) <= 0 {
		errs = append(errs, errors.New("memory_limit must be a size like 512MB or 2GB"))
	}

	return errors.Join(errs...)
}

// Validate checks the auto-flush configuration.
func (c *AutoFlushConfig) Validate() error {
	var errs []error

	if c.Size <= 0 {
		errs = append(errs, errors.New("size must be positive"))
	}

	if c.TimeGap <= 0 {
		errs = append(errs, errors.New("time_gap must be positive"))
	}

	if c.PollInterval <= 0 {
		errs = append(errs, errors.New("poll_interval must be positive"))
	}

	return errors.Join(errs...)
}

// Validate checks the backpressure configuration.
func (c *BackpressureConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	// Thresholds must be in order
	if c.Thresholds.Warning <= 0 || c.Thresholds.Warning >= 1 {
		errs = append(errs, errors.New("thresholds.warning must be between 0 and 1"))
	}
	if c.Thresholds.Critical <= 0 || c.Thresholds.Critical >= 1 {
		errs = append(errs, errors.New("thresholds.critical must be between 0 and 1"))
	}
	if c.Thresholds.Emergency <= 0 || c.Thresholds.Emergency >= 1 {
		errs = append(errs, errors.New("thresholds.emergency must be between 0 and 1"))
	}

	if c.Thresholds.Warning >= c.Thresholds.Critical {
		errs = append(errs, errors.New("thresholds.warning must be < thresholds.critical"))
	}
	if c.Thresholds.Critical >= c.Thresholds.Emergency {
		errs = append(errs, errors.New("thresholds.critical must be < thresholds.emergency"))
	}

	// Recovery
	if c.Recovery.Hysteresis < 0 || c.Recovery.Hysteresis >= 0.5 {
		errs = append(errs, errors.New("recovery.hysteresis must be between 0 and 0.5"))
	}
	if c.Recovery.Cooldown <= 0 {
		errs = append(errs, errors.New("recovery.cooldown must be positive"))
	}

	return errors.Join(errs...)
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	var dirs []string
	if c.Local.WAL.Enabled {
		dirs = append(dirs, c.WALDir())
	}
	if c.Local.Checkpoint.Enabled {
		dirs = append(dirs, c.CheckpointDir())
	}
	if c.Remote.DSN != "" && !c.Window.LocalOnly {
		dirs = append(dirs, filepath.Dir(c.Remote.DSN))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// WALDir returns the WAL directory path.
func (c *Config) WALDir() string {
	if c.Local.WAL.Dir != "" {
		return c.Local.WAL.Dir
	}
	return filepath.Join(c.DataDir, "wal")
}

// CheckpointDir returns the checkpoint directory path.
func (c *Config) CheckpointDir() string {
	if c.Local.Checkpoint.Dir != "" {
		return c.Local.Checkpoint.Dir
	}
	return filepath.Join(c.DataDir, "checkpoint")
}
