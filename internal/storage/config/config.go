package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete window state storage configuration.
type Config struct {
	// DataDir is the root directory for WAL segments and checkpoints.
	DataDir string `yaml:"data_dir"`

	// Cache sizes the compact snapshot store.
	Cache CacheConfig `yaml:"cache"`

	// Keys configures composite key handling.
	Keys KeysConfig `yaml:"keys"`

	// Window configures the storage router.
	Window WindowConfig `yaml:"window"`

	// Local configures the local tier.
	Local LocalConfig `yaml:"local"`

	// Remote configures the remote (DuckDB) tier.
	Remote RemoteConfig `yaml:"remote"`

	// Batch configures the deferred statement buffer.
	Batch BatchConfig `yaml:"batch"`

	// AutoFlush configures the background batch flusher.
	AutoFlush AutoFlushConfig `yaml:"auto_flush"`

	// Backpressure configures producer throttling on the batch buffer.
	Backpressure BackpressureConfig `yaml:"backpressure"`

	// Latency configures per-operation latency sketches.
	Latency LatencyConfig `yaml:"latency"`
}

// CacheConfig sizes the compact byte-value store.
type CacheConfig struct {
	// Capacity is the maximum entry count (at most 10,000,000).
	Capacity int `yaml:"capacity"`

	// FixedLength packs values into equal slots of SlotSize bytes.
	FixedLength bool `yaml:"fixed_length"`

	// SlotSize is the slot size for fixed-length mode.
	SlotSize int `yaml:"slot_size"`

	// ExpectedKeySize and ExpectedValueSize preallocate the arenas.
	// Zero disables preallocation.
	ExpectedKeySize   int `yaml:"expected_key_size"`
	ExpectedValueSize int `yaml:"expected_value_size"`
}

// KeysConfig configures composite key handling.
type KeysConfig struct {
	// Separator joins key components. Defaults to ";".
	Separator string `yaml:"separator"`
}

// WindowConfig configures the storage router.
type WindowConfig struct {
	// LocalOnly disables the remote tier entirely.
	LocalOnly bool `yaml:"local_only"`

	// Workers is the number of pool workers executing store I/O.
	Workers int `yaml:"workers"`

	// QueueSize bounds pending pool tasks. Submitters block when full.
	QueueSize int `yaml:"queue_size"`
}

// LocalConfig configures the local tier.
type LocalConfig struct {
	// Namespace scopes split queries. Queries for another store prefix
	// see nothing.
	Namespace string `yaml:"namespace"`

	// WAL configures the local write-ahead log.
	WAL WALConfig `yaml:"wal"`

	// Checkpoint configures Parquet snapshots of the local tier.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
}

// WALConfig configures the Write-Ahead Log.
type WALConfig struct {
	// Enabled turns on write-ahead logging of local mutations.
	Enabled bool `yaml:"enabled"`

	// Dir is the WAL directory. Defaults to {DataDir}/wal.
	Dir string `yaml:"dir"`

	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum segment size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// CheckpointConfig configures Parquet checkpoints.
type CheckpointConfig struct {
	// Enabled turns on checkpoint load at open and periodic checkpoints.
	Enabled bool `yaml:"enabled"`

	// Dir is the checkpoint directory. Defaults to {DataDir}/checkpoint.
	Dir string `yaml:"dir"`

	// Interval between periodic checkpoints. Zero means only on Stop.
	Interval time.Duration `yaml:"interval"`

	// Compression configures Parquet compression.
	Compression CompressionConfig `yaml:"compression"`
}

// CompressionConfig configures Parquet compression.
type CompressionConfig struct {
	// Algorithm is the compression algorithm: snappy, zstd, lz4, none.
	Algorithm string `yaml:"algorithm"`

	// Level is the compression level (for zstd: 1-22).
	Level int `yaml:"level"`
}

// RemoteConfig configures the remote tier.
type RemoteConfig struct {
	// DSN is the DuckDB database path. Empty opens an in-memory database.
	DSN string `yaml:"dsn"`

	// Table holds the window state rows.
	Table string `yaml:"table"`

	// MaxRowsPerInsert chunks multi-row inserts.
	MaxRowsPerInsert int `yaml:"max_rows_per_insert"`

	// QueryTimeout bounds each remote call.
	QueryTimeout time.Duration `yaml:"query_timeout"`

	// MemoryLimit is the DuckDB memory limit, e.g. "2GB".
	MemoryLimit string `yaml:"memory_limit"`
}

// BatchConfig configures the deferred statement buffer.
type BatchConfig struct {
	// Capacity is the number of statements held before producers flush
	// inline.
	Capacity int `yaml:"capacity"`
}

// AutoFlushConfig configures the background batch flusher.
type AutoFlushConfig struct {
	// Enabled starts the flusher with the service.
	Enabled bool `yaml:"enabled"`

	// Size flushes once the buffer holds at least this many statements.
	Size int `yaml:"size"`

	// TimeGap flushes once this long has passed since the last flush.
	TimeGap time.Duration `yaml:"time_gap"`

	// PollInterval is the sleep between checks.
	PollInterval time.Duration `yaml:"poll_interval"`
}

// BackpressureConfig configures producer throttling.
type BackpressureConfig struct {
	// Enabled enables backpressure handling.
	Enabled bool `yaml:"enabled"`

	// Thresholds defines buffer usage thresholds for level changes.
	Thresholds BackpressureThresholds `yaml:"thresholds"`

	// Recovery configures recovery behavior.
	Recovery BackpressureRecovery `yaml:"recovery"`
}

// BackpressureThresholds defines buffer usage thresholds.
type BackpressureThresholds struct {
	// Warning threshold (0.0-1.0).
	Warning float64 `yaml:"warning"`

	// Critical threshold (0.0-1.0).
	Critical float64 `yaml:"critical"`

	// Emergency threshold (0.0-1.0).
	Emergency float64 `yaml:"emergency"`
}

// BackpressureRecovery configures recovery behavior.
type BackpressureRecovery struct {
	// Hysteresis to prevent flapping (0.0-1.0).
	Hysteresis float64 `yaml:"hysteresis"`

	// Cooldown is the minimum time between level changes.
	Cooldown time.Duration `yaml:"cooldown"`
}

// LatencyConfig configures DDSketch latency tracking.
type LatencyConfig struct {
	// Enabled enables latency tracking.
	Enabled bool `yaml:"enabled"`

	// Accuracy is the relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/windowstate",
		Cache: CacheConfig{
			Capacity: 1000000,
		},
		Keys: KeysConfig{
			Separator: ";",
		},
		Window: WindowConfig{
			Workers:   10,
			QueueSize: 100,
		},
		Local: LocalConfig{
			Namespace: "window_state",
			WAL: WALConfig{
				Enabled:        true,
				SyncMode:       "async",
				SyncInterval:   time.Second,
				MaxSegmentSize: 64 * 1024 * 1024, // 64MB
			},
			Checkpoint: CheckpointConfig{
				Enabled:  true,
				Interval: 10 * time.Minute,
				Compression: CompressionConfig{
					Algorithm: "zstd",
					Level:     3,
				},
			},
		},
		Remote: RemoteConfig{
			Table:            "window_state",
			MaxRowsPerInsert: 500,
			QueryTimeout:     30 * time.Second,
			MemoryLimit:      "2GB",
		},
		Batch: BatchConfig{
			Capacity: 10000,
		},
		AutoFlush: AutoFlushConfig{
			Enabled:      true,
			Size:         300,
			TimeGap:      time.Second,
			PollInterval: 100 * time.Millisecond,
		},
		Backpressure: BackpressureConfig{
			Enabled: true,
			Thresholds: BackpressureThresholds{
				Warning:   0.50,
				Critical:  0.80,
				Emergency: 0.95,
			},
			Recovery: BackpressureRecovery{
				Hysteresis: 0.10,
				Cooldown:   5 * time.Second,
			},
		},
		Latency: LatencyConfig{
			Enabled:  true,
			Accuracy: 0.01,
		},
	}
}
