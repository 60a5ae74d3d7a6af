package local

import (
	"github.com/xtxerr/windowstate/internal/keys"
	"github.com/xtxerr/windowstate/internal/storage/config"
	"github.com/xtxerr/windowstate/internal/storage/parquet"
	"github.com/xtxerr/windowstate/internal/storage/wal"
)

// OptionsFromConfig derives store options from the service configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := Options{
		Namespace:        cfg.Local.Namespace,
		Joiner:           keys.New(cfg.Keys.Separator),
		SnapshotCapacity: cfg.Cache.Capacity,
	}
	if cfg.Cache.FixedLength {
		opts.SlotSize = cfg.Cache.SlotSize
	}

	if cfg.Local.WAL.Enabled {
		opts.WALDir = cfg.WALDir()
		opts.WALOptions = wal.Options{
			MaxSegmentSize: cfg.Local.WAL.MaxSegmentSize,
			SyncMode:       cfg.Local.WAL.SyncMode,
			SyncInterval:   cfg.Local.WAL.SyncInterval,
		}
	}

	if cfg.Local.Checkpoint.Enabled {
		opts.CheckpointDir = cfg.CheckpointDir()
		opts.Parquet = parquet.DefaultOptions()
		if c := cfg.Local.Checkpoint.Compression; c.Algorithm != "" {
			opts.Parquet.Compression = parquet.ParseCompressionType(c.Algorithm)
			opts.Parquet.CompressionLevel = c.Level
		}
	}

	return opts
}
