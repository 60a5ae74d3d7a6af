package config

import (
	"fmt"
)

// Requirements represents calculated resource requirements.
type Requirements struct {
	// Compact snapshot store
	IndexBytes      int64
	EntryBytes      int64
	KeyArenaBytes   int64
	ValueArenaBytes int64
	CacheBytes      int64

	// Remote engine
	RemoteMemoryBytes int64

	// Batch buffer and worker pool
	BatchBytes int64

	TotalRAMBytes int64

	// Concurrency
	Workers           int
	MaxPendingTasks   int
	MaxPendingBatches int
}

// Constants for calculations
const (
	// Bytes per index bucket (uint32 entry id)
	bytesPerBucket = 4

	// Bytes per entry table row
	bytesPerEntry = 24

	// Fallback sizes when no expectation is configured
	defaultKeySize   = 32
	defaultValueSize = 64

	// Rough in-memory size of one deferred statement
	bytesPerStatement = 512
)

// CalculateRequirements computes resource requirements based on configuration.
func (c *Config) CalculateRequirements() Requirements {
	r := Requirements{}
	capacity := int64(c.Cache.Capacity)

	// -------------------------------------------------------------------------
	// Compact store
	// -------------------------------------------------------------------------

	// Index table is the next power of two above capacity*4/3
	buckets := int64(8)
	for buckets < capacity+capacity/3+1 {
		buckets <<= 1
	}
	r.IndexBytes = buckets * bytesPerBucket
	r.EntryBytes = capacity * bytesPerEntry

	keySize := int64(c.Cache.ExpectedKeySize)
	if keySize == 0 {
		keySize = defaultKeySize
	}
	r.KeyArenaBytes = capacity * keySize

	valueSize := int64(c.Cache.ExpectedValueSize)
	if c.Cache.FixedLength {
		valueSize = int64(c.Cache.SlotSize)
	} else if valueSize == 0 {
		valueSize = defaultValueSize
	}
	r.ValueArenaBytes = capacity * valueSize

	r.CacheBytes = r.IndexBytes + r.EntryBytes + r.KeyArenaBytes + r.ValueArenaBytes

	// -------------------------------------------------------------------------
	// Remote engine and buffers
	// -------------------------------------------------------------------------

	if !c.Window.LocalOnly {
		r.RemoteMemoryBytes = parseMemoryLimit(c.Remote.MemoryLimit)
	}
	r.BatchBytes = int64(c.Batch.Capacity) * bytesPerStatement

	r.TotalRAMBytes = r.CacheBytes + r.RemoteMemoryBytes + r.BatchBytes
	// Add 512MB for the Go runtime and live local records
	r.TotalRAMBytes += 512 * 1024 * 1024

	r.Workers = c.Window.Workers
	r.MaxPendingTasks = c.Window.QueueSize
	r.MaxPendingBatches = c.Batch.Capacity

	return r
}

// FormatRequirements returns a human-readable summary of requirements.
func (r *Requirements) FormatRequirements() string {
	return fmt.Sprintf(`Resource Requirements
=====================

Compact Store:
  Index:             %s
  Entry Table:       %s
  Key Arena:         %s
  Value Arena:       %s
  Total:             %s

Memory:
  Remote Engine:     %s
  Batch Buffer:      %s
  Total RAM:         %s (recommended)

Concurrency:
  Workers:           %d
  Pending Tasks:     %s
  Pending Batches:   %s
`,
		formatBytes(r.IndexBytes),
		formatBytes(r.EntryBytes),
		formatBytes(r.KeyArenaBytes),
		formatBytes(r.ValueArenaBytes),
		formatBytes(r.CacheBytes),
		formatBytes(r.RemoteMemoryBytes),
		formatBytes(r.BatchBytes),
		formatBytes(r.TotalRAMBytes),
		r.Workers,
		formatNumber(int64(r.MaxPendingTasks)),
		formatNumber(int64(r.MaxPendingBatches)),
	)
}

// parseMemoryLimit parses a memory limit string like "2GB" into bytes.
func parseMemoryLimit(s string) int64 {
	if s == "" {
		return 2 * 1024 * 1024 * 1024 // Default 2GB
	}

	var value int64
	var unit string
	_, err := fmt.Sscanf(s, "%d%s", &value, &unit)
	if err != nil {
		// Try without space
		for i, c := range s {
			if c < '0' || c > '9' {
				fmt.Sscanf(s[:i], "%d", &value)
				unit = s[i:]
				break
			}
		}
	}

	switch unit {
	case "B", "b", "":
		return value
	case "KB", "kb", "K", "k":
		return value * 1024
	case "MB", "mb", "M", "m":
		return value * 1024 * 1024
	case "GB", "gb", "G", "g":
		return value * 1024 * 1024 * 1024
	case "TB", "tb", "T", "t":
		return value * 1024 * 1024 * 1024 * 1024
	default:
		return value
	}
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
		TB = 1024 * GB
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatNumber formats a number with thousand separators.
func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	if n < 1000000000 {
		return fmt.Sprintf("%.1fM", float64(n)/1000000)
	}
	return fmt.Sprintf("%.1fB", float64(n)/1000000000)
}
