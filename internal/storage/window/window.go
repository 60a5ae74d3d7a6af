// Package window routes window state between a local and a remote store.
//
// Every (partition, window instance) pair is served by exactly one tier at a
// time. While the readiness Oracle reports a pair as not finished loading,
// reads go to the remote store and writes go to both tiers immediately.
// Once the pair is finished, reads are served locally and remote writes may
// be deferred into a BatchBuffer as Statements.
//
// The router never caches Oracle answers. A pair whose state flips between
// the routing decision and the store call is served by the tier chosen
// first; routing is best-effort across that boundary.
package window

import (
	"context"

	"github.com/google/uuid"
)

// Tier names used in errors, logs and stats.
const (
	TierLocal  = "local"
	TierRemote = "remote"
)

// Store is one storage tier for values of type T. Keys are composite
// message keys (see package keys).
type Store[T any] interface {
	// LoadSplitData returns the entries matching q. The iterator is
	// single-pass and must be closed.
	LoadSplitData(ctx context.Context, q SplitQuery) (Iterator[T], error)

	MultiPut(ctx context.Context, values map[string]T) error

	// MultiGet returns the subset of keys that exist. Absent keys are
	// omitted, not errors.
	MultiGet(ctx context.Context, keys []string) (map[string]T, error)

	// Delete removes every entry of a window instance in a partition.
	Delete(ctx context.Context, windowInstanceID, partition string) error

	RemoveKeys(ctx context.Context, keys []string) error

	// ClearCache drops cached state for a partition.
	ClearCache(ctx context.Context, partition string) error
}

// RemoteStore is the durable tier. It can describe writes as Statements
// for deferred execution.
type RemoteStore[T any] interface {
	Store[T]

	// MaxSplitNum returns the highest split number stored for wi. The
	// boolean is false when wi has no rows.
	MaxSplitNum(ctx context.Context, wi WindowInstance) (int64, bool, error)

	MultiPutStatement(ctx context.Context, values map[string]T) (Statement, error)
	DeleteStatement(ctx context.Context, windowInstanceID, partition string) (Statement, error)
}

// Oracle reports whether a pair has finished loading into the local tier.
// It must be safe for concurrent use.
type Oracle interface {
	IsFinished(partition, windowInstanceID string) bool
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(partition, windowInstanceID string) bool

// IsFinished calls f.
func (f OracleFunc) IsFinished(partition, windowInstanceID string) bool {
	return f(partition, windowInstanceID)
}

// BatchBuffer collects deferred remote writes.
type BatchBuffer interface {
	Enqueue(ctx context.Context, stmt Statement) error
}

// Statement is a deferred remote write.
type Statement struct {
	ID               uuid.UUID
	Partition        string
	WindowInstanceID string
	SQL              string
	Args             []any
}

// WindowInstance identifies one window instance within a partition.
type WindowInstance struct {
	Partition string
	ID        string
}

// SplitQuery selects the entries LoadSplitData returns.
type SplitQuery struct {
	// StorePrefix names the store namespace. Empty matches any.
	StorePrefix string

	Partition        string
	WindowInstanceID string

	// KeyPrefix restricts keys further. Empty matches any.
	KeyPrefix string
}

// Splittable is implemented by values that know their split number.
type Splittable interface {
	SplitNum() int64
}
