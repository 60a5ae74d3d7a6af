// Package readiness tracks which (partition, window instance) pairs have
// finished loading into the local store.
package readiness

import (
	"sort"
	"sync"

	"github.com/xtxerr/windowstate/internal/logging"
)

var log = logging.Component("readiness")

type partitionState struct {
	all     bool
	windows map[string]struct{}
}

// Tracker is a concurrency-safe window.Oracle. Pass it to the router
// explicitly; there is no process-wide instance.
type Tracker struct {
	mu         sync.RWMutex
	partitions map[string]*partitionState
}

// New creates an empty tracker. Nothing is finished.
func New() *Tracker {
	return &Tracker{partitions: make(map[string]*partitionState)}
}

func (t *Tracker) state(partition string) *partitionState {
	ps, ok := t.partitions[partition]
	if !ok {
		ps = &partitionState{windows: make(map[string]struct{})}
		t.partitions[partition] = ps
	}
	return ps
}

// MarkFinished marks one window instance of a partition as loaded.
func (t *Tracker) MarkFinished(partition, windowInstanceID string) {
	t.mu.Lock()
	t.state(partition).windows[windowInstanceID] = struct{}{}
	t.mu.Unlock()

	log.Debug("window instance finished", "partition", partition, "window_instance", windowInstanceID)
}

// MarkPartitionFinished marks every window instance of a partition, present
// and future, as loaded.
func (t *Tracker) MarkPartitionFinished(partition string) {
	t.mu.Lock()
	t.state(partition).all = true
	t.mu.Unlock()

	log.Debug("partition finished", "partition", partition)
}

// Reset forgets a partition, typically when it is reassigned away.
func (t *Tracker) Reset(partition string) {
	t.mu.Lock()
	delete(t.partitions, partition)
	t.mu.Unlock()

	log.Debug("partition reset", "partition", partition)
}

// IsFinished reports whether reads for the pair may be served locally.
func (t *Tracker) IsFinished(partition, windowInstanceID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ps, ok := t.partitions[partition]
	if !ok {
		return false
	}
	if ps.all {
		return true
	}
	_, ok = ps.windows[windowInstanceID]
	return ok
}

// Partitions returns the partitions with any finished state, sorted.
func (t *Tracker) Partitions() []string {
	t.mu.RLock()
	out := make([]string, 0, len(t.partitions))
	for p := range t.partitions {
		out = append(out, p)
	}
	t.mu.RUnlock()

	sort.Strings(out)
	return out
}
