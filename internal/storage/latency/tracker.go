package latency

import (
	"sort"
	"sync"
	"time"
)

// DefaultBucketSize is the span of one latency bucket.
const DefaultBucketSize = time.Minute

// maxCompleted bounds the summaries kept between drains.
const maxCompleted = 1024

// Tracker buckets store call latencies per tier and operation. It
// satisfies the router's latency recorder.
type Tracker struct {
	mu sync.RWMutex

	bucketSize time.Duration
	accuracy   float64
	now        func() time.Time

	// Key format: "tier/op"
	active    map[string]*Aggregate
	completed []Summary

	stats TrackerStats
}

// TrackerStats counts tracker activity.
type TrackerStats struct {
	Active           int64
	CompletedPending int64
	Observations     int64
	BucketsCompleted int64
	Dropped          int64
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithBucketSize sets the bucket span.
func WithBucketSize(d time.Duration) TrackerOption {
	return func(t *Tracker) {
		if d >= time.Millisecond {
			t.bucketSize = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TrackerOption {
	return func(t *Tracker) { t.now = now }
}

// NewTracker creates a tracker with the given quantile accuracy.
func NewTracker(accuracy float64, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		bucketSize: DefaultBucketSize,
		accuracy:   accuracy,
		now:        time.Now,
		active:     make(map[string]*Aggregate),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Observe records one call of op against tier.
func (t *Tracker) Observe(tier, op string, d time.Duration) {
	start, end := t.bucket(t.now().UnixMilli())
	key := tier + "/" + op

	t.mu.Lock()
	defer t.mu.Unlock()

	agg, ok := t.active[key]
	if !ok {
		agg = NewAggregate(tier, op, start, end, t.accuracy)
		t.active[key] = agg
	} else if start > agg.BucketStart() {
		if !agg.IsEmpty() {
			t.complete(agg.Summary())
		}
		agg.Reset(start, end)
	}

	agg.Add(d)
	t.stats.Observations++
}

func (t *Tracker) complete(s Summary) {
	if len(t.completed) >= maxCompleted {
		t.completed = t.completed[1:]
		t.stats.Dropped++
	}
	t.completed = append(t.completed, s)
	t.stats.BucketsCompleted++
}

// Snapshot returns the current bucket of every tier and operation, sorted
// by key. Buckets are not closed.
func (t *Tracker) Snapshot() []Summary {
	t.mu.RLock()
	out := make([]Summary, 0, len(t.active))
	for _, agg := range t.active {
		if !agg.IsEmpty() {
			out = append(out, agg.Summary())
		}
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// DrainCompleted returns and clears closed buckets.
func (t *Tracker) DrainCompleted() []Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.completed) == 0 {
		return nil
	}
	out := t.completed
	t.completed = nil
	return out
}

// FlushAll closes every active bucket and returns all pending summaries.
func (t *Tracker) FlushAll() []Summary {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, agg := range t.active {
		if !agg.IsEmpty() {
			t.complete(agg.Summary())
		}
	}
	t.active = make(map[string]*Aggregate)

	out := t.completed
	t.completed = nil
	return out
}

// Stats returns tracker counters.
func (t *Tracker) Stats() TrackerStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := t.stats
	s.Active = int64(len(t.active))
	s.CompletedPending = int64(len(t.completed))
	return s
}

// BucketSize returns the configured bucket span.
func (t *Tracker) BucketSize() time.Duration {
	return t.bucketSize
}

func (t *Tracker) bucket(tsMs int64) (start, end int64) {
	size := t.bucketSize.Milliseconds()
	start = (tsMs / size) * size
	end = start + size
	return
}
