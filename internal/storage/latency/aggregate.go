// Package latency keeps per-tier, per-operation latency distributions for
// store calls made by the window router.
package latency

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// DefaultAccuracy is the relative accuracy of quantile estimates.
const DefaultAccuracy = 0.01

// Aggregate maintains running latency statistics for one tier and
// operation over one time bucket. Values are milliseconds.
type Aggregate struct {
	mu sync.Mutex

	tier string
	op   string

	bucketStart int64 // Unix milliseconds
	bucketEnd   int64

	count int64
	sum   float64
	min   float64
	max   float64

	accuracy float64
	sketch   *ddsketch.DDSketch
}

// NewAggregate creates an aggregate for the given bucket. An accuracy
// outside (0, 1) disables quantiles.
func NewAggregate(tier, op string, bucketStart, bucketEnd int64, accuracy float64) *Aggregate {
	a := &Aggregate{
		tier:        tier,
		op:          op,
		bucketStart: bucketStart,
		bucketEnd:   bucketEnd,
		min:         math.MaxFloat64,
		max:         -math.MaxFloat64,
		accuracy:    accuracy,
	}
	a.sketch = newSketch(accuracy)
	return a
}

func newSketch(accuracy float64) *ddsketch.DDSketch {
	if accuracy <= 0 || accuracy >= 1 {
		return nil
	}
	sketch, err := ddsketch.NewDefaultDDSketch(accuracy)
	if err != nil {
		return nil
	}
	return sketch
}

// Add records one call duration.
func (a *Aggregate) Add(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	a.mu.Lock()
	defer a.mu.Unlock()

	a.count++
	a.sum += ms
	if ms < a.min {
		a.min = ms
	}
	if ms > a.max {
		a.max = ms
	}

	if a.sketch != nil {
		// DDSketch rejects negative values; a clock step backwards is noise.
		_ = a.sketch.Add(math.Max(ms, 0))
	}
}

// Count returns the number of calls recorded.
func (a *Aggregate) Count() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

// IsEmpty reports whether nothing was recorded.
func (a *Aggregate) IsEmpty() bool {
	return a.Count() == 0
}

// Summary returns the statistics collected so far.
func (a *Aggregate) Summary() Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Summary{
		Tier:        a.tier,
		Op:          a.op,
		BucketStart: a.bucketStart,
		BucketEnd:   a.bucketEnd,
		Count:       a.count,
		SumMs:       a.sum,
	}

	if a.count > 0 {
		s.AvgMs = a.sum / float64(a.count)
		s.MinMs = a.min
		s.MaxMs = a.max
	}

	if a.sketch != nil && a.count > 0 {
		p50, _ := a.sketch.GetValueAtQuantile(0.50)
		p90, _ := a.sketch.GetValueAtQuantile(0.90)
		p99, _ := a.sketch.GetValueAtQuantile(0.99)
		s.SetQuantiles(p50, p90, p99)
	}

	return s
}

// Reset starts a new bucket.
func (a *Aggregate) Reset(bucketStart, bucketEnd int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.bucketStart = bucketStart
	a.bucketEnd = bucketEnd
	a.count = 0
	a.sum = 0
	a.min = math.MaxFloat64
	a.max = -math.MaxFloat64

	// DDSketch has no Clear.
	if a.sketch != nil {
		a.sketch = newSketch(a.accuracy)
	}
}

// Merge folds other into a. Both must cover the same bucket.
func (a *Aggregate) Merge(other *Aggregate) {
	if other == nil || other == a {
		return
	}

	other.mu.Lock()
	defer other.mu.Unlock()
	if other.count == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.count += other.count
	a.sum += other.sum
	if other.min < a.min {
		a.min = other.min
	}
	if other.max > a.max {
		a.max = other.max
	}

	if a.sketch != nil && other.sketch != nil {
		_ = a.sketch.MergeWith(other.sketch)
	}
}

// BucketStart returns the bucket start in Unix milliseconds.
func (a *Aggregate) BucketStart() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bucketStart
}

// Summary is the latency distribution of one tier and operation over one
// bucket.
type Summary struct {
	Tier string
	Op   string

	BucketStart int64
	BucketEnd   int64

	Count int64
	SumMs float64
	MinMs float64
	MaxMs float64
	AvgMs float64

	// Quantiles are nil when disabled or empty.
	P50Ms *float64
	P90Ms *float64
	P99Ms *float64
}

// Key returns "tier/op".
func (s *Summary) Key() string {
	return s.Tier + "/" + s.Op
}

// HasQuantiles reports whether quantile estimates are present.
func (s *Summary) HasQuantiles() bool {
	return s.P50Ms != nil
}

// SetQuantiles sets all quantile values.
func (s *Summary) SetQuantiles(p50, p90, p99 float64) {
	s.P50Ms = &p50
	s.P90Ms = &p90
	s.P99Ms = &p99
}
