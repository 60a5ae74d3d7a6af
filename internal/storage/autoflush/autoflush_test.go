package autoflush

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	werrors "github.com/xtxerr/windowstate/internal/errors"
	"github.com/xtxerr/windowstate/internal/testutil"
)

type fakeCache struct {
	count   atomic.Int64
	flushes atomic.Int64
	fail    atomic.Bool
}

func (f *fakeCache) Count() int { return int(f.count.Load()) }

func (f *fakeCache) Flush(ctx context.Context) error {
	f.flushes.Add(1)
	if f.fail.Load() {
		return errors.New("sink unavailable")
	}
	f.count.Store(0)
	return nil
}

func TestShouldFlush(t *testing.T) {
	start := time.Unix(10_000, 0)
	clock := testutil.NewFakeClock(start)
	c := New(&fakeCache{}, WithClock(clock.Now))

	// Never flushed: flush eagerly even when empty
	if !c.ShouldFlush(0, clock.Now()) {
		t.Error("expected flush before the first recorded flush")
	}

	c.SetLastFlushTime(start)

	tests := []struct {
		name  string
		count int
		since time.Duration
		want  bool
	}{
		{"below size, inside gap", 299, 500 * time.Millisecond, false},
		{"at size", 300, 0, true},
		{"over size", 1000, 10 * time.Millisecond, true},
		{"empty, gap elapsed", 0, 1000 * time.Millisecond, true},
		{"empty, well past gap", 0, 5 * time.Second, true},
		{"empty, just inside gap", 0, 999 * time.Millisecond, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.ShouldFlush(tt.count, start.Add(tt.since)); got != tt.want {
				t.Errorf("ShouldFlush(%d, +%v) = %v, want %v", tt.count, tt.since, got, tt.want)
			}
		})
	}
}

func TestLiveThresholds(t *testing.T) {
	start := time.Unix(10_000, 0)
	c := New(&fakeCache{})
	c.SetLastFlushTime(start)

	c.SetSizeThreshold(10)
	if !c.ShouldFlush(10, start) {
		t.Error("lowered size threshold not applied")
	}

	c.SetTimeGap(100 * time.Millisecond)
	if !c.ShouldFlush(0, start.Add(100*time.Millisecond)) {
		t.Error("lowered time gap not applied")
	}

	c.SetLastFlushTime(time.Time{})
	if !c.LastFlushTime().IsZero() {
		t.Error("zero time should clear the last flush")
	}
}

func TestLoopFlushesOnSize(t *testing.T) {
	cache := &fakeCache{}
	c := New(cache,
		WithPollInterval(time.Millisecond),
		WithTimeGap(time.Hour),
	)
	c.SetLastFlushTime(time.Now())

	c.SetEnabled(true)
	defer c.Stop()

	if c.State() != StateRunning {
		t.Fatalf("expected running, got %s", c.State())
	}

	// Below threshold and inside gap: no flush
	cache.count.Store(DefaultSizeThreshold - 1)
	time.Sleep(20 * time.Millisecond)
	if n := cache.flushes.Load(); n != 0 {
		t.Fatalf("expected no flush below threshold, got %d", n)
	}

	cache.count.Store(DefaultSizeThreshold)
	testutil.WaitFor(t, time.Second, func() bool { return cache.flushes.Load() == 1 }, "flush at threshold")

	if c.Stats().Skipped == 0 {
		t.Error("expected skipped polls to be counted")
	}
}

type pressuredCache struct {
	fakeCache
	pressure atomic.Bool
}

func (p *pressuredCache) ShouldFlushEarly() bool { return p.pressure.Load() }

func TestLoopFlushesEarlyUnderPressure(t *testing.T) {
	cache := &pressuredCache{}
	c := New(cache,
		WithPollInterval(time.Millisecond),
		WithTimeGap(time.Hour),
	)
	c.SetLastFlushTime(time.Now())

	// Pressure with nothing buffered does not flush
	cache.pressure.Store(true)
	c.SetEnabled(true)
	defer c.Stop()
	time.Sleep(20 * time.Millisecond)
	if n := cache.flushes.Load(); n != 0 {
		t.Fatalf("expected no flush of an empty cache, got %d", n)
	}

	cache.count.Store(1)
	testutil.WaitFor(t, time.Second, func() bool { return cache.flushes.Load() == 1 }, "early flush")

	if c.Stats().Early != 1 {
		t.Errorf("expected 1 early flush, got %d", c.Stats().Early)
	}
}

func TestLoopContinuesAfterFailure(t *testing.T) {
	cache := &fakeCache{}
	cache.fail.Store(true)
	cache.count.Store(1)

	var handled atomic.Int64
	var lastErr atomic.Value
	c := New(cache,
		WithPollInterval(time.Millisecond),
		WithTimeGap(5*time.Millisecond),
		WithErrorHandler(func(err error) {
			handled.Add(1)
			lastErr.Store(err)
		}),
		WithEnabled(true),
	)
	defer c.Stop()

	testutil.WaitFor(t, time.Second, func() bool { return handled.Load() >= 2 }, "repeated flush attempts")

	err, _ := lastErr.Load().(error)
	if !errors.Is(err, werrors.ErrFlush) {
		t.Errorf("expected ErrFlush, got %v", err)
	}
	if c.LastFlushTime().IsZero() {
		t.Error("failed flush must still record the flush time")
	}
	if c.Stats().Failures < 2 {
		t.Errorf("expected failures counted, got %d", c.Stats().Failures)
	}
}

func TestDisableStopsLoop(t *testing.T) {
	cache := &fakeCache{}
	c := New(cache, WithPollInterval(time.Hour), WithEnabled(true))

	// First iteration flushes eagerly, then the loop sleeps for an hour
	testutil.WaitFor(t, time.Second, func() bool { return cache.flushes.Load() == 1 }, "initial flush")

	if err := testutil.WithTimeout(time.Second, func() error {
		c.Stop()
		return nil
	}); err != nil {
		t.Fatalf("Stop did not interrupt the poll sleep: %v", err)
	}

	if c.State() != StateIdle {
		t.Errorf("expected idle after Stop, got %s", c.State())
	}

	// Re-enable starts a fresh loop
	cache.count.Store(DefaultSizeThreshold)
	c.SetEnabled(true)
	testutil.WaitFor(t, time.Second, func() bool { return cache.flushes.Load() == 2 }, "flush after re-enable")
	c.Stop()
}
