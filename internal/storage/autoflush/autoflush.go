// Package autoflush drains a bounded message cache in the background.
//
// A Controller polls its cache and flushes when the cache holds at least
// SizeThreshold messages or when TimeGap has passed since the last flush.
// Otherwise it sleeps one PollInterval and checks again.
//
// Thresholds and the last-flush time live in atomics. Setters may race
// with the loop; a change takes effect on the loop's next iteration and
// no ordering beyond that is promised.
package autoflush

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/windowstate/internal/errors"
	"github.com/xtxerr/windowstate/internal/logging"
)

var log = logging.Component("autoflush")

// Defaults match the engine's historical behavior.
const (
	DefaultSizeThreshold = 300
	DefaultTimeGap       = 1000 * time.Millisecond
	DefaultPollInterval  = 100 * time.Millisecond
)

// MessageCache is a buffer that can report its size and flush itself.
type MessageCache interface {
	Count() int
	Flush(ctx context.Context) error
}

// PressureReporter is implemented by caches that can ask for a flush before
// the size threshold or time gap is reached.
type PressureReporter interface {
	ShouldFlushEarly() bool
}

// State is the controller lifecycle state.
type State int

const (
	StateIdle State = iota
	StateRunning
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Controller runs the flush loop for one cache.
type Controller struct {
	cache   MessageCache
	clock   func() time.Time
	onError func(error)
	ctx     context.Context

	sizeThreshold atomic.Int64
	timeGap       atomic.Int64 // nanoseconds
	pollInterval  atomic.Int64 // nanoseconds
	lastFlush     atomic.Int64 // unix nanos, 0 = never
	enabled       atomic.Bool

	// mu guards loop start and exit only.
	mu      sync.Mutex
	running bool
	done    chan struct{}
	wake    chan struct{}

	flushes  atomic.Uint64
	failures atomic.Uint64
	skipped  atomic.Uint64
	early    atomic.Uint64
}

// Option configures a Controller.
type Option func(*Controller)

// WithSizeThreshold sets the message count that forces a flush.
func WithSizeThreshold(n int) Option {
	return func(c *Controller) { c.sizeThreshold.Store(int64(n)) }
}

// WithTimeGap sets the maximum time between flushes.
func WithTimeGap(d time.Duration) Option {
	return func(c *Controller) { c.timeGap.Store(int64(d)) }
}

// WithPollInterval sets the sleep between checks.
func WithPollInterval(d time.Duration) Option {
	return func(c *Controller) { c.pollInterval.Store(int64(d)) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.clock = now }
}

// WithErrorHandler receives every flush error, already wrapped with
// ErrFlush. It runs on the loop goroutine.
func WithErrorHandler(fn func(error)) Option {
	return func(c *Controller) { c.onError = fn }
}

// WithContext sets the context passed to Flush. It is not cancelled by
// SetEnabled(false) or Stop, so an in-flight flush always completes.
func WithContext(ctx context.Context) Option {
	return func(c *Controller) { c.ctx = ctx }
}

// WithEnabled starts the loop from New.
func WithEnabled(enabled bool) Option {
	return func(c *Controller) { c.enabled.Store(enabled) }
}

// New creates a controller bound to cache. The loop only starts once the
// controller is enabled.
func New(cache MessageCache, opts ...Option) *Controller {
	c := &Controller{
		cache: cache,
		clock: time.Now,
		ctx:   context.Background(),
		wake:  make(chan struct{}, 1),
	}
	c.sizeThreshold.Store(DefaultSizeThreshold)
	c.timeGap.Store(int64(DefaultTimeGap))
	c.pollInterval.Store(int64(DefaultPollInterval))

	for _, opt := range opts {
		opt(c)
	}

	if c.enabled.Load() {
		c.start()
	}
	return c
}

// SetEnabled moves the controller between Idle and Running. Disabling lets
// the current iteration finish; the loop exits before the next one.
func (c *Controller) SetEnabled(enabled bool) {
	c.enabled.Store(enabled)
	if enabled {
		c.start()
		return
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Enabled reports whether the loop is requested to run.
func (c *Controller) Enabled() bool {
	return c.enabled.Load()
}

// State returns Running while the loop goroutine is alive.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return StateRunning
	}
	return StateIdle
}

// Stop disables the controller and waits for the loop to exit.
func (c *Controller) Stop() {
	c.SetEnabled(false)

	c.mu.Lock()
	done := c.done
	running := c.running
	c.mu.Unlock()

	if running {
		<-done
	}
}

func (c *Controller) start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return
	}
	c.running = true
	c.done = make(chan struct{})
	go c.loop(c.done)

	log.Debug("auto-flush started",
		"size_threshold", c.sizeThreshold.Load(),
		"time_gap", time.Duration(c.timeGap.Load()))
}

func (c *Controller) loop(done chan struct{}) {
	for {
		if !c.enabled.Load() && c.exit(done) {
			return
		}
		c.runOnce()
	}
}

// exit marks the loop stopped unless the controller was re-enabled in the
// meantime.
func (c *Controller) exit(done chan struct{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.enabled.Load() {
		return false
	}
	c.running = false
	close(done)
	log.Debug("auto-flush stopped")
	return true
}

// runOnce performs one iteration: flush, or sleep one poll interval.
func (c *Controller) runOnce() {
	count := c.cache.Count()
	if !c.ShouldFlush(count, c.clock()) {
		if !c.pressured(count) {
			c.skipped.Add(1)
			c.sleep()
			return
		}
		c.early.Add(1)
	}

	err := c.cache.Flush(c.ctx)
	c.lastFlush.Store(c.clock().UnixNano())
	c.flushes.Add(1)

	if err != nil {
		c.failures.Add(1)
		if !errors.Is(err, errors.ErrFlush) {
			err = fmt.Errorf("%w: %w", errors.ErrFlush, err)
		}
		log.Error("auto flush failed", "error", err)
		if c.onError != nil {
			c.onError(err)
		}
	}
}

func (c *Controller) pressured(count int) bool {
	if count == 0 {
		return false
	}
	p, ok := c.cache.(PressureReporter)
	return ok && p.ShouldFlushEarly()
}

func (c *Controller) sleep() {
	t := time.NewTimer(time.Duration(c.pollInterval.Load()))
	defer t.Stop()

	select {
	case <-t.C:
	case <-c.wake:
	}
}

// ShouldFlush reports whether a cache holding count messages is flushed at
// now. It waits only while the count is below the threshold, a previous
// flush is recorded, and less than TimeGap has passed since it.
func (c *Controller) ShouldFlush(count int, now time.Time) bool {
	if int64(count) >= c.sizeThreshold.Load() {
		return true
	}
	last := c.lastFlush.Load()
	if last == 0 {
		return true
	}
	return now.Sub(time.Unix(0, last)) >= time.Duration(c.timeGap.Load())
}

// SetSizeThreshold changes the count threshold.
func (c *Controller) SetSizeThreshold(n int) { c.sizeThreshold.Store(int64(n)) }

// SizeThreshold returns the count threshold.
func (c *Controller) SizeThreshold() int { return int(c.sizeThreshold.Load()) }

// SetTimeGap changes the time threshold.
func (c *Controller) SetTimeGap(d time.Duration) { c.timeGap.Store(int64(d)) }

// TimeGap returns the time threshold.
func (c *Controller) TimeGap() time.Duration { return time.Duration(c.timeGap.Load()) }

// SetLastFlushTime overrides the recorded last flush. The zero time clears
// it, which makes the next iteration flush.
func (c *Controller) SetLastFlushTime(t time.Time) {
	if t.IsZero() {
		c.lastFlush.Store(0)
		return
	}
	c.lastFlush.Store(t.UnixNano())
}

// LastFlushTime returns the last recorded flush, or the zero time.
func (c *Controller) LastFlushTime() time.Time {
	last := c.lastFlush.Load()
	if last == 0 {
		return time.Time{}
	}
	return time.Unix(0, last)
}

// Stats reports loop activity.
type Stats struct {
	State     State
	Flushes   uint64
	Failures  uint64
	Skipped   uint64
	Early     uint64
	LastFlush time.Time
}

// Stats returns loop counters.
func (c *Controller) Stats() Stats {
	return Stats{
		State:     c.State(),
		Flushes:   c.flushes.Load(),
		Failures:  c.failures.Load(),
		Skipped:   c.skipped.Load(),
		Early:     c.early.Load(),
		LastFlush: c.LastFlushTime(),
	}
}
