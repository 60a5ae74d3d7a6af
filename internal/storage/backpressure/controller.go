package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/windowstate/internal/storage/config"
)

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - system operating normally.
	LevelNormal Level = iota

	// LevelWarning - elevated load, ask the flusher to drain early.
	LevelWarning

	// LevelCritical - high load, throttle producers.
	LevelCritical

	// LevelEmergency - overload, producers flush inline before enqueueing.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Gauge reports how full a bounded buffer is.
type Gauge interface {
	UsageRatio() float64
}

// Controller manages backpressure based on buffer utilization.
type Controller struct {
	mu sync.RWMutex

	config config.BackpressureConfig
	gauge  Gauge
	now    func() time.Time

	// Current state
	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level

	// Statistics
	stats Stats

	// Level change callback
	onLevelChange func(old, new Level)
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges    int64
	WarningCount    int64
	CriticalCount   int64
	EmergencyCount  int64
	InlineFlushes   int64
	ThrottleSeconds float64
}

// New creates a new backpressure controller watching gauge.
func New(cfg config.BackpressureConfig, gauge Gauge) *Controller {
	return &Controller{
		config: cfg,
		gauge:  gauge,
		now:    time.Now,
	}
}

// SetClock replaces time.Now for cooldown checks.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// SetOnLevelChange sets the callback for level changes.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check evaluates current conditions and updates the level. Rising
// pressure is applied at once; a falling level waits out the cooldown.
func (c *Controller) Check() Level {
	if !c.config.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	usage := c.gauge.UsageRatio()
	newLevel := c.determineLevel(usage)

	if newLevel == c.lastLevel {
		return newLevel
	}

	// Respect cooldown when relaxing
	if newLevel < c.lastLevel && now.Sub(c.lastCheck) < c.config.Recovery.Cooldown {
		return c.lastLevel
	}

	c.lastCheck = now
	c.setLevel(newLevel)
	return newLevel
}

// determineLevel determines the backpressure level based on usage.
func (c *Controller) determineLevel(usage float64) Level {
	thresholds := c.config.Thresholds
	hysteresis := c.config.Recovery.Hysteresis
	currentLevel := c.lastLevel

	// Going up (increasing pressure)
	if usage >= thresholds.Emergency {
		return LevelEmergency
	}
	if usage >= thresholds.Critical && currentLevel <= LevelCritical {
		return LevelCritical
	}
	if usage >= thresholds.Warning && currentLevel <= LevelWarning {
		return LevelWarning
	}

	// Going down (decreasing pressure) - apply hysteresis
	switch currentLevel {
	case LevelEmergency:
		if usage < thresholds.Emergency-hysteresis {
			return LevelCritical
		}
		return LevelEmergency
	case LevelCritical:
		if usage < thresholds.Critical-hysteresis {
			return LevelWarning
		}
		return LevelCritical
	case LevelWarning:
		if usage < thresholds.Warning-hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

// setLevel updates the current level and fires callback.
func (c *Controller) setLevel(newLevel Level) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the current backpressure level.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldFlushInline returns true if producers should drain the buffer
// themselves before adding to it.
func (c *Controller) ShouldFlushInline() bool {
	return c.CurrentLevel() == LevelEmergency
}

// ShouldThrottle returns true if producers should be slowed down.
func (c *Controller) ShouldThrottle() bool {
	return c.CurrentLevel() >= LevelCritical
}

// ShouldFlushEarly returns true if the background flusher should not wait
// for its time gap.
func (c *Controller) ShouldFlushEarly() bool {
	return c.CurrentLevel() >= LevelWarning
}

// ThrottleFactor returns the throttle factor (0.0 to 1.0).
// 1.0 = no throttling, 0.0 = full throttle.
func (c *Controller) ThrottleFactor() float64 {
	switch c.CurrentLevel() {
	case LevelNormal:
		return 1.0
	case LevelWarning:
		return 0.9
	case LevelCritical:
		return 0.5
	case LevelEmergency:
		return 0.1
	default:
		return 1.0
	}
}

// ThrottleDelay returns the recommended delay before the next enqueue.
func (c *Controller) ThrottleDelay() time.Duration {
	factor := c.ThrottleFactor()
	if factor >= 1.0 {
		return 0
	}

	// Max delay of 100ms at emergency level
	maxDelay := 100 * time.Millisecond
	delay := time.Duration(float64(maxDelay) * (1.0 - factor))

	c.mu.Lock()
	c.stats.ThrottleSeconds += delay.Seconds()
	c.mu.Unlock()

	return delay
}

// RecordInlineFlush records that a producer flushed the buffer itself.
func (c *Controller) RecordInlineFlush() {
	c.mu.Lock()
	c.stats.InlineFlushes++
	c.mu.Unlock()
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ControllerStats{
		CurrentLevel:    c.CurrentLevel(),
		LevelChanges:    c.stats.LevelChanges,
		WarningCount:    c.stats.WarningCount,
		CriticalCount:   c.stats.CriticalCount,
		EmergencyCount:  c.stats.EmergencyCount,
		InlineFlushes:   c.stats.InlineFlushes,
		ThrottleSeconds: c.stats.ThrottleSeconds,
		BufferUsage:     c.gauge.UsageRatio(),
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel    Level
	LevelChanges    int64
	WarningCount    int64
	CriticalCount   int64
	EmergencyCount  int64
	InlineFlushes   int64
	ThrottleSeconds float64
	BufferUsage     float64
}

// IsEnabled returns whether backpressure is enabled.
func (c *Controller) IsEnabled() bool {
	return c.config.Enabled
}
