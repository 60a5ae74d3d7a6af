// Package batch coalesces deferred remote writes.
//
// A Buffer holds window.Statements produced by the router for finished
// pairs and hands them to an Executor in one call per flush. It is
// bounded: statements held for retry count against the capacity too. A
// producer that finds it full flushes inline and retries; if that flush
// fails the statement is refused with ErrFlush instead of being queued.
// Statements of a failed flush are kept and go first in the next one.
package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xtxerr/windowstate/internal/errors"
	"github.com/xtxerr/windowstate/internal/logging"
	"github.com/xtxerr/windowstate/internal/storage/backpressure"
	"github.com/xtxerr/windowstate/internal/storage/buffer"
	"github.com/xtxerr/windowstate/internal/storage/config"
	"github.com/xtxerr/windowstate/internal/storage/window"
)

var log = logging.Component("batch")

// Executor runs deferred statements, all or nothing.
type Executor interface {
	ExecBatch(ctx context.Context, stmts []window.Statement) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, stmts []window.Statement) error

// ExecBatch calls f.
func (f ExecutorFunc) ExecBatch(ctx context.Context, stmts []window.Statement) error {
	return f(ctx, stmts)
}

// Buffer is a bounded statement queue. It implements window.BatchBuffer,
// autoflush.MessageCache and autoflush.PressureReporter.
type Buffer struct {
	ring     *buffer.RingBuffer[window.Statement]
	exec     Executor
	bp       *backpressure.Controller
	capacity int64

	// pending counts admitted statements not yet executed: queued, in
	// flight or waiting for retry. It never exceeds capacity.
	pending atomic.Int64

	// flushMu serializes flushes. retry is only written under it.
	flushMu sync.Mutex
	retryMu sync.Mutex
	retry   []window.Statement

	closed atomic.Bool

	enqueued      atomic.Int64
	flushed       atomic.Int64
	batches       atomic.Int64
	failures      atomic.Int64
	inlineFlushes atomic.Int64
}

var _ window.BatchBuffer = (*Buffer)(nil)

// New creates a buffer holding up to capacity statements.
func New(capacity int, exec Executor, bp config.BackpressureConfig) *Buffer {
	ring := buffer.New[window.Statement](capacity)
	b := &Buffer{
		ring:     ring,
		exec:     exec,
		capacity: int64(ring.Cap()),
	}
	b.bp = backpressure.New(bp, b)
	b.bp.SetOnLevelChange(func(old, new backpressure.Level) {
		log.Info("batch backpressure level changed", "from", old.String(), "to", new.String(),
			"usage", b.UsageRatio())
	})
	return b
}

// Enqueue adds stmt. It assigns an ID when stmt has none. Under critical
// pressure the producer is delayed; in an emergency, or when the buffer is
// full, the producer flushes inline first.
func (b *Buffer) Enqueue(ctx context.Context, stmt window.Statement) error {
	if b.closed.Load() {
		return errors.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if stmt.ID == uuid.Nil {
		stmt.ID = uuid.New()
	}

	b.bp.Check()
	switch {
	case b.bp.ShouldFlushInline():
		if err := b.flushInline(ctx); err != nil {
			return err
		}
	case b.bp.ShouldThrottle():
		if err := wait(ctx, b.bp.ThrottleDelay()); err != nil {
			return err
		}
	}

	for !b.reserve() {
		if err := b.flushInline(ctx); err != nil {
			return err
		}
	}
	if !b.ring.Push(stmt) {
		b.pending.Add(-1)
		return errors.ErrBufferFull
	}
	b.enqueued.Add(1)
	return nil
}

func (b *Buffer) reserve() bool {
	for {
		n := b.pending.Load()
		if n >= b.capacity {
			return false
		}
		if b.pending.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (b *Buffer) flushInline(ctx context.Context) error {
	b.inlineFlushes.Add(1)
	b.bp.RecordInlineFlush()
	return b.Flush(ctx)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Count returns the statements not yet executed, including retries and
// a flush in progress.
func (b *Buffer) Count() int {
	return int(b.pending.Load())
}

// Cap returns the buffer capacity.
func (b *Buffer) Cap() int {
	return int(b.capacity)
}

// UsageRatio returns Count()/Cap(). It is the backpressure gauge.
func (b *Buffer) UsageRatio() float64 {
	return float64(b.pending.Load()) / float64(b.capacity)
}

// Flush executes every pending statement in one batch. On failure the
// statements stay pending and the error wraps ErrFlush.
func (b *Buffer) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.retryMu.Lock()
	stmts := b.retry
	b.retry = nil
	b.retryMu.Unlock()

	stmts = append(stmts, b.ring.Drain()...)
	if len(stmts) == 0 {
		return nil
	}

	batchID := uuid.NewString()
	blog := logging.WithContext(logging.ContextWithBatchID(ctx, batchID))

	start := time.Now()
	if err := b.exec.ExecBatch(ctx, stmts); err != nil {
		b.retryMu.Lock()
		b.retry = append(stmts, b.retry...)
		b.retryMu.Unlock()

		b.failures.Add(1)
		b.bp.Check()
		blog.Warn("batch flush failed", "statements", len(stmts), "error", err)
		return fmt.Errorf("%w: %d statements: %w", errors.ErrFlush, len(stmts), err)
	}

	b.pending.Add(-int64(len(stmts)))
	b.flushed.Add(int64(len(stmts)))
	b.batches.Add(1)
	b.bp.Check()

	blog.Debug("batch flushed", "statements", len(stmts), "duration", time.Since(start))
	return nil
}

// Close flushes what is pending and rejects further statements.
func (b *Buffer) Close(ctx context.Context) error {
	if b.closed.Swap(true) {
		return nil
	}
	return b.Flush(ctx)
}

// Stats reports buffer activity.
type Stats struct {
	Pending       int
	Queued        int
	Retrying      int
	Capacity      int
	Enqueued      int64
	Flushed       int64
	Batches       int64
	Failures      int64
	InlineFlushes int64
	Level         backpressure.Level
}

// Stats returns current counters.
func (b *Buffer) Stats() Stats {
	b.retryMu.Lock()
	retrying := len(b.retry)
	b.retryMu.Unlock()

	return Stats{
		Pending:       b.Count(),
		Queued:        b.ring.Len(),
		Retrying:      retrying,
		Capacity:      b.Cap(),
		Enqueued:      b.enqueued.Load(),
		Flushed:       b.flushed.Load(),
		Batches:       b.batches.Load(),
		Failures:      b.failures.Load(),
		InlineFlushes: b.inlineFlushes.Load(),
		Level:         b.bp.CurrentLevel(),
	}
}

// ShouldFlushEarly reports warning-level pressure or above, so the
// auto-flush loop drains before its size threshold or time gap.
func (b *Buffer) ShouldFlushEarly() bool {
	return b.bp.ShouldFlushEarly()
}

// Backpressure returns the buffer's controller.

// Backpressure returns the buffer's controller.
func (b *Buffer) Backpressure() *backpressure.Controller {
	return b.bp
}
