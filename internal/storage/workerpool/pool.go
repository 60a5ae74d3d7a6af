// Package workerpool runs store I/O on a fixed set of goroutines fed by a
// bounded queue.
//
// Submit blocks while the queue is full, so a burst of producers is
// throttled instead of dropped. There is no per-task timeout; a task that
// hangs holds its worker until it returns.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/windowstate/internal/errors"
	"github.com/xtxerr/windowstate/internal/logging"
)

var log = logging.Component("workerpool")

// Defaults sized for window state I/O.
const (
	DefaultWorkers   = 10
	DefaultQueueSize = 100
)

// Task is a unit of work.
type Task func(ctx context.Context) error

type job struct {
	ctx  context.Context
	fn   Task
	done chan error // nil for fire-and-forget
}

// Pool is a fixed-size worker pool.
type Pool struct {
	jobs    chan job
	wg      sync.WaitGroup
	workers int

	// mu orders Submit against Close so no send hits a closed channel.
	mu     sync.RWMutex
	closed bool

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	active    atomic.Int64
}

// New starts a pool. Non-positive arguments fall back to the defaults.
func New(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	p := &Pool{
		jobs:    make(chan job, queueSize),
		workers: workers,
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for j := range p.jobs {
		p.active.Add(1)
		err := p.run(j)
		p.active.Add(-1)

		if err != nil {
			p.failed.Add(1)
			if j.done == nil {
				log.Warn("task failed", "worker", id, "error", err)
			}
		}
		p.completed.Add(1)

		if j.done != nil {
			j.done <- err
		}
	}
}

func (p *Pool) run(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return j.fn(j.ctx)
}

// Submit queues fn. It blocks while the queue is full and returns ctx.Err()
// if ctx ends first, or ErrPoolClosed once the pool is closed.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	return p.enqueue(ctx, job{ctx: ctx, fn: fn})
}

// Do runs fn on the pool and waits for its result.
func (p *Pool) Do(ctx context.Context, fn Task) error {
	done := make(chan error, 1)
	if err := p.enqueue(ctx, job{ctx: ctx, fn: fn, done: done}); err != nil {
		return err
	}
	// The task owns ctx from here; a started task is never abandoned.
	return <-done
}

func (p *Pool) enqueue(ctx context.Context, j job) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return errors.ErrPoolClosed
	}

	select {
	case p.jobs <- j:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting work, runs every queued task and waits for the
// workers to exit. Submitters blocked on a full queue keep Close waiting
// until they get a slot or their context ends.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
}

// Stats reports pool counters.
type Stats struct {
	Workers    int
	QueueSize  int
	QueueDepth int
	Active     int64
	Submitted  uint64
	Completed  uint64
	Failed     uint64
}

// Stats returns pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  cap(p.jobs),
		QueueDepth: len(p.jobs),
		Active:     p.active.Load(),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
	}
}
