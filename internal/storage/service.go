package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/windowstate/internal/errors"
	"github.com/xtxerr/windowstate/internal/logging"
	"github.com/xtxerr/windowstate/internal/storage/autoflush"
	"github.com/xtxerr/windowstate/internal/storage/backpressure"
	"github.com/xtxerr/windowstate/internal/storage/batch"
	"github.com/xtxerr/windowstate/internal/storage/config"
	"github.com/xtxerr/windowstate/internal/storage/latency"
	"github.com/xtxerr/windowstate/internal/storage/local"
	"github.com/xtxerr/windowstate/internal/storage/remote"
	"github.com/xtxerr/windowstate/internal/storage/window"
	"github.com/xtxerr/windowstate/internal/storage/workerpool"
)

var log = logging.Component("storage")

// Service is the main storage service that orchestrates all components.
type Service[T any] struct {
	config *config.Config

	// Components
	pool    *workerpool.Pool
	local   *local.Store[T]
	remote  *remote.Store[T] // nil in local-only mode
	batch   *batch.Buffer    // nil in local-only mode
	flusher *autoflush.Controller
	latency *latency.Tracker // nil when disabled
	router  *window.Storage[T]

	// State
	running  atomic.Bool
	stopping sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	// Statistics
	startTime      time.Time
	checkpoints    atomic.Int64
	lastCheckpoint atomic.Int64 // unix millis
	flushErrors    atomic.Int64
}

// New builds every component from cfg. A nil cfg means DefaultConfig. A
// nil oracle reports every pair as not finished.
func New[T any](cfg *config.Config, oracle window.Oracle) (*Service[T], error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	s := &Service[T]{config: cfg}

	loc, err := local.Open[T](local.OptionsFromConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}
	s.local = loc

	// A typed nil must not reach the router as a non-nil interface.
	var rem window.RemoteStore[T]
	if !cfg.Window.LocalOnly {
		r, err := remote.Open[T](context.Background(), remote.OptionsFromConfig(cfg))
		if err != nil {
			loc.Close()
			return nil, fmt.Errorf("open remote store: %w", err)
		}
		s.remote = r
		rem = r

		s.batch = batch.New(cfg.Batch.Capacity, r, cfg.Backpressure)
	}

	s.pool = workerpool.New(cfg.Window.Workers, cfg.Window.QueueSize)

	opts := []window.Option{
		window.WithLocalOnly(cfg.Window.LocalOnly),
		window.WithPool(s.pool),
		window.WithJoiner(loc.Joiner()),
	}
	if cfg.Latency.Enabled {
		s.latency = latency.NewTracker(cfg.Latency.Accuracy)
		opts = append(opts, window.WithLatency(s.latency))
	}

	router, err := window.New[T](loc, rem, oracle, opts...)
	if err != nil {
		s.closeStores()
		s.pool.Close()
		return nil, fmt.Errorf("create router: %w", err)
	}
	s.router = router

	if s.batch != nil {
		s.flusher = autoflush.New(s.batch,
			autoflush.WithSizeThreshold(cfg.AutoFlush.Size),
			autoflush.WithTimeGap(cfg.AutoFlush.TimeGap),
			autoflush.WithPollInterval(cfg.AutoFlush.PollInterval),
			autoflush.WithErrorHandler(s.onFlushError),
		)
	}

	return s, nil
}

// Start starts the background workers.
func (s *Service[T]) Start() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("start: %w", errors.ErrRunning)
	}

	s.startTime = time.Now()
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if s.flusher != nil && s.config.AutoFlush.Enabled {
		s.flusher.SetEnabled(true)
	}

	if s.batch != nil && s.config.Backpressure.Enabled {
		s.wg.Add(1)
		go s.backpressureWorker()
	}

	if s.config.Local.Checkpoint.Enabled && s.config.Local.Checkpoint.Interval > 0 {
		s.wg.Add(1)
		go s.checkpointWorker(s.config.Local.Checkpoint.Interval)
	}

	if s.latency != nil {
		s.wg.Add(1)
		go s.latencyWorker()
	}

	log.Info("storage service started",
		"local_only", s.config.Window.LocalOnly,
		"workers", s.config.Window.Workers,
		"auto_flush", s.flusher != nil && s.config.AutoFlush.Enabled,
		"checkpoint_interval", s.config.Local.Checkpoint.Interval)
	return nil
}

// Stop shuts the service down: auto-flush first, then a final batch flush,
// a local checkpoint, the worker pool, the open latency buckets and finally
// the stores. Calling Stop
// on a service that was never started only releases resources.
func (s *Service[T]) Stop() error {
	s.stopping.Lock()
	defer s.stopping.Unlock()

	if s.router == nil {
		return nil
	}

	wasRunning := s.running.Swap(false)
	if wasRunning {
		s.cancel()
		s.wg.Wait()
	}

	var errs []error
	ctx := context.Background()

	if s.flusher != nil {
		s.flusher.Stop()
	}

	if s.batch != nil {
		if err := s.batch.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final batch flush: %w", err))
		}
	}

	if s.config.Local.Checkpoint.Enabled {
		if _, err := s.Checkpoint(ctx); err != nil {
			errs = append(errs, fmt.Errorf("final checkpoint: %w", err))
		}
	}

	s.router.Close()
	s.pool.Close()

	if s.latency != nil {
		logLatency(s.latency.FlushAll())
	}

	errs = append(errs, s.closeStores()...)
	s.router = nil

	if len(errs) > 0 {
		return fmt.Errorf("stop: %w", errors.Join(errs...))
	}

	log.Info("storage service stopped", "checkpoints", s.checkpoints.Load())
	return nil
}

func (s *Service[T]) closeStores() []error {
	var errs []error
	if err := s.local.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close local store: %w", err))
	}
	if s.remote != nil {
		if err := s.remote.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close remote store: %w", err))
		}
	}
	return errs
}

// Checkpoint writes a local checkpoint now.
func (s *Service[T]) Checkpoint(ctx context.Context) (*local.CheckpointResult, error) {
	res, err := s.local.Checkpoint(ctx)
	if err != nil {
		return nil, err
	}
	s.checkpoints.Add(1)
	s.lastCheckpoint.Store(time.Now().UnixMilli())
	return res, nil
}

// Flush drains the batch buffer into the remote store.
func (s *Service[T]) Flush(ctx context.Context) error {
	if s.batch == nil {
		return nil
	}
	return s.batch.Flush(ctx)
}

// checkpointWorker periodically checkpoints the local store.
func (s *Service[T]) checkpointWorker(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Checkpoint(s.ctx); err != nil && s.ctx.Err() == nil {
				log.Error("periodic checkpoint failed", "error", err)
			}
		}
	}
}

// backpressureWorker re-evaluates the batch level so an idle buffer can
// recover.
func (s *Service[T]) backpressureWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.batch.Backpressure().Check()
		}
	}
}

// latencyWorker logs latency buckets as they complete.
func (s *Service[T]) latencyWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.latency.BucketSize())
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			logLatency(s.latency.DrainCompleted())
		}
	}
}

func logLatency(sums []latency.Summary) {
	for _, sum := range sums {
		attrs := []any{"tier", sum.Tier, "op", sum.Op, "count", sum.Count, "avg_ms", sum.AvgMs}
		if sum.HasQuantiles() {
			attrs = append(attrs, "p50_ms", *sum.P50Ms, "p99_ms", *sum.P99Ms)
		}
		log.Debug("store latency", attrs...)
	}
}

func (s *Service[T]) onFlushError(err error) {
	s.flushErrors.Add(1)
	log.Warn("auto-flush failed", "pending", s.batch.Count(), "error", err)
}

// Storage returns the router.
func (s *Service[T]) Storage() *window.Storage[T] {
	return s.router
}

// Batch returns the batch buffer, or nil in local-only mode.
func (s *Service[T]) Batch() *batch.Buffer {
	return s.batch
}

// BatchBuffer returns the batch buffer as a window.BatchBuffer. It is a
// nil interface in local-only mode.
func (s *Service[T]) BatchBuffer() window.BatchBuffer {
	if s.batch == nil {
		return nil
	}
	return s.batch
}

// Local returns the local store.
func (s *Service[T]) Local() *local.Store[T] {
	return s.local
}

// Remote returns the remote store, or nil in local-only mode.
func (s *Service[T]) Remote() *remote.Store[T] {
	return s.remote
}

// Config returns the current configuration.
func (s *Service[T]) Config() *config.Config {
	return s.config
}

// IsRunning returns whether the service is running.
func (s *Service[T]) IsRunning() bool {
	return s.running.Load()
}

// BackpressureLevel returns the batch buffer level, or LevelNormal in
// local-only mode.
func (s *Service[T]) BackpressureLevel() backpressure.Level {
	if s.batch == nil {
		return backpressure.LevelNormal
	}
	return s.batch.Backpressure().CurrentLevel()
}

// Stats returns combined statistics.
func (s *Service[T]) Stats() ServiceStats {
	var uptime time.Duration
	if s.running.Load() && !s.startTime.IsZero() {
		uptime = time.Since(s.startTime)
	}

	st := ServiceStats{
		Running:     s.running.Load(),
		Uptime:      uptime,
		Pool:        s.pool.Stats(),
		Local:       s.local.Stats(),
		Checkpoints: s.checkpoints.Load(),
		FlushErrors: s.flushErrors.Load(),
	}
	if ms := s.lastCheckpoint.Load(); ms > 0 {
		st.LastCheckpoint = time.UnixMilli(ms)
	}
	if s.router != nil {
		st.Operations = s.router.Stats()
	}
	if s.remote != nil {
		rs := s.remote.Stats()
		st.Remote = &rs
	}
	if s.batch != nil {
		bs := s.batch.Stats()
		st.Batch = &bs
	}
	if s.flusher != nil {
		fs := s.flusher.Stats()
		st.AutoFlush = &fs
	}
	if s.latency != nil {
		st.Latency = s.latency.Snapshot()
	}
	return st
}

// ServiceStats holds combined statistics.
type ServiceStats struct {
	Running        bool
	Uptime         time.Duration
	Pool           workerpool.Stats
	Operations     []window.OpStats
	Local          local.Stats
	Remote         *remote.StatsSnapshot
	Batch          *batch.Stats
	AutoFlush      *autoflush.Stats
	Latency        []latency.Summary
	Checkpoints    int64
	LastCheckpoint time.Time
	FlushErrors    int64
}
