package window

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/windowstate/internal/errors"
	"github.com/xtxerr/windowstate/internal/keys"
	"github.com/xtxerr/windowstate/internal/logging"
	"github.com/xtxerr/windowstate/internal/storage/workerpool"
)

var log = logging.Component("router")

// LatencyRecorder receives the duration of every store call.
type LatencyRecorder interface {
	Observe(tier, op string, d time.Duration)
}

// Storage composes a local and a remote store.
//
// All store I/O runs on a bounded worker pool. Within one MultiPut or
// Delete the local write completes before the remote write starts; there
// is no ordering across calls.
type Storage[T any] struct {
	local     Store[T]
	remote    RemoteStore[T]
	oracle    Oracle
	localOnly bool

	pool     *workerpool.Pool
	ownsPool bool
	joiner   keys.Joiner
	latency  LatencyRecorder

	splits singleflight.Group

	mu    sync.Mutex
	stats map[opKey]*OpStats
}

type opKey struct {
	tier string
	op   string
}

// OpStats counts calls of one operation against one tier.
type OpStats struct {
	Tier     string
	Op       string
	Calls    uint64
	Failures uint64
}

// Option configures a Storage.
type Option func(*options)

type options struct {
	localOnly bool
	pool      *workerpool.Pool
	joiner    keys.Joiner
	latency   LatencyRecorder
}

// WithLocalOnly serves everything from the local store. The remote store
// may be nil.
func WithLocalOnly(localOnly bool) Option {
	return func(o *options) { o.localOnly = localOnly }
}

// WithPool runs store I/O on pool. The caller keeps ownership. Without it
// the router starts a default pool and closes it in Close.
func WithPool(pool *workerpool.Pool) Option {
	return func(o *options) { o.pool = pool }
}

// WithJoiner sets the composite key convention used by MultiGetSplit.
func WithJoiner(j keys.Joiner) Option {
	return func(o *options) { o.joiner = j }
}

// WithLatency records the duration of every store call.
func WithLatency(r LatencyRecorder) Option {
	return func(o *options) { o.latency = r }
}

// New creates a router. A nil oracle reports every pair as not finished.
func New[T any](local Store[T], remote RemoteStore[T], oracle Oracle, opts ...Option) (*Storage[T], error) {
	o := options{joiner: keys.Default}
	for _, opt := range opts {
		opt(&o)
	}

	if local == nil {
		return nil, errors.NewMissingField("local store")
	}
	if remote == nil && !o.localOnly {
		return nil, errors.NewMissingField("remote store")
	}

	s := &Storage[T]{
		local:     local,
		remote:    remote,
		oracle:    oracle,
		localOnly: o.localOnly,
		pool:      o.pool,
		joiner:    o.joiner,
		latency:   o.latency,
		stats:     make(map[opKey]*OpStats),
	}

	if s.pool == nil {
		s.pool = workerpool.New(workerpool.DefaultWorkers, workerpool.DefaultQueueSize)
		s.ownsPool = true
	}

	return s, nil
}

// Close stops the router's own pool, if it started one.
func (s *Storage[T]) Close() {
	if s.ownsPool {
		s.pool.Close()
	}
}

// Local returns the local store.
func (s *Storage[T]) Local() Store[T] { return s.local }

// Remote returns the remote store. It is nil for a local-only router built
// without one.
func (s *Storage[T]) Remote() RemoteStore[T] { return s.remote }

// LocalOnly reports whether the remote tier is bypassed.
func (s *Storage[T]) LocalOnly() bool { return s.localOnly }

// finished asks the oracle on every call.
func (s *Storage[T]) finished(partition, windowInstanceID string) bool {
	return s.oracle != nil && s.oracle.IsFinished(partition, windowInstanceID)
}

// readsLocal reports whether reads for the pair are served locally.
func (s *Storage[T]) readsLocal(partition, windowInstanceID string) bool {
	return s.localOnly || s.finished(partition, windowInstanceID)
}

// do runs fn on the pool. Errors returned by fn are store I/O failures of
// tier; pool and context errors pass through unwrapped.
func (s *Storage[T]) do(ctx context.Context, tier, op string, fn func(ctx context.Context) error) error {
	err := s.pool.Do(ctx, func(ctx context.Context) error {
		start := time.Now()
		err := fn(ctx)
		if s.latency != nil {
			s.latency.Observe(tier, op, time.Since(start))
		}
		s.count(tier, op, err)
		if err != nil {
			return errors.NewStoreIO(tier, op, err)
		}
		return nil
	})
	if err != nil && errors.IsStoreIO(err) {
		log.Warn("store call failed", "tier", tier, "op", op, "error", err)
	}
	return err
}

func (s *Storage[T]) count(tier, op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := opKey{tier, op}
	st, ok := s.stats[k]
	if !ok {
		st = &OpStats{Tier: tier, Op: op}
		s.stats[k] = st
	}
	st.Calls++
	if err != nil {
		st.Failures++
	}
}

// LoadSplitData returns the entries of one window instance split, read
// from the tier that currently owns the pair.
func (s *Storage[T]) LoadSplitData(ctx context.Context, storePrefix, partition, windowInstanceID, keyPrefix string) (Iterator[T], error) {
	q := SplitQuery{
		StorePrefix:      storePrefix,
		Partition:        partition,
		WindowInstanceID: windowInstanceID,
		KeyPrefix:        keyPrefix,
	}

	var it Iterator[T]
	if s.readsLocal(partition, windowInstanceID) {
		err := s.do(ctx, TierLocal, "load_split_data", func(ctx context.Context) (err error) {
			it, err = s.local.LoadSplitData(ctx, q)
			return err
		})
		return it, err
	}

	err := s.do(ctx, TierRemote, "load_split_data", func(ctx context.Context) (err error) {
		it, err = s.remote.LoadSplitData(ctx, q)
		return err
	})
	return it, err
}

// MultiPut writes values for one pair. The local write always happens
// first. A finished pair with a batch buffer has its remote write deferred
// as a Statement; every other case writes remote immediately. The batch
// buffer is never used for pairs that are not finished.
func (s *Storage[T]) MultiPut(ctx context.Context, values map[string]T, windowInstanceID, partition string, batch BatchBuffer) error {
	if len(values) == 0 {
		return nil
	}

	if err := s.do(ctx, TierLocal, "multi_put", func(ctx context.Context) error {
		return s.local.MultiPut(ctx, values)
	}); err != nil {
		return err
	}

	if s.localOnly {
		return nil
	}

	if batch != nil && s.finished(partition, windowInstanceID) {
		var stmt Statement
		if err := s.do(ctx, TierRemote, "multi_put_statement", func(ctx context.Context) (err error) {
			stmt, err = s.remote.MultiPutStatement(ctx, values)
			return err
		}); err != nil {
			return err
		}
		return s.enqueue(ctx, batch, stmt, partition, windowInstanceID)
	}

	return s.do(ctx, TierRemote, "multi_put", func(ctx context.Context) error {
		return s.remote.MultiPut(ctx, values)
	})
}

// MultiPutAll writes values to the local store and then, unless local-only,
// to the remote store. It does not consult the oracle.
func (s *Storage[T]) MultiPutAll(ctx context.Context, values map[string]T) error {
	if len(values) == 0 {
		return nil
	}

	if err := s.do(ctx, TierLocal, "multi_put", func(ctx context.Context) error {
		return s.local.MultiPut(ctx, values)
	}); err != nil {
		return err
	}

	if s.localOnly {
		return nil
	}

	return s.do(ctx, TierRemote, "multi_put", func(ctx context.Context) error {
		return s.remote.MultiPut(ctx, values)
	})
}

// MultiGet reads keys of one pair from the tier that owns it.
func (s *Storage[T]) MultiGet(ctx context.Context, keys []string, windowInstanceID, partition string) (map[string]T, error) {
	var out map[string]T

	if s.readsLocal(partition, windowInstanceID) {
		err := s.do(ctx, TierLocal, "multi_get", func(ctx context.Context) (err error) {
			out, err = s.local.MultiGet(ctx, keys)
			return err
		})
		return out, err
	}

	err := s.do(ctx, TierRemote, "multi_get", func(ctx context.Context) (err error) {
		out, err = s.remote.MultiGet(ctx, keys)
		return err
	})
	return out, err
}

// MultiGetSplit reads keys spanning many pairs. Each key is routed by the
// pair derived from it, both tiers are read concurrently and the results
// are merged. Any failure fails the whole call. A local-only router reads
// every key locally without parsing it.
func (s *Storage[T]) MultiGetSplit(ctx context.Context, keys []string) (map[string]T, error) {
	if s.localOnly {
		var out map[string]T
		err := s.do(ctx, TierLocal, "multi_get", func(ctx context.Context) (err error) {
			out, err = s.local.MultiGet(ctx, keys)
			return err
		})
		return out, err
	}

	var localKeys, remoteKeys []string
	for _, key := range keys {
		partition, wid, err := s.joiner.Route(key)
		if err != nil {
			return nil, err
		}
		if s.readsLocal(partition, wid) {
			localKeys = append(localKeys, key)
		} else {
			remoteKeys = append(remoteKeys, key)
		}
	}

	var localOut, remoteOut map[string]T
	g, gctx := errgroup.WithContext(ctx)

	if len(localKeys) > 0 {
		g.Go(func() error {
			return s.do(gctx, TierLocal, "multi_get", func(ctx context.Context) (err error) {
				localOut, err = s.local.MultiGet(ctx, localKeys)
				return err
			})
		})
	}

	if len(remoteKeys) > 0 {
		g.Go(func() error {
			return s.do(gctx, TierRemote, "multi_get", func(ctx context.Context) (err error) {
				remoteOut, err = s.remote.MultiGet(ctx, remoteKeys)
				return err
			})
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]T, len(localOut)+len(remoteOut))
	for k, v := range localOut {
		out[k] = v
	}
	for k, v := range remoteOut {
		out[k] = v
	}
	return out, nil
}

// Delete removes a window instance from both tiers. The remote delete is
// deferred only for a finished pair with a batch buffer.
func (s *Storage[T]) Delete(ctx context.Context, windowInstanceID, partition string, batch BatchBuffer) error {
	if err := s.do(ctx, TierLocal, "delete", func(ctx context.Context) error {
		return s.local.Delete(ctx, windowInstanceID, partition)
	}); err != nil {
		return err
	}

	if s.localOnly {
		return nil
	}

	if batch != nil && s.finished(partition, windowInstanceID) {
		var stmt Statement
		if err := s.do(ctx, TierRemote, "delete_statement", func(ctx context.Context) (err error) {
			stmt, err = s.remote.DeleteStatement(ctx, windowInstanceID, partition)
			return err
		}); err != nil {
			return err
		}
		return s.enqueue(ctx, batch, stmt, partition, windowInstanceID)
	}

	return s.do(ctx, TierRemote, "delete", func(ctx context.Context) error {
		return s.remote.Delete(ctx, windowInstanceID, partition)
	})
}

func (s *Storage[T]) enqueue(ctx context.Context, batch BatchBuffer, stmt Statement, partition, windowInstanceID string) error {
	if stmt.Partition == "" {
		stmt.Partition = partition
	}
	if stmt.WindowInstanceID == "" {
		stmt.WindowInstanceID = windowInstanceID
	}

	if err := batch.Enqueue(ctx, stmt); err != nil {
		return fmt.Errorf("defer remote write: %w", err)
	}

	logging.WithContext(logging.ContextWithWindowInstance(logging.ContextWithPartition(ctx, partition), windowInstanceID)).
		Debug("remote write deferred", "statement", stmt.ID)
	return nil
}

// RemoveKeys deletes individual keys from the local store only. The remote
// copies are left in place.
func (s *Storage[T]) RemoveKeys(ctx context.Context, keys []string) error {
	return s.do(ctx, TierLocal, "remove_keys", func(ctx context.Context) error {
		return s.local.RemoveKeys(ctx, keys)
	})
}

type splitResult struct {
	n  int64
	ok bool
}

// MaxSplitNum asks the remote store for the highest split number of wi.
// Local-only routers have no answer and return (0, false, nil). Concurrent
// lookups for the same window instance share one remote call. The shared
// call ignores the cancellation of whichever caller started it; each caller
// stops waiting when its own ctx is done.
func (s *Storage[T]) MaxSplitNum(ctx context.Context, wi WindowInstance) (int64, bool, error) {
	if s.localOnly {
		return 0, false, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}

	shared := context.WithoutCancel(ctx)
	ch := s.splits.DoChan(wi.Partition+"\x00"+wi.ID, func() (any, error) {
		var r splitResult
		err := s.do(shared, TierRemote, "max_split_num", func(ctx context.Context) (err error) {
			r.n, r.ok, err = s.remote.MaxSplitNum(ctx, wi)
			return err
		})
		return r, err
	})

	select {
	case <-ctx.Done():
		return 0, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return 0, false, res.Err
		}
		r := res.Val.(splitResult)
		return r.n, r.ok, nil
	}
}

// ClearCache drops local state for a partition.
func (s *Storage[T]) ClearCache(ctx context.Context, partition string) error {
	return s.do(ctx, TierLocal, "clear_cache", func(ctx context.Context) error {
		return s.local.ClearCache(ctx, partition)
	})
}

// Stats returns per-tier operation counters sorted by tier and operation.
func (s *Storage[T]) Stats() []OpStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]OpStats, 0, len(s.stats))
	for _, st := range s.stats {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tier != out[j].Tier {
			return out[i].Tier < out[j].Tier
		}
		return out[i].Op < out[j].Op
	})
	return out
}
