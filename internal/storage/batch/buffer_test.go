package batch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtxerr/windowstate/internal/errors"
	"github.com/xtxerr/windowstate/internal/storage/autoflush"
	"github.com/xtxerr/windowstate/internal/storage/backpressure"
	"github.com/xtxerr/windowstate/internal/storage/config"
	"github.com/xtxerr/windowstate/internal/storage/window"
	"github.com/xtxerr/windowstate/internal/testutil"
)

type recorder struct {
	mu      sync.Mutex
	batches [][]window.Statement
	err     error
}

func (r *recorder) ExecBatch(ctx context.Context, stmts []window.Statement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.batches = append(r.batches, append([]window.Statement(nil), stmts...))
	return nil
}

func (r *recorder) setErr(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()
}

func (r *recorder) sqls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, b := range r.batches {
		for _, s := range b {
			out = append(out, s.SQL)
		}
	}
	return out
}

func (r *recorder) batchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func noBackpressure() config.BackpressureConfig {
	cfg := config.DefaultConfig().Backpressure
	cfg.Enabled = false
	return cfg
}

func stmt(sql string) window.Statement {
	return window.Statement{Partition: "p1", WindowInstanceID: "w1", SQL: sql}
}

func TestEnqueueAndFlush(t *testing.T) {
	rec := &recorder{}
	b := New(10, rec, noBackpressure())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, stmt("a")))
	require.NoError(t, b.Enqueue(ctx, stmt("b")))
	assert.Equal(t, 2, b.Count())

	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 0, b.Count())
	assert.Equal(t, []string{"a", "b"}, rec.sqls())
	assert.Equal(t, 1, rec.batchCount())

	// Empty flush does not reach the executor.
	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, 1, rec.batchCount())
}

func TestEnqueueAssignsID(t *testing.T) {
	rec := &recorder{}
	b := New(4, rec, noBackpressure())
	ctx := context.Background()

	fixed := uuid.New()
	s := stmt("a")
	s.ID = fixed
	require.NoError(t, b.Enqueue(ctx, s))
	require.NoError(t, b.Enqueue(ctx, stmt("b")))
	require.NoError(t, b.Flush(ctx))

	require.Len(t, rec.batches, 1)
	assert.Equal(t, fixed, rec.batches[0][0].ID)
	assert.NotEqual(t, uuid.Nil, rec.batches[0][1].ID)
}

func TestFailedFlushKeepsStatements(t *testing.T) {
	rec := &recorder{}
	b := New(10, rec, noBackpressure())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, stmt("a")))
	rec.setErr(errors.New("connection reset"))

	err := b.Flush(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrFlush))
	assert.Equal(t, 1, b.Count())
	assert.Equal(t, 1, b.Stats().Retrying)

	require.NoError(t, b.Enqueue(ctx, stmt("b")))
	rec.setErr(nil)

	require.NoError(t, b.Flush(ctx))
	assert.Equal(t, []string{"a", "b"}, rec.sqls())
	assert.Equal(t, 0, b.Count())

	st := b.Stats()
	assert.Equal(t, int64(1), st.Failures)
	assert.Equal(t, int64(2), st.Flushed)
}

func TestFullBufferFlushesInline(t *testing.T) {
	rec := &recorder{}
	b := New(2, rec, noBackpressure())
	ctx := context.Background()

	for _, s := range []string{"a", "b", "c"} {
		require.NoError(t, b.Enqueue(ctx, stmt(s)))
	}

	assert.Equal(t, 1, rec.batchCount())
	assert.Equal(t, []string{"a", "b"}, rec.sqls())
	assert.Equal(t, 1, b.Count())
	assert.Equal(t, int64(1), b.Stats().InlineFlushes)
}

func TestFullBufferFlushFailure(t *testing.T) {
	rec := &recorder{err: errors.New("down")}
	b := New(2, rec, noBackpressure())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, stmt("a")))
	require.NoError(t, b.Enqueue(ctx, stmt("b")))

	err := b.Enqueue(ctx, stmt("c"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrFlush))

	// Nothing is lost; the rejected statement was never accepted.
	assert.Equal(t, 2, b.Count())
}

func TestFailingRemoteStaysBounded(t *testing.T) {
	rec := &recorder{err: errors.New("down")}
	b := New(4, rec, noBackpressure())
	ctx := context.Background()

	var accepted, refused int
	for i := 0; i < 100; i++ {
		if err := b.Enqueue(ctx, stmt("s")); err != nil {
			assert.ErrorIs(t, err, errors.ErrFlush)
			refused++
			continue
		}
		accepted++
	}

	assert.Equal(t, 4, accepted)
	assert.Equal(t, 96, refused)
	assert.Equal(t, 4, b.Count())

	st := b.Stats()
	assert.Equal(t, 4, st.Pending)
	assert.Equal(t, 4, st.Retrying)
	assert.Equal(t, 0, st.Queued)
	assert.LessOrEqual(t, st.Pending, st.Capacity)

	// Recovery drains exactly what was accepted.
	rec.setErr(nil)
	require.NoError(t, b.Flush(ctx))
	assert.Len(t, rec.sqls(), 4)
	assert.Equal(t, 0, b.Count())
	require.NoError(t, b.Enqueue(ctx, stmt("t")))
}

func TestRetriesRaiseBackpressure(t *testing.T) {
	rec := &recorder{err: errors.New("down")}
	cfg := config.DefaultConfig().Backpressure
	cfg.Enabled = true
	b := New(4, rec, cfg)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Enqueue(ctx, stmt("s")))
	}
	require.Error(t, b.Flush(ctx))

	// The ring is empty but the retried statements still fill the buffer.
	assert.Equal(t, 0, b.Stats().Queued)
	assert.Equal(t, 1.0, b.UsageRatio())
	assert.Equal(t, backpressure.LevelEmergency, b.Stats().Level)
	assert.True(t, b.ShouldFlushEarly())
	assert.ErrorIs(t, b.Enqueue(ctx, stmt("x")), errors.ErrFlush)
}

func TestEnqueueAfterClose(t *testing.T) {
	rec := &recorder{}
	b := New(4, rec, noBackpressure())
	ctx := context.Background()

	require.NoError(t, b.Enqueue(ctx, stmt("a")))
	require.NoError(t, b.Close(ctx))
	assert.Equal(t, []string{"a"}, rec.sqls())

	assert.ErrorIs(t, b.Enqueue(ctx, stmt("b")), errors.ErrClosed)
	require.NoError(t, b.Close(ctx))
}

func TestEnqueueCancelledContext(t *testing.T) {
	b := New(4, &recorder{}, noBackpressure())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, b.Enqueue(ctx, stmt("a")), context.Canceled)
	assert.Equal(t, 0, b.Count())
}

func TestEmergencyFlushesInline(t *testing.T) {
	rec := &recorder{}
	cfg := config.DefaultConfig().Backpressure
	cfg.Enabled = true
	b := New(10, rec, cfg)
	ctx := context.Background()

	// 10/10 is past the emergency threshold; the next producer drains first.
	for i := 0; i < 10; i++ {
		require.NoError(t, b.Enqueue(ctx, stmt("x")))
	}
	require.NoError(t, b.Enqueue(ctx, stmt("y")))

	assert.GreaterOrEqual(t, rec.batchCount(), 1)
	assert.Equal(t, 1, b.Count())
	assert.Equal(t, 11, len(rec.sqls())+b.Count())
}

func TestConcurrentProducers(t *testing.T) {
	rec := &recorder{}
	b := New(16, rec, noBackpressure())
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				assert.NoError(t, b.Enqueue(ctx, stmt("s")))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, b.Flush(ctx))

	assert.Len(t, rec.sqls(), 200)
	assert.Equal(t, int64(200), b.Stats().Enqueued)
}

func TestAutoFlushDrainsBuffer(t *testing.T) {
	rec := &recorder{}
	b := New(100, rec, noBackpressure())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Enqueue(ctx, stmt("s")))
	}

	ctrl := autoflush.New(b,
		autoflush.WithSizeThreshold(3),
		autoflush.WithTimeGap(time.Hour),
		autoflush.WithPollInterval(5*time.Millisecond),
		autoflush.WithEnabled(true),
	)
	defer ctrl.Stop()

	testutil.WaitFor(t, 2*time.Second, func() bool { return len(rec.sqls()) == 3 }, "auto-flush did not drain the buffer")
	assert.Equal(t, 0, b.Count())
}
