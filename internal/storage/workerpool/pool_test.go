package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	werrors "github.com/xtxerr/windowstate/internal/errors"
	"github.com/xtxerr/windowstate/internal/testutil"
)

func TestPool_Do(t *testing.T) {
	p := New(2, 4)
	defer p.Close()

	var ran atomic.Int32
	err := p.Do(context.Background(), func(ctx context.Context) error {
		ran.Add(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(1), ran.Load())

	boom := errors.New("boom")
	err = p.Do(context.Background(), func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)

	stats := p.Stats()
	assert.Equal(t, uint64(2), stats.Submitted)
	assert.Equal(t, uint64(1), stats.Failed)
}

func TestPool_Defaults(t *testing.T) {
	p := New(0, 0)
	defer p.Close()

	stats := p.Stats()
	assert.Equal(t, DefaultWorkers, stats.Workers)
	assert.Equal(t, DefaultQueueSize, stats.QueueSize)
}

func TestPool_SubmitBlocksWhenFull(t *testing.T) {
	p := New(1, 1)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})

	// Occupy the single worker
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	// Fill the single queue slot
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error { return nil }))

	// The next submit must block until its context ends
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
}

func TestPool_BlockedSubmitProceeds(t *testing.T) {
	p := New(1, 1)
	defer p.Close()

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error { return nil }))

	gt := testutil.NewGoroutineTest(t)
	gt.Go(func() error {
		return p.Do(context.Background(), func(ctx context.Context) error { return nil })
	})

	time.Sleep(10 * time.Millisecond)
	close(release)
	gt.Wait()
}

func TestPool_Close(t *testing.T) {
	p := New(2, 10)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}

	p.Close()
	assert.Equal(t, int32(10), ran.Load(), "queued tasks run before Close returns")

	err := p.Submit(context.Background(), func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, werrors.ErrPoolClosed)

	// Idempotent
	p.Close()
}

func TestPool_Panic(t *testing.T) {
	p := New(1, 1)
	defer p.Close()

	err := p.Do(context.Background(), func(ctx context.Context) error {
		panic("bad task")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad task")

	// Worker survives
	assert.NoError(t, p.Do(context.Background(), func(ctx context.Context) error { return nil }))
}

func TestPool_CancelledContext(t *testing.T) {
	p := New(1, 1)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Do(ctx, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
