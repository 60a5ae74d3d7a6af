package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoroutineTestBasic(t *testing.T) {
	gt := NewGoroutineTest(t)
	defer gt.Wait()

	for i := 0; i < 5; i++ {
		gt.Go(func() error {
			time.Sleep(5 * time.Millisecond)
			if i < 0 {
				return fmt.Errorf("unexpected negative index: %d", i)
			}
			return nil
		})
	}
}

func TestGoroutineTestWithContext(t *testing.T) {
	gt := NewGoroutineTestWithTimeout(t, 5*time.Second)
	defer gt.Wait()

	gt.GoWithContext(func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
			return nil
		}
	})
}

func TestEventually(t *testing.T) {
	var ready atomic.Bool

	go func() {
		time.Sleep(30 * time.Millisecond)
		ready.Store(true)
	}()

	if err := Eventually(time.Second, 5*time.Millisecond, ready.Load); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := Eventually(20*time.Millisecond, 5*time.Millisecond, func() bool { return false }); err == nil {
		t.Error("expected timeout error")
	}
}

func TestWithTimeout(t *testing.T) {
	sentinel := errors.New("done")
	if err := WithTimeout(time.Second, func() error { return sentinel }); !errors.Is(err, sentinel) {
		t.Errorf("expected fn error, got %v", err)
	}

	block := make(chan struct{})
	defer close(block)
	if err := WithTimeout(10*time.Millisecond, func() error { <-block; return nil }); err == nil {
		t.Error("expected timeout error")
	}
}

func TestFakeClock(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewFakeClock(start)

	c.Advance(1500 * time.Millisecond)
	if got := c.Now().Sub(start); got != 1500*time.Millisecond {
		t.Errorf("expected 1.5s, got %v", got)
	}

	c.Set(start)
	if !c.Now().Equal(start) {
		t.Error("Set did not reset clock")
	}
}
