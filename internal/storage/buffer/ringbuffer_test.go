package buffer

import (
	"sync"
	"testing"
)

type stmt struct {
	Partition string
	Seq       int
}

func TestRingBuffer_Basic(t *testing.T) {
	rb := New[stmt](10)

	if rb.Cap() != 10 {
		t.Errorf("expected capacity=10, got %d", rb.Cap())
	}
	if rb.Len() != 0 {
		t.Error("new buffer should be empty")
	}
	if New[stmt](0).Cap() != DefaultCapacity {
		t.Error("non-positive capacity should use the default")
	}
}

func TestRingBuffer_PushFull(t *testing.T) {
	rb := New[stmt](5)

	for i := 0; i < 5; i++ {
		if !rb.Push(stmt{Partition: "p1", Seq: i}) {
			t.Errorf("push %d should succeed", i)
		}
	}
	if rb.Len() != 5 {
		t.Errorf("expected len=5, got %d", rb.Len())
	}

	if rb.Push(stmt{Seq: 999}) {
		t.Error("push to full buffer should fail")
	}
	if rb.Len() != 5 {
		t.Errorf("rejected push changed len: %d", rb.Len())
	}
}

func TestRingBuffer_Drain(t *testing.T) {
	rb := New[stmt](10)

	for i := 0; i < 5; i++ {
		rb.Push(stmt{Seq: i})
	}
	first := rb.Drain()
	if len(first) != 5 || first[0].Seq != 0 || first[4].Seq != 4 {
		t.Fatalf("unexpected first drain: %v", first)
	}

	// Wrap around the end of the backing slice
	for i := 5; i < 14; i++ {
		rb.Push(stmt{Seq: i})
	}

	all := rb.Drain()
	if len(all) != 9 {
		t.Fatalf("expected 9 drained, got %d", len(all))
	}
	for i, s := range all {
		if s.Seq != i+5 {
			t.Errorf("item %d: expected seq=%d, got %d", i, i+5, s.Seq)
		}
	}

	if rb.Drain() != nil {
		t.Error("drain of empty buffer should return nil")
	}
	if rb.Len() != 0 {
		t.Errorf("expected empty after drain, got %d", rb.Len())
	}
}

func TestRingBuffer_Concurrent(t *testing.T) {
	rb := New[stmt](1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	drained := 0

	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func(writerID int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				rb.Push(stmt{Partition: "p1", Seq: writerID*1000 + i})
			}
		}(w)
	}
	for r := 0; r < 3; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				n := len(rb.Drain())
				mu.Lock()
				drained += n
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if total := drained + rb.Len(); total != 1000 {
		t.Errorf("expected 1000 items pushed and drained, got %d", total)
	}
}

func BenchmarkRingBuffer_Push(b *testing.B) {
	rb := New[stmt](100000)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !rb.Push(stmt{Partition: "p1", Seq: i}) {
			rb.Drain()
		}
	}
}
