package buffer

import "sync"

// RingBuffer is a thread-safe bounded FIFO.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	head     int64 // next write position
	tail     int64 // oldest item
	count    int64
	capacity int64
}

// DefaultCapacity is used when New gets a non-positive capacity.
const DefaultCapacity = 1024

// New creates a new RingBuffer with the given capacity.
func New[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: int64(capacity),
	}
}

// Push adds an item to the buffer.
// Returns false if the buffer is full and the item was rejected.
func (rb *RingBuffer[T]) Push(item T) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count >= rb.capacity {
		return false
	}

	rb.data[rb.head%rb.capacity] = item
	rb.head++
	rb.count++
	return true
}

// Drain removes and returns every item, oldest first. It returns nil when
// the buffer is empty.
func (rb *RingBuffer[T]) Drain() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		return nil
	}

	var zero T
	result := make([]T, rb.count)
	for i := range result {
		idx := (rb.tail + int64(i)) % rb.capacity
		result[i] = rb.data[idx]
		rb.data[idx] = zero
	}

	rb.tail += rb.count
	rb.count = 0
	return result
}

// Len returns the current number of items in the buffer.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return int(rb.count)
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer[T]) Cap() int {
	return int(rb.capacity)
}
