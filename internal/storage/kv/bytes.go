// Package kv implements a compact, capacity-bounded key-value cache for
// millions of short string keys.
//
// Entries are packed into three flat arenas (key bytes, value bytes and a
// fixed-size entry table) indexed by an open-addressing table of uint32 entry
// ids. No entry owns a heap object, so ten million entries cost a handful of
// large allocations instead of ten million small ones.
//
// A store is write-once: load it in bulk, then read it. Re-putting a key is
// rejected with ErrDuplicateKey. There is no update or delete.
package kv

import (
	"fmt"
	"slices"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/xtxerr/windowstate/internal/errors"
)

// MaxCapacity is the largest entry count a store accepts.
const MaxCapacity = 10_000_000

// Mode selects how values are packed.
type Mode int

const (
	// ModeVariable appends each value to the arena and records offset and
	// length in the entry table.
	ModeVariable Mode = iota

	// ModeFixed gives every value a slot of identical size at id*slotSize.
	ModeFixed
)

// String returns the string representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeVariable:
		return "variable"
	case ModeFixed:
		return "fixed"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// entry locates one key and its value in the arenas. 24 bytes.
type entry struct {
	keyOff int
	valOff int
	keyLen uint32
	valLen uint32
}

const entrySize = 24

// ByteValueKV maps string keys to raw byte payloads.
//
// ByteValueKV is safe for concurrent use. Puts serialize on a write lock;
// gets share a read lock.
type ByteValueKV struct {
	mu sync.RWMutex

	capacity int
	mode     Mode
	slotSize int

	keys    []byte
	values  []byte
	entries []entry
	buckets []uint32 // 0 = empty, otherwise entry index + 1
	mask    uint64
}

// Option configures a ByteValueKV.
type Option func(*options)

type options struct {
	mode         Mode
	slotSize     int
	expectKeyLen int
	expectValLen int
}

// WithFixedLength packs every value into a slot of slotSize bytes.
func WithFixedLength(slotSize int) Option {
	return func(o *options) {
		o.mode = ModeFixed
		o.slotSize = slotSize
	}
}

// WithVariableLength packs values back to back. This is the default.
func WithVariableLength() Option {
	return func(o *options) {
		o.mode = ModeVariable
		o.slotSize = 0
	}
}

// WithExpectedSizes preallocates the arenas for a bulk load of keys and
// values of roughly these average lengths.
func WithExpectedSizes(keyLen, valueLen int) Option {
	return func(o *options) {
		o.expectKeyLen = keyLen
		o.expectValLen = valueLen
	}
}

// NewByteValueKV creates a store holding at most capacity entries.
func NewByteValueKV(capacity int, opts ...Option) (*ByteValueKV, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if capacity <= 0 || capacity > MaxCapacity {
		return nil, errors.NewInvalidValue("capacity", capacity, fmt.Sprintf("must be in 1..%d", MaxCapacity))
	}
	if o.mode == ModeFixed && o.slotSize <= 0 {
		return nil, errors.NewInvalidValue("slot_size", o.slotSize, "must be positive in fixed mode")
	}

	size := tableSize(capacity)
	kv := &ByteValueKV{
		capacity: capacity,
		mode:     o.mode,
		slotSize: o.slotSize,
		entries:  make([]entry, 0, capacity),
		buckets:  make([]uint32, size),
		mask:     uint64(size - 1),
	}

	if o.expectKeyLen > 0 {
		kv.keys = make([]byte, 0, capacity*o.expectKeyLen)
	}
	switch {
	case o.mode == ModeFixed && o.expectValLen > 0:
		kv.values = make([]byte, 0, capacity*o.slotSize)
	case o.expectValLen > 0:
		kv.values = make([]byte, 0, capacity*o.expectValLen)
	}

	return kv, nil
}

// tableSize keeps the load factor at or below 0.75.
func tableSize(capacity int) int {
	want := capacity + capacity/3 + 1
	size := 8
	for size < want {
		size <<= 1
	}
	return size
}

// Put inserts a new entry.
func (kv *ByteValueKV) Put(key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()

	if kv.mode == ModeFixed && len(value) > kv.slotSize {
		return fmt.Errorf("key %q: %d bytes > slot %d: %w", key, len(value), kv.slotSize, errors.ErrValueTooLarge)
	}

	slot, found := kv.find(key)
	if found {
		return fmt.Errorf("key %q: %w", key, errors.ErrDuplicateKey)
	}
	if len(kv.entries) >= kv.capacity {
		return fmt.Errorf("put %q into store of %d: %w", key, kv.capacity, errors.ErrCapacityExceeded)
	}

	e := entry{
		keyOff: len(kv.keys),
		keyLen: uint32(len(key)),
		valLen: uint32(len(value)),
	}
	kv.keys = append(kv.keys, key...)

	if kv.mode == ModeFixed {
		e.valOff = len(kv.entries) * kv.slotSize
		kv.values = slices.Grow(kv.values, kv.slotSize)
		kv.values = kv.values[:e.valOff+kv.slotSize]
		n := copy(kv.values[e.valOff:], value)
		clear(kv.values[e.valOff+n : e.valOff+kv.slotSize])
	} else {
		e.valOff = len(kv.values)
		kv.values = append(kv.values, value...)
	}

	kv.entries = append(kv.entries, e)
	kv.buckets[slot] = uint32(len(kv.entries))
	return nil
}

// find probes for key. It returns the bucket holding the key, or the empty
// bucket where it would go.
func (kv *ByteValueKV) find(key string) (int, bool) {
	i := xxh3.HashString(key) & kv.mask
	for {
		b := kv.buckets[i]
		if b == 0 {
			return int(i), false
		}
		e := &kv.entries[b-1]
		if int(e.keyLen) == len(key) && string(kv.keys[e.keyOff:e.keyOff+int(e.keyLen)]) == key {
			return int(i), true
		}
		i = (i + 1) & kv.mask
	}
}

// Get returns a copy of the payload stored under key. The boolean is false
// for an unknown key.
func (kv *ByteValueKV) Get(key string) ([]byte, bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	slot, found := kv.find(key)
	if !found {
		return nil, false
	}
	e := &kv.entries[kv.buckets[slot]-1]
	out := make([]byte, e.valLen)
	copy(out, kv.values[e.valOff:e.valOff+int(e.valLen)])
	return out, true
}

// Contains reports whether key is present.
func (kv *ByteValueKV) Contains(key string) bool {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	_, found := kv.find(key)
	return found
}

// Size returns the number of entries.
func (kv *ByteValueKV) Size() int {
	kv.mu.RLock()
	defer kv.mu.RUnlock()
	return len(kv.entries)
}

// Capacity returns the maximum number of entries.
func (kv *ByteValueKV) Capacity() int {
	return kv.capacity
}

// Mode returns the packing mode.
func (kv *ByteValueKV) Mode() Mode {
	return kv.mode
}

// SlotSize returns the fixed slot size, or 0 in variable mode.
func (kv *ByteValueKV) SlotSize() int {
	return kv.slotSize
}

// EstimatedMemory approximates the bytes held by the arenas and the index.
// It is meant for monitoring only.
func (kv *ByteValueKV) EstimatedMemory() int64 {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	return int64(cap(kv.keys)) +
		int64(cap(kv.values)) +
		int64(cap(kv.entries))*entrySize +
		int64(len(kv.buckets))*4
}

// Range calls fn for every entry in insertion order until fn returns false.
// The value slice aliases the arena and is only valid during the call; fn
// must not modify it or call Put.
func (kv *ByteValueKV) Range(fn func(key string, value []byte) bool) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	for i := range kv.entries {
		e := &kv.entries[i]
		key := string(kv.keys[e.keyOff : e.keyOff+int(e.keyLen)])
		end := e.valOff + int(e.valLen)
		if !fn(key, kv.values[e.valOff:end:end]) {
			return
		}
	}
}
