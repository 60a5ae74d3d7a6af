package window

// Iterator walks LoadSplitData results once.
//
//	it, err := store.LoadSplitData(ctx, q)
//	if err != nil {
//	    return err
//	}
//	defer it.Close()
//	for it.Next() {
//	    use(it.Key(), it.Value())
//	}
//	return it.Err()
type Iterator[T any] interface {
	Next() bool
	Key() string
	Value() T
	Err() error
	Close() error

	// PartitionNum is a hint for how many splits the window instance
	// spans. The boolean is false when no hint is available.
	PartitionNum() (int64, bool)
}

// Entry is a key and its decoded value.
type Entry[T any] struct {
	Key   string
	Value T
}

// SliceIterator iterates a materialized result.
type SliceIterator[T any] struct {
	entries      []Entry[T]
	pos          int
	partitionNum int64
	hasHint      bool
	closed       bool
}

var _ Iterator[int] = (*SliceIterator[int])(nil)

// NewSliceIterator iterates entries in order. A negative partitionNum means
// no hint.
func NewSliceIterator[T any](entries []Entry[T], partitionNum int64) *SliceIterator[T] {
	return &SliceIterator[T]{
		entries:      entries,
		pos:          -1,
		partitionNum: partitionNum,
		hasHint:      partitionNum >= 0,
	}
}

// EmptyIterator returns an iterator with no entries and no hint.
func EmptyIterator[T any]() *SliceIterator[T] {
	return NewSliceIterator[T](nil, -1)
}

// Next advances to the next entry.
func (it *SliceIterator[T]) Next() bool {
	if it.closed || it.pos+1 >= len(it.entries) {
		it.pos = len(it.entries)
		return false
	}
	it.pos++
	return true
}

// Key returns the current key.
func (it *SliceIterator[T]) Key() string {
	if it.pos < 0 || it.pos >= len(it.entries) {
		return ""
	}
	return it.entries[it.pos].Key
}

// Value returns the current value.
func (it *SliceIterator[T]) Value() T {
	if it.pos < 0 || it.pos >= len(it.entries) {
		var zero T
		return zero
	}
	return it.entries[it.pos].Value
}

// Err always returns nil; materialized results cannot fail mid-iteration.
func (it *SliceIterator[T]) Err() error { return nil }

// Close releases the entries.
func (it *SliceIterator[T]) Close() error {
	it.closed = true
	it.entries = nil
	return nil
}

// PartitionNum returns the split hint.
func (it *SliceIterator[T]) PartitionNum() (int64, bool) {
	return it.partitionNum, it.hasHint
}

// Len returns the number of entries.
func (it *SliceIterator[T]) Len() int { return len(it.entries) }

// Collect drains it into a map and closes it.
func Collect[T any](it Iterator[T]) (map[string]T, error) {
	defer it.Close()

	out := make(map[string]T)
	for it.Next() {
		out[it.Key()] = it.Value()
	}
	return out, it.Err()
}
