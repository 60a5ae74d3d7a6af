package kv

// CacheKV is the typed view of a write-once store.
type CacheKV[T any] interface {
	Put(key string, value T) error
	Get(key string) (T, bool, error)
	Contains(key string) bool
	Size() int
	EstimatedMemory() int64
}

// ValueKV adapts a ByteValueKV to typed values through a codec.
type ValueKV[T any] struct {
	store *ByteValueKV
	codec Codec[T]
}

var _ CacheKV[string] = (*ValueKV[string])(nil)

// NewValueKV wraps store with codec.
func NewValueKV[T any](store *ByteValueKV, codec Codec[T]) *ValueKV[T] {
	return &ValueKV[T]{store: store, codec: codec}
}

// NewStringKV creates a UTF-8 string store. Options select the packing mode.
func NewStringKV(capacity int, opts ...Option) (*ValueKV[string], error) {
	store, err := NewByteValueKV(capacity, opts...)
	if err != nil {
		return nil, err
	}
	return NewValueKV[string](store, StringCodec{}), nil
}

// NewIntKV creates a store of int32 values in fixed 4-byte slots.
func NewIntKV(capacity int) (*ValueKV[int32], error) {
	return newIntegerKV[int32](capacity)
}

// NewLongKV creates a store of int64 values in fixed 8-byte slots.
func NewLongKV(capacity int) (*ValueKV[int64], error) {
	return newIntegerKV[int64](capacity)
}

func newIntegerKV[T interface{ ~int32 | ~int64 }](capacity int) (*ValueKV[T], error) {
	codec := IntegerCodec[T]{}
	store, err := NewByteValueKV(capacity, WithFixedLength(codec.Width()))
	if err != nil {
		return nil, err
	}
	return NewValueKV[T](store, codec), nil
}

// NewBoolKV creates a store of booleans in fixed 1-byte slots.
func NewBoolKV(capacity int) (*ValueKV[bool], error) {
	store, err := NewByteValueKV(capacity, WithFixedLength(1))
	if err != nil {
		return nil, err
	}
	return NewValueKV[bool](store, BoolCodec{}), nil
}

// Put encodes value and stores it under key.
func (v *ValueKV[T]) Put(key string, value T) error {
	b, err := v.codec.Encode(value)
	if err != nil {
		return err
	}
	return v.store.Put(key, b)
}

// Get decodes the value stored under key. A decode failure is an encoding
// error and means the store is corrupt.
func (v *ValueKV[T]) Get(key string) (T, bool, error) {
	var zero T
	b, ok := v.store.Get(key)
	if !ok {
		return zero, false, nil
	}
	out, err := v.codec.Decode(b)
	if err != nil {
		return zero, true, err
	}
	return out, true, nil
}

// Contains reports whether key is present.
func (v *ValueKV[T]) Contains(key string) bool { return v.store.Contains(key) }

// Size returns the number of entries.
func (v *ValueKV[T]) Size() int { return v.store.Size() }

// EstimatedMemory returns the underlying store's estimate.
func (v *ValueKV[T]) EstimatedMemory() int64 { return v.store.EstimatedMemory() }

// Bytes returns the underlying byte store.
func (v *ValueKV[T]) Bytes() *ByteValueKV { return v.store }
