package kv

import (
	"encoding/binary"
	"unicode/utf8"
	"unsafe"

	"golang.org/x/exp/constraints"

	"github.com/xtxerr/windowstate/internal/errors"
)

// Codec converts typed values to and from the byte payloads a ByteValueKV
// stores.
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(b []byte) (T, error)
	Name() string
}

// StringCodec stores strings as UTF-8. Invalid UTF-8 fails in both
// directions.
type StringCodec struct{}

// Name returns the codec name.
func (StringCodec) Name() string { return "string" }

// Encode validates and copies s.
func (StringCodec) Encode(s string) ([]byte, error) {
	if !utf8.ValidString(s) {
		return nil, errors.NewEncoding("string", errors.New("invalid UTF-8 input"))
	}
	return []byte(s), nil
}

// Decode validates b and returns it as a string.
func (StringCodec) Decode(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", errors.NewEncoding("string", errors.New("invalid UTF-8 payload"))
	}
	return string(b), nil
}

// IntegerCodec stores integers little-endian in exactly their native width.
type IntegerCodec[T constraints.Integer] struct{}

// Name returns the codec name.
func (IntegerCodec[T]) Name() string { return "integer" }

// Width returns the encoded size of T in bytes.
func (IntegerCodec[T]) Width() int { return intWidth[T]() }

// Encode writes v in Width bytes.
func (IntegerCodec[T]) Encode(v T) ([]byte, error) {
	w := intWidth[T]()
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	out := make([]byte, w)
	copy(out, buf[:w])
	return out, nil
}

// Decode reads a Width-byte payload. Any other length is an encoding error.
func (IntegerCodec[T]) Decode(b []byte) (T, error) {
	w := intWidth[T]()
	if len(b) != w {
		return 0, errors.NewEncoding("integer", errors.New("payload length does not match integer width"))
	}

	var buf [8]byte
	copy(buf[:], b)
	u := binary.LittleEndian.Uint64(buf[:])

	if isSigned[T]() {
		shift := uint(64 - 8*w)
		return T(int64(u<<shift) >> shift), nil
	}
	return T(u), nil
}

func intWidth[T constraints.Integer]() int {
	var z T
	return int(unsafe.Sizeof(z))
}

func isSigned[T constraints.Integer]() bool {
	var z T
	return z-1 < 0
}

// BoolCodec stores booleans in one byte. Payloads other than 0 and 1 fail.
type BoolCodec struct{}

// Name returns the codec name.
func (BoolCodec) Name() string { return "bool" }

// Encode writes 1 for true and 0 for false.
func (BoolCodec) Encode(v bool) ([]byte, error) {
	if v {
		return []byte{1}, nil
	}
	return []byte{0}, nil
}

// Decode reads a one-byte payload.
func (BoolCodec) Decode(b []byte) (bool, error) {
	if len(b) != 1 || b[0] > 1 {
		return false, errors.NewEncoding("bool", errors.New("payload is not a single 0/1 byte"))
	}
	return b[0] == 1, nil
}
