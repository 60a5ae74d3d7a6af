package kv

import (
	"errors"
	"math"
	"testing"

	werrors "github.com/xtxerr/windowstate/internal/errors"
)

func TestStringKV_RoundTrip(t *testing.T) {
	store, err := NewStringKV(10)
	if err != nil {
		t.Fatal(err)
	}

	values := map[string]string{
		"ascii":   "hello",
		"empty":   "",
		"unicode": "größe 窓 🪟",
	}
	for k, v := range values {
		if err := store.Put(k, v); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	for k, want := range values {
		got, ok, err := store.Get(k)
		if err != nil || !ok || got != want {
			t.Errorf("%s: got %q ok=%v err=%v, want %q", k, got, ok, err, want)
		}
	}

	_, ok, err := store.Get("absent")
	if ok || err != nil {
		t.Errorf("absent key: ok=%v err=%v", ok, err)
	}
}

func TestStringKV_InvalidUTF8(t *testing.T) {
	store, _ := NewStringKV(10)

	if err := store.Put("bad", string([]byte{0xff, 0xfe})); !errors.Is(err, werrors.ErrEncoding) {
		t.Fatalf("expected ErrEncoding on put, got %v", err)
	}

	// Corrupt payload written below the codec
	store.Bytes().Put("raw", []byte{0xc3, 0x28})
	_, ok, err := store.Get("raw")
	if !ok || !errors.Is(err, werrors.ErrEncoding) {
		t.Errorf("expected ErrEncoding on get, got ok=%v err=%v", ok, err)
	}
}

func TestStringKV_Fixed(t *testing.T) {
	store, _ := NewStringKV(10, WithFixedLength(8))
	store.Put("a", "abc")

	got, _, err := store.Get("a")
	if err != nil || got != "abc" {
		t.Errorf("got %q, %v", got, err)
	}
}

func TestIntegerKV(t *testing.T) {
	ints, _ := NewIntKV(10)
	for i, v := range []int32{0, 1, -1, math.MaxInt32, math.MinInt32} {
		key := string(rune('a' + i))
		if err := ints.Put(key, v); err != nil {
			t.Fatal(err)
		}
		got, _, err := ints.Get(key)
		if err != nil || got != v {
			t.Errorf("int32 %d: got %d, %v", v, got, err)
		}
	}

	longs, _ := NewLongKV(10)
	for i, v := range []int64{0, -42, math.MaxInt64, math.MinInt64} {
		key := string(rune('a' + i))
		longs.Put(key, v)
		got, _, err := longs.Get(key)
		if err != nil || got != v {
			t.Errorf("int64 %d: got %d, %v", v, got, err)
		}
	}

	if ints.Bytes().SlotSize() != 4 || longs.Bytes().SlotSize() != 8 {
		t.Error("integer stores should use native-width fixed slots")
	}
}

func TestIntegerCodec_Decode(t *testing.T) {
	var c IntegerCodec[int32]
	if _, err := c.Decode([]byte{1, 2}); !errors.Is(err, werrors.ErrEncoding) {
		t.Errorf("short payload: expected ErrEncoding, got %v", err)
	}

	var u IntegerCodec[uint16]
	b, _ := u.Encode(0xfffe)
	got, err := u.Decode(b)
	if err != nil || got != 0xfffe {
		t.Errorf("uint16: got %x, %v", got, err)
	}

	var s IntegerCodec[int8]
	b, _ = s.Encode(-5)
	if len(b) != 1 {
		t.Fatalf("int8 width: %d", len(b))
	}
	if v, _ := s.Decode(b); v != -5 {
		t.Errorf("int8 sign extension: got %d", v)
	}
}

func TestBoolKV(t *testing.T) {
	store, _ := NewBoolKV(4)
	store.Put("t", true)
	store.Put("f", false)

	if v, ok, _ := store.Get("t"); !ok || !v {
		t.Error("expected true")
	}
	if v, ok, _ := store.Get("f"); !ok || v {
		t.Error("expected false")
	}

	store.Bytes().Put("bad", []byte{7})
	if _, _, err := store.Get("bad"); !errors.Is(err, werrors.ErrEncoding) {
		t.Errorf("expected ErrEncoding, got %v", err)
	}
}
