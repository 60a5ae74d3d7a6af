package window

import (
	"github.com/goccy/go-json"

	"github.com/xtxerr/windowstate/internal/errors"
	"github.com/xtxerr/windowstate/internal/keys"
)

// NoSplit is the split number of values that do not implement Splittable.
const NoSplit int64 = -1

// Record is the tier-neutral form of one stored value.
type Record struct {
	Key              string
	Partition        string
	WindowInstanceID string
	SplitNum         int64
	Value            []byte
}

// NewRecord derives routing fields from key and encodes v as JSON.
func NewRecord[T any](j keys.Joiner, key string, v T) (Record, error) {
	partition, wid, err := j.Route(key)
	if err != nil {
		return Record{}, err
	}

	data, err := EncodeValue(v)
	if err != nil {
		return Record{}, err
	}

	return Record{
		Key:              key,
		Partition:        partition,
		WindowInstanceID: wid,
		SplitNum:         SplitNumOf(v),
		Value:            data,
	}, nil
}

// SplitNumOf returns v's split number, or NoSplit.
func SplitNumOf[T any](v T) int64 {
	if s, ok := any(v).(Splittable); ok {
		return s.SplitNum()
	}
	return NoSplit
}

// EncodeValue serializes v.
func EncodeValue[T any](v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.NewEncoding("json", err)
	}
	return data, nil
}

// DecodeValue deserializes a value written by EncodeValue.
func DecodeValue[T any](data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, errors.NewEncoding("json", err)
	}
	return v, nil
}
