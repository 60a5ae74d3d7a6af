package wal

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Op is the kind of mutation a WAL entry records.
type Op uint8

const (
	OpPut Op = iota + 1
	OpDeleteWindow
	OpRemoveKey
	OpClearPartition
)

// String returns the op name.
func (o Op) String() string {
	switch o {
	case OpPut:
		return "put"
	case OpDeleteWindow:
		return "delete_window"
	case OpRemoveKey:
		return "remove_key"
	case OpClearPartition:
		return "clear_partition"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Entry is one logged mutation of the local store. Which fields are set
// depends on Op:
//
//	put              Key, Partition, WindowInstanceID, SplitNum, Value
//	delete_window    Partition, WindowInstanceID
//	remove_key       Key
//	clear_partition  Partition
type Entry struct {
	Op               Op
	Key              string
	Partition        string
	WindowInstanceID string
	SplitNum         int64
	Value            []byte
}

// Record payload, protobuf wire format:
//
//	message Record { repeated Entry entries = 1; }
//	message Entry {
//	  uint32 op = 1;
//	  string key = 2;
//	  string partition = 3;
//	  string window_instance_id = 4;
//	  sint64 split_num = 5;
//	  bytes value = 6;
//	}
const (
	fieldEntries = 1

	fieldOp        = 1
	fieldKey       = 2
	fieldPartition = 3
	fieldWindow    = 4
	fieldSplitNum  = 5
	fieldValue     = 6
)

// encodeEntries encodes a batch of entries into one record payload.
func encodeEntries(entries []Entry) []byte {
	if len(entries) == 0 {
		return nil
	}

	buf := make([]byte, 0, len(entries)*64)
	var scratch []byte
	for i := range entries {
		scratch = appendEntry(scratch[:0], &entries[i])
		buf = protowire.AppendTag(buf, fieldEntries, protowire.BytesType)
		buf = protowire.AppendBytes(buf, scratch)
	}
	return buf
}

func appendEntry(b []byte, e *Entry) []byte {
	b = protowire.AppendTag(b, fieldOp, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Op))

	if e.Key != "" {
		b = protowire.AppendTag(b, fieldKey, protowire.BytesType)
		b = protowire.AppendString(b, e.Key)
	}
	if e.Partition != "" {
		b = protowire.AppendTag(b, fieldPartition, protowire.BytesType)
		b = protowire.AppendString(b, e.Partition)
	}
	if e.WindowInstanceID != "" {
		b = protowire.AppendTag(b, fieldWindow, protowire.BytesType)
		b = protowire.AppendString(b, e.WindowInstanceID)
	}
	if e.SplitNum != 0 {
		b = protowire.AppendTag(b, fieldSplitNum, protowire.VarintType)
		b = protowire.AppendVarint(b, protowire.EncodeZigZag(e.SplitNum))
	}
	if len(e.Value) > 0 {
		b = protowire.AppendTag(b, fieldValue, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Value)
	}
	return b
}

// decodeEntries decodes a record payload. Unknown fields are skipped.
func decodeEntries(data []byte) ([]Entry, error) {
	var entries []Entry

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("record tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		if num != fieldEntries || typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("record field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
			continue
		}

		raw, n := protowire.ConsumeBytes(data)
		if n < 0 {
			return nil, fmt.Errorf("entry %d: %w", len(entries), protowire.ParseError(n))
		}
		data = data[n:]

		e, err := decodeEntry(raw)
		if err != nil {
			return nil, fmt.Errorf("entry %d: %w", len(entries), err)
		}
		entries = append(entries, e)
	}

	return entries, nil
}

func decodeEntry(data []byte) (Entry, error) {
	var e Entry

	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return e, protowire.ParseError(n)
		}
		data = data[n:]

		switch {
		case num == fieldOp && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.Op = Op(v)
			data = data[n:]

		case num == fieldSplitNum && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			e.SplitNum = protowire.DecodeZigZag(v)
			data = data[n:]

		case typ == protowire.BytesType && num >= fieldKey && num <= fieldValue:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			switch num {
			case fieldKey:
				e.Key = string(v)
			case fieldPartition:
				e.Partition = string(v)
			case fieldWindow:
				e.WindowInstanceID = string(v)
			case fieldValue:
				e.Value = append([]byte(nil), v...)
			}
			data = data[n:]

		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return e, protowire.ParseError(n)
			}
			data = data[n:]
		}
	}

	if e.Op < OpPut || e.Op > OpClearPartition {
		return e, fmt.Errorf("unknown op %d", e.Op)
	}
	return e, nil
}
