// Package local is the in-process window state store.
//
// Values live in a mutable map of encoded records indexed by partition and
// window instance. On open the store loads the newest Parquet checkpoint
// into a frozen compact snapshot (kv.ByteValueKV) and replays the WAL on
// top of it. Later writes shadow snapshot entries; deletes of snapshot
// entries are kept as tombstones until the next checkpoint is loaded.
package local

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/xtxerr/windowstate/internal/errors"
	"github.com/xtxerr/windowstate/internal/keys"
	"github.com/xtxerr/windowstate/internal/logging"
	"github.com/xtxerr/windowstate/internal/storage/kv"
	"github.com/xtxerr/windowstate/internal/storage/parquet"
	"github.com/xtxerr/windowstate/internal/storage/wal"
	"github.com/xtxerr/windowstate/internal/storage/window"
)

var log = logging.Component("local")

// Options configures a Store.
type Options struct {
	// Namespace scopes LoadSplitData queries by store prefix.
	Namespace string

	Joiner keys.Joiner

	// SnapshotCapacity bounds the entries a checkpoint may hold.
	SnapshotCapacity int

	// SlotSize > 0 packs snapshot values into fixed slots of that many
	// value bytes.
	SlotSize int

	// WALDir enables the write-ahead log when set.
	WALDir     string
	WALOptions wal.Options

	// CheckpointDir enables checkpoints when set.
	CheckpointDir string
	Parquet       parquet.Options
}

// Store implements window.Store for values of type T.
type Store[T any] struct {
	mu sync.RWMutex

	// serializes checkpoints
	ckptMu sync.Mutex

	opts Options

	records map[string]window.Record

	// partition -> window instance -> keys, covering live and snapshot
	// entries.
	index map[string]map[string]map[string]struct{}

	snapshot   *kv.ByteValueKV
	tombstones map[string]struct{}

	wal *wal.Writer

	checkpointSeq int64
	closed        bool
}

var _ window.Store[int] = (*Store[int])(nil)

// Open creates a store, restoring checkpoint and WAL state when enabled.
func Open[T any](opts Options) (*Store[T], error) {
	if opts.Joiner.Sep == "" {
		opts.Joiner = keys.Default
	}

	s := &Store[T]{
		opts:          opts,
		records:       make(map[string]window.Record),
		index:         make(map[string]map[string]map[string]struct{}),
		tombstones:    make(map[string]struct{}),
		checkpointSeq: -1,
	}

	if opts.CheckpointDir != "" {
		if err := s.loadCheckpoint(); err != nil {
			return nil, fmt.Errorf("load checkpoint: %w", err)
		}
	}

	if opts.WALDir != "" {
		if err := s.replayWAL(); err != nil {
			return nil, fmt.Errorf("replay wal: %w", err)
		}
		w, err := wal.NewWriter(opts.WALDir, opts.WALOptions)
		if err != nil {
			return nil, fmt.Errorf("open wal: %w", err)
		}
		s.wal = w
	}

	log.Info("local store opened",
		"namespace", opts.Namespace,
		"snapshot_entries", s.snapshotSize(),
		"live_entries", len(s.records),
		"wal", opts.WALDir != "",
		"checkpoint", opts.CheckpointDir != "")

	return s, nil
}

// Namespace returns the store namespace.
func (s *Store[T]) Namespace() string { return s.opts.Namespace }

// Joiner returns the key convention the store routes with.
func (s *Store[T]) Joiner() keys.Joiner { return s.opts.Joiner }

func (s *Store[T]) snapshotSize() int {
	if s.snapshot == nil {
		return 0
	}
	return s.snapshot.Size()
}

// Snapshot envelope: 8 bytes split number (LE) + encoded value.
func encodeEnvelope(splitNum int64, value []byte) []byte {
	b := make([]byte, 8+len(value))
	binary.LittleEndian.PutUint64(b, uint64(splitNum))
	copy(b[8:], value)
	return b
}

func decodeEnvelope(b []byte) (int64, []byte, error) {
	if len(b) < 8 {
		return 0, nil, errors.NewEncoding("envelope", fmt.Errorf("%d bytes", len(b)))
	}
	return int64(binary.LittleEndian.Uint64(b)), b[8:], nil
}

func (s *Store[T]) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.closed {
		return errors.ErrClosed
	}
	return nil
}

// lookupLocked returns the record for key from the live map or the
// snapshot.
func (s *Store[T]) lookupLocked(key string) (window.Record, bool, error) {
	if rec, ok := s.records[key]; ok {
		return rec, true, nil
	}
	if s.snapshot == nil {
		return window.Record{}, false, nil
	}
	if _, dead := s.tombstones[key]; dead {
		return window.Record{}, false, nil
	}

	raw, ok := s.snapshot.Get(key)
	if !ok {
		return window.Record{}, false, nil
	}
	split, value, err := decodeEnvelope(raw)
	if err != nil {
		return window.Record{}, false, err
	}
	partition, wid, err := s.opts.Joiner.Route(key)
	if err != nil {
		return window.Record{}, false, err
	}
	return window.Record{
		Key:              key,
		Partition:        partition,
		WindowInstanceID: wid,
		SplitNum:         split,
		Value:            value,
	}, true, nil
}

func (s *Store[T]) indexAdd(partition, wid, key string) {
	wins, ok := s.index[partition]
	if !ok {
		wins = make(map[string]map[string]struct{})
		s.index[partition] = wins
	}
	ks, ok := wins[wid]
	if !ok {
		ks = make(map[string]struct{})
		wins[wid] = ks
	}
	ks[key] = struct{}{}
}

func (s *Store[T]) indexRemove(partition, wid, key string) {
	wins := s.index[partition]
	if wins == nil {
		return
	}
	ks := wins[wid]
	if ks == nil {
		return
	}
	delete(ks, key)
	if len(ks) == 0 {
		delete(wins, wid)
	}
	if len(wins) == 0 {
		delete(s.index, partition)
	}
}

// dropLocked removes key from the live map and shadows any snapshot copy.
func (s *Store[T]) dropLocked(key string) {
	delete(s.records, key)
	if s.snapshot != nil && s.snapshot.Contains(key) {
		s.tombstones[key] = struct{}{}
	}
}

func (s *Store[T]) logWAL(entries ...wal.Entry) error {
	if s.wal == nil {
		return nil
	}
	if err := s.wal.Write(entries...); err != nil {
		return fmt.Errorf("wal write: %w", err)
	}
	return nil
}

// apply mutates in-memory state. It is shared by live writes and WAL
// replay.
func (s *Store[T]) applyLocked(e wal.Entry) {
	switch e.Op {
	case wal.OpPut:
		s.records[e.Key] = window.Record{
			Key:              e.Key,
			Partition:        e.Partition,
			WindowInstanceID: e.WindowInstanceID,
			SplitNum:         e.SplitNum,
			Value:            e.Value,
		}
		delete(s.tombstones, e.Key)
		s.indexAdd(e.Partition, e.WindowInstanceID, e.Key)

	case wal.OpDeleteWindow:
		wins := s.index[e.Partition]
		for key := range wins[e.WindowInstanceID] {
			s.dropLocked(key)
		}
		if wins != nil {
			delete(wins, e.WindowInstanceID)
			if len(wins) == 0 {
				delete(s.index, e.Partition)
			}
		}

	case wal.OpRemoveKey:
		partition, wid, err := s.opts.Joiner.Route(e.Key)
		if err != nil {
			return
		}
		s.dropLocked(e.Key)
		s.indexRemove(partition, wid, e.Key)

	case wal.OpClearPartition:
		for _, ks := range s.index[e.Partition] {
			for key := range ks {
				s.dropLocked(key)
			}
		}
		delete(s.index, e.Partition)
	}
}

func putEntry(rec window.Record) wal.Entry {
	return wal.Entry{
		Op:               wal.OpPut,
		Key:              rec.Key,
		Partition:        rec.Partition,
		WindowInstanceID: rec.WindowInstanceID,
		SplitNum:         rec.SplitNum,
		Value:            rec.Value,
	}
}

// MultiPut stores values. Every key is validated and encoded before any
// of them is written.
func (s *Store[T]) MultiPut(ctx context.Context, values map[string]T) error {
	if len(values) == 0 {
		return ctx.Err()
	}

	entries := make([]wal.Entry, 0, len(values))
	for key, v := range values {
		rec, err := window.NewRecord(s.opts.Joiner, key, v)
		if err != nil {
			return err
		}
		entries = append(entries, putEntry(rec))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.logWAL(entries...); err != nil {
		return err
	}
	for _, e := range entries {
		s.applyLocked(e)
	}
	return nil
}

// MultiGet returns the stored subset of keys.
func (s *Store[T]) MultiGet(ctx context.Context, ks []string) (map[string]T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}

	out := make(map[string]T, len(ks))
	for _, key := range ks {
		rec, ok, err := s.lookupLocked(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		v, err := window.DecodeValue[T](rec.Value)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

// LoadSplitData returns the entries of one window instance whose keys
// start with q.KeyPrefix, sorted by key. A non-empty q.StorePrefix that
// differs from the namespace matches nothing. The partition hint is the
// highest split number seen.
func (s *Store[T]) LoadSplitData(ctx context.Context, q window.SplitQuery) (window.Iterator[T], error) {
	if q.StorePrefix != "" && q.StorePrefix != s.opts.Namespace {
		return window.EmptyIterator[T](), nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.check(ctx); err != nil {
		return nil, err
	}

	ks := s.index[q.Partition][q.WindowInstanceID]
	entries := make([]window.Entry[T], 0, len(ks))
	maxSplit := window.NoSplit

	for key := range ks {
		if q.KeyPrefix != "" && !strings.HasPrefix(key, q.KeyPrefix) {
			continue
		}
		rec, ok, err := s.lookupLocked(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		v, err := window.DecodeValue[T](rec.Value)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", key, err)
		}
		entries = append(entries, window.Entry[T]{Key: key, Value: v})
		if rec.SplitNum > maxSplit {
			maxSplit = rec.SplitNum
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return window.NewSliceIterator(entries, maxSplit), nil
}

// Delete removes every entry of a window instance in a partition.
func (s *Store[T]) Delete(ctx context.Context, windowInstanceID, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return err
	}

	e := wal.Entry{Op: wal.OpDeleteWindow, Partition: partition, WindowInstanceID: windowInstanceID}
	if err := s.logWAL(e); err != nil {
		return err
	}
	s.applyLocked(e)
	return nil
}

// RemoveKeys deletes individual keys. Malformed keys are rejected before
// anything is removed.
func (s *Store[T]) RemoveKeys(ctx context.Context, ks []string) error {
	if len(ks) == 0 {
		return ctx.Err()
	}

	entries := make([]wal.Entry, 0, len(ks))
	for _, key := range ks {
		if _, _, err := s.opts.Joiner.Route(key); err != nil {
			return err
		}
		entries = append(entries, wal.Entry{Op: wal.OpRemoveKey, Key: key})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return err
	}
	if err := s.logWAL(entries...); err != nil {
		return err
	}
	for _, e := range entries {
		s.applyLocked(e)
	}
	return nil
}

// ClearCache drops every entry of a partition.
func (s *Store[T]) ClearCache(ctx context.Context, partition string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return err
	}

	e := wal.Entry{Op: wal.OpClearPartition, Partition: partition}
	if err := s.logWAL(e); err != nil {
		return err
	}
	s.applyLocked(e)

	log.Debug("partition cleared", "namespace", s.opts.Namespace, "partition", partition)
	return nil
}

// Stats describes the store's contents.
type Stats struct {
	Live           int
	Snapshot       int
	Tombstones     int
	Partitions     int
	SnapshotMemory int64
	CheckpointSeq  int64
	WAL            *wal.WriterStats
}

// Stats returns current counters.
func (s *Store[T]) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Live:          len(s.records),
		Snapshot:      s.snapshotSize(),
		Tombstones:    len(s.tombstones),
		Partitions:    len(s.index),
		CheckpointSeq: s.checkpointSeq,
	}
	if s.snapshot != nil {
		st.SnapshotMemory = s.snapshot.EstimatedMemory()
	}
	if s.wal != nil {
		ws := s.wal.Stats()
		st.WAL = &ws
	}
	return st
}

// Len returns the number of visible entries.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := 0
	for _, wins := range s.index {
		for _, ks := range wins {
			n += len(ks)
		}
	}
	return n
}

// Close flushes and closes the WAL. The store rejects calls afterwards.
func (s *Store[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.wal != nil {
		return s.wal.Close()
	}
	return nil
}
