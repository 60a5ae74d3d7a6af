package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/xtxerr/windowstate/internal/errors"
	"github.com/xtxerr/windowstate/internal/storage/kv"
	"github.com/xtxerr/windowstate/internal/storage/parquet"
	"github.com/xtxerr/windowstate/internal/storage/wal"
)

// A checkpoint named with sequence S holds every mutation logged in WAL
// segments below S.
func checkpointName(seq int64) string {
	return fmt.Sprintf("checkpoint-%016d.parquet", seq)
}

type checkpointFile struct {
	path string
	seq  int64
}

func listCheckpoints(dir string) ([]checkpointFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var files []checkpointFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		var seq int64
		if _, err := fmt.Sscanf(e.Name(), "checkpoint-%016d.parquet", &seq); err != nil {
			continue
		}
		if e.Name() != checkpointName(seq) {
			continue
		}
		files = append(files, checkpointFile{path: filepath.Join(dir, e.Name()), seq: seq})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].seq < files[j].seq })
	return files, nil
}

func (s *Store[T]) loadCheckpoint() error {
	files, err := listCheckpoints(s.opts.CheckpointDir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	latest := files[len(files)-1]

	rows, err := parquet.ReadFile(latest.path)
	if err != nil {
		return fmt.Errorf("read %s: %w", latest.path, err)
	}
	s.checkpointSeq = latest.seq

	if len(rows) == 0 {
		return nil
	}
	if s.opts.SnapshotCapacity > 0 && len(rows) > s.opts.SnapshotCapacity {
		return fmt.Errorf("checkpoint %s holds %d entries, capacity %d: %w",
			latest.path, len(rows), s.opts.SnapshotCapacity, errors.ErrCapacityExceeded)
	}

	var keyBytes, valueBytes int
	for _, r := range rows {
		keyBytes += len(r.Key)
		valueBytes += len(r.Value) + 8
	}

	layout := kv.WithVariableLength()
	if s.opts.SlotSize > 0 {
		layout = kv.WithFixedLength(s.opts.SlotSize + 8)
	}
	snap, err := kv.NewByteValueKV(len(rows),
		layout,
		kv.WithExpectedSizes(keyBytes/len(rows)+1, valueBytes/len(rows)+1))
	if err != nil {
		return err
	}

	for _, r := range rows {
		if err := snap.Put(r.Key, encodeEnvelope(r.SplitNum, r.Value)); err != nil {
			return fmt.Errorf("load %s: %w", latest.path, err)
		}
		s.indexAdd(r.Partition, r.WindowInstanceID, r.Key)
	}
	s.snapshot = snap

	log.Info("checkpoint loaded", "path", latest.path, "seq", latest.seq, "entries", len(rows))
	return nil
}

// replayWAL applies segments written after the loaded checkpoint.
func (s *Store[T]) replayWAL() error {
	paths, err := wal.ListSegments(s.opts.WALDir)
	if err != nil {
		return err
	}

	var replayed, segments int
	for _, path := range paths {
		var seq int64
		if _, err := fmt.Sscanf(filepath.Base(path), "%016d.wal", &seq); err != nil {
			continue
		}
		if seq < s.checkpointSeq {
			continue
		}

		entries, err := wal.ReadSegment(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			s.applyLocked(e)
		}
		replayed += len(entries)
		segments++
	}

	if replayed > 0 {
		log.Info("wal replayed", "dir", s.opts.WALDir, "segments", segments, "entries", replayed)
	}
	return nil
}

// CheckpointResult describes a completed checkpoint.
type CheckpointResult struct {
	Path     string
	Seq      int64
	Rows     int64
	Duration time.Duration
}

// Checkpoint writes every visible entry to a new Parquet file, then drops
// the WAL segments and older checkpoints it covers. It returns
// errors.ErrUnsupported when checkpoints are disabled.
func (s *Store[T]) Checkpoint(ctx context.Context) (*CheckpointResult, error) {
	if s.opts.CheckpointDir == "" {
		return nil, fmt.Errorf("checkpoint: %w", errors.ErrUnsupported)
	}

	s.ckptMu.Lock()
	defer s.ckptMu.Unlock()

	start := time.Now()

	seq, rows, err := s.collect(ctx)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.opts.CheckpointDir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	path := filepath.Join(s.opts.CheckpointDir, checkpointName(seq))

	w, err := parquet.NewRecordWriter(path, s.opts.Parquet)
	if err != nil {
		return nil, err
	}
	if err := w.Write(rows); err != nil {
		w.Abort()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.checkpointSeq = seq
	s.mu.Unlock()

	if s.wal != nil {
		if _, err := s.wal.DeleteSegmentsBefore(seq); err != nil {
			log.Warn("wal cleanup failed", "seq", seq, "error", err)
		}
	}
	s.removeCheckpointsBefore(seq)

	res := &CheckpointResult{
		Path:     path,
		Seq:      seq,
		Rows:     int64(len(rows)),
		Duration: time.Since(start),
	}
	log.Info("checkpoint written",
		"namespace", s.opts.Namespace,
		"path", path,
		"rows", res.Rows,
		"duration", res.Duration)
	return res, nil
}

// collect rotates the WAL and copies visible entries under the write lock,
// so the rows match exactly the segments below the returned sequence.
func (s *Store[T]) collect(ctx context.Context) (int64, []parquet.RecordRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.check(ctx); err != nil {
		return 0, nil, err
	}

	var rows []parquet.RecordRow
	for _, wins := range s.index {
		for _, ks := range wins {
			for key := range ks {
				rec, ok, err := s.lookupLocked(key)
				if err != nil {
					return 0, nil, err
				}
				if !ok {
					continue
				}
				rows = append(rows, parquet.RecordRow{
					Key:              rec.Key,
					Partition:        rec.Partition,
					WindowInstanceID: rec.WindowInstanceID,
					SplitNum:         rec.SplitNum,
					Value:            rec.Value,
				})
			}
		}
	}

	// A file that loadCheckpoint would reject must not replace the WAL.
	if err := s.fitsSnapshot(rows); err != nil {
		return 0, nil, fmt.Errorf("checkpoint: %w", err)
	}

	seq := s.checkpointSeq + 1
	if s.wal != nil {
		next, err := s.wal.Rotate()
		if err != nil {
			return 0, nil, fmt.Errorf("rotate wal: %w", err)
		}
		seq = next
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return seq, rows, nil
}

func (s *Store[T]) fitsSnapshot(rows []parquet.RecordRow) error {
	if s.opts.SnapshotCapacity > 0 && len(rows) > s.opts.SnapshotCapacity {
		return fmt.Errorf("%d entries, capacity %d: %w",
			len(rows), s.opts.SnapshotCapacity, errors.ErrCapacityExceeded)
	}
	if s.opts.SlotSize > 0 {
		for _, r := range rows {
			if len(r.Value) > s.opts.SlotSize {
				return fmt.Errorf("key %q: %d bytes > slot %d: %w",
					r.Key, len(r.Value), s.opts.SlotSize, errors.ErrValueTooLarge)
			}
		}
	}
	return nil
}

func (s *Store[T]) removeCheckpointsBefore(seq int64) {
	files, err := listCheckpoints(s.opts.CheckpointDir)
	if err != nil {
		log.Warn("list checkpoints failed", "dir", s.opts.CheckpointDir, "error", err)
		return
	}
	for _, f := range files {
		if f.seq >= seq {
			break
		}
		if err := os.Remove(f.path); err != nil {
			log.Warn("remove checkpoint failed", "path", f.path, "error", err)
		}
	}
}
