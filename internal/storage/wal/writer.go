// Package wal is the local store's write-ahead log.
//
// Mutations are appended as records to numbered segment files. A record
// carries one batch of entries; replay applies records in segment order.
//
// Segment format:
//   - Header: 8 bytes magic + 4 bytes version
//   - Records: [4 bytes length][4 bytes crc32][payload]
package wal

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/xtxerr/windowstate/internal/logging"
)

var log = logging.Component("wal")

// Writer appends entries to the current segment and rotates segments.
type Writer struct {
	mu sync.Mutex

	dir            string
	currentSegment *os.File
	currentPath    string
	currentSeq     int64
	currentSize    int64
	nextSeq        int64

	writer *bufio.Writer
	opts   Options

	stop chan struct{}
	done chan struct{}

	stats WriterStats
}

// Sync modes.
const (
	SyncAsync = "async" // buffered; flushed every SyncInterval
	SyncBatch = "sync"  // buffer flushed after every write
	SyncFsync = "fsync" // flushed and fsynced after every write
)

// Options configures the WAL writer.
type Options struct {
	// MaxSegmentSize triggers rotation. Default: 64MB.
	MaxSegmentSize int64

	// SyncMode is one of SyncAsync, SyncBatch or SyncFsync.
	SyncMode string

	// SyncInterval drives the background flush in async mode. Zero
	// disables it. Default: 1s.
	SyncInterval time.Duration

	// BufferSize is the write buffer size. Default: 64KB.
	BufferSize int
}

// DefaultOptions returns default WAL options.
func DefaultOptions() Options {
	return Options{
		MaxSegmentSize: 64 * 1024 * 1024,
		SyncMode:       SyncAsync,
		SyncInterval:   time.Second,
		BufferSize:     64 * 1024,
	}
}

// WriterStats holds WAL writer statistics.
type WriterStats struct {
	SegmentsCreated int64
	RecordsWritten  int64
	EntriesWritten  int64
	BytesWritten    int64
	SyncsPerformed  int64
	Errors          int64
}

const (
	walMagic         = 0x5753544154450001 // "WSTATE" + version 1
	walVersion       = 1
	headerSize       = 12 // 8 bytes magic + 4 bytes version
	recordHeaderSize = 8  // 4 bytes length + 4 bytes crc
	maxRecordSize    = 100 * 1024 * 1024
)

// NewWriter opens a writer in dir. Existing segments are left alone and a
// fresh segment is started after the highest one.
func NewWriter(dir string, opts Options) (*Writer, error) {
	def := DefaultOptions()
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = def.MaxSegmentSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.SyncMode == "" {
		opts.SyncMode = SyncAsync
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}

	w := &Writer{
		dir:  dir,
		opts: opts,
	}

	segments, err := listSegments(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	if len(segments) > 0 {
		w.nextSeq = segments[len(segments)-1].seq + 1
	}

	if err := w.rotateUnlocked(); err != nil {
		return nil, fmt.Errorf("create initial segment: %w", err)
	}

	if opts.SyncMode == SyncAsync && opts.SyncInterval > 0 {
		w.stop = make(chan struct{})
		w.done = make(chan struct{})
		go w.syncLoop()
	}

	return w, nil
}

func (w *Writer) syncLoop() {
	defer close(w.done)

	ticker := time.NewTicker(w.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.Sync(); err != nil {
				log.Warn("wal background sync failed", "error", err)
			}
		}
	}
}

// Write appends entries as one record.
func (w *Writer) Write(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}

	payload := encodeEntries(entries)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment == nil {
		return fmt.Errorf("wal writer closed")
	}

	recordSize := int64(recordHeaderSize + len(payload))
	if w.currentSize > headerSize && w.currentSize+recordSize > w.opts.MaxSegmentSize {
		if err := w.rotateUnlocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("rotate segment: %w", err)
		}
	}

	if err := w.writeRecord(payload); err != nil {
		w.stats.Errors++
		return fmt.Errorf("write record: %w", err)
	}

	w.stats.RecordsWritten++
	w.stats.EntriesWritten += int64(len(entries))
	w.stats.BytesWritten += recordSize

	if w.opts.SyncMode == SyncBatch || w.opts.SyncMode == SyncFsync {
		if err := w.syncUnlocked(); err != nil {
			w.stats.Errors++
			return fmt.Errorf("sync: %w", err)
		}
	}

	return nil
}

func (w *Writer) writeRecord(payload []byte) error {
	var header [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(header[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(header[4:8], crc32.ChecksumIEEE(payload))

	if _, err := w.writer.Write(header[:]); err != nil {
		return err
	}
	if _, err := w.writer.Write(payload); err != nil {
		return err
	}

	w.currentSize += int64(recordHeaderSize + len(payload))
	return nil
}

// Sync flushes buffered data, and fsyncs in fsync mode.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncUnlocked()
}

func (w *Writer) syncUnlocked() error {
	if w.writer == nil {
		return nil
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if w.opts.SyncMode == SyncFsync {
		if err := w.currentSegment.Sync(); err != nil {
			return err
		}
	}
	w.stats.SyncsPerformed++
	return nil
}

// Rotate closes the current segment and starts a new one. It returns the
// sequence number of the new segment; every entry written before Rotate
// lives in a segment with a lower number.
func (w *Writer) Rotate() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateUnlocked(); err != nil {
		return 0, err
	}
	return w.currentSeq, nil
}

func (w *Writer) rotateUnlocked() error {
	if w.currentSegment != nil {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("flush segment %s: %w", w.currentPath, err)
		}
		if err := w.currentSegment.Close(); err != nil {
			return fmt.Errorf("close segment %s: %w", w.currentPath, err)
		}
		w.currentSegment = nil
	}

	seq := w.nextSeq
	path := filepath.Join(w.dir, segmentName(seq))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("create segment %s: %w", path, err)
	}

	var header [headerSize]byte
	binary.LittleEndian.PutUint64(header[0:8], walMagic)
	binary.LittleEndian.PutUint32(header[8:12], walVersion)

	if _, err := f.Write(header[:]); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write header: %w", err)
	}

	w.currentSegment = f
	w.currentPath = path
	w.currentSeq = seq
	w.currentSize = headerSize
	w.writer = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.nextSeq = seq + 1
	w.stats.SegmentsCreated++

	log.Debug("wal segment opened", "path", path, "seq", seq)
	return nil
}

// Close flushes and closes the current segment.
func (w *Writer) Close() error {
	if w.stop != nil {
		select {
		case <-w.stop:
		default:
			close(w.stop)
		}
		<-w.done
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSegment == nil {
		return nil
	}

	flushErr := w.writer.Flush()
	closeErr := w.currentSegment.Close()
	w.currentSegment = nil
	w.writer = nil

	if flushErr != nil {
		return flushErr
	}
	return closeErr
}

// Stats returns writer statistics.
func (w *Writer) Stats() WriterStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// CurrentSegment returns the current segment path.
func (w *Writer) CurrentSegment() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentPath
}

// CurrentSeq returns the sequence number of the current segment.
func (w *Writer) CurrentSeq() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.currentSeq
}

// Dir returns the segment directory.
func (w *Writer) Dir() string {
	return w.dir
}

type segmentInfo struct {
	path string
	seq  int64
	size int64
}

func segmentName(seq int64) string {
	return fmt.Sprintf("%016d.wal", seq)
}

func listSegments(dir string) ([]segmentInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var segments []segmentInfo
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if len(name) != 20 || name[16:] != ".wal" {
			continue
		}

		var seq int64
		if _, err := fmt.Sscanf(name, "%016d.wal", &seq); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		segments = append(segments, segmentInfo{
			path: filepath.Join(dir, name),
			seq:  seq,
			size: info.Size(),
		})
	}

	sort.Slice(segments, func(i, j int) bool {
		return segments[i].seq < segments[j].seq
	})
	return segments, nil
}

// ListSegments returns the segment paths in dir in sequence order.
func ListSegments(dir string) ([]string, error) {
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	paths := make([]string, len(segments))
	for i, s := range segments {
		paths[i] = s.path
	}
	return paths, nil
}

// ListSegments returns this writer's segment paths in order.
func (w *Writer) ListSegments() ([]string, error) {
	return ListSegments(w.dir)
}

// DeleteSegmentsBefore removes segments with a sequence number below seq.
// The current segment is never removed.
func (w *Writer) DeleteSegmentsBefore(seq int64) (int, error) {
	segments, err := listSegments(w.dir)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	deleted := 0
	for _, s := range segments {
		if s.seq >= seq || s.path == w.currentPath {
			break
		}
		if err := os.Remove(s.path); err != nil {
			log.Warn("delete wal segment failed", "path", s.path, "error", err)
			continue
		}
		deleted++
	}

	if deleted > 0 {
		log.Debug("wal segments deleted", "count", deleted, "before_seq", seq)
	}
	return deleted, nil
}
