package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
)

// ErrCorruptRecord marks a record whose length, checksum or payload is
// invalid. A torn tail after a crash shows up as one.
var ErrCorruptRecord = errors.New("corrupt wal record")

// Reader reads records from one segment file.
type Reader struct {
	path string
	file *os.File
	buf  *bufio.Reader

	stats ReaderStats
}

// ReaderStats holds WAL reader statistics.
type ReaderStats struct {
	RecordsRead    int64
	EntriesRead    int64
	BytesRead      int64
	CorruptRecords int64
}

// NewReader opens a segment and verifies its header.
func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}

	var header [headerSize]byte
	if _, err := io.ReadFull(f, header[:]); err != nil {
		f.Close()
		return nil, fmt.Errorf("read header: %w", err)
	}

	if magic := binary.LittleEndian.Uint64(header[0:8]); magic != walMagic {
		f.Close()
		return nil, fmt.Errorf("invalid magic: expected %x, got %x", uint64(walMagic), magic)
	}
	if version := binary.LittleEndian.Uint32(header[8:12]); version != walVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported version: %d", version)
	}

	return &Reader{
		path: path,
		file: f,
		buf:  bufio.NewReader(f),
	}, nil
}

// ReadRecord returns the entries of the next record, or io.EOF.
func (r *Reader) ReadRecord() ([]Entry, error) {
	var header [recordHeaderSize]byte
	if _, err := io.ReadFull(r.buf, header[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: header: %v", ErrCorruptRecord, err)
	}

	length := binary.LittleEndian.Uint32(header[0:4])
	expectedCRC := binary.LittleEndian.Uint32(header[4:8])

	if length > maxRecordSize {
		return nil, fmt.Errorf("%w: record too large: %d bytes", ErrCorruptRecord, length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r.buf, payload); err != nil {
		return nil, fmt.Errorf("%w: payload: %v", ErrCorruptRecord, err)
	}

	if actual := crc32.ChecksumIEEE(payload); actual != expectedCRC {
		return nil, fmt.Errorf("%w: crc mismatch: expected %x, got %x", ErrCorruptRecord, expectedCRC, actual)
	}

	entries, err := decodeEntries(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
	}

	r.stats.RecordsRead++
	r.stats.EntriesRead += int64(len(entries))
	r.stats.BytesRead += int64(recordHeaderSize + len(payload))

	return entries, nil
}

// ReadAll returns every entry up to the first corrupt record. Records
// after a corrupt one cannot be framed reliably and are not read.
func (r *Reader) ReadAll() ([]Entry, error) {
	var all []Entry

	for {
		entries, err := r.ReadRecord()
		if err == io.EOF {
			return all, nil
		}
		if err != nil {
			r.stats.CorruptRecords++
			log.Warn("wal segment truncated at corrupt record",
				"path", r.path, "records_read", r.stats.RecordsRead, "error", err)
			return all, nil
		}
		all = append(all, entries...)
	}
}

// Close closes the segment file.
func (r *Reader) Close() error {
	if r.file != nil {
		return r.file.Close()
	}
	return nil
}

// Stats returns reader statistics.
func (r *Reader) Stats() ReaderStats {
	return r.stats
}

// Path returns the segment path.
func (r *Reader) Path() string {
	return r.path
}

// ReadSegment reads every entry of one segment.
func ReadSegment(path string) ([]Entry, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	return r.ReadAll()
}

// ReadAllSegments reads segments in the given order.
func ReadAllSegments(paths []string) ([]Entry, error) {
	var all []Entry

	for _, path := range paths {
		entries, err := ReadSegment(path)
		if err != nil {
			return nil, fmt.Errorf("read segment %s: %w", path, err)
		}
		all = append(all, entries...)
	}

	return all, nil
}

// Iterator walks the entries of one segment.
type Iterator struct {
	reader   *Reader
	buffer   []Entry
	position int
	current  Entry
	done     bool
	err      error
}

// NewIterator opens an iterator over a segment file.
func NewIterator(path string) (*Iterator, error) {
	r, err := NewReader(path)
	if err != nil {
		return nil, err
	}
	return &Iterator{reader: r}, nil
}

// Next advances to the next entry.
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	for it.position >= len(it.buffer) {
		entries, err := it.reader.ReadRecord()
		if err == io.EOF {
			it.done = true
			return false
		}
		if err != nil {
			it.err = err
			return false
		}
		it.buffer = entries
		it.position = 0
	}

	it.current = it.buffer[it.position]
	it.position++
	return true
}

// Entry returns the current entry.
func (it *Iterator) Entry() Entry {
	return it.current
}

// Err returns the error that stopped iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

// Close closes the underlying segment.
func (it *Iterator) Close() error {
	return it.reader.Close()
}
