package parquet

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/parquet-go/parquet-go"
)

const readChunk = 4096

// RecordReader reads a checkpoint file.
type RecordReader struct {
	file   *os.File
	reader *parquet.GenericReader[RecordRow]
	path   string
}

// NewRecordReader opens a checkpoint.
func NewRecordReader(path string) (*RecordReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	return &RecordReader{
		file:   f,
		reader: parquet.NewGenericReader[RecordRow](f, parquet.ReadBufferSize(1024*1024)),
		path:   path,
	}, nil
}

// Read reads up to n rows. It returns io.EOF once no rows remain.
func (r *RecordReader) Read(n int) ([]RecordRow, error) {
	rows := make([]RecordRow, n)
	count, err := r.reader.Read(rows)
	if err != nil && !(errors.Is(err, io.EOF) && count > 0) {
		return rows[:count], err
	}
	return rows[:count], nil
}

// ReadAll reads every remaining row.
func (r *RecordReader) ReadAll() ([]RecordRow, error) {
	out := make([]RecordRow, 0, r.reader.NumRows())
	buf := make([]RecordRow, readChunk)

	for {
		n, err := r.reader.Read(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
		if n == 0 {
			return out, nil
		}
	}
}

// NumRows returns the total number of rows in the file.
func (r *RecordReader) NumRows() int64 {
	return r.reader.NumRows()
}

// Close closes the reader.
func (r *RecordReader) Close() error {
	if err := r.reader.Close(); err != nil {
		r.file.Close()
		return err
	}
	return r.file.Close()
}

// Path returns the file path.
func (r *RecordReader) Path() string {
	return r.path
}

// ReadFile reads every row of a checkpoint.
func ReadFile(path string) ([]RecordRow, error) {
	r, err := NewRecordReader(path)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return r.ReadAll()
}

// FileInfo holds information about a checkpoint file.
type FileInfo struct {
	Path    string
	Size    int64
	NumRows int64
	NumCols int
}

// GetFileInfo returns information about a checkpoint file.
func GetFileInfo(path string) (*FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}

	pf, err := parquet.OpenFile(f, stat.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	return &FileInfo{
		Path:    path,
		Size:    stat.Size(),
		NumRows: pf.NumRows(),
		NumCols: len(pf.Schema().Fields()),
	}, nil
}
