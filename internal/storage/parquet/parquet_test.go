package parquet

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func sampleRows(n int) []RecordRow {
	rows := make([]RecordRow, n)
	for i := range rows {
		rows[i] = RecordRow{
			Key:              fmt.Sprintf("p1;w1;k%05d;t1;t2", i),
			Partition:        "p1",
			WindowInstanceID: "w1;k",
			SplitNum:         int64(i % 4),
			Value:            []byte(fmt.Sprintf(`{"n":%d}`, i)),
		}
	}
	return rows
}

func TestRecordWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints", "cp.parquet")

	w, err := NewRecordWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewRecordWriter: %v", err)
	}

	rows := sampleRows(10)
	if err := w.Write(rows); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if w.RowCount() != 10 {
		t.Errorf("expected 10 rows, got %d", w.RowCount())
	}

	// Nothing is visible at the final path until Close.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("checkpoint visible before Close: %v", err)
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := w.Write(rows); err != ErrWriterClosed {
		t.Errorf("expected ErrWriterClosed, got %v", err)
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) != len(rows) {
		t.Fatalf("expected %d rows, got %d", len(rows), len(got))
	}
	for i := range rows {
		if got[i].Key != rows[i].Key || got[i].SplitNum != rows[i].SplitNum || !bytes.Equal(got[i].Value, rows[i].Value) {
			t.Errorf("row %d mismatch: %+v", i, got[i])
		}
	}
}

func TestRecordReaderChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.parquet")

	w, err := NewRecordWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewRecordWriter: %v", err)
	}
	if err := w.Write(sampleRows(5)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	r, err := NewRecordReader(path)
	if err != nil {
		t.Fatalf("NewRecordReader: %v", err)
	}
	defer r.Close()

	if r.NumRows() != 5 {
		t.Errorf("expected 5 rows, got %d", r.NumRows())
	}

	total := 0
	for {
		rows, err := r.Read(2)
		total += len(rows)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if total != 5 {
		t.Errorf("expected 5 rows total, got %d", total)
	}
}

func TestRecordWriterAbort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cp.parquet")

	w, err := NewRecordWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewRecordWriter: %v", err)
	}
	if err := w.Write(sampleRows(3)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty dir after Abort, got %d entries", len(entries))
	}
}

func TestCompressionTypes(t *testing.T) {
	for _, name := range []string{"none", "snappy", "zstd", "lz4", "gzip"} {
		t.Run(name, func(t *testing.T) {
			ct := ParseCompressionType(name)
			if ct.String() != name {
				t.Errorf("round trip: got %q", ct.String())
			}

			path := filepath.Join(t.TempDir(), name+".parquet")
			w, err := NewRecordWriter(path, Options{Compression: ct})
			if err != nil {
				t.Fatalf("NewRecordWriter: %v", err)
			}
			if err := w.Write(sampleRows(50)); err != nil {
				t.Fatalf("Write: %v", err)
			}
			if err := w.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			rows, err := ReadFile(path)
			if err != nil {
				t.Fatalf("ReadFile: %v", err)
			}
			if len(rows) != 50 {
				t.Errorf("expected 50 rows, got %d", len(rows))
			}
		})
	}

	if ParseCompressionType("brotli") != CompressionZstd {
		t.Error("unknown compression should default to zstd")
	}
}

func TestEmptyCheckpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.parquet")

	w, err := NewRecordWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewRecordWriter: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	rows, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
}

func TestGetFileInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.parquet")

	w, err := NewRecordWriter(path, DefaultOptions())
	if err != nil {
		t.Fatalf("NewRecordWriter: %v", err)
	}
	if err := w.Write(sampleRows(7)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	info, err := GetFileInfo(path)
	if err != nil {
		t.Fatalf("GetFileInfo: %v", err)
	}
	if info.NumRows != 7 {
		t.Errorf("expected 7 rows, got %d", info.NumRows)
	}
	if info.NumCols != 5 {
		t.Errorf("expected 5 columns, got %d", info.NumCols)
	}
	if info.Size == 0 {
		t.Error("expected non-zero size")
	}
}
