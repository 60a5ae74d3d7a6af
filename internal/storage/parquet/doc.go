// Package parquet reads and writes local store checkpoints.
//
// A checkpoint is one Parquet file of RecordRows. Writers stage into a
// temporary file and rename it into place on Close, so a checkpoint path
// either holds a complete file or nothing.
package parquet
