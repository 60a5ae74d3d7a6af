// Package storage assembles the window state storage service.
//
// Architecture:
//
//	                 ┌──────────────┐
//	  callers ──────▶│    Router    │◀──── readiness oracle
//	                 │ (window pkg) │
//	                 └──┬────────┬──┘
//	          worker    │        │   worker
//	           pool     ▼        ▼    pool
//	           ┌─────────────┐  ┌─────────────┐
//	           │    Local    │  │   Remote    │
//	           │ map+WAL+ckpt│  │  (DuckDB)   │
//	           └─────────────┘  └──────▲──────┘
//	                                   │ ExecBatch
//	                            ┌──────┴──────┐     ┌─────────────┐
//	                            │    Batch    │◀────│ Auto-Flush  │
//	                            │   Buffer    │     │ Controller  │
//	                            └─────────────┘     └─────────────┘
//
// The service provides:
//   - Per-(partition, window instance) routing between a local and a remote tier
//   - A local tier with a write-ahead log and Parquet checkpoints
//   - A compact byte-value snapshot loaded from the latest checkpoint
//   - Deferred remote writes with background flushing and backpressure
//   - DDSketch latency percentiles per tier and operation
package storage
