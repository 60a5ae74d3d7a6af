package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/xtxerr/windowstate/internal/errors"
	"github.com/xtxerr/windowstate/internal/storage/config"
	"github.com/xtxerr/windowstate/internal/storage/readiness"
	"github.com/xtxerr/windowstate/internal/storage/remote"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.AutoFlush.Enabled = false
	cfg.Local.Checkpoint.Interval = 0
	return cfg
}

func TestService_New(t *testing.T) {
	svc, err := New[int](testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Stop()

	if svc.IsRunning() {
		t.Error("service should not be running before Start()")
	}
	if svc.Storage() == nil || svc.Local() == nil {
		t.Fatal("router and local store must be built")
	}
	if svc.Remote() == nil || svc.Batch() == nil || svc.BatchBuffer() == nil {
		t.Error("remote tier components missing")
	}
}

func TestService_NewInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Window.Workers = 0

	_, err := New[int](cfg, nil)
	if !errors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestService_StartStop(t *testing.T) {
	svc, err := New[int](testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := svc.Start(); !errors.Is(err, errors.ErrRunning) {
		t.Errorf("second Start: expected ErrRunning, got %v", err)
	}

	if !svc.IsRunning() {
		t.Error("service should be running after Start()")
	}
	stats := svc.Stats()
	if !stats.Running {
		t.Error("stats.Running should be true")
	}
	if stats.Pool.Workers != 10 {
		t.Errorf("Pool.Workers: got %d, want 10", stats.Pool.Workers)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if svc.IsRunning() {
		t.Error("service should not be running after Stop()")
	}
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestService_StopWithoutStart(t *testing.T) {
	svc, err := New[int](testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestService_LocalOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Window.LocalOnly = true

	svc, err := New[int](cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Stop()

	if svc.Remote() != nil || svc.Batch() != nil || svc.BatchBuffer() != nil {
		t.Error("local-only service must not build remote components")
	}
	if !svc.Storage().LocalOnly() {
		t.Error("router should be local-only")
	}

	ctx := context.Background()
	if err := svc.Storage().MultiPut(ctx, map[string]int{"p1;w1;a;t": 1}, "w1", "p1", svc.BatchBuffer()); err != nil {
		t.Fatalf("MultiPut: %v", err)
	}
	got, err := svc.Storage().MultiGet(ctx, []string{"p1;w1;a;t"}, "w1", "p1")
	if err != nil {
		t.Fatalf("MultiGet: %v", err)
	}
	if got["p1;w1;a;t"] != 1 {
		t.Errorf("MultiGet: got %v", got)
	}
	if err := svc.Flush(ctx); err != nil {
		t.Errorf("Flush in local-only mode: %v", err)
	}
}

func TestService_StopFlushesAndCheckpoints(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Remote.DSN = filepath.Join(cfg.DataDir, "remote", "state.duckdb")

	oracle := readiness.New()
	oracle.MarkFinished("p1", "w1")

	svc, err := New[int](cfg, oracle)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := svc.Storage().MultiPut(ctx, map[string]int{"p1;w1;a;t": 5}, "w1", "p1", svc.BatchBuffer()); err != nil {
		t.Fatalf("MultiPut: %v", err)
	}
	if n := svc.Batch().Count(); n != 1 {
		t.Fatalf("deferred statements: got %d, want 1", n)
	}
	if n, _ := svc.Remote().Count(ctx); n != 0 {
		t.Fatalf("remote rows before Stop: got %d, want 0", n)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	entries, err := os.ReadDir(cfg.CheckpointDir())
	if err != nil {
		t.Fatalf("read checkpoint dir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("checkpoint files: got %d, want 1", len(entries))
	}

	rem, err := remote.Open[int](ctx, remote.OptionsFromConfig(cfg))
	if err != nil {
		t.Fatalf("open remote: %v", err)
	}
	defer rem.Close()
	if n, _ := rem.Count(ctx); n != 1 {
		t.Errorf("remote rows after Stop: got %d, want 1", n)
	}
}

func TestService_Stats(t *testing.T) {
	ctx := context.Background()
	svc, err := New[int](testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Stop()

	if err := svc.Storage().MultiPut(ctx, map[string]int{"p1;w1;a;t": 1}, "w1", "p1", nil); err != nil {
		t.Fatalf("MultiPut: %v", err)
	}
	if _, err := svc.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	st := svc.Stats()
	if st.Local.Live != 1 {
		t.Errorf("Local.Live: got %d", st.Local.Live)
	}
	if st.Remote == nil || st.Remote.RowsWritten != 1 {
		t.Errorf("Remote: %+v", st.Remote)
	}
	if len(st.Operations) != 2 {
		t.Errorf("Operations: got %+v", st.Operations)
	}
	if len(st.Latency) != 2 {
		t.Errorf("Latency: got %d summaries", len(st.Latency))
	}
	if st.Checkpoints != 1 || st.LastCheckpoint.IsZero() {
		t.Errorf("checkpoint stats: %d %v", st.Checkpoints, st.LastCheckpoint)
	}
	if st.Batch == nil || st.AutoFlush == nil {
		t.Error("batch and auto-flush stats missing")
	}
}

func TestService_StopClosesLatencyBuckets(t *testing.T) {
	ctx := context.Background()
	svc, err := New[int](testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := svc.Storage().MultiPut(ctx, map[string]int{"p1;w1;a;t": 1}, "w1", "p1", nil); err != nil {
		t.Fatalf("MultiPut: %v", err)
	}

	tracker := svc.latency
	if tracker == nil {
		t.Fatal("latency tracking disabled in default config")
	}
	if got := tracker.Stats().Active; got == 0 {
		t.Fatal("expected open latency buckets before Stop")
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	st := tracker.Stats()
	if st.Active != 0 || st.CompletedPending != 0 {
		t.Errorf("latency buckets left after Stop: %+v", st)
	}
	if st.BucketsCompleted == 0 {
		t.Error("expected open buckets to be completed on Stop")
	}
}
