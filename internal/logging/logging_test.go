package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/goccy/go-json"
)

func capture(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	prev := Logger
	t.Cleanup(func() {
		Logger = prev
		if prev != nil {
			slog.SetDefault(prev)
		}
	})

	var buf bytes.Buffer
	InitWriter(&buf, level, true)
	return &buf
}

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestComponentResolvesLazily(t *testing.T) {
	// Created before the global logger is replaced.
	log := Component("batch")

	buf := capture(t, slog.LevelInfo)
	log.Info("flushed", "statements", 3)
	log.Debug("hidden")

	got := lines(t, buf)
	if len(got) != 1 {
		t.Fatalf("records: got %d, want 1", len(got))
	}
	if got[0]["component"] != "batch" || got[0]["msg"] != "flushed" {
		t.Errorf("record: %v", got[0])
	}
	if got[0]["statements"] != float64(3) {
		t.Errorf("statements: %v", got[0]["statements"])
	}
}

func TestComponentWithAttrs(t *testing.T) {
	buf := capture(t, slog.LevelDebug)

	Component("wal").With("dir", "/tmp/wal").WithGroup("segment").Debug("opened", "seq", 4)

	got := lines(t, buf)
	if len(got) != 1 {
		t.Fatalf("records: got %d", len(got))
	}
	if got[0]["dir"] != "/tmp/wal" {
		t.Errorf("dir: %v", got[0]["dir"])
	}
	seg, ok := got[0]["segment"].(map[string]any)
	if !ok || seg["seq"] != float64(4) {
		t.Errorf("segment group: %v", got[0]["segment"])
	}
}

func TestWithContext(t *testing.T) {
	buf := capture(t, slog.LevelInfo)

	ctx := ContextWithPartition(context.Background(), "p1")
	ctx = ContextWithWindowInstance(ctx, "w1")
	ctx = ContextWithBatchID(ctx, "b-7")
	WithContext(ctx).Info("deferred")

	got := lines(t, buf)
	if len(got) != 1 {
		t.Fatalf("records: got %d", len(got))
	}
	for k, want := range map[string]string{"partition": "p1", "window_instance": "w1", "batch_id": "b-7"} {
		if got[0][k] != want {
			t.Errorf("%s: got %v, want %q", k, got[0][k], want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" WARN ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
