package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"text/tabwriter"

	"github.com/xtxerr/windowstate/internal/storage/config"
	"github.com/xtxerr/windowstate/internal/storage/parquet"
	"github.com/xtxerr/windowstate/internal/storage/wal"
)

// inspectDataDir prints the WAL segments and checkpoints under cfg.
func inspectDataDir(w io.Writer, cfg *config.Config) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "WAL\t%s\n", cfg.WALDir())
	segments, err := wal.ListSegments(cfg.WALDir())
	if err != nil {
		return fmt.Errorf("list wal segments: %w", err)
	}
	for _, path := range segments {
		r, err := wal.NewReader(path)
		if err != nil {
			fmt.Fprintf(tw, "  %s\terror: %v\n", filepath.Base(path), err)
			continue
		}

		ops := make(map[string]int)
		entries, _ := r.ReadAll()
		for _, e := range entries {
			ops[e.Op.String()]++
		}
		st := r.Stats()
		r.Close()

		fmt.Fprintf(tw, "  %s\trecords=%d\tentries=%d\tcorrupt=%d\t%s\n",
			filepath.Base(path), st.RecordsRead, st.EntriesRead, st.CorruptRecords, formatOps(ops))
	}

	fmt.Fprintf(tw, "Checkpoints\t%s\n", cfg.CheckpointDir())
	matches, err := filepath.Glob(filepath.Join(cfg.CheckpointDir(), "*.parquet"))
	if err != nil {
		return err
	}
	sort.Strings(matches)
	for _, path := range matches {
		info, err := parquet.GetFileInfo(path)
		if err != nil {
			fmt.Fprintf(tw, "  %s\terror: %v\n", filepath.Base(path), err)
			continue
		}
		fmt.Fprintf(tw, "  %s\trows=%d\tcolumns=%d\tbytes=%d\n",
			filepath.Base(path), info.NumRows, info.NumCols, info.Size)
	}

	if len(segments) == 0 && len(matches) == 0 {
		if _, err := os.Stat(cfg.DataDir); err != nil {
			fmt.Fprintf(tw, "data dir %s: %v\n", cfg.DataDir, err)
		}
	}

	return tw.Flush()
}

func formatOps(ops map[string]int) string {
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	sort.Strings(names)

	out := ""
	for i, name := range names {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s=%d", name, ops[name])
	}
	return out
}
