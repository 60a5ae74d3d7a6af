// windowstated hosts the window state storage service.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"

	"github.com/xtxerr/windowstate/internal/errors"
	"github.com/xtxerr/windowstate/internal/logging"
	"github.com/xtxerr/windowstate/internal/storage"
	"github.com/xtxerr/windowstate/internal/storage/config"
	"github.com/xtxerr/windowstate/internal/storage/readiness"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	cfgPath := flag.String("config", "config.yaml", "config file path")
	dataDir := flag.String("data-dir", "", "data directory (overrides config)")
	dsn := flag.String("dsn", "", "remote DuckDB path (overrides config)")
	localOnly := flag.Bool("local-only", false, "disable the remote tier")
	finished := flag.String("finished", "", "comma-separated partitions to mark as loaded")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "log as JSON")
	statsEvery := flag.Duration("stats-interval", time.Minute, "stats log interval, 0 disables")
	requirements := flag.Bool("requirements", false, "print resource requirements and exit")
	inspect := flag.Bool("inspect", false, "print WAL and checkpoint contents and exit")
	flag.Parse()

	logging.Init(logging.ParseLevel(*logLevel), *logJSON)
	log := logging.Component("main")

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Error("load config", "path", *cfgPath, "error", err)
			os.Exit(1)
		}
		log.Info("no config file found, using defaults", "path", *cfgPath)
		cfg = config.DefaultConfig()
	}

	// CLI overrides
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *dsn != "" {
		cfg.Remote.DSN = *dsn
	}
	if *localOnly {
		cfg.Window.LocalOnly = true
	}

	if *requirements {
		req := cfg.CalculateRequirements()
		fmt.Print(req.FormatRequirements())
		return
	}

	if *inspect {
		if err := inspectDataDir(os.Stdout, cfg); err != nil {
			log.Error("inspect", "error", err)
			os.Exit(1)
		}
		return
	}

	oracle := readiness.New()
	for _, p := range strings.Split(*finished, ",") {
		if p = strings.TrimSpace(p); p != "" {
			oracle.MarkPartitionFinished(p)
		}
	}

	svc, err := storage.New[json.RawMessage](cfg, oracle)
	if err != nil {
		log.Error("create storage service", "error", err)
		os.Exit(1)
	}
	if err := svc.Start(); err != nil {
		log.Error("start storage service", "error", err)
		os.Exit(1)
	}

	log.Info("windowstated started",
		"version", Version,
		"data_dir", cfg.DataDir,
		"local_only", cfg.Window.LocalOnly,
		"finished_partitions", oracle.Partitions())

	var ticker <-chan time.Time
	if *statsEvery > 0 {
		t := time.NewTicker(*statsEvery)
		defer t.Stop()
		ticker = t.C
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-ticker:
			logStats(svc.Stats())
		case s := <-sig:
			log.Info("shutting down", "signal", s.String())
			if err := svc.Stop(); err != nil {
				log.Error("stop storage service", "error", err)
				os.Exit(1)
			}
			return
		}
	}
}

func logStats(st storage.ServiceStats) {
	attrs := []any{
		"uptime", st.Uptime.Round(time.Second),
		"local_live", st.Local.Live,
		"local_snapshot", st.Local.Snapshot,
		"pool_active", st.Pool.Active,
		"checkpoints", st.Checkpoints,
	}
	if st.Batch != nil {
		attrs = append(attrs, "batch_pending", st.Batch.Pending, "backpressure", st.Batch.Level.String())
	}
	if st.Remote != nil {
		attrs = append(attrs, "remote_rows_written", st.Remote.RowsWritten, "remote_errors", st.Remote.Errors)
	}
	logging.Component("main").Info("stats", attrs...)
}
