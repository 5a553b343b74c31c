// tallyd ingests parquet micro-batches and maintains checkpointed,
// independently verified running statistics.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acorvin/tally/internal/checkpoint"
	"github.com/acorvin/tally/internal/config"
	"github.com/acorvin/tally/internal/engine"
	"github.com/acorvin/tally/internal/errors"
	"github.com/acorvin/tally/internal/logging"
	"github.com/acorvin/tally/internal/pipeline"
	"github.com/acorvin/tally/internal/verify"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// CLI flags
	cfgPath := flag.String("config", "config.yaml", "config file path")
	input := flag.String("input", "", "input parquet file (overrides config)")
	validation := flag.String("validation", "", "validation partition file (overrides config)")
	dataDir := flag.String("data", "", "data directory (overrides config)")
	batchSize := flag.Int("batch-size", 0, "rows per micro-batch (overrides config)")
	reset := flag.String("reset", "", "clear state for a dimension, or 'all'")
	verifyOnly := flag.Bool("verify-only", false, "verify the latest checkpoint and exit")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "log in JSON format")
	version := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("tallyd %s\n", Version)
		return
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
	log.Printf("tallyd %s starting...", Version)

	// Load config
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			log.Printf("No config file found, using defaults")
			cfg = config.DefaultConfig()
		} else {
			log.Fatalf("Load config: %v", err)
		}
	}

	// CLI overrides
	if *input != "" {
		cfg.Source.Input = *input
	}
	if *validation != "" {
		cfg.Source.ValidationFile = *validation
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *batchSize > 0 {
		cfg.Source.BatchSize = *batchSize
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logJSON {
		cfg.Logging.JSON = true
	}

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	logging.Init(cfg.Logging.Level, cfg.Logging.JSON)

	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatalf("Create directories: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// =========================================================================
	// Initialize engine, checkpoint store, verifier
	// =========================================================================

	accuracy := 0.0
	if cfg.Engine.Percentile.Enabled {
		accuracy = cfg.Engine.Percentile.Accuracy
	}
	eng, err := engine.New(engine.Options{
		Dimensions:         cfg.DimensionNames(),
		PercentileAccuracy: accuracy,
	})
	if err != nil {
		log.Fatalf("Create engine: %v", err)
	}

	log.Printf("Opening checkpoint store: %s", cfg.CheckpointPath())
	store, err := checkpoint.Open(checkpoint.Options{
		Path:        cfg.CheckpointPath(),
		Synchronous: cfg.Checkpoint.Synchronous,
		BusyTimeout: cfg.Checkpoint.BusyTimeout,
	})
	if err != nil {
		log.Fatalf("Open checkpoint store: %v", err)
	}
	defer store.Close()

	var verifier pipeline.Verifier
	if cfg.Verify.Enabled {
		svc, err := verify.New(verify.Options{
			RowsGlob:       cfg.RowsGlob(),
			Audit:          store,
			ExactTolerance: cfg.Verify.ExactTolerance,
			DriftTolerance: cfg.Verify.DriftTolerance,
			MemoryLimit:    cfg.Verify.MemoryLimit,
			Threads:        cfg.Verify.Threads,
			Timeout:        cfg.Verify.Timeout,
			Concurrency:    cfg.Verify.Concurrency,
		})
		if err != nil {
			log.Fatalf("Create verifier: %v", err)
		}
		defer svc.Close()
		verifier = svc
	} else {
		log.Printf("Verification disabled")
	}

	runner := pipeline.New(cfg, eng, store, verifier)

	// =========================================================================
	// One-shot modes
	// =========================================================================

	if *reset != "" {
		if err := runner.Reset(ctx, *reset); err != nil {
			log.Fatalf("Reset: %v", err)
		}
		log.Printf("Reset complete (scope=%s)", *reset)
		return
	}

	if *verifyOnly {
		sum, err := runner.VerifyOnly(ctx)
		if err != nil {
			log.Fatalf("Verify: %v", err)
		}
		reportChecks(sum)
		return
	}

	// =========================================================================
	// Run
	// =========================================================================

	sum, err := runner.Run(ctx)
	if err != nil {
		if errors.IsFatal(err) {
			log.Printf("Checkpoint state is corrupt: %v", err)
			log.Fatalf("Run 'tallyd -reset all' to clear pipeline state, then re-ingest")
		}
		log.Fatalf("Run: %v", err)
	}

	log.Printf("Done: %d batches, %d rows (%.0f rows/sec), %d null cells, %d dropped rows, %d retries",
		sum.BatchesCommitted, sum.RowsProcessed, sum.RowsPerSecond,
		sum.NullCells, sum.DroppedRows, sum.BatchesRetried)
	reportChecks(sum)
}

// reportChecks logs the verification outcome. Tolerance failures are
// audited and reported but never change the exit code.
func reportChecks(sum *pipeline.Summary) {
	switch {
	case sum.ChecksRun == 0:
	case sum.ChecksFailed > 0:
		log.Printf("Verification: %d/%d checks FAILED (see audit trail)",
			sum.ChecksFailed, sum.ChecksRun)
	default:
		log.Printf("Verification: all %d checks passed", sum.ChecksRun)
	}
}
