package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pipeline configuration.
type Config struct {
	// DataDir is the root directory for the row store and checkpoint
	// database.
	DataDir string `yaml:"data_dir"`

	// Logging configures log output.
	Logging LoggingConfig `yaml:"logging"`

	// Source configures the micro-batch source.
	Source SourceConfig `yaml:"source"`

	// Engine configures the tracked dimensions and optional percentiles.
	Engine EngineConfig `yaml:"engine"`

	// Rows configures the committed row store.
	Rows RowsConfig `yaml:"rows"`

	// Checkpoint configures the checkpoint/audit store and retry policy.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`

	// Verify configures the verification service.
	Verify VerifyConfig `yaml:"verify"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, error.
	Level string `yaml:"level"`

	// JSON switches output from text to JSON.
	JSON bool `yaml:"json"`
}

// SourceConfig configures the micro-batch source.
type SourceConfig struct {
	// Input is the parquet file (or glob) delivering the main sequence.
	Input string `yaml:"input"`

	// ValidationFile is an optional late-arriving partition ingested
	// after the main sequence and checked with a before/after snapshot
	// pair.
	ValidationFile string `yaml:"validation_file"`

	// BatchSize is the number of rows per micro-batch.
	BatchSize int `yaml:"batch_size"`

	// TimestampColumn names the event-time column, if any.
	TimestampColumn string `yaml:"timestamp_column"`
}

// EngineConfig configures the statistics engine.
type EngineConfig struct {
	// Dimensions lists the tracked numeric columns.
	Dimensions []DimensionConfig `yaml:"dimensions"`

	// Percentile configures DDSketch percentile tracking.
	Percentile PercentileConfig `yaml:"percentile"`
}

// DimensionConfig declares one tracked dimension and its quality bounds.
// Rows whose value falls outside [min, max] are dropped before the engine
// and counted as dropped rows.
type DimensionConfig struct {
	Name string   `yaml:"name"`
	Min  *float64 `yaml:"min"`
	Max  *float64 `yaml:"max"`
}

// PercentileConfig configures DDSketch percentile tracking.
type PercentileConfig struct {
	// Enabled enables percentile sketches.
	Enabled bool `yaml:"enabled"`

	// Accuracy is the relative accuracy (0.01 = 1% error).
	Accuracy float64 `yaml:"accuracy"`
}

// RowsConfig configures the committed row store.
type RowsConfig struct {
	// Compression configures parquet compression for row files.
	Compression CompressionConfig `yaml:"compression"`
}

// CompressionConfig configures Parquet compression.
type CompressionConfig struct {
	// Algorithm is the compression algorithm: snappy, zstd, lz4, gzip, none.
	Algorithm string `yaml:"algorithm"`

	// Level is the compression level (for zstd: 1-22).
	Level int `yaml:"level"`
}

// CheckpointConfig configures the checkpoint/audit store.
type CheckpointConfig struct {
	// Path overrides the database location. Defaults to
	// {DataDir}/checkpoint.db.
	Path string `yaml:"path"`

	// Synchronous is the SQLite synchronous pragma: OFF, NORMAL, FULL.
	Synchronous string `yaml:"synchronous"`

	// BusyTimeout is the SQLite busy timeout.
	BusyTimeout time.Duration `yaml:"busy_timeout"`

	// MaxRetries bounds automatic retries of a failed batch commit.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the pause between commit retries.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// VerifyConfig configures the verification service.
type VerifyConfig struct {
	// Enabled enables the post-ingestion verification pass.
	Enabled bool `yaml:"enabled"`

	// ExactTolerance is the relative tolerance for exact quantities
	// (count, null_count, sum, min, max).
	ExactTolerance float64 `yaml:"exact_tolerance"`

	// DriftTolerance is the relative tolerance for quantities subject to
	// floating-point accumulation drift (mean, variance, stddev).
	DriftTolerance float64 `yaml:"drift_tolerance"`

	// MemoryLimit is the DuckDB memory limit.
	MemoryLimit string `yaml:"memory_limit"`

	// Threads caps DuckDB threads; 0 leaves the engine default.
	Threads int `yaml:"threads"`

	// Timeout is the per-check query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// Concurrency bounds parallel per-dimension checks.
	Concurrency int `yaml:"concurrency"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "/var/lib/tally",
		Logging: LoggingConfig{
			Level: "info",
		},
		Source: SourceConfig{
			BatchSize:       1000,
			TimestampColumn: "timestamp",
		},
		Engine: EngineConfig{
			Dimensions: []DimensionConfig{
				{Name: "price", Min: f64(0.01), Max: f64(50000)},
			},
			Percentile: PercentileConfig{
				Enabled:  true,
				Accuracy: 0.01,
			},
		},
		Rows: RowsConfig{
			Compression: CompressionConfig{
				Algorithm: "zstd",
				Level:     3,
			},
		},
		Checkpoint: CheckpointConfig{
			Synchronous:  "NORMAL",
			BusyTimeout:  5 * time.Second,
			MaxRetries:   3,
			RetryBackoff: 500 * time.Millisecond,
		},
		Verify: VerifyConfig{
			Enabled:        true,
			ExactTolerance: 1e-9,
			DriftTolerance: 1e-6,
			MemoryLimit:    "2GB",
			Timeout:        30 * time.Second,
			Concurrency:    4,
		},
	}
}

// DimensionNames returns the configured dimension names in declaration
// order.
func (c *Config) DimensionNames() []string {
	names := make([]string, 0, len(c.Engine.Dimensions))
	for _, d := range c.Engine.Dimensions {
		names = append(names, d.Name)
	}
	return names
}

func f64(v float64) *float64 { return &v }
