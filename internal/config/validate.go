package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	// DataDir
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}

	// Source
	if err := c.Source.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("source: %w", err))
	}

	// Engine
	if err := c.Engine.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}

	// Rows
	if err := c.Rows.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("rows: %w", err))
	}

	// Checkpoint
	if err := c.Checkpoint.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("checkpoint: %w", err))
	}

	// Verify
	if err := c.Verify.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("verify: %w", err))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the source configuration.
func (c *SourceConfig) Validate() error {
	var errs []error

	if c.BatchSize <= 0 {
		errs = append(errs, errors.New("batch_size must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the engine configuration.
func (c *EngineConfig) Validate() error {
	var errs []error

	if len(c.Dimensions) == 0 {
		errs = append(errs, errors.New("at least one dimension is required"))
	}

	seen := make(map[string]bool, len(c.Dimensions))
	for i, d := range c.Dimensions {
		if d.Name == "" {
			errs = append(errs, fmt.Errorf("dimensions[%d]: name is required", i))
			continue
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Errorf("dimensions[%d]: duplicate name %q", i, d.Name))
		}
		seen[d.Name] = true

		if d.Min != nil && d.Max != nil && *d.Min > *d.Max {
			errs = append(errs, fmt.Errorf("dimensions[%d] (%s): min must be <= max", i, d.Name))
		}
	}

	if c.Percentile.Enabled {
		if c.Percentile.Accuracy <= 0 || c.Percentile.Accuracy > 1 {
			errs = append(errs, errors.New("percentile.accuracy must be between 0 and 1"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the row store configuration.
func (c *RowsConfig) Validate() error {
	var errs []error

	validAlgorithms := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"gzip":   true,
		"none":   true,
		"":       true, // Empty defaults to zstd
	}
	if !validAlgorithms[c.Compression.Algorithm] {
		errs = append(errs, errors.New("compression.algorithm must be one of: snappy, zstd, lz4, gzip, none"))
	}

	if c.Compression.Algorithm == "zstd" && (c.Compression.Level < 0 || c.Compression.Level > 22) {
		errs = append(errs, errors.New("compression.level for zstd must be between 0 and 22"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the checkpoint store configuration.
func (c *CheckpointConfig) Validate() error {
	var errs []error

	validSync := map[string]bool{
		"OFF":    true,
		"NORMAL": true,
		"FULL":   true,
		"":       true, // Empty defaults to NORMAL
	}
	if !validSync[c.Synchronous] {
		errs = append(errs, errors.New("synchronous must be one of: OFF, NORMAL, FULL"))
	}

	if c.BusyTimeout < 0 {
		errs = append(errs, errors.New("busy_timeout must be non-negative"))
	}

	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must be non-negative"))
	}

	if c.MaxRetries > 0 && c.RetryBackoff <= 0 {
		errs = append(errs, errors.New("retry_backoff must be positive when max_retries > 0"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the verification configuration.
func (c *VerifyConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.ExactTolerance <= 0 {
		errs = append(errs, errors.New("exact_tolerance must be positive"))
	}

	if c.DriftTolerance <= 0 {
		errs = append(errs, errors.New("drift_tolerance must be positive"))
	}

	if c.ExactTolerance > c.DriftTolerance {
		errs = append(errs, errors.New("exact_tolerance should be <= drift_tolerance"))
	}

	if c.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}

	if c.Concurrency <= 0 {
		errs = append(errs, errors.New("concurrency must be positive"))
	}

	if c.Threads < 0 {
		errs = append(errs, errors.New("threads must be non-negative"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.RowsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// RowsDir returns the committed row store directory.
func (c *Config) RowsDir() string {
	return filepath.Join(c.DataDir, "rows")
}

// RowsGlob returns the glob matching all committed row files.
func (c *Config) RowsGlob() string {
	return filepath.Join(c.RowsDir(), "*.parquet")
}

// CheckpointPath returns the checkpoint database location.
func (c *Config) CheckpointPath() string {
	if c.Checkpoint.Path != "" {
		return c.Checkpoint.Path
	}
	return filepath.Join(c.DataDir, "checkpoint.db")
}
