// Package parquet implements the on-disk row store: one Parquet file per
// committed micro-batch, in long format (one record per cell).
//
// The package provides:
//   - BatchWriter for staged writes with a rename-on-commit protocol
//   - CellReader for reading batch files back
//   - Support for multiple compression algorithms (snappy, zstd, lz4, gzip)
//
// Files are immutable once committed, which is what lets the verification
// service run point-in-time consistent queries against them.
package parquet
