package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/acorvin/tally/internal/errors"
	"github.com/acorvin/tally/internal/logging"
	"github.com/acorvin/tally/internal/types"
)

// Options configures the checkpoint store.
type Options struct {
	// Path is the SQLite database file. Required.
	Path string

	// Synchronous is the SQLite synchronous pragma (OFF, NORMAL, FULL).
	// Defaults to NORMAL, which is durable under WAL for application
	// crashes.
	Synchronous string

	// BusyTimeout bounds how long a connection waits on a locked database.
	// Defaults to 5s.
	BusyTimeout time.Duration
}

// Store is the durable home of engine snapshots, batch provenance, and
// verification audit rows.
//
// Writes go through a single connection guarded by a mutex; reads use a
// separate read-only pool so queries never contend with the commit path.
type Store struct {
	db     *sql.DB // write connection (single writer)
	readDB *sql.DB // read connection pool
	path   string
	mu     sync.Mutex // serializes writes
	log    *slog.Logger
}

// Open opens (and if necessary creates) the checkpoint database at
// opts.Path, applying pending schema migrations.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.NewMissingField("checkpoint path")
	}
	if opts.Synchronous == "" {
		opts.Synchronous = "NORMAL"
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_synchronous=%s",
		opts.Path, opts.BusyTimeout.Milliseconds(), opts.Synchronous)

	// Write connection: single writer with WAL mode.
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.NewPersistence("open checkpoint database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	// Migrations run on the write connection and create the database file,
	// so the read-only pool below always finds it.
	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}

	readDB, err := sql.Open("sqlite3", dsn+"&mode=ro")
	if err != nil {
		db.Close()
		return nil, errors.NewPersistence("open read connection", err)
	}
	readDB.SetMaxOpenConns(4)
	readDB.SetMaxIdleConns(4)
	readDB.SetConnMaxLifetime(5 * time.Minute)

	if _, err := readDB.Exec("PRAGMA read_uncommitted = true"); err != nil {
		readDB.Close()
		db.Close()
		return nil, errors.NewPersistence("set read_uncommitted pragma", err)
	}

	s := &Store{
		db:     db,
		readDB: readDB,
		path:   opts.Path,
		log:    logging.Component("checkpoint"),
	}
	s.log.Info("checkpoint store opened", "path", opts.Path, "synchronous", opts.Synchronous)
	return s, nil
}

// Close closes both database connections.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if err := s.readDB.Close(); err != nil {
		firstErr = err
	}
	if err := s.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

const upsertCheckpointSQL = `
INSERT INTO checkpoints (batch_id, payload, checksum, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(batch_id) DO UPDATE SET
    payload    = excluded.payload,
    checksum   = excluded.checksum,
    created_at = excluded.created_at`

const upsertBatchSQL = `
INSERT INTO batch_records (
    batch_id, batch_number, source_file, row_count, null_cells,
    dropped_rows, status, error_message, snapshot_ref,
    start_ts, end_ts, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(batch_id) DO UPDATE SET
    batch_number  = excluded.batch_number,
    source_file   = excluded.source_file,
    row_count     = excluded.row_count,
    null_cells    = excluded.null_cells,
    dropped_rows  = excluded.dropped_rows,
    status        = excluded.status,
    error_message = excluded.error_message,
    snapshot_ref  = excluded.snapshot_ref,
    start_ts      = excluded.start_ts,
    end_ts        = excluded.end_ts,
    updated_at    = excluded.updated_at`

func batchArgs(rec types.BatchRecord, now int64) []any {
	return []any{
		rec.BatchID, rec.Number, rec.SourceFile, rec.RowCount, rec.NullCells,
		rec.DroppedRows, rec.Status.String(), rec.ErrorMsg, rec.SnapshotRef,
		rec.StartTs, rec.EndTs, now, now,
	}
}

// Save commits a snapshot and its batch record in one transaction. This is
// the commit point of a micro-batch: after Save returns nil the batch is
// durable, and a crash at any earlier moment replays it wholesale.
//
// Re-saving the same batch id overwrites the previous row instead of
// duplicating it, which makes replay after a failed commit idempotent.
func (s *Store) Save(ctx context.Context, snap types.EngineSnapshot, rec types.BatchRecord) error {
	if rec.BatchID != snap.LastBatchID {
		return errors.NewValidation("batch record",
			fmt.Sprintf("batch id %d does not match snapshot last batch id %d", rec.BatchID, snap.LastBatchID))
	}
	payload, checksum, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	// Save is the committing operation; the stored record always lands
	// committed regardless of what the caller set.
	rec.Status = types.BatchCommitted

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewPersistence("begin checkpoint transaction", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, upsertCheckpointSQL, snap.LastBatchID, payload, checksum, now); err != nil {
		return errors.NewPersistence("write checkpoint", err)
	}
	if _, err := tx.ExecContext(ctx, upsertBatchSQL, batchArgs(rec, now)...); err != nil {
		return errors.NewPersistence("write batch record", err)
	}
	if err := tx.Commit(); err != nil {
		return errors.NewPersistence("commit checkpoint", err)
	}

	s.log.Debug("checkpoint saved",
		"batch_id", snap.LastBatchID,
		"payload_bytes", len(payload),
	)
	return nil
}

const loadLatestSQL = `
SELECT c.batch_id, c.payload, c.checksum
FROM checkpoints c
JOIN batch_records b ON b.batch_id = c.batch_id
WHERE b.status = 'committed'
ORDER BY c.batch_id DESC
LIMIT 1`

const loadAtSQL = `
SELECT c.batch_id, c.payload, c.checksum
FROM checkpoints c
JOIN batch_records b ON b.batch_id = c.batch_id
WHERE b.status = 'committed' AND c.batch_id = ?`

// LoadLatest returns the snapshot of the most recent committed batch, or
// ErrNoCheckpoint if nothing has been committed yet.
func (s *Store) LoadLatest(ctx context.Context) (types.EngineSnapshot, error) {
	return s.loadOne(ctx, loadLatestSQL)
}

// LoadAt returns the snapshot committed for the given batch id.
func (s *Store) LoadAt(ctx context.Context, batchID int64) (types.EngineSnapshot, error) {
	return s.loadOne(ctx, loadAtSQL, batchID)
}

func (s *Store) loadOne(ctx context.Context, query string, args ...any) (types.EngineSnapshot, error) {
	var (
		batchID  int64
		payload  []byte
		checksum string
	)
	err := s.readDB.QueryRowContext(ctx, query, args...).Scan(&batchID, &payload, &checksum)
	if err == sql.ErrNoRows {
		return types.EngineSnapshot{}, errors.ErrNoCheckpoint
	}
	if err != nil {
		return types.EngineSnapshot{}, errors.NewPersistence("load checkpoint", err)
	}

	snap, err := decodeSnapshot(payload, checksum)
	if err != nil {
		return types.EngineSnapshot{}, err
	}
	if snap.LastBatchID != batchID {
		return types.EngineSnapshot{}, errors.NewCorruption(
			fmt.Sprintf("checkpoint row %d carries snapshot for batch %d", batchID, snap.LastBatchID))
	}
	return snap, nil
}

// BeginBatch records that processing of a batch has started. Replaying a
// previously failed batch flips its record back to pending.
func (s *Store) BeginBatch(ctx context.Context, rec types.BatchRecord) error {
	rec.Status = types.BatchPending
	rec.EndTs = 0
	rec.ErrorMsg = ""
	return s.upsertBatch(ctx, rec, "begin batch record")
}

// MarkBatchFailed finalizes a batch record as failed, keeping the error
// message for the audit trail. No checkpoint is written; the last committed
// snapshot stays authoritative.
func (s *Store) MarkBatchFailed(ctx context.Context, rec types.BatchRecord) error {
	rec.Status = types.BatchFailed
	return s.upsertBatch(ctx, rec, "mark batch failed")
}

func (s *Store) upsertBatch(ctx context.Context, rec types.BatchRecord, op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if _, err := s.db.ExecContext(ctx, upsertBatchSQL, batchArgs(rec, now)...); err != nil {
		return errors.NewPersistence(op, err)
	}
	return nil
}

const insertVerificationSQL = `
INSERT INTO verifications (
    check_id, kind, dimension, statistic,
    incremental_value, direct_value, abs_difference, rel_difference,
    tolerance, passed, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// AppendVerification appends one audit row. The verifications table is
// append-only; rows are never updated or deleted outside Reset.
func (s *Store) AppendVerification(ctx context.Context, rec types.VerificationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, insertVerificationSQL,
		rec.CheckID, rec.Kind.String(), rec.Dimension, rec.Statistic,
		rec.Incremental, rec.Direct, rec.AbsDiff, rec.RelDiff,
		rec.Tolerance, rec.Passed, rec.CreatedAtMs)
	if err != nil {
		return errors.NewPersistence("append verification record", err)
	}
	return nil
}

const selectBatchSQL = `
SELECT batch_id, batch_number, source_file, row_count, null_cells,
       dropped_rows, status, error_message, snapshot_ref, start_ts, end_ts
FROM batch_records`

// GetBatch returns the record for one batch id.
func (s *Store) GetBatch(ctx context.Context, batchID int64) (types.BatchRecord, error) {
	var (
		rec    types.BatchRecord
		status string
	)
	err := s.readDB.QueryRowContext(ctx, selectBatchSQL+" WHERE batch_id = ?", batchID).Scan(
		&rec.BatchID, &rec.Number, &rec.SourceFile, &rec.RowCount, &rec.NullCells,
		&rec.DroppedRows, &status, &rec.ErrorMsg, &rec.SnapshotRef, &rec.StartTs, &rec.EndTs)
	if err == sql.ErrNoRows {
		return types.BatchRecord{}, errors.Wrapf(errors.ErrNotFound, "batch %d", batchID)
	}
	if err != nil {
		return types.BatchRecord{}, errors.NewPersistence("load batch record", err)
	}
	rec.Status = types.ParseBatchStatus(status)
	return rec, nil
}

// ListBatches returns every batch record ordered by batch id.
func (s *Store) ListBatches(ctx context.Context) ([]types.BatchRecord, error) {
	rows, err := s.readDB.QueryContext(ctx, selectBatchSQL+" ORDER BY batch_id")
	if err != nil {
		return nil, errors.NewPersistence("list batch records", err)
	}
	defer rows.Close()

	var records []types.BatchRecord
	for rows.Next() {
		var (
			rec    types.BatchRecord
			status string
		)
		if err := rows.Scan(
			&rec.BatchID, &rec.Number, &rec.SourceFile, &rec.RowCount, &rec.NullCells,
			&rec.DroppedRows, &status, &rec.ErrorMsg, &rec.SnapshotRef, &rec.StartTs, &rec.EndTs); err != nil {
			return nil, errors.NewPersistence("scan batch record", err)
		}
		rec.Status = types.ParseBatchStatus(status)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistence("list batch records", err)
	}
	return records, nil
}

// ListVerifications returns every verification record in insertion order.
func (s *Store) ListVerifications(ctx context.Context) ([]types.VerificationRecord, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT check_id, kind, dimension, statistic,
		       incremental_value, direct_value, abs_difference, rel_difference,
		       tolerance, passed, created_at
		FROM verifications
		ORDER BY created_at, check_id`)
	if err != nil {
		return nil, errors.NewPersistence("list verification records", err)
	}
	defer rows.Close()

	var records []types.VerificationRecord
	for rows.Next() {
		var (
			rec  types.VerificationRecord
			kind string
		)
		if err := rows.Scan(
			&rec.CheckID, &kind, &rec.Dimension, &rec.Statistic,
			&rec.Incremental, &rec.Direct, &rec.AbsDiff, &rec.RelDiff,
			&rec.Tolerance, &rec.Passed, &rec.CreatedAtMs); err != nil {
			return nil, errors.NewPersistence("scan verification record", err)
		}
		rec.Kind = types.ParseCheckKind(kind)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewPersistence("list verification records", err)
	}
	return records, nil
}

// LatestBatchID returns the highest committed batch id, or 0 if none.
func (s *Store) LatestBatchID(ctx context.Context) (int64, error) {
	var id int64
	err := s.readDB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(batch_id), 0) FROM batch_records WHERE status = 'committed'`).Scan(&id)
	if err != nil {
		return 0, errors.NewPersistence("read latest batch id", err)
	}
	return id, nil
}

// CommittedBatchCount returns how many batches from the given source file
// have committed. Ingestion uses this to skip fully processed batches on
// restart.
func (s *Store) CommittedBatchCount(ctx context.Context, sourceFile string) (int, error) {
	var n int
	err := s.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM batch_records WHERE source_file = ? AND status = 'committed'`,
		sourceFile).Scan(&n)
	if err != nil {
		return 0, errors.NewPersistence("count committed batches", err)
	}
	return n, nil
}

// FirstBatchID returns the lowest committed batch id for the given source
// file, or 0 if that file has no committed batches.
func (s *Store) FirstBatchID(ctx context.Context, sourceFile string) (int64, error) {
	var id int64
	err := s.readDB.QueryRowContext(ctx,
		`SELECT COALESCE(MIN(batch_id), 0) FROM batch_records WHERE source_file = ? AND status = 'committed'`,
		sourceFile).Scan(&id)
	if err != nil {
		return 0, errors.NewPersistence("read first batch id", err)
	}
	return id, nil
}

// Reset deletes all checkpoints, batch records, and verification rows.
// This is the only destructive operation the store offers and requires an
// explicit operator action to reach.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.NewPersistence("begin reset transaction", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM verifications",
		"DELETE FROM batch_records",
		"DELETE FROM checkpoints",
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return errors.NewPersistence("reset checkpoint store", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.NewPersistence("commit reset", err)
	}

	s.log.Info("checkpoint store reset", "path", s.path)
	return nil
}
