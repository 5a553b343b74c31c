// Package checkpoint persists engine snapshots, batch provenance, and
// verification audit rows in a single SQLite database.
//
// The store follows a single-writer discipline: one write connection
// serialized by a mutex, plus a small read-only pool for queries. Snapshot
// payloads are JSON, snappy-compressed, and guarded by a murmur3-128
// checksum so that torn or tampered state is detected on load instead of
// silently corrupting the engine. Schema changes are applied through
// embedded migrations.
package checkpoint
