// Package store is the authoritative record of a recording project's
// lifecycle: ingestion progress, segments, photos, job bookkeeping, and the
// assembled transcript, persisted in SQLite.
//
// Every mutation runs inside a write transaction on the project's rows, and
// monotonic aggregates (last_seq, ingest_duration_ms, progress counters) are
// expressed in SQL as set-to-max or increment-by-delta so concurrent workers
// can never lose updates to a stale snapshot. Reads of the state row go
// through a short-TTL cache that each mutation invalidates before returning.
package store
