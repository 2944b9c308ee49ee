// Package store provides the SQLite persistence layer for the keel engine.
package store

// Schema contains the SQL schema definitions for the engine database (keel.db).
// The database holds the four persisted structures: the event log registry,
// the append-only events, the derived current-state rows, and the snapshots.

// CreateEventLogsTableSQL creates the event log registry table.
// One row per event log; last_seq_num is the authoritative ordering counter
// and is mutated only through the compare-and-swap reservation.
// first_seq_num is the retention watermark: the lowest ordering number still
// retained in the events table for this log.
const CreateEventLogsTableSQL = `
CREATE TABLE IF NOT EXISTS event_logs (
    event_log_id TEXT PRIMARY KEY,
    last_seq_num INTEGER NOT NULL DEFAULT 0,
    first_seq_num INTEGER NOT NULL DEFAULT 1,
    last_updated INTEGER NOT NULL
)`

// CreateEventsTableSQL creates the append-only events table.
// Rows are immutable once written; the primary key enforces uniqueness of
// ordering numbers within a log.
const CreateEventsTableSQL = `
CREATE TABLE IF NOT EXISTS events (
    event_log_id TEXT NOT NULL,
    seq_num INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    entity_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    event_data BLOB NOT NULL,
    PRIMARY KEY (event_log_id, seq_num)
)`

// CreateEventsIndexesSQL creates the secondary projections over events:
// the per-entity ordered projection used by replay, and the wall-clock index
// used by best-effort time-range queries.
var CreateEventsIndexesSQL = []string{
	`CREATE INDEX IF NOT EXISTS idx_events_entity ON events(event_log_id, entity_id, seq_num)`,

	`CREATE INDEX IF NOT EXISTS idx_events_time ON events(event_log_id, timestamp)`,
}

// CreateCurrentStateTableSQL creates the derived current-state table.
// One mutable row per (event_log_id, entity_id); always re-derivable from
// the event sequence.
const CreateCurrentStateTableSQL = `
CREATE TABLE IF NOT EXISTS current_state (
    event_log_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    entity_type TEXT NOT NULL,
    state_data BLOB NOT NULL,
    seq_num INTEGER NOT NULL,
    entity_seq_num INTEGER NOT NULL,
    last_snapshot_entity_seq_num INTEGER NOT NULL,
    last_updated INTEGER NOT NULL,
    PRIMARY KEY (event_log_id, entity_id)
)`

// CreateSnapshotsTableSQL creates the immutable snapshots table.
// Multiple snapshots are retained per entity, keyed by the ordering number
// they checkpoint; each is a valid replay base.
const CreateSnapshotsTableSQL = `
CREATE TABLE IF NOT EXISTS snapshots (
    event_log_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    seq_num INTEGER NOT NULL,
    entity_type TEXT NOT NULL,
    state_data BLOB NOT NULL,
    entity_seq_num INTEGER NOT NULL,
    created_at INTEGER NOT NULL,
    PRIMARY KEY (event_log_id, entity_id, seq_num)
)`

// AllSchemaSQL returns all SQL statements needed to initialize the database.
func AllSchemaSQL() []string {
	statements := []string{
		CreateEventLogsTableSQL,
		CreateEventsTableSQL,
		CreateCurrentStateTableSQL,
		CreateSnapshotsTableSQL,
	}
	statements = append(statements, CreateEventsIndexesSQL...)
	return statements
}
