package store

import (
	"context"
	"database/sql"
	"time"

	kerrors "github.com/keeldb/keel/internal/errors"
	"github.com/keeldb/keel/pkg/types"
)

// InsertEvent durably writes one event row. The payload is compressed at
// rest; rows are never updated or deleted by the core.
func (s *Store) InsertEvent(ctx context.Context, ev *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.insertEventStmt.ExecContext(ctx,
		ev.EventLogID, ev.SeqNum, ev.Timestamp.UnixNano(),
		ev.EntityID, ev.EventType, compress(ev.EventData))
	if err != nil {
		return kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to insert event", err)
	}
	return nil
}

// InsertEvents writes a batch of events in one transaction, preserving the
// order of the slice. Either all rows become visible or none do.
func (s *Store) InsertEvents(ctx context.Context, events []*types.Event) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to begin batch transaction", err)
	}
	defer tx.Rollback()

	stmt := tx.StmtContext(ctx, s.insertEventStmt)
	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx,
			ev.EventLogID, ev.SeqNum, ev.Timestamp.UnixNano(),
			ev.EntityID, ev.EventType, compress(ev.EventData)); err != nil {
			return kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to insert batch event", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to commit batch", err)
	}
	return nil
}

// GetEvents returns up to limit events of a log in ascending ordering-number
// order, starting at fromSeq inclusive.
func (s *Store) GetEvents(ctx context.Context, logID string, fromSeq int64, limit int) ([]*types.Event, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT event_log_id, seq_num, timestamp, entity_id, event_type, event_data
		FROM events
		WHERE event_log_id = ? AND seq_num >= ?
		ORDER BY seq_num ASC LIMIT ?`, logID, fromSeq, limit)
	if err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to query events", err)
	}
	return scanEvents(rows)
}

// GetEventsByEntity returns up to limit events for one entity in ascending
// ordering-number order, with seq_num in [fromSeq, toSeq]. A toSeq of 0
// means no upper bound.
func (s *Store) GetEventsByEntity(ctx context.Context, logID, entityID string, fromSeq, toSeq int64, limit int) ([]*types.Event, error) {
	query := `
		SELECT event_log_id, seq_num, timestamp, entity_id, event_type, event_data
		FROM events
		WHERE event_log_id = ? AND entity_id = ? AND seq_num >= ?`
	args := []interface{}{logID, entityID, fromSeq}

	if toSeq > 0 {
		query += ` AND seq_num <= ?`
		args = append(args, toSeq)
	}
	query += ` ORDER BY seq_num ASC LIMIT ?`
	args = append(args, limit)

	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to query entity events", err)
	}
	return scanEvents(rows)
}

// GetEventsByTimeRange returns events of a log whose wall-clock timestamp
// falls in [t0, t1], ordered by timestamp with the ordering number as tie
// break. afterSeq excludes events at t0 with seq_num at or below it, which
// lets a caller page through runs of identical timestamps; pass 0 for the
// first page. Timestamps are best-effort only; the ordering number remains
// authoritative.
func (s *Store) GetEventsByTimeRange(ctx context.Context, logID string, t0, t1 time.Time, afterSeq int64, limit int) ([]*types.Event, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT event_log_id, seq_num, timestamp, entity_id, event_type, event_data
		FROM events
		WHERE event_log_id = ? AND timestamp <= ?
			AND (timestamp > ? OR (timestamp = ? AND seq_num > ?))
		ORDER BY timestamp ASC, seq_num ASC LIMIT ?`,
		logID, t1.UnixNano(), t0.UnixNano(), t0.UnixNano(), afterSeq, limit)
	if err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to query time range", err)
	}
	return scanEvents(rows)
}

// TrimEventsBelow deletes all events of a log with seq_num < firstSeq and
// advances the retention watermark in the same transaction. Used by the
// retention daemon only; the engine core never deletes events.
func (s *Store) TrimEventsBelow(ctx context.Context, logID string, firstSeq int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to begin trim transaction", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE event_log_id = ? AND seq_num < ?`, logID, firstSeq)
	if err != nil {
		return 0, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to trim events", err)
	}
	deleted, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `
		UPDATE event_logs SET first_seq_num = ?, last_updated = ?
		WHERE event_log_id = ? AND first_seq_num < ?`,
		firstSeq, time.Now().UnixNano(), logID, firstSeq); err != nil {
		return 0, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to advance watermark", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to commit trim", err)
	}
	return deleted, nil
}

// scanEvents drains rows into decompressed Event records.
func scanEvents(rows *sql.Rows) ([]*types.Event, error) {
	defer rows.Close()

	var events []*types.Event
	for rows.Next() {
		var ev types.Event
		var ts int64
		var blob []byte
		if err := rows.Scan(&ev.EventLogID, &ev.SeqNum, &ts, &ev.EntityID, &ev.EventType, &blob); err != nil {
			return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to scan event", err)
		}
		data, err := decompress(blob)
		if err != nil {
			return nil, err
		}
		ev.Timestamp = time.Unix(0, ts)
		ev.EventData = data
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "error iterating events", err)
	}
	return events, nil
}
