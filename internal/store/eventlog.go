package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	kerrors "github.com/keeldb/keel/internal/errors"
	"github.com/keeldb/keel/pkg/types"
)

// GetEventLog retrieves the registry row for one event log.
func (s *Store) GetEventLog(ctx context.Context, logID string) (*types.EventLog, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT event_log_id, last_seq_num, first_seq_num, last_updated
		FROM event_logs WHERE event_log_id = ?`, logID)

	var log types.EventLog
	var lastUpdated int64
	err := row.Scan(&log.EventLogID, &log.LastSeqNum, &log.FirstSeqNum, &lastUpdated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, kerrors.New(kerrors.ErrCategoryRegistry, kerrors.CodeLogNotFound,
				fmt.Sprintf("event log %q not found", logID))
		}
		return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to read event log", err)
	}
	log.LastUpdated = time.Unix(0, lastUpdated)
	return &log, nil
}

// CreateEventLogIfAbsent inserts a zeroed registry row for logID if none
// exists, then returns the current row either way.
func (s *Store) CreateEventLogIfAbsent(ctx context.Context, logID string) (*types.EventLog, error) {
	s.mu.Lock()
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO event_logs (event_log_id, last_seq_num, first_seq_num, last_updated)
		VALUES (?, 0, 1, ?)`, logID, time.Now().UnixNano())
	s.mu.Unlock()
	if err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to create event log", err)
	}

	// Read back through the write connection: the read pool may not yet see
	// the row under WAL.
	row := s.db.QueryRowContext(ctx, `
		SELECT event_log_id, last_seq_num, first_seq_num, last_updated
		FROM event_logs WHERE event_log_id = ?`, logID)

	var log types.EventLog
	var lastUpdated int64
	if err := row.Scan(&log.EventLogID, &log.LastSeqNum, &log.FirstSeqNum, &lastUpdated); err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to read event log", err)
	}
	log.LastUpdated = time.Unix(0, lastUpdated)
	return &log, nil
}

// CompareAndSwapSeqNum atomically advances the ordering counter of logID by
// count, but only if the stored counter still equals expected. It reports
// whether the swap happened. A false return with nil error means another
// writer won the race and the caller must re-read and retry.
func (s *Store) CompareAndSwapSeqNum(ctx context.Context, logID string, expected, count int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE event_logs
		SET last_seq_num = last_seq_num + ?, last_updated = ?
		WHERE event_log_id = ? AND last_seq_num = ?`,
		count, time.Now().UnixNano(), logID, expected)
	if err != nil {
		return false, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to advance ordering counter", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to read swap result", err)
	}
	return affected == 1, nil
}

// SetFirstSeqNum records the retention watermark for logID. Callers must
// only move the watermark forward.
func (s *Store) SetFirstSeqNum(ctx context.Context, logID string, firstSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE event_logs SET first_seq_num = ?, last_updated = ?
		WHERE event_log_id = ? AND first_seq_num <= ?`,
		firstSeq, time.Now().UnixNano(), logID, firstSeq)
	if err != nil {
		return kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to set retention watermark", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return kerrors.New(kerrors.ErrCategoryRegistry, kerrors.CodeLogNotFound,
			fmt.Sprintf("event log %q not found or watermark would regress", logID))
	}
	return nil
}

// ListEventLogs returns all registered event logs.
func (s *Store) ListEventLogs(ctx context.Context) ([]*types.EventLog, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT event_log_id, last_seq_num, first_seq_num, last_updated
		FROM event_logs ORDER BY event_log_id`)
	if err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to list event logs", err)
	}
	defer rows.Close()

	var logs []*types.EventLog
	for rows.Next() {
		var log types.EventLog
		var lastUpdated int64
		if err := rows.Scan(&log.EventLogID, &log.LastSeqNum, &log.FirstSeqNum, &lastUpdated); err != nil {
			return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to scan event log", err)
		}
		log.LastUpdated = time.Unix(0, lastUpdated)
		logs = append(logs, &log)
	}
	if err := rows.Err(); err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "error iterating event logs", err)
	}
	return logs, nil
}
