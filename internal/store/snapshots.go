package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	kerrors "github.com/keeldb/keel/internal/errors"
	"github.com/keeldb/keel/pkg/types"
)

// InsertSnapshot persists an immutable checkpoint of derived entity state.
func (s *Store) InsertSnapshot(ctx context.Context, snap *types.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.insertSnapshotStmt.ExecContext(ctx,
		snap.EventLogID, snap.EntityID, snap.SeqNum, snap.EntityType,
		compress(snap.StateData), snap.EntitySeqNum, snap.CreatedAt.UnixNano())
	if err != nil {
		return kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to insert snapshot", err)
	}
	return nil
}

// GetLatestSnapshot returns the snapshot with the highest ordering number
// for an entity.
func (s *Store) GetLatestSnapshot(ctx context.Context, logID, entityID string) (*types.Snapshot, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT event_log_id, entity_id, seq_num, entity_type, state_data, entity_seq_num, created_at
		FROM snapshots
		WHERE event_log_id = ? AND entity_id = ?
		ORDER BY seq_num DESC LIMIT 1`, logID, entityID)
	return scanSnapshot(row, logID, entityID)
}

// GetSnapshotAtOrBefore returns the most recent snapshot whose ordering
// number does not exceed targetSeq.
func (s *Store) GetSnapshotAtOrBefore(ctx context.Context, logID, entityID string, targetSeq int64) (*types.Snapshot, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT event_log_id, entity_id, seq_num, entity_type, state_data, entity_seq_num, created_at
		FROM snapshots
		WHERE event_log_id = ? AND entity_id = ? AND seq_num <= ?
		ORDER BY seq_num DESC LIMIT 1`, logID, entityID, targetSeq)
	return scanSnapshot(row, logID, entityID)
}

// ListSnapshots returns all snapshots for an entity, newest first.
func (s *Store) ListSnapshots(ctx context.Context, logID, entityID string) ([]*types.Snapshot, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT event_log_id, entity_id, seq_num, entity_type, state_data, entity_seq_num, created_at
		FROM snapshots
		WHERE event_log_id = ? AND entity_id = ?
		ORDER BY seq_num DESC`, logID, entityID)
	if err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to list snapshots", err)
	}
	defer rows.Close()

	var snaps []*types.Snapshot
	for rows.Next() {
		var snap types.Snapshot
		var blob []byte
		var createdAt int64
		if err := rows.Scan(&snap.EventLogID, &snap.EntityID, &snap.SeqNum, &snap.EntityType,
			&blob, &snap.EntitySeqNum, &createdAt); err != nil {
			return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to scan snapshot", err)
		}
		data, err := decompress(blob)
		if err != nil {
			return nil, err
		}
		snap.StateData = data
		snap.CreatedAt = time.Unix(0, createdAt)
		snaps = append(snaps, &snap)
	}
	if err := rows.Err(); err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "error iterating snapshots", err)
	}
	return snaps, nil
}

// CountSnapshots returns the number of retained snapshots for an entity.
func (s *Store) CountSnapshots(ctx context.Context, logID, entityID string) (int64, error) {
	var n int64
	err := s.readDB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM snapshots WHERE event_log_id = ? AND entity_id = ?`,
		logID, entityID).Scan(&n)
	if err != nil {
		return 0, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to count snapshots", err)
	}
	return n, nil
}

// DeleteSnapshotsBelow removes snapshots for an entity with seq_num strictly
// below cutoff. The caller is responsible for never passing a cutoff above
// the entity's most recent snapshot.
func (s *Store) DeleteSnapshotsBelow(ctx context.Context, logID, entityID string, cutoff int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots
		WHERE event_log_id = ? AND entity_id = ? AND seq_num < ?`,
		logID, entityID, cutoff)
	if err != nil {
		return 0, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to delete snapshots", err)
	}
	deleted, _ := res.RowsAffected()
	return deleted, nil
}

// scanSnapshot scans a single snapshot row, mapping missing rows to a typed
// not-found error.
func scanSnapshot(row *sql.Row, logID, entityID string) (*types.Snapshot, error) {
	var snap types.Snapshot
	var blob []byte
	var createdAt int64

	err := row.Scan(&snap.EventLogID, &snap.EntityID, &snap.SeqNum, &snap.EntityType,
		&blob, &snap.EntitySeqNum, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, kerrors.New(kerrors.ErrCategorySnapshot, kerrors.CodeSnapshotNotFound,
				fmt.Sprintf("no snapshot for entity %q in log %q", entityID, logID))
		}
		return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to scan snapshot", err)
	}

	data, err := decompress(blob)
	if err != nil {
		return nil, err
	}
	snap.StateData = data
	snap.CreatedAt = time.Unix(0, createdAt)
	return &snap, nil
}
