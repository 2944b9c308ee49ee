package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	kerrors "github.com/keeldb/keel/internal/errors"
	"github.com/keeldb/keel/pkg/types"
)

// GetCurrentState retrieves the derived state row for one entity.
func (s *Store) GetCurrentState(ctx context.Context, logID, entityID string) (*types.CurrentState, error) {
	row := s.readDB.QueryRowContext(ctx, `
		SELECT event_log_id, entity_id, entity_type, state_data, seq_num,
			entity_seq_num, last_snapshot_entity_seq_num, last_updated
		FROM current_state
		WHERE event_log_id = ? AND entity_id = ?`, logID, entityID)

	state, err := scanCurrentState(row)
	if err == sql.ErrNoRows {
		return nil, kerrors.New(kerrors.ErrCategoryProjection, kerrors.CodeEntityNotFound,
			fmt.Sprintf("entity %q has no state in log %q", entityID, logID))
	}
	return state, err
}

// GetCurrentStateForUpdate reads an entity's state row through the write
// connection so the projector observes its own prior writes.
func (s *Store) GetCurrentStateForUpdate(ctx context.Context, logID, entityID string) (*types.CurrentState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT event_log_id, entity_id, entity_type, state_data, seq_num,
			entity_seq_num, last_snapshot_entity_seq_num, last_updated
		FROM current_state
		WHERE event_log_id = ? AND entity_id = ?`, logID, entityID)

	state, err := scanCurrentState(row)
	if err == sql.ErrNoRows {
		return nil, kerrors.New(kerrors.ErrCategoryProjection, kerrors.CodeEntityNotFound,
			fmt.Sprintf("entity %q has no state in log %q", entityID, logID))
	}
	return state, err
}

// UpsertCurrentState writes the derived state row for an entity, inserting
// on first apply and overwriting afterwards. The write carries a guard: a
// row whose stored seq_num is already at or beyond state.SeqNum is left
// untouched, so the ordering number of current state can never regress.
func (s *Store) UpsertCurrentState(ctx context.Context, state *types.CurrentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.upsertStateStmt.ExecContext(ctx,
		state.EventLogID, state.EntityID, state.EntityType, compress(state.StateData),
		state.SeqNum, state.EntitySeqNum, state.LastSnapshotEntitySeqNum,
		state.LastUpdated.UnixNano())
	if err != nil {
		return kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to upsert current state", err)
	}
	return nil
}

// ReplaceCurrentState overwrites an entity's state row unconditionally,
// bypassing the ordering guard. Repair uses it to fix a row that diverged
// from replay at an unchanged ordering number; the regular projection path
// must go through UpsertCurrentState.
func (s *Store) ReplaceCurrentState(ctx context.Context, state *types.CurrentState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO current_state (event_log_id, entity_id, entity_type, state_data, seq_num, entity_seq_num, last_snapshot_entity_seq_num, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_log_id, entity_id) DO UPDATE SET
			entity_type = excluded.entity_type,
			state_data = excluded.state_data,
			seq_num = excluded.seq_num,
			entity_seq_num = excluded.entity_seq_num,
			last_snapshot_entity_seq_num = excluded.last_snapshot_entity_seq_num,
			last_updated = excluded.last_updated`,
		state.EventLogID, state.EntityID, state.EntityType, compress(state.StateData),
		state.SeqNum, state.EntitySeqNum, state.LastSnapshotEntitySeqNum,
		state.LastUpdated.UnixNano())
	if err != nil {
		return kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to replace current state", err)
	}
	return nil
}

// MarkSnapshotTaken advances the snapshot watermark on an entity's state
// row. The watermark only moves forward.
func (s *Store) MarkSnapshotTaken(ctx context.Context, logID, entityID string, entitySeqNum int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE current_state
		SET last_snapshot_entity_seq_num = ?
		WHERE event_log_id = ? AND entity_id = ? AND last_snapshot_entity_seq_num < ?`,
		entitySeqNum, logID, entityID, entitySeqNum)
	if err != nil {
		return kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to mark snapshot taken", err)
	}
	return nil
}

// ListEntities returns the entity ids with a state row in the given log.
func (s *Store) ListEntities(ctx context.Context, logID string) ([]string, error) {
	rows, err := s.readDB.QueryContext(ctx, `
		SELECT entity_id FROM current_state WHERE event_log_id = ? ORDER BY entity_id`, logID)
	if err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to list entities", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to scan entity id", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "error iterating entities", err)
	}
	return ids, nil
}

// scanCurrentState scans a single state row. Returns sql.ErrNoRows untouched
// so callers can map it to a typed not-found error.
func scanCurrentState(row *sql.Row) (*types.CurrentState, error) {
	var state types.CurrentState
	var blob []byte
	var lastUpdated int64

	err := row.Scan(&state.EventLogID, &state.EntityID, &state.EntityType, &blob,
		&state.SeqNum, &state.EntitySeqNum, &state.LastSnapshotEntitySeqNum, &lastUpdated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, kerrors.NewStorageError(kerrors.CodeStorageUnavailable, "failed to scan current state", err)
	}

	data, err := decompress(blob)
	if err != nil {
		return nil, err
	}
	state.StateData = data
	state.LastUpdated = time.Unix(0, lastUpdated)
	return &state, nil
}
