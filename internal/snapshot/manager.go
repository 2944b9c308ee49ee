// Package snapshot decides when entity state checkpoints are taken and how
// long they are retained. Checkpoints bound replay cost during rebuild: an
// entity is reconstructed from its newest usable snapshot plus the events
// recorded after it, not from the beginning of the log.
package snapshot

import (
	"context"
	"log"
	"time"

	kerrors "github.com/keeldb/keel/internal/errors"
	"github.com/keeldb/keel/internal/observability"
	"github.com/keeldb/keel/internal/store"
	"github.com/keeldb/keel/pkg/types"
)

// Config controls snapshot cadence and retention.
type Config struct {
	// Cadence is the number of per-entity events between checkpoints.
	// Zero or negative disables snapshotting.
	Cadence int64 `yaml:"cadence" json:"cadence"`

	// KeepLast is how many snapshots are retained per entity. Older ones
	// are archived (when an archiver is configured) and deleted. Zero or
	// negative disables pruning.
	KeepLast int `yaml:"keep_last" json:"keep_last"`
}

// DefaultConfig returns the default snapshot policy.
func DefaultConfig() Config {
	return Config{
		Cadence:  20,
		KeepLast: 2,
	}
}

// Manager takes and prunes snapshots for entities whose state has advanced
// far enough past the last checkpoint.
type Manager struct {
	store    *store.Store
	cfg      Config
	archiver *Archiver
	stats    *observability.EngineStats
}

// NewManager creates a snapshot manager. archiver may be nil, in which case
// pruned snapshots are deleted without being offloaded.
func NewManager(s *store.Store, cfg Config, archiver *Archiver, stats *observability.EngineStats) *Manager {
	return &Manager{
		store:    s,
		cfg:      cfg,
		archiver: archiver,
		stats:    stats,
	}
}

// Due reports whether the given state row has accumulated enough entity
// events since its last checkpoint to warrant a new snapshot.
func (m *Manager) Due(state *types.CurrentState) bool {
	if m.cfg.Cadence <= 0 {
		return false
	}
	return state.EntitySeqNum-state.LastSnapshotEntitySeqNum >= m.cfg.Cadence
}

// MaybeSnapshot takes a checkpoint of the given state row if one is due.
// Returns true when a snapshot was written. A snapshot failure never
// corrupts state: the watermark is only advanced after the snapshot row is
// durably inserted, so a crashed attempt is simply retried on the next
// qualifying apply.
func (m *Manager) MaybeSnapshot(ctx context.Context, state *types.CurrentState) (bool, error) {
	if !m.Due(state) {
		return false, nil
	}

	snap := &types.Snapshot{
		EventLogID:   state.EventLogID,
		EntityID:     state.EntityID,
		SeqNum:       state.SeqNum,
		EntityType:   state.EntityType,
		StateData:    state.StateData,
		EntitySeqNum: state.EntitySeqNum,
		CreatedAt:    time.Now(),
	}

	if err := m.store.InsertSnapshot(ctx, snap); err != nil {
		return false, err
	}
	if err := m.store.MarkSnapshotTaken(ctx, state.EventLogID, state.EntityID, state.EntitySeqNum); err != nil {
		return false, err
	}
	state.LastSnapshotEntitySeqNum = state.EntitySeqNum
	m.stats.RecordSnapshot()

	if m.cfg.KeepLast > 0 {
		if err := m.Prune(ctx, state.EventLogID, state.EntityID); err != nil {
			// Retention failure does not invalidate the snapshot just taken.
			log.Printf("snapshot: prune failed for entity %s in log %s: %v",
				state.EntityID, state.EventLogID, err)
		}
	}

	return true, nil
}

// Prune removes snapshots for an entity beyond the configured retention,
// keeping the newest KeepLast. The most recent snapshot is never deleted.
// When an archiver is configured, snapshots are offloaded to object storage
// before the local rows are removed; an archive failure aborts the prune.
func (m *Manager) Prune(ctx context.Context, logID, entityID string) error {
	if m.cfg.KeepLast <= 0 {
		return nil
	}

	snaps, err := m.store.ListSnapshots(ctx, logID, entityID)
	if err != nil {
		return err
	}
	if len(snaps) <= m.cfg.KeepLast {
		return nil
	}

	doomed := snaps[m.cfg.KeepLast:]
	if m.archiver != nil {
		for _, snap := range doomed {
			if err := m.archiver.Archive(ctx, snap); err != nil {
				return kerrors.Wrap(kerrors.ErrCategorySnapshot, kerrors.CodeUploadFailed,
					"snapshot archive failed, retention deferred", err)
			}
		}
	}

	// Snapshots are listed newest first, so the retention boundary is the
	// oldest kept snapshot.
	cutoff := snaps[m.cfg.KeepLast-1].SeqNum
	deleted, err := m.store.DeleteSnapshotsBelow(ctx, logID, entityID, cutoff)
	if err != nil {
		return err
	}
	m.stats.RecordSnapshotsPruned(deleted)
	return nil
}
