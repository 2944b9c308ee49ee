// Package rebuild reconstructs derived entity state from durable history.
// Reconstruction never consults the current-state table: it starts from the
// newest usable snapshot and replays the entity's events recorded after it,
// so the result depends only on the log.
package rebuild

import (
	"context"
	"fmt"
	"time"

	kerrors "github.com/keeldb/keel/internal/errors"
	"github.com/keeldb/keel/internal/observability"
	"github.com/keeldb/keel/internal/projection"
	"github.com/keeldb/keel/internal/statecache"
	"github.com/keeldb/keel/internal/store"
	"github.com/keeldb/keel/pkg/types"
)

// replayBatchSize bounds how many events are held in memory per replay step.
const replayBatchSize = 256

// Reconstructor rebuilds entity state from snapshots and event replay.
type Reconstructor struct {
	store       *store.Store
	transitions *projection.TransitionRegistry
	cache       *statecache.Cache
	stats       *observability.EngineStats
}

// NewReconstructor creates a reconstructor using the given transition
// registry. The registry must be the same one driving live projection or
// rebuilt state will diverge from applied state. cache, when non-nil, is
// refreshed by Repair; pass the projector's cache so repaired rows are not
// served stale.
func NewReconstructor(s *store.Store, transitions *projection.TransitionRegistry, cache *statecache.Cache, stats *observability.EngineStats) *Reconstructor {
	return &Reconstructor{
		store:       s,
		transitions: transitions,
		cache:       cache,
		stats:       stats,
	}
}

// Rebuild reconstructs an entity's current state from durable history.
func (r *Reconstructor) Rebuild(ctx context.Context, logID, entityID string) (*types.CurrentState, error) {
	return r.RebuildAt(ctx, logID, entityID, 0)
}

// RebuildAt reconstructs an entity's state as of targetSeq. A targetSeq of
// zero means the full history. Returns an incomplete-history error when the
// replay range starts below the log's retention watermark, and a not-found
// error when the entity has no snapshot and no events in range.
func (r *Reconstructor) RebuildAt(ctx context.Context, logID, entityID string, targetSeq int64) (*types.CurrentState, error) {
	logMeta, err := r.store.GetEventLog(ctx, logID)
	if err != nil {
		return nil, err
	}

	snap, err := r.baseSnapshot(ctx, logID, entityID, targetSeq)
	if err != nil {
		return nil, err
	}

	state := &types.CurrentState{
		EventLogID: logID,
		EntityID:   entityID,
	}
	replayFrom := int64(1)
	if snap != nil {
		state.EntityType = snap.EntityType
		state.StateData = snap.StateData
		state.SeqNum = snap.SeqNum
		state.EntitySeqNum = snap.EntitySeqNum
		state.LastSnapshotEntitySeqNum = snap.EntitySeqNum
		state.LastUpdated = snap.CreatedAt
		replayFrom = snap.SeqNum + 1
	}

	// Events below the retention watermark are gone. A replay that would
	// need them cannot produce a trustworthy state.
	if replayFrom < logMeta.FirstSeqNum {
		return nil, kerrors.NewIncompleteError(fmt.Sprintf(
			"replay for entity %q would start at %d but log %q retains history from %d",
			entityID, replayFrom, logID, logMeta.FirstSeqNum))
	}

	replayed, err := r.replay(ctx, state, replayFrom, targetSeq)
	if err != nil {
		return nil, err
	}

	if snap == nil && replayed == 0 {
		return nil, kerrors.New(kerrors.ErrCategoryRebuild, kerrors.CodeEntityNotFound,
			fmt.Sprintf("entity %q has no history in log %q", entityID, logID))
	}

	r.stats.RecordRebuild(replayed)
	return state, nil
}

// Repair rebuilds an entity and writes the result back as its current
// state. Used to recover a state row that was lost or has diverged. The
// write bypasses the projection path's ordering guard: a divergent row sits
// at the same ordering number as the rebuilt one, and the guarded upsert
// would refuse to touch it.
func (r *Reconstructor) Repair(ctx context.Context, logID, entityID string) (*types.CurrentState, error) {
	state, err := r.Rebuild(ctx, logID, entityID)
	if err != nil {
		return nil, err
	}

	// Keep the stored snapshot watermark when it is ahead of the rebuilt
	// one, so repair does not re-arm an already-taken snapshot.
	stored, err := r.store.GetCurrentState(ctx, logID, entityID)
	if err != nil && !kerrors.IsNotFound(err) {
		return nil, err
	}
	if stored != nil && stored.LastSnapshotEntitySeqNum > state.LastSnapshotEntitySeqNum {
		state.LastSnapshotEntitySeqNum = stored.LastSnapshotEntitySeqNum
	}

	state.LastUpdated = time.Now().UTC()
	if err := r.store.ReplaceCurrentState(ctx, state); err != nil {
		return nil, err
	}
	r.cache.Put(state)
	return state, nil
}

// Verify rebuilds an entity and compares the result against its stored
// current state. Returns nil when they agree.
func (r *Reconstructor) Verify(ctx context.Context, logID, entityID string) error {
	rebuilt, err := r.Rebuild(ctx, logID, entityID)
	if err != nil {
		return err
	}
	stored, err := r.store.GetCurrentState(ctx, logID, entityID)
	if err != nil {
		return err
	}

	if rebuilt.SeqNum != stored.SeqNum {
		return kerrors.New(kerrors.ErrCategoryRebuild, kerrors.CodeUnexpected, fmt.Sprintf(
			"entity %q: rebuilt seq %d, stored seq %d", entityID, rebuilt.SeqNum, stored.SeqNum))
	}
	if rebuilt.EntitySeqNum != stored.EntitySeqNum {
		return kerrors.New(kerrors.ErrCategoryRebuild, kerrors.CodeUnexpected, fmt.Sprintf(
			"entity %q: rebuilt entity seq %d, stored entity seq %d",
			entityID, rebuilt.EntitySeqNum, stored.EntitySeqNum))
	}
	if string(rebuilt.StateData) != string(stored.StateData) {
		return kerrors.New(kerrors.ErrCategoryRebuild, kerrors.CodeUnexpected,
			fmt.Sprintf("entity %q: rebuilt state diverges from stored state", entityID))
	}
	return nil
}

// baseSnapshot picks the newest snapshot usable for a rebuild to targetSeq.
// A missing snapshot is not an error; it forces a full replay.
func (r *Reconstructor) baseSnapshot(ctx context.Context, logID, entityID string, targetSeq int64) (*types.Snapshot, error) {
	var snap *types.Snapshot
	var err error
	if targetSeq > 0 {
		snap, err = r.store.GetSnapshotAtOrBefore(ctx, logID, entityID, targetSeq)
	} else {
		snap, err = r.store.GetLatestSnapshot(ctx, logID, entityID)
	}
	if err != nil {
		if kerrors.GetCode(err) == kerrors.CodeSnapshotNotFound {
			return nil, nil
		}
		return nil, err
	}
	return snap, nil
}

// replay applies the entity's events with seq_num in (state.SeqNum, targetSeq]
// to the state, in batches. Returns the number of events applied.
func (r *Reconstructor) replay(ctx context.Context, state *types.CurrentState, fromSeq, targetSeq int64) (int64, error) {
	var replayed int64
	for {
		events, err := r.store.GetEventsByEntity(ctx, state.EventLogID, state.EntityID,
			fromSeq, targetSeq, replayBatchSize)
		if err != nil {
			return replayed, err
		}
		if len(events) == 0 {
			return replayed, nil
		}

		for _, ev := range events {
			tr, ok := r.transitions.Lookup(ev.EventType)
			if !ok {
				return replayed, kerrors.New(kerrors.ErrCategoryRebuild, kerrors.CodeUnknownEventType,
					fmt.Sprintf("no transition registered for event type %q at seq %d", ev.EventType, ev.SeqNum))
			}
			next, err := tr.Apply(state.StateData, ev.EventData)
			if err != nil {
				return replayed, kerrors.Wrap(kerrors.ErrCategoryRebuild, kerrors.CodeTransitionFailed,
					fmt.Sprintf("transition %q failed during replay at seq %d", ev.EventType, ev.SeqNum), err)
			}
			state.StateData = next
			state.EntityType = tr.EntityType
			state.SeqNum = ev.SeqNum
			state.EntitySeqNum++
			state.LastUpdated = ev.Timestamp
			replayed++
		}

		fromSeq = events[len(events)-1].SeqNum + 1
	}
}
