package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang/snappy"

	kerrors "github.com/keeldb/keel/internal/errors"
	"github.com/keeldb/keel/internal/storage"
	"github.com/keeldb/keel/pkg/types"
)

// Archiver offloads pruned snapshots to object storage so historical
// checkpoints survive local retention. Archived snapshots are written as
// snappy-compressed JSON under <log>/<entity>/<seq>.snap.
type Archiver struct {
	storage storage.ObjectStorage
	prefix  string
}

// NewArchiver creates an archiver writing under the given key prefix.
func NewArchiver(s storage.ObjectStorage, prefix string) *Archiver {
	return &Archiver{storage: s, prefix: prefix}
}

// archivedSnapshot is the stored representation of an offloaded snapshot.
type archivedSnapshot struct {
	EventLogID   string `json:"event_log_id"`
	EntityID     string `json:"entity_id"`
	SeqNum       int64  `json:"seq_num"`
	EntityType   string `json:"entity_type"`
	StateData    []byte `json:"state_data"`
	EntitySeqNum int64  `json:"entity_seq_num"`
	CreatedAt    int64  `json:"created_at"`
}

// Archive uploads one snapshot to object storage.
func (a *Archiver) Archive(ctx context.Context, snap *types.Snapshot) error {
	payload, err := json.Marshal(archivedSnapshot{
		EventLogID:   snap.EventLogID,
		EntityID:     snap.EntityID,
		SeqNum:       snap.SeqNum,
		EntityType:   snap.EntityType,
		StateData:    snap.StateData,
		EntitySeqNum: snap.EntitySeqNum,
		CreatedAt:    snap.CreatedAt.UnixNano(),
	})
	if err != nil {
		return kerrors.NewInternalError("failed to encode snapshot for archive", err)
	}

	key := a.objectKey(snap.EventLogID, snap.EntityID, snap.SeqNum)
	if err := a.storage.Put(ctx, key, snappy.Encode(nil, payload)); err != nil {
		return kerrors.Wrap(kerrors.ErrCategoryStorage, kerrors.CodeUploadFailed,
			fmt.Sprintf("failed to archive snapshot %s", key), err)
	}
	return nil
}

// Fetch retrieves an archived snapshot by its ordering number.
func (a *Archiver) Fetch(ctx context.Context, logID, entityID string, seqNum int64) (*types.Snapshot, error) {
	key := a.objectKey(logID, entityID, seqNum)
	blob, err := a.storage.Get(ctx, key)
	if err != nil {
		if err == storage.ErrObjectNotFound {
			return nil, kerrors.New(kerrors.ErrCategorySnapshot, kerrors.CodeSnapshotNotFound,
				fmt.Sprintf("archived snapshot %s not found", key))
		}
		return nil, kerrors.Wrap(kerrors.ErrCategoryStorage, kerrors.CodeObjectNotFound,
			fmt.Sprintf("failed to fetch archived snapshot %s", key), err)
	}

	payload, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, kerrors.NewInternalError("failed to decompress archived snapshot", err)
	}

	var stored archivedSnapshot
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, kerrors.NewInternalError("failed to decode archived snapshot", err)
	}

	return &types.Snapshot{
		EventLogID:   stored.EventLogID,
		EntityID:     stored.EntityID,
		SeqNum:       stored.SeqNum,
		EntityType:   stored.EntityType,
		StateData:    stored.StateData,
		EntitySeqNum: stored.EntitySeqNum,
		CreatedAt:    time.Unix(0, stored.CreatedAt),
	}, nil
}

// List returns the archived snapshot keys for an entity.
func (a *Archiver) List(ctx context.Context, logID, entityID string) ([]string, error) {
	return a.storage.ListObjects(ctx, fmt.Sprintf("%s%s/%s/", a.keyPrefix(), logID, entityID))
}

func (a *Archiver) objectKey(logID, entityID string, seqNum int64) string {
	return fmt.Sprintf("%s%s/%s/%d.snap", a.keyPrefix(), logID, entityID, seqNum)
}

func (a *Archiver) keyPrefix() string {
	if a.prefix == "" {
		return ""
	}
	return a.prefix + "/"
}
