package types

import "time"

// CurrentState is the mutable derived row for one entity within an event log.
// It must always be re-derivable from the event sequence. SeqNum is the
// ordering number of the last event applied and never regresses;
// EntitySeqNum counts events applied to this entity and drives snapshot
// cadence together with LastSnapshotEntitySeqNum.
type CurrentState struct {
	EventLogID               string    `json:"event_log_id"`
	EntityID                 string    `json:"entity_id"`
	EntityType               string    `json:"entity_type"`
	StateData                []byte    `json:"state_data"`
	SeqNum                   int64     `json:"seq_num"`
	EntitySeqNum             int64     `json:"entity_seq_num"`
	LastSnapshotEntitySeqNum int64     `json:"last_snapshot_entity_seq_num"`
	LastUpdated              time.Time `json:"last_updated"`
}

// Snapshot is an immutable checkpoint of derived entity state at a given
// ordering number. Multiple snapshots are retained per entity; any one of
// them is a valid replay base for reconstruction at or beyond its SeqNum.
type Snapshot struct {
	EventLogID   string    `json:"event_log_id"`
	EntityID     string    `json:"entity_id"`
	SeqNum       int64     `json:"seq_num"`
	EntityType   string    `json:"entity_type"`
	StateData    []byte    `json:"state_data"`
	EntitySeqNum int64     `json:"entity_seq_num"`
	CreatedAt    time.Time `json:"created_at"`
}

// TransitionFunc is a pure state transition: it takes the previous serialized
// state (nil for an entity's first event) and the event payload, and returns
// the next serialized state. Transition functions must be deterministic and
// side-effect free; reconstruction re-invokes them against historical events.
type TransitionFunc func(prev []byte, payload []byte) ([]byte, error)

// Transition pairs a transition function with the entity type it produces.
// One Transition is registered per event type.
type Transition struct {
	EntityType string
	Apply      TransitionFunc
}
