// Package types defines the shared record types of the keel event engine:
// event logs, events, derived current state, and snapshots.
package types

import "time"

// EventLog is the registry row for one partition (event log). LastSeqNum is
// the highest ordering number ever reserved in the log; FirstSeqNum is the
// retention watermark, the lowest ordering number still retained.
type EventLog struct {
	EventLogID  string    `json:"event_log_id"`
	LastSeqNum  int64     `json:"last_seq_num"`
	FirstSeqNum int64     `json:"first_seq_num"`
	LastUpdated time.Time `json:"last_updated"`
}

// Event is an immutable record in an event log, unique by
// (EventLogID, SeqNum). EventData is opaque to the engine; only the
// registered transition function for EventType interprets it.
type Event struct {
	EventLogID string    `json:"event_log_id"`
	SeqNum     int64     `json:"seq_num"`
	Timestamp  time.Time `json:"timestamp"`
	EntityID   string    `json:"entity_id"`
	EventType  string    `json:"event_type"`
	EventData  []byte    `json:"event_data"`
}

// SeqRange is a contiguous range of reserved ordering numbers, inclusive on
// both ends. A single reservation has First == Last.
type SeqRange struct {
	First int64 `json:"first"`
	Last  int64 `json:"last"`
}

// Count returns the number of ordering numbers in the range.
func (r SeqRange) Count() int64 {
	return r.Last - r.First + 1
}
