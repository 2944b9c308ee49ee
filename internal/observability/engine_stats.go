// Package observability provides engine counters for monitoring append,
// projection, snapshot, and reconstruction activity.
package observability

import (
	"sync/atomic"
	"time"
)

// EngineStats tracks engine activity. All methods are safe on a nil
// receiver so components can run without a stats sink wired in.
type EngineStats struct {
	startedAt time.Time

	appends           atomic.Int64
	appendFailures    atomic.Int64
	applied           atomic.Int64
	duplicatesSkipped atomic.Int64
	snapshotsTaken    atomic.Int64
	snapshotsPruned   atomic.Int64
	rebuilds          atomic.Int64
	eventsReplayed    atomic.Int64
	gapsDetected      atomic.Int64
}

// NewEngineStats creates a new stats tracker.
func NewEngineStats() *EngineStats {
	return &EngineStats{startedAt: time.Now()}
}

func (s *EngineStats) RecordAppend(n int64) {
	if s == nil {
		return
	}
	s.appends.Add(n)
}

func (s *EngineStats) RecordAppendFailure() {
	if s == nil {
		return
	}
	s.appendFailures.Add(1)
}

func (s *EngineStats) RecordApplied() {
	if s == nil {
		return
	}
	s.applied.Add(1)
}

func (s *EngineStats) RecordDuplicateSkipped() {
	if s == nil {
		return
	}
	s.duplicatesSkipped.Add(1)
}

func (s *EngineStats) RecordSnapshot() {
	if s == nil {
		return
	}
	s.snapshotsTaken.Add(1)
}

func (s *EngineStats) RecordSnapshotsPruned(n int64) {
	if s == nil {
		return
	}
	s.snapshotsPruned.Add(n)
}

func (s *EngineStats) RecordRebuild(eventsReplayed int64) {
	if s == nil {
		return
	}
	s.rebuilds.Add(1)
	s.eventsReplayed.Add(eventsReplayed)
}

func (s *EngineStats) RecordGap() {
	if s == nil {
		return
	}
	s.gapsDetected.Add(1)
}

// Summary is a point-in-time copy of all counters.
type Summary struct {
	UptimeSeconds     int64 `json:"uptime_seconds"`
	Appends           int64 `json:"appends"`
	AppendFailures    int64 `json:"append_failures"`
	EventsApplied     int64 `json:"events_applied"`
	DuplicatesSkipped int64 `json:"duplicates_skipped"`
	SnapshotsTaken    int64 `json:"snapshots_taken"`
	SnapshotsPruned   int64 `json:"snapshots_pruned"`
	Rebuilds          int64 `json:"rebuilds"`
	EventsReplayed    int64 `json:"events_replayed"`
	GapsDetected      int64 `json:"gaps_detected"`
}

// Snapshot returns a copy of the current counters.
func (s *EngineStats) Snapshot() Summary {
	if s == nil {
		return Summary{}
	}
	return Summary{
		UptimeSeconds:     int64(time.Since(s.startedAt).Seconds()),
		Appends:           s.appends.Load(),
		AppendFailures:    s.appendFailures.Load(),
		EventsApplied:     s.applied.Load(),
		DuplicatesSkipped: s.duplicatesSkipped.Load(),
		SnapshotsTaken:    s.snapshotsTaken.Load(),
		SnapshotsPruned:   s.snapshotsPruned.Load(),
		Rebuilds:          s.rebuilds.Load(),
		EventsReplayed:    s.eventsReplayed.Load(),
		GapsDetected:      s.gapsDetected.Load(),
	}
}
