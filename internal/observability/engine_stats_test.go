package observability

import (
	"sync"
	"testing"
)

func TestEngineStats_Counters(t *testing.T) {
	s := NewEngineStats()

	s.RecordAppend(3)
	s.RecordApplied()
	s.RecordApplied()
	s.RecordDuplicateSkipped()
	s.RecordSnapshot()
	s.RecordSnapshotsPruned(4)
	s.RecordRebuild(7)
	s.RecordGap()
	s.RecordAppendFailure()

	sum := s.Snapshot()
	if sum.Appends != 3 {
		t.Errorf("appends: got %d, want 3", sum.Appends)
	}
	if sum.EventsApplied != 2 {
		t.Errorf("applied: got %d, want 2", sum.EventsApplied)
	}
	if sum.DuplicatesSkipped != 1 {
		t.Errorf("duplicates: got %d, want 1", sum.DuplicatesSkipped)
	}
	if sum.SnapshotsTaken != 1 || sum.SnapshotsPruned != 4 {
		t.Errorf("snapshots: taken=%d pruned=%d", sum.SnapshotsTaken, sum.SnapshotsPruned)
	}
	if sum.Rebuilds != 1 || sum.EventsReplayed != 7 {
		t.Errorf("rebuilds: %d replayed=%d", sum.Rebuilds, sum.EventsReplayed)
	}
	if sum.GapsDetected != 1 || sum.AppendFailures != 1 {
		t.Errorf("gaps=%d failures=%d", sum.GapsDetected, sum.AppendFailures)
	}
}

func TestEngineStats_NilReceiverIsSafe(t *testing.T) {
	var s *EngineStats
	s.RecordAppend(1)
	s.RecordApplied()
	s.RecordGap()
	if sum := s.Snapshot(); sum.Appends != 0 {
		t.Errorf("nil stats should report zero counters, got %+v", sum)
	}
}

func TestEngineStats_ConcurrentUpdates(t *testing.T) {
	s := NewEngineStats()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				s.RecordApplied()
			}
		}()
	}
	wg.Wait()

	if got := s.Snapshot().EventsApplied; got != 1000 {
		t.Errorf("applied: got %d, want 1000", got)
	}
}
