package rebuild

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/keeldb/keel/internal/appender"
	kerrors "github.com/keeldb/keel/internal/errors"
	"github.com/keeldb/keel/internal/observability"
	"github.com/keeldb/keel/internal/projection"
	"github.com/keeldb/keel/internal/registry"
	"github.com/keeldb/keel/internal/snapshot"
	"github.com/keeldb/keel/internal/statecache"
	"github.com/keeldb/keel/internal/store"
	"github.com/keeldb/keel/pkg/types"
)

type cargoState struct {
	Units int64 `json:"units"`
	Loads int64 `json:"loads"`
}

type loadEvent struct {
	Units int64 `json:"units"`
}

// cargoTransitions registers a single "cargo_loaded" transition that
// accumulates loaded units, giving replay a deterministic observable result.
func cargoTransitions(t *testing.T) *projection.TransitionRegistry {
	t.Helper()
	reg := projection.NewTransitionRegistry()
	err := reg.Register("cargo_loaded", types.Transition{
		EntityType: "ship",
		Apply: func(prev, payload []byte) ([]byte, error) {
			var state cargoState
			if len(prev) > 0 {
				if err := json.Unmarshal(prev, &state); err != nil {
					return nil, err
				}
			}
			var ev loadEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				return nil, err
			}
			state.Units += ev.Units
			state.Loads++
			return json.Marshal(state)
		},
	})
	if err != nil {
		t.Fatalf("failed to register transition: %v", err)
	}
	return reg
}

type fixture struct {
	store       *store.Store
	appender    *appender.Appender
	projector   *projection.Projector
	transitions *projection.TransitionRegistry
	recon       *Reconstructor
	stats       *observability.EngineStats
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "keel.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := registry.New(s, registry.DefaultConfig())
	transitions := cargoTransitions(t)
	stats := observability.NewEngineStats()

	return &fixture{
		store:       s,
		appender:    appender.New(s, reg),
		projector:   projection.New(s, transitions, nil, stats),
		transitions: transitions,
		recon:       NewReconstructor(s, transitions, nil, stats),
		stats:       stats,
	}
}

// appendAndApply records one cargo load and projects it into current state.
func (f *fixture) appendAndApply(t *testing.T, logID, entityID string, units int64) *types.Event {
	t.Helper()
	ctx := context.Background()
	if _, err := f.store.CreateEventLogIfAbsent(ctx, logID); err != nil {
		t.Fatalf("failed to create log: %v", err)
	}
	payload, _ := json.Marshal(loadEvent{Units: units})
	ev, err := f.appender.Append(ctx, logID, entityID, "cargo_loaded", payload)
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if _, _, err := f.projector.Apply(ctx, ev); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	return ev
}

func decodeCargo(t *testing.T, data []byte) cargoState {
	t.Helper()
	var s cargoState
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatalf("failed to decode state: %v", err)
	}
	return s
}

func TestRebuild_FullReplay(t *testing.T) {
	f := newFixture(t)
	for i := int64(1); i <= 5; i++ {
		f.appendAndApply(t, "fleet-alpha", "SHIP-1", i*10)
	}

	state, err := f.recon.Rebuild(context.Background(), "fleet-alpha", "SHIP-1")
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}

	cargo := decodeCargo(t, state.StateData)
	if cargo.Units != 150 || cargo.Loads != 5 {
		t.Errorf("expected 150 units over 5 loads, got %d over %d", cargo.Units, cargo.Loads)
	}
	if state.SeqNum != 5 || state.EntitySeqNum != 5 {
		t.Errorf("expected seq 5/entity seq 5, got %d/%d", state.SeqNum, state.EntitySeqNum)
	}
	if state.EntityType != "ship" {
		t.Errorf("expected entity type ship, got %q", state.EntityType)
	}
}

func TestRebuild_AgreesWithProjection(t *testing.T) {
	f := newFixture(t)
	for i := int64(1); i <= 7; i++ {
		f.appendAndApply(t, "fleet-alpha", "SHIP-1", i)
	}

	if err := f.recon.Verify(context.Background(), "fleet-alpha", "SHIP-1"); err != nil {
		t.Errorf("rebuilt state should match projected state: %v", err)
	}
}

func TestRebuild_FromSnapshotAfterTrim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	mgr := snapshot.NewManager(f.store, snapshot.Config{Cadence: 3}, nil, f.stats)

	for i := int64(1); i <= 5; i++ {
		f.appendAndApply(t, "fleet-alpha", "SHIP-1", 10)
		state, err := f.store.GetCurrentState(ctx, "fleet-alpha", "SHIP-1")
		if err != nil {
			t.Fatalf("GetCurrentState failed: %v", err)
		}
		if _, err := mgr.MaybeSnapshot(ctx, state); err != nil {
			t.Fatalf("MaybeSnapshot failed: %v", err)
		}
	}

	// A snapshot was taken at seq 3; history before it can be trimmed.
	if _, err := f.store.TrimEventsBelow(ctx, "fleet-alpha", 4); err != nil {
		t.Fatalf("TrimEventsBelow failed: %v", err)
	}

	state, err := f.recon.Rebuild(ctx, "fleet-alpha", "SHIP-1")
	if err != nil {
		t.Fatalf("Rebuild after trim failed: %v", err)
	}
	cargo := decodeCargo(t, state.StateData)
	if cargo.Units != 50 || cargo.Loads != 5 {
		t.Errorf("expected 50 units over 5 loads, got %d over %d", cargo.Units, cargo.Loads)
	}
	if state.SeqNum != 5 || state.EntitySeqNum != 5 {
		t.Errorf("expected seq 5/entity seq 5, got %d/%d", state.SeqNum, state.EntitySeqNum)
	}
}

func TestRebuildAt_TargetSeq(t *testing.T) {
	f := newFixture(t)
	for i := int64(1); i <= 5; i++ {
		f.appendAndApply(t, "fleet-alpha", "SHIP-1", 10)
	}

	state, err := f.recon.RebuildAt(context.Background(), "fleet-alpha", "SHIP-1", 3)
	if err != nil {
		t.Fatalf("RebuildAt failed: %v", err)
	}
	cargo := decodeCargo(t, state.StateData)
	if cargo.Loads != 3 || cargo.Units != 30 {
		t.Errorf("expected historical state after 3 loads, got %d loads %d units", cargo.Loads, cargo.Units)
	}
	if state.SeqNum != 3 {
		t.Errorf("expected seq 3, got %d", state.SeqNum)
	}
}

func TestRebuild_IncompleteAfterTrimWithoutSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := int64(1); i <= 5; i++ {
		f.appendAndApply(t, "fleet-alpha", "SHIP-1", 10)
	}

	if _, err := f.store.TrimEventsBelow(ctx, "fleet-alpha", 3); err != nil {
		t.Fatalf("TrimEventsBelow failed: %v", err)
	}

	_, err := f.recon.Rebuild(ctx, "fleet-alpha", "SHIP-1")
	if !kerrors.IsIncomplete(err) {
		t.Errorf("expected incomplete-history error, got %v", err)
	}
}

func TestRebuild_UnknownEntity(t *testing.T) {
	f := newFixture(t)
	f.appendAndApply(t, "fleet-alpha", "SHIP-1", 10)

	_, err := f.recon.Rebuild(context.Background(), "fleet-alpha", "GHOST")
	if !kerrors.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestRebuild_UnknownLog(t *testing.T) {
	f := newFixture(t)
	_, err := f.recon.Rebuild(context.Background(), "no-such-log", "SHIP-1")
	if !kerrors.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestRepair_RestoresLostStateRow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := int64(1); i <= 4; i++ {
		f.appendAndApply(t, "fleet-alpha", "SHIP-1", 5)
	}
	before, err := f.store.GetCurrentState(ctx, "fleet-alpha", "SHIP-1")
	if err != nil {
		t.Fatalf("GetCurrentState failed: %v", err)
	}

	repaired, err := f.recon.Repair(ctx, "fleet-alpha", "SHIP-1")
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if repaired.SeqNum != before.SeqNum || repaired.EntitySeqNum != before.EntitySeqNum {
		t.Errorf("repaired state diverges: seq %d/%d, entity seq %d/%d",
			repaired.SeqNum, before.SeqNum, repaired.EntitySeqNum, before.EntitySeqNum)
	}
	if string(repaired.StateData) != string(before.StateData) {
		t.Error("repaired state data diverges from projected state")
	}
}

func TestRepair_OverwritesDivergentRowAtSameSeq(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := int64(1); i <= 4; i++ {
		f.appendAndApply(t, "fleet-alpha", "SHIP-1", 5)
	}
	good, err := f.store.GetCurrentState(ctx, "fleet-alpha", "SHIP-1")
	if err != nil {
		t.Fatalf("GetCurrentState failed: %v", err)
	}

	// Mangle the stored blob without touching the ordering numbers, then
	// track the bad row in a cache so repair must refresh both.
	bad := *good
	bad.StateData = []byte(`{"units":9999,"loads":1}`)
	if err := f.store.ReplaceCurrentState(ctx, &bad); err != nil {
		t.Fatalf("ReplaceCurrentState failed: %v", err)
	}
	if err := f.recon.Verify(ctx, "fleet-alpha", "SHIP-1"); err == nil {
		t.Fatal("expected Verify to flag the mangled row")
	}
	cache := statecache.New(8)
	cache.Put(&bad)
	recon := NewReconstructor(f.store, f.transitions, cache, f.stats)

	repaired, err := recon.Repair(ctx, "fleet-alpha", "SHIP-1")
	if err != nil {
		t.Fatalf("Repair failed: %v", err)
	}
	if repaired.SeqNum != good.SeqNum {
		t.Errorf("expected seq %d after repair, got %d", good.SeqNum, repaired.SeqNum)
	}
	cargo := decodeCargo(t, repaired.StateData)
	if cargo.Units != 20 || cargo.Loads != 4 {
		t.Errorf("expected 20 units over 4 loads after repair, got %d over %d", cargo.Units, cargo.Loads)
	}
	if err := recon.Verify(ctx, "fleet-alpha", "SHIP-1"); err != nil {
		t.Errorf("Verify should pass after repair: %v", err)
	}
	if cached, ok := cache.Get("fleet-alpha", "SHIP-1"); !ok {
		t.Error("expected repaired state in cache")
	} else if decodeCargo(t, cached.StateData).Units != 20 {
		t.Error("cache still holds the mangled state")
	}
}

func TestAuditLog_DetectsGap(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.appendAndApply(t, "fleet-alpha", "SHIP-1", 10)
	f.appendAndApply(t, "fleet-alpha", "SHIP-1", 10)

	// Reserve two numbers and never write them, then append again. The
	// reserved numbers 3 and 4 become a permanent hole.
	reg := registry.New(f.store, registry.DefaultConfig())
	if _, err := reg.Reserve(ctx, "fleet-alpha", 2); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	f.appendAndApply(t, "fleet-alpha", "SHIP-1", 10)

	gaps, err := f.recon.AuditLog(ctx, "fleet-alpha")
	if err != nil {
		t.Fatalf("AuditLog failed: %v", err)
	}
	if len(gaps) != 1 {
		t.Fatalf("expected 1 gap, got %d: %v", len(gaps), gaps)
	}
	if gaps[0].First != 3 || gaps[0].Last != 4 {
		t.Errorf("expected gap [3,4], got [%d,%d]", gaps[0].First, gaps[0].Last)
	}
}

func TestAuditLog_TrailingHole(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.appendAndApply(t, "fleet-alpha", "SHIP-1", 10)

	reg := registry.New(f.store, registry.DefaultConfig())
	if _, err := reg.Reserve(ctx, "fleet-alpha", 3); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	gaps, err := f.recon.AuditLog(ctx, "fleet-alpha")
	if err != nil {
		t.Fatalf("AuditLog failed: %v", err)
	}
	if len(gaps) != 1 || gaps[0].First != 2 || gaps[0].Last != 4 {
		t.Fatalf("expected trailing gap [2,4], got %v", gaps)
	}
}

func TestAuditLog_ContiguousLogHasNoGaps(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 10; i++ {
		f.appendAndApply(t, "fleet-alpha", fmt.Sprintf("SHIP-%d", i%3), 1)
	}

	gaps, err := f.recon.AuditLog(context.Background(), "fleet-alpha")
	if err != nil {
		t.Fatalf("AuditLog failed: %v", err)
	}
	if len(gaps) != 0 {
		t.Errorf("expected no gaps, got %v", gaps)
	}
}
