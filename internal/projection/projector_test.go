package projection

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	kerrors "github.com/keeldb/keel/internal/errors"
	"github.com/keeldb/keel/internal/statecache"
	"github.com/keeldb/keel/internal/store"
	"github.com/keeldb/keel/pkg/types"
)

// shipState is the test entity state; transitions mirror the move/dock/
// refuel events of a fleet controller.
type shipState struct {
	Status   string `json:"status"`
	Waypoint string `json:"waypoint"`
	Fuel     int    `json:"fuel"`
	Moves    int    `json:"moves"`
}

func decodeShip(prev []byte) shipState {
	st := shipState{Fuel: 100}
	if prev != nil {
		json.Unmarshal(prev, &st)
	}
	return st
}

func shipTransitions(t *testing.T) *TransitionRegistry {
	t.Helper()
	reg := NewTransitionRegistry()

	register := func(eventType string, apply types.TransitionFunc) {
		if err := reg.Register(eventType, types.Transition{EntityType: "ship", Apply: apply}); err != nil {
			t.Fatalf("register %s failed: %v", eventType, err)
		}
	}

	register("move", func(prev, payload []byte) ([]byte, error) {
		st := decodeShip(prev)
		var p struct {
			Waypoint string `json:"waypoint"`
		}
		json.Unmarshal(payload, &p)
		st.Status = "in_transit"
		st.Waypoint = p.Waypoint
		st.Fuel -= 10
		st.Moves++
		return json.Marshal(st)
	})
	register("dock", func(prev, payload []byte) ([]byte, error) {
		st := decodeShip(prev)
		st.Status = "docked"
		return json.Marshal(st)
	})
	register("refuel", func(prev, payload []byte) ([]byte, error) {
		st := decodeShip(prev)
		st.Fuel = 100
		return json.Marshal(st)
	})
	return reg
}

func newTestProjector(t *testing.T) (*Projector, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "projection_test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, shipTransitions(t), statecache.New(100), nil), s
}

func mkEvent(seq int64, entityID, eventType, payload string) *types.Event {
	return &types.Event{
		EventLogID: "log-1",
		SeqNum:     seq,
		Timestamp:  time.Now().UTC(),
		EntityID:   entityID,
		EventType:  eventType,
		EventData:  []byte(payload),
	}
}

func TestProjector_FirstEventCreatesState(t *testing.T) {
	p, _ := newTestProjector(t)
	ctx := context.Background()

	state, applied, err := p.Apply(ctx, mkEvent(1, "SHIP-1", "move", `{"waypoint":"X1-A1"}`))
	if err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if !applied {
		t.Fatal("first event should apply")
	}
	if state.EntityType != "ship" || state.SeqNum != 1 || state.EntitySeqNum != 1 {
		t.Errorf("state after first apply: %+v", state)
	}

	ship := decodeShip(state.StateData)
	if ship.Status != "in_transit" || ship.Waypoint != "X1-A1" {
		t.Errorf("ship state: %+v", ship)
	}
}

func TestProjector_MoveDockRefuelScenario(t *testing.T) {
	p, _ := newTestProjector(t)
	ctx := context.Background()

	events := []*types.Event{
		mkEvent(1, "SHIP-1", "move", `{"waypoint":"X1-A1"}`),
		mkEvent(2, "SHIP-1", "dock", `{}`),
		mkEvent(3, "SHIP-1", "refuel", `{}`),
	}
	for _, ev := range events {
		if _, _, err := p.Apply(ctx, ev); err != nil {
			t.Fatalf("apply %d failed: %v", ev.SeqNum, err)
		}
	}

	state, err := p.GetCurrent(ctx, "log-1", "SHIP-1")
	if err != nil {
		t.Fatalf("get current failed: %v", err)
	}
	if state.SeqNum != 3 || state.EntitySeqNum != 3 {
		t.Errorf("counters: seq=%d entity_seq=%d, want 3/3", state.SeqNum, state.EntitySeqNum)
	}

	ship := decodeShip(state.StateData)
	if ship.Status != "docked" {
		t.Errorf("status: got %q, want docked (dock applied after move)", ship.Status)
	}
	if ship.Fuel != 100 {
		t.Errorf("fuel: got %d, want 100 (refuel applied last)", ship.Fuel)
	}
	if ship.Moves != 1 {
		t.Errorf("moves: got %d, want 1", ship.Moves)
	}
}

func TestProjector_ReapplyIsIdempotent(t *testing.T) {
	p, _ := newTestProjector(t)
	ctx := context.Background()

	ev := mkEvent(1, "SHIP-1", "move", `{"waypoint":"X1-A1"}`)
	first, applied, err := p.Apply(ctx, ev)
	if err != nil || !applied {
		t.Fatalf("first apply: applied=%v err=%v", applied, err)
	}

	second, applied, err := p.Apply(ctx, ev)
	if err != nil {
		t.Fatalf("re-apply errored: %v", err)
	}
	if applied {
		t.Error("re-applied event must be skipped")
	}
	if second.SeqNum != first.SeqNum || second.EntitySeqNum != first.EntitySeqNum {
		t.Errorf("state changed on re-apply: %+v vs %+v", second, first)
	}
	if string(second.StateData) != string(first.StateData) {
		t.Error("state data changed on re-apply")
	}
}

func TestProjector_StaleEventIsSkipped(t *testing.T) {
	p, _ := newTestProjector(t)
	ctx := context.Background()

	if _, _, err := p.Apply(ctx, mkEvent(5, "SHIP-1", "move", `{"waypoint":"X1-B2"}`)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	state, applied, err := p.Apply(ctx, mkEvent(3, "SHIP-1", "dock", `{}`))
	if err != nil {
		t.Fatalf("stale apply errored: %v", err)
	}
	if applied {
		t.Error("event with smaller ordering number must be skipped")
	}
	if decodeShip(state.StateData).Status != "in_transit" {
		t.Error("stale event must not modify state")
	}
}

func TestProjector_OutOfOrderDeliveryAppliesStoredPredecessors(t *testing.T) {
	p, s := newTestProjector(t)
	ctx := context.Background()

	// Both events are durably stored, then delivered in inverted order.
	ev1 := mkEvent(1, "SHIP-1", "move", `{"waypoint":"X1-A1"}`)
	ev2 := mkEvent(2, "SHIP-1", "move", `{"waypoint":"X1-B2"}`)
	for _, ev := range []*types.Event{ev1, ev2} {
		if err := s.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("insert %d failed: %v", ev.SeqNum, err)
		}
	}

	state, applied, err := p.Apply(ctx, ev2)
	if err != nil {
		t.Fatalf("apply 2 failed: %v", err)
	}
	if !applied {
		t.Fatal("event 2 should apply")
	}
	if state.SeqNum != 2 || state.EntitySeqNum != 2 {
		t.Errorf("counters: seq=%d entity_seq=%d, want 2/2 (event 1 folded in first)", state.SeqNum, state.EntitySeqNum)
	}
	ship := decodeShip(state.StateData)
	if ship.Moves != 2 || ship.Waypoint != "X1-B2" {
		t.Errorf("ship state: %+v, want both moves applied in order", ship)
	}

	// The straggler now hits the duplicate guard.
	state, applied, err = p.Apply(ctx, ev1)
	if err != nil {
		t.Fatalf("late apply errored: %v", err)
	}
	if applied {
		t.Error("already-folded event must be skipped")
	}
	if decodeShip(state.StateData).Moves != 2 {
		t.Error("late delivery must not re-apply")
	}
}

func TestProjector_UnknownEventType(t *testing.T) {
	p, _ := newTestProjector(t)

	_, _, err := p.Apply(context.Background(), mkEvent(1, "SHIP-1", "self_destruct", `{}`))
	if kerrors.GetCode(err) != kerrors.CodeUnknownEventType {
		t.Fatalf("expected UNKNOWN_EVENT_TYPE, got %v", err)
	}
}

func TestProjector_GetCurrentNotFound(t *testing.T) {
	p, _ := newTestProjector(t)

	_, err := p.GetCurrent(context.Background(), "log-1", "GHOST")
	if kerrors.GetCode(err) != kerrors.CodeEntityNotFound {
		t.Fatalf("expected ENTITY_NOT_FOUND, got %v", err)
	}
}

func TestProjector_EntitiesAreIndependent(t *testing.T) {
	p, _ := newTestProjector(t)
	ctx := context.Background()

	if _, _, err := p.Apply(ctx, mkEvent(1, "SHIP-1", "move", `{"waypoint":"X1-A1"}`)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if _, _, err := p.Apply(ctx, mkEvent(2, "SHIP-2", "dock", `{}`)); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	s1, _ := p.GetCurrent(ctx, "log-1", "SHIP-1")
	s2, _ := p.GetCurrent(ctx, "log-1", "SHIP-2")
	if s1.EntitySeqNum != 1 || s2.EntitySeqNum != 1 {
		t.Errorf("per-entity counters leaked: %d and %d", s1.EntitySeqNum, s2.EntitySeqNum)
	}
	if s1.SeqNum != 1 || s2.SeqNum != 2 {
		t.Errorf("ordering numbers: %d and %d", s1.SeqNum, s2.SeqNum)
	}
}

func TestProjector_CatchUpEntity(t *testing.T) {
	p, s := newTestProjector(t)
	ctx := context.Background()

	for seq := int64(1); seq <= 5; seq++ {
		ev := mkEvent(seq, "SHIP-1", "move", `{"waypoint":"X1-A1"}`)
		if err := s.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("insert %d failed: %v", seq, err)
		}
	}

	applied, err := p.CatchUpEntity(ctx, "log-1", "SHIP-1")
	if err != nil {
		t.Fatalf("catch-up failed: %v", err)
	}
	if applied != 5 {
		t.Errorf("applied %d events, want 5", applied)
	}

	state, err := p.GetCurrent(ctx, "log-1", "SHIP-1")
	if err != nil {
		t.Fatalf("get current failed: %v", err)
	}
	if state.SeqNum != 5 || state.EntitySeqNum != 5 {
		t.Errorf("counters after catch-up: seq=%d entity_seq=%d", state.SeqNum, state.EntitySeqNum)
	}

	// A second catch-up finds nothing new
	applied, err = p.CatchUpEntity(ctx, "log-1", "SHIP-1")
	if err != nil || applied != 0 {
		t.Errorf("idle catch-up: applied=%d err=%v", applied, err)
	}
}

func TestTransitionRegistry_RejectsDuplicates(t *testing.T) {
	reg := shipTransitions(t)

	err := reg.Register("move", types.Transition{EntityType: "ship", Apply: func(p, d []byte) ([]byte, error) { return nil, nil }})
	if err == nil {
		t.Error("duplicate registration should fail")
	}

	typesList := reg.EventTypes()
	if len(typesList) != 3 {
		t.Errorf("event types: got %v", typesList)
	}
}
