// Package integration provides end-to-end tests for the Keel engine.
package integration

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/keeldb/keel/internal/appender"
	kerrors "github.com/keeldb/keel/internal/errors"
	"github.com/keeldb/keel/internal/notify"
	"github.com/keeldb/keel/internal/observability"
	"github.com/keeldb/keel/internal/projection"
	"github.com/keeldb/keel/internal/rebuild"
	"github.com/keeldb/keel/internal/registry"
	"github.com/keeldb/keel/internal/retention"
	"github.com/keeldb/keel/internal/snapshot"
	"github.com/keeldb/keel/internal/store"
	"github.com/keeldb/keel/internal/transitions"
	"github.com/keeldb/keel/pkg/types"
)

// engine wires the full append-to-state pipeline the way the application
// does: appender, sharded projection pool, snapshot manager, and notifier.
type engine struct {
	store     *store.Store
	registry  *registry.Registry
	appender  *appender.Appender
	projector *projection.Projector
	pool      *projection.Pool
	snapshots *snapshot.Manager
	notifier  *notify.Notifier
	recon     *rebuild.Reconstructor
	stats     *observability.EngineStats

	mu      sync.Mutex
	applied map[int64]chan struct{}
}

func newEngine(t *testing.T, cadence int64) *engine {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "keel.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	reg := projection.NewTransitionRegistry()
	for _, eventType := range []string{"move", "dock", "refuel"} {
		if err := reg.Register(eventType, transitions.Merge("ship")); err != nil {
			t.Fatalf("failed to register %s: %v", eventType, err)
		}
	}

	stats := observability.NewEngineStats()
	e := &engine{
		store:    s,
		stats:    stats,
		notifier: notify.NewNotifier(16),
		applied:  make(map[int64]chan struct{}),
	}

	e.registry = registry.New(s, registry.DefaultConfig())
	e.appender = appender.New(s, e.registry)
	e.projector = projection.New(s, reg, nil, stats)
	e.snapshots = snapshot.NewManager(s, snapshot.Config{Cadence: cadence, KeepLast: 2}, nil, stats)
	e.recon = rebuild.NewReconstructor(s, reg, nil, stats)

	e.pool = projection.NewPool(e.projector, projection.PoolConfig{Workers: 2}, e.onApplied)
	e.pool.Start(context.Background())
	t.Cleanup(e.pool.Stop)

	return e
}

func (e *engine) onApplied(state *types.CurrentState, ev *types.Event) {
	if _, err := e.snapshots.MaybeSnapshot(context.Background(), state); err != nil {
		panic(err)
	}
	e.notifier.Publish(notify.Notification{
		Type:       notify.EventApplied,
		EventLogID: ev.EventLogID,
		EntityID:   ev.EntityID,
		EventType:  ev.EventType,
		SeqNum:     ev.SeqNum,
		Timestamp:  ev.Timestamp.UnixNano(),
	})

	e.mu.Lock()
	if ch, ok := e.applied[ev.SeqNum]; ok {
		close(ch)
		delete(e.applied, ev.SeqNum)
	}
	e.mu.Unlock()
}

// append records an event and blocks until the pool has projected it.
func (e *engine) append(t *testing.T, logID, entityID, eventType, payload string) *types.Event {
	t.Helper()
	ctx := context.Background()

	if _, err := e.store.CreateEventLogIfAbsent(ctx, logID); err != nil {
		t.Fatalf("failed to create log: %v", err)
	}
	ev, err := e.appender.Append(ctx, logID, entityID, eventType, []byte(payload))
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	done := make(chan struct{})
	e.mu.Lock()
	e.applied[ev.SeqNum] = done
	e.mu.Unlock()

	e.pool.Dispatch(ev)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("event %d was not applied in time", ev.SeqNum)
	}
	return ev
}

func (e *engine) shipState(t *testing.T, logID, entityID string) map[string]interface{} {
	t.Helper()
	state, err := e.projector.GetCurrent(context.Background(), logID, entityID)
	if err != nil {
		t.Fatalf("get current failed: %v", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(state.StateData, &fields); err != nil {
		t.Fatalf("state is not a JSON object: %v", err)
	}
	return fields
}

// The canonical fleet scenario: three events for one ship on an empty log
// receive ordering numbers 1, 2, 3 and leave the entity counter at 3 with
// the latest field values winning.
func TestEngine_MoveDockRefuel(t *testing.T) {
	e := newEngine(t, 0)
	ctx := context.Background()

	ev1 := e.append(t, "log-1", "SHIP-1", "move", `{"waypoint":"X1-B2","is_docked":false,"fuel":380}`)
	ev2 := e.append(t, "log-1", "SHIP-1", "dock", `{"is_docked":true}`)
	ev3 := e.append(t, "log-1", "SHIP-1", "refuel", `{"fuel":400}`)

	for i, ev := range []*types.Event{ev1, ev2, ev3} {
		if ev.SeqNum != int64(i+1) {
			t.Errorf("event %d: expected seq %d, got %d", i, i+1, ev.SeqNum)
		}
	}

	state, err := e.projector.GetCurrent(ctx, "log-1", "SHIP-1")
	if err != nil {
		t.Fatalf("get current failed: %v", err)
	}
	if state.SeqNum != 3 {
		t.Errorf("expected seq 3, got %d", state.SeqNum)
	}
	if state.EntitySeqNum != 3 {
		t.Errorf("expected entity counter 3, got %d", state.EntitySeqNum)
	}

	fields := e.shipState(t, "log-1", "SHIP-1")
	if fields["waypoint"] != "X1-B2" {
		t.Errorf("expected waypoint from move, got %v", fields["waypoint"])
	}
	if fields["is_docked"] != true {
		t.Errorf("expected docked after dock event, got %v", fields["is_docked"])
	}
	if fields["fuel"] != float64(400) {
		t.Errorf("expected fuel from refuel event, got %v", fields["fuel"])
	}
}

func TestEngine_ConcurrentAppendsAssignUniqueSeqNums(t *testing.T) {
	e := newEngine(t, 0)
	ctx := context.Background()

	if _, err := e.store.CreateEventLogIfAbsent(ctx, "log-1"); err != nil {
		t.Fatalf("failed to create log: %v", err)
	}

	const writers = 4
	const perWriter = 10

	var wg sync.WaitGroup
	seqCh := make(chan int64, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			entityID := []string{"SHIP-1", "SHIP-2", "SHIP-3", "SHIP-4"}[w]
			for i := 0; i < perWriter; i++ {
				ev, err := e.appender.Append(ctx, "log-1", entityID, "move", []byte(`{"fuel":1}`))
				if err != nil {
					t.Errorf("append failed: %v", err)
					return
				}
				seqCh <- ev.SeqNum
			}
		}(w)
	}
	wg.Wait()
	close(seqCh)

	seen := make(map[int64]bool)
	for seq := range seqCh {
		if seen[seq] {
			t.Fatalf("ordering number %d assigned twice", seq)
		}
		seen[seq] = true
	}
	if len(seen) != writers*perWriter {
		t.Fatalf("expected %d unique ordering numbers, got %d", writers*perWriter, len(seen))
	}

	logMeta, err := e.store.GetEventLog(ctx, "log-1")
	if err != nil {
		t.Fatalf("get log failed: %v", err)
	}
	if logMeta.LastSeqNum != int64(writers*perWriter) {
		t.Errorf("expected head %d, got %d", writers*perWriter, logMeta.LastSeqNum)
	}
}

// With cadence 2, every second per-entity event leaves a snapshot behind and
// the stored checkpoint reproduces the state at its ordering number.
func TestEngine_SnapshotCadence(t *testing.T) {
	e := newEngine(t, 2)
	ctx := context.Background()

	fuels := []int{100, 200, 300, 400, 500}
	for _, fuel := range fuels {
		payload, _ := json.Marshal(map[string]int{"fuel": fuel})
		e.append(t, "log-1", "SHIP-1", "refuel", string(payload))
	}

	snaps, err := e.store.ListSnapshots(ctx, "log-1", "SHIP-1")
	if err != nil {
		t.Fatalf("list snapshots failed: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected 2 snapshots at cadence 2 after 5 events, got %d", len(snaps))
	}

	// Newest first: entity seq 4 then 2.
	if snaps[0].EntitySeqNum != 4 || snaps[1].EntitySeqNum != 2 {
		t.Errorf("expected snapshots at entity seqs 4 and 2, got %d and %d",
			snaps[0].EntitySeqNum, snaps[1].EntitySeqNum)
	}

	var checkpoint map[string]interface{}
	if err := json.Unmarshal(snaps[0].StateData, &checkpoint); err != nil {
		t.Fatalf("snapshot state is not JSON: %v", err)
	}
	if checkpoint["fuel"] != float64(400) {
		t.Errorf("expected snapshot fuel 400 at entity seq 4, got %v", checkpoint["fuel"])
	}
}

// After retention trims history below the latest snapshot, reconstruction
// still works from the snapshot, while targets before the watermark report
// incomplete history.
func TestEngine_TrimThenRebuild(t *testing.T) {
	e := newEngine(t, 2)
	ctx := context.Background()

	for _, fuel := range []int{100, 200, 300, 400, 500} {
		payload, _ := json.Marshal(map[string]int{"fuel": fuel})
		e.append(t, "log-1", "SHIP-1", "refuel", string(payload))
	}

	daemon := retention.NewDaemon(retention.Config{MinRetainEvents: 1}, e.store)
	trimmed, err := daemon.TrimLog(ctx, "log-1")
	if err != nil {
		t.Fatalf("trim failed: %v", err)
	}
	if trimmed == 0 {
		t.Fatal("expected trim to delete events below the latest snapshot")
	}

	rebuilt, err := e.recon.Rebuild(ctx, "log-1", "SHIP-1")
	if err != nil {
		t.Fatalf("rebuild after trim failed: %v", err)
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(rebuilt.StateData, &fields); err != nil {
		t.Fatalf("rebuilt state is not JSON: %v", err)
	}
	if fields["fuel"] != float64(500) {
		t.Errorf("expected rebuilt fuel 500, got %v", fields["fuel"])
	}
	if err := e.recon.Verify(ctx, "log-1", "SHIP-1"); err != nil {
		t.Errorf("rebuilt state diverges from projection: %v", err)
	}

	// A target before the oldest surviving snapshot has unreplayable
	// history.
	if _, err := e.recon.RebuildAt(ctx, "log-1", "SHIP-1", 1); err == nil {
		t.Error("expected incomplete history below the watermark")
	} else if !kerrors.IsIncomplete(err) {
		t.Errorf("expected incomplete history error, got %v", err)
	}
}

func TestEngine_NotificationsFanOut(t *testing.T) {
	e := newEngine(t, 0)

	sub := e.notifier.SubscribeAutoID("log-")
	defer e.notifier.Unsubscribe(sub.ID)

	ev := e.append(t, "log-1", "SHIP-1", "move", `{"waypoint":"X1-C3"}`)

	select {
	case notif := <-sub.Ch:
		if notif.Type != notify.EventApplied {
			t.Errorf("expected EventApplied, got %v", notif.Type)
		}
		if notif.SeqNum != ev.SeqNum || notif.EntityID != "SHIP-1" {
			t.Errorf("unexpected notification %+v", notif)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received for applied event")
	}
}
