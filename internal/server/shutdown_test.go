package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recordingCloser struct {
	mu     sync.Mutex
	order  *[]string
	name   string
	err    error
	closed bool
}

func (c *recordingCloser) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	*c.order = append(*c.order, c.name)
	return c.err
}

func TestShutdownManager_ClosersRunInReverseOrder(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})

	var order []string
	first := &recordingCloser{order: &order, name: "store"}
	second := &recordingCloser{order: &order, name: "pool"}
	third := &recordingCloser{order: &order, name: "http"}
	sm.RegisterCloser(first)
	sm.RegisterCloser(second)
	sm.RegisterCloser(third)

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	want := []string{"http", "pool", "store"}
	if len(order) != len(want) {
		t.Fatalf("expected %d closers, got %d", len(want), len(order))
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("closer %d: expected %q, got %q", i, want[i], order[i])
		}
	}
}

func TestShutdownManager_ShutdownIsIdempotent(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})

	var order []string
	sm.RegisterCloser(&recordingCloser{order: &order, name: "store"})

	if err := sm.Shutdown(context.Background(), "first"); err != nil {
		t.Fatalf("first shutdown failed: %v", err)
	}
	if err := sm.Shutdown(context.Background(), "second"); err != nil {
		t.Fatalf("second shutdown failed: %v", err)
	}

	if len(order) != 1 {
		t.Errorf("expected closer to run once, ran %d times", len(order))
	}
}

func TestShutdownManager_ReportsCloserError(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})

	var order []string
	boom := errors.New("flush failed")
	sm.RegisterCloser(&recordingCloser{order: &order, name: "store", err: boom})
	sm.RegisterCloser(&recordingCloser{order: &order, name: "pool"})

	err := sm.Shutdown(context.Background(), "test")
	if err == nil {
		t.Fatal("expected shutdown to report closer error")
	}
	if !errors.Is(err, boom) {
		t.Errorf("expected wrapped closer error, got %v", err)
	}
	// All closers still run even when one fails.
	if len(order) != 2 {
		t.Errorf("expected both closers to run, ran %d", len(order))
	}
}

func TestShutdownManager_TrackRequestRejectedDuringShutdown(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})

	if !sm.TrackRequest() {
		t.Fatal("expected request to be accepted before shutdown")
	}
	sm.UntrackRequest()

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	if sm.TrackRequest() {
		t.Error("expected request to be rejected during shutdown")
	}
	if !sm.IsShuttingDown() {
		t.Error("expected IsShuttingDown to report true")
	}
}

func TestShutdownManager_DrainsInFlightRequests(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{
		ShutdownTimeout: 5 * time.Second,
		DrainTimeout:    2 * time.Second,
	})

	if !sm.TrackRequest() {
		t.Fatal("expected request to be accepted")
	}

	done := make(chan error, 1)
	go func() {
		done <- sm.Shutdown(context.Background(), "test")
	}()

	// Let the drain loop observe the in-flight request, then release it.
	time.Sleep(150 * time.Millisecond)
	if got := sm.InFlightCount(); got != 1 {
		t.Errorf("expected 1 in-flight request, got %d", got)
	}
	sm.UntrackRequest()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("shutdown failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("shutdown did not complete after drain")
	}
}

func TestShutdownManager_DrainTimesOut(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{
		ShutdownTimeout: time.Second,
		DrainTimeout:    200 * time.Millisecond,
	})

	if !sm.TrackRequest() {
		t.Fatal("expected request to be accepted")
	}
	// Never released.

	err := sm.Shutdown(context.Background(), "test")
	if err == nil {
		t.Fatal("expected drain timeout error")
	}
}

func TestShutdownManager_ShutdownChCloses(t *testing.T) {
	sm := NewShutdownManager(ShutdownConfig{})

	select {
	case <-sm.ShutdownCh():
		t.Fatal("shutdown channel closed before shutdown")
	default:
	}

	if err := sm.Shutdown(context.Background(), "test"); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	select {
	case <-sm.ShutdownCh():
	case <-time.After(time.Second):
		t.Fatal("shutdown channel not closed after shutdown")
	}
}

func TestCloserFunc(t *testing.T) {
	called := false
	c := CloserFunc(func() error {
		called = true
		return nil
	})
	if err := c.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	if !called {
		t.Error("expected wrapped function to be called")
	}
}
