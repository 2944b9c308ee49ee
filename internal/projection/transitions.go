// Package projection applies events in order to maintain derived current
// entity state.
package projection

import (
	"fmt"
	"sort"
	"sync"

	kerrors "github.com/keeldb/keel/internal/errors"
	"github.com/keeldb/keel/pkg/types"
)

// TransitionRegistry maps event types to their registered transitions.
// Business logic enters the engine exclusively through this registry; the
// engine never inspects payloads beyond dispatching on the event type.
type TransitionRegistry struct {
	mu          sync.RWMutex
	transitions map[string]types.Transition
}

// NewTransitionRegistry creates an empty registry.
func NewTransitionRegistry() *TransitionRegistry {
	return &TransitionRegistry{transitions: make(map[string]types.Transition)}
}

// Register binds a transition to an event type. Registering the same event
// type twice is a programming error and is rejected.
func (r *TransitionRegistry) Register(eventType string, tr types.Transition) error {
	if eventType == "" {
		return kerrors.New(kerrors.ErrCategoryProjection, kerrors.CodeUnexpected, "event type must not be empty")
	}
	if tr.Apply == nil {
		return kerrors.New(kerrors.ErrCategoryProjection, kerrors.CodeUnexpected,
			fmt.Sprintf("transition for %q has no apply function", eventType))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.transitions[eventType]; exists {
		return kerrors.New(kerrors.ErrCategoryProjection, kerrors.CodeUnexpected,
			fmt.Sprintf("event type %q already registered", eventType))
	}
	r.transitions[eventType] = tr
	return nil
}

// Lookup returns the transition registered for an event type.
func (r *TransitionRegistry) Lookup(eventType string) (types.Transition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tr, ok := r.transitions[eventType]
	return tr, ok
}

// EventTypes returns the registered event types in sorted order.
func (r *TransitionRegistry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.transitions))
	for et := range r.transitions {
		out = append(out, et)
	}
	sort.Strings(out)
	return out
}
