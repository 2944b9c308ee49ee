// Package transitions provides the built-in transition functions shipped
// with the keel binary. Fleet automation publishes entity updates as field
// diffs: each payload carries only the fields that changed, and applying it
// overlays those fields onto the previous state. Custom deployments embed
// the engine and register their own transitions instead.
package transitions

import (
	"encoding/json"
	"fmt"

	"github.com/keeldb/keel/internal/projection"
	"github.com/keeldb/keel/pkg/types"
)

// Merge returns a transition that shallow-merges the payload's top-level
// JSON fields over the previous state. A null field value removes the field.
// An entity's first event seeds the state from the payload alone.
func Merge(entityType string) types.Transition {
	return types.Transition{
		EntityType: entityType,
		Apply: func(prev []byte, payload []byte) ([]byte, error) {
			var update map[string]json.RawMessage
			if err := json.Unmarshal(payload, &update); err != nil {
				return nil, fmt.Errorf("payload is not a JSON object: %w", err)
			}

			state := make(map[string]json.RawMessage)
			if len(prev) > 0 {
				if err := json.Unmarshal(prev, &state); err != nil {
					return nil, fmt.Errorf("previous state is not a JSON object: %w", err)
				}
			}

			for field, value := range update {
				if string(value) == "null" {
					delete(state, field)
					continue
				}
				state[field] = value
			}

			return json.Marshal(state)
		},
	}
}

// Replace returns a transition that discards the previous state and adopts
// the payload wholesale. Used for full-entity refreshes.
func Replace(entityType string) types.Transition {
	return types.Transition{
		EntityType: entityType,
		Apply: func(prev []byte, payload []byte) ([]byte, error) {
			if !json.Valid(payload) {
				return nil, fmt.Errorf("payload is not valid JSON")
			}
			return payload, nil
		},
	}
}

// RegisterDefaults registers the stock fleet event types on the given
// registry.
func RegisterDefaults(reg *projection.TransitionRegistry) error {
	defaults := map[string]types.Transition{
		"ship_update":  Merge("ship"),
		"ship_refresh": Replace("ship"),
		"agent_update": Merge("agent"),
	}
	for eventType, tr := range defaults {
		if err := reg.Register(eventType, tr); err != nil {
			return err
		}
	}
	return nil
}
