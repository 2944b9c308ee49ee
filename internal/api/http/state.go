package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/keeldb/keel/internal/projection"
	"github.com/keeldb/keel/internal/rebuild"
	"github.com/keeldb/keel/internal/store"
	"github.com/keeldb/keel/pkg/types"
)

// StateResponse represents one entity's derived state.
type StateResponse struct {
	EventLogID   string          `json:"event_log_id"`
	EntityID     string          `json:"entity_id"`
	EntityType   string          `json:"entity_type"`
	State        json.RawMessage `json:"state"`
	SeqNum       int64           `json:"seq_num"`
	EntitySeqNum int64           `json:"entity_seq_num"`
	LastUpdated  int64           `json:"last_updated"`
	RequestID    string          `json:"request_id,omitempty"`
}

// StateHandler handles GET /v1/state requests.
type StateHandler struct {
	projector *projection.Projector
	store     *store.Store
}

// NewStateHandler creates a new state handler.
func NewStateHandler(p *projection.Projector, s *store.Store) *StateHandler {
	return &StateHandler{projector: p, store: s}
}

// ServeHTTP serves an entity's current state, or the entity listing of a
// log when no entity_id is given.
func (h *StateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	logID := r.URL.Query().Get("event_log_id")
	if logID == "" {
		writeError(w, http.StatusBadRequest, "event_log_id is required", requestID)
		return
	}

	entityID := r.URL.Query().Get("entity_id")
	if entityID == "" {
		entities, err := h.store.ListEntities(r.Context(), logID)
		if err != nil {
			writeKeelError(w, err, requestID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"event_log_id": logID,
			"entities":     entities,
			"request_id":   requestID,
		})
		return
	}

	state, err := h.projector.GetCurrent(r.Context(), logID, entityID)
	if err != nil {
		writeKeelError(w, err, requestID)
		return
	}

	writeJSON(w, http.StatusOK, StateResponse{
		EventLogID:   state.EventLogID,
		EntityID:     state.EntityID,
		EntityType:   state.EntityType,
		State:        json.RawMessage(state.StateData),
		SeqNum:       state.SeqNum,
		EntitySeqNum: state.EntitySeqNum,
		LastUpdated:  state.LastUpdated.UnixNano(),
		RequestID:    requestID,
	})
}

// RebuildRequest represents a rebuild request.
type RebuildRequest struct {
	EventLogID string `json:"event_log_id"`
	EntityID   string `json:"entity_id"`
	TargetSeq  int64  `json:"target_seq,omitempty"`
	Repair     bool   `json:"repair,omitempty"`
}

// RebuildHandler handles POST /v1/rebuild requests.
type RebuildHandler struct {
	recon *rebuild.Reconstructor
}

// NewRebuildHandler creates a new rebuild handler.
func NewRebuildHandler(recon *rebuild.Reconstructor) *RebuildHandler {
	return &RebuildHandler{recon: recon}
}

// ServeHTTP reconstructs an entity's state from history. With repair set
// the rebuilt state replaces the stored current state; with target_seq set
// the state is reconstructed as of that ordering number.
func (h *RebuildHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req RebuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if req.EventLogID == "" || req.EntityID == "" {
		writeError(w, http.StatusBadRequest, "event_log_id and entity_id are required", requestID)
		return
	}
	if req.Repair && req.TargetSeq != 0 {
		writeError(w, http.StatusBadRequest, "repair cannot target a historical seq", requestID)
		return
	}

	var state *StateResponse
	switch {
	case req.Repair:
		cs, err := h.recon.Repair(r.Context(), req.EventLogID, req.EntityID)
		if err != nil {
			writeKeelError(w, err, requestID)
			return
		}
		state = stateResponse(cs, requestID)
	default:
		cs, err := h.recon.RebuildAt(r.Context(), req.EventLogID, req.EntityID, req.TargetSeq)
		if err != nil {
			writeKeelError(w, err, requestID)
			return
		}
		state = stateResponse(cs, requestID)
	}

	writeJSON(w, http.StatusOK, state)
}

func stateResponse(cs *types.CurrentState, requestID string) *StateResponse {
	return &StateResponse{
		EventLogID:   cs.EventLogID,
		EntityID:     cs.EntityID,
		EntityType:   cs.EntityType,
		State:        json.RawMessage(cs.StateData),
		SeqNum:       cs.SeqNum,
		EntitySeqNum: cs.EntitySeqNum,
		LastUpdated:  cs.LastUpdated.UnixNano(),
		RequestID:    requestID,
	}
}

// parseSeqParam reads an optional integer query parameter.
func parseSeqParam(r *http.Request, name string) (int64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", name, err)
	}
	return n, nil
}
