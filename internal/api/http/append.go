package http

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/keeldb/keel/internal/appender"
	kerrors "github.com/keeldb/keel/internal/errors"
	"github.com/keeldb/keel/internal/projection"
	"github.com/keeldb/keel/internal/registry"
)

// AppendRequest represents a single append request.
type AppendRequest struct {
	EventLogID string          `json:"event_log_id"`
	EntityID   string          `json:"entity_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
}

// AppendResponse represents the append response.
type AppendResponse struct {
	SeqNum    int64  `json:"seq_num"`
	Timestamp int64  `json:"timestamp"`
	RequestID string `json:"request_id"`
}

// AppendHandler handles POST /v1/append requests.
type AppendHandler struct {
	registry *registry.Registry
	appender *appender.Appender
	pool     *projection.Pool
}

// NewAppendHandler creates a new append handler.
func NewAppendHandler(reg *registry.Registry, app *appender.Appender, pool *projection.Pool) *AppendHandler {
	return &AppendHandler{registry: reg, appender: app, pool: pool}
}

// ServeHTTP handles the append HTTP request.
func (h *AppendHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req AppendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if req.EventLogID == "" || req.EntityID == "" || req.EventType == "" {
		writeError(w, http.StatusBadRequest, "event_log_id, entity_id and event_type are required", requestID)
		return
	}

	// Logs come into existence on first append.
	if _, err := h.registry.GetOrCreate(r.Context(), req.EventLogID); err != nil {
		writeKeelError(w, err, requestID)
		return
	}

	ev, err := h.appender.Append(r.Context(), req.EventLogID, req.EntityID, req.EventType, req.Payload)
	if err != nil {
		writeKeelError(w, err, requestID)
		return
	}

	// Projection is asynchronous; per-entity ordering is preserved by the
	// worker pool's sharding.
	h.pool.Dispatch(ev)

	writeJSON(w, http.StatusOK, AppendResponse{
		SeqNum:    ev.SeqNum,
		Timestamp: ev.Timestamp.UnixNano(),
		RequestID: requestID,
	})
}

// BatchRecord is one event inside a batch append request.
type BatchRecord struct {
	EntityID  string          `json:"entity_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// AppendBatchRequest represents a batch append request.
type AppendBatchRequest struct {
	EventLogID string        `json:"event_log_id"`
	Events     []BatchRecord `json:"events"`
}

// AppendBatchResponse represents the batch append response.
type AppendBatchResponse struct {
	FirstSeqNum int64  `json:"first_seq_num"`
	LastSeqNum  int64  `json:"last_seq_num"`
	Count       int    `json:"count"`
	RequestID   string `json:"request_id"`
}

// AppendBatchHandler handles POST /v1/append_batch requests.
type AppendBatchHandler struct {
	registry *registry.Registry
	appender *appender.Appender
	pool     *projection.Pool
}

// NewAppendBatchHandler creates a new batch append handler.
func NewAppendBatchHandler(reg *registry.Registry, app *appender.Appender, pool *projection.Pool) *AppendBatchHandler {
	return &AppendBatchHandler{registry: reg, appender: app, pool: pool}
}

// ServeHTTP handles the batch append HTTP request.
func (h *AppendBatchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	var req AppendBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), requestID)
		return
	}
	if req.EventLogID == "" {
		writeError(w, http.StatusBadRequest, "event_log_id is required", requestID)
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "events must not be empty", requestID)
		return
	}

	if _, err := h.registry.GetOrCreate(r.Context(), req.EventLogID); err != nil {
		writeKeelError(w, err, requestID)
		return
	}

	records := make([]appender.Record, len(req.Events))
	for i, ev := range req.Events {
		records[i] = appender.Record{
			EntityID:  ev.EntityID,
			EventType: ev.EventType,
			Payload:   ev.Payload,
		}
	}

	events, err := h.appender.AppendBatch(r.Context(), req.EventLogID, records)
	if err != nil {
		writeKeelError(w, err, requestID)
		return
	}

	for _, ev := range events {
		h.pool.Dispatch(ev)
	}

	writeJSON(w, http.StatusOK, AppendBatchResponse{
		FirstSeqNum: events[0].SeqNum,
		LastSeqNum:  events[len(events)-1].SeqNum,
		Count:       len(events),
		RequestID:   requestID,
	})
}

// writeKeelError maps a typed engine error onto an HTTP status.
func writeKeelError(w http.ResponseWriter, err error, requestID string) {
	status := http.StatusInternalServerError
	switch {
	case kerrors.IsNotFound(err):
		status = http.StatusNotFound
	case kerrors.IsIncomplete(err):
		status = http.StatusGone
	case kerrors.GetCode(err) == kerrors.CodeRetryExhausted:
		status = http.StatusServiceUnavailable
	case kerrors.GetCode(err) == kerrors.CodeContention:
		status = http.StatusConflict
	case kerrors.GetCode(err) == kerrors.CodeUnknownEventType:
		status = http.StatusBadRequest
	case kerrors.GetCode(err) == kerrors.CodeUnexpected &&
		kerrors.GetCategory(err) == kerrors.ErrCategoryAppend:
		status = http.StatusBadRequest
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     err.Error(),
		Code:      kerrors.GetCode(err),
		RequestID: requestID,
	})
}
