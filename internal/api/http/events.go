package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/keeldb/keel/internal/observability"
	"github.com/keeldb/keel/internal/query"
	"github.com/keeldb/keel/internal/store"
	"github.com/keeldb/keel/pkg/types"
)

// EventRecord is the wire form of one stored event.
type EventRecord struct {
	SeqNum    int64           `json:"seq_num"`
	Timestamp int64           `json:"timestamp"`
	EntityID  string          `json:"entity_id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload"`
}

// EventsResponse is one page of an event query. NextSeq can be fed back as
// from_seq to resume the scan.
type EventsResponse struct {
	EventLogID string        `json:"event_log_id"`
	Events     []EventRecord `json:"events"`
	NextSeq    int64         `json:"next_seq"`
	RequestID  string        `json:"request_id"`
}

// EventsHandler handles GET /v1/events requests.
type EventsHandler struct {
	query *query.Service
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(q *query.Service) *EventsHandler {
	return &EventsHandler{query: q}
}

// ServeHTTP serves one page of events. With entity_id set the page covers
// that entity's history; with from_time/to_time set it covers a wall-clock
// window; otherwise it pages the whole log in ordering-number order, and
// strict=true stops at holes in the sequence.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	q := r.URL.Query()
	logID := q.Get("event_log_id")
	if logID == "" {
		writeError(w, http.StatusBadRequest, "event_log_id is required", requestID)
		return
	}

	fromSeq, err := parseSeqParam(r, "from_seq")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	toSeq, err := parseSeqParam(r, "to_seq")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	limit := query.DefaultPageSize
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit", requestID)
			return
		}
		limit = n
	}

	var events []*types.Event
	var nextSeq int64

	switch {
	case q.Get("from_time") != "" || q.Get("to_time") != "":
		from, to, err := parseTimeWindow(q.Get("from_time"), q.Get("to_time"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), requestID)
			return
		}
		cur := h.query.TimeRange(logID, from, to, limit)
		events, err = cur.Next(r.Context())
		if err != nil {
			writeKeelError(w, err, requestID)
			return
		}
		if len(events) > 0 {
			nextSeq = events[len(events)-1].SeqNum + 1
		}

	case q.Get("entity_id") != "":
		cur := h.query.EntityEvents(logID, q.Get("entity_id"), fromSeq, toSeq, limit)
		events, err = cur.Next(r.Context())
		if err != nil {
			writeKeelError(w, err, requestID)
			return
		}
		nextSeq = cur.Position()

	default:
		strict := q.Get("strict") == "true" || q.Get("strict") == "1"
		cur := h.query.LogEvents(logID, fromSeq, strict, limit)
		events, err = cur.Next(r.Context())
		if err != nil {
			writeKeelError(w, err, requestID)
			return
		}
		nextSeq = cur.Position()
	}

	records := make([]EventRecord, len(events))
	for i, ev := range events {
		records[i] = EventRecord{
			SeqNum:    ev.SeqNum,
			Timestamp: ev.Timestamp.UnixNano(),
			EntityID:  ev.EntityID,
			EventType: ev.EventType,
			Payload:   json.RawMessage(ev.EventData),
		}
	}

	writeJSON(w, http.StatusOK, EventsResponse{
		EventLogID: logID,
		Events:     records,
		NextSeq:    nextSeq,
		RequestID:  requestID,
	})
}

// parseTimeWindow parses RFC3339 bounds, defaulting an open end to now.
func parseTimeWindow(fromStr, toStr string) (time.Time, time.Time, error) {
	var from, to time.Time
	var err error
	if fromStr != "" {
		from, err = time.Parse(time.RFC3339, fromStr)
		if err != nil {
			return from, to, err
		}
	}
	if toStr == "" {
		to = time.Now()
	} else {
		to, err = time.Parse(time.RFC3339, toStr)
		if err != nil {
			return from, to, err
		}
	}
	return from, to, nil
}

// LogsHandler handles GET /v1/logs requests.
type LogsHandler struct {
	store *store.Store
}

// NewLogsHandler creates a new logs handler.
func NewLogsHandler(s *store.Store) *LogsHandler {
	return &LogsHandler{store: s}
}

// LogInfo is the wire form of one registered log.
type LogInfo struct {
	EventLogID  string `json:"event_log_id"`
	LastSeqNum  int64  `json:"last_seq_num"`
	FirstSeqNum int64  `json:"first_seq_num"`
	LastUpdated int64  `json:"last_updated"`
}

// ServeHTTP lists all registered logs with their head and watermark.
func (h *LogsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	logs, err := h.store.ListEventLogs(r.Context())
	if err != nil {
		writeKeelError(w, err, requestID)
		return
	}

	infos := make([]LogInfo, len(logs))
	for i, l := range logs {
		infos[i] = LogInfo{
			EventLogID:  l.EventLogID,
			LastSeqNum:  l.LastSeqNum,
			FirstSeqNum: l.FirstSeqNum,
			LastUpdated: l.LastUpdated.UnixNano(),
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"logs":       infos,
		"request_id": requestID,
	})
}

// StatsHandler handles GET /v1/stats requests.
type StatsHandler struct {
	stats *observability.EngineStats
}

// NewStatsHandler creates a new stats handler.
func NewStatsHandler(stats *observability.EngineStats) *StatsHandler {
	return &StatsHandler{stats: stats}
}

// ServeHTTP returns a point-in-time copy of the engine counters.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", requestID)
		return
	}

	writeJSON(w, http.StatusOK, h.stats.Snapshot())
}
