// Package query serves ordered reads over the event log and derived state.
// All event queries return history in ascending ordering-number order and
// page through it with restartable cursors, so a consumer that crashes can
// resume from its last position without missing or re-reading events.
package query

import (
	"context"
	"fmt"
	"time"

	kerrors "github.com/keeldb/keel/internal/errors"
	"github.com/keeldb/keel/internal/observability"
	"github.com/keeldb/keel/internal/store"
	"github.com/keeldb/keel/pkg/types"
)

// DefaultPageSize is the batch size used when a cursor is created with no
// explicit page size.
const DefaultPageSize = 100

// Service answers read queries against a store.
type Service struct {
	store *store.Store
	stats *observability.EngineStats
}

// NewService creates a query service.
func NewService(s *store.Store, stats *observability.EngineStats) *Service {
	return &Service{store: s, stats: stats}
}

// EntityEvents returns a cursor over one entity's events with ordering
// numbers in [fromSeq, toSeq], ascending. toSeq of zero means no upper
// bound. fromSeq below 1 starts at the beginning.
func (s *Service) EntityEvents(logID, entityID string, fromSeq, toSeq int64, pageSize int) *EntityCursor {
	if fromSeq < 1 {
		fromSeq = 1
	}
	return &EntityCursor{
		svc:      s,
		logID:    logID,
		entityID: entityID,
		nextSeq:  fromSeq,
		toSeq:    toSeq,
		pageSize: normalizePageSize(pageSize),
	}
}

// LogEvents returns a cursor over a whole log from fromSeq, ascending.
// When strict is set the cursor stops at the first hole in the ordering
// sequence instead of silently skipping it.
func (s *Service) LogEvents(logID string, fromSeq int64, strict bool, pageSize int) *LogCursor {
	if fromSeq < 1 {
		fromSeq = 1
	}
	return &LogCursor{
		svc:      s,
		logID:    logID,
		nextSeq:  fromSeq,
		strict:   strict,
		pageSize: normalizePageSize(pageSize),
	}
}

// TimeRange returns a cursor over a log's events whose timestamps fall in
// [from, to]. Ordering is by wall-clock timestamp; because timestamps are
// advisory, callers needing exact ordering should use LogEvents.
func (s *Service) TimeRange(logID string, from, to time.Time, pageSize int) *TimeCursor {
	return &TimeCursor{
		svc:      s,
		logID:    logID,
		nextTime: from,
		to:       to,
		pageSize: normalizePageSize(pageSize),
	}
}

// EntityCursor pages over one entity's events.
type EntityCursor struct {
	svc      *Service
	logID    string
	entityID string
	nextSeq  int64
	toSeq    int64
	pageSize int
	done     bool
}

// Next returns the next page of events. A nil slice means the cursor is
// exhausted; appends after the cursor drained can be picked up by calling
// Next again.
func (c *EntityCursor) Next(ctx context.Context) ([]*types.Event, error) {
	events, err := c.svc.store.GetEventsByEntity(ctx, c.logID, c.entityID, c.nextSeq, c.toSeq, c.pageSize)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		c.done = true
		return nil, nil
	}
	c.done = false
	c.nextSeq = events[len(events)-1].SeqNum + 1
	return events, nil
}

// Position returns the ordering number the next page starts at. Feeding it
// back into EntityEvents as fromSeq resumes the scan exactly.
func (c *EntityCursor) Position() int64 { return c.nextSeq }

// Drained reports whether the last Next returned no events.
func (c *EntityCursor) Drained() bool { return c.done }

// LogCursor pages over all events of a log in ordering-number order.
type LogCursor struct {
	svc      *Service
	logID    string
	nextSeq  int64
	strict   bool
	pageSize int
	done     bool
}

// Next returns the next page. In strict mode a hole in the ordering
// sequence yields a gap error; the cursor stays positioned at the hole so
// the caller can either wait for the writer to catch up or SkipTo past it.
func (c *LogCursor) Next(ctx context.Context) ([]*types.Event, error) {
	events, err := c.svc.store.GetEvents(ctx, c.logID, c.nextSeq, c.pageSize)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		c.done = true
		return nil, nil
	}
	c.done = false

	if c.strict && events[0].SeqNum != c.nextSeq {
		c.svc.stats.RecordGap()
		return nil, kerrors.NewGapError(kerrors.ErrCategoryQuery, fmt.Sprintf(
			"log %q jumps from %d to %d", c.logID, c.nextSeq-1, events[0].SeqNum))
	}
	if c.strict {
		for i := 1; i < len(events); i++ {
			if events[i].SeqNum != events[i-1].SeqNum+1 {
				// Deliver the contiguous prefix; the gap surfaces on the
				// next call.
				c.nextSeq = events[i-1].SeqNum + 1
				return events[:i], nil
			}
		}
	}

	c.nextSeq = events[len(events)-1].SeqNum + 1
	return events, nil
}

// Position returns the ordering number the next page starts at.
func (c *LogCursor) Position() int64 { return c.nextSeq }

// SkipTo moves the cursor forward past a hole. Moving backwards is refused
// so a resumed consumer cannot re-deliver events it already handed out.
func (c *LogCursor) SkipTo(seq int64) error {
	if seq < c.nextSeq {
		return kerrors.New(kerrors.ErrCategoryQuery, kerrors.CodeUnexpected,
			fmt.Sprintf("cannot move cursor backwards from %d to %d", c.nextSeq, seq))
	}
	c.nextSeq = seq
	return nil
}

// Drained reports whether the last Next returned no events.
func (c *LogCursor) Drained() bool { return c.done }

// TimeCursor pages over a log's events by wall-clock time.
type TimeCursor struct {
	svc      *Service
	logID    string
	nextTime time.Time
	to       time.Time
	lastSeq  int64
	pageSize int
	done     bool
}

// Next returns the next page of events in [from, to] by timestamp. Runs of
// identical timestamps are paged through by ordering number, so no event is
// delivered twice.
func (c *TimeCursor) Next(ctx context.Context) ([]*types.Event, error) {
	events, err := c.svc.store.GetEventsByTimeRange(ctx, c.logID, c.nextTime, c.to, c.lastSeq, c.pageSize)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		c.done = true
		return nil, nil
	}

	last := events[len(events)-1]
	c.nextTime = last.Timestamp
	c.lastSeq = last.SeqNum
	c.done = false
	return events, nil
}

// Drained reports whether the last Next returned no events.
func (c *TimeCursor) Drained() bool { return c.done }

func normalizePageSize(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	return n
}
