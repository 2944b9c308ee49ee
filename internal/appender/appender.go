// Package appender writes events into the append-only log under ordering
// numbers reserved from the registry.
package appender

import (
	"context"
	"fmt"
	"log"
	"time"

	kerrors "github.com/keeldb/keel/internal/errors"
	"github.com/keeldb/keel/internal/registry"
	"github.com/keeldb/keel/internal/store"
	"github.com/keeldb/keel/pkg/types"
)

// Record is one event to append; the payload is opaque to the engine.
type Record struct {
	EntityID  string `json:"entity_id"`
	EventType string `json:"event_type"`
	Payload   []byte `json:"payload"`
}

// Appender reserves ordering numbers and durably writes event rows. Once an
// append returns, the event is visible to all subsequent readers of the log
// at its number, and no later event in the same log will carry a smaller
// number. A crash between reservation and write leaves a permanent gap at
// the reserved number; the number is never re-used.
type Appender struct {
	store    *store.Store
	registry *registry.Registry
}

// New creates an appender over the given store and registry.
func New(s *store.Store, r *registry.Registry) *Appender {
	return &Appender{store: s, registry: r}
}

// Append reserves one ordering number in logID and writes the event.
func (a *Appender) Append(ctx context.Context, logID, entityID, eventType string, payload []byte) (*types.Event, error) {
	if err := validate(logID, entityID, eventType); err != nil {
		return nil, err
	}

	rng, err := a.registry.Reserve(ctx, logID, 1)
	if err != nil {
		return nil, err
	}

	ev := &types.Event{
		EventLogID: logID,
		SeqNum:     rng.First,
		Timestamp:  time.Now().UTC(),
		EntityID:   entityID,
		EventType:  eventType,
		EventData:  payload,
	}

	if err := a.store.InsertEvent(ctx, ev); err != nil {
		// The reservation already happened, so the number is permanently
		// skipped. That is a tolerated gap, not corruption.
		log.Printf("appender: write failed after reserving %s/%d, number becomes a gap: %v",
			logID, rng.First, err)
		return nil, kerrors.Wrap(kerrors.ErrCategoryAppend, kerrors.CodeSequenceGap,
			fmt.Sprintf("event write failed; ordering number %d of %q is permanently skipped", rng.First, logID),
			err)
	}

	return ev, nil
}

// AppendBatch reserves one contiguous range in logID and writes all records
// in slice order, preserving their relative order in the log.
func (a *Appender) AppendBatch(ctx context.Context, logID string, records []Record) ([]*types.Event, error) {
	if len(records) == 0 {
		return nil, kerrors.New(kerrors.ErrCategoryAppend, kerrors.CodeUnexpected, "empty batch")
	}
	for _, rec := range records {
		if err := validate(logID, rec.EntityID, rec.EventType); err != nil {
			return nil, err
		}
	}

	rng, err := a.registry.Reserve(ctx, logID, int64(len(records)))
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	events := make([]*types.Event, len(records))
	for i, rec := range records {
		events[i] = &types.Event{
			EventLogID: logID,
			SeqNum:     rng.First + int64(i),
			Timestamp:  now,
			EntityID:   rec.EntityID,
			EventType:  rec.EventType,
			EventData:  rec.Payload,
		}
	}

	if err := a.store.InsertEvents(ctx, events); err != nil {
		log.Printf("appender: batch write failed after reserving %s/[%d,%d], range becomes a gap: %v",
			logID, rng.First, rng.Last, err)
		return nil, kerrors.Wrap(kerrors.ErrCategoryAppend, kerrors.CodeSequenceGap,
			fmt.Sprintf("batch write failed; ordering numbers [%d,%d] of %q are permanently skipped", rng.First, rng.Last, logID),
			err)
	}

	return events, nil
}

func validate(logID, entityID, eventType string) error {
	if logID == "" {
		return kerrors.New(kerrors.ErrCategoryAppend, kerrors.CodeUnexpected, "event_log_id is required")
	}
	if entityID == "" {
		return kerrors.New(kerrors.ErrCategoryAppend, kerrors.CodeUnexpected, "entity_id is required")
	}
	if eventType == "" {
		return kerrors.New(kerrors.ErrCategoryAppend, kerrors.CodeUnexpected, "event_type is required")
	}
	return nil
}
