package rebuild

import (
	"context"

	"github.com/keeldb/keel/pkg/types"
)

// AuditLog scans a log's retained events for holes in the ordering-number
// sequence. A hole means a writer reserved numbers but never durably wrote
// the events, or rows were lost. Returns the missing ranges, empty when the
// log is contiguous from its retention watermark to its head.
//
// Holes only pause consumers that insist on gapless delivery; state derived
// by per-entity replay is unaffected because entity ordering is preserved.
func (r *Reconstructor) AuditLog(ctx context.Context, logID string) ([]types.SeqRange, error) {
	logMeta, err := r.store.GetEventLog(ctx, logID)
	if err != nil {
		return nil, err
	}

	var gaps []types.SeqRange
	expect := logMeta.FirstSeqNum
	from := logMeta.FirstSeqNum

	for {
		events, err := r.store.GetEvents(ctx, logID, from, replayBatchSize)
		if err != nil {
			return nil, err
		}
		if len(events) == 0 {
			break
		}

		for _, ev := range events {
			if ev.SeqNum > expect {
				gaps = append(gaps, types.SeqRange{First: expect, Last: ev.SeqNum - 1})
				r.stats.RecordGap()
			}
			expect = ev.SeqNum + 1
		}
		from = events[len(events)-1].SeqNum + 1
	}

	// Numbers reserved past the last stored event are a trailing hole.
	if expect <= logMeta.LastSeqNum {
		gaps = append(gaps, types.SeqRange{First: expect, Last: logMeta.LastSeqNum})
		r.stats.RecordGap()
	}

	return gaps, nil
}

// AuditAllLogs runs AuditLog over every registered log and returns the
// union of gaps keyed by log id.
func (r *Reconstructor) AuditAllLogs(ctx context.Context) (map[string][]types.SeqRange, error) {
	logs, err := r.store.ListEventLogs(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]types.SeqRange)
	for _, logMeta := range logs {
		gaps, err := r.AuditLog(ctx, logMeta.EventLogID)
		if err != nil {
			return nil, err
		}
		if len(gaps) > 0 {
			result[logMeta.EventLogID] = gaps
		}
	}
	return result, nil
}
