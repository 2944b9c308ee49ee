// Package retention trims replayed history the engine no longer needs.
// Events below every entity's newest snapshot are dead weight for rebuild;
// the daemon deletes them and advances the log's retention watermark so
// readers can tell trimmed history from missing history.
package retention

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	kerrors "github.com/keeldb/keel/internal/errors"
	"github.com/keeldb/keel/internal/store"
)

// Config holds configuration for the retention daemon.
type Config struct {
	// Enabled turns background trimming on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// CheckInterval is how often logs are examined for trimmable history.
	CheckInterval time.Duration `yaml:"check_interval" json:"check_interval"`

	// MinRetainEvents is a floor on retained history: the newest
	// MinRetainEvents ordering numbers of a log are never trimmed even
	// when snapshots would allow it.
	MinRetainEvents int64 `yaml:"min_retain_events" json:"min_retain_events"`
}

// DefaultConfig returns the default retention configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		CheckInterval:   15 * time.Minute,
		MinRetainEvents: 1000,
	}
}

// Daemon runs periodic history trimming.
type Daemon struct {
	config Config
	store  *store.Store

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a retention daemon.
func NewDaemon(config Config, s *store.Store) *Daemon {
	return &Daemon{config: config, store: s}
}

// Start begins the trim loop. It runs until the context is cancelled or
// Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("retention: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.run(ctx)
	return nil
}

// Stop gracefully stops the retention daemon.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}

	d.cancel()
	<-d.done
	d.running = false
	return nil
}

// run is the main trim loop.
func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	d.runOnce(ctx)

	ticker := time.NewTicker(d.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.runOnce(ctx)
		}
	}
}

// runOnce performs a single trim cycle over all logs.
func (d *Daemon) runOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	logs, err := d.store.ListEventLogs(ctx)
	if err != nil {
		log.Printf("retention: failed to list logs: %v", err)
		return
	}

	for _, logMeta := range logs {
		if ctx.Err() != nil {
			return
		}
		trimmed, err := d.TrimLog(ctx, logMeta.EventLogID)
		if err != nil {
			log.Printf("retention: trim failed for log %s: %v", logMeta.EventLogID, err)
			continue
		}
		if trimmed > 0 {
			log.Printf("retention: trimmed %d events from log %s", trimmed, logMeta.EventLogID)
		}
	}
}

// TrimLog deletes the prefix of one log that no rebuild can need and
// advances the watermark past it. Returns the number of events removed.
func (d *Daemon) TrimLog(ctx context.Context, logID string) (int64, error) {
	cutoff, err := d.SafeCutoff(ctx, logID)
	if err != nil {
		return 0, err
	}
	if cutoff <= 0 {
		return 0, nil
	}
	return d.store.TrimEventsBelow(ctx, logID, cutoff)
}

// SafeCutoff computes the highest watermark a log can be trimmed to
// without breaking any entity's rebuild. Events strictly below an entity's
// newest snapshot are replayed from the snapshot instead, so the cutoff is
// the minimum snapshot position across all entities, floored by the
// MinRetainEvents window. An entity without a snapshot pins the whole log.
// Returns 0 when nothing can be trimmed.
func (d *Daemon) SafeCutoff(ctx context.Context, logID string) (int64, error) {
	logMeta, err := d.store.GetEventLog(ctx, logID)
	if err != nil {
		return 0, err
	}

	entities, err := d.store.ListEntities(ctx, logID)
	if err != nil {
		return 0, err
	}
	if len(entities) == 0 {
		return 0, nil
	}

	cutoff := logMeta.LastSeqNum + 1
	for _, entityID := range entities {
		snap, err := d.store.GetLatestSnapshot(ctx, logID, entityID)
		if err != nil {
			if kerrors.IsNotFound(err) {
				return 0, nil
			}
			return 0, err
		}
		// Replay for this entity starts at snap.SeqNum+1.
		if snap.SeqNum+1 < cutoff {
			cutoff = snap.SeqNum + 1
		}
	}

	if d.config.MinRetainEvents > 0 {
		floor := logMeta.LastSeqNum - d.config.MinRetainEvents + 1
		if cutoff > floor {
			cutoff = floor
		}
	}

	if cutoff <= logMeta.FirstSeqNum {
		return 0, nil
	}
	return cutoff, nil
}

// RunOnce performs a single trim cycle (useful for testing).
func (d *Daemon) RunOnce(ctx context.Context) {
	d.runOnce(ctx)
}
