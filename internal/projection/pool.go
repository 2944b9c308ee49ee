package projection

import (
	"context"
	"log"
	"sync"

	"github.com/spaolacci/murmur3"

	"github.com/keeldb/keel/pkg/types"
)

// Pool fans event application out over a fixed set of workers while keeping
// all events of one entity on the same worker. Routing hashes the entity id,
// so per-entity delivery order is preserved without any cross-entity lock:
// a slow entity only ever delays entities sharing its shard.
type Pool struct {
	projector *Projector
	shards    []chan *types.Event
	onApplied func(*types.CurrentState, *types.Event)

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// PoolConfig holds configuration for the apply pool.
type PoolConfig struct {
	// Workers is the number of shard workers (default: 4).
	Workers int `json:"workers" yaml:"workers"`

	// QueueDepth is the per-shard channel buffer (default: 256).
	QueueDepth int `json:"queue_depth" yaml:"queue_depth"`
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{Workers: 4, QueueDepth: 256}
}

// NewPool creates an apply pool over the projector. onApplied, if non-nil,
// is invoked after each successfully applied event (used to fan applied
// events out to subscribers).
func NewPool(p *Projector, cfg PoolConfig, onApplied func(*types.CurrentState, *types.Event)) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 256
	}

	shards := make([]chan *types.Event, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan *types.Event, cfg.QueueDepth)
	}
	return &Pool{projector: p, shards: shards, onApplied: onApplied}
}

// Start launches the shard workers.
func (pl *Pool) Start(ctx context.Context) {
	pl.mu.Lock()
	defer pl.mu.Unlock()
	if pl.running {
		return
	}
	pl.running = true

	ctx, pl.cancel = context.WithCancel(ctx)
	for _, shard := range pl.shards {
		pl.wg.Add(1)
		go pl.worker(ctx, shard)
	}
}

// Stop drains in-flight work and stops the workers.
func (pl *Pool) Stop() {
	pl.mu.Lock()
	if !pl.running {
		pl.mu.Unlock()
		return
	}
	pl.running = false
	pl.mu.Unlock()

	for _, shard := range pl.shards {
		close(shard)
	}
	pl.wg.Wait()
	pl.cancel()
}

// Dispatch hands an event to its entity's shard, blocking if the shard
// queue is full. Calling Dispatch on a stopped pool panics, same as any
// send on a closed channel.
func (pl *Pool) Dispatch(ev *types.Event) {
	pl.shards[pl.shardFor(ev.EntityID)] <- ev
}

// shardFor routes an entity id to a worker.
func (pl *Pool) shardFor(entityID string) int {
	return int(murmur3.Sum32([]byte(entityID)) % uint32(len(pl.shards)))
}

func (pl *Pool) worker(ctx context.Context, shard chan *types.Event) {
	defer pl.wg.Done()
	for ev := range shard {
		state, applied, err := pl.projector.Apply(ctx, ev)
		if err != nil {
			log.Printf("projection: apply %s/%d for %s failed: %v",
				ev.EventLogID, ev.SeqNum, ev.EntityID, err)
			continue
		}
		if applied && pl.onApplied != nil {
			pl.onApplied(state, ev)
		}
	}
}
