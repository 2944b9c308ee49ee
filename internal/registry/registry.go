// Package registry tracks the per-log ordering counter and hands out
// ordering numbers through atomic reservation.
package registry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	kerrors "github.com/keeldb/keel/internal/errors"
	"github.com/keeldb/keel/internal/store"
	"github.com/keeldb/keel/pkg/types"
)

// Config bounds the compare-and-swap retry loop. No reservation may block a
// caller beyond MaxAttempts tries; exhausting the budget is surfaced as a
// fatal typed error, never as a silently duplicated ordering number.
type Config struct {
	// MaxAttempts is the number of CAS tries before giving up (default: 10).
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`

	// BaseBackoff is the initial sleep after a lost race (default: 2ms).
	BaseBackoff time.Duration `json:"base_backoff" yaml:"base_backoff"`

	// MaxBackoff caps the exponential backoff (default: 100ms).
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`
}

// DefaultConfig returns the default retry bounds.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 10,
		BaseBackoff: 2 * time.Millisecond,
		MaxBackoff:  100 * time.Millisecond,
	}
}

// Registry assigns ordering numbers for event logs. The stored counter is
// the only cross-writer synchronization point in the engine: it is mutated
// exclusively through compare-and-swap, so two writers can never be handed
// the same number.
type Registry struct {
	store *store.Store
	cfg   Config
}

// New creates a registry over the given store.
func New(s *store.Store, cfg Config) *Registry {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 2 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 100 * time.Millisecond
	}
	return &Registry{store: s, cfg: cfg}
}

// GetOrCreate returns the registry row for logID, creating a zeroed log if
// it does not exist yet.
func (r *Registry) GetOrCreate(ctx context.Context, logID string) (*types.EventLog, error) {
	return r.store.CreateEventLogIfAbsent(ctx, logID)
}

// Reserve atomically advances the ordering counter of logID by count and
// returns the reserved contiguous range. On a lost race it retries with
// exponential backoff and jitter up to the configured budget.
func (r *Registry) Reserve(ctx context.Context, logID string, count int64) (types.SeqRange, error) {
	if count < 1 {
		return types.SeqRange{}, kerrors.New(kerrors.ErrCategoryRegistry, kerrors.CodeUnexpected,
			fmt.Sprintf("reserve count must be positive, got %d", count))
	}

	var lastErr error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := r.sleep(ctx, attempt); err != nil {
				return types.SeqRange{}, err
			}
		}

		log, err := r.store.CreateEventLogIfAbsent(ctx, logID)
		if err != nil {
			if kerrors.IsRetryable(err) {
				lastErr = err
				continue
			}
			return types.SeqRange{}, err
		}

		swapped, err := r.store.CompareAndSwapSeqNum(ctx, logID, log.LastSeqNum, count)
		if err != nil {
			if kerrors.IsRetryable(err) {
				lastErr = err
				continue
			}
			return types.SeqRange{}, err
		}
		if !swapped {
			lastErr = kerrors.NewContentionError(
				fmt.Sprintf("ordering counter of %q moved past %d", logID, log.LastSeqNum))
			continue
		}

		return types.SeqRange{First: log.LastSeqNum + 1, Last: log.LastSeqNum + count}, nil
	}

	return types.SeqRange{}, kerrors.NewRetryExhaustedError(
		fmt.Sprintf("gave up reserving %d ordering numbers in %q after %d attempts", count, logID, r.cfg.MaxAttempts),
		lastErr)
}

// sleep waits for the backoff interval of the given attempt, with jitter,
// honoring context cancellation.
func (r *Registry) sleep(ctx context.Context, attempt int) error {
	backoff := r.cfg.BaseBackoff << uint(attempt-1)
	if backoff > r.cfg.MaxBackoff || backoff <= 0 {
		backoff = r.cfg.MaxBackoff
	}
	// Full jitter: sleep a random fraction of the computed backoff
	jittered := time.Duration(rand.Int63n(int64(backoff)) + 1)

	timer := time.NewTimer(jittered)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return kerrors.Wrap(kerrors.ErrCategoryRegistry, kerrors.CodeRetryExhausted,
			"reservation canceled while backing off", ctx.Err())
	case <-timer.C:
		return nil
	}
}
