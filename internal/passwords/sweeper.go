package passwords

import (
	"context"
	"log/slog"
	"time"
)

// DefaultSweepInterval is how often expired entries are swept when no
// entry expires sooner.
const DefaultSweepInterval = time.Minute

// Sweeper expires password entries whose lifetime has passed. It runs
// on a fixed interval and additionally wakes at the earliest expiry.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a sweeper for store.
func NewSweeper(store *Store, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Run sweeps until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) error {
	timer := time.NewTimer(sw.nextWait())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sw.store.Changed():
		case <-timer.C:
			if n := sw.store.SweepExpired(); n > 0 {
				sw.logger.Info("expired password entries", slog.Int("count", n))
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}

		timer.Reset(sw.nextWait())
	}
}

func (sw *Sweeper) nextWait() time.Duration {
	wait := sw.interval

	earliest := sw.store.EarliestExpiry()
	if earliest.IsZero() {
		return wait
	}

	until := earliest.Sub(sw.store.now())
	if until < wait {
		wait = max(until, 0)
	}

	return wait
}
