// Package retention prunes terminal idempotency ledger records. The source
// system keeps done/failed records forever; pruning is opt-in and never
// touches in-progress records, so the at-most-once guarantee is unaffected
// for any key still being arbitrated.
package retention

import (
	"context"
	"log/slog"
	"time"
)

// Pruner is the ledger surface the sweeper needs.
type Pruner interface {
	PruneTerminalIdempotency(cutoff time.Time) (int64, error)
}

// Sweeper periodically deletes terminal ledger records older than maxAge.
type Sweeper struct {
	store    Pruner
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. If interval is <= 0, it defaults to 10m.
func NewSweeper(store Pruner, maxAge, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{
		store:    store,
		maxAge:   maxAge,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunOnce(); err != nil {
				s.logger.Error("retention sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single sweep and returns the number of records pruned.
func (s *Sweeper) RunOnce() (int64, error) {
	cutoff := time.Now().Add(-s.maxAge)
	n, err := s.store.PruneTerminalIdempotency(cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("pruned terminal idempotency records", "count", n, "cutoff", cutoff.UTC().Format(time.RFC3339))
	}
	return n, nil
}
