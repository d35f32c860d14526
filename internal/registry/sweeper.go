package registry

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper runs the periodic liveness pass: offline after the liveness TTL,
// evicted after the evict delta. It ticks at half the TTL so a node is never
// stale for more than 1.5 windows.
type Sweeper struct {
	store   *Store
	mirror  *Mirror
	offline time.Duration
	evict   time.Duration
	log     *slog.Logger
}

// NewSweeper wires a sweeper over the store and (optional) mirror.
func NewSweeper(store *Store, mirror *Mirror, offlineAfter, evictAfter time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{
		store:   store,
		mirror:  mirror,
		offline: offlineAfter,
		evict:   evictAfter,
		log:     log,
	}
}

// Run blocks until ctx is cancelled, sweeping every offlineAfter/2.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.offline / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	evicted := s.store.sweep(s.offline, s.evict)
	for _, id := range evicted {
		s.mirror.Delete(ctx, id)
		s.log.InfoContext(ctx, "node evicted after prolonged silence",
			slog.String("node_id", id),
		)
	}
}
