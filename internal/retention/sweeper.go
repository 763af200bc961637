// Package retention implements the hourly sweep that purges messages
// older than the configured retention window.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/infodancer/pop3d/internal/fanout"
	"github.com/infodancer/pop3d/internal/metrics"
	"github.com/infodancer/pop3d/internal/store"
)

const tickInterval = time.Hour

// Sweeper periodically deletes aged messages and announces the removals.
type Sweeper struct {
	backend       store.Backend
	bus           *fanout.Bus
	retentionHours int
	logger        *slog.Logger
	collector     metrics.Collector
	interval      time.Duration
}

// New constructs a Sweeper. retentionHours of 0 disables the sweep (Run
// then only waits for ctx to be cancelled). logger may be nil.
func New(backend store.Backend, bus *fanout.Bus, retentionHours int, collector metrics.Collector, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		backend:        backend,
		bus:            bus,
		retentionHours: retentionHours,
		logger:         logger,
		collector:      collector,
		interval:       tickInterval,
	}
}

// Run blocks, sweeping every interval until ctx is cancelled. It is a
// no-op when the retention window is disabled (retentionHours <= 0).
func (s *Sweeper) Run(ctx context.Context) {
	if s.retentionHours <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	removed, err := s.backend.DeleteOlderThan(ctx, s.retentionHours)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err.Error())
		return
	}
	if len(removed) == 0 {
		return
	}

	s.collector.MessagesSwept(len(removed))
	for _, r := range removed {
		s.bus.PublishDeletion(r.ID, r.Address)
		s.collector.EventPublished("deletion")
	}
	s.logger.Info("swept aged messages", "count", len(removed), "retention_hours", s.retentionHours)
}
