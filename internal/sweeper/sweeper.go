// Package sweeper bounds the growth of the audit tables. Instance state is
// permanent; call and event log rows are observations and age out.
package sweeper

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/mattjoyce/molt/internal/config"
	"github.com/mattjoyce/molt/internal/events"
)

// Sweeper periodically prunes audit rows past the configured retention.
type Sweeper struct {
	cfg    *config.Config
	store  AuditStore
	events *events.Hub
	logger *slog.Logger
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a new Sweeper instance.
func New(cfg *config.Config, store AuditStore, hub *events.Hub, logger *slog.Logger) *Sweeper {
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Sweeper{
		cfg:    cfg,
		store:  store,
		events: hub,
		logger: logger.With("component", "sweeper"),
		stopCh: make(chan struct{}),
	}
}

// Start begins the sweep loop. With retention disabled it returns without
// starting anything.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.cfg.AuditRetention() <= 0 {
		s.logger.Info("Audit retention disabled, sweeper idle")
		return nil
	}

	s.logger.Info("Starting sweeper",
		"interval", s.cfg.SweepInterval(),
		"jitter", s.cfg.SweepJitter(),
		"retention", s.cfg.AuditRetention(),
	)

	s.wg.Add(1)
	go s.sweepLoop(ctx)

	return nil
}

// Stop gracefully stops the sweeper.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Sweeper stopped")
}

// sweepLoop is the main pruning loop.
func (s *Sweeper) sweepLoop(ctx context.Context) {
	defer s.wg.Done()

	// Initial sweep immediately
	s.sweep(ctx)

	timer := time.NewTimer(calculateJitteredInterval(s.cfg.SweepInterval(), s.cfg.SweepJitter()))
	defer timer.Stop()

	for {
		select {
		case <-timer.C:
			s.sweep(ctx)
			timer.Reset(calculateJitteredInterval(s.cfg.SweepInterval(), s.cfg.SweepJitter()))
		case <-s.stopCh:
			return
		case <-ctx.Done():
			s.logger.Warn("Sweeper context cancelled, stopping sweep loop")
			return
		}
	}
}

// sweep performs a single pruning pass over both audit tables.
func (s *Sweeper) sweep(ctx context.Context) {
	retention := s.cfg.AuditRetention()
	s.logger.Debug("Sweeper pass", "retention", retention)

	calls, err := s.store.PruneCallLog(ctx, retention)
	if err != nil {
		s.logger.Error("Failed to prune call log", "error", err)
	}
	evs, err := s.store.PruneEventLog(ctx, retention)
	if err != nil {
		s.logger.Error("Failed to prune event log", "error", err)
	}

	if calls > 0 || evs > 0 {
		s.events.Publish("sweeper.pruned", map[string]any{
			"calls":  calls,
			"events": evs,
		})
		s.logger.Info("Pruned audit rows", "calls", calls, "events", evs)
	}
}

// calculateJitteredInterval adds a random jitter to the base interval.
func calculateJitteredInterval(baseInterval time.Duration, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return baseInterval
	}
	return baseInterval + time.Duration(rand.Int63n(jitter.Nanoseconds()))
}
