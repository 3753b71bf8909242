package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/openmdm/mdm-engine/pkg/config"
)

// Scheduler drives the orchestrator's tick loop. One scheduler runs per
// process; per-configuration serialization happens in the queue, so multiple
// due configurations sync in parallel while the same configuration never
// overlaps itself.
type Scheduler struct {
	orchestrator *SyncOrchestrator
	cfg          config.SyncConfig
	logger       *zap.Logger
}

// NewScheduler creates a new scheduler.
func NewScheduler(orchestrator *SyncOrchestrator, cfg config.SyncConfig, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		orchestrator: orchestrator,
		cfg:          cfg,
		logger:       logger.Named("scheduler"),
	}
}

// Run ticks until the context is cancelled. Blocks; call from a goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("scheduler started", zap.Duration("tick_interval", s.cfg.TickInterval))

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return
		case now := <-ticker.C:
			if err := s.orchestrator.Tick(ctx, now); err != nil {
				s.logger.Error("tick failed", zap.Error(err))
			}
		}
	}
}
