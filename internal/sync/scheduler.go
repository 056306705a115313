package sync

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Martian-dev/ai-brain-calendar/internal/logging"
	"github.com/Martian-dev/ai-brain-calendar/internal/store"
)

// Scheduler periodically syncs every organization with enabled connections.
type Scheduler struct {
	manager  *Manager
	conns    store.ConnectionStore
	interval time.Duration
	logger   *zap.Logger
}

// NewScheduler creates a Scheduler. An interval <= 0 disables it.
func NewScheduler(manager *Manager, conns store.ConnectionStore, interval time.Duration, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		manager:  manager,
		conns:    conns,
		interval: interval,
		logger:   logger.Named("sync-scheduler"),
	}
}

// Run syncs immediately and then on every tick until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	if s.interval <= 0 {
		s.logger.Info("Scheduler disabled")
		return
	}

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping scheduler")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce syncs every organization once and returns how many were processed.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	orgs, err := s.conns.ListSyncableOrganizations(ctx)
	if err != nil {
		s.logger.Error("Failed to list organizations", zap.String("error", logging.SanitizeError(err)))
		return 0
	}

	done := 0
	for _, orgID := range orgs {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.manager.SyncAllForOrganization(ctx, orgID); err != nil {
			s.logger.Error("Organization sync failed",
				zap.String("organization_id", orgID.String()),
				zap.String("error", logging.SanitizeError(err)))
			continue
		}
		done++
	}
	return done
}
