package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/Martian-dev/ai-brain-calendar/internal/logging"
	"github.com/Martian-dev/ai-brain-calendar/internal/matching"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
	"github.com/Martian-dev/ai-brain-calendar/internal/store"
)

// ErrSyncInProgress is returned when another process is syncing the connection.
var ErrSyncInProgress = errors.New("sync already in progress")

// Locker provides cross-process mutual exclusion.
type Locker interface {
	// TryLock reports ok=false when key is held elsewhere. unlock is only
	// valid when ok is true.
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

// ConnectionRunner performs one sync attempt.
type ConnectionRunner interface {
	Run(ctx context.Context, connectionID uuid.UUID) (*models.SyncResult, error)
}

// OrganizationSweeper matches every unlinked meeting of an organization.
type OrganizationSweeper interface {
	SweepOrganization(ctx context.Context, orgID uuid.UUID) ([]*matching.MatchResult, error)
}

// Manager serializes syncs per connection and fans out organization-wide runs.
type Manager struct {
	runner  ConnectionRunner
	conns   store.ConnectionStore
	sweeper OrganizationSweeper
	locker  Locker
	workers int

	flight singleflight.Group

	running      map[uuid.UUID]struct{}
	runningMutex sync.RWMutex

	logger *zap.Logger
}

// NewManager creates sync manager. sweeper may be nil.
func NewManager(runner ConnectionRunner, conns store.ConnectionStore, sweeper OrganizationSweeper, workers int, logger *zap.Logger) *Manager {
	if workers <= 0 {
		workers = 1
	}
	return &Manager{
		runner:  runner,
		conns:   conns,
		sweeper: sweeper,
		workers: workers,
		running: make(map[uuid.UUID]struct{}),
		logger:  logger.Named("sync-manager"),
	}
}

// WithLocker enables cross-process locking per connection.
func (m *Manager) WithLocker(l Locker) *Manager {
	m.locker = l
	return m
}

// SyncConnection syncs one connection. Concurrent calls for the same
// connection share a single run and its result.
func (m *Manager) SyncConnection(ctx context.Context, connectionID uuid.UUID) (*models.SyncResult, error) {
	v, err, shared := m.flight.Do(connectionID.String(), func() (any, error) {
		return m.syncExclusive(ctx, connectionID)
	})
	if shared {
		m.logger.Debug("Joined running sync", zap.String("connection_id", connectionID.String()))
	}
	res, _ := v.(*models.SyncResult)
	return res, err
}

func (m *Manager) syncExclusive(ctx context.Context, connectionID uuid.UUID) (*models.SyncResult, error) {
	if m.locker != nil {
		unlock, ok, err := m.locker.TryLock(ctx, lockKey(connectionID))
		if err != nil {
			return skipped(connectionID, fmt.Errorf("acquire sync lock: %w", err))
		}
		if !ok {
			return skipped(connectionID, ErrSyncInProgress)
		}
		defer unlock()
	}

	m.markRunning(connectionID, true)
	defer m.markRunning(connectionID, false)

	return m.runner.Run(ctx, connectionID)
}

func lockKey(connectionID uuid.UUID) string {
	return "calendar:sync:" + connectionID.String()
}

// skipped builds the result of a run that never started.
func skipped(connectionID uuid.UUID, err error) (*models.SyncResult, error) {
	return &models.SyncResult{
		ConnectionID: connectionID,
		Status:       models.SyncStatusFailed,
		Errors:       []string{},
		Error:        logging.SanitizeError(err),
	}, err
}

// SyncAllForOrganization syncs every enabled connection of the organization
// with bounded parallelism, then sweeps the organization's unlinked meetings.
// A failing connection is reported in its result and never stops the others.
func (m *Manager) SyncAllForOrganization(ctx context.Context, orgID uuid.UUID) ([]*models.SyncResult, error) {
	conns, err := m.conns.ListSyncableConnections(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}

	logger := m.logger.With(zap.String("organization_id", orgID.String()))
	results := make([]*models.SyncResult, len(conns))

	var g errgroup.Group
	g.SetLimit(m.workers)
	for i, conn := range conns {
		g.Go(func() error {
			res, err := m.SyncConnection(ctx, conn.ID)
			if err != nil {
				logger.Warn("Connection sync failed",
					zap.String("connection_id", conn.ID.String()),
					zap.String("error", logging.SanitizeError(err)))
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	if m.sweeper != nil {
		if _, err := m.sweeper.SweepOrganization(ctx, orgID); err != nil {
			logger.Warn("Matching sweep failed", zap.String("error", logging.SanitizeError(err)))
		}
	}

	logger.Info("Organization sync finished", zap.Int("connections", len(conns)))
	return results, nil
}

func (m *Manager) markRunning(connectionID uuid.UUID, running bool) {
	m.runningMutex.Lock()
	defer m.runningMutex.Unlock()

	if running {
		m.running[connectionID] = struct{}{}
	} else {
		delete(m.running, connectionID)
	}
}

// IsRunning checks if a sync is running in this process for the connection
func (m *Manager) IsRunning(connectionID uuid.UUID) bool {
	m.runningMutex.RLock()
	defer m.runningMutex.RUnlock()

	_, exists := m.running[connectionID]
	return exists
}

// Running returns the connections currently syncing in this process
func (m *Manager) Running() []uuid.UUID {
	m.runningMutex.RLock()
	defer m.runningMutex.RUnlock()

	ids := make([]uuid.UUID, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}
