package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Martian-dev/ai-brain-calendar/internal/apperrors"
	"github.com/Martian-dev/ai-brain-calendar/internal/auth"
	"github.com/Martian-dev/ai-brain-calendar/internal/calendar"
	"github.com/Martian-dev/ai-brain-calendar/internal/config"
	"github.com/Martian-dev/ai-brain-calendar/internal/logging"
	"github.com/Martian-dev/ai-brain-calendar/internal/matching"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
	"github.com/Martian-dev/ai-brain-calendar/internal/store"
)

// State is a step of one connection sync.
type State string

const (
	StateIdle              State = "idle"
	StateLoadingCredential State = "loading_credential"
	StateRefreshing        State = "refreshing"
	StateFetching          State = "fetching"
	StateReconciling       State = "reconciling"
	StateMatching          State = "matching"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

// Outbox event emitted after every sync attempt.
const (
	SyncCompletedEventType = "calendar.sync.completed"
	syncCompletedSubject   = "calendar.%s.sync.completed"
)

// statusWriteTimeout bounds status writes made after the caller's context
// has ended.
const statusWriteTimeout = 10 * time.Second

// Credentials is the orchestrator's view of the credential store.
type Credentials interface {
	Load(ctx context.Context, connectionID uuid.UUID) (*auth.Credential, error)
	RefreshIfExpired(ctx context.Context, cred *auth.Credential) (*auth.Credential, error)
	MarkInvalid(ctx context.Context, connectionID uuid.UUID, reason string) error
}

// MeetingMatcher links freshly synced meetings to prospects.
type MeetingMatcher interface {
	MatchMeetings(ctx context.Context, orgID uuid.UUID, meetingIDs []uuid.UUID) ([]*matching.MatchResult, error)
}

// Orchestrator runs the sync of a single connection from credential load to
// status write-back.
type Orchestrator struct {
	conns       store.ConnectionStore
	credentials Credentials
	registry    *Registry
	reconciler  *Reconciler
	matcher     MeetingMatcher

	lookaheadDays int
	fetchTimeout  time.Duration

	now    func() time.Time
	logger *zap.Logger
}

// NewOrchestrator creates an Orchestrator. matcher may be nil.
func NewOrchestrator(conns store.ConnectionStore, credentials Credentials, registry *Registry, reconciler *Reconciler, matcher MeetingMatcher, cfg config.SyncConfig, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		conns:         conns,
		credentials:   credentials,
		registry:      registry,
		reconciler:    reconciler,
		matcher:       matcher,
		lookaheadDays: cfg.LookaheadDays,
		fetchTimeout:  cfg.FetchTimeout,
		now:           time.Now,
		logger:        logger.Named("sync-orchestrator"),
	}
}

// run carries the state of one sync attempt.
type run struct {
	o      *Orchestrator
	state  State
	result *models.SyncResult
	logger *zap.Logger
}

func (r *run) transition(next State) {
	r.logger.Debug("Sync state transition",
		zap.String("from", string(r.state)),
		zap.String("state", string(next)))
	r.state = next
}

// Window returns the fetch window for a sync started at now: from the start
// of yesterday (UTC) up to lookahead days ahead.
func Window(now time.Time, lookaheadDays int) (time.Time, time.Time) {
	now = now.UTC()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return startOfDay.AddDate(0, 0, -1), now.AddDate(0, 0, lookaheadDays)
}

// Run syncs one connection. The returned result is never nil; the error is
// non-nil exactly when the attempt failed as a whole, in which case
// result.Status is failed and result.Error holds the sanitized cause.
func (o *Orchestrator) Run(ctx context.Context, connectionID uuid.UUID) (*models.SyncResult, error) {
	r := &run{
		o:     o,
		state: StateIdle,
		result: &models.SyncResult{
			ConnectionID: connectionID,
			Errors:       []string{},
			StartedAt:    o.now().UTC(),
		},
		logger: o.logger.With(zap.String("connection_id", connectionID.String())),
	}

	r.transition(StateLoadingCredential)
	conn, err := o.conns.GetConnection(ctx, connectionID)
	if err != nil {
		// a vanished row has nowhere to record status
		return r.fail(ctx, err, !errors.Is(err, apperrors.ErrNotFound))
	}
	r.result.OrganizationID = conn.OrganizationID
	r.result.Provider = conn.Provider
	r.logger = r.logger.With(
		zap.String("organization_id", conn.OrganizationID.String()),
		zap.String("provider", string(conn.Provider)))

	if !conn.SyncEnabled {
		return r.fail(ctx, fmt.Errorf("connection %s: %w", connectionID, apperrors.ErrSyncDisabled), false)
	}

	cred, err := o.credentials.Load(ctx, connectionID)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("load credential: %w", err), true)
	}

	r.transition(StateRefreshing)
	cred, err = o.credentials.RefreshIfExpired(ctx, cred)
	if err != nil {
		return r.fail(ctx, err, true)
	}

	adapter, err := o.registry.Get(conn.Provider)
	if err != nil {
		return r.fail(ctx, err, true)
	}

	r.transition(StateFetching)
	from, to := Window(r.result.StartedAt, o.lookaheadDays)
	events, err := o.fetch(ctx, adapter, cred, from, to)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindAuthExpired {
			markCtx, cancel := detached(ctx)
			markErr := o.credentials.MarkInvalid(markCtx, connectionID, "provider rejected credentials: "+logging.SanitizeError(err))
			cancel()
			if markErr != nil {
				r.logger.Error("Failed to flag connection for re-authorization", zap.String("error", logging.SanitizeError(markErr)))
			}
		}
		return r.fail(ctx, err, true)
	}

	r.transition(StateReconciling)
	if err := o.reconciler.Reconcile(ctx, conn, adapter, events, r.result); err != nil {
		return r.fail(ctx, err, true)
	}

	if o.matcher != nil && len(r.result.Changed) > 0 {
		r.transition(StateMatching)
		if _, err := o.matcher.MatchMeetings(ctx, conn.OrganizationID, r.result.Changed); err != nil {
			r.logger.Warn("Matching failed", zap.String("error", logging.SanitizeError(err)))
		}
	}

	r.transition(StateDone)
	r.result.Status = r.result.FinalStatus()
	r.finish(ctx, true)
	return r.result, nil
}

// fetch bounds the provider call by the fetch timeout. A deadline hit inside
// an adapter that did not classify it is reported as transient.
func (o *Orchestrator) fetch(ctx context.Context, adapter ProviderAdapter, cred *auth.Credential, from, to time.Time) ([]calendar.RawEvent, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
	defer cancel()

	events, err := adapter.FetchEvents(fetchCtx, cred, from, to)
	if err == nil {
		return events, nil
	}
	var fe *apperrors.FetchError
	if !errors.As(err, &fe) {
		err = apperrors.Transient(string(adapter.Name()), err)
	}
	return nil, fmt.Errorf("fetch events: %w", err)
}

func (r *run) fail(ctx context.Context, err error, record bool) (*models.SyncResult, error) {
	r.transition(StateFailed)
	r.result.Status = models.SyncStatusFailed
	r.result.Error = logging.SanitizeError(err)

	r.logger.Warn("Sync failed",
		zap.String("kind", string(apperrors.KindOf(err))),
		zap.String("error", r.result.Error))

	r.finish(ctx, record)
	return r.result, err
}

// finish stamps the result and, when record is set, writes the connection's
// status together with the sync-completed outbox message.
func (r *run) finish(ctx context.Context, record bool) {
	r.result.FinishedAt = r.o.now().UTC()
	if !record {
		return
	}

	upd := models.SyncStatusUpdate{
		At:     r.result.FinishedAt,
		Status: r.result.Status,
		Error:  statusError(r.result),
	}
	msg, err := completedMessage(r.result)
	if err != nil {
		r.logger.Error("Failed to build sync-completed event", zap.Error(err))
	}
	writeCtx, cancel := detached(ctx)
	defer cancel()
	if err := r.o.conns.RecordSyncResult(writeCtx, r.result.ConnectionID, upd, msg); err != nil {
		r.logger.Error("Failed to record sync status", zap.String("error", logging.SanitizeError(err)))
		return
	}

	r.logger.Info("Sync finished",
		zap.String("status", string(r.result.Status)),
		zap.Int("synced", r.result.Synced),
		zap.Int("new", r.result.New),
		zap.Int("updated", r.result.Updated),
		zap.Int("deleted", r.result.Deleted),
		zap.Int("errors", len(r.result.Errors)),
		zap.Duration("took", r.result.FinishedAt.Sub(r.result.StartedAt)))
}

// detached outlives ctx's cancellation and deadline so a run that was cut
// short still records its outcome.
func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), statusWriteTimeout)
}

func statusError(res *models.SyncResult) string {
	switch {
	case res.Status == models.SyncStatusFailed:
		return res.Error
	case len(res.Errors) == 1:
		return res.Errors[0]
	case len(res.Errors) > 1:
		return fmt.Sprintf("%s (and %d more)", res.Errors[0], len(res.Errors)-1)
	}
	return ""
}

func completedMessage(res *models.SyncResult) (*store.OutboxMessage, error) {
	payload, err := json.Marshal(res.CompletedEvent())
	if err != nil {
		return nil, err
	}
	return &store.OutboxMessage{
		Subject:   fmt.Sprintf(syncCompletedSubject, res.OrganizationID),
		EventType: SyncCompletedEventType,
		Payload:   payload,
		MsgID:     fmt.Sprintf("%s|%s|%d", SyncCompletedEventType, res.ConnectionID, res.FinishedAt.UnixNano()),
	}, nil
}
