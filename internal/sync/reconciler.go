package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Martian-dev/ai-brain-calendar/internal/apperrors"
	"github.com/Martian-dev/ai-brain-calendar/internal/calendar"
	"github.com/Martian-dev/ai-brain-calendar/internal/logging"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
	"github.com/Martian-dev/ai-brain-calendar/internal/store"
)

// Reconciler applies one fetch of provider events to the stored meetings of
// a connection.
type Reconciler struct {
	meetings store.MeetingStore
	logger   *zap.Logger
}

// NewReconciler creates a Reconciler.
func NewReconciler(meetings store.MeetingStore, logger *zap.Logger) *Reconciler {
	return &Reconciler{meetings: meetings, logger: logger.Named("reconciler")}
}

// Reconcile upserts events into conn's meetings and cancels the active
// meetings the provider no longer returns. Counters, item errors and the ids
// of inserted or updated meetings are accumulated into res. An error is only
// returned when nothing could be reconciled; in that case no meeting was
// cancelled.
func (r *Reconciler) Reconcile(ctx context.Context, conn *models.CalendarConnection, adapter ProviderAdapter, events []calendar.RawEvent, res *models.SyncResult) error {
	existing, err := r.meetings.ListActiveMeetings(ctx, conn.ID)
	if err != nil {
		return fmt.Errorf("list active meetings: %w", err)
	}
	byExternalID := make(map[string]uuid.UUID, len(existing))
	for _, m := range existing {
		byExternalID[m.ExternalEventID] = m.ID
	}

	seen := make(map[uuid.UUID]struct{}, len(events))
	processed := make(map[string]struct{}, len(events))

	for _, raw := range events {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("reconcile interrupted: %w", err)
		}

		// provider-side cancellations are left for the stale pass
		if raw.Cancelled() {
			continue
		}

		ev, err := adapter.Normalize(raw)
		if err != nil {
			res.AddError(fmt.Sprintf("event %q: %v", raw.ExternalID, err))
			// an unreadable event must not look deleted
			if id, ok := byExternalID[raw.ExternalID]; ok {
				seen[id] = struct{}{}
			}
			continue
		}

		if _, dup := processed[ev.ExternalID]; dup {
			continue
		}
		processed[ev.ExternalID] = struct{}{}

		if err := r.upsert(ctx, conn, ev, seen, res); err != nil {
			res.AddError(fmt.Sprintf("event %q: %s", ev.ExternalID, logging.SanitizeError(err)))
			if id, ok := byExternalID[ev.ExternalID]; ok {
				seen[id] = struct{}{}
			}
			continue
		}
		res.Synced++
	}

	var stale []uuid.UUID
	for _, m := range existing {
		if _, ok := seen[m.ID]; !ok {
			stale = append(stale, m.ID)
		}
	}
	if len(stale) > 0 {
		n, err := r.meetings.CancelMeetings(ctx, conn.ID, stale)
		if err != nil {
			res.AddError(fmt.Sprintf("cancel %d meetings: %s", len(stale), logging.SanitizeError(err)))
		}
		res.Deleted += n
	}

	r.logger.Debug("Reconciled events",
		zap.String("connection_id", conn.ID.String()),
		zap.Int("fetched", len(events)),
		zap.Int("synced", res.Synced),
		zap.Int("new", res.New),
		zap.Int("updated", res.Updated),
		zap.Int("deleted", res.Deleted),
		zap.Int("errors", len(res.Errors)))
	return nil
}

// upsert writes ev by natural key. The stored meeting is marked seen before
// any write so a failed update never leads to its cancellation.
func (r *Reconciler) upsert(ctx context.Context, conn *models.CalendarConnection, ev *models.NormalizedEvent, seen map[uuid.UUID]struct{}, res *models.SyncResult) error {
	current, err := r.meetings.GetMeetingByExternalID(ctx, conn.ID, ev.ExternalID)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		m := &models.Meeting{
			ID:             uuid.New(),
			ConnectionID:   conn.ID,
			OrganizationID: conn.OrganizationID,
			LinkType:       models.LinkTypeNone,
		}
		m.ApplyEvent(ev)
		if err := r.meetings.InsertMeeting(ctx, m); err != nil {
			return fmt.Errorf("insert: %w", err)
		}
		res.New++
		res.Changed = append(res.Changed, m.ID)
		return nil
	case err != nil:
		return fmt.Errorf("lookup: %w", err)
	}

	seen[current.ID] = struct{}{}

	if current.ContentHash == ev.Fingerprint() && current.Status != models.MeetingStatusCancelled {
		return nil
	}

	current.ApplyEvent(ev)
	if err := r.meetings.UpdateMeeting(ctx, current); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	res.Updated++
	res.Changed = append(res.Changed, current.ID)
	return nil
}
