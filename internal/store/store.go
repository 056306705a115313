// Package store defines the datastore contract the sync engine runs against.
// Implementations live under internal/eventstore.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/ai-brain-calendar/internal/models"
)

// OutboxMessage represents a message in the outbox
type OutboxMessage struct {
	ID        int64
	Subject   string
	EventType string
	Payload   []byte
	MsgID     string
	Retries   int
}

// ConnectionStore reads and writes CalendarConnection rows.
type ConnectionStore interface {
	CreateConnection(ctx context.Context, conn *models.CalendarConnection) error
	// GetConnection returns apperrors.ErrNotFound if the row does not exist.
	GetConnection(ctx context.Context, id uuid.UUID) (*models.CalendarConnection, error)
	// ListSyncableConnections returns the organization's connections with sync enabled.
	ListSyncableConnections(ctx context.Context, orgID uuid.UUID) ([]*models.CalendarConnection, error)
	// ListSyncableOrganizations returns every organization owning at least one enabled connection.
	ListSyncableOrganizations(ctx context.Context) ([]uuid.UUID, error)

	// UpdateCredentials writes refreshed token material and clears needs_reauth
	// in a single statement.
	UpdateCredentials(ctx context.Context, id uuid.UUID, upd models.CredentialUpdate) error
	MarkNeedsReauth(ctx context.Context, id uuid.UUID, reason string) error

	// RecordSyncResult writes the connection's last_sync_* fields and, when msg
	// is non-nil, enqueues it in the outbox within the same transaction.
	RecordSyncResult(ctx context.Context, id uuid.UUID, upd models.SyncStatusUpdate, msg *OutboxMessage) error
}

// MeetingStore reads and writes Meeting rows. Writes are scoped by connection.
type MeetingStore interface {
	// ListActiveMeetings returns the connection's meetings that are not cancelled.
	ListActiveMeetings(ctx context.Context, connectionID uuid.UUID) ([]*models.Meeting, error)
	GetMeeting(ctx context.Context, id uuid.UUID) (*models.Meeting, error)
	// GetMeetingByExternalID looks a meeting up by its natural key, including
	// cancelled ones.
	GetMeetingByExternalID(ctx context.Context, connectionID uuid.UUID, externalID string) (*models.Meeting, error)

	// InsertMeeting returns apperrors.ErrConflict if the natural key already exists.
	InsertMeeting(ctx context.Context, m *models.Meeting) error
	// UpdateMeeting overwrites the provider-owned fields. Linkage is untouched.
	UpdateMeeting(ctx context.Context, m *models.Meeting) error
	// CancelMeetings flips the given meetings of one connection to cancelled
	// and returns how many rows changed.
	CancelMeetings(ctx context.Context, connectionID uuid.UUID, ids []uuid.UUID) (int, error)

	// ListUnlinkedMeetings returns non-cancelled meetings of the organization
	// without a prospect.
	ListUnlinkedMeetings(ctx context.Context, orgID uuid.UUID) ([]*models.Meeting, error)
	// AutoLinkProspect writes link only if the meeting still has no prospect.
	// It reports whether a row was changed.
	AutoLinkProspect(ctx context.Context, meetingID uuid.UUID, link models.ProspectLink) (bool, error)
	// SetProspectLink writes link unconditionally.
	SetProspectLink(ctx context.Context, meetingID uuid.UUID, link models.ProspectLink) error
}

// ProspectStore gives read access to prospects.
type ProspectStore interface {
	CreateProspect(ctx context.Context, p *models.Prospect) error
	GetProspect(ctx context.Context, id uuid.UUID) (*models.Prospect, error)
	ListProspects(ctx context.Context, orgID uuid.UUID) ([]models.Prospect, error)
}

// Outbox is the dispatcher's view of the outbox table.
type Outbox interface {
	// DequeueOutbox fetches unpublished messages whose next attempt is due.
	DequeueOutbox(ctx context.Context, limit int) ([]OutboxMessage, error)
	MarkPublished(ctx context.Context, id int64) error
	MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error
}

// Store is everything a datastore backend provides.
type Store interface {
	ConnectionStore
	MeetingStore
	ProspectStore
	Outbox

	Ping(ctx context.Context) error
	Close() error
}
