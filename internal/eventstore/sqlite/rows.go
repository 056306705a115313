package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Martian-dev/ai-brain-calendar/internal/models"
)

// Timestamps are stored as unix seconds.

type connectionRow struct {
	ID             string        `db:"id"`
	OrganizationID string        `db:"organization_id"`
	UserID         string        `db:"user_id"`
	Provider       string        `db:"provider"`
	AccessToken    string        `db:"access_token"`
	RefreshToken   string        `db:"refresh_token"`
	TokenExpiry    int64         `db:"token_expiry"`
	NeedsReauth    bool          `db:"needs_reauth"`
	SyncEnabled    bool          `db:"sync_enabled"`
	LastSyncAt     sql.NullInt64 `db:"last_sync_at"`
	LastSyncStatus string        `db:"last_sync_status"`
	LastSyncError  string        `db:"last_sync_error"`
	CreatedAt      int64         `db:"created_at"`
	UpdatedAt      int64         `db:"updated_at"`
}

const connectionColumns = `id, organization_id, user_id, provider, access_token, refresh_token,
	token_expiry, needs_reauth, sync_enabled, last_sync_at, last_sync_status, last_sync_error,
	created_at, updated_at`

func (r connectionRow) toModel() (*models.CalendarConnection, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("connection id %q: %w", r.ID, err)
	}
	orgID, err := uuid.Parse(r.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("organization id %q: %w", r.OrganizationID, err)
	}
	userID, err := uuid.Parse(r.UserID)
	if err != nil {
		return nil, fmt.Errorf("user id %q: %w", r.UserID, err)
	}

	conn := &models.CalendarConnection{
		ID:             id,
		OrganizationID: orgID,
		UserID:         userID,
		Provider:       models.Provider(r.Provider),
		AccessToken:    r.AccessToken,
		RefreshToken:   r.RefreshToken,
		TokenExpiry:    fromUnix(r.TokenExpiry),
		NeedsReauth:    r.NeedsReauth,
		SyncEnabled:    r.SyncEnabled,
		LastSyncStatus: models.SyncStatus(r.LastSyncStatus),
		LastSyncError:  r.LastSyncError,
		CreatedAt:      fromUnix(r.CreatedAt),
		UpdatedAt:      fromUnix(r.UpdatedAt),
	}
	if r.LastSyncAt.Valid {
		t := fromUnix(r.LastSyncAt.Int64)
		conn.LastSyncAt = &t
	}
	return conn, nil
}

type meetingRow struct {
	ID               string         `db:"id"`
	ConnectionID     string         `db:"connection_id"`
	OrganizationID   string         `db:"organization_id"`
	ExternalEventID  string         `db:"external_event_id"`
	StartAt          int64          `db:"start_at"`
	EndAt            int64          `db:"end_at"`
	OriginalTimezone sql.NullString `db:"original_timezone"`
	IsAllDay         bool           `db:"is_all_day"`
	Title            string         `db:"title"`
	Description      string         `db:"description"`
	Location         string         `db:"location"`
	IsOnline         bool           `db:"is_online"`
	MeetingURL       string         `db:"meeting_url"`
	ParticipantsJSON string         `db:"participants_json"`
	Status           string         `db:"status"`
	IsRecurring      bool           `db:"is_recurring"`
	RecurrenceRule   string         `db:"recurrence_rule"`
	RecurringEventID string         `db:"recurring_event_id"`
	ProspectID       sql.NullString `db:"prospect_id"`
	MatchConfidence  float64        `db:"match_confidence"`
	LinkType         string         `db:"link_type"`
	ContentHash      string         `db:"content_hash"`
	CreatedAt        int64          `db:"created_at"`
	UpdatedAt        int64          `db:"updated_at"`
}

const meetingColumns = `id, connection_id, organization_id, external_event_id, start_at, end_at,
	original_timezone, is_all_day, title, description, location, is_online, meeting_url,
	participants_json, status, is_recurring, recurrence_rule, recurring_event_id,
	prospect_id, match_confidence, link_type, content_hash, created_at, updated_at`

func (r meetingRow) toModel() (*models.Meeting, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("meeting id %q: %w", r.ID, err)
	}
	connID, err := uuid.Parse(r.ConnectionID)
	if err != nil {
		return nil, fmt.Errorf("connection id %q: %w", r.ConnectionID, err)
	}
	orgID, err := uuid.Parse(r.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("organization id %q: %w", r.OrganizationID, err)
	}

	m := &models.Meeting{
		ID:               id,
		ConnectionID:     connID,
		OrganizationID:   orgID,
		ExternalEventID:  r.ExternalEventID,
		Start:            fromUnix(r.StartAt),
		End:              fromUnix(r.EndAt),
		IsAllDay:         r.IsAllDay,
		Title:            r.Title,
		Description:      r.Description,
		Location:         r.Location,
		IsOnline:         r.IsOnline,
		MeetingURL:       r.MeetingURL,
		Status:           models.MeetingStatus(r.Status),
		IsRecurring:      r.IsRecurring,
		RecurrenceRule:   r.RecurrenceRule,
		RecurringEventID: r.RecurringEventID,
		MatchConfidence:  r.MatchConfidence,
		LinkType:         models.LinkType(r.LinkType),
		ContentHash:      r.ContentHash,
		CreatedAt:        fromUnix(r.CreatedAt),
		UpdatedAt:        fromUnix(r.UpdatedAt),
	}
	if r.OriginalTimezone.Valid {
		tz := r.OriginalTimezone.String
		m.OriginalTimezone = &tz
	}
	if r.ProspectID.Valid {
		pid, err := uuid.Parse(r.ProspectID.String)
		if err != nil {
			return nil, fmt.Errorf("prospect id %q: %w", r.ProspectID.String, err)
		}
		m.ProspectID = &pid
	}
	if err := json.Unmarshal([]byte(r.ParticipantsJSON), &m.Participants); err != nil {
		return nil, fmt.Errorf("participants of meeting %s: %w", r.ID, err)
	}
	return m, nil
}

type prospectRow struct {
	ID             string `db:"id"`
	OrganizationID string `db:"organization_id"`
	CompanyName    string `db:"company_name"`
	Website        string `db:"website"`
	ContactEmail   string `db:"contact_email"`
}

func (r prospectRow) toModel() (models.Prospect, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return models.Prospect{}, fmt.Errorf("prospect id %q: %w", r.ID, err)
	}
	orgID, err := uuid.Parse(r.OrganizationID)
	if err != nil {
		return models.Prospect{}, fmt.Errorf("organization id %q: %w", r.OrganizationID, err)
	}
	return models.Prospect{
		ID:             id,
		OrganizationID: orgID,
		CompanyName:    r.CompanyName,
		Website:        r.Website,
		ContactEmail:   r.ContactEmail,
	}, nil
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func participantsJSON(p []models.Participant) (string, error) {
	if p == nil {
		p = []models.Participant{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal participants: %w", err)
	}
	return string(b), nil
}
