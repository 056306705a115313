package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MeetingStatus mirrors the provider-side state of an event.
type MeetingStatus string

const (
	MeetingStatusConfirmed MeetingStatus = "confirmed"
	MeetingStatusTentative MeetingStatus = "tentative"
	MeetingStatusCancelled MeetingStatus = "cancelled"
)

// LinkType records how a meeting got its prospect.
type LinkType string

const (
	LinkTypeNone   LinkType = "none"
	LinkTypeAuto   LinkType = "auto"
	LinkTypeManual LinkType = "manual"
)

// Attendee response statuses after normalization.
const (
	ResponseAccepted    = "accepted"
	ResponseDeclined    = "declined"
	ResponseTentative   = "tentative"
	ResponseNeedsAction = "needsAction"
)

// Participant is one flattened attendee of a meeting.
type Participant struct {
	Email          string `json:"email"`
	DisplayName    string `json:"display_name,omitempty"`
	ResponseStatus string `json:"response_status"`
	IsOrganizer    bool   `json:"is_organizer"`
}

// NormalizedEvent is the provider-agnostic shape of one calendar event.
type NormalizedEvent struct {
	ExternalID       string        `json:"external_id"`
	Start            time.Time     `json:"start"`
	End              time.Time     `json:"end"`
	OriginalTimezone *string       `json:"original_timezone,omitempty"`
	IsAllDay         bool          `json:"is_all_day"`
	Title            string        `json:"title"`
	Description      string        `json:"description"`
	Location         string        `json:"location"`
	IsOnline         bool          `json:"is_online"`
	MeetingURL       string        `json:"meeting_url"`
	Participants     []Participant `json:"participants"`
	Status           MeetingStatus `json:"status"`
	IsRecurring      bool          `json:"is_recurring"`
	RecurrenceRule   string        `json:"recurrence_rule"`
	RecurringEventID string        `json:"recurring_event_id"`
}

// Fingerprint hashes every provider-sourced field so unchanged events can be
// recognised without a field-by-field comparison.
func (e *NormalizedEvent) Fingerprint() string {
	c := *e
	c.Start = c.Start.UTC()
	c.End = c.End.UTC()
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Meeting is the locally stored record of one provider event.
type Meeting struct {
	ID              uuid.UUID `json:"id"`
	ConnectionID    uuid.UUID `json:"connection_id"`
	OrganizationID  uuid.UUID `json:"organization_id"`
	ExternalEventID string    `json:"external_event_id"`

	Start            time.Time `json:"start"`
	End              time.Time `json:"end"`
	OriginalTimezone *string   `json:"original_timezone,omitempty"`
	IsAllDay         bool      `json:"is_all_day"`

	Title       string `json:"title"`
	Description string `json:"description"`
	Location    string `json:"location"`
	IsOnline    bool   `json:"is_online"`
	MeetingURL  string `json:"meeting_url"`

	Participants []Participant `json:"participants"`
	Status       MeetingStatus `json:"status"`

	IsRecurring      bool   `json:"is_recurring"`
	RecurrenceRule   string `json:"recurrence_rule"`
	RecurringEventID string `json:"recurring_event_id"`

	ProspectID      *uuid.UUID `json:"prospect_id,omitempty"`
	MatchConfidence float64    `json:"match_confidence"`
	LinkType        LinkType   `json:"link_type"`

	ContentHash string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ApplyEvent overwrites every provider-owned field with ev. Linkage is left alone.
func (m *Meeting) ApplyEvent(ev *NormalizedEvent) {
	m.ExternalEventID = ev.ExternalID
	m.Start = ev.Start
	m.End = ev.End
	m.OriginalTimezone = ev.OriginalTimezone
	m.IsAllDay = ev.IsAllDay
	m.Title = ev.Title
	m.Description = ev.Description
	m.Location = ev.Location
	m.IsOnline = ev.IsOnline
	m.MeetingURL = ev.MeetingURL
	m.Participants = ev.Participants
	m.Status = ev.Status
	m.IsRecurring = ev.IsRecurring
	m.RecurrenceRule = ev.RecurrenceRule
	m.RecurringEventID = ev.RecurringEventID
	m.ContentHash = ev.Fingerprint()
}

// ExternalAttendeeEmails returns the emails of all non-organizer participants.
func (m *Meeting) ExternalAttendeeEmails() []string {
	emails := make([]string, 0, len(m.Participants))
	for _, p := range m.Participants {
		if p.IsOrganizer || p.Email == "" {
			continue
		}
		emails = append(emails, p.Email)
	}
	return emails
}

// ProspectLink is the linkage written onto a meeting by the matcher or a user.
type ProspectLink struct {
	ProspectID uuid.UUID
	Confidence float64
	LinkType   LinkType
}
