// Package calendar turns provider-specific event payloads into
// models.NormalizedEvent. Nothing in here performs I/O.
package calendar

import (
	"strings"

	"github.com/Martian-dev/ai-brain-calendar/internal/models"
)

// RawTime is a provider timestamp before interpretation. Timed events set
// DateTime (RFC3339, or a naive local time qualified by TimeZone); all-day
// events set Date ("2006-01-02").
type RawTime struct {
	DateTime string
	Date     string
	TimeZone string
}

// IsZero reports whether no time information is present.
func (t RawTime) IsZero() bool {
	return t.DateTime == "" && t.Date == ""
}

// RawAttendee is an attendee as the provider reports it.
type RawAttendee struct {
	Email          string
	DisplayName    string
	ResponseStatus string
	Organizer      bool
}

// EntryPoint is a structured conferencing entry (video, phone, sip...).
type EntryPoint struct {
	Type string
	URI  string
}

// EntryPointVideo is the entry point type that marks a meeting as online.
const EntryPointVideo = "video"

// RawEvent is the intermediate shape every provider adapter produces.
type RawEvent struct {
	Provider   models.Provider
	ExternalID string
	Status     string

	Title       string
	Description string
	Location    string

	Start  RawTime
	End    RawTime
	AllDay bool

	// OriginalTimezone is the timezone the organiser created the event in,
	// when the provider reports it separately from Start.TimeZone.
	OriginalTimezone string

	EntryPoints []EntryPoint
	Attendees   []RawAttendee
	Organizer   *RawAttendee

	Recurring        bool
	RecurrenceRule   string
	RecurringEventID string
}

// Cancelled reports whether the provider marks the event as cancelled.
func (e RawEvent) Cancelled() bool {
	return normalizeStatus(e.Status) == models.MeetingStatusCancelled
}

func normalizeStatus(s string) models.MeetingStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "cancelled", "canceled":
		return models.MeetingStatusCancelled
	case "tentative":
		return models.MeetingStatusTentative
	default:
		return models.MeetingStatusConfirmed
	}
}
