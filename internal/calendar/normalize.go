package calendar

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Martian-dev/ai-brain-calendar/internal/apperrors"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
)

// OnlinePlatforms are location fragments that identify a video meeting.
var OnlinePlatforms = []string{
	"zoom.us",
	"meet.google.com",
	"teams.microsoft.com",
	"teams.live.com",
	"webex.com",
	"gotomeeting.com",
	"whereby.com",
	"bluejeans.com",
	"chime.aws",
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// naive layouts carry no offset and are interpreted in RawTime.TimeZone.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.9999999",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

const dateLayout = "2006-01-02"

// Normalize converts raw into a NormalizedEvent. It never panics; events
// without a usable start time yield an error wrapping ErrUnnormalizable.
func Normalize(raw RawEvent) (*models.NormalizedEvent, error) {
	if strings.TrimSpace(raw.ExternalID) == "" {
		return nil, fmt.Errorf("%w: missing event id", apperrors.ErrUnnormalizable)
	}

	ev := &models.NormalizedEvent{
		ExternalID:       raw.ExternalID,
		Title:            strings.TrimSpace(raw.Title),
		Description:      raw.Description,
		Location:         strings.TrimSpace(raw.Location),
		Status:           normalizeStatus(raw.Status),
		RecurrenceRule:   raw.RecurrenceRule,
		RecurringEventID: raw.RecurringEventID,
		IsRecurring:      raw.Recurring || raw.RecurringEventID != "" || raw.RecurrenceRule != "",
	}

	if err := applyTimes(ev, raw); err != nil {
		return nil, err
	}

	ev.IsOnline, ev.MeetingURL = detectOnline(raw.EntryPoints, ev.Location)
	ev.Participants = flattenAttendees(raw.Attendees, raw.Organizer)

	return ev, nil
}

func applyTimes(ev *models.NormalizedEvent, raw RawEvent) error {
	if raw.Start.IsZero() {
		return fmt.Errorf("%w: event %s has no start time", apperrors.ErrUnnormalizable, raw.ExternalID)
	}

	allDay := raw.AllDay || (raw.Start.DateTime == "" && raw.Start.Date != "")
	if allDay {
		start, ok := parseDate(raw.Start)
		if !ok {
			return fmt.Errorf("%w: event %s has unparseable all-day start %q", apperrors.ErrUnnormalizable, raw.ExternalID, raw.Start.Date+raw.Start.DateTime)
		}
		end, ok := parseDate(raw.End)
		if !ok || !end.After(start) {
			end = start.Add(24 * time.Hour)
		}
		ev.IsAllDay = true
		ev.Start = start
		ev.End = end
		ev.OriginalTimezone = nil
		return nil
	}

	start, ok := parseDateTime(raw.Start)
	if !ok {
		return fmt.Errorf("%w: event %s has unparseable start %q", apperrors.ErrUnnormalizable, raw.ExternalID, raw.Start.DateTime)
	}
	end, ok := parseDateTime(raw.End)
	if !ok || end.Before(start) {
		end = start
	}
	ev.Start = start
	ev.End = end

	tz := raw.OriginalTimezone
	if tz == "" {
		tz = raw.Start.TimeZone
	}
	if tz != "" {
		ev.OriginalTimezone = &tz
	}
	return nil
}

// parseDate returns midnight UTC of the calendar day in t.
func parseDate(t RawTime) (time.Time, bool) {
	s := t.Date
	if s == "" && len(t.DateTime) >= len(dateLayout) {
		s = t.DateTime[:len(dateLayout)]
	}
	if s == "" {
		return time.Time{}, false
	}
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC), true
}

func parseDateTime(t RawTime) (time.Time, bool) {
	if t.DateTime == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, t.DateTime); err == nil {
		return ts.UTC(), true
	}

	loc := time.UTC
	if t.TimeZone != "" {
		if l, err := time.LoadLocation(t.TimeZone); err == nil {
			loc = l
		}
	}
	for _, layout := range naiveLayouts {
		if ts, err := time.ParseInLocation(layout, t.DateTime, loc); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// detectOnline returns whether the event is a video meeting and its join URL.
func detectOnline(entries []EntryPoint, location string) (bool, string) {
	for _, e := range entries {
		if strings.EqualFold(e.Type, EntryPointVideo) && e.URI != "" {
			return true, e.URI
		}
	}

	lower := strings.ToLower(location)
	for _, fragment := range OnlinePlatforms {
		if !strings.Contains(lower, fragment) {
			continue
		}
		for _, u := range urlPattern.FindAllString(location, -1) {
			if strings.Contains(strings.ToLower(u), fragment) {
				return true, u
			}
		}
		return true, ""
	}
	return false, ""
}

func flattenAttendees(attendees []RawAttendee, organizer *RawAttendee) []models.Participant {
	participants := make([]models.Participant, 0, len(attendees)+1)
	index := make(map[string]int, len(attendees))

	for _, a := range attendees {
		email := normalizeEmail(a.Email)
		if email == "" {
			continue
		}
		if i, dup := index[email]; dup {
			if a.Organizer {
				participants[i].IsOrganizer = true
			}
			continue
		}
		index[email] = len(participants)
		participants = append(participants, models.Participant{
			Email:          email,
			DisplayName:    strings.TrimSpace(a.DisplayName),
			ResponseStatus: normalizeResponse(a.ResponseStatus),
			IsOrganizer:    a.Organizer,
		})
	}

	if organizer == nil {
		return participants
	}
	email := normalizeEmail(organizer.Email)
	if email == "" {
		return participants
	}
	if i, ok := index[email]; ok {
		participants[i].IsOrganizer = true
		return participants
	}
	return append(participants, models.Participant{
		Email:          email,
		DisplayName:    strings.TrimSpace(organizer.DisplayName),
		ResponseStatus: models.ResponseAccepted,
		IsOrganizer:    true,
	})
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func normalizeResponse(status string) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "accepted", "organizer":
		return models.ResponseAccepted
	case "declined":
		return models.ResponseDeclined
	case "tentative", "tentativelyaccepted":
		return models.ResponseTentative
	default:
		return models.ResponseNeedsAction
	}
}
