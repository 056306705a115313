package outlook

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Martian-dev/ai-brain-calendar/internal/apperrors"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
)

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

func dateTime(dt, tz string) graphmodels.DateTimeTimeZoneable {
	v := graphmodels.NewDateTimeTimeZone()
	v.SetDateTime(strPtr(dt))
	v.SetTimeZone(strPtr(tz))
	return v
}

func attendee(email string, resp graphmodels.ResponseType) graphmodels.Attendeeable {
	addr := graphmodels.NewEmailAddress()
	addr.SetAddress(strPtr(email))
	status := graphmodels.NewResponseStatus()
	status.SetResponse(&resp)

	a := graphmodels.NewAttendee()
	a.SetEmailAddress(addr)
	a.SetStatus(status)
	return a
}

func teamsEvent() graphmodels.Eventable {
	ev := graphmodels.NewEvent()
	ev.SetId(strPtr("AAMkAGI2TG93AAA="))
	ev.SetSubject(strPtr("Acme – Kickoff Call"))
	ev.SetStart(dateTime("2024-05-02T14:00:00.0000000", "UTC"))
	ev.SetEnd(dateTime("2024-05-02T15:00:00.0000000", "UTC"))
	ev.SetOriginalStartTimeZone(strPtr("Pacific Standard Time"))
	ev.SetIsAllDay(boolPtr(false))
	ev.SetIsCancelled(boolPtr(false))

	om := graphmodels.NewOnlineMeetingInfo()
	om.SetJoinUrl(strPtr("https://teams.microsoft.com/l/meetup-join/19%3ameeting"))
	ev.SetOnlineMeeting(om)

	room := graphmodels.NewAttendee()
	roomAddr := graphmodels.NewEmailAddress()
	roomAddr.SetAddress(strPtr("conf-2@contoso.com"))
	room.SetEmailAddress(roomAddr)
	resource := graphmodels.RESOURCE_ATTENDEETYPE
	room.SetTypeEscaped(&resource)

	ev.SetAttendees([]graphmodels.Attendeeable{
		attendee("Jane@Acme.com", graphmodels.TENTATIVELYACCEPTED_RESPONSETYPE),
		attendee("bob@acme.com", graphmodels.NOTRESPONDED_RESPONSETYPE),
		room,
	})

	orgAddr := graphmodels.NewEmailAddress()
	orgAddr.SetAddress(strPtr("me@contoso.com"))
	org := graphmodels.NewRecipient()
	org.SetEmailAddress(orgAddr)
	ev.SetOrganizer(org)
	return ev
}

func TestToRawEvent_OnlineMeeting(t *testing.T) {
	raw := toRawEvent(teamsEvent())
	assert.Equal(t, models.ProviderMicrosoft, raw.Provider)
	assert.Equal(t, "confirmed", raw.Status)
	assert.Len(t, raw.Attendees, 2, "resources are not people")

	ev, err := New(zap.NewNop()).Normalize(raw)
	require.NoError(t, err)
	assert.True(t, ev.IsOnline)
	assert.Equal(t, "https://teams.microsoft.com/l/meetup-join/19%3ameeting", ev.MeetingURL)
	assert.Equal(t, time.Date(2024, 5, 2, 14, 0, 0, 0, time.UTC), ev.Start)
	assert.Equal(t, time.Hour, ev.End.Sub(ev.Start))
	require.NotNil(t, ev.OriginalTimezone)
	assert.Equal(t, "Pacific Standard Time", *ev.OriginalTimezone)

	require.Len(t, ev.Participants, 3)
	assert.Equal(t, "jane@acme.com", ev.Participants[0].Email)
	assert.Equal(t, models.ResponseTentative, ev.Participants[0].ResponseStatus)
	assert.Equal(t, models.ResponseNeedsAction, ev.Participants[1].ResponseStatus)
	assert.Equal(t, "me@contoso.com", ev.Participants[2].Email)
	assert.True(t, ev.Participants[2].IsOrganizer)
	assert.Equal(t, models.ResponseAccepted, ev.Participants[2].ResponseStatus)
}

func TestToRawEvent_CancelledOccurrence(t *testing.T) {
	ev := teamsEvent()
	ev.SetIsCancelled(boolPtr(true))
	ev.SetSeriesMasterId(strPtr("series-master-1"))
	occurrence := graphmodels.OCCURRENCE_EVENTTYPE
	ev.SetTypeEscaped(&occurrence)

	raw := toRawEvent(ev)
	assert.True(t, raw.Cancelled())
	assert.True(t, raw.Recurring)
	assert.Equal(t, "series-master-1", raw.RecurringEventID)
}

func TestToRawEvent_AllDayTentative(t *testing.T) {
	ev := graphmodels.NewEvent()
	ev.SetId(strPtr("all-day-1"))
	ev.SetIsAllDay(boolPtr(true))
	ev.SetStart(dateTime("2024-05-03T00:00:00.0000000", "UTC"))
	ev.SetEnd(dateTime("2024-05-04T00:00:00.0000000", "UTC"))
	tentative := graphmodels.TENTATIVE_FREEBUSYSTATUS
	ev.SetShowAs(&tentative)

	pattern := graphmodels.NewRecurrencePattern()
	weekly := graphmodels.WEEKLY_RECURRENCEPATTERNTYPE
	pattern.SetTypeEscaped(&weekly)
	interval := int32(2)
	pattern.SetInterval(&interval)
	pattern.SetDaysOfWeek([]graphmodels.DayOfWeek{graphmodels.MONDAY_DAYOFWEEK, graphmodels.THURSDAY_DAYOFWEEK})
	rec := graphmodels.NewPatternedRecurrence()
	rec.SetPattern(pattern)
	ev.SetRecurrence(rec)

	raw := toRawEvent(ev)
	assert.Equal(t, "tentative", raw.Status)
	assert.Equal(t, "RRULE:FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,TH", raw.RecurrenceRule)

	norm, err := New(zap.NewNop()).Normalize(raw)
	require.NoError(t, err)
	assert.True(t, norm.IsAllDay)
	assert.Nil(t, norm.OriginalTimezone)
	assert.Equal(t, time.Date(2024, 5, 3, 0, 0, 0, 0, time.UTC), norm.Start)
	assert.Equal(t, models.MeetingStatusTentative, norm.Status)
	assert.True(t, norm.IsRecurring)
}

func odataError(status int, code string) error {
	mainErr := odataerrors.NewMainError()
	mainErr.SetCode(strPtr(code))
	e := odataerrors.NewODataError()
	e.ResponseStatusCode = status
	e.SetErrorEscaped(mainErr)
	return e
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unauthorized", odataError(401, "InvalidAuthenticationToken"), apperrors.ErrAuthExpired},
		{"token code on 403", odataError(403, "InvalidAuthenticationToken"), apperrors.ErrAuthExpired},
		{"throttled", odataError(429, "TooManyRequests"), apperrors.ErrTransient},
		{"server error", odataError(503, "ServiceNotAvailable"), apperrors.ErrTransient},
		{"mailbox missing", odataError(404, "MailboxNotEnabledForRESTAPI"), apperrors.ErrNotFound},
		{"network", errors.New("dial tcp: connection refused"), apperrors.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(context.Background(), tt.err), tt.want)
		})
	}
}

func TestClassify_CancelledContextIsTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := classify(ctx, odataError(401, "InvalidAuthenticationToken"))
	assert.ErrorIs(t, err, apperrors.ErrTransient)
}

func TestStaticTokenCredential(t *testing.T) {
	expiry := time.Now().Add(10 * time.Minute).Truncate(time.Second)
	c := &staticTokenCredential{token: "graph-access", expiry: expiry}

	tok, err := c.GetToken(context.Background(), policy.TokenRequestOptions{})
	require.NoError(t, err)
	assert.Equal(t, "graph-access", tok.Token)
	assert.True(t, tok.ExpiresOn.Equal(expiry))
}
