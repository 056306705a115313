// Package outlook fetches events from Microsoft Graph.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	graphmodels "github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"go.uber.org/zap"

	"github.com/Martian-dev/ai-brain-calendar/internal/apperrors"
	"github.com/Martian-dev/ai-brain-calendar/internal/auth"
	"github.com/Martian-dev/ai-brain-calendar/internal/calendar"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
)

const pageSize int32 = 100

// Adapter implements the provider adapter for Outlook/Microsoft Graph
type Adapter struct {
	logger *zap.Logger
}

// New creates a new Outlook adapter
func New(logger *zap.Logger) *Adapter {
	return &Adapter{logger: logger.Named("outlook-calendar")}
}

// Name returns the provider this adapter serves.
func (a *Adapter) Name() models.Provider {
	return models.ProviderMicrosoft
}

// Normalize converts a raw Graph event.
func (a *Adapter) Normalize(raw calendar.RawEvent) (*models.NormalizedEvent, error) {
	return calendar.Normalize(raw)
}

// FetchEvents reads the signed-in user's calendar view for [from, to].
// calendarView expands recurring series into occurrences server-side.
func (a *Adapter) FetchEvents(ctx context.Context, cred *auth.Credential, from, to time.Time) ([]calendar.RawEvent, error) {
	if cred == nil || cred.Token == nil {
		return nil, apperrors.AuthExpired(string(models.ProviderMicrosoft), errors.New("missing credential"))
	}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(
		&staticTokenCredential{token: cred.Token.AccessToken, expiry: cred.Token.Expiry},
		[]string{"https://graph.microsoft.com/.default"},
	)
	if err != nil {
		return nil, apperrors.Transient(string(models.ProviderMicrosoft), fmt.Errorf("failed to create Graph client: %w", err))
	}

	headers := abstractions.NewRequestHeaders()
	headers.Add("Prefer", `outlook.timezone="UTC"`)

	start := from.UTC().Format(time.RFC3339)
	end := to.UTC().Format(time.RFC3339)
	top := pageSize
	requestConfig := &users.ItemCalendarViewRequestBuilderGetRequestConfiguration{
		Headers: headers,
		QueryParameters: &users.ItemCalendarViewRequestBuilderGetQueryParameters{
			StartDateTime: &start,
			EndDateTime:   &end,
			Top:           &top,
		},
	}

	result, err := client.Me().CalendarView().Get(ctx, requestConfig)
	if err != nil {
		return nil, classify(ctx, err)
	}

	pageIterator, err := msgraphcore.NewPageIterator[graphmodels.Eventable](
		result, client.GetAdapter(), graphmodels.CreateEventCollectionResponseFromDiscriminatorValue)
	if err != nil {
		return nil, apperrors.Transient(string(models.ProviderMicrosoft), fmt.Errorf("failed to create page iterator: %w", err))
	}
	pageIterator.SetHeaders(headers)

	var events []calendar.RawEvent
	err = pageIterator.Iterate(ctx, func(ev graphmodels.Eventable) bool {
		if ev != nil {
			events = append(events, toRawEvent(ev))
		}
		return true
	})
	if err != nil {
		return nil, classify(ctx, err)
	}

	a.logger.Debug("fetched events",
		zap.String("connection_id", cred.ConnectionID.String()),
		zap.Int("count", len(events)))
	return events, nil
}

// classify maps a Graph failure onto the fetch error taxonomy.
func classify(ctx context.Context, err error) error {
	const provider = string(models.ProviderMicrosoft)

	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Transient(provider, fmt.Errorf("request timed out: %w", err))
	}

	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		code := ""
		if mainErr := odataErr.GetErrorEscaped(); mainErr != nil && mainErr.GetCode() != nil {
			code = *mainErr.GetCode()
		}
		switch {
		case odataErr.ResponseStatusCode == http.StatusUnauthorized,
			code == "InvalidAuthenticationToken",
			code == "AuthenticationError":
			return apperrors.AuthExpired(provider, fmt.Errorf("%s: %w", code, err))
		case odataErr.ResponseStatusCode == http.StatusNotFound,
			code == "ErrorItemNotFound",
			code == "MailboxNotEnabledForRESTAPI":
			return &apperrors.FetchError{Provider: provider, Kind: apperrors.KindNotFound, Err: err}
		}
		return apperrors.Transient(provider, fmt.Errorf("%s (status %d): %w", code, odataErr.ResponseStatusCode, err))
	}

	return apperrors.Transient(provider, err)
}

// toRawEvent converts a Graph event to the provider-agnostic raw shape
func toRawEvent(ev graphmodels.Eventable) calendar.RawEvent {
	raw := calendar.RawEvent{
		Provider:         models.ProviderMicrosoft,
		ExternalID:       str(ev.GetId()),
		Title:            str(ev.GetSubject()),
		Start:            rawTime(ev.GetStart()),
		End:              rawTime(ev.GetEnd()),
		AllDay:           boolean(ev.GetIsAllDay()),
		OriginalTimezone: str(ev.GetOriginalStartTimeZone()),
		RecurringEventID: str(ev.GetSeriesMasterId()),
		Status:           status(ev),
	}

	if body := ev.GetBody(); body != nil && body.GetContent() != nil {
		raw.Description = *body.GetContent()
	} else {
		raw.Description = str(ev.GetBodyPreview())
	}
	if loc := ev.GetLocation(); loc != nil {
		raw.Location = str(loc.GetDisplayName())
	}

	if t := ev.GetTypeEscaped(); t != nil {
		switch *t {
		case graphmodels.OCCURRENCE_EVENTTYPE, graphmodels.EXCEPTION_EVENTTYPE, graphmodels.SERIESMASTER_EVENTTYPE:
			raw.Recurring = true
		}
	}
	raw.RecurrenceRule = recurrenceRule(ev.GetRecurrence())

	if om := ev.GetOnlineMeeting(); om != nil && om.GetJoinUrl() != nil && *om.GetJoinUrl() != "" {
		raw.EntryPoints = append(raw.EntryPoints, calendar.EntryPoint{Type: calendar.EntryPointVideo, URI: *om.GetJoinUrl()})
	}
	if u := str(ev.GetOnlineMeetingUrl()); u != "" {
		raw.EntryPoints = append(raw.EntryPoints, calendar.EntryPoint{Type: calendar.EntryPointVideo, URI: u})
	}

	for _, att := range ev.GetAttendees() {
		if att == nil || att.GetEmailAddress() == nil {
			continue
		}
		if t := att.GetTypeEscaped(); t != nil && *t == graphmodels.RESOURCE_ATTENDEETYPE {
			continue
		}
		ra := calendar.RawAttendee{
			Email:       str(att.GetEmailAddress().GetAddress()),
			DisplayName: str(att.GetEmailAddress().GetName()),
		}
		if st := att.GetStatus(); st != nil && st.GetResponse() != nil {
			ra.ResponseStatus = st.GetResponse().String()
		}
		raw.Attendees = append(raw.Attendees, ra)
	}

	if org := ev.GetOrganizer(); org != nil && org.GetEmailAddress() != nil {
		raw.Organizer = &calendar.RawAttendee{
			Email:       str(org.GetEmailAddress().GetAddress()),
			DisplayName: str(org.GetEmailAddress().GetName()),
			Organizer:   true,
		}
	}
	return raw
}

func status(ev graphmodels.Eventable) string {
	if boolean(ev.GetIsCancelled()) {
		return string(models.MeetingStatusCancelled)
	}
	if sa := ev.GetShowAs(); sa != nil && *sa == graphmodels.TENTATIVE_FREEBUSYSTATUS {
		return string(models.MeetingStatusTentative)
	}
	return string(models.MeetingStatusConfirmed)
}

func rawTime(dt graphmodels.DateTimeTimeZoneable) calendar.RawTime {
	if dt == nil {
		return calendar.RawTime{}
	}
	return calendar.RawTime{DateTime: str(dt.GetDateTime()), TimeZone: str(dt.GetTimeZone())}
}

// recurrenceRule renders a Graph recurrence pattern as an RRULE line.
func recurrenceRule(r graphmodels.PatternedRecurrenceable) string {
	if r == nil || r.GetPattern() == nil || r.GetPattern().GetTypeEscaped() == nil {
		return ""
	}
	p := r.GetPattern()

	var freq string
	switch *p.GetTypeEscaped() {
	case graphmodels.DAILY_RECURRENCEPATTERNTYPE:
		freq = "DAILY"
	case graphmodels.WEEKLY_RECURRENCEPATTERNTYPE:
		freq = "WEEKLY"
	case graphmodels.ABSOLUTEMONTHLY_RECURRENCEPATTERNTYPE, graphmodels.RELATIVEMONTHLY_RECURRENCEPATTERNTYPE:
		freq = "MONTHLY"
	case graphmodels.ABSOLUTEYEARLY_RECURRENCEPATTERNTYPE, graphmodels.RELATIVEYEARLY_RECURRENCEPATTERNTYPE:
		freq = "YEARLY"
	default:
		return ""
	}

	rule := "RRULE:FREQ=" + freq
	if iv := p.GetInterval(); iv != nil && *iv > 1 {
		rule += fmt.Sprintf(";INTERVAL=%d", *iv)
	}
	if days := p.GetDaysOfWeek(); len(days) > 0 {
		codes := make([]string, 0, len(days))
		for _, d := range days {
			codes = append(codes, strings.ToUpper(d.String()[:2]))
		}
		rule += ";BYDAY=" + strings.Join(codes, ",")
	}
	return rule
}

func str(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func boolean(p *bool) bool {
	return p != nil && *p
}

// staticTokenCredential hands an already refreshed access token to the Graph client
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	expiresOn := c.expiry
	if expiresOn.IsZero() {
		expiresOn = time.Now().Add(1 * time.Hour)
	}
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: expiresOn,
	}, nil
}
