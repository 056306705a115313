// Package google fetches events from the Google Calendar API.
package google

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Martian-dev/ai-brain-calendar/internal/apperrors"
	"github.com/Martian-dev/ai-brain-calendar/internal/auth"
	"github.com/Martian-dev/ai-brain-calendar/internal/calendar"
	"github.com/Martian-dev/ai-brain-calendar/internal/logging"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
)

const (
	calendarID = "primary"
	pageSize   = 250
)

// Adapter implements the provider adapter for Google Calendar.
type Adapter struct {
	endpoint   string
	baseClient *http.Client
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithEndpoint points the adapter at a different API base URL.
func WithEndpoint(endpoint string) Option {
	return func(a *Adapter) { a.endpoint = endpoint }
}

// WithHTTPClient sets the transport that authorized requests are sent through.
func WithHTTPClient(hc *http.Client) Option {
	return func(a *Adapter) { a.baseClient = hc }
}

// WithBackOff replaces the per-page retry policy.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(a *Adapter) { a.newBackOff = fn }
}

// New creates a new Google Calendar adapter
func New(logger *zap.Logger, opts ...Option) *Adapter {
	a := &Adapter{
		logger: logger.Named("google-calendar"),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 8 * time.Second
			return backoff.WithMaxRetries(b, 4)
		},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the provider this adapter serves.
func (a *Adapter) Name() models.Provider {
	return models.ProviderGoogle
}

// Normalize converts a raw Google event.
func (a *Adapter) Normalize(raw calendar.RawEvent) (*models.NormalizedEvent, error) {
	return calendar.Normalize(raw)
}

// FetchEvents lists every event in the primary calendar overlapping
// [from, to]. Recurring series are expanded into single instances and
// cancelled instances are included so callers can tell them apart.
func (a *Adapter) FetchEvents(ctx context.Context, cred *auth.Credential, from, to time.Time) ([]calendar.RawEvent, error) {
	svc, err := a.service(ctx, cred)
	if err != nil {
		return nil, apperrors.Transient(string(models.ProviderGoogle), err)
	}

	call := svc.Events.List(calendarID).
		TimeMin(from.UTC().Format(time.RFC3339)).
		TimeMax(to.UTC().Format(time.RFC3339)).
		SingleEvents(true).
		ShowDeleted(true).
		OrderBy("startTime").
		MaxResults(pageSize)

	var events []calendar.RawEvent
	pageToken := ""
	for {
		page, err := a.fetchPage(ctx, call, pageToken)
		if err != nil {
			return nil, classify(ctx, err)
		}
		for _, item := range page.Items {
			events = append(events, toRawEvent(item))
		}
		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	a.logger.Debug("fetched events",
		zap.String("connection_id", cred.ConnectionID.String()),
		zap.Int("count", len(events)))
	return events, nil
}

func (a *Adapter) service(ctx context.Context, cred *auth.Credential) (*gcal.Service, error) {
	if cred == nil || cred.Token == nil {
		return nil, errors.New("missing credential")
	}

	if a.baseClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, a.baseClient)
	}
	// static source: refresh is the credential store's job
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(cred.Token))

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}

	svc, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Calendar service: %w", err)
	}
	return svc, nil
}

// fetchPage retrieves one page, retrying rate limits and server errors.
func (a *Adapter) fetchPage(ctx context.Context, call *gcal.EventsListCall, pageToken string) (*gcal.Events, error) {
	var page *gcal.Events
	op := func() error {
		var err error
		page, err = call.PageToken(pageToken).Context(ctx).Do()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Warn("retrying events page",
			zap.String("error", logging.SanitizeError(err)),
			zap.Duration("wait", wait))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(a.newBackOff(), ctx), notify); err != nil {
		return nil, err
	}
	return page, nil
}

func retryable(err error) bool {
	var gerr *googleapi.Error
	if !errors.As(err, &gerr) {
		return false
	}
	return gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500 || rateLimited(gerr)
}

func rateLimited(gerr *googleapi.Error) bool {
	if gerr.Code != http.StatusForbidden {
		return false
	}
	for _, item := range gerr.Errors {
		if item.Reason == "rateLimitExceeded" || item.Reason == "userRateLimitExceeded" {
			return true
		}
	}
	return false
}

// classify maps a Google failure onto the fetch error taxonomy.
func classify(ctx context.Context, err error) error {
	const provider = string(models.ProviderGoogle)

	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Transient(provider, fmt.Errorf("request timed out: %w", err))
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return apperrors.AuthExpired(provider, err)
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized:
			return apperrors.AuthExpired(provider, err)
		case gerr.Code == http.StatusForbidden && !rateLimited(gerr):
			// revoked scope or disabled account
			return apperrors.AuthExpired(provider, err)
		case gerr.Code == http.StatusNotFound:
			return &apperrors.FetchError{Provider: provider, Kind: apperrors.KindNotFound, Err: err}
		}
		return apperrors.Transient(provider, err)
	}

	// network failures and anything unrecognised
	return apperrors.Transient(provider, err)
}

// toRawEvent converts a Google event to the provider-agnostic raw shape
func toRawEvent(e *gcal.Event) calendar.RawEvent {
	raw := calendar.RawEvent{
		Provider:         models.ProviderGoogle,
		ExternalID:       e.Id,
		Status:           e.Status,
		Title:            e.Summary,
		Description:      e.Description,
		Location:         e.Location,
		Start:            rawTime(e.Start),
		End:              rawTime(e.End),
		RecurringEventID: e.RecurringEventId,
		Recurring:        e.RecurringEventId != "" || len(e.Recurrence) > 0,
		RecurrenceRule:   recurrenceRule(e.Recurrence),
	}
	if e.Start != nil {
		raw.AllDay = e.Start.Date != "" && e.Start.DateTime == ""
		raw.OriginalTimezone = e.Start.TimeZone
	}

	if e.ConferenceData != nil {
		for _, ep := range e.ConferenceData.EntryPoints {
			if ep == nil {
				continue
			}
			raw.EntryPoints = append(raw.EntryPoints, calendar.EntryPoint{Type: ep.EntryPointType, URI: ep.Uri})
		}
	}
	if e.HangoutLink != "" {
		raw.EntryPoints = append(raw.EntryPoints, calendar.EntryPoint{Type: calendar.EntryPointVideo, URI: e.HangoutLink})
	}

	for _, att := range e.Attendees {
		if att == nil || att.Resource {
			continue
		}
		raw.Attendees = append(raw.Attendees, calendar.RawAttendee{
			Email:          att.Email,
			DisplayName:    att.DisplayName,
			ResponseStatus: att.ResponseStatus,
			Organizer:      att.Organizer,
		})
	}
	if e.Organizer != nil {
		raw.Organizer = &calendar.RawAttendee{
			Email:       e.Organizer.Email,
			DisplayName: e.Organizer.DisplayName,
			Organizer:   true,
		}
	}
	return raw
}

func rawTime(t *gcal.EventDateTime) calendar.RawTime {
	if t == nil {
		return calendar.RawTime{}
	}
	return calendar.RawTime{DateTime: t.DateTime, Date: t.Date, TimeZone: t.TimeZone}
}

// recurrenceRule returns the RRULE line of a recurrence set, if any
func recurrenceRule(lines []string) string {
	for _, l := range lines {
		if strings.HasPrefix(strings.ToUpper(l), "RRULE:") {
			return l
		}
	}
	return ""
}
