package sync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/ai-brain-calendar/internal/auth"
	"github.com/Martian-dev/ai-brain-calendar/internal/calendar"
	"github.com/Martian-dev/ai-brain-calendar/internal/config"
	"github.com/Martian-dev/ai-brain-calendar/internal/crypto"
	"github.com/Martian-dev/ai-brain-calendar/internal/eventstore/sqlite"
	"github.com/Martian-dev/ai-brain-calendar/internal/matching"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
)

var eventDay = time.Now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

// fakeAdapter serves canned events and records what it was asked for.
type fakeAdapter struct {
	mu        sync.Mutex
	provider  models.Provider
	events    []calendar.RawEvent
	err       error
	block     chan struct{}
	onFetch   func()
	calls     int
	lastToken string
	lastFrom  time.Time
	lastTo    time.Time
}

func newFakeAdapter(provider models.Provider) *fakeAdapter {
	return &fakeAdapter{provider: provider}
}

func (a *fakeAdapter) Name() models.Provider { return a.provider }

func (a *fakeAdapter) Normalize(raw calendar.RawEvent) (*models.NormalizedEvent, error) {
	return calendar.Normalize(raw)
}

func (a *fakeAdapter) FetchEvents(ctx context.Context, cred *auth.Credential, from, to time.Time) ([]calendar.RawEvent, error) {
	a.mu.Lock()
	a.calls++
	a.lastToken = cred.Token.AccessToken
	a.lastFrom, a.lastTo = from, to
	events := append([]calendar.RawEvent(nil), a.events...)
	err := a.err
	block := a.block
	onFetch := a.onFetch
	a.mu.Unlock()

	if onFetch != nil {
		onFetch()
	}
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (a *fakeAdapter) set(events ...calendar.RawEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = events
	a.err = nil
}

func (a *fakeAdapter) fail(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.err = err
}

func (a *fakeAdapter) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func rawEvent(id, title string, start time.Time, attendees ...string) calendar.RawEvent {
	raw := calendar.RawEvent{
		Provider:   models.ProviderGoogle,
		ExternalID: id,
		Status:     "confirmed",
		Title:      title,
		Start:      calendar.RawTime{DateTime: start.Format(time.RFC3339)},
		End:        calendar.RawTime{DateTime: start.Add(time.Hour).Format(time.RFC3339)},
		Organizer:  &calendar.RawAttendee{Email: "me@ours.com"},
	}
	for _, email := range attendees {
		raw.Attendees = append(raw.Attendees, calendar.RawAttendee{Email: email, ResponseStatus: "needsAction"})
	}
	return raw
}

// fakeRefresher returns a canned token or error.
type fakeRefresher struct {
	token *oauth2.Token
	err   error
	calls int
}

func (r *fakeRefresher) Refresh(ctx context.Context, provider models.Provider, refreshToken string) (*oauth2.Token, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	if r.token == nil {
		return nil, errors.New("no token configured")
	}
	return r.token, nil
}

type syncFixture struct {
	store     *sqlite.Store
	sealer    *crypto.TokenSealer
	refresher *fakeRefresher
	adapter   *fakeAdapter
	creds     *auth.CredentialStore
	matcher   *matching.Matcher
	orch      *Orchestrator
	orgID     uuid.UUID
	conn      *models.CalendarConnection
}

func newSyncFixture(t *testing.T) *syncFixture {
	t.Helper()
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "calendar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	sealer, err := crypto.NewTokenSealer("sync-test-key")
	require.NoError(t, err)

	f := &syncFixture{
		store:     st,
		sealer:    sealer,
		refresher: &fakeRefresher{},
		adapter:   newFakeAdapter(models.ProviderGoogle),
		orgID:     uuid.New(),
	}
	f.creds = auth.NewCredentialStore(st, sealer, f.refresher, time.Minute, zap.NewNop())
	f.matcher = matching.NewMatcher(st, st, zap.NewNop())
	f.orch = NewOrchestrator(st, f.creds, NewRegistry(f.adapter), NewReconciler(st, zap.NewNop()), f.matcher,
		config.SyncConfig{LookaheadDays: 14, FetchTimeout: time.Second}, zap.NewNop())
	f.conn = f.addConnection(t, f.orgID, time.Now().Add(time.Hour), true)
	return f
}

func (f *syncFixture) addConnection(t *testing.T, orgID uuid.UUID, expiry time.Time, enabled bool) *models.CalendarConnection {
	t.Helper()
	access, err := f.sealer.Seal("access-1")
	require.NoError(t, err)
	refresh, err := f.sealer.Seal("refresh-1")
	require.NoError(t, err)

	conn := &models.CalendarConnection{
		OrganizationID: orgID,
		UserID:         uuid.New(),
		Provider:       models.ProviderGoogle,
		AccessToken:    access,
		RefreshToken:   refresh,
		TokenExpiry:    expiry,
		SyncEnabled:    enabled,
	}
	require.NoError(t, f.store.CreateConnection(context.Background(), conn))
	return conn
}

func (f *syncFixture) connection(t *testing.T) *models.CalendarConnection {
	t.Helper()
	c, err := f.store.GetConnection(context.Background(), f.conn.ID)
	require.NoError(t, err)
	return c
}

func (f *syncFixture) activeMeetings(t *testing.T) []*models.Meeting {
	t.Helper()
	ms, err := f.store.ListActiveMeetings(context.Background(), f.conn.ID)
	require.NoError(t, err)
	return ms
}

func (f *syncFixture) meeting(t *testing.T, externalID string) *models.Meeting {
	t.Helper()
	m, err := f.store.GetMeetingByExternalID(context.Background(), f.conn.ID, externalID)
	require.NoError(t, err)
	return m
}

// fakeLocker grants or refuses every lock.
type fakeLocker struct {
	mu       sync.Mutex
	grant    bool
	err      error
	acquired []string
	released int
}

func (l *fakeLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if !l.grant {
		return nil, false, nil
	}
	l.acquired = append(l.acquired, key)
	return func() {
		l.mu.Lock()
		l.released++
		l.mu.Unlock()
	}, true, nil
}

// fakePublisher records published messages and fails on demand.
type fakePublisher struct {
	mu        sync.Mutex
	err       error
	published []string
}

func (p *fakePublisher) Publish(ctx context.Context, subject string, payload []byte, msgID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, subject)
	return nil
}
