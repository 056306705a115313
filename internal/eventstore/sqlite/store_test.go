package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/ai-brain-calendar/internal/apperrors"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
	"github.com/Martian-dev/ai-brain-calendar/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "calendar.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createConnection(t *testing.T, s *Store, orgID uuid.UUID) *models.CalendarConnection {
	t.Helper()
	conn := &models.CalendarConnection{
		OrganizationID: orgID,
		UserID:         uuid.New(),
		Provider:       models.ProviderGoogle,
		AccessToken:    "sealed-access",
		RefreshToken:   "sealed-refresh",
		TokenExpiry:    time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		SyncEnabled:    true,
	}
	require.NoError(t, s.CreateConnection(context.Background(), conn))
	return conn
}

func newMeeting(conn *models.CalendarConnection, externalID string) *models.Meeting {
	tz := "Europe/Amsterdam"
	m := &models.Meeting{
		ConnectionID:   conn.ID,
		OrganizationID: conn.OrganizationID,
	}
	m.ApplyEvent(&models.NormalizedEvent{
		ExternalID:       externalID,
		Start:            time.Date(2024, 5, 2, 9, 0, 0, 0, time.UTC),
		End:              time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC),
		OriginalTimezone: &tz,
		Title:            "Acme – Kickoff Call",
		Location:         "https://acme.zoom.us/j/1",
		IsOnline:         true,
		MeetingURL:       "https://acme.zoom.us/j/1",
		Status:           models.MeetingStatusConfirmed,
		Participants: []models.Participant{
			{Email: "me@ours.com", ResponseStatus: models.ResponseAccepted, IsOrganizer: true},
			{Email: "jane@acme.com", DisplayName: "Jane", ResponseStatus: models.ResponseNeedsAction},
		},
	})
	return m
}

func TestStore_ConnectionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orgID := uuid.New()
	conn := createConnection(t, s, orgID)

	got, err := s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, conn.ID, got.ID)
	assert.Equal(t, orgID, got.OrganizationID)
	assert.Equal(t, models.ProviderGoogle, got.Provider)
	assert.Equal(t, "sealed-access", got.AccessToken)
	assert.Equal(t, "sealed-refresh", got.RefreshToken)
	assert.True(t, got.TokenExpiry.Equal(conn.TokenExpiry))
	assert.True(t, got.SyncEnabled)
	assert.False(t, got.NeedsReauth)
	assert.Nil(t, got.LastSyncAt)

	_, err = s.GetConnection(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStore_ListSyncable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orgA, orgB := uuid.New(), uuid.New()

	enabled := createConnection(t, s, orgA)
	disabled := &models.CalendarConnection{OrganizationID: orgA, UserID: uuid.New(), Provider: models.ProviderMicrosoft}
	require.NoError(t, s.CreateConnection(ctx, disabled))
	createConnection(t, s, orgB)

	conns, err := s.ListSyncableConnections(ctx, orgA)
	require.NoError(t, err)
	require.Len(t, conns, 1)
	assert.Equal(t, enabled.ID, conns[0].ID)

	orgs, err := s.ListSyncableOrganizations(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{orgA, orgB}, orgs)
}

func TestStore_UpdateCredentials(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conn := createConnection(t, s, uuid.New())
	require.NoError(t, s.MarkNeedsReauth(ctx, conn.ID, "invalid_grant"))

	expiry := time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateCredentials(ctx, conn.ID, models.CredentialUpdate{AccessToken: "new-access", Expiry: expiry}))

	got, err := s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "new-access", got.AccessToken)
	assert.Equal(t, "sealed-refresh", got.RefreshToken, "empty refresh token keeps the stored one")
	assert.True(t, got.TokenExpiry.Equal(expiry))
	assert.False(t, got.NeedsReauth)

	require.NoError(t, s.UpdateCredentials(ctx, conn.ID, models.CredentialUpdate{AccessToken: "a", RefreshToken: "rotated", Expiry: expiry}))
	got, err = s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.RefreshToken)

	err = s.UpdateCredentials(ctx, uuid.New(), models.CredentialUpdate{AccessToken: "a"})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStore_MarkNeedsReauth(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conn := createConnection(t, s, uuid.New())

	require.NoError(t, s.MarkNeedsReauth(ctx, conn.ID, "refresh token revoked"))
	got, err := s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsReauth)
	assert.Equal(t, "refresh token revoked", got.LastSyncError)
}

func TestStore_RecordSyncResultWritesOutbox(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conn := createConnection(t, s, uuid.New())
	at := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	msg := &store.OutboxMessage{
		Subject:   "calendar." + conn.OrganizationID.String() + ".sync.completed",
		EventType: "calendar.sync.completed",
		Payload:   []byte(`{"status":"partial"}`),
		MsgID:     uuid.NewString(),
	}
	require.NoError(t, s.RecordSyncResult(ctx, conn.ID, models.SyncStatusUpdate{
		At:     at,
		Status: models.SyncStatusPartial,
		Error:  "1 event skipped",
	}, msg))

	got, err := s.GetConnection(ctx, conn.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncAt)
	assert.True(t, got.LastSyncAt.Equal(at))
	assert.Equal(t, models.SyncStatusPartial, got.LastSyncStatus)
	assert.Equal(t, "1 event skipped", got.LastSyncError)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, msg.Subject, pending[0].Subject)
	assert.Equal(t, msg.MsgID, pending[0].MsgID)
	assert.JSONEq(t, `{"status":"partial"}`, string(pending[0].Payload))
}

func TestStore_RecordSyncResultRollsBackOnMissingConnection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.RecordSyncResult(ctx, uuid.New(), models.SyncStatusUpdate{At: time.Now(), Status: models.SyncStatusFailed},
		&store.OutboxMessage{Subject: "x", EventType: "x", Payload: []byte("{}"), MsgID: uuid.NewString()})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestStore_OutboxRetryAndPublish(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conn := createConnection(t, s, uuid.New())

	for i := 0; i < 2; i++ {
		require.NoError(t, s.RecordSyncResult(ctx, conn.ID, models.SyncStatusUpdate{At: time.Now(), Status: models.SyncStatusSuccess},
			&store.OutboxMessage{Subject: "s", EventType: "e", Payload: []byte("{}"), MsgID: uuid.NewString()}))
	}

	pending, err := s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	require.NoError(t, s.MarkPublished(ctx, pending[0].ID))
	require.NoError(t, s.MarkOutboxRetry(ctx, pending[1].ID, time.Hour))

	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	pending, err = s.DequeueOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Retries)
}

func TestStore_MeetingLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conn := createConnection(t, s, uuid.New())

	m := newMeeting(conn, "E1")
	require.NoError(t, s.InsertMeeting(ctx, m))
	require.NotEqual(t, uuid.Nil, m.ID)

	got, err := s.GetMeetingByExternalID(ctx, conn.ID, "E1")
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	assert.Equal(t, "Acme – Kickoff Call", got.Title)
	assert.True(t, got.Start.Equal(m.Start))
	require.NotNil(t, got.OriginalTimezone)
	assert.Equal(t, "Europe/Amsterdam", *got.OriginalTimezone)
	assert.Equal(t, m.Participants, got.Participants)
	assert.Equal(t, m.ContentHash, got.ContentHash)
	assert.Equal(t, models.LinkTypeNone, got.LinkType)
	assert.True(t, got.IsOnline)

	// natural key is unique
	dup := newMeeting(conn, "E1")
	err = s.InsertMeeting(ctx, dup)
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	got.Title = "Acme – Kickoff Call (moved)"
	got.OriginalTimezone = nil
	require.NoError(t, s.UpdateMeeting(ctx, got))

	again, err := s.GetMeeting(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, "Acme – Kickoff Call (moved)", again.Title)
	assert.Nil(t, again.OriginalTimezone)

	_, err = s.GetMeeting(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestStore_CancelMeetingsScopedByConnection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	orgID := uuid.New()
	connA := createConnection(t, s, orgID)
	connB := createConnection(t, s, orgID)

	a1 := newMeeting(connA, "E1")
	a2 := newMeeting(connA, "E2")
	b1 := newMeeting(connB, "E1")
	for _, m := range []*models.Meeting{a1, a2, b1} {
		require.NoError(t, s.InsertMeeting(ctx, m))
	}

	n, err := s.CancelMeetings(ctx, connA.ID, []uuid.UUID{a1.ID, b1.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	active, err := s.ListActiveMeetings(ctx, connA.ID)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, a2.ID, active[0].ID)

	activeB, err := s.ListActiveMeetings(ctx, connB.ID)
	require.NoError(t, err)
	assert.Len(t, activeB, 1)

	// already cancelled rows are not counted again
	n, err = s.CancelMeetings(ctx, connA.ID, []uuid.UUID{a1.ID})
	require.NoError(t, err)
	assert.Zero(t, n)

	cancelled, err := s.GetMeetingByExternalID(ctx, connA.ID, "E1")
	require.NoError(t, err)
	assert.Equal(t, models.MeetingStatusCancelled, cancelled.Status)

	n, err = s.CancelMeetings(ctx, connA.ID, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStore_ProspectLinks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	conn := createConnection(t, s, uuid.New())

	acme := &models.Prospect{OrganizationID: conn.OrganizationID, CompanyName: "Acme B.V.", Website: "acme.com"}
	globex := &models.Prospect{OrganizationID: conn.OrganizationID, CompanyName: "Globex"}
	require.NoError(t, s.CreateProspect(ctx, acme))
	require.NoError(t, s.CreateProspect(ctx, globex))
	require.NoError(t, s.CreateProspect(ctx, &models.Prospect{OrganizationID: uuid.New(), CompanyName: "Elsewhere"}))

	prospects, err := s.ListProspects(ctx, conn.OrganizationID)
	require.NoError(t, err)
	require.Len(t, prospects, 2)
	assert.Equal(t, acme.ID, prospects[0].ID)
	assert.Equal(t, globex.ID, prospects[1].ID)

	m := newMeeting(conn, "E1")
	require.NoError(t, s.InsertMeeting(ctx, m))

	unlinked, err := s.ListUnlinkedMeetings(ctx, conn.OrganizationID)
	require.NoError(t, err)
	assert.Len(t, unlinked, 1)

	require.NoError(t, s.SetProspectLink(ctx, m.ID, models.ProspectLink{ProspectID: globex.ID, Confidence: 1, LinkType: models.LinkTypeManual}))

	linked, err := s.AutoLinkProspect(ctx, m.ID, models.ProspectLink{ProspectID: acme.ID, Confidence: 0.9, LinkType: models.LinkTypeAuto})
	require.NoError(t, err)
	assert.False(t, linked, "manual link must not be overwritten")

	got, err := s.GetMeeting(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ProspectID)
	assert.Equal(t, globex.ID, *got.ProspectID)
	assert.Equal(t, models.LinkTypeManual, got.LinkType)

	unlinked, err = s.ListUnlinkedMeetings(ctx, conn.OrganizationID)
	require.NoError(t, err)
	assert.Empty(t, unlinked)

	// updating provider fields keeps linkage
	got.Title = "Renamed"
	require.NoError(t, s.UpdateMeeting(ctx, got))
	got, err = s.GetMeeting(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, globex.ID, *got.ProspectID)

	_, err = s.GetProspect(ctx, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
