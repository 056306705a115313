package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/ai-brain-calendar/internal/apperrors"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
	"github.com/Martian-dev/ai-brain-calendar/internal/store"
)

// mockConnectionStore keeps connections in memory.
type mockConnectionStore struct {
	conns     map[uuid.UUID]*models.CalendarConnection
	updateErr error
	updates   []models.CredentialUpdate
	reauth    []string
}

func newMockConnectionStore(conns ...*models.CalendarConnection) *mockConnectionStore {
	s := &mockConnectionStore{conns: make(map[uuid.UUID]*models.CalendarConnection)}
	for _, c := range conns {
		s.conns[c.ID] = c
	}
	return s
}

func (s *mockConnectionStore) CreateConnection(ctx context.Context, conn *models.CalendarConnection) error {
	s.conns[conn.ID] = conn
	return nil
}

func (s *mockConnectionStore) GetConnection(ctx context.Context, id uuid.UUID) (*models.CalendarConnection, error) {
	c, ok := s.conns[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *mockConnectionStore) ListSyncableConnections(ctx context.Context, orgID uuid.UUID) ([]*models.CalendarConnection, error) {
	return nil, errors.New("not implemented")
}

func (s *mockConnectionStore) ListSyncableOrganizations(ctx context.Context) ([]uuid.UUID, error) {
	return nil, errors.New("not implemented")
}

func (s *mockConnectionStore) UpdateCredentials(ctx context.Context, id uuid.UUID, upd models.CredentialUpdate) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	c, ok := s.conns[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	s.updates = append(s.updates, upd)
	c.AccessToken = upd.AccessToken
	if upd.RefreshToken != "" {
		c.RefreshToken = upd.RefreshToken
	}
	c.TokenExpiry = upd.Expiry
	c.NeedsReauth = false
	return nil
}

func (s *mockConnectionStore) MarkNeedsReauth(ctx context.Context, id uuid.UUID, reason string) error {
	c, ok := s.conns[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	c.NeedsReauth = true
	s.reauth = append(s.reauth, reason)
	return nil
}

func (s *mockConnectionStore) RecordSyncResult(ctx context.Context, id uuid.UUID, upd models.SyncStatusUpdate, msg *store.OutboxMessage) error {
	return errors.New("not implemented")
}

// mockRefresher returns a canned token or error.
type mockRefresher struct {
	token *oauth2.Token
	err   error
	calls int
}

func (r *mockRefresher) Refresh(ctx context.Context, provider models.Provider, refreshToken string) (*oauth2.Token, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.token, nil
}
