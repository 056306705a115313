package matching

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/Martian-dev/ai-brain-calendar/internal/apperrors"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
)

// mockMeetingStore keeps meetings in a map and records link writes.
type mockMeetingStore struct {
	meetings map[uuid.UUID]*models.Meeting
	linkErr  error
	links    int
}

func newMockMeetingStore(meetings ...*models.Meeting) *mockMeetingStore {
	s := &mockMeetingStore{meetings: make(map[uuid.UUID]*models.Meeting)}
	for _, m := range meetings {
		s.meetings[m.ID] = m
	}
	return s
}

func (s *mockMeetingStore) ListActiveMeetings(ctx context.Context, connectionID uuid.UUID) ([]*models.Meeting, error) {
	return nil, errors.New("not implemented")
}

func (s *mockMeetingStore) GetMeeting(ctx context.Context, id uuid.UUID) (*models.Meeting, error) {
	m, ok := s.meetings[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	c := *m
	return &c, nil
}

func (s *mockMeetingStore) GetMeetingByExternalID(ctx context.Context, connectionID uuid.UUID, externalID string) (*models.Meeting, error) {
	return nil, apperrors.ErrNotFound
}

func (s *mockMeetingStore) InsertMeeting(ctx context.Context, m *models.Meeting) error {
	return errors.New("not implemented")
}

func (s *mockMeetingStore) UpdateMeeting(ctx context.Context, m *models.Meeting) error {
	return errors.New("not implemented")
}

func (s *mockMeetingStore) CancelMeetings(ctx context.Context, connectionID uuid.UUID, ids []uuid.UUID) (int, error) {
	return 0, errors.New("not implemented")
}

func (s *mockMeetingStore) ListUnlinkedMeetings(ctx context.Context, orgID uuid.UUID) ([]*models.Meeting, error) {
	var out []*models.Meeting
	for _, m := range s.meetings {
		if m.OrganizationID == orgID && m.ProspectID == nil && m.Status != models.MeetingStatusCancelled {
			c := *m
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *mockMeetingStore) AutoLinkProspect(ctx context.Context, meetingID uuid.UUID, link models.ProspectLink) (bool, error) {
	if s.linkErr != nil {
		return false, s.linkErr
	}
	m, ok := s.meetings[meetingID]
	if !ok {
		return false, apperrors.ErrNotFound
	}
	if m.ProspectID != nil {
		return false, nil
	}
	s.apply(m, link)
	return true, nil
}

func (s *mockMeetingStore) SetProspectLink(ctx context.Context, meetingID uuid.UUID, link models.ProspectLink) error {
	if s.linkErr != nil {
		return s.linkErr
	}
	m, ok := s.meetings[meetingID]
	if !ok {
		return apperrors.ErrNotFound
	}
	s.apply(m, link)
	return nil
}

func (s *mockMeetingStore) apply(m *models.Meeting, link models.ProspectLink) {
	id := link.ProspectID
	m.ProspectID = &id
	m.MatchConfidence = link.Confidence
	m.LinkType = link.LinkType
	s.links++
}

// mockProspectStore serves a fixed prospect list.
type mockProspectStore struct {
	prospects []models.Prospect
	err       error
}

func (s *mockProspectStore) CreateProspect(ctx context.Context, p *models.Prospect) error {
	s.prospects = append(s.prospects, *p)
	return nil
}

func (s *mockProspectStore) GetProspect(ctx context.Context, id uuid.UUID) (*models.Prospect, error) {
	for _, p := range s.prospects {
		if p.ID == id {
			c := p
			return &c, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (s *mockProspectStore) ListProspects(ctx context.Context, orgID uuid.UUID) ([]models.Prospect, error) {
	if s.err != nil {
		return nil, s.err
	}
	var out []models.Prospect
	for _, p := range s.prospects {
		if p.OrganizationID == orgID {
			out = append(out, p)
		}
	}
	return out, nil
}
