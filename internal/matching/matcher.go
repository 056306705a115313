package matching

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Martian-dev/ai-brain-calendar/internal/apperrors"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
	"github.com/Martian-dev/ai-brain-calendar/internal/store"
)

// MatchResult is the outcome of matching one meeting.
type MatchResult struct {
	MeetingID  uuid.UUID   `json:"meeting_id"`
	BestMatch  *Candidate  `json:"best_match,omitempty"`
	AllMatches []Candidate `json:"all_matches"`
	Linked     bool        `json:"linked"`
}

// Matcher scores meetings against the organization's prospects and writes
// automatic links.
type Matcher struct {
	meetings  store.MeetingStore
	prospects store.ProspectStore
	combine   Combiner
	logger    *zap.Logger

	excludeFreeMail bool
}

// NewMatcher creates a Matcher using CombineMax.
func NewMatcher(meetings store.MeetingStore, prospects store.ProspectStore, logger *zap.Logger) *Matcher {
	return &Matcher{
		meetings:  meetings,
		prospects: prospects,
		combine:   CombineMax,
		logger:    logger.Named("matcher"),
	}
}

// WithCombiner replaces the score combination function.
func (m *Matcher) WithCombiner(c Combiner) *Matcher {
	m.combine = c
	return m
}

// WithFreeMailExclusion stops free-mail contact addresses (gmail.com and the
// like) from counting as a prospect domain.
func (m *Matcher) WithFreeMailExclusion(exclude bool) *Matcher {
	m.excludeFreeMail = exclude
	return m
}

// MatchMeetings runs matching for the given meetings of one organization.
// Meetings that already have a prospect are skipped. A failure on one meeting
// does not stop the others; all failures are returned joined.
func (m *Matcher) MatchMeetings(ctx context.Context, orgID uuid.UUID, meetingIDs []uuid.UUID) ([]*MatchResult, error) {
	if len(meetingIDs) == 0 {
		return nil, nil
	}
	prospects, err := m.prospects.ListProspects(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list prospects: %w", err)
	}

	var (
		results []*MatchResult
		errs    []error
	)
	for _, id := range meetingIDs {
		meeting, err := m.meetings.GetMeeting(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("load meeting %s: %w", id, err))
			continue
		}
		res, err := m.match(ctx, meeting, prospects)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res != nil {
			results = append(results, res)
		}
	}
	return results, errors.Join(errs...)
}

// SweepOrganization matches every unlinked, non-cancelled meeting of the
// organization.
func (m *Matcher) SweepOrganization(ctx context.Context, orgID uuid.UUID) ([]*MatchResult, error) {
	meetings, err := m.meetings.ListUnlinkedMeetings(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list unlinked meetings: %w", err)
	}
	if len(meetings) == 0 {
		return nil, nil
	}
	prospects, err := m.prospects.ListProspects(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("list prospects: %w", err)
	}

	var (
		results []*MatchResult
		errs    []error
	)
	for _, meeting := range meetings {
		res, err := m.match(ctx, meeting, prospects)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if res != nil {
			results = append(results, res)
		}
	}
	return results, errors.Join(errs...)
}

func (m *Matcher) match(ctx context.Context, meeting *models.Meeting, prospects []models.Prospect) (*MatchResult, error) {
	if meeting.ProspectID != nil || meeting.Status == models.MeetingStatusCancelled {
		return nil, nil
	}

	res := &MatchResult{
		MeetingID:  meeting.ID,
		AllMatches: rank(meeting, prospects, m.combine, m.excludeFreeMail),
	}
	if len(res.AllMatches) == 0 {
		return res, nil
	}
	best := res.AllMatches[0]
	res.BestMatch = &best
	if best.Confidence < AutoLinkThreshold {
		return res, nil
	}

	linked, err := m.meetings.AutoLinkProspect(ctx, meeting.ID, models.ProspectLink{
		ProspectID: best.Prospect.ID,
		Confidence: best.Confidence,
		LinkType:   models.LinkTypeAuto,
	})
	if err != nil {
		return nil, fmt.Errorf("link meeting %s: %w", meeting.ID, err)
	}
	res.Linked = linked
	if linked {
		m.logger.Debug("Meeting auto-linked",
			zap.String("meeting_id", meeting.ID.String()),
			zap.String("prospect_id", best.Prospect.ID.String()),
			zap.Float64("confidence", best.Confidence))
	}
	return res, nil
}

// Candidates returns the ranked prospects for a meeting without writing
// anything, whether or not it is already linked.
func (m *Matcher) Candidates(ctx context.Context, meetingID uuid.UUID) (*MatchResult, error) {
	meeting, err := m.meetings.GetMeeting(ctx, meetingID)
	if err != nil {
		return nil, fmt.Errorf("load meeting: %w", err)
	}
	prospects, err := m.prospects.ListProspects(ctx, meeting.OrganizationID)
	if err != nil {
		return nil, fmt.Errorf("list prospects: %w", err)
	}

	res := &MatchResult{
		MeetingID:  meeting.ID,
		AllMatches: rank(meeting, prospects, m.combine, m.excludeFreeMail),
		Linked:     meeting.ProspectID != nil,
	}
	if len(res.AllMatches) > 0 {
		best := res.AllMatches[0]
		res.BestMatch = &best
	}
	return res, nil
}

// LinkManually links a meeting to a prospect chosen by a user. Manual links
// take precedence over automatic ones and are never overwritten by matching.
func (m *Matcher) LinkManually(ctx context.Context, meetingID, prospectID uuid.UUID) error {
	meeting, err := m.meetings.GetMeeting(ctx, meetingID)
	if err != nil {
		return fmt.Errorf("load meeting: %w", err)
	}
	prospect, err := m.prospects.GetProspect(ctx, prospectID)
	if err != nil {
		return fmt.Errorf("load prospect: %w", err)
	}
	if prospect.OrganizationID != meeting.OrganizationID {
		return fmt.Errorf("prospect %s belongs to another organization: %w", prospectID, apperrors.ErrNotFound)
	}

	if err := m.meetings.SetProspectLink(ctx, meetingID, models.ProspectLink{
		ProspectID: prospectID,
		Confidence: 1,
		LinkType:   models.LinkTypeManual,
	}); err != nil {
		return fmt.Errorf("set prospect link: %w", err)
	}
	return nil
}
