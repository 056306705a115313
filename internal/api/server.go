// Package api exposes sync triggers, connection status and prospect
// matching over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Martian-dev/ai-brain-calendar/internal/apperrors"
	"github.com/Martian-dev/ai-brain-calendar/internal/logging"
	"github.com/Martian-dev/ai-brain-calendar/internal/matching"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
	"github.com/Martian-dev/ai-brain-calendar/internal/sync"
)

// Syncer runs syncs on demand.
type Syncer interface {
	SyncConnection(ctx context.Context, connectionID uuid.UUID) (*models.SyncResult, error)
	SyncAllForOrganization(ctx context.Context, orgID uuid.UUID) ([]*models.SyncResult, error)
	IsRunning(connectionID uuid.UUID) bool
}

// Connections reads connection rows.
type Connections interface {
	GetConnection(ctx context.Context, id uuid.UUID) (*models.CalendarConnection, error)
}

// Meetings reads meeting rows.
type Meetings interface {
	GetMeeting(ctx context.Context, id uuid.UUID) (*models.Meeting, error)
}

// Matching ranks and links prospects.
type Matching interface {
	Candidates(ctx context.Context, meetingID uuid.UUID) (*matching.MatchResult, error)
	LinkManually(ctx context.Context, meetingID, prospectID uuid.UUID) error
}

// Pinger reports datastore health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server holds the HTTP handlers' dependencies.
type Server struct {
	syncer   Syncer
	conns    Connections
	meetings Meetings
	matcher  Matching
	db       Pinger
	authn    Authenticator
	logger   *zap.Logger
}

// NewServer creates a Server.
func NewServer(syncer Syncer, conns Connections, meetings Meetings, matcher Matching, db Pinger, authn Authenticator, logger *zap.Logger) *Server {
	return &Server{
		syncer:   syncer,
		conns:    conns,
		meetings: meetings,
		matcher:  matcher,
		db:       db,
		authn:    authn,
		logger:   logger.Named("api"),
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger(s.logger))

	r.GET("/healthz", s.health)

	v1 := r.Group("/v1")
	v1.Use(authMiddleware(s.authn, s.logger))
	v1.POST("/connections/:id/sync", s.syncConnection)
	v1.GET("/connections/:id", s.getConnection)
	v1.POST("/organizations/:id/sync", s.syncOrganization)
	v1.GET("/meetings/:id/candidates", s.candidates)
	v1.POST("/meetings/:id/link", s.link)
	return r
}

type linkRequest struct {
	ProspectID string `json:"prospect_id" binding:"required"`
}

type connectionResponse struct {
	*models.CalendarConnection
	SyncRunning bool `json:"sync_running"`
}

type organizationSyncResponse struct {
	OrganizationID uuid.UUID            `json:"organization_id"`
	Results        []*models.SyncResult `json:"results"`
}

func (s *Server) health(c *gin.Context) {
	if err := s.db.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": logging.SanitizeError(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) syncConnection(c *gin.Context) {
	conn, ok := s.ownedConnection(c)
	if !ok {
		return
	}

	res, err := s.syncer.SyncConnection(c.Request.Context(), conn.ID)
	switch {
	case errors.Is(err, sync.ErrSyncInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": "sync already in progress"})
		return
	case errors.Is(err, apperrors.ErrSyncDisabled):
		c.JSON(http.StatusConflict, gin.H{"error": "sync is disabled for this connection"})
		return
	case errors.Is(err, apperrors.ErrNotFound) && res != nil && res.OrganizationID == uuid.Nil:
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return
	}
	// connection-level failures are part of the result
	c.JSON(http.StatusOK, res)
}

func (s *Server) getConnection(c *gin.Context) {
	conn, ok := s.ownedConnection(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, connectionResponse{
		CalendarConnection: conn,
		SyncRunning:        s.syncer.IsRunning(conn.ID),
	})
}

func (s *Server) syncOrganization(c *gin.Context) {
	orgID, ok := parseID(c)
	if !ok {
		return
	}
	if orgID != principalFrom(c).OrganizationID {
		c.JSON(http.StatusForbidden, gin.H{"error": "organization mismatch"})
		return
	}

	results, err := s.syncer.SyncAllForOrganization(c.Request.Context(), orgID)
	if err != nil {
		s.internalError(c, "Organization sync failed", err)
		return
	}
	if results == nil {
		results = []*models.SyncResult{}
	}
	c.JSON(http.StatusOK, organizationSyncResponse{OrganizationID: orgID, Results: results})
}

func (s *Server) candidates(c *gin.Context) {
	meeting, ok := s.ownedMeeting(c)
	if !ok {
		return
	}

	res, err := s.matcher.Candidates(c.Request.Context(), meeting.ID)
	if err != nil {
		s.internalError(c, "Failed to rank candidates", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) link(c *gin.Context) {
	meeting, ok := s.ownedMeeting(c)
	if !ok {
		return
	}

	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	prospectID, err := uuid.Parse(req.ProspectID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid prospect_id"})
		return
	}

	if err := s.matcher.LinkManually(c.Request.Context(), meeting.ID, prospectID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "prospect not found"})
			return
		}
		s.internalError(c, "Failed to link prospect", err)
		return
	}

	updated, err := s.meetings.GetMeeting(c.Request.Context(), meeting.ID)
	if err != nil {
		s.internalError(c, "Failed to reload meeting", err)
		return
	}
	c.JSON(http.StatusOK, updated)
}

// ownedConnection loads the :id connection and hides it from other organizations.
func (s *Server) ownedConnection(c *gin.Context) (*models.CalendarConnection, bool) {
	id, ok := parseID(c)
	if !ok {
		return nil, false
	}
	conn, err := s.conns.GetConnection(c.Request.Context(), id)
	if errors.Is(err, apperrors.ErrNotFound) || (err == nil && conn.OrganizationID != principalFrom(c).OrganizationID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "connection not found"})
		return nil, false
	}
	if err != nil {
		s.internalError(c, "Failed to load connection", err)
		return nil, false
	}
	return conn, true
}

func (s *Server) ownedMeeting(c *gin.Context) (*models.Meeting, bool) {
	id, ok := parseID(c)
	if !ok {
		return nil, false
	}
	meeting, err := s.meetings.GetMeeting(c.Request.Context(), id)
	if errors.Is(err, apperrors.ErrNotFound) || (err == nil && meeting.OrganizationID != principalFrom(c).OrganizationID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "meeting not found"})
		return nil, false
	}
	if err != nil {
		s.internalError(c, "Failed to load meeting", err)
		return nil, false
	}
	return meeting, true
}

func parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) internalError(c *gin.Context, msg string, err error) {
	s.logger.Error(msg, zap.String("path", c.FullPath()), zap.String("error", logging.SanitizeError(err)))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}
