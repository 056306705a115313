// Package postgres is the multi-replica datastore backed by PostgreSQL.
package postgres

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/Martian-dev/ai-brain-calendar/internal/apperrors"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
	"github.com/Martian-dev/ai-brain-calendar/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const uniqueViolation = "23505"

// Config holds database connection configuration.
type Config struct {
	URL             string
	MaxConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// Store implements store.Store on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open creates the connection pool, verifies it and applies pending migrations.
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConnections
	if poolConfig.MaxConns == 0 {
		poolConfig.MaxConns = 10
	}
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	if poolConfig.MaxConnLifetime == 0 {
		poolConfig.MaxConnLifetime = time.Hour
	}
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	if poolConfig.MaxConnIdleTime == 0 {
		poolConfig.MaxConnIdleTime = 30 * time.Minute
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := RunMigrations(pool, logger); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool, now: time.Now}, nil
}

// RunMigrations applies the embedded migrations. It is safe to call on an
// up-to-date database.
func RunMigrations(pool *pgxpool.Pool, logger *zap.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open migration source: %w", err)
	}

	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("No migrations to apply (database up-to-date)")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, _, _ := m.Version()
	logger.Info("Applied migrations successfully", zap.Uint("version", version))
	return nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

func expectOneRow(tag pgconn.CommandTag, what string, id uuid.UUID) error {
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s %s: %w", what, id, apperrors.ErrNotFound)
	}
	return nil
}

// --- connections ---

const connectionColumns = `id, organization_id, user_id, provider, access_token, refresh_token,
	token_expiry, needs_reauth, sync_enabled, last_sync_at, last_sync_status, last_sync_error,
	created_at, updated_at`

func scanConnection(row pgx.Row) (*models.CalendarConnection, error) {
	var (
		c        models.CalendarConnection
		provider string
		status   string
		expiry   *time.Time
		lastSync *time.Time
	)
	err := row.Scan(&c.ID, &c.OrganizationID, &c.UserID, &provider, &c.AccessToken, &c.RefreshToken,
		&expiry, &c.NeedsReauth, &c.SyncEnabled, &lastSync, &status, &c.LastSyncError,
		&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Provider = models.Provider(provider)
	c.LastSyncStatus = models.SyncStatus(status)
	c.TokenExpiry = derefTime(expiry)
	if lastSync != nil {
		t := lastSync.UTC()
		c.LastSyncAt = &t
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

func (s *Store) CreateConnection(ctx context.Context, conn *models.CalendarConnection) error {
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	conn.CreatedAt = now
	conn.UpdatedAt = now

	_, err := s.pool.Exec(ctx, `
		INSERT INTO calendar_connections (`+connectionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, conn.ID, conn.OrganizationID, conn.UserID, string(conn.Provider),
		conn.AccessToken, conn.RefreshToken, nullTime(conn.TokenExpiry), conn.NeedsReauth, conn.SyncEnabled,
		conn.LastSyncAt, string(conn.LastSyncStatus), conn.LastSyncError, now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("connection %s: %w", conn.ID, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	return nil
}

func (s *Store) GetConnection(ctx context.Context, id uuid.UUID) (*models.CalendarConnection, error) {
	c, err := scanConnection(s.pool.QueryRow(ctx,
		`SELECT `+connectionColumns+` FROM calendar_connections WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("connection %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return c, nil
}

func (s *Store) ListSyncableConnections(ctx context.Context, orgID uuid.UUID) ([]*models.CalendarConnection, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+connectionColumns+`
		FROM calendar_connections
		WHERE organization_id = $1 AND sync_enabled
		ORDER BY created_at, id
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []*models.CalendarConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

func (s *Store) ListSyncableOrganizations(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT organization_id FROM calendar_connections
		WHERE sync_enabled
		ORDER BY organization_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	orgs, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan organizations: %w", err)
	}
	return orgs, nil
}

func (s *Store) UpdateCredentials(ctx context.Context, id uuid.UUID, upd models.CredentialUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calendar_connections
		SET access_token = $1,
		    refresh_token = CASE WHEN $2 <> '' THEN $2 ELSE refresh_token END,
		    token_expiry = $3,
		    needs_reauth = FALSE,
		    updated_at = $4
		WHERE id = $5
	`, upd.AccessToken, upd.RefreshToken, nullTime(upd.Expiry), s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	return expectOneRow(tag, "connection", id)
}

func (s *Store) MarkNeedsReauth(ctx context.Context, id uuid.UUID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE calendar_connections
		SET needs_reauth = TRUE,
		    last_sync_error = $1,
		    updated_at = $2
		WHERE id = $3
	`, reason, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark needs_reauth: %w", err)
	}
	return expectOneRow(tag, "connection", id)
}

// RecordSyncResult writes the status fields and the outbox entry in one transaction.
func (s *Store) RecordSyncResult(ctx context.Context, id uuid.UUID, upd models.SyncStatusUpdate, msg *store.OutboxMessage) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		now := s.now().UTC()
		tag, err := tx.Exec(ctx, `
			UPDATE calendar_connections
			SET last_sync_at = $1,
			    last_sync_status = $2,
			    last_sync_error = $3,
			    updated_at = $4
			WHERE id = $5
		`, upd.At.UTC(), string(upd.Status), upd.Error, now, id)
		if err != nil {
			return fmt.Errorf("failed to update sync status: %w", err)
		}
		if err := expectOneRow(tag, "connection", id); err != nil {
			return err
		}

		if msg == nil {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, $1)
		`, now, msg.Subject, msg.EventType, msg.Payload, msg.MsgID)
		if err != nil {
			return fmt.Errorf("failed to insert outbox entry: %w", err)
		}
		return nil
	})
}

// --- meetings ---

const meetingColumns = `id, connection_id, organization_id, external_event_id, start_at, end_at,
	original_timezone, is_all_day, title, description, location, is_online, meeting_url,
	participants, status, is_recurring, recurrence_rule, recurring_event_id,
	prospect_id, match_confidence, link_type, content_hash, created_at, updated_at`

func scanMeeting(row pgx.Row) (*models.Meeting, error) {
	var (
		m            models.Meeting
		participants []byte
		status       string
		linkType     string
	)
	err := row.Scan(&m.ID, &m.ConnectionID, &m.OrganizationID, &m.ExternalEventID, &m.Start, &m.End,
		&m.OriginalTimezone, &m.IsAllDay, &m.Title, &m.Description, &m.Location, &m.IsOnline, &m.MeetingURL,
		&participants, &status, &m.IsRecurring, &m.RecurrenceRule, &m.RecurringEventID,
		&m.ProspectID, &m.MatchConfidence, &linkType, &m.ContentHash, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(participants, &m.Participants); err != nil {
		return nil, fmt.Errorf("meeting %s participants: %w", m.ID, err)
	}
	m.Status = models.MeetingStatus(status)
	m.LinkType = models.LinkType(linkType)
	m.Start = m.Start.UTC()
	m.End = m.End.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

func participantsJSON(p []models.Participant) ([]byte, error) {
	if p == nil {
		p = []models.Participant{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode participants: %w", err)
	}
	return b, nil
}

func (s *Store) ListActiveMeetings(ctx context.Context, connectionID uuid.UUID) ([]*models.Meeting, error) {
	return s.selectMeetings(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE connection_id = $1 AND status <> $2
		ORDER BY start_at, id
	`, connectionID, string(models.MeetingStatusCancelled))
}

func (s *Store) ListUnlinkedMeetings(ctx context.Context, orgID uuid.UUID) ([]*models.Meeting, error) {
	return s.selectMeetings(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE organization_id = $1 AND prospect_id IS NULL AND status <> $2
		ORDER BY start_at, id
	`, orgID, string(models.MeetingStatusCancelled))
}

func (s *Store) selectMeetings(ctx context.Context, query string, args ...any) ([]*models.Meeting, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query meetings: %w", err)
	}
	defer rows.Close()

	meetings := make([]*models.Meeting, 0)
	for rows.Next() {
		m, err := scanMeeting(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan meeting: %w", err)
		}
		meetings = append(meetings, m)
	}
	return meetings, rows.Err()
}

func (s *Store) GetMeeting(ctx context.Context, id uuid.UUID) (*models.Meeting, error) {
	return s.getMeeting(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id = $1`, id)
}

func (s *Store) GetMeetingByExternalID(ctx context.Context, connectionID uuid.UUID, externalID string) (*models.Meeting, error) {
	return s.getMeeting(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE connection_id = $1 AND external_event_id = $2
	`, connectionID, externalID)
}

func (s *Store) getMeeting(ctx context.Context, query string, args ...any) (*models.Meeting, error) {
	m, err := scanMeeting(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("meeting: %w", apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meeting: %w", err)
	}
	return m, nil
}

func (s *Store) InsertMeeting(ctx context.Context, m *models.Meeting) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.LinkType == "" {
		m.LinkType = models.LinkTypeNone
	}
	participants, err := participantsJSON(m.Participants)
	if err != nil {
		return err
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err = s.pool.Exec(ctx, `
		INSERT INTO meetings (`+meetingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)
	`, m.ID, m.ConnectionID, m.OrganizationID, m.ExternalEventID,
		m.Start.UTC(), m.End.UTC(), m.OriginalTimezone, m.IsAllDay,
		m.Title, m.Description, m.Location, m.IsOnline, m.MeetingURL,
		participants, string(m.Status), m.IsRecurring, m.RecurrenceRule, m.RecurringEventID,
		m.ProspectID, m.MatchConfidence, string(m.LinkType), m.ContentHash,
		now, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("meeting %s/%s: %w", m.ConnectionID, m.ExternalEventID, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to insert meeting: %w", err)
	}
	return nil
}

func (s *Store) UpdateMeeting(ctx context.Context, m *models.Meeting) error {
	participants, err := participantsJSON(m.Participants)
	if err != nil {
		return err
	}
	now := s.now().UTC().Truncate(time.Microsecond)

	tag, err := s.pool.Exec(ctx, `
		UPDATE meetings
		SET start_at = $1, end_at = $2, original_timezone = $3, is_all_day = $4,
		    title = $5, description = $6, location = $7, is_online = $8, meeting_url = $9,
		    participants = $10, status = $11, is_recurring = $12, recurrence_rule = $13,
		    recurring_event_id = $14, content_hash = $15, updated_at = $16
		WHERE id = $17 AND connection_id = $18
	`, m.Start.UTC(), m.End.UTC(), m.OriginalTimezone, m.IsAllDay,
		m.Title, m.Description, m.Location, m.IsOnline, m.MeetingURL,
		participants, string(m.Status), m.IsRecurring, m.RecurrenceRule,
		m.RecurringEventID, m.ContentHash, now,
		m.ID, m.ConnectionID)
	if err != nil {
		return fmt.Errorf("failed to update meeting: %w", err)
	}
	if err := expectOneRow(tag, "meeting", m.ID); err != nil {
		return err
	}
	m.UpdatedAt = now
	return nil
}

func (s *Store) CancelMeetings(ctx context.Context, connectionID uuid.UUID, ids []uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	strIDs := make([]string, len(ids))
	for i, id := range ids {
		strIDs[i] = id.String()
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE meetings
		SET status = $1, updated_at = $2
		WHERE connection_id = $3 AND status <> $1 AND id = ANY($4::uuid[])
	`, string(models.MeetingStatusCancelled), s.now().UTC(), connectionID, strIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel meetings: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) AutoLinkProspect(ctx context.Context, meetingID uuid.UUID, link models.ProspectLink) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE meetings
		SET prospect_id = $1, match_confidence = $2, link_type = $3, updated_at = $4
		WHERE id = $5 AND prospect_id IS NULL
	`, link.ProspectID, link.Confidence, string(link.LinkType), s.now().UTC(), meetingID)
	if err != nil {
		return false, fmt.Errorf("failed to link prospect: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) SetProspectLink(ctx context.Context, meetingID uuid.UUID, link models.ProspectLink) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE meetings
		SET prospect_id = $1, match_confidence = $2, link_type = $3, updated_at = $4
		WHERE id = $5
	`, link.ProspectID, link.Confidence, string(link.LinkType), s.now().UTC(), meetingID)
	if err != nil {
		return fmt.Errorf("failed to set prospect link: %w", err)
	}
	return expectOneRow(tag, "meeting", meetingID)
}

// --- prospects ---

func (s *Store) CreateProspect(ctx context.Context, p *models.Prospect) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO prospects (id, organization_id, company_name, website, contact_email)
		VALUES ($1, $2, $3, $4, $5)
	`, p.ID, p.OrganizationID, p.CompanyName, p.Website, p.ContactEmail)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("prospect %s: %w", p.ID, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to insert prospect: %w", err)
	}
	return nil
}

func (s *Store) GetProspect(ctx context.Context, id uuid.UUID) (*models.Prospect, error) {
	var p models.Prospect
	err := s.pool.QueryRow(ctx, `
		SELECT id, organization_id, company_name, website, contact_email
		FROM prospects WHERE id = $1
	`, id).Scan(&p.ID, &p.OrganizationID, &p.CompanyName, &p.Website, &p.ContactEmail)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("prospect %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prospect: %w", err)
	}
	return &p, nil
}

// ListProspects returns the organization's prospects in insertion order.
func (s *Store) ListProspects(ctx context.Context, orgID uuid.UUID) ([]models.Prospect, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization_id, company_name, website, contact_email
		FROM prospects WHERE organization_id = $1
		ORDER BY created_at, id
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list prospects: %w", err)
	}
	defer rows.Close()

	prospects := make([]models.Prospect, 0)
	for rows.Next() {
		var p models.Prospect
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.CompanyName, &p.Website, &p.ContactEmail); err != nil {
			return nil, fmt.Errorf("failed to scan prospect: %w", err)
		}
		prospects = append(prospects, p)
	}
	return prospects, rows.Err()
}

// --- outbox ---

// DequeueOutbox fetches unpublished messages whose next attempt is due.
// Replicas may read the same row; JetStream de-duplicates on msg_id.
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subject, event_type, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= $1
		ORDER BY id
		LIMIT $2
	`, s.now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()

	var messages []store.OutboxMessage
	for rows.Next() {
		var msg store.OutboxMessage
		if err := rows.Scan(&msg.ID, &msg.Subject, &msg.EventType, &msg.Payload, &msg.MsgID, &msg.Retries); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

// MarkPublished marks an outbox message as published
func (s *Store) MarkPublished(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE outbox SET published_at = $1 WHERE id = $2`, s.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = $1
		WHERE id = $2
	`, s.now().UTC().Add(backoff), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
