// Package sqlite is the default datastore: a single SQLite file holding
// connections, meetings, prospects and the event outbox.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/Martian-dev/ai-brain-calendar/internal/apperrors"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
	"github.com/Martian-dev/ai-brain-calendar/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// Store implements store.Store on SQLite.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at dbPath and applies the schema.
func Open(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open(DriverName, dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: sqlx.NewDb(db, DriverName), now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}

// --- connections ---

func (s *Store) CreateConnection(ctx context.Context, conn *models.CalendarConnection) error {
	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}
	now := s.now().UTC().Truncate(time.Second)
	conn.CreatedAt = now
	conn.UpdatedAt = now

	var lastSync sql.NullInt64
	if conn.LastSyncAt != nil {
		lastSync = sql.NullInt64{Int64: conn.LastSyncAt.Unix(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calendar_connections (`+connectionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, conn.ID.String(), conn.OrganizationID.String(), conn.UserID.String(), string(conn.Provider),
		conn.AccessToken, conn.RefreshToken, toUnix(conn.TokenExpiry), conn.NeedsReauth, conn.SyncEnabled,
		lastSync, string(conn.LastSyncStatus), conn.LastSyncError, now.Unix(), now.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("connection %s: %w", conn.ID, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to insert connection: %w", err)
	}
	return nil
}

func (s *Store) GetConnection(ctx context.Context, id uuid.UUID) (*models.CalendarConnection, error) {
	var row connectionRow
	err := s.db.GetContext(ctx, &row, `SELECT `+connectionColumns+` FROM calendar_connections WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("connection %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}
	return row.toModel()
}

func (s *Store) ListSyncableConnections(ctx context.Context, orgID uuid.UUID) ([]*models.CalendarConnection, error) {
	var rows []connectionRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+connectionColumns+`
		FROM calendar_connections
		WHERE organization_id = ? AND sync_enabled = 1
		ORDER BY created_at, id
	`, orgID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}

	conns := make([]*models.CalendarConnection, 0, len(rows))
	for _, r := range rows {
		c, err := r.toModel()
		if err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, nil
}

func (s *Store) ListSyncableOrganizations(ctx context.Context) ([]uuid.UUID, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		SELECT DISTINCT organization_id FROM calendar_connections
		WHERE sync_enabled = 1
		ORDER BY organization_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}

	orgs := make([]uuid.UUID, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("organization id %q: %w", raw, err)
		}
		orgs = append(orgs, id)
	}
	return orgs, nil
}

func (s *Store) UpdateCredentials(ctx context.Context, id uuid.UUID, upd models.CredentialUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calendar_connections
		SET access_token = ?,
		    refresh_token = CASE WHEN ? != '' THEN ? ELSE refresh_token END,
		    token_expiry = ?,
		    needs_reauth = 0,
		    updated_at = ?
		WHERE id = ?
	`, upd.AccessToken, upd.RefreshToken, upd.RefreshToken, toUnix(upd.Expiry), s.now().Unix(), id.String())
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	return expectOneRow(res, "connection", id)
}

func (s *Store) MarkNeedsReauth(ctx context.Context, id uuid.UUID, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calendar_connections
		SET needs_reauth = 1,
		    last_sync_error = ?,
		    updated_at = ?
		WHERE id = ?
	`, reason, s.now().Unix(), id.String())
	if err != nil {
		return fmt.Errorf("failed to mark needs_reauth: %w", err)
	}
	return expectOneRow(res, "connection", id)
}

// RecordSyncResult writes the status fields and the outbox entry in one transaction.
func (s *Store) RecordSyncResult(ctx context.Context, id uuid.UUID, upd models.SyncStatusUpdate, msg *store.OutboxMessage) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE calendar_connections
		SET last_sync_at = ?,
		    last_sync_status = ?,
		    last_sync_error = ?,
		    updated_at = ?
		WHERE id = ?
	`, upd.At.Unix(), string(upd.Status), upd.Error, s.now().Unix(), id.String())
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	if err := expectOneRow(res, "connection", id); err != nil {
		return err
	}

	if msg != nil {
		now := s.now().Unix()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (ts, subject, event_type, payload, msg_id, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, now, msg.Subject, msg.EventType, msg.Payload, msg.MsgID, now)
		if err != nil {
			return fmt.Errorf("failed to insert outbox entry: %w", err)
		}
	}

	return tx.Commit()
}

func expectOneRow(res sql.Result, what string, id uuid.UUID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", what, id, apperrors.ErrNotFound)
	}
	return nil
}

// --- meetings ---

func (s *Store) ListActiveMeetings(ctx context.Context, connectionID uuid.UUID) ([]*models.Meeting, error) {
	return s.selectMeetings(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE connection_id = ? AND status != ?
		ORDER BY start_at, id
	`, connectionID.String(), string(models.MeetingStatusCancelled))
}

func (s *Store) ListUnlinkedMeetings(ctx context.Context, orgID uuid.UUID) ([]*models.Meeting, error) {
	return s.selectMeetings(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE organization_id = ? AND prospect_id IS NULL AND status != ?
		ORDER BY start_at, id
	`, orgID.String(), string(models.MeetingStatusCancelled))
}

func (s *Store) selectMeetings(ctx context.Context, query string, args ...any) ([]*models.Meeting, error) {
	var rows []meetingRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query meetings: %w", err)
	}
	meetings := make([]*models.Meeting, 0, len(rows))
	for _, r := range rows {
		m, err := r.toModel()
		if err != nil {
			return nil, err
		}
		meetings = append(meetings, m)
	}
	return meetings, nil
}

func (s *Store) GetMeeting(ctx context.Context, id uuid.UUID) (*models.Meeting, error) {
	return s.getMeeting(ctx, `SELECT `+meetingColumns+` FROM meetings WHERE id = ?`, id.String())
}

func (s *Store) GetMeetingByExternalID(ctx context.Context, connectionID uuid.UUID, externalID string) (*models.Meeting, error) {
	return s.getMeeting(ctx, `
		SELECT `+meetingColumns+` FROM meetings
		WHERE connection_id = ? AND external_event_id = ?
	`, connectionID.String(), externalID)
}

func (s *Store) getMeeting(ctx context.Context, query string, args ...any) (*models.Meeting, error) {
	var row meetingRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("meeting: %w", apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get meeting: %w", err)
	}
	return row.toModel()
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
	now := s.now().UTC().Truncate(time.Second)
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meetings (`+meetingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID.String(), m.ConnectionID.String(), m.OrganizationID.String(), m.ExternalEventID,
		toUnix(m.Start), toUnix(m.End), nullString(m.OriginalTimezone), m.IsAllDay,
		m.Title, m.Description, m.Location, m.IsOnline, m.MeetingURL,
		participants, string(m.Status), m.IsRecurring, m.RecurrenceRule, m.RecurringEventID,
		nullUUID(m.ProspectID), m.MatchConfidence, string(m.LinkType), m.ContentHash,
		now.Unix(), now.Unix())
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
	now := s.now().UTC().Truncate(time.Second)

	res, err := s.db.ExecContext(ctx, `
		UPDATE meetings
		SET start_at = ?, end_at = ?, original_timezone = ?, is_all_day = ?,
		    title = ?, description = ?, location = ?, is_online = ?, meeting_url = ?,
		    participants_json = ?, status = ?, is_recurring = ?, recurrence_rule = ?,
		    recurring_event_id = ?, content_hash = ?, updated_at = ?
		WHERE id = ? AND connection_id = ?
	`, toUnix(m.Start), toUnix(m.End), nullString(m.OriginalTimezone), m.IsAllDay,
		m.Title, m.Description, m.Location, m.IsOnline, m.MeetingURL,
		participants, string(m.Status), m.IsRecurring, m.RecurrenceRule,
		m.RecurringEventID, m.ContentHash, now.Unix(),
		m.ID.String(), m.ConnectionID.String())
	if err != nil {
		return fmt.Errorf("failed to update meeting: %w", err)
	}
	if err := expectOneRow(res, "meeting", m.ID); err != nil {
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

	query, args, err := sqlx.In(`
		UPDATE meetings
		SET status = ?, updated_at = ?
		WHERE connection_id = ? AND status != ? AND id IN (?)
	`, string(models.MeetingStatusCancelled), s.now().Unix(), connectionID.String(),
		string(models.MeetingStatusCancelled), strIDs)
	if err != nil {
		return 0, fmt.Errorf("failed to build cancel query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel meetings: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func (s *Store) AutoLinkProspect(ctx context.Context, meetingID uuid.UUID, link models.ProspectLink) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE meetings
		SET prospect_id = ?, match_confidence = ?, link_type = ?, updated_at = ?
		WHERE id = ? AND prospect_id IS NULL
	`, link.ProspectID.String(), link.Confidence, string(link.LinkType), s.now().Unix(), meetingID.String())
	if err != nil {
		return false, fmt.Errorf("failed to link prospect: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *Store) SetProspectLink(ctx context.Context, meetingID uuid.UUID, link models.ProspectLink) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE meetings
		SET prospect_id = ?, match_confidence = ?, link_type = ?, updated_at = ?
		WHERE id = ?
	`, link.ProspectID.String(), link.Confidence, string(link.LinkType), s.now().Unix(), meetingID.String())
	if err != nil {
		return fmt.Errorf("failed to set prospect link: %w", err)
	}
	return expectOneRow(res, "meeting", meetingID)
}

// --- prospects ---

func (s *Store) CreateProspect(ctx context.Context, p *models.Prospect) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO prospects (id, organization_id, company_name, website, contact_email)
		VALUES (?, ?, ?, ?, ?)
	`, p.ID.String(), p.OrganizationID.String(), p.CompanyName, p.Website, p.ContactEmail)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("prospect %s: %w", p.ID, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to insert prospect: %w", err)
	}
	return nil
}

func (s *Store) GetProspect(ctx context.Context, id uuid.UUID) (*models.Prospect, error) {
	var row prospectRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, organization_id, company_name, website, contact_email
		FROM prospects WHERE id = ?
	`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("prospect %s: %w", id, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get prospect: %w", err)
	}
	p, err := row.toModel()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListProspects returns the organization's prospects in insertion order.
func (s *Store) ListProspects(ctx context.Context, orgID uuid.UUID) ([]models.Prospect, error) {
	var rows []prospectRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, organization_id, company_name, website, contact_email
		FROM prospects WHERE organization_id = ?
		ORDER BY rowid
	`, orgID.String())
	if err != nil {
		return nil, fmt.Errorf("failed to list prospects: %w", err)
	}

	prospects := make([]models.Prospect, 0, len(rows))
	for _, r := range rows {
		p, err := r.toModel()
		if err != nil {
			return nil, err
		}
		prospects = append(prospects, p)
	}
	return prospects, nil
}

// --- outbox ---

// DequeueOutbox fetches unpublished messages from outbox
func (s *Store) DequeueOutbox(ctx context.Context, limit int) ([]store.OutboxMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, event_type, payload, msg_id, retries
		FROM outbox
		WHERE published_at IS NULL
		  AND next_attempt_at <= ?
		ORDER BY id
		LIMIT ?
	`, s.now().Unix(), limit)
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
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET published_at = ? WHERE id = ?`, s.now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark published: %w", err)
	}
	return nil
}

// MarkOutboxRetry updates retry count and next attempt time
func (s *Store) MarkOutboxRetry(ctx context.Context, id int64, backoff time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET retries = retries + 1,
		    next_attempt_at = ?
		WHERE id = ?
	`, s.now().Add(backoff).Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}
