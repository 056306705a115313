package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/Martian-dev/ai-brain-calendar/internal/apperrors"
	"github.com/Martian-dev/ai-brain-calendar/internal/crypto"
	"github.com/Martian-dev/ai-brain-calendar/internal/logging"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
	"github.com/Martian-dev/ai-brain-calendar/internal/store"
)

// Credential is a connection's usable token material. It only exists in
// memory for the duration of one sync.
type Credential struct {
	ConnectionID   uuid.UUID
	OrganizationID uuid.UUID
	Provider       models.Provider
	Token          *oauth2.Token
}

// HasRefreshToken reports whether the credential can be refreshed.
func (c *Credential) HasRefreshToken() bool {
	return c.Token != nil && c.Token.RefreshToken != ""
}

// ExpiredAt reports whether the access token is unusable at now, treating
// tokens that expire within skew as already expired. A zero expiry never expires.
func (c *Credential) ExpiredAt(now time.Time, skew time.Duration) bool {
	if c.Token == nil || c.Token.AccessToken == "" {
		return true
	}
	if c.Token.Expiry.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.Token.Expiry)
}

// CredentialStore loads, refreshes and invalidates connection credentials.
// Token material is sealed before it is written and opened after it is read;
// nothing else in the process sees the stored form.
type CredentialStore struct {
	conns     store.ConnectionStore
	sealer    *crypto.TokenSealer
	refresher Refresher
	skew      time.Duration
	now       func() time.Time
	logger    *zap.Logger
}

// NewCredentialStore creates a CredentialStore. skew is how long before
// expiry a token is already refreshed.
func NewCredentialStore(conns store.ConnectionStore, sealer *crypto.TokenSealer, refresher Refresher, skew time.Duration, logger *zap.Logger) *CredentialStore {
	return &CredentialStore{
		conns:     conns,
		sealer:    sealer,
		refresher: refresher,
		skew:      skew,
		now:       time.Now,
		logger:    logger.Named("credential-store"),
	}
}

// Load returns the credential of a connection. It fails with
// apperrors.ErrNotFound if the connection is gone and with
// apperrors.ErrAuthExpired if it is already waiting for re-authorization.
func (s *CredentialStore) Load(ctx context.Context, connectionID uuid.UUID) (*Credential, error) {
	conn, err := s.conns.GetConnection(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.NeedsReauth {
		return nil, fmt.Errorf("connection %s: %w", connectionID, apperrors.ErrAuthExpired)
	}

	access, err := s.sealer.Open(conn.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("open access token: %w", err)
	}
	refresh, err := s.sealer.Open(conn.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("open refresh token: %w", err)
	}

	return &Credential{
		ConnectionID:   conn.ID,
		OrganizationID: conn.OrganizationID,
		Provider:       conn.Provider,
		Token: &oauth2.Token{
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    "Bearer",
			Expiry:       conn.TokenExpiry,
		},
	}, nil
}

// RefreshIfExpired returns cred unchanged while its access token is valid.
// Otherwise it exchanges the refresh token, persists the new material and
// only then returns the refreshed credential. If the refreshed token cannot
// be persisted the error is returned and the token is discarded.
//
// Only a rejected exchange (invalid_grant, or no refresh token) flags the
// connection as needing re-authorization. Transient refresh failures such as
// network errors or provider 5xx leave needs_reauth unset so the next run can
// retry without the user reconnecting.
func (s *CredentialStore) RefreshIfExpired(ctx context.Context, cred *Credential) (*Credential, error) {
	if !cred.ExpiredAt(s.now(), s.skew) {
		return cred, nil
	}

	if !cred.HasRefreshToken() {
		s.markInvalid(ctx, cred.ConnectionID, "access token expired and no refresh token is stored")
		return nil, apperrors.AuthExpired(string(cred.Provider), errors.New("access token expired and no refresh token is stored"))
	}

	tok, err := s.refresher.Refresh(ctx, cred.Provider, cred.Token.RefreshToken)
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindAuthExpired {
			s.markInvalid(ctx, cred.ConnectionID, "token refresh rejected: "+logging.SanitizeError(err))
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = cred.Token.RefreshToken
	}

	if err := s.SaveToken(ctx, cred.ConnectionID, tok); err != nil {
		return nil, fmt.Errorf("persist refreshed token: %w", err)
	}

	s.logger.Debug("Token refreshed",
		zap.String("connection_id", cred.ConnectionID.String()),
		zap.String("provider", string(cred.Provider)),
		zap.Time("expiry", tok.Expiry))

	return &Credential{
		ConnectionID:   cred.ConnectionID,
		OrganizationID: cred.OrganizationID,
		Provider:       cred.Provider,
		Token:          tok,
	}, nil
}

// SaveToken seals tok and writes it onto the connection in one update,
// clearing needs_reauth. It is also the entry point for completed OAuth flows.
func (s *CredentialStore) SaveToken(ctx context.Context, connectionID uuid.UUID, tok *oauth2.Token) error {
	access, err := s.sealer.Seal(tok.AccessToken)
	if err != nil {
		return fmt.Errorf("seal access token: %w", err)
	}
	refresh, err := s.sealer.Seal(tok.RefreshToken)
	if err != nil {
		return fmt.Errorf("seal refresh token: %w", err)
	}
	return s.conns.UpdateCredentials(ctx, connectionID, models.CredentialUpdate{
		AccessToken:  access,
		RefreshToken: refresh,
		Expiry:       tok.Expiry,
	})
}

// MarkInvalid flags the connection as needing re-authorization.
func (s *CredentialStore) MarkInvalid(ctx context.Context, connectionID uuid.UUID, reason string) error {
	if err := s.conns.MarkNeedsReauth(ctx, connectionID, reason); err != nil {
		return fmt.Errorf("mark needs_reauth: %w", err)
	}
	s.logger.Info("Connection needs re-authorization",
		zap.String("connection_id", connectionID.String()),
		zap.String("reason", reason))
	return nil
}

func (s *CredentialStore) markInvalid(ctx context.Context, connectionID uuid.UUID, reason string) {
	// the flag is written even when ctx ended during the exchange
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.MarkInvalid(ctx, connectionID, reason); err != nil {
		s.logger.Error("Failed to flag connection for re-authorization",
			zap.String("connection_id", connectionID.String()),
			zap.String("error", logging.SanitizeError(err)))
	}
}
