package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"golang.org/x/oauth2/microsoft"

	"github.com/Martian-dev/ai-brain-calendar/internal/apperrors"
	"github.com/Martian-dev/ai-brain-calendar/internal/config"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
)

// Scopes requested for read-only calendar access.
var (
	GoogleScopes    = []string{"https://www.googleapis.com/auth/calendar.readonly"}
	MicrosoftScopes = []string{"offline_access", "https://graph.microsoft.com/Calendars.Read"}
)

// Refresher exchanges a refresh token for fresh token material.
type Refresher interface {
	Refresh(ctx context.Context, provider models.Provider, refreshToken string) (*oauth2.Token, error)
}

// OAuthClients holds one oauth2.Config per provider.
type OAuthClients struct {
	configs    map[models.Provider]*oauth2.Config
	httpClient *http.Client
}

// NewOAuthClients builds the per-provider OAuth2 configs.
func NewOAuthClients(g config.GoogleConfig, ms config.MicrosoftConfig) *OAuthClients {
	googleConf := &oauth2.Config{
		ClientID:     g.ClientID,
		ClientSecret: g.ClientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       GoogleScopes,
	}
	if g.TokenURL != "" {
		googleConf.Endpoint.TokenURL = g.TokenURL
	}

	msConf := &oauth2.Config{
		ClientID:     ms.ClientID,
		ClientSecret: ms.ClientSecret,
		Endpoint:     microsoft.AzureADEndpoint(ms.Tenant),
		Scopes:       MicrosoftScopes,
	}
	if ms.TokenURL != "" {
		msConf.Endpoint.TokenURL = ms.TokenURL
	}

	return &OAuthClients{
		configs: map[models.Provider]*oauth2.Config{
			models.ProviderGoogle:    googleConf,
			models.ProviderMicrosoft: msConf,
		},
	}
}

// WithHTTPClient sets the client used for token requests.
func (c *OAuthClients) WithHTTPClient(hc *http.Client) *OAuthClients {
	c.httpClient = hc
	return c
}

// Config returns the oauth2.Config for provider.
func (c *OAuthClients) Config(provider models.Provider) (*oauth2.Config, bool) {
	conf, ok := c.configs[provider]
	return conf, ok
}

// Refresh performs a refresh_token grant. A rejected grant (invalid_grant,
// 400, 401) is classified AuthExpired; anything else is Transient.
func (c *OAuthClients) Refresh(ctx context.Context, provider models.Provider, refreshToken string) (*oauth2.Token, error) {
	conf, ok := c.configs[provider]
	if !ok {
		return nil, fmt.Errorf("no oauth config for provider %q", provider)
	}
	if c.httpClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	}

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, classifyTokenError(string(provider), err)
	}
	return tok, nil
}

func classifyTokenError(provider string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		switch {
		case re.ErrorCode == "invalid_grant", re.ErrorCode == "unauthorized_client", re.ErrorCode == "invalid_client":
			return apperrors.AuthExpired(provider, err)
		case re.Response != nil && (re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized):
			return apperrors.AuthExpired(provider, err)
		}
	}
	return apperrors.Transient(provider, err)
}
