package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Martian-dev/ai-brain-calendar/internal/apperrors"
	"github.com/Martian-dev/ai-brain-calendar/internal/config"
	"github.com/Martian-dev/ai-brain-calendar/internal/models"
)

func tokenServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "stored-refresh", r.PostForm.Get("refresh_token"))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func clientsFor(srv *httptest.Server) *OAuthClients {
	return NewOAuthClients(
		config.GoogleConfig{ClientID: "gid", ClientSecret: "gsecret", TokenURL: srv.URL},
		config.MicrosoftConfig{ClientID: "mid", ClientSecret: "msecret", Tenant: "common", TokenURL: srv.URL},
	).WithHTTPClient(srv.Client())
}

func TestOAuthClients_Refresh(t *testing.T) {
	srv := tokenServer(t, http.StatusOK, `{"access_token":"fresh","token_type":"Bearer","expires_in":3600,"refresh_token":"rotated"}`)

	for _, provider := range []models.Provider{models.ProviderGoogle, models.ProviderMicrosoft} {
		t.Run(string(provider), func(t *testing.T) {
			before := time.Now()
			tok, err := clientsFor(srv).Refresh(context.Background(), provider, "stored-refresh")
			require.NoError(t, err)
			assert.Equal(t, "fresh", tok.AccessToken)
			assert.Equal(t, "rotated", tok.RefreshToken)
			assert.True(t, tok.Expiry.After(before.Add(59*time.Minute)))
		})
	}
}

func TestOAuthClients_RefreshInvalidGrant(t *testing.T) {
	srv := tokenServer(t, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`)

	_, err := clientsFor(srv).Refresh(context.Background(), models.ProviderGoogle, "stored-refresh")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAuthExpired)
}

func TestOAuthClients_RefreshServerError(t *testing.T) {
	srv := tokenServer(t, http.StatusServiceUnavailable, `{"error":"temporarily_unavailable"}`)

	_, err := clientsFor(srv).Refresh(context.Background(), models.ProviderMicrosoft, "stored-refresh")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrTransient)
}

func TestOAuthClients_UnknownProvider(t *testing.T) {
	c := NewOAuthClients(config.GoogleConfig{}, config.MicrosoftConfig{Tenant: "common"})
	_, err := c.Refresh(context.Background(), models.Provider("yahoo"), "x")
	assert.Error(t, err)
}

func TestOAuthClients_Endpoints(t *testing.T) {
	c := NewOAuthClients(config.GoogleConfig{ClientID: "g"}, config.MicrosoftConfig{ClientID: "m", Tenant: "contoso"})

	g, ok := c.Config(models.ProviderGoogle)
	require.True(t, ok)
	assert.Equal(t, "https://oauth2.googleapis.com/token", g.Endpoint.TokenURL)

	m, ok := c.Config(models.ProviderMicrosoft)
	require.True(t, ok)
	assert.Equal(t, "https://login.microsoftonline.com/contoso/oauth2/v2.0/token", m.Endpoint.TokenURL)
}
