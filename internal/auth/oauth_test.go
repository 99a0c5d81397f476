package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"curricullm/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func newFakeGoogle(t *testing.T, verified bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "access-123",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"email":          "Jane.Doe@Example.com",
			"email_verified": verified,
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestGoogleOAuth(t *testing.T, srv *httptest.Server) *GoogleOAuth {
	t.Helper()
	db := openTestDB(t)
	t.Cleanup(func() { db.Close() })
	svc := NewService(db, nil, time.Hour)
	cfg := &config.Config{
		BasicConfig: config.BasicConfig{PublicBaseURL: "http://localhost:8090"},
		OAuth: config.OAuthConfig{Google: config.OAuthProviderConfig{
			ClientID:     "client",
			ClientSecret: "secret",
		}},
	}
	g := NewGoogleOAuth(svc, cfg)
	require.NotNil(t, g)
	return g.WithEndpoints(oauth2.Endpoint{
		AuthURL:  srv.URL + "/auth",
		TokenURL: srv.URL + "/token",
	}, srv.URL+"/userinfo")
}

func TestNewGoogleOAuthDisabledWithoutCredentials(t *testing.T) {
	assert.Nil(t, NewGoogleOAuth(nil, &config.Config{}))
}

func TestGoogleOAuthFlow(t *testing.T) {
	srv := newFakeGoogle(t, true)
	g := newTestGoogleOAuth(t, srv)
	ctx := context.Background()

	consent, err := g.AuthCodeURL(ctx, "signup")
	require.NoError(t, err)
	u, err := url.Parse(consent)
	require.NoError(t, err)
	state := u.Query().Get("state")
	require.NotEmpty(t, state)
	assert.Equal(t, "http://localhost:8090/auth/google/callback", u.Query().Get("redirect_uri"))

	email, err := g.Exchange(ctx, state, "code-1")
	require.NoError(t, err)
	assert.Equal(t, "jane.doe@example.com", email)

	_, err = g.Exchange(ctx, state, "code-1")
	assert.ErrorIs(t, err, ErrInvalidOAuthState)
}

func TestGoogleOAuthRejectsUnverifiedEmail(t *testing.T) {
	srv := newFakeGoogle(t, false)
	g := newTestGoogleOAuth(t, srv)
	ctx := context.Background()

	consent, err := g.AuthCodeURL(ctx, "signin")
	require.NoError(t, err)
	u, _ := url.Parse(consent)

	_, err = g.Exchange(ctx, u.Query().Get("state"), "code-2")
	assert.ErrorIs(t, err, ErrEmailNotVerified)
}
