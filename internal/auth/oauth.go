package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"curricullm/internal/config"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	redisOAuthStatePrefix = "auth:oauth:"
	oauthStateTTL         = 10 * time.Minute

	googleUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"
)

var (
	ErrInvalidOAuthState = errors.New("invalid or expired oauth state")
	ErrEmailNotVerified  = errors.New("email address not verified by provider")
)

// SaveOAuthState records a pending login state. Redis is preferred; the
// oauth_states table is used when redis is not configured.
func (s *Service) SaveOAuthState(ctx context.Context, state, mode string) error {
	if s.cache.Enabled() {
		return s.cache.Set(ctx, redisOAuthStatePrefix+state, mode, oauthStateTTL)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_states (state, mode, expires_at) VALUES (?, ?, ?)`,
		state, mode, time.Now().UTC().Add(oauthStateTTL),
	)
	if err != nil {
		return fmt.Errorf("save oauth state: %w", err)
	}
	return nil
}

// ConsumeOAuthState returns the mode recorded for state and deletes it. A
// state can be consumed only once.
func (s *Service) ConsumeOAuthState(ctx context.Context, state string) (string, error) {
	if state == "" {
		return "", ErrInvalidOAuthState
	}
	if s.cache.Enabled() {
		mode, err := s.cache.GetDel(ctx, redisOAuthStatePrefix+state)
		if err != nil {
			return "", ErrInvalidOAuthState
		}
		return mode, nil
	}

	var (
		mode    string
		expires time.Time
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT mode, expires_at FROM oauth_states WHERE state = ?`, state,
	).Scan(&mode, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidOAuthState
		}
		return "", fmt.Errorf("lookup oauth state: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE state = ?`, state)
	if err != nil {
		return "", fmt.Errorf("delete oauth state: %w", err)
	}
	// a concurrent callback may have consumed it first
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrInvalidOAuthState
	}
	if time.Now().UTC().After(expires) {
		return "", ErrInvalidOAuthState
	}
	return mode, nil
}

// PurgeOAuthStates drops expired rows from oauth_states.
func (s *Service) PurgeOAuthStates(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_states WHERE expires_at < ?`, time.Now().UTC())
	return err
}

// GoogleOAuth drives the Google authorization code flow.
type GoogleOAuth struct {
	auth        *Service
	config      *oauth2.Config
	userInfoURL string
}

// NewGoogleOAuth builds the flow from config. Returns nil when Google sign-in
// is not configured.
func NewGoogleOAuth(authService *Service, cfg *config.Config) *GoogleOAuth {
	if cfg == nil || !cfg.GoogleOAuthEnabled() {
		return nil
	}
	redirect := cfg.OAuth.Google.RedirectURL
	if redirect == "" {
		redirect = strings.TrimRight(cfg.BasicConfig.PublicBaseURL, "/") + "/auth/google/callback"
	}
	return &GoogleOAuth{
		auth: authService,
		config: &oauth2.Config{
			ClientID:     cfg.OAuth.Google.ClientID,
			ClientSecret: cfg.OAuth.Google.ClientSecret,
			RedirectURL:  redirect,
			Scopes:       []string{"openid", "email"},
			Endpoint:     google.Endpoint,
		},
		userInfoURL: googleUserInfoURL,
	}
}

// WithEndpoints overrides the provider URLs.
func (g *GoogleOAuth) WithEndpoints(endpoint oauth2.Endpoint, userInfoURL string) *GoogleOAuth {
	g.config.Endpoint = endpoint
	g.userInfoURL = userInfoURL
	return g
}

// AuthCodeURL stores a fresh state for mode and returns the provider consent URL.
func (g *GoogleOAuth) AuthCodeURL(ctx context.Context, mode string) (string, error) {
	if mode != "signup" {
		mode = "signin"
	}
	state, err := generateToken()
	if err != nil {
		return "", err
	}
	if err := g.auth.SaveOAuthState(ctx, state, mode); err != nil {
		return "", err
	}
	return g.config.AuthCodeURL(state, oauth2.AccessTypeOnline), nil
}

type googleUserInfo struct {
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
}

// Exchange validates state, trades code for a token and returns the user's verified email.
func (g *GoogleOAuth) Exchange(ctx context.Context, state, code string) (string, error) {
	if _, err := g.auth.ConsumeOAuthState(ctx, state); err != nil {
		return "", err
	}
	if code == "" {
		return "", errors.New("missing authorization code")
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	tok, err := g.config.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.userInfoURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := g.config.Client(ctx, tok).Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch userinfo: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo status %d", resp.StatusCode)
	}
	var info googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Email == "" || !info.EmailVerified {
		return "", ErrEmailNotVerified
	}
	return strings.ToLower(strings.TrimSpace(info.Email)), nil
}
