package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SetCookies writes the session and CSRF cookies.
func (s *Service) SetCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(s.tokenTTL.Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     s.cookieName,
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     s.csrfCookieName,
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

// ClearCookies expires the session and CSRF cookies.
func (s *Service) ClearCookies(c *gin.Context) {
	for _, name := range []string{s.cookieName, s.csrfCookieName} {
		http.SetCookie(c.Writer, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == s.cookieName,
			SameSite: http.SameSiteStrictMode,
		})
	}
}

// StartSession issues a token plus CSRF token for the user and sets both cookies.
func (s *Service) StartSession(c *gin.Context, userID int64) (string, error) {
	authToken, err := s.IssueToken(c.Request.Context(), userID)
	if err != nil {
		return "", err
	}
	csrfToken, err := s.NewCSRFToken()
	if err != nil {
		_ = s.RevokeToken(c.Request.Context(), authToken)
		return "", err
	}
	s.SetCookies(c, authToken, csrfToken)
	return authToken, nil
}

// EnsureCSRFCookie returns the current CSRF token, minting and setting one if absent.
func (s *Service) EnsureCSRFCookie(c *gin.Context) string {
	if token, err := c.Cookie(s.csrfCookieName); err == nil && token != "" {
		return token
	}
	token, err := s.NewCSRFToken()
	if err != nil {
		return ""
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     s.csrfCookieName,
		Value:    token,
		MaxAge:   int(s.tokenTTL.Seconds()),
		Path:     "/",
		Secure:   gin.Mode() == gin.ReleaseMode,
		SameSite: http.SameSiteStrictMode,
	})
	return token
}
