package web

import (
	"embed"
	"errors"
	"fmt"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"

	"curricullm/internal/auth"
	"curricullm/internal/models"
	"curricullm/internal/service/account"
)

//go:embed templates/*.html
var templateFiles embed.FS

// staticFiles holds the page scripts and styles.
//
//go:embed static
var staticFiles embed.FS

const (
	loginPath     = "/login"
	dashboardPath = "/dashboard"
)

// JobCanceler drops a user's queued background work.
type JobCanceler interface {
	CancelUser(userID int64)
}

// Pages serves the HTML front end.
type Pages struct {
	auth     *auth.Service
	accounts *account.Service
	google   *auth.GoogleOAuth
	jobs     JobCanceler
	tmpl     *template.Template
	logger   *slog.Logger
}

type Deps struct {
	Auth     *auth.Service
	Accounts *account.Service
	Google   *auth.GoogleOAuth // nil disables Google sign-in
	Jobs     JobCanceler
	Logger   *slog.Logger
}

func NewPages(d Deps) (*Pages, error) {
	tmpl, err := template.ParseFS(templateFiles, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pages{
		auth:     d.Auth,
		accounts: d.Accounts,
		google:   d.Google,
		jobs:     d.Jobs,
		tmpl:     tmpl,
		logger:   logger,
	}, nil
}

// RegisterRoutes attaches the pages, form handlers and static assets.
func (p *Pages) RegisterRoutes(router *gin.Engine) {
	router.SetHTMLTemplate(p.tmpl)
	static, _ := fs.Sub(staticFiles, "static")
	router.StaticFS("/static", http.FS(static))

	router.GET("/", p.auth.OptionalSession(), p.landing)
	router.GET("/signup", p.signUpForm)
	router.GET(loginPath, p.signInForm)

	forms := router.Group("", p.auth.FormCSRFMiddleware())
	forms.POST("/signup", p.signUp)
	forms.POST(loginPath, p.signIn)
	forms.POST("/signout", p.auth.OptionalSession(), p.signOut)

	router.GET(dashboardPath, p.auth.PageGuard(loginPath), p.dashboard)
	router.GET("/auth/google", p.googleStart)
	router.GET("/auth/google/callback", p.googleCallback)
}

type authPage struct {
	Mode          string
	Title         string
	Description   string
	Submit        string
	Error         string
	Email         string
	CSRFToken     string
	GoogleEnabled bool
}

func (p *Pages) landing(c *gin.Context) {
	_, authenticated := auth.UserIDFromContext(c)
	c.HTML(http.StatusOK, "landing.html", gin.H{"Authenticated": authenticated})
}

func (p *Pages) signUpForm(c *gin.Context) {
	p.renderAuth(c, http.StatusOK, "signup", "", "")
}

func (p *Pages) signInForm(c *gin.Context) {
	p.renderAuth(c, http.StatusOK, "login", c.Query("error"), "")
}

func (p *Pages) renderAuth(c *gin.Context, status int, mode, errMsg, email string) {
	page := authPage{
		Mode:          mode,
		Title:         "Sign In",
		Description:   "Enter your email below to sign in to your account",
		Submit:        "Sign in",
		Error:         errMsg,
		Email:         email,
		CSRFToken:     p.auth.EnsureCSRFCookie(c),
		GoogleEnabled: p.google != nil,
	}
	if mode == "signup" {
		page.Title = "Sign Up"
		page.Description = "Enter your email below to create your account"
		page.Submit = "Create account"
	}
	c.HTML(status, "auth.html", page)
}

func (p *Pages) signUp(c *gin.Context) {
	email := c.PostForm("email")
	user, err := p.accounts.SignUp(c.Request.Context(), email, c.PostForm("password"))
	if err != nil {
		p.renderAuth(c, http.StatusBadRequest, "signup", formError(err), email)
		return
	}
	p.startSession(c, user)
}

func (p *Pages) signIn(c *gin.Context) {
	email := c.PostForm("email")
	user, err := p.accounts.SignIn(c.Request.Context(), email, c.PostForm("password"))
	if err != nil {
		p.renderAuth(c, http.StatusUnauthorized, "login", formError(err), email)
		return
	}
	p.startSession(c, user)
}

func (p *Pages) startSession(c *gin.Context, user *models.User) {
	if _, err := p.auth.StartSession(c, user.ID); err != nil {
		p.logger.Error("start session", "user_id", user.ID, "error", err)
		redirectWithError(c, "Could not start a session, please try again")
		return
	}
	c.Redirect(http.StatusSeeOther, dashboardPath)
}

func (p *Pages) signOut(c *gin.Context) {
	if userID, ok := auth.UserIDFromContext(c); ok && p.jobs != nil {
		p.jobs.CancelUser(userID)
	}
	if token, ok := auth.AuthTokenFromContext(c); ok {
		if err := p.auth.RevokeToken(c.Request.Context(), token); err != nil {
			p.logger.Warn("revoke token", "error", err)
		}
	}
	p.auth.ClearCookies(c)
	c.Redirect(http.StatusSeeOther, "/")
}

func (p *Pages) dashboard(c *gin.Context) {
	userID, _ := auth.UserIDFromContext(c)
	user, err := p.accounts.GetByID(c.Request.Context(), userID)
	if err != nil {
		if !errors.Is(err, account.ErrNotFound) {
			p.logger.Error("load dashboard user", "user_id", userID, "error", err)
		}
		p.auth.ClearCookies(c)
		c.Redirect(http.StatusFound, loginPath)
		return
	}
	c.HTML(http.StatusOK, "dashboard.html", gin.H{
		"Email":     user.Email,
		"CSRFToken": p.auth.EnsureCSRFCookie(c),
	})
}

func (p *Pages) googleStart(c *gin.Context) {
	if p.google == nil {
		redirectWithError(c, "Google sign-in is not configured")
		return
	}
	target, err := p.google.AuthCodeURL(c.Request.Context(), c.Query("mode"))
	if err != nil {
		p.logger.Error("google auth url", "error", err)
		redirectWithError(c, "Could not start Google sign-in")
		return
	}
	c.Redirect(http.StatusFound, target)
}

func (p *Pages) googleCallback(c *gin.Context) {
	if p.google == nil {
		redirectWithError(c, "Google sign-in is not configured")
		return
	}
	if providerErr := c.Query("error"); providerErr != "" {
		redirectWithError(c, "Google sign-in was cancelled")
		return
	}
	ctx := c.Request.Context()
	email, err := p.google.Exchange(ctx, c.Query("state"), c.Query("code"))
	if err != nil {
		p.logger.Warn("google exchange", "error", err)
		msg := "Google sign-in failed"
		if errors.Is(err, auth.ErrInvalidOAuthState) || errors.Is(err, auth.ErrEmailNotVerified) {
			msg = capitalize(err.Error())
		}
		redirectWithError(c, msg)
		return
	}
	user, err := p.accounts.FindOrCreateOAuthUser(ctx, models.ProviderGoogle, email)
	if err != nil {
		p.logger.Error("google user", "error", err)
		redirectWithError(c, "Google sign-in failed")
		return
	}
	p.startSession(c, user)
}

func redirectWithError(c *gin.Context, msg string) {
	c.Redirect(http.StatusSeeOther, loginPath+"?error="+url.QueryEscape(msg))
}

// formError shows validation messages and hides everything else.
func formError(err error) string {
	switch {
	case errors.Is(err, account.ErrInvalidEmail),
		errors.Is(err, account.ErrWeakPassword),
		errors.Is(err, account.ErrPasswordTooLong),
		errors.Is(err, account.ErrEmailTaken),
		errors.Is(err, account.ErrInvalidCredentials):
		return capitalize(err.Error())
	default:
		return "Something went wrong, please try again"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
