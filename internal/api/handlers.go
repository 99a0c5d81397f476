package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"curricullm/internal/auth"
	"curricullm/internal/service/account"
	"curricullm/internal/service/chat"
	"curricullm/internal/service/files"
	"curricullm/internal/worker"
)

// JobCanceler drops a user's queued background work.
type JobCanceler interface {
	CancelUser(userID int64)
}

// Handler wires the JSON API to the services.
type Handler struct {
	auth     *auth.Service
	accounts *account.Service
	files    *files.Service
	chat     *chat.Service
	jobs     JobCanceler
	logger   *slog.Logger
}

type Deps struct {
	Auth     *auth.Service
	Accounts *account.Service
	Files    *files.Service
	Chat     *chat.Service
	Jobs     JobCanceler
	Logger   *slog.Logger
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		auth:     d.Auth,
		accounts: d.Accounts,
		files:    d.Files,
		chat:     d.Chat,
		jobs:     d.Jobs,
		logger:   logger,
	}
}

// RegisterRoutes attaches all API routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/auth/signup", h.signUp)
	api.POST("/auth/signin", h.signIn)
	api.GET("/auth/session", h.auth.OptionalSession(), h.session)

	protected := api.Group("")
	protected.Use(h.auth.Middleware(), h.auth.CSRFMiddleware())
	protected.POST("/auth/signout", h.signOut)
	protected.DELETE("/auth/account", h.deleteAccount)

	protected.GET("/files", h.listFiles)
	protected.POST("/files", h.uploadFiles)
	protected.DELETE("/files/:id", h.removeFile)
	protected.GET("/files/:id/chunks", h.fileChunks)

	protected.GET("/chat/messages", h.chatHistory)
	protected.POST("/chat/messages", h.sendMessage)
	protected.DELETE("/chat/messages", h.clearChat)
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, account.ErrInvalidEmail),
		errors.Is(err, account.ErrWeakPassword),
		errors.Is(err, account.ErrPasswordTooLong),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrMessageTooLong):
		return http.StatusBadRequest
	case errors.Is(err, account.ErrInvalidCredentials):
		return http.StatusUnauthorized
	case errors.Is(err, account.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, account.ErrNotFound), errors.Is(err, files.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, worker.ErrDispatcherBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, worker.ErrDispatcherClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
		msg = "internal server error"
	case http.StatusTooManyRequests:
		msg = "server is busy, please retry"
	}
	c.JSON(status, gin.H{"error": msg})
}
