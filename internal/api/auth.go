package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"curricullm/internal/auth"
	"curricullm/internal/models"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) signUp(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.SignUp(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithSession(c, http.StatusCreated, user)
}

func (h *Handler) signIn(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.accounts.SignIn(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(c, err)
		return
	}
	h.respondWithSession(c, http.StatusOK, user)
}

func (h *Handler) respondWithSession(c *gin.Context, status int, user *models.User) {
	authToken, err := h.auth.StartSession(c, user.ID)
	if err != nil {
		h.logger.Error("issue token", "user_id", user.ID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	c.JSON(status, gin.H{
		"id":         user.ID,
		"email":      user.Email,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) session(c *gin.Context) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	user, err := h.accounts.GetByID(c.Request.Context(), userID)
	if err != nil {
		// token outlived its user
		c.JSON(http.StatusOK, gin.H{"authenticated": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"authenticated": true, "user": user})
}

func (h *Handler) signOut(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if h.jobs != nil {
		h.jobs.CancelUser(userID)
	}
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		if err := h.auth.RevokeToken(c.Request.Context(), authToken); err != nil {
			h.logger.Warn("revoke token", "user_id", userID, "error", err)
		}
	}
	h.auth.ClearCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteAccount(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if h.jobs != nil {
		h.jobs.CancelUser(userID)
	}
	if _, err := h.files.RemoveAll(ctx, userID); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.auth.RevokeUserTokens(ctx, userID); err != nil {
		h.writeError(c, err)
		return
	}
	if err := h.chat.Clear(ctx, userID); err != nil {
		h.logger.Warn("clear chat history", "user_id", userID, "error", err)
	}
	if err := h.accounts.DeleteUser(ctx, userID); err != nil {
		h.writeError(c, err)
		return
	}
	h.logger.Info("account deleted", "user_id", userID)
	h.auth.ClearCookies(c)
	c.Status(http.StatusNoContent)
}
