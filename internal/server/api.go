package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/portal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/portal/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type loginRequestPayload struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type idTokenRequestPayload struct {
	IDToken string `json:"id_token"`
}

type principalResponsePayload struct {
	Provider       string  `json:"provider"`
	ProviderUserID string  `json:"provider_user_id"`
	AvatarURL      *string `json:"avatar_url,omitempty"`
}

func (h *httpHandler) handleAPILogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.Username) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.respondWithPrincipal(c, users.ProviderLocal, auth.Credential{
		Username: request.Username,
		Password: request.Password,
	})
}

func (h *httpHandler) handleAPIGoogleSignIn(c *gin.Context) {
	var request idTokenRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IDToken) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	h.respondWithPrincipal(c, users.ProviderGoogle, auth.Credential{IDToken: request.IDToken})
}

func (h *httpHandler) respondWithPrincipal(c *gin.Context, provider string, credential auth.Credential) {
	user, err := h.authenticator.Verify(c.Request.Context(), provider, credential)
	switch {
	case err == nil:
	case errors.Is(err, auth.ErrUnknownProvider):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_provider"})
		return
	case errors.Is(err, auth.ErrAuthenticationFailed):
		h.logger.Info("api login rejected", zap.String("provider", provider), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	default:
		h.logger.Error("api login failed", zap.String("provider", provider), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	if err := h.startSession(c, user); err != nil {
		h.logger.Error("failed to issue session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_issue_failed"})
		return
	}
	c.JSON(http.StatusOK, principalResponsePayload{
		Provider:       user.Provider,
		ProviderUserID: user.ProviderUserID,
		AvatarURL:      user.AvatarURL,
	})
}
