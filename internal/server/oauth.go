package server

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/portal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/portal/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const stateCookiePath = "/auth"

func (h *httpHandler) handleProviderRedirect(c *gin.Context) {
	provider := c.Param("provider")
	if provider == users.ProviderLocal {
		h.renderError(c, http.StatusNotFound)
		return
	}

	state := uuid.NewString()
	redirectURL, err := h.authenticator.AuthCodeURL(provider, state)
	if errors.Is(err, auth.ErrUnknownProvider) {
		h.renderError(c, http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to build provider redirect", zap.String("provider", provider), zap.Error(err))
		h.renderError(c, http.StatusInternalServerError)
		return
	}

	h.setCookie(c, stateCookieName, state, stateMaxAge, stateCookiePath)
	c.Redirect(http.StatusFound, redirectURL)
}

func (h *httpHandler) handleProviderCallback(c *gin.Context) {
	provider := c.Param("provider")
	if provider == users.ProviderLocal {
		h.renderError(c, http.StatusNotFound)
		return
	}

	expectedState, _ := c.Cookie(stateCookieName)
	h.clearCookie(c, stateCookieName, stateCookiePath)
	state := c.Query("state")
	if expectedState == "" || subtle.ConstantTimeCompare([]byte(expectedState), []byte(state)) != 1 {
		h.logger.Warn("oauth state mismatch", zap.String("provider", provider))
		h.rejectProviderLogin(c)
		return
	}
	if providerErr := c.Query("error"); providerErr != "" {
		h.logger.Info("provider denied sign-in", zap.String("provider", provider), zap.String("error", providerErr))
		h.rejectProviderLogin(c)
		return
	}

	user, err := h.authenticator.Verify(c.Request.Context(), provider, auth.Credential{Code: c.Query("code")})
	switch {
	case err == nil:
		h.completeSignIn(c, user, http.StatusFound)
	case errors.Is(err, auth.ErrUnknownProvider):
		h.renderError(c, http.StatusNotFound)
	case errors.Is(err, auth.ErrAuthenticationFailed):
		h.logger.Info("provider login rejected", zap.String("provider", provider), zap.Error(err))
		h.rejectProviderLogin(c)
	default:
		h.logger.Error("provider login failed", zap.String("provider", provider), zap.Error(err))
		h.renderError(c, http.StatusInternalServerError)
	}
}

func (h *httpHandler) rejectProviderLogin(c *gin.Context) {
	h.setFlash(c, flashProviderFailed)
	c.Redirect(http.StatusFound, "/login")
}
