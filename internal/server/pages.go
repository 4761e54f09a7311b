package server

import (
	"errors"
	"net/http"

	"github.com/MarcoPoloResearchLab/portal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/portal/backend/internal/users"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	flashInvalidCredentials  = "invalid username or password"
	flashUsernameTaken       = "that username is already taken"
	flashInvalidRegistration = "please choose a username and password"
	flashProviderFailed      = "sign-in with the provider failed"
)

func (h *httpHandler) pageData(c *gin.Context) gin.H {
	data := gin.H{
		"CSRFToken": c.GetString(csrfContextKey),
		"Flash":     h.takeFlash(c),
		"Providers": h.authenticator.Providers(),
	}
	if user, ok := principalFrom(c); ok {
		data["User"] = user
	}
	return data
}

func (h *httpHandler) handleIndex(c *gin.Context) {
	c.HTML(http.StatusOK, "index.tmpl", h.pageData(c))
}

func (h *httpHandler) handleLoginPage(c *gin.Context) {
	c.HTML(http.StatusOK, "login.tmpl", h.pageData(c))
}

func (h *httpHandler) handleRegisterPage(c *gin.Context) {
	c.HTML(http.StatusOK, "register.tmpl", h.pageData(c))
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	user, err := h.registrar.Register(c.Request.Context(), c.PostForm("username"), c.PostForm("password"))
	switch {
	case err == nil:
	case errors.Is(err, users.ErrUsernameTaken):
		h.logger.Info("registration rejected", zap.String("reason", "username_taken"))
		h.setFlash(c, flashUsernameTaken)
		c.Redirect(http.StatusSeeOther, "/register")
		return
	case errors.Is(err, auth.ErrInvalidRegistration):
		h.logger.Info("registration rejected", zap.Error(err))
		h.setFlash(c, flashInvalidRegistration)
		c.Redirect(http.StatusSeeOther, "/register")
		return
	default:
		h.logger.Error("registration failed", zap.Error(err))
		h.renderError(c, http.StatusInternalServerError)
		return
	}

	h.logger.Info("local user registered", zap.String("user", user.ProviderUserID))
	h.completeSignIn(c, user, http.StatusSeeOther)
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	credential := auth.Credential{
		Username: c.PostForm("username"),
		Password: c.PostForm("password"),
	}
	user, err := h.authenticator.Verify(c.Request.Context(), users.ProviderLocal, credential)
	switch {
	case err == nil:
		h.completeSignIn(c, user, http.StatusSeeOther)
	case errors.Is(err, auth.ErrAuthenticationFailed):
		h.logger.Info("local login rejected", zap.Error(err))
		h.setFlash(c, flashInvalidCredentials)
		c.Redirect(http.StatusSeeOther, "/login")
	default:
		h.logger.Error("local login failed", zap.Error(err))
		h.renderError(c, http.StatusInternalServerError)
	}
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	h.endSession(c)
	c.Redirect(http.StatusSeeOther, "/login")
}

func (h *httpHandler) completeSignIn(c *gin.Context, user users.User, status int) {
	if err := h.startSession(c, user); err != nil {
		h.logger.Error("failed to issue session", zap.Error(err))
		h.renderError(c, http.StatusInternalServerError)
		return
	}
	c.Redirect(status, "/")
}
