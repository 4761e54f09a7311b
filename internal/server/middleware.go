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

const csrfContextKey = "portal_csrf_token"

// loadPrincipal resolves the session cookie into a user carried on the request context.
func (h *httpHandler) loadPrincipal(c *gin.Context) {
	principal, err := h.sessions.ValidateRequest(c.Request)
	if errors.Is(err, auth.ErrMissingSessionToken) {
		c.Next()
		return
	}
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		h.endSession(c)
		c.Next()
		return
	}

	user, err := h.principals.Deserialize(c.Request.Context(), principal)
	if errors.Is(err, auth.ErrPrincipalNotFound) {
		h.logger.Warn("session principal resolution failed", zap.String("principal", principal), zap.Error(err))
		h.endSession(c)
		c.Next()
		return
	}
	if err != nil {
		h.logger.Error("session principal lookup failed", zap.Error(err))
		h.renderError(c, http.StatusInternalServerError)
		return
	}

	c.Request = c.Request.WithContext(auth.WithPrincipal(c.Request.Context(), user))
	c.Next()
}

func (h *httpHandler) requirePrincipal(c *gin.Context) {
	if _, ok := principalFrom(c); !ok {
		c.Redirect(http.StatusFound, "/login")
		c.Abort()
		return
	}
	c.Next()
}

// csrfProtect issues a double-submit token and checks it on state-changing requests.
func (h *httpHandler) csrfProtect(c *gin.Context) {
	token, err := c.Cookie(csrfCookieName)
	if c.Request.Method == http.MethodPost {
		submitted := c.PostForm(csrfFormField)
		if err != nil || token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(submitted)) != 1 {
			h.logger.Warn("csrf token mismatch", zap.String("path", c.FullPath()))
			h.renderError(c, http.StatusForbidden)
			return
		}
	}
	if err != nil || token == "" {
		token = uuid.NewString()
		h.setCookie(c, csrfCookieName, token, csrfMaxAge, "/")
	}
	c.Set(csrfContextKey, token)
	c.Next()
}

func principalFrom(c *gin.Context) (users.User, bool) {
	return auth.PrincipalFrom(c.Request.Context())
}

func (h *httpHandler) renderError(c *gin.Context, status int) {
	c.HTML(status, "error.tmpl", gin.H{
		"Status":  status,
		"Message": http.StatusText(status),
	})
	c.Abort()
}
