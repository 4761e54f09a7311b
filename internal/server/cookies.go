package server

import (
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/portal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/portal/backend/internal/users"
	"github.com/gin-gonic/gin"
)

const (
	flashCookieName = "portal_flash"
	csrfCookieName  = "portal_csrf"
	stateCookieName = "portal_oauth_state"
	csrfFormField   = "_csrf"

	flashMaxAge = 60
	stateMaxAge = 600
	csrfMaxAge  = 12 * 60 * 60
)

func (h *httpHandler) setCookie(c *gin.Context, name, value string, maxAge int, path string) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(name, value, maxAge, path, "", h.secureCookies, true)
}

func (h *httpHandler) clearCookie(c *gin.Context, name, path string) {
	h.setCookie(c, name, "", -1, path)
}

// startSession binds the user to the response through a signed session cookie.
func (h *httpHandler) startSession(c *gin.Context, user users.User) error {
	token, expiresAt, err := h.sessions.Issue(auth.SerializePrincipal(user))
	if err != nil {
		return err
	}
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.sessions.CookieName(),
		Value:    token,
		Path:     "/",
		Expires:  expiresAt,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (h *httpHandler) endSession(c *gin.Context) {
	http.SetCookie(c.Writer, &http.Cookie{
		Name:     h.sessions.CookieName(),
		Value:    "",
		Path:     "/",
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *httpHandler) setFlash(c *gin.Context, message string) {
	h.setCookie(c, flashCookieName, message, flashMaxAge, "/")
}

// takeFlash returns the pending flash message and clears it.
func (h *httpHandler) takeFlash(c *gin.Context) string {
	message, err := c.Cookie(flashCookieName)
	if err != nil || message == "" {
		return ""
	}
	h.clearCookie(c, flashCookieName, "/")
	return message
}
