package server

import (
	"context"
	"errors"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/portal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/portal/backend/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errMissingAuthenticator = errors.New("authenticator dependency required")
	errMissingRegistrar     = errors.New("registrar dependency required")
	errMissingPrincipals    = errors.New("principal resolver dependency required")
	errMissingSessions      = errors.New("session manager dependency required")
)

// Authenticator verifies credentials for a named provider.
type Authenticator interface {
	Verify(ctx context.Context, provider string, credential auth.Credential) (users.User, error)
	AuthCodeURL(provider, state string) (string, error)
	Providers() []string
}

// AccountRegistrar creates local accounts.
type AccountRegistrar interface {
	Register(ctx context.Context, username, password string) (users.User, error)
}

// PrincipalResolver turns a serialized session principal into a user.
type PrincipalResolver interface {
	Deserialize(ctx context.Context, principal string) (users.User, error)
}

// SessionManager signs and reads session cookies.
type SessionManager interface {
	CookieName() string
	Issue(principal string) (string, time.Time, error)
	ValidateRequest(r *http.Request) (string, error)
}

// Dependencies bundles the collaborators of the HTTP handler.
type Dependencies struct {
	Authenticator  Authenticator
	Registrar      AccountRegistrar
	Principals     PrincipalResolver
	Sessions       SessionManager
	HealthCheck    func(ctx context.Context) error
	AllowedOrigins []string
	SecureCookies  bool
	Logger         *zap.Logger
}

// NewHTTPHandler wires the portal routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if deps.Registrar == nil {
		return nil, errMissingRegistrar
	}
	if deps.Principals == nil {
		return nil, errMissingPrincipals
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	pages, err := template.ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, err
	}

	handler := &httpHandler{
		authenticator: deps.Authenticator,
		registrar:     deps.Registrar,
		principals:    deps.Principals,
		sessions:      deps.Sessions,
		healthCheck:   deps.HealthCheck,
		secureCookies: deps.SecureCookies,
		logger:        logger,
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.SetHTMLTemplate(pages)

	router.GET("/healthz", handler.handleHealth)

	api := router.Group("/api")
	api.Use(corsMiddleware(deps.AllowedOrigins))
	api.OPTIONS("/*path", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	api.POST("/login", handler.handleAPILogin)
	api.POST("/auth/google", handler.handleAPIGoogleSignIn)

	site := router.Group("/")
	site.Use(handler.loadPrincipal, handler.csrfProtect)
	site.GET("/", handler.requirePrincipal, handler.handleIndex)
	site.GET("/login", handler.handleLoginPage)
	site.GET("/register", handler.handleRegisterPage)
	site.POST("/register", handler.handleRegister)
	site.POST("/login", handler.handleLogin)
	site.POST("/logout", handler.handleLogout)
	site.GET("/auth/:provider", handler.handleProviderRedirect)
	site.GET("/auth/:provider/callback", handler.handleProviderCallback)

	return router, nil
}

type httpHandler struct {
	authenticator Authenticator
	registrar     AccountRegistrar
	principals    PrincipalResolver
	sessions      SessionManager
	healthCheck   func(ctx context.Context) error
	secureCookies bool
	logger        *zap.Logger
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request.Context()); err != nil {
			h.logger.Error("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	origins := make([]string, 0, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		if strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://") {
			origins = append(origins, origin)
		}
	}

	config := cors.Config{
		AllowMethods:     []string{http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return false }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}
