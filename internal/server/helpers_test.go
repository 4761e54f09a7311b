package server

import (
	"context"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/portal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/portal/backend/internal/users"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSessionCookieName = "portal_session"

type portalFixture struct {
	t      *testing.T
	server *httptest.Server
	client *http.Client
	store  *users.Service
}

func newPortalFixture(t *testing.T) *portalFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "portal.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&users.User{}, &users.LocalCredential{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build user store: %v", err)
	}
	localVerifier, err := auth.NewLocalVerifier(auth.LocalVerifierConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to build local verifier: %v", err)
	}
	registry, err := auth.NewRegistry(localVerifier, &stubProviderVerifier{name: users.ProviderGitHub, store: store})
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	registrar, err := auth.NewRegistrar(auth.RegistrarConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to build registrar: %v", err)
	}
	resolver, err := auth.NewPrincipalResolver(store)
	if err != nil {
		t.Fatalf("failed to build resolver: %v", err)
	}
	sessions, err := auth.NewSessionCodec(auth.SessionCodecConfig{
		SigningSecret: []byte("test-secret"),
		CookieName:    testSessionCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build session codec: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Authenticator: registry,
		Registrar:     registrar,
		Principals:    resolver,
		Sessions:      sessions,
		HealthCheck:   store.Ping,
		Logger:        zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("failed to create cookie jar: %v", err)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return &portalFixture{t: t, server: server, client: client, store: store}
}

func (f *portalFixture) get(path string) (*http.Response, string) {
	f.t.Helper()
	response, err := f.client.Get(f.server.URL + path)
	if err != nil {
		f.t.Fatalf("GET %s failed: %v", path, err)
	}
	return response, readBody(f.t, response)
}

func (f *portalFixture) postForm(path string, values url.Values) *http.Response {
	f.t.Helper()
	response, err := f.client.PostForm(f.server.URL+path, values)
	if err != nil {
		f.t.Fatalf("POST %s failed: %v", path, err)
	}
	readBody(f.t, response)
	return response
}

// csrfForm loads a page so the CSRF cookie exists and returns form values carrying the token.
func (f *portalFixture) csrfForm(fields map[string]string) url.Values {
	f.t.Helper()
	f.get("/login")
	token := f.cookie("/", csrfCookieName)
	if token == "" {
		f.t.Fatalf("expected csrf cookie to be issued")
	}
	values := url.Values{csrfFormField: {token}}
	for key, value := range fields {
		values.Set(key, value)
	}
	return values
}

func (f *portalFixture) cookie(path, name string) string {
	f.t.Helper()
	target, err := url.Parse(f.server.URL + path)
	if err != nil {
		f.t.Fatalf("bad url: %v", err)
	}
	for _, cookie := range f.client.Jar.Cookies(target) {
		if cookie.Name == name {
			return cookie.Value
		}
	}
	return ""
}

func readBody(t *testing.T, response *http.Response) string {
	t.Helper()
	defer response.Body.Close()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	return string(body)
}

func expectRedirect(t *testing.T, response *http.Response, status int, location string) {
	t.Helper()
	if response.StatusCode != status {
		t.Fatalf("expected status %d, got %d", status, response.StatusCode)
	}
	if got := response.Header.Get("Location"); got != location {
		t.Fatalf("expected redirect to %q, got %q", location, got)
	}
}

type stubProviderVerifier struct {
	name  string
	store auth.IdentityStore
}

func (s *stubProviderVerifier) Provider() string {
	return s.name
}

func (s *stubProviderVerifier) AuthCodeURL(state string) string {
	return "https://provider.example.com/authorize?state=" + url.QueryEscape(state)
}

func (s *stubProviderVerifier) Verify(ctx context.Context, credential auth.Credential) (users.User, error) {
	if credential.Code != "good-code" {
		return users.User{}, auth.ErrProviderRejected
	}
	return s.store.FirstOrCreateByProvider(ctx, s.name, "42", nil, nil)
}

type stubAuthenticator struct {
	user users.User
	err  error
}

func (s stubAuthenticator) Verify(context.Context, string, auth.Credential) (users.User, error) {
	return s.user, s.err
}

func (s stubAuthenticator) AuthCodeURL(string, string) (string, error) {
	return "", auth.ErrUnknownProvider
}

func (s stubAuthenticator) Providers() []string {
	return nil
}

type stubRegistrar struct {
	err error
}

func (s stubRegistrar) Register(_ context.Context, username, _ string) (users.User, error) {
	return users.User{Provider: users.ProviderLocal, ProviderUserID: username}, s.err
}

type stubPrincipals struct {
	user users.User
	err  error
}

func (s stubPrincipals) Deserialize(context.Context, string) (users.User, error) {
	return s.user, s.err
}

type stubSessions struct {
	principal   string
	validateErr error
}

func (s stubSessions) CookieName() string {
	return testSessionCookieName
}

func (s stubSessions) Issue(principal string) (string, time.Time, error) {
	return "token-for-" + strings.ReplaceAll(principal, ":", "-"), time.Now().Add(time.Hour), nil
}

func (s stubSessions) ValidateRequest(*http.Request) (string, error) {
	return s.principal, s.validateErr
}

func newStubHandler(t *testing.T, deps Dependencies) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if deps.Authenticator == nil {
		deps.Authenticator = stubAuthenticator{}
	}
	if deps.Registrar == nil {
		deps.Registrar = stubRegistrar{}
	}
	if deps.Principals == nil {
		deps.Principals = stubPrincipals{}
	}
	if deps.Sessions == nil {
		deps.Sessions = stubSessions{validateErr: auth.ErrMissingSessionToken}
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return handler
}
