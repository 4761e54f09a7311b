package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/portal/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/portal/backend/internal/users"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLocalRegistrationLoginAndLogoutFlow(t *testing.T) {
	fixture := newPortalFixture(t)

	response, _ := fixture.get("/")
	expectRedirect(t, response, http.StatusFound, "/login")

	response = fixture.postForm("/register", fixture.csrfForm(map[string]string{
		"username": "alice",
		"password": "secret123",
	}))
	expectRedirect(t, response, http.StatusSeeOther, "/")

	response, body := fixture.get("/")
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected index to render, got %d", response.StatusCode)
	}
	if !strings.Contains(body, "alice") || !strings.Contains(body, "via local") {
		t.Fatalf("expected index to show the local user, got %q", body)
	}

	response = fixture.postForm("/logout", fixture.csrfForm(nil))
	expectRedirect(t, response, http.StatusSeeOther, "/login")
	if fixture.cookie("/", testSessionCookieName) != "" {
		t.Fatalf("expected session cookie to be cleared after logout")
	}
	response, _ = fixture.get("/")
	expectRedirect(t, response, http.StatusFound, "/login")

	response = fixture.postForm("/login", fixture.csrfForm(map[string]string{
		"username": "alice",
		"password": "secret123",
	}))
	expectRedirect(t, response, http.StatusSeeOther, "/")
	response, body = fixture.get("/")
	if response.StatusCode != http.StatusOK || !strings.Contains(body, "alice") {
		t.Fatalf("expected signed-in index after login, got %d %q", response.StatusCode, body)
	}
}

func TestLocalLoginRejectionsShareOneFlashMessage(t *testing.T) {
	fixture := newPortalFixture(t)
	response := fixture.postForm("/register", fixture.csrfForm(map[string]string{
		"username": "alice",
		"password": "secret123",
	}))
	expectRedirect(t, response, http.StatusSeeOther, "/")
	fixture.postForm("/logout", fixture.csrfForm(nil))

	attempts := []map[string]string{
		{"username": "alice", "password": "wrong"},
		{"username": "mallory", "password": "secret123"},
	}
	for _, attempt := range attempts {
		response = fixture.postForm("/login", fixture.csrfForm(attempt))
		expectRedirect(t, response, http.StatusSeeOther, "/login")

		_, body := fixture.get("/login")
		if !strings.Contains(body, flashInvalidCredentials) {
			t.Fatalf("expected flash %q for %s, got %q", flashInvalidCredentials, attempt["username"], body)
		}
		if fixture.cookie("/", testSessionCookieName) != "" {
			t.Fatalf("expected no session after rejected login for %s", attempt["username"])
		}
	}

	_, body := fixture.get("/login")
	if strings.Contains(body, flashInvalidCredentials) {
		t.Fatalf("expected flash to be shown only once")
	}
}

func TestRegisterDuplicateUsernameFlashesConflict(t *testing.T) {
	fixture := newPortalFixture(t)
	fixture.postForm("/register", fixture.csrfForm(map[string]string{"username": "alice", "password": "secret123"}))
	fixture.postForm("/logout", fixture.csrfForm(nil))

	response := fixture.postForm("/register", fixture.csrfForm(map[string]string{
		"username": "alice",
		"password": "another-secret",
	}))
	expectRedirect(t, response, http.StatusSeeOther, "/register")

	_, body := fixture.get("/register")
	if !strings.Contains(body, flashUsernameTaken) {
		t.Fatalf("expected username taken flash, got %q", body)
	}

	response = fixture.postForm("/login", fixture.csrfForm(map[string]string{"username": "alice", "password": "secret123"}))
	expectRedirect(t, response, http.StatusSeeOther, "/")
}

func TestRegisterRejectsInvalidInput(t *testing.T) {
	fixture := newPortalFixture(t)

	response := fixture.postForm("/register", fixture.csrfForm(map[string]string{"username": "a:b", "password": "secret123"}))
	expectRedirect(t, response, http.StatusSeeOther, "/register")

	_, body := fixture.get("/register")
	if !strings.Contains(body, flashInvalidRegistration) {
		t.Fatalf("expected invalid registration flash, got %q", body)
	}
}

func TestPostWithoutCSRFTokenIsForbidden(t *testing.T) {
	fixture := newPortalFixture(t)
	fixture.get("/login")

	response := fixture.postForm("/login", url.Values{"username": {"alice"}, "password": {"secret123"}})
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf token, got %d", response.StatusCode)
	}

	response = fixture.postForm("/login", url.Values{csrfFormField: {"forged"}, "username": {"alice"}})
	if response.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 with forged csrf token, got %d", response.StatusCode)
	}
}

func TestProviderSignInRequiresMatchingState(t *testing.T) {
	fixture := newPortalFixture(t)

	response, _ := fixture.get("/auth/github")
	if response.StatusCode != http.StatusFound {
		t.Fatalf("expected redirect to provider, got %d", response.StatusCode)
	}
	location, err := url.Parse(response.Header.Get("Location"))
	if err != nil {
		t.Fatalf("invalid provider redirect: %v", err)
	}
	state := location.Query().Get("state")
	if state == "" || fixture.cookie("/auth/github/callback", stateCookieName) != state {
		t.Fatalf("expected state cookie to match redirect state %q", state)
	}

	response, _ = fixture.get("/auth/github/callback?state=forged&code=good-code")
	expectRedirect(t, response, http.StatusFound, "/login")
	if fixture.cookie("/", testSessionCookieName) != "" {
		t.Fatalf("expected no session after state mismatch")
	}

	response, _ = fixture.get("/auth/github")
	location, _ = url.Parse(response.Header.Get("Location"))
	state = location.Query().Get("state")

	response, _ = fixture.get("/auth/github/callback?state=" + url.QueryEscape(state) + "&code=good-code")
	expectRedirect(t, response, http.StatusFound, "/")

	_, body := fixture.get("/")
	if !strings.Contains(body, "42") || !strings.Contains(body, "via github") {
		t.Fatalf("expected github user on index, got %q", body)
	}
}

func TestProviderCallbackRejectionFlashes(t *testing.T) {
	fixture := newPortalFixture(t)

	response, _ := fixture.get("/auth/github")
	location, _ := url.Parse(response.Header.Get("Location"))
	state := location.Query().Get("state")

	response, _ = fixture.get("/auth/github/callback?state=" + url.QueryEscape(state) + "&code=bad-code")
	expectRedirect(t, response, http.StatusFound, "/login")

	_, body := fixture.get("/login")
	if !strings.Contains(body, flashProviderFailed) {
		t.Fatalf("expected provider failure flash, got %q", body)
	}
}

func TestProviderRoutesRejectUnknownAndLocalProviders(t *testing.T) {
	fixture := newPortalFixture(t)

	for _, path := range []string{"/auth/gitlab", "/auth/local", "/auth/local/callback"} {
		response, _ := fixture.get(path)
		if response.StatusCode != http.StatusNotFound {
			t.Fatalf("expected 404 for %s, got %d", path, response.StatusCode)
		}
	}
}

func TestLoginPageListsRedirectProviders(t *testing.T) {
	fixture := newPortalFixture(t)

	_, body := fixture.get("/login")
	if !strings.Contains(body, `href="/auth/github"`) {
		t.Fatalf("expected github link on login page, got %q", body)
	}
	if strings.Contains(body, `href="/auth/local"`) {
		t.Fatalf("expected local provider to be omitted from links")
	}
}

func TestLocalLoginStoreFailureRendersServerError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	handler := newStubHandler(t, Dependencies{
		Authenticator: stubAuthenticator{err: fmt.Errorf("%w: connection refused", auth.ErrStoreFailure)},
		Logger:        zap.New(core),
	})

	request := httptest.NewRequest(http.MethodPost, "/login", strings.NewReader(url.Values{
		csrfFormField: {"token"},
		"username":    {"alice"},
		"password":    {"secret123"},
	}.Encode()))
	request.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	request.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "token"})

	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for store failure, got %d", recorder.Code)
	}
	if logs.FilterLevelExact(zapcore.ErrorLevel).FilterMessage("local login failed").Len() != 1 {
		t.Fatalf("expected store failure to be logged at error level, got %v", logs.All())
	}
}

func TestAPILoginDistinguishesRejectionFromStoreFailure(t *testing.T) {
	avatar := "https://example.com/a.png"
	testCases := []struct {
		name       string
		auth       stubAuthenticator
		body       string
		wantStatus int
	}{
		{
			name:       "verified",
			auth:       stubAuthenticator{user: users.User{Provider: users.ProviderLocal, ProviderUserID: "alice", AvatarURL: &avatar}},
			body:       `{"username":"alice","password":"secret123"}`,
			wantStatus: http.StatusOK,
		},
		{
			name:       "rejected",
			auth:       stubAuthenticator{err: auth.ErrInvalidCredentials},
			body:       `{"username":"alice","password":"wrong"}`,
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "store failure",
			auth:       stubAuthenticator{err: fmt.Errorf("%w: timeout", auth.ErrStoreFailure)},
			body:       `{"username":"alice","password":"secret123"}`,
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "malformed",
			auth:       stubAuthenticator{},
			body:       `{"password":"secret123"}`,
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			handler := newStubHandler(t, Dependencies{Authenticator: testCase.auth})

			request := httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(testCase.body))
			request.Header.Set("Content-Type", "application/json")
			recorder := httptest.NewRecorder()
			handler.ServeHTTP(recorder, request)

			if recorder.Code != testCase.wantStatus {
				t.Fatalf("expected status %d, got %d", testCase.wantStatus, recorder.Code)
			}
			if testCase.wantStatus != http.StatusOK {
				return
			}
			var payload principalResponsePayload
			if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if payload.Provider != users.ProviderLocal || payload.ProviderUserID != "alice" {
				t.Fatalf("unexpected principal payload: %+v", payload)
			}
			if payload.AvatarURL == nil || *payload.AvatarURL != avatar {
				t.Fatalf("expected avatar in payload, got %v", payload.AvatarURL)
			}
			if !strings.HasPrefix(recorder.Header().Get("Set-Cookie"), testSessionCookieName+"=token-for-local-alice") {
				t.Fatalf("expected session cookie, got %q", recorder.Header().Get("Set-Cookie"))
			}
		})
	}
}

func TestAPIGoogleSignInRequiresIDToken(t *testing.T) {
	handler := newStubHandler(t, Dependencies{
		Authenticator: stubAuthenticator{err: auth.ErrUnknownProvider},
	})

	request := httptest.NewRequest(http.MethodPost, "/api/auth/google", strings.NewReader(`{}`))
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without id token, got %d", recorder.Code)
	}

	request = httptest.NewRequest(http.MethodPost, "/api/auth/google", strings.NewReader(`{"id_token":"abc"}`))
	request.Header.Set("Content-Type", "application/json")
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when google is not configured, got %d", recorder.Code)
	}
}

func TestHealthEndpointReportsDatabaseState(t *testing.T) {
	fixture := newPortalFixture(t)
	response, body := fixture.get("/healthz")
	if response.StatusCode != http.StatusOK || !strings.Contains(body, `"ok"`) {
		t.Fatalf("expected healthy response, got %d %q", response.StatusCode, body)
	}

	handler := newStubHandler(t, Dependencies{
		HealthCheck: func(context.Context) error { return errors.New("database is closed") },
	})
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/healthz", http.NoBody))
	if recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when the database is unavailable, got %d", recorder.Code)
	}
}

func TestNewHTTPHandlerRequiresDependencies(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{}); !errors.Is(err, errMissingAuthenticator) {
		t.Fatalf("expected missing authenticator error, got %v", err)
	}
	if _, err := NewHTTPHandler(Dependencies{Authenticator: stubAuthenticator{}}); !errors.Is(err, errMissingRegistrar) {
		t.Fatalf("expected missing registrar error, got %v", err)
	}
}
