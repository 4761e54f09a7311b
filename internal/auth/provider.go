package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/portal/backend/internal/users"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

const (
	githubProfileURL = "https://api.github.com/user"
	googleProfileURL = "https://www.googleapis.com/oauth2/v3/userinfo"
	maxProfileBytes  = 1 << 20
)

// Profile is the provider-reported identity used for provisioning.
type Profile struct {
	ID     string
	Photos []string
}

// ProfileDecoder turns a provider profile response body into a Profile.
type ProfileDecoder func(body []byte) (Profile, error)

// IDTokenVerifier validates provider-issued ID tokens.
type IDTokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (IDTokenClaims, error)
}

// ProviderConfig describes one OAuth2 identity provider.
type ProviderConfig struct {
	Name         string
	ClientID     string
	ClientSecret string
	CallbackURL  string
	Scopes       []string
	// AuthURL, TokenURL and ProfileURL override the provider defaults.
	AuthURL    string
	TokenURL   string
	ProfileURL string
	Store      IdentityStore
	HTTPClient *http.Client
	Logger     *zap.Logger
	// IDTokens enables direct ID token sign-in when set.
	IDTokens IDTokenVerifier
}

// ProviderVerifier completes an OAuth2 authorization code exchange and provisions the resulting identity.
type ProviderVerifier struct {
	name       string
	oauth      *oauth2.Config
	profileURL string
	decode     ProfileDecoder
	store      IdentityStore
	httpClient *http.Client
	logger     *zap.Logger
	idTokens   IDTokenVerifier
}

// NewGitHubVerifier builds a verifier for GitHub sign-in.
func NewGitHubVerifier(cfg ProviderConfig) (*ProviderVerifier, error) {
	if cfg.Name == "" {
		cfg.Name = users.ProviderGitHub
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"read:user"}
	}
	if cfg.ProfileURL == "" {
		cfg.ProfileURL = githubProfileURL
	}
	return newProviderVerifier(cfg, github.Endpoint, decodeGitHubProfile)
}

// NewGoogleVerifier builds a verifier for Google sign-in.
func NewGoogleVerifier(cfg ProviderConfig) (*ProviderVerifier, error) {
	if cfg.Name == "" {
		cfg.Name = users.ProviderGoogle
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{"profile"}
	}
	if cfg.ProfileURL == "" {
		cfg.ProfileURL = googleProfileURL
	}
	return newProviderVerifier(cfg, google.Endpoint, decodeGoogleProfile)
}

func newProviderVerifier(cfg ProviderConfig, endpoint oauth2.Endpoint, decode ProfileDecoder) (*ProviderVerifier, error) {
	if strings.TrimSpace(cfg.ClientID) == "" || strings.TrimSpace(cfg.ClientSecret) == "" {
		return nil, fmt.Errorf("auth: %s client credentials required", cfg.Name)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("auth: identity store required")
	}
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProviderVerifier{
		name: cfg.Name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.CallbackURL,
			Scopes:       cfg.Scopes,
			Endpoint:     endpoint,
		},
		profileURL: cfg.ProfileURL,
		decode:     decode,
		store:      cfg.Store,
		httpClient: httpClient,
		logger:     logger,
		idTokens:   cfg.IDTokens,
	}, nil
}

// Provider returns the provider name.
func (v *ProviderVerifier) Provider() string {
	return v.name
}

// AuthCodeURL returns the provider consent page for the given state.
func (v *ProviderVerifier) AuthCodeURL(state string) string {
	return v.oauth.AuthCodeURL(state)
}

// Verify exchanges the authorization code, loads the profile and provisions the user.
func (v *ProviderVerifier) Verify(ctx context.Context, credential Credential) (users.User, error) {
	if credential.Code == "" && credential.IDToken != "" && v.idTokens != nil {
		return v.verifyIDToken(ctx, credential.IDToken)
	}
	if strings.TrimSpace(credential.Code) == "" {
		return users.User{}, fmt.Errorf("%w: missing authorization code", ErrProviderRejected)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, v.httpClient)
	token, err := v.oauth.Exchange(ctx, credential.Code)
	if err != nil {
		v.logger.Warn("oauth code exchange failed", zap.String("provider", v.name), zap.Error(err))
		return users.User{}, fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}

	profile, err := v.fetchProfile(ctx, token)
	if err != nil {
		v.logger.Warn("oauth profile fetch failed", zap.String("provider", v.name), zap.Error(err))
		return users.User{}, fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}

	return v.provision(ctx, profile, &token.AccessToken)
}

func (v *ProviderVerifier) verifyIDToken(ctx context.Context, rawToken string) (users.User, error) {
	claims, err := v.idTokens.Verify(ctx, rawToken)
	if err != nil {
		v.logger.Warn("id token verification failed", zap.String("provider", v.name), zap.Error(err))
		return users.User{}, fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}
	profile := Profile{ID: claims.Subject}
	if claims.Picture != "" {
		profile.Photos = []string{claims.Picture}
	}
	return v.provision(ctx, profile, nil)
}

func (v *ProviderVerifier) provision(ctx context.Context, profile Profile, accessToken *string) (users.User, error) {
	user, err := v.store.FirstOrCreateByProvider(ctx, v.name, profile.ID, accessToken, profile.AvatarURL())
	if errors.Is(err, users.ErrInvalidIdentity) {
		return users.User{}, fmt.Errorf("%w: %v", ErrProviderRejected, err)
	}
	if err != nil {
		return users.User{}, storeFailure(err)
	}
	return user, nil
}

func (v *ProviderVerifier) fetchProfile(ctx context.Context, token *oauth2.Token) (Profile, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, v.profileURL, nil)
	if err != nil {
		return Profile{}, err
	}
	request.Header.Set("Accept", "application/json")

	response, err := v.oauth.Client(ctx, token).Do(request)
	if err != nil {
		return Profile{}, err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("profile request returned status %d", response.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(response.Body, maxProfileBytes))
	if err != nil {
		return Profile{}, err
	}
	return v.decode(body)
}

// AvatarURL returns the first photo, or nil when the profile has none.
func (p Profile) AvatarURL() *string {
	for _, photo := range p.Photos {
		if trimmed := strings.TrimSpace(photo); trimmed != "" {
			return &trimmed
		}
	}
	return nil
}

type githubProfile struct {
	ID        json.Number `json:"id"`
	AvatarURL string      `json:"avatar_url"`
}

func decodeGitHubProfile(body []byte) (Profile, error) {
	var payload githubProfile
	if err := json.Unmarshal(body, &payload); err != nil {
		return Profile{}, fmt.Errorf("decode github profile: %w", err)
	}
	profile := Profile{ID: payload.ID.String()}
	if payload.AvatarURL != "" {
		profile.Photos = []string{payload.AvatarURL}
	}
	return profile, nil
}

type googleProfile struct {
	Subject string `json:"sub"`
	Picture string `json:"picture"`
}

func decodeGoogleProfile(body []byte) (Profile, error) {
	var payload googleProfile
	if err := json.Unmarshal(body, &payload); err != nil {
		return Profile{}, fmt.Errorf("decode google profile: %w", err)
	}
	profile := Profile{ID: payload.Subject}
	if payload.Picture != "" {
		profile.Photos = []string{payload.Picture}
	}
	return profile, nil
}
