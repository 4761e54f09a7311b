package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const (
	defaultKeySetTTL    = 10 * time.Minute
	defaultMinRefresh   = 30 * time.Second
	defaultGoogleJWKS   = "https://www.googleapis.com/oauth2/v3/certs"
	googleIssuer        = "https://accounts.google.com"
	googleIssuerNoProto = "accounts.google.com"
)

var (
	ErrInvalidIDTokenConfig = errors.New("auth: invalid id token verifier config")

	errEmptyIDToken       = errors.New("id token must not be empty")
	errMissingKeyID       = errors.New("id token missing key identifier")
	errUnknownSigningKey  = errors.New("signing key not found in key set")
	errIssuerNotAllowed   = errors.New("id token issuer not allowed")
	errMissingIDSubject   = errors.New("id token missing subject claim")
	errMissingClientID    = errors.New("client id configuration required")
	errNoUsableKeys       = errors.New("key set contained no usable keys")
	errNoIssuersAllowed   = errors.New("no allowed issuers configured")
	errInvalidKeyExponent = errors.New("invalid exponent value")
)

// IDTokenVerifierConfig configures offline verification of Google ID tokens.
type IDTokenVerifierConfig struct {
	ClientID       string
	KeySetURL      string
	AllowedIssuers []string
	HTTPClient     *http.Client
	KeySetTTL      time.Duration
	// MinRefreshInterval bounds how often an unknown key id may trigger a key set fetch.
	MinRefreshInterval time.Duration
	Logger             *zap.Logger
	Clock              func() time.Time
}

// IDTokenClaims carries the claims needed to provision a user.
type IDTokenClaims struct {
	Subject  string
	Issuer   string
	Picture  string
	Expiry   time.Time
	IssuedAt time.Time
}

type googleIDTokenClaims struct {
	Picture string `json:"picture"`
	jwt.RegisteredClaims
}

// GoogleIDTokenVerifier validates RS256 Google ID tokens against a cached key set.
type GoogleIDTokenVerifier struct {
	clientID   string
	keySetURL  string
	httpClient *http.Client
	logger     *zap.Logger
	clock      func() time.Time
	keys       *keySetCache
	issuers    map[string]struct{}
	minRefresh time.Duration

	refreshMu     sync.Mutex
	lastRefreshAt time.Time
}

// NewGoogleIDTokenVerifier constructs a verifier with validated configuration.
func NewGoogleIDTokenVerifier(cfg IDTokenVerifierConfig) (*GoogleIDTokenVerifier, error) {
	clientID := strings.TrimSpace(cfg.ClientID)
	if clientID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIDTokenConfig, errMissingClientID)
	}
	keySetURL := strings.TrimSpace(cfg.KeySetURL)
	if keySetURL == "" {
		keySetURL = defaultGoogleJWKS
	}
	ttl := cfg.KeySetTTL
	if ttl <= 0 {
		ttl = defaultKeySetTTL
	}
	minRefresh := cfg.MinRefreshInterval
	if minRefresh <= 0 {
		minRefresh = defaultMinRefresh
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	issuers := make(map[string]struct{})
	if cfg.AllowedIssuers == nil {
		issuers[googleIssuer] = struct{}{}
		issuers[googleIssuerNoProto] = struct{}{}
	} else {
		for _, issuer := range cfg.AllowedIssuers {
			if normalized := strings.TrimSpace(issuer); normalized != "" {
				issuers[normalized] = struct{}{}
			}
		}
		if len(issuers) == 0 {
			return nil, fmt.Errorf("%w: %v", ErrInvalidIDTokenConfig, errNoIssuersAllowed)
		}
	}

	return &GoogleIDTokenVerifier{
		clientID:   clientID,
		keySetURL:  keySetURL,
		httpClient: httpClient,
		logger:     logger,
		clock:      clock,
		keys:       &keySetCache{ttl: ttl},
		issuers:    issuers,
		minRefresh: minRefresh,
	}, nil
}

// Verify checks signature, audience, issuer and expiry of the raw ID token.
func (v *GoogleIDTokenVerifier) Verify(ctx context.Context, rawToken string) (IDTokenClaims, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return IDTokenClaims{}, errEmptyIDToken
	}

	claims := &googleIDTokenClaims{}
	_, err := jwt.ParseWithClaims(
		rawToken,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			keyID, _ := token.Header["kid"].(string)
			if keyID == "" {
				return nil, errMissingKeyID
			}
			return v.lookupKey(ctx, keyID)
		},
		jwt.WithAudience(v.clientID),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return IDTokenClaims{}, err
	}
	if _, allowed := v.issuers[claims.Issuer]; !allowed {
		return IDTokenClaims{}, errIssuerNotAllowed
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return IDTokenClaims{}, errMissingIDSubject
	}

	verified := IDTokenClaims{
		Subject: claims.Subject,
		Issuer:  claims.Issuer,
		Picture: claims.Picture,
	}
	if claims.ExpiresAt != nil {
		verified.Expiry = claims.ExpiresAt.Time
	}
	if claims.IssuedAt != nil {
		verified.IssuedAt = claims.IssuedAt.Time
	}
	return verified, nil
}

func (v *GoogleIDTokenVerifier) lookupKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	now := v.clock()
	if key := v.keys.get(keyID, now); key != nil {
		return key, nil
	}

	v.refreshMu.Lock()
	defer v.refreshMu.Unlock()
	// Another request may have refreshed while this one waited.
	if key := v.keys.get(keyID, now); key != nil {
		return key, nil
	}
	if !v.lastRefreshAt.IsZero() && now.Sub(v.lastRefreshAt) < v.minRefresh {
		v.logger.Debug("key set refresh throttled", zap.String("kid", keyID))
		return nil, errUnknownSigningKey
	}
	v.lastRefreshAt = now

	if err := v.refreshKeys(ctx, now); err != nil {
		return nil, err
	}
	if key := v.keys.get(keyID, now); key != nil {
		return key, nil
	}
	return nil, errUnknownSigningKey
}

func (v *GoogleIDTokenVerifier) refreshKeys(ctx context.Context, fetchedAt time.Time) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, v.keySetURL, nil)
	if err != nil {
		return err
	}
	response, err := v.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("key set request returned status %d", response.StatusCode)
	}

	var document keySetDocument
	if err := json.NewDecoder(response.Body).Decode(&document); err != nil {
		return err
	}

	keys := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, key := range document.Keys {
		if key.KeyType != "RSA" || (key.Use != "" && key.Use != "sig") {
			continue
		}
		publicKey, err := key.publicKey()
		if err != nil {
			v.logger.Debug("skipping jwk", zap.String("kid", key.KeyID), zap.Error(err))
			continue
		}
		keys[key.KeyID] = publicKey
	}
	if len(keys) == 0 {
		return errNoUsableKeys
	}

	v.keys.store(keys, fetchedAt)
	return nil
}

type keySetCache struct {
	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
	ttl       time.Duration
}

func (c *keySetCache) get(keyID string, now time.Time) *rsa.PublicKey {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.keys == nil || now.After(c.expiresAt) {
		return nil
	}
	return c.keys[keyID]
}

func (c *keySetCache) store(keys map[string]*rsa.PublicKey, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keys = keys
	c.expiresAt = now.Add(c.ttl)
}

type keySetDocument struct {
	Keys []jsonWebKey `json:"keys"`
}

type jsonWebKey struct {
	KeyType  string `json:"kty"`
	KeyID    string `json:"kid"`
	Use      string `json:"use"`
	Modulus  string `json:"n"`
	Exponent string `json:"e"`
}

func (k jsonWebKey) publicKey() (*rsa.PublicKey, error) {
	modulus, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exponent)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}
	exponent := 0
	for _, b := range exponentBytes {
		exponent = exponent<<8 + int(b)
	}
	if exponent == 0 {
		return nil, errInvalidKeyExponent
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(modulus), E: exponent}, nil
}
