package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionIssuer = "login-portal"
	defaultSessionTTL    = 24 * time.Hour
)

var (
	ErrMissingSessionSigningKey = errors.New("session codec: signing key required")
	ErrMissingSessionCookieName = errors.New("session codec: cookie name required")
	ErrMissingSessionToken      = errors.New("session codec: token required")
	ErrInvalidSessionToken      = errors.New("session codec: invalid token")
	ErrExpiredSessionToken      = errors.New("session codec: token expired")
	ErrMissingSessionPrincipal  = errors.New("session codec: principal required")
)

// SessionCodecConfig describes how session cookies are signed and checked.
type SessionCodecConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	TTL           time.Duration
	Clock         func() time.Time
}

// SessionCodec stores the serialized principal as the subject of an HS256 JWT.
type SessionCodec struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	ttl           time.Duration
	clock         func() time.Time
}

// NewSessionCodec constructs a codec with the provided configuration.
func NewSessionCodec(cfg SessionCodecConfig) (*SessionCodec, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultSessionTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionCodec{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		ttl:           ttl,
		clock:         clock,
	}, nil
}

// CookieName returns the cookie name configured for sessions.
func (c *SessionCodec) CookieName() string {
	return c.cookieName
}

// Issue signs a session token for the serialized principal.
func (c *SessionCodec) Issue(principal string) (string, time.Time, error) {
	if strings.TrimSpace(principal) == "" {
		return "", time.Time{}, ErrMissingSessionPrincipal
	}
	now := c.clock().UTC()
	expiresAt := now.Add(c.ttl)
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   principal,
		Issuer:    c.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	})
	signed, err := token.SignedString(c.signingSecret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Validate checks the token and returns the serialized principal it carries.
func (c *SessionCodec) Validate(tokenString string) (string, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return "", ErrMissingSessionToken
	}

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(*jwt.Token) (interface{}, error) {
			return c.signingSecret, nil
		},
		jwt.WithTimeFunc(c.clock),
		jwt.WithIssuer(c.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredSessionToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return "", ErrInvalidSessionToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return "", ErrMissingSessionPrincipal
	}
	return claims.Subject, nil
}

// ValidateRequest extracts the session cookie from the request and validates it.
func (c *SessionCodec) ValidateRequest(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingSessionToken
	}
	cookie, err := r.Cookie(c.cookieName)
	if err != nil || cookie == nil {
		return "", ErrMissingSessionToken
	}
	return c.Validate(cookie.Value)
}
