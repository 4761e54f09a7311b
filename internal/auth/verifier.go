package auth

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/portal/backend/internal/users"
)

// Credential carries whatever the inbound request presented for a login attempt.
// Local logins use Username and Password; provider callbacks use Code, or IDToken for Google sign-in.
type Credential struct {
	Username string
	Password string
	Code     string
	IDToken  string
}

// Verifier resolves a credential into a canonical user. A nil error means the attempt was verified.
type Verifier interface {
	Provider() string
	Verify(ctx context.Context, credential Credential) (users.User, error)
}

// Redirector is implemented by verifiers that start a browser redirect flow.
type Redirector interface {
	AuthCodeURL(state string) string
}

// IdentityStore provisions provider identities.
type IdentityStore interface {
	FirstOrCreateByProvider(ctx context.Context, provider, providerUserID string, accessToken, avatarURL *string) (users.User, error)
}

// CredentialStore looks up local password records.
type CredentialStore interface {
	GetLocalCredential(ctx context.Context, providerUserID string) (users.LocalCredentialRecord, error)
}

// AccountStore creates local accounts.
type AccountStore interface {
	CreateLocalUser(ctx context.Context, providerUserID, passwordHash string) error
}

// Registry selects a verifier by provider name.
type Registry struct {
	mu        sync.RWMutex
	verifiers map[string]Verifier
}

// NewRegistry constructs a registry holding the supplied verifiers.
func NewRegistry(verifiers ...Verifier) (*Registry, error) {
	registry := &Registry{verifiers: make(map[string]Verifier, len(verifiers))}
	for _, verifier := range verifiers {
		if err := registry.Register(verifier); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Register adds a verifier; a provider may only be registered once.
func (r *Registry) Register(verifier Verifier) error {
	if verifier == nil {
		return fmt.Errorf("auth: verifier required")
	}
	name := strings.TrimSpace(verifier.Provider())
	if name == "" {
		return fmt.Errorf("auth: verifier provider name required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.verifiers[name]; exists {
		return fmt.Errorf("auth: provider %s already registered", name)
	}
	r.verifiers[name] = verifier
	return nil
}

// Lookup returns the verifier registered for the provider.
func (r *Registry) Lookup(provider string) (Verifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	verifier, ok := r.verifiers[strings.TrimSpace(provider)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	return verifier, nil
}

// Verify dispatches the credential to the provider's verifier.
func (r *Registry) Verify(ctx context.Context, provider string, credential Credential) (users.User, error) {
	verifier, err := r.Lookup(provider)
	if err != nil {
		return users.User{}, err
	}
	return verifier.Verify(ctx, credential)
}

// AuthCodeURL builds the provider redirect for browser sign-in.
func (r *Registry) AuthCodeURL(provider, state string) (string, error) {
	verifier, err := r.Lookup(provider)
	if err != nil {
		return "", err
	}
	redirector, ok := verifier.(Redirector)
	if !ok {
		return "", fmt.Errorf("%w: %s does not support redirects", ErrUnknownProvider, provider)
	}
	return redirector.AuthCodeURL(state), nil
}

// Providers lists the registered provider names that support redirect sign-in, sorted.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.verifiers))
	for name, verifier := range r.verifiers {
		if _, ok := verifier.(Redirector); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
