package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/portal/backend/internal/users"
)

type principalContextKey struct{}

// SerializePrincipal encodes the user as "<provider>:<provider_user_id>".
func SerializePrincipal(user users.User) string {
	return user.Provider + ":" + user.ProviderUserID
}

// ParsePrincipal splits a serialized principal on its first colon.
func ParsePrincipal(principal string) (string, string, error) {
	provider, providerUserID, found := strings.Cut(principal, ":")
	if !found || strings.TrimSpace(provider) == "" || strings.TrimSpace(providerUserID) == "" {
		return "", "", fmt.Errorf("%w: malformed principal", ErrPrincipalNotFound)
	}
	return provider, providerUserID, nil
}

// PrincipalResolver turns serialized principals back into users.
type PrincipalResolver struct {
	store IdentityStore
}

// NewPrincipalResolver constructs a resolver backed by the identity store.
func NewPrincipalResolver(store IdentityStore) (*PrincipalResolver, error) {
	if store == nil {
		return nil, fmt.Errorf("auth: identity store required")
	}
	return &PrincipalResolver{store: store}, nil
}

// Deserialize re-resolves the principal through the identity store.
func (r *PrincipalResolver) Deserialize(ctx context.Context, principal string) (users.User, error) {
	provider, providerUserID, err := ParsePrincipal(principal)
	if err != nil {
		return users.User{}, err
	}
	user, err := r.store.FirstOrCreateByProvider(ctx, provider, providerUserID, nil, nil)
	if errors.Is(err, users.ErrNotFound) || errors.Is(err, users.ErrInvalidIdentity) {
		return users.User{}, fmt.Errorf("%w: %s", ErrPrincipalNotFound, principal)
	}
	if err != nil {
		return users.User{}, storeFailure(err)
	}
	if user.ProviderUserID == "" {
		return users.User{}, fmt.Errorf("%w: %s", ErrPrincipalNotFound, principal)
	}
	return user, nil
}

// WithPrincipal returns a context carrying the resolved user.
func WithPrincipal(ctx context.Context, user users.User) context.Context {
	return context.WithValue(ctx, principalContextKey{}, user)
}

// PrincipalFrom returns the user stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (users.User, bool) {
	user, ok := ctx.Value(principalContextKey{}).(users.User)
	return user, ok
}
