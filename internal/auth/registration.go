package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/portal/backend/internal/users"
	"golang.org/x/crypto/bcrypt"
)

// MinBcryptCost is the lowest work factor accepted for stored passwords.
const MinBcryptCost = 10

const maxUsernameLength = 190

// RegistrarConfig configures local account registration.
type RegistrarConfig struct {
	Store AccountStore
	Cost  int
}

// Registrar creates local accounts with hashed passwords.
type Registrar struct {
	store AccountStore
	cost  int
}

// NewRegistrar constructs a registrar; costs below MinBcryptCost are raised to it.
func NewRegistrar(cfg RegistrarConfig) (*Registrar, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("auth: account store required")
	}
	cost, err := clampBcryptCost(cfg.Cost)
	if err != nil {
		return nil, err
	}
	return &Registrar{store: cfg.Store, cost: cost}, nil
}

// clampBcryptCost raises cost to MinBcryptCost and rejects values bcrypt cannot use.
func clampBcryptCost(cost int) (int, error) {
	if cost < MinBcryptCost {
		cost = MinBcryptCost
	}
	if cost > bcrypt.MaxCost {
		return 0, fmt.Errorf("auth: bcrypt cost %d exceeds %d", cost, bcrypt.MaxCost)
	}
	return cost, nil
}

// Register hashes the password and stores the local user with its credential.
func (r *Registrar) Register(ctx context.Context, username, password string) (users.User, error) {
	username = strings.TrimSpace(username)
	switch {
	case username == "":
		return users.User{}, fmt.Errorf("%w: username required", ErrInvalidRegistration)
	case len(username) > maxUsernameLength:
		return users.User{}, fmt.Errorf("%w: username too long", ErrInvalidRegistration)
	case strings.Contains(username, ":"):
		return users.User{}, fmt.Errorf("%w: username must not contain ':'", ErrInvalidRegistration)
	case password == "":
		return users.User{}, fmt.Errorf("%w: password required", ErrInvalidRegistration)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), r.cost)
	if err != nil {
		// bcrypt rejects passwords longer than 72 bytes.
		return users.User{}, fmt.Errorf("%w: %v", ErrInvalidRegistration, err)
	}

	err = r.store.CreateLocalUser(ctx, username, string(hash))
	if errors.Is(err, users.ErrUsernameTaken) {
		return users.User{}, err
	}
	if err != nil {
		return users.User{}, storeFailure(err)
	}
	return users.User{Provider: users.ProviderLocal, ProviderUserID: username}, nil
}
