package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/portal/backend/internal/users"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// LocalVerifierConfig configures password verification.
type LocalVerifierConfig struct {
	Store  CredentialStore
	Logger *zap.Logger
	// Cost is the bcrypt cost of the decoy hash; keep it equal to RegistrarConfig.Cost.
	Cost int
}

// LocalVerifier checks usernames and passwords against stored bcrypt hashes.
type LocalVerifier struct {
	store     CredentialStore
	logger    *zap.Logger
	decoyHash []byte
}

// NewLocalVerifier constructs the local password verifier.
func NewLocalVerifier(cfg LocalVerifierConfig) (*LocalVerifier, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("auth: credential store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cost, err := clampBcryptCost(cfg.Cost)
	if err != nil {
		return nil, err
	}
	decoy, err := bcrypt.GenerateFromPassword([]byte("decoy-password"), cost)
	if err != nil {
		return nil, err
	}
	return &LocalVerifier{
		store:     cfg.Store,
		logger:    logger,
		decoyHash: decoy,
	}, nil
}

// Provider reports the local provider name.
func (v *LocalVerifier) Provider() string {
	return users.ProviderLocal
}

// Verify matches the supplied password against the stored hash.
func (v *LocalVerifier) Verify(ctx context.Context, credential Credential) (users.User, error) {
	record, err := v.store.GetLocalCredential(ctx, credential.Username)
	if errors.Is(err, users.ErrNotFound) {
		// Compare against a decoy so unknown usernames cost the same as wrong passwords.
		_ = bcrypt.CompareHashAndPassword(v.decoyHash, []byte(credential.Password))
		v.logger.Debug("local login rejected", zap.String("reason", "unknown_user"))
		return users.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return users.User{}, storeFailure(err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(record.PasswordHash), []byte(credential.Password)); err != nil {
		v.logger.Debug("local login rejected", zap.String("reason", "password_mismatch"))
		return users.User{}, ErrInvalidCredentials
	}
	return users.User{
		Provider:       record.Provider,
		ProviderUserID: record.ProviderUserID,
	}, nil
}
