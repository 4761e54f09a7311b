package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthenticationFailed is the parent of every rejected login attempt.
	ErrAuthenticationFailed = errors.New("auth: authentication failed")
	// ErrInvalidCredentials is returned for both unknown usernames and wrong passwords.
	ErrInvalidCredentials = fmt.Errorf("%w: invalid username or password", ErrAuthenticationFailed)
	// ErrProviderRejected is returned when an identity provider refuses or fails the handshake.
	ErrProviderRejected = fmt.Errorf("%w: provider rejected sign-in", ErrAuthenticationFailed)

	ErrPrincipalNotFound   = errors.New("auth: principal not found")
	ErrStoreFailure        = errors.New("auth: store failure")
	ErrUnknownProvider     = errors.New("auth: unknown provider")
	ErrInvalidRegistration = errors.New("auth: invalid registration")
)

func storeFailure(err error) error {
	return fmt.Errorf("%w: %w", ErrStoreFailure, err)
}
