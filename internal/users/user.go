package users

import (
	"strings"
	"time"
)

// Known identity providers.
const (
	ProviderLocal  = "local"
	ProviderGitHub = "github"
	ProviderGoogle = "google"
)

// User captures a canonical identity keyed by provider and provider-assigned subject.
type User struct {
	ID             uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Provider       string    `gorm:"column:provider;size:32;not null;uniqueIndex:idx_user_provider_identity"`
	ProviderUserID string    `gorm:"column:provider_user_id;size:190;not null;uniqueIndex:idx_user_provider_identity"`
	AccessToken    *string   `gorm:"column:access_token;size:512"`
	AvatarURL      *string   `gorm:"column:avatar_url;size:512"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName exposes the table backing user identities.
func (User) TableName() string {
	return "user"
}

// LocalCredential stores the password hash of a local user. ID equals the user's ProviderUserID.
type LocalCredential struct {
	ID       string `gorm:"column:id;primaryKey;size:190"`
	Password string `gorm:"column:password;not null"`
}

// TableName exposes the table backing local credentials.
func (LocalCredential) TableName() string {
	return "localUser"
}

// LocalCredentialRecord is the joined view of a local user and its password hash.
type LocalCredentialRecord struct {
	Provider       string `gorm:"column:provider"`
	ProviderUserID string `gorm:"column:provider_user_id"`
	PasswordHash   string `gorm:"column:password_hash"`
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func normalizeOptional(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := normalize(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
