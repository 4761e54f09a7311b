package users

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const defaultStoreTimeout = 5 * time.Second

var (
	// ErrInvalidIdentity indicates the provider or provider user id was empty.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrNotFound indicates no matching record exists.
	ErrNotFound = errors.New("users: not found")
	// ErrUsernameTaken indicates a local user with the same username already exists.
	ErrUsernameTaken = errors.New("users: username already taken")
	// ErrStore wraps any data-access failure.
	ErrStore = errors.New("users: store failure")
)

// ServiceConfig describes the dependencies required for user provisioning.
type ServiceConfig struct {
	Database *gorm.DB
	Timeout  time.Duration
	Clock    func() time.Time
}

// Service persists user identities and local credentials.
type Service struct {
	db      *gorm.DB
	timeout time.Duration
	now     func() time.Time
}

// NewService constructs the user store.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:      cfg.Database,
		timeout: timeout,
		now:     clock,
	}, nil
}

// FirstOrCreateByProvider returns the user registered for provider+providerUserID, inserting it when absent.
// The optional fields are only written on insert; an existing record is returned unchanged.
func (s *Service) FirstOrCreateByProvider(ctx context.Context, provider, providerUserID string, accessToken, avatarURL *string) (User, error) {
	provider = normalize(provider)
	providerUserID = normalize(providerUserID)
	if provider == "" || providerUserID == "" {
		return User{}, ErrInvalidIdentity
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	candidate := User{
		Provider:       provider,
		ProviderUserID: providerUserID,
		AccessToken:    normalizeOptional(accessToken),
		AvatarURL:      normalizeOptional(avatarURL),
		CreatedAt:      s.now().UTC(),
	}
	err := s.db.WithContext(ctx).
		Clauses(identityConflict()).
		Create(&candidate).
		Error
	if err != nil {
		return User{}, storeError(err)
	}

	var stored User
	err = s.db.WithContext(ctx).
		Where("provider = ? AND provider_user_id = ?", provider, providerUserID).
		Take(&stored).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, storeError(err)
	}
	return stored, nil
}

// GetLocalCredential joins the local user to its credential row.
func (s *Service) GetLocalCredential(ctx context.Context, providerUserID string) (LocalCredentialRecord, error) {
	providerUserID = normalize(providerUserID)
	if providerUserID == "" {
		return LocalCredentialRecord{}, ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var record LocalCredentialRecord
	result := s.db.WithContext(ctx).
		Model(&User{}).
		Select(`"user".provider, "user".provider_user_id, "localUser".password AS password_hash`).
		Joins(`JOIN "localUser" ON "localUser".id = "user".provider_user_id`).
		Where(`"user".provider = ? AND "user".provider_user_id = ?`, ProviderLocal, providerUserID).
		Limit(1).
		Scan(&record)
	if result.Error != nil {
		return LocalCredentialRecord{}, storeError(result.Error)
	}
	if result.RowsAffected == 0 {
		return LocalCredentialRecord{}, ErrNotFound
	}
	return record, nil
}

// CreateLocalUser inserts a local user and its credential in one transaction.
func (s *Service) CreateLocalUser(ctx context.Context, providerUserID, passwordHash string) error {
	providerUserID = normalize(providerUserID)
	if providerUserID == "" {
		return ErrInvalidIdentity
	}
	if passwordHash == "" {
		return fmt.Errorf("users: password hash required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user := User{
			Provider:       ProviderLocal,
			ProviderUserID: providerUserID,
			CreatedAt:      s.now().UTC(),
		}
		result := tx.Clauses(identityConflict()).Create(&user)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrUsernameTaken
		}

		credential := LocalCredential{ID: providerUserID, Password: passwordHash}
		result = tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&credential)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrUsernameTaken
		}
		return nil
	})
	if errors.Is(err, ErrUsernameTaken) {
		return ErrUsernameTaken
	}
	if err != nil {
		return storeError(err)
	}
	return nil
}

// Ping reports whether the backing database is reachable.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	sqlDB, err := s.db.DB()
	if err != nil {
		return storeError(err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return storeError(err)
	}
	return nil
}

func identityConflict() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "provider_user_id"}},
		DoNothing: true,
	}
}

func storeError(err error) error {
	return fmt.Errorf("%w: %w", ErrStore, err)
}
