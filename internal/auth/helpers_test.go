package auth

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/portal/backend/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newUserStore(t *testing.T) *users.Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "auth.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&users.User{}, &users.LocalCredential{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create user service: %v", err)
	}
	return service
}

type failingStore struct {
	err error
}

func (s failingStore) FirstOrCreateByProvider(context.Context, string, string, *string, *string) (users.User, error) {
	return users.User{}, s.err
}

func (s failingStore) GetLocalCredential(context.Context, string) (users.LocalCredentialRecord, error) {
	return users.LocalCredentialRecord{}, s.err
}

func (s failingStore) CreateLocalUser(context.Context, string, string) error {
	return s.err
}
