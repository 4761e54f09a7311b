package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/portal/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRemoveOrphanedLocalUsers = "2017-09-20_remove_orphaned_local_users"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRemoveOrphanedLocalUsers, apply: removeOrphanedLocalUsers},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Local users created before registration became transactional may lack a credential row.
func removeOrphanedLocalUsers(db *gorm.DB) error {
	credentialIDs := db.Model(&users.LocalCredential{}).Select("id")
	return db.
		Where("provider = ? AND provider_user_id NOT IN (?)", users.ProviderLocal, credentialIDs).
		Delete(&users.User{}).
		Error
}
