package database

import (
	"errors"
	"time"

	"github.com/InRunning/click-translate/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationClearBlankDeviceIDs = "2026-03-01_clear_blank_device_ids"
	migrationNormalizeEmails     = "2026-03-01_normalize_emails"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationClearBlankDeviceIDs, apply: clearBlankDeviceIDs},
		{name: migrationNormalizeEmails, apply: normalizeEmails},
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
			if err := migration.apply(tx, logger); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// clearBlankDeviceIDs stores empty device fingerprints as NULL so they never
// take part in the guest device uniqueness constraint.
func clearBlankDeviceIDs(db *gorm.DB, _ *zap.Logger) error {
	return db.Unscoped().Model(&users.Identity{}).
		Where("device_id = ?", "").
		Update("device_id", nil).Error
}

// normalizeEmails rewrites stored emails to their trimmed lowercase form.
// Rows whose normalized email is already taken by a live identity are left untouched.
func normalizeEmails(db *gorm.DB, logger *zap.Logger) error {
	var identities []users.Identity
	if err := db.Where("email IS NOT NULL").Find(&identities).Error; err != nil {
		return err
	}

	for _, identity := range identities {
		current := *identity.Email
		normalized := users.NormalizeEmail(current)
		if normalized == current {
			continue
		}

		var taken int64
		if err := db.Model(&users.Identity{}).
			Where("email = ? AND id <> ?", normalized, identity.ID).
			Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 || normalized == "" {
			logger.Warn("email normalization skipped",
				zap.Int64("user_id", identity.UserID),
				zap.Bool("conflict", taken > 0),
			)
			continue
		}

		if err := db.Model(&users.Identity{}).
			Where("id = ?", identity.ID).
			Update("email", normalized).Error; err != nil {
			return err
		}
	}
	return nil
}
