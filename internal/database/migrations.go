package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Jorge-Nunes/tag-padrin/internal/tracking"
)

const (
	migrationTrimDeviceProviderIDs = "2026-10-01_trim_device_provider_ids"
	migrationDropOrphanPositions   = "2026-10-01_drop_orphan_positions"
)

// migrationRecord marks a data migration as applied.
type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
	RowsAffected     int64  `gorm:"column:rows_affected;not null;default:0"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type dataMigration struct {
	name  string
	apply func(*gorm.DB) (int64, error)
}

func pendingMigrations() []dataMigration {
	return []dataMigration{
		{name: migrationTrimDeviceProviderIDs, apply: trimDeviceProviderIDs},
		{name: migrationDropOrphanPositions, apply: dropOrphanPositions},
	}
}

// applyMigrations runs each unapplied data migration together with its
// bookkeeping row in one transaction.
func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	for _, migration := range pendingMigrations() {
		applied, err := migrationApplied(db, migration.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}

		var affected int64
		err = db.Transaction(func(tx *gorm.DB) error {
			rows, applyErr := migration.apply(tx)
			if applyErr != nil {
				return applyErr
			}
			affected = rows
			return tx.Create(&migrationRecord{
				Name:             migration.name,
				AppliedAtSeconds: time.Now().UTC().Unix(),
				RowsAffected:     rows,
			}).Error
		})
		if err != nil {
			return fmt.Errorf("database: migration %s: %w", migration.name, err)
		}
		logger.Info("database migration applied",
			zap.String("migration", migration.name),
			zap.Int64("rows_affected", affected))
	}
	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var record migrationRecord
	err := db.Where("name = ?", name).Take(&record).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Provider ids are matched exactly against upstream responses.
func trimDeviceProviderIDs(db *gorm.DB) (int64, error) {
	result := db.Model(&tracking.Device{}).
		Where("provider_id <> trim(provider_id)").
		Update("provider_id", gorm.Expr("trim(provider_id)"))
	return result.RowsAffected, result.Error
}

func dropOrphanPositions(db *gorm.DB) (int64, error) {
	result := db.Where("device_id NOT IN (?)", db.Model(&tracking.Device{}).Select("id")).
		Delete(&tracking.PositionRecord{})
	return result.RowsAffected, result.Error
}
