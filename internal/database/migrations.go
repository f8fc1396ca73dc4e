package database

import (
	"errors"
	"time"

	"github.com/IdrisKulubi/m-buzzvar-sub001/internal/vibes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillVibeCheckUpdatedAt = "2026-05-18_backfill_vibe_check_updated_at"

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
		{name: migrationBackfillVibeCheckUpdatedAt, apply: backfillVibeCheckUpdatedAt},
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
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// Rows written before updated_at_s existed carry a zero value; seed it from
// the creation time.
func backfillVibeCheckUpdatedAt(db *gorm.DB) error {
	return db.Model(&vibes.VibeCheck{}).
		Where("updated_at_s = 0").
		Update("updated_at_s", gorm.Expr("created_at_s")).Error
}
