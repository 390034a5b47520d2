package database

import (
	"errors"
	"time"

	"github.com/bookswap-hq/bookswap/backend/internal/catalog"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationBackfillDigitalIDs = "2026-05-12_backfill_book_digital_ids"

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
		{name: migrationBackfillDigitalIDs, apply: backfillDigitalIDs},
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

// Books listed before provenance tracking have no digital id; seed it from
// the listing id so lineage queries cover them.
func backfillDigitalIDs(db *gorm.DB) error {
	return db.Model(&catalog.Book{}).
		Where("digital_id = ''").
		Update("digital_id", gorm.Expr("book_id")).Error
}
