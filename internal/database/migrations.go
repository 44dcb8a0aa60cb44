package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/tidesync/internal/rowversion"
	"github.com/MarcoPoloResearchLab/tidesync/internal/schema"
	"github.com/MarcoPoloResearchLab/tidesync/internal/syncserver"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationPruneOrphanClientViews = "2026-10-01_prune_orphan_client_views"

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

// MigrateServer creates the sync bookkeeping tables and every table of the
// application schema, then applies pending named migrations.
func MigrateServer(db *gorm.DB, app schema.Schema, logger *zap.Logger) error {
	if err := db.AutoMigrate(&syncserver.ClientRecord{}, &rowversion.ClientView{}, &migrationRecord{}); err != nil {
		return err
	}
	for _, table := range app.Tables() {
		if err := db.Exec(table.CreateStatement()).Error; err != nil {
			return err
		}
	}
	if err := applyMigrations(db, logger); err != nil {
		return err
	}
	if logger != nil {
		logger.Info("database initialized", zap.Strings("tables", app.TableNames()))
	}
	return nil
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationPruneOrphanClientViews, apply: pruneOrphanClientViews},
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

// pruneOrphanClientViews drops views of clients that no longer have a
// client record.
func pruneOrphanClientViews(db *gorm.DB) error {
	return db.
		Where("client_id NOT IN (?)", db.Model(&syncserver.ClientRecord{}).Select("id")).
		Delete(&rowversion.ClientView{}).Error
}
