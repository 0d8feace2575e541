package db

import (
	"fmt"

	"github.com/zulandar/chatrelay/internal/config"
	"github.com/zulandar/chatrelay/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AllModels returns the GORM models in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&models.App{},
		&models.Conversation{},
		&models.Message{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// DropAll drops every chatrelay table, children first.
func DropAll(db *gorm.DB) error {
	all := AllModels()
	for i := len(all) - 1; i >= 0; i-- {
		if err := db.Migrator().DropTable(all[i]); err != nil {
			return fmt.Errorf("db: drop table: %w", err)
		}
	}
	return nil
}

// SeedApps upserts App rows from configuration, keyed by name.
func SeedApps(db *gorm.DB, apps []config.AppConfig) error {
	for _, ac := range apps {
		app := models.App{
			Name:        ac.Name,
			Description: ac.Description,
			APIKeyEnv:   ac.APIKeyEnv,
		}

		result := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"description", "api_key_env_name", "updated_at"}),
		}).Create(&app)
		if result.Error != nil {
			return fmt.Errorf("db: seed app %q: %w", ac.Name, result.Error)
		}
	}
	return nil
}

// Init migrates the schema and seeds the configured apps.
func Init(db *gorm.DB, cfg *config.Config) error {
	if err := AutoMigrate(db); err != nil {
		return err
	}
	return SeedApps(db, cfg.Apps)
}
