package db

import (
	"fmt"

	"github.com/fenland-imaging/gateway/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model the gateway persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.ProcedureItem{},
		&models.StoredInstance{},
		&models.RelayMessage{},
	}
}

// AutoMigrate creates or updates all gateway tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
