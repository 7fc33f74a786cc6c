package repository

import (
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/dbstudio/engine/internal/models"
)

const (
	IndexActiveName = "uq_database_instances_active_name"
	IndexHeldPort   = "uq_database_instances_held_port"
)

// registerModels returns all models that need migration.
func registerModels() []interface{} {
	return []interface{}{
		&models.Instance{},
	}
}

// Migrate creates or updates the schema.
func Migrate(db *gorm.DB) error {
	if err := enableUUIDExtension(db); err != nil {
		return err
	}
	if err := db.AutoMigrate(registerModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return runCustomMigrations(db)
}

// runCustomMigrations handles schema changes AutoMigrate can't express.
func runCustomMigrations(db *gorm.DB) error {
	migrations := []func(*gorm.DB) error{
		addActiveNameIndex,
		addHeldPortIndex,
	}
	for _, migration := range migrations {
		if err := migration(db); err != nil {
			return err
		}
	}
	return nil
}

func enableUUIDExtension(db *gorm.DB) error {
	return db.Exec(`CREATE EXTENSION IF NOT EXISTS "pgcrypto"`).Error
}

// A name may be reused only once its previous holder is destroyed.
func addActiveNameIndex(db *gorm.DB) error {
	return db.Exec(fmt.Sprintf(`
		CREATE UNIQUE INDEX IF NOT EXISTS %s
		ON database_instances(name)
		WHERE status <> '%s'
	`, IndexActiveName, models.StatusDestroyed)).Error
}

func addHeldPortIndex(db *gorm.DB) error {
	held := make([]string, 0, len(models.PortHoldingStatuses))
	for _, s := range models.PortHoldingStatuses {
		held = append(held, "'"+string(s)+"'")
	}
	return db.Exec(fmt.Sprintf(`
		CREATE UNIQUE INDEX IF NOT EXISTS %s
		ON database_instances(port)
		WHERE status IN (%s)
	`, IndexHeldPort, strings.Join(held, ", "))).Error
}
