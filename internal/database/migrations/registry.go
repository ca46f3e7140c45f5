package migrations

import (
	"github.com/jmylchreest/keysync/internal/models"
	"gorm.io/gorm"
)

// AllMigrations returns all registered migrations in order.
// - 001: key journal table
// - 002: index on source for per-transport queries
func AllMigrations() []Migration {
	return []Migration{
		migration001KeyRecords(),
		migration002SourceIndex(),
	}
}

func migration001KeyRecords() Migration {
	return Migration{
		Version:     "001",
		Description: "Create key_records table",
		Up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&models.KeyRecord{})
		},
		Down: func(tx *gorm.DB) error {
			if tx.Migrator().HasTable(&models.KeyRecord{}) {
				return tx.Migrator().DropTable(&models.KeyRecord{})
			}
			return nil
		},
	}
}

const sourceIndex = "idx_key_records_source"

func migration002SourceIndex() Migration {
	return Migration{
		Version:     "002",
		Description: "Index key_records by source",
		Up: func(tx *gorm.DB) error {
			if tx.Migrator().HasIndex(&models.KeyRecord{}, sourceIndex) {
				return nil
			}
			return tx.Exec("CREATE INDEX " + sourceIndex + " ON key_records (source)").Error
		},
		Down: func(tx *gorm.DB) error {
			if !tx.Migrator().HasIndex(&models.KeyRecord{}, sourceIndex) {
				return nil
			}
			return tx.Migrator().DropIndex(&models.KeyRecord{}, sourceIndex)
		},
	}
}
