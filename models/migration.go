package models

import (
	"log"

	"github.com/mmdatafocus/listing_backend/config"
	"gorm.io/gorm"
)

func MigrateTable() {
	if err := AutoMigrateAll(config.GetDB()); err != nil {
		log.Fatal(err)
	}
}

// AutoMigrateAll creates or updates every table the service owns, plus the legacy upload log it reads.
func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&Product{}, &ProductAttribute{},
		&Combination{}, &Assignment{},
		&UploadRecord{},
		&LegacyMigrationRun{}, &LegacyMigrationOutcome{},
		&ComboSyncRun{}, &ComboSyncError{},
		&ExportHistory{},
	)
}
