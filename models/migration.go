package models

import (
	"gorm.io/gorm"
)

func MigrateTable(db *gorm.DB) error {
	return db.AutoMigrate(
		&MileageModel{},
		&OdometerEvent{},
		&MileageAuditLog{},
		&PendingReview{},
		&IdempotencyKey{},
		&Vehicle{},
	)
}
