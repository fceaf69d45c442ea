package database

import (
	"log"

	"gorm.io/gorm"

	"app-hivepay/models"
)

// AutoMigrate migrates all orchestrator tables. The composite unique
// indexes on payments and payouts are part of the models and carry the
// correctness invariants; migration failure here is fatal.
func AutoMigrate(db *gorm.DB) {
	err := db.AutoMigrate(
		&models.Group{},
		&models.Membership{},
		&models.Payment{},
		&models.Payout{},
		&models.ScheduledJobLog{},
		&models.WebhookEvent{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	log.Println("Database migration completed")
}
