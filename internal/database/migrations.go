package database

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/sambitmohanty1/school-payments/internal/models"
)

// SchemaMigration records one applied migration version.
type SchemaMigration struct {
	ID        uint      `gorm:"primaryKey"`
	Version   string    `gorm:"size:255;not null;uniqueIndex"`
	AppliedAt time.Time `gorm:"not null"`
}

func (SchemaMigration) TableName() string { return "schema_migrations" }

type migration struct {
	version string
	up      func(tx *gorm.DB) error
}

// migrations run in order; a version is never edited once released.
var migrations = []migration{
	{
		version: "0001_payment_ledger",
		up: func(tx *gorm.DB) error {
			return tx.AutoMigrate(models.AllModels()...)
		},
	},
	{
		version: "0002_pending_sweep_index",
		up: func(tx *gorm.DB) error {
			return tx.Exec("CREATE INDEX IF NOT EXISTS idx_payments_status_created_at ON payments (status, created_at)").Error
		},
	},
	{
		version: "0003_allocations_by_payment_item",
		up: func(tx *gorm.DB) error {
			return tx.Exec("CREATE INDEX IF NOT EXISTS idx_payment_allocations_payment_item ON payment_allocations (payment_id, invoice_item_id)").Error
		},
	},
	{
		version: "0004_payment_reconcile_attempts",
		up: func(tx *gorm.DB) error {
			if tx.Migrator().HasColumn(&models.Payment{}, "ReconcileAttemptedAt") {
				return nil
			}
			return tx.Migrator().AddColumn(&models.Payment{}, "ReconcileAttemptedAt")
		},
	},
}

// RunMigrations applies every migration that is not yet recorded in schema_migrations.
func RunMigrations(db *gorm.DB) error {
	if err := db.AutoMigrate(&SchemaMigration{}); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, m := range migrations {
		var count int64
		if err := db.Model(&SchemaMigration{}).Where("version = ?", m.version).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check migration %s: %w", m.version, err)
		}
		if count > 0 {
			continue
		}

		err := db.Transaction(func(tx *gorm.DB) error {
			if err := m.up(tx); err != nil {
				return err
			}
			return tx.Create(&SchemaMigration{Version: m.version, AppliedAt: time.Now()}).Error
		})
		if err != nil {
			return fmt.Errorf("failed to run migration %s: %w", m.version, err)
		}
	}
	return nil
}

// MigrationStatus represents a migration status
type MigrationStatus struct {
	Version   string    `json:"version"`
	AppliedAt time.Time `json:"applied_at"`
}

// GetMigrationStatus returns the applied migrations, oldest first.
func GetMigrationStatus(db *gorm.DB) ([]MigrationStatus, error) {
	var applied []MigrationStatus
	err := db.Model(&SchemaMigration{}).
		Select("version, applied_at").
		Order("applied_at ASC, id ASC").
		Scan(&applied).Error
	return applied, err
}
